package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/segue/internal/observe"
)

// ErrAllBackendsFailed is returned when every backend in a [Chain] failed or
// was cooling off.
var ErrAllBackendsFailed = errors.New("resilience: all backends failed")

// ChainConfig configures the per-backend breakers of a [Chain].
type ChainConfig struct {
	// Breaker tunes the breaker created for each backend.
	Breaker BreakerConfig

	// Metrics receives breaker state changes. Nil falls back to
	// observe.DefaultMetrics.
	Metrics *observe.Metrics
}

// chainLink pairs one backend with its breaker.
type chainLink[T any] struct {
	name    string
	backend T
	breaker *Breaker
}

// Chain holds a primary backend and its ordered fallbacks for one provider
// kind. Calls go to the first link whose breaker admits them; a failing link
// hands over to the next. Assemble the chain fully before use: Add must not
// race with Try.
type Chain[T any] struct {
	kind  string
	cfg   ChainConfig
	links []chainLink[T]
}

// NewChain creates a chain of the given kind ("llm", "tts") with primary as
// its first backend.
func NewChain[T any](kind, name string, primary T, cfg ChainConfig) *Chain[T] {
	c := &Chain[T]{kind: kind, cfg: cfg}
	c.Add(name, primary)
	return c
}

// Add appends a fallback backend. Backends are tried in insertion order.
func (c *Chain[T]) Add(name string, backend T) {
	c.links = append(c.links, chainLink[T]{
		name:    name,
		backend: backend,
		breaker: NewBreaker(c.kind+"/"+name, c.cfg.Breaker, c.cfg.Metrics),
	})
}

// Try runs fn against each backend in order until one succeeds. Backends
// whose breakers are cooling off are skipped without spending deadline budget
// on them. Returns [ErrAllBackendsFailed] wrapped around the last error when
// no backend delivered. A package-level function because Go methods cannot
// introduce type parameters.
func Try[T, R any](ctx context.Context, c *Chain[T], fn func(T) (R, error)) (R, error) {
	var zero R
	var lastErr error
	for i := range c.links {
		link := &c.links[i]
		var result R
		err := link.breaker.Execute(ctx, func() error {
			var ferr error
			result, ferr = fn(link.backend)
			return ferr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrBackendCoolingOff) {
			slog.Debug("skipping cooling-off backend",
				"kind", c.kind, "backend", link.name)
			continue
		}
		slog.Warn("backend failed, handing over",
			"kind", c.kind, "backend", link.name, "error", err)
	}
	return zero, fmt.Errorf("%w (%s): %v", ErrAllBackendsFailed, c.kind, lastErr)
}
