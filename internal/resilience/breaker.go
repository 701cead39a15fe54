// Package resilience keeps the narration pipeline usable when a model backend
// misbehaves. Generation and synthesis race a playback deadline, so a backend
// that keeps failing must be skipped outright rather than retried on every
// transition: each backend sits behind a [Breaker], and a [Chain] walks the
// healthy ones in preference order.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/segue/internal/observe"
)

// ErrBackendCoolingOff is returned by [Breaker.Execute] when the backend's
// breaker is open and its cool-off period has not elapsed.
var ErrBackendCoolingOff = errors.New("resilience: backend is cooling off")

// BreakerState is a breaker's operating mode.
type BreakerState int

const (
	// BreakerClosed forwards every call.
	BreakerClosed BreakerState = iota

	// BreakerOpen rejects calls with [ErrBackendCoolingOff] until the
	// cool-off elapses.
	BreakerOpen

	// BreakerHalfOpen lets a limited number of probe calls through to test
	// whether the backend recovered.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker]. The zero value gets defaults suited to
// per-transition narration calls.
type BreakerConfig struct {
	// TripAfter is how many consecutive failures open the breaker.
	// Default 5.
	TripAfter int

	// CoolOff is how long an open breaker rejects calls before probing the
	// backend again. Default 30s.
	CoolOff time.Duration

	// Probes is how many consecutive successful half-open calls close the
	// breaker. It also bounds how many half-open calls are admitted per
	// round. Default 3.
	Probes int
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.TripAfter <= 0 {
		c.TripAfter = 5
	}
	if c.CoolOff <= 0 {
		c.CoolOff = 30 * time.Second
	}
	if c.Probes <= 0 {
		c.Probes = 3
	}
	return c
}

// Breaker guards one model backend. Consecutive failures open it; after the
// cool-off a few probe calls decide whether it closes again. Every state
// change is logged and counted so a flapping backend shows up on the
// dashboard, not just in the clip gaps.
type Breaker struct {
	backend string
	cfg     BreakerConfig
	metrics *observe.Metrics
	log     *slog.Logger

	mu         sync.Mutex
	state      BreakerState
	failStreak int
	openedAt   time.Time
	probesOut  int // probe calls admitted this half-open round
	probesGood int // consecutive successful probes this round
}

// NewBreaker creates a closed breaker for the named backend. A nil metrics
// falls back to [observe.DefaultMetrics], resolved lazily on the first state
// change so breakers built before the meter provider is installed still
// record against the real one.
func NewBreaker(backend string, cfg BreakerConfig, metrics *observe.Metrics) *Breaker {
	return &Breaker{
		backend: backend,
		cfg:     cfg.withDefaults(),
		metrics: metrics,
		log:     slog.Default().With("backend", backend),
	}
}

// Execute runs fn unless the backend is cooling off, and books the outcome.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := b.admit(ctx); err != nil {
		return err
	}
	err := fn()
	b.settle(ctx, err)
	return err
}

// admit decides whether a call may proceed, performing the open → half-open
// transition once the cool-off has elapsed.
func (b *Breaker) admit(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if time.Since(b.openedAt) < b.cfg.CoolOff {
			return ErrBackendCoolingOff
		}
		b.transition(ctx, BreakerHalfOpen)
		b.probesOut = 0
		b.probesGood = 0
	case BreakerHalfOpen:
		if b.probesOut >= b.cfg.Probes {
			// This round's probe budget is spent; their verdicts decide.
			return ErrBackendCoolingOff
		}
	}
	if b.state == BreakerHalfOpen {
		b.probesOut++
	}
	return nil
}

// settle books the outcome of an admitted call.
func (b *Breaker) settle(ctx context.Context, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failStreak++
		b.openedAt = time.Now()
		// One failed probe re-opens; in closed state it takes a streak.
		if b.state == BreakerHalfOpen || b.failStreak >= b.cfg.TripAfter {
			b.transition(ctx, BreakerOpen)
		}
		return
	}

	if b.state == BreakerHalfOpen {
		b.probesGood++
		if b.probesGood >= b.cfg.Probes {
			b.failStreak = 0
			b.transition(ctx, BreakerClosed)
		}
		return
	}
	b.failStreak = 0
}

// transition switches state and records it. Must be called with b.mu held.
func (b *Breaker) transition(ctx context.Context, to BreakerState) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	if b.metrics == nil {
		b.metrics = observe.DefaultMetrics()
	}
	b.metrics.RecordBreakerTransition(ctx, b.backend, to.String())
	if to == BreakerOpen {
		b.log.Warn("backend breaker opened",
			"from", from.String(), "fail_streak", b.failStreak)
		return
	}
	b.log.Info("backend breaker state changed",
		"from", from.String(), "to", to.String())
}

// State reports the breaker's mode. An open breaker whose cool-off has
// elapsed reads as half-open; the actual transition happens on the next
// Execute.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && time.Since(b.openedAt) >= b.cfg.CoolOff {
		return BreakerHalfOpen
	}
	return b.state
}
