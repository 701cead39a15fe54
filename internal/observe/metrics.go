// Package observe provides application-wide observability primitives for
// Segue: OpenTelemetry metrics and the Prometheus exporter bridge.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Segue metrics.
const meterName = "github.com/MrWong99/segue"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// GenerationDuration tracks LLM announcement generation latency,
	// including tool rounds.
	GenerationDuration metric.Float64Histogram

	// SynthesisDuration tracks TTS synthesis plus transcode latency.
	SynthesisDuration metric.Float64Histogram

	// InsertionDuration tracks queue insertion latency, including the
	// library update wait.
	InsertionDuration metric.Float64Histogram

	// --- Counters ---

	// Transitions counts detected transitions by gate outcome. Use with
	// attribute: attribute.String("gate", ...) — "armed", "no_art",
	// "too_late", "own_clip", "updating_db", "not_playing".
	Transitions metric.Int64Counter

	// Narrations counts finished narration attempts by outcome. Use with
	// attribute: attribute.String("outcome", ...) — "succeeded", "missed",
	// "aborted", "failed", "stale".
	Narrations metric.Int64Counter

	// ClipsCleaned counts released clip files.
	ClipsCleaned metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes per model
	// backend. Use with attributes: attribute.String("backend", ...) — e.g.
	// "llm/openai" — and attribute.String("state", ...) — "open",
	// "half-open", "closed".
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// ArmedJobs tracks the number of in-flight narration jobs (0 or 1).
	ArmedJobs metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries in seconds. Generation
// runs for tens of seconds on reasoning models, so the tail is long.
var latencyBuckets = []float64{
	0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.GenerationDuration, err = m.Float64Histogram("segue.generation.duration",
		metric.WithDescription("Latency of announcement text generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SynthesisDuration, err = m.Float64Histogram("segue.synthesis.duration",
		metric.WithDescription("Latency of speech synthesis and transcoding."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.InsertionDuration, err = m.Float64Histogram("segue.insertion.duration",
		metric.WithDescription("Latency of queue insertion including the library update wait."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Transitions, err = m.Int64Counter("segue.transitions",
		metric.WithDescription("Detected transitions by gate outcome."),
	); err != nil {
		return nil, err
	}
	if met.Narrations, err = m.Int64Counter("segue.narrations",
		metric.WithDescription("Finished narration attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ClipsCleaned, err = m.Int64Counter("segue.clips.cleaned",
		metric.WithDescription("Released clip files."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("segue.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes per model backend."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ArmedJobs, err = m.Int64UpDownCounter("segue.armed_jobs",
		metric.WithDescription("Number of in-flight narration jobs."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordTransition records a detected transition with its gate outcome.
func (m *Metrics) RecordTransition(ctx context.Context, gate string) {
	m.Transitions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("gate", gate)),
	)
}

// RecordBreakerTransition records a circuit breaker state change for the
// given model backend.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, backend, state string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("state", state),
		),
	)
}

// RecordNarration records a finished narration attempt with its outcome.
func (m *Metrics) RecordNarration(ctx context.Context, outcome string) {
	m.Narrations.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}
