// Package observe provides application-wide observability primitives:
// OpenTelemetry metrics, distributed tracing, structured logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
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

// meterName is the instrumentation scope name used for all application metrics.
const meterName = "github.com/kiaraoke/verdict"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// SeparationDuration tracks C4 source-separation call latency.
	SeparationDuration metric.Float64Histogram

	// PitchDuration tracks C4 pitch-extraction call latency.
	PitchDuration metric.Float64Histogram

	// TranscribeDuration tracks C4 speech-to-text call latency.
	TranscribeDuration metric.Float64Histogram

	// LyricsLookupDuration tracks C4 lyrics lookup latency.
	LyricsLookupDuration metric.Float64Histogram

	// JudgeDuration tracks a single C4 judge-tier completion call's latency.
	JudgeDuration metric.Float64Histogram

	// ReferencePrepDuration tracks a whole C6 reference-preparation run.
	ReferencePrepDuration metric.Float64Histogram

	// AnalysisDuration tracks a whole C7 performance-analysis run.
	AnalysisDuration metric.Float64Histogram

	// --- Counters ---

	// InferenceRequests counts calls into any C4 inference client. Use with
	// attributes: attribute.String("client", ...), attribute.String("status", ...)
	InferenceRequests metric.Int64Counter

	// CacheLookups counts C3 artifact-cache lookups. Use with attributes:
	//   attribute.String("class", ...), attribute.String("result", ...) (hit|miss)
	CacheLookups metric.Int64Counter

	// SessionsCreated counts C2 session creations.
	SessionsCreated metric.Int64Counter

	// AnalysisOutcomes counts C7 pipeline completions. Use with attribute:
	//   attribute.String("outcome", ...) (completed|error)
	AnalysisOutcomes metric.Int64Counter

	// ReaperEvictions counts C9 reaper session evictions per sweep.
	ReaperEvictions metric.Int64Counter

	// --- Error counters ---

	// InferenceErrors counts C4 inference client errors. Use with
	// attributes: attribute.String("client", ...), attribute.String("kind", ...)
	InferenceErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live performance sessions.
	ActiveSessions metric.Int64UpDownCounter

	// QueueDepth tracks the in-flight task count per named taskqueue queue.
	// Use with attribute: attribute.String("queue", ...)
	QueueDepth metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) covering
// everything from a cache-hit lookup to a multi-minute GPU separation call.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SeparationDuration, err = m.Float64Histogram("verdict.separation.duration",
		metric.WithDescription("Latency of source-separation calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PitchDuration, err = m.Float64Histogram("verdict.pitch.duration",
		metric.WithDescription("Latency of pitch-extraction calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranscribeDuration, err = m.Float64Histogram("verdict.transcribe.duration",
		metric.WithDescription("Latency of speech-to-text calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LyricsLookupDuration, err = m.Float64Histogram("verdict.lyrics_lookup.duration",
		metric.WithDescription("Latency of lyrics lookup calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.JudgeDuration, err = m.Float64Histogram("verdict.judge.duration",
		metric.WithDescription("Latency of a single judge-tier completion call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ReferencePrepDuration, err = m.Float64Histogram("verdict.reference_prep.duration",
		metric.WithDescription("Latency of a whole reference-preparation run."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AnalysisDuration, err = m.Float64Histogram("verdict.analysis.duration",
		metric.WithDescription("Latency of a whole performance-analysis run."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.InferenceRequests, err = m.Int64Counter("verdict.inference.requests",
		metric.WithDescription("Total inference client calls by client and status."),
	); err != nil {
		return nil, err
	}
	if met.CacheLookups, err = m.Int64Counter("verdict.cache.lookups",
		metric.WithDescription("Total artifact cache lookups by class and hit/miss result."),
	); err != nil {
		return nil, err
	}
	if met.SessionsCreated, err = m.Int64Counter("verdict.sessions.created",
		metric.WithDescription("Total sessions created."),
	); err != nil {
		return nil, err
	}
	if met.AnalysisOutcomes, err = m.Int64Counter("verdict.analysis.outcomes",
		metric.WithDescription("Total performance-analysis runs by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ReaperEvictions, err = m.Int64Counter("verdict.reaper.evictions",
		metric.WithDescription("Total sessions evicted by the cleanup reaper."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.InferenceErrors, err = m.Int64Counter("verdict.inference.errors",
		metric.WithDescription("Total inference client errors by client and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("verdict.active_sessions",
		metric.WithDescription("Number of live performance sessions."),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64UpDownCounter("verdict.queue.depth",
		metric.WithDescription("In-flight task count per named taskqueue queue."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("verdict.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordInferenceRequest is a convenience method that records an inference
// client call counter increment with the standard attribute set.
func (m *Metrics) RecordInferenceRequest(ctx context.Context, client, status string) {
	m.InferenceRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("client", client),
			attribute.String("status", status),
		),
	)
}

// RecordInferenceError is a convenience method that records an inference
// client error counter increment.
func (m *Metrics) RecordInferenceError(ctx context.Context, client, kind string) {
	m.InferenceErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("client", client),
			attribute.String("kind", kind),
		),
	)
}

// RecordCacheLookup is a convenience method that records an artifact-cache
// lookup counter increment with its hit/miss outcome.
func (m *Metrics) RecordCacheLookup(ctx context.Context, class, result string) {
	m.CacheLookups.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("class", class),
			attribute.String("result", result),
		),
	)
}

// RecordAnalysisOutcome is a convenience method that records a
// performance-analysis run's terminal outcome.
func (m *Metrics) RecordAnalysisOutcome(ctx context.Context, outcome string) {
	m.AnalysisOutcomes.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}
