// Package observe provides application-wide observability primitives for
// cliptile: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] and [MetricsHandler] serves
// it on the scrape path. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all cliptile metrics.
const meterName = "github.com/MrWong99/cliptile"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// EmbedDuration tracks the time to embed all sentences of one transcript.
	// Use with attribute.String("provider", ...).
	EmbedDuration metric.Float64Histogram

	// SegmentDuration tracks the time spent inside the segmentation engine.
	SegmentDuration metric.Float64Histogram

	// StoreDuration tracks clip store latency. Use with
	// attribute.String("op", ...).
	StoreDuration metric.Float64Histogram

	// --- Counters ---

	// SegmentRuns counts segmentation runs by status.
	SegmentRuns metric.Int64Counter

	// SegmentRounds counts agglomeration rounds by tier.
	SegmentRounds metric.Int64Counter

	// SegmentCandidates counts candidates by tier and outcome
	// ("accepted" or "rejected").
	SegmentCandidates metric.Int64Counter

	// SegmentsProduced counts clips returned to callers.
	SegmentsProduced metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// EmbedCacheLookups counts embedding cache lookups by result
	// ("hit" or "miss").
	EmbedCacheLookups metric.Int64Counter

	// --- Gauges ---

	// ActiveRuns tracks segmentation runs currently in progress.
	ActiveRuns metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries in seconds. Embedding a
// long transcript against a remote API can take minutes.
var latencyBuckets = []float64{
	0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.EmbedDuration, err = m.Float64Histogram("cliptile.embed.duration",
		metric.WithDescription("Latency of embedding all sentences of a transcript."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SegmentDuration, err = m.Float64Histogram("cliptile.segment.duration",
		metric.WithDescription("Latency of the segmentation engine."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StoreDuration, err = m.Float64Histogram("cliptile.store.duration",
		metric.WithDescription("Latency of clip store operations by op."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.SegmentRuns, err = m.Int64Counter("cliptile.segment.runs",
		metric.WithDescription("Total segmentation runs by status."),
	); err != nil {
		return nil, err
	}
	if met.SegmentRounds, err = m.Int64Counter("cliptile.segment.rounds",
		metric.WithDescription("Total agglomeration rounds by tier."),
	); err != nil {
		return nil, err
	}
	if met.SegmentCandidates, err = m.Int64Counter("cliptile.segment.candidates",
		metric.WithDescription("Total clip candidates by tier and outcome."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsProduced, err = m.Int64Counter("cliptile.segments.produced",
		metric.WithDescription("Total clips returned by segmentation runs."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("cliptile.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("cliptile.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.EmbedCacheLookups, err = m.Int64Counter("cliptile.embed_cache.lookups",
		metric.WithDescription("Total embedding cache lookups by result."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveRuns, err = m.Int64UpDownCounter("cliptile.active_runs",
		metric.WithDescription("Number of segmentation runs in progress."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("cliptile.http.request.duration",
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

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordRound records one agglomeration round and its accepted and rejected
// candidate counts.
func (m *Metrics) RecordRound(ctx context.Context, tier string, accepted, rejected int) {
	tierAttr := attribute.String("tier", tier)
	m.SegmentRounds.Add(ctx, 1, metric.WithAttributes(tierAttr))
	if accepted > 0 {
		m.SegmentCandidates.Add(ctx, int64(accepted),
			metric.WithAttributes(tierAttr, attribute.String("outcome", "accepted")))
	}
	if rejected > 0 {
		m.SegmentCandidates.Add(ctx, int64(rejected),
			metric.WithAttributes(tierAttr, attribute.String("outcome", "rejected")))
	}
}

// RecordRun records the outcome of one segmentation run. produced is the
// number of clips returned and is only counted for successful runs.
func (m *Metrics) RecordRun(ctx context.Context, status string, produced int) {
	m.SegmentRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	if status == "ok" && produced > 0 {
		m.SegmentsProduced.Add(ctx, int64(produced))
	}
}

// RecordCacheLookups records embedding cache hits and misses.
func (m *Metrics) RecordCacheLookups(ctx context.Context, hits, misses int) {
	if hits > 0 {
		m.EmbedCacheLookups.Add(ctx, int64(hits), metric.WithAttributes(attribute.String("result", "hit")))
	}
	if misses > 0 {
		m.EmbedCacheLookups.Add(ctx, int64(misses), metric.WithAttributes(attribute.String("result", "miss")))
	}
}
