// Package observe provides application-wide observability primitives for the
// translation relay: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all relay metrics.
const meterName = "github.com/Jonathyan/gcp-speech-to-speech-translation"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks speech recognition latency, streaming and batch.
	STTDuration metric.Float64Histogram

	// TranslateDuration tracks translation latency.
	TranslateDuration metric.Float64Histogram

	// TTSDuration tracks speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// PipelineDuration tracks end-to-end chunk latency: speaker audio in to
	// translated audio broadcast.
	PipelineDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// ChunksIngested counts inbound audio chunks by processing mode.
	ChunksIngested metric.Int64Counter

	// ModeSwitches counts orchestrator mode transitions. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	ModeSwitches metric.Int64Counter

	// ChannelRestarts counts proactive streaming channel rotations by status.
	ChannelRestarts metric.Int64Counter

	// CircuitTransitions counts circuit breaker state changes. Use with
	// attributes:
	//   attribute.String("breaker", ...), attribute.String("from", ...), attribute.String("to", ...)
	CircuitTransitions metric.Int64Counter

	// BroadcastDelivered and BroadcastRemoved count listener fan-out
	// outcomes per broadcast.
	BroadcastDelivered metric.Int64Counter
	BroadcastRemoved   metric.Int64Counter

	// MarkerTones counts fallback tones broadcast for failed chunks.
	MarkerTones metric.Int64Counter

	// --- Gauges ---

	// ActiveStreams tracks the number of live stream sessions.
	ActiveStreams metric.Int64UpDownCounter

	// ActiveListeners tracks connected listeners across all streams.
	ActiveListeners metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for speech-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTDuration, err = m.Float64Histogram("relay.stt.duration",
		metric.WithDescription("Latency of speech recognition."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranslateDuration, err = m.Float64Histogram("relay.translate.duration",
		metric.WithDescription("Latency of text translation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("relay.tts.duration",
		metric.WithDescription("Latency of speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PipelineDuration, err = m.Float64Histogram("relay.pipeline.duration",
		metric.WithDescription("End-to-end latency from speaker chunk to listener broadcast."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("relay.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("relay.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.ChunksIngested, err = m.Int64Counter("relay.chunks.ingested",
		metric.WithDescription("Total inbound audio chunks by processing mode."),
	); err != nil {
		return nil, err
	}
	if met.ModeSwitches, err = m.Int64Counter("relay.mode.switches",
		metric.WithDescription("Total orchestrator mode transitions by from and to mode."),
	); err != nil {
		return nil, err
	}
	if met.ChannelRestarts, err = m.Int64Counter("relay.channel.restarts",
		metric.WithDescription("Total proactive streaming channel rotations by status."),
	); err != nil {
		return nil, err
	}
	if met.CircuitTransitions, err = m.Int64Counter("relay.circuit.transitions",
		metric.WithDescription("Total circuit breaker state changes by breaker, from, and to state."),
	); err != nil {
		return nil, err
	}
	if met.BroadcastDelivered, err = m.Int64Counter("relay.broadcast.delivered",
		metric.WithDescription("Total successful listener deliveries."),
	); err != nil {
		return nil, err
	}
	if met.BroadcastRemoved, err = m.Int64Counter("relay.broadcast.removed",
		metric.WithDescription("Total listeners evicted after failed sends."),
	); err != nil {
		return nil, err
	}
	if met.MarkerTones, err = m.Int64Counter("relay.marker_tones",
		metric.WithDescription("Total fallback tones broadcast for failed chunks."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveStreams, err = m.Int64UpDownCounter("relay.active_streams",
		metric.WithDescription("Number of live stream sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveListeners, err = m.Int64UpDownCounter("relay.active_listeners",
		metric.WithDescription("Number of connected listeners across all streams."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("relay.http.request.duration",
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

// RecordModeSwitch records an orchestrator mode transition.
func (m *Metrics) RecordModeSwitch(ctx context.Context, from, to string) {
	m.ModeSwitches.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordCircuitTransition records a circuit breaker state change.
func (m *Metrics) RecordCircuitTransition(ctx context.Context, breaker, from, to string) {
	m.CircuitTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("breaker", breaker),
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordBroadcast records the fan-out outcome of one broadcast.
func (m *Metrics) RecordBroadcast(ctx context.Context, delivered, removed int) {
	if delivered > 0 {
		m.BroadcastDelivered.Add(ctx, int64(delivered))
	}
	if removed > 0 {
		m.BroadcastRemoved.Add(ctx, int64(removed))
	}
}
