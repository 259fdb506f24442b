// Package observe provides application-wide observability primitives for
// Astra: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Astra metrics.
const meterName = "github.com/MrWong99/astra"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks speech recognition latency per utterance.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks LLM completion latency in the command fallback.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// DispatchDuration tracks how long the command dispatcher takes to
	// produce a reply.
	DispatchDuration metric.Float64Histogram

	// ResponseLatency tracks the time from the end of a command utterance to
	// the start of its spoken reply.
	ResponseLatency metric.Float64Histogram

	// UtteranceDuration tracks the audio duration of finalized utterances.
	UtteranceDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// Events counts operator lifecycle events. Use with attribute:
	//   attribute.String("kind", ...)
	Events metric.Int64Counter

	// Utterances counts finalized utterances. Use with attribute:
	//   attribute.Bool("forced", ...)
	Utterances metric.Int64Counter

	// FramesDropped counts capture frames dropped by buffer overruns.
	FramesDropped metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// CircuitTransitions counts provider circuit breaker state changes. Use
	// with attributes provider, kind and state (the state entered).
	CircuitTransitions metric.Int64Counter

	// --- Gauges ---

	// RecognitionsInFlight tracks recognitions currently running.
	RecognitionsInFlight metric.Int64UpDownCounter

	// PlaybackQueueDepth tracks pending playback requests, excluding the
	// one playing.
	PlaybackQueueDepth metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// utteranceBuckets covers spoken utterance lengths (in seconds).
var utteranceBuckets = []float64{
	0.25, 0.5, 1, 2, 3, 5, 8, 12, 20, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTDuration, err = m.Float64Histogram("astra.stt.duration",
		metric.WithDescription("Latency of speech recognition per utterance."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("astra.llm.duration",
		metric.WithDescription("Latency of LLM completions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("astra.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DispatchDuration, err = m.Float64Histogram("astra.dispatch.duration",
		metric.WithDescription("Latency of command dispatch."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ResponseLatency, err = m.Float64Histogram("astra.response.latency",
		metric.WithDescription("Time from end of command utterance to start of the spoken reply."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UtteranceDuration, err = m.Float64Histogram("astra.utterance.duration",
		metric.WithDescription("Audio duration of finalized utterances."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(utteranceBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("astra.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.Events, err = m.Int64Counter("astra.events",
		metric.WithDescription("Total operator lifecycle events by kind."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("astra.utterances",
		metric.WithDescription("Total finalized utterances."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("astra.audio.frames_dropped",
		metric.WithDescription("Capture frames dropped because the consumer fell behind."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("astra.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	if met.CircuitTransitions, err = m.Int64Counter("astra.provider.circuit_transitions",
		metric.WithDescription("Provider circuit breaker state changes by provider, kind, and entered state."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.RecognitionsInFlight, err = m.Int64UpDownCounter("astra.stt.in_flight",
		metric.WithDescription("Number of recognitions currently running."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackQueueDepth, err = m.Int64UpDownCounter("astra.playback.queue_depth",
		metric.WithDescription("Number of pending playback requests."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("astra.http.request.duration",
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

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordCircuitTransition counts a breaker of provider entering state.
func (m *Metrics) RecordCircuitTransition(ctx context.Context, provider, kind, state string) {
	m.CircuitTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("state", state),
		),
	)
}

// RecordEvent increments the event counter for kind.
func (m *Metrics) RecordEvent(ctx context.Context, kind string) {
	m.Events.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordUtterance records one finalized utterance and its duration in
// seconds.
func (m *Metrics) RecordUtterance(ctx context.Context, seconds float64, forced bool) {
	attrs := metric.WithAttributes(attribute.String("forced", strconv.FormatBool(forced)))
	m.Utterances.Add(ctx, 1, attrs)
	m.UtteranceDuration.Record(ctx, seconds, attrs)
}

// RecordFramesDropped adds n dropped capture frames.
func (m *Metrics) RecordFramesDropped(ctx context.Context, n uint64) {
	m.FramesDropped.Add(ctx, int64(n))
}
