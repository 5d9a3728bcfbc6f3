// Package observe provides application-wide observability primitives for
// Hearthside: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all Hearthside metrics.
const meterName = "github.com/hearthside-ai/hearthside"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Histograms ---

	// ConnectDuration tracks how long session establishment takes, from dial
	// to the provider's setup acknowledgement.
	ConnectDuration metric.Float64Histogram

	// SessionDuration tracks the lifetime of completed voice sessions.
	SessionDuration metric.Float64Histogram

	// ChunkSeconds tracks the audio duration of individual playback chunks.
	ChunkSeconds metric.Float64Histogram

	// --- Counters ---

	// FramesSent counts microphone frames delivered to the provider.
	FramesSent metric.Int64Counter

	// FramesDropped counts microphone frames discarded before delivery.
	// Use with attribute: attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// ChunksScheduled counts playback chunks handed to the scheduler.
	ChunksScheduled metric.Int64Counter

	// Interruptions counts barge-in events that cut off model speech.
	Interruptions metric.Int64Counter

	// Transcripts counts finalised transcript entries. Use with attribute:
	//   attribute.String("speaker", ...)
	Transcripts metric.Int64Counter

	// --- Error counters ---

	// SessionErrors counts session failures. Use with attribute:
	//   attribute.String("stage", ...)
	SessionErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for connection and chunk timings.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets defines bucket boundaries (in seconds) for whole-session
// lifetimes, which run from seconds to the provider's fifteen-minute cap.
var sessionBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 900,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("hearthside.session.connect.duration",
		metric.WithDescription("Latency of session establishment, dial to setup ack."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("hearthside.session.duration",
		metric.WithDescription("Lifetime of completed voice sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ChunkSeconds, err = m.Float64Histogram("hearthside.audio.chunk.seconds",
		metric.WithDescription("Audio duration of individual playback chunks."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesSent, err = m.Int64Counter("hearthside.audio.frames.sent",
		metric.WithDescription("Total microphone frames delivered to the provider."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("hearthside.audio.frames.dropped",
		metric.WithDescription("Total microphone frames discarded before delivery, by reason."),
	); err != nil {
		return nil, err
	}
	if met.ChunksScheduled, err = m.Int64Counter("hearthside.audio.chunks.scheduled",
		metric.WithDescription("Total playback chunks handed to the scheduler."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("hearthside.session.interruptions",
		metric.WithDescription("Total barge-in events that cut off model speech."),
	); err != nil {
		return nil, err
	}
	if met.Transcripts, err = m.Int64Counter("hearthside.transcripts.finalised",
		metric.WithDescription("Total finalised transcript entries by speaker."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.SessionErrors, err = m.Int64Counter("hearthside.session.errors",
		metric.WithDescription("Total session failures by stage."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("hearthside.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("hearthside.http.request.duration",
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

// RecordFrameDropped records one discarded microphone frame with the standard
// reason attribute.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordTranscript records one finalised transcript entry for a speaker.
func (m *Metrics) RecordTranscript(ctx context.Context, speaker string) {
	m.Transcripts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("speaker", speaker)),
	)
}

// RecordSessionError records one session failure at the given stage.
func (m *Metrics) RecordSessionError(ctx context.Context, stage string) {
	m.SessionErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}
