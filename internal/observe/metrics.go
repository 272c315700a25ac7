// Package observe provides the observability primitives for WhisperFlow:
// OpenTelemetry metrics and traces, trace-aware logging, and HTTP middleware
// that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported to
// Prometheus by [InitProvider], so they can be scraped from /metrics. Tests
// should use [NewMetrics] with their own [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/MrWong99/whisperflow"

// Segment outcomes recorded by [Metrics.RecordSegment].
const (
	OutcomeFinalized = "finalized"
	OutcomeConfirmed = "confirmed"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

// Metrics holds all OpenTelemetry instruments of the application. The
// underlying OTel types handle their own synchronisation.
type Metrics struct {
	// FramesCaptured counts frames read from the audio source.
	FramesCaptured metric.Int64Counter

	// FramesDropped counts frames discarded because the frame queue was
	// full.
	FramesDropped metric.Int64Counter

	// FrameQueueDepth is the number of frames waiting for segmentation.
	FrameQueueDepth metric.Int64Gauge

	// Segments counts segments by attribute "outcome" (see the Outcome
	// constants) and, for finalized segments, "reason".
	Segments metric.Int64Counter

	// ConfirmDuration and TranscribeDuration are per-utterance latencies.
	ConfirmDuration    metric.Float64Histogram
	TranscribeDuration metric.Float64Histogram

	// UtteranceAudio is the playback length of finalized segments.
	UtteranceAudio metric.Float64Histogram

	// ProviderRequests counts provider calls. Attributes: provider, kind,
	// status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Attributes: provider, kind.
	ProviderErrors metric.Int64Counter

	// PersistenceErrors counts failed store writes. Attribute: op.
	PersistenceErrors metric.Int64Counter

	// AmbientThreshold is the calibrated silence threshold.
	AmbientThreshold metric.Float64Gauge

	// ActiveSessions is the number of running recording sessions.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	// route (mux pattern), status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds for provider calls.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// audioBuckets are histogram boundaries in seconds for utterance length.
var audioBuckets = []float64{
	0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120,
}

// NewMetrics creates all instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FramesCaptured, err = m.Int64Counter("whisperflow.frames.captured",
		metric.WithDescription("Audio frames read from the source."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("whisperflow.frames.dropped",
		metric.WithDescription("Audio frames dropped because the frame queue was full."),
	); err != nil {
		return nil, err
	}
	if met.FrameQueueDepth, err = m.Int64Gauge("whisperflow.frames.queue_depth",
		metric.WithDescription("Frames waiting for segmentation."),
	); err != nil {
		return nil, err
	}
	if met.Segments, err = m.Int64Counter("whisperflow.segments",
		metric.WithDescription("Segments by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ConfirmDuration, err = m.Float64Histogram("whisperflow.confirm.duration",
		metric.WithDescription("Latency of voice confirmation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranscribeDuration, err = m.Float64Histogram("whisperflow.transcribe.duration",
		metric.WithDescription("Latency of transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UtteranceAudio, err = m.Float64Histogram("whisperflow.utterance.audio",
		metric.WithDescription("Audio length of finalized segments."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(audioBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("whisperflow.provider.requests",
		metric.WithDescription("Provider requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("whisperflow.provider.errors",
		metric.WithDescription("Provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.PersistenceErrors, err = m.Int64Counter("whisperflow.persistence.errors",
		metric.WithDescription("Failed session store writes by operation."),
	); err != nil {
		return nil, err
	}
	if met.AmbientThreshold, err = m.Float64Gauge("whisperflow.ambient.threshold",
		metric.WithDescription("Calibrated silence threshold (peak amplitude)."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("whisperflow.active_sessions",
		metric.WithDescription("Number of running recording sessions."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("whisperflow.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a package-level [Metrics] created on first use from
// [otel.GetMeterProvider]. It panics if instrument creation fails.
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

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordSegment counts one segment outcome. Extra attributes, such as the
// finalisation reason, are appended.
func (m *Metrics) RecordSegment(ctx context.Context, outcome string, attrs ...attribute.KeyValue) {
	m.Segments.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String("outcome", outcome))...))
}

// RecordProviderRequest counts one provider call.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError counts one provider error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordPersistenceError counts one failed store operation.
func (m *Metrics) RecordPersistenceError(ctx context.Context, op string) {
	m.PersistenceErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}
