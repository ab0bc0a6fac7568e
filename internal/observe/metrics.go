// Package observe provides the observability primitives of voxloop:
// OpenTelemetry metrics, tracing helpers, trace-aware logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and bridged to
// Prometheus by [InitProvider]; [Handler] serves them on /metrics. Tests
// should use [NewMetrics] with their own [metric.MeterProvider] instead of
// [DefaultMetrics] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxloop metrics.
const meterName = "github.com/MrWong99/voxloop"

// Provider kinds used as the "kind" attribute.
const (
	KindS2S = "s2s"
	KindSTT = "stt"
	KindLLM = "llm"
	KindTTS = "tts"
)

// Metrics holds all OpenTelemetry instruments of the application. The
// underlying OTel types are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// S2SDuration tracks audio-native reply latency.
	S2SDuration metric.Float64Histogram

	// STTDuration tracks transcription latency.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks reply text generation latency.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks synthesis latency.
	TTSDuration metric.Float64Histogram

	// OrchestratorDuration tracks the time from a finalized utterance to a
	// response. Attribute: "path" (primary, fallback, failed).
	OrchestratorDuration metric.Float64Histogram

	// PlaybackDuration tracks how long replies were played.
	PlaybackDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider calls. Attributes: provider, kind,
	// status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts classified provider failures. Attributes:
	// provider, kind, class.
	ProviderErrors metric.Int64Counter

	// Utterances counts finalized utterances. Attribute: outcome (answered,
	// failed, discarded, forced).
	Utterances metric.Int64Counter

	// DroppedFrames counts inbound frames that never reached a buffer.
	// Attribute: reason.
	DroppedFrames metric.Int64Counter

	// StateTransitions counts session state changes. Attributes: from, to.
	StateTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks connected voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveParticipants tracks human members across all sessions.
	ActiveParticipants metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	// method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// remote voice calls, which range from tens of milliseconds to the overall
// reply budget.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30,
}

// NewMetrics creates a fully initialised [Metrics] using mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&met.S2SDuration, "voxloop.s2s.duration", "Latency of audio-native replies."},
		{&met.STTDuration, "voxloop.stt.duration", "Latency of speech-to-text transcription."},
		{&met.LLMDuration, "voxloop.llm.duration", "Latency of reply text generation."},
		{&met.TTSDuration, "voxloop.tts.duration", "Latency of text-to-speech synthesis."},
		{&met.OrchestratorDuration, "voxloop.orchestrator.duration", "Time from finalized utterance to response."},
		{&met.PlaybackDuration, "voxloop.playback.duration", "Duration of reply playback."},
	}
	for _, h := range histograms {
		if *h.dst, err = m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		); err != nil {
			return nil, err
		}
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("voxloop.provider.requests",
		metric.WithDescription("Total provider calls by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("voxloop.provider.errors",
		metric.WithDescription("Total provider failures by provider, kind, and error class."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("voxloop.utterances",
		metric.WithDescription("Total utterances by outcome."),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("voxloop.frames.dropped",
		metric.WithDescription("Total inbound frames dropped by reason."),
	); err != nil {
		return nil, err
	}
	if met.StateTransitions, err = m.Int64Counter("voxloop.session.transitions",
		metric.WithDescription("Total session state transitions."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxloop.active_sessions",
		metric.WithDescription("Number of connected voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveParticipants, err = m.Int64UpDownCounter("voxloop.active_participants",
		metric.WithDescription("Number of human participants across all sessions."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("voxloop.http.request.duration",
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call from [otel.GetMeterProvider]. Call it after [InitProvider] so
// the instruments bind to the Prometheus bridge.
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderCall records one provider call of the given kind: its
// latency on the matching histogram, a request count, and when class is
// non-empty an error count.
func (m *Metrics) RecordProviderCall(ctx context.Context, provider, kind string, d time.Duration, class string) {
	status := "ok"
	if class != "" {
		status = "error"
		m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("class", class),
		))
	}
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
	if h := m.durationFor(kind); h != nil {
		h.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("provider", provider)))
	}
}

func (m *Metrics) durationFor(kind string) metric.Float64Histogram {
	switch kind {
	case KindS2S:
		return m.S2SDuration
	case KindSTT:
		return m.STTDuration
	case KindLLM:
		return m.LLMDuration
	case KindTTS:
		return m.TTSDuration
	}
	return nil
}

// RecordUtterance counts one utterance outcome.
func (m *Metrics) RecordUtterance(ctx context.Context, outcome string) {
	m.Utterances.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordDroppedFrame counts one dropped inbound frame.
func (m *Metrics) RecordDroppedFrame(ctx context.Context, reason string) {
	m.DroppedFrames.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordTransition counts one session state change.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}
