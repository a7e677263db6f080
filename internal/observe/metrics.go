// Package observe provides application-wide observability primitives for
// Cadenza: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Cadenza metrics.
const meterName = "github.com/evrhire/cadenza"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks speech recognition latency (audio end to final).
	STTDuration metric.Float64Histogram

	// TurnDuration tracks interviewer turn generation round-trip latency.
	TurnDuration metric.Float64Histogram

	// TTSDuration tracks speech synthesis latency per utterance.
	TTSDuration metric.Float64Histogram

	// GatewayWriteDuration tracks persistence write latency at the gateway.
	GatewayWriteDuration metric.Float64Histogram

	// InterviewDuration tracks completed interview length in seconds.
	InterviewDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// Questions counts interviewer questions asked across all interviews.
	Questions metric.Int64Counter

	// InterviewsEnded counts finished interviews. Use with attribute:
	//   attribute.String("status", ...) — "completed" or "error"
	InterviewsEnded metric.Int64Counter

	// ProctorSignals counts recorded anti-cheat signals. Use with attribute:
	//   attribute.String("type", ...)
	ProctorSignals metric.Int64Counter

	// TierDowngrades counts mid-session provider tier downgrades. Use with
	// attributes:
	//   attribute.String("channel", ...), attribute.String("tier", ...)
	TierDowngrades metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveInterviews tracks the number of live interview sessions.
	ActiveInterviews metric.Int64UpDownCounter

	// ActiveCalls tracks the number of joined call-fabric connections.
	ActiveCalls metric.Int64UpDownCounter

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

// interviewBuckets defines histogram bucket boundaries (in seconds) for
// whole-interview durations, up to the hour mark.
var interviewBuckets = []float64{
	60, 180, 300, 600, 900, 1200, 1800, 2700, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTDuration, err = m.Float64Histogram("cadenza.stt.duration",
		metric.WithDescription("Latency of speech recognition."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("cadenza.turn.duration",
		metric.WithDescription("Round-trip latency of interviewer turn generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("cadenza.tts.duration",
		metric.WithDescription("Latency of speech synthesis per utterance."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.GatewayWriteDuration, err = m.Float64Histogram("cadenza.gateway.write.duration",
		metric.WithDescription("Latency of persistence gateway writes."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.InterviewDuration, err = m.Float64Histogram("cadenza.interview.duration",
		metric.WithDescription("Wall-clock length of finished interviews."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(interviewBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("cadenza.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.Questions, err = m.Int64Counter("cadenza.interview.questions",
		metric.WithDescription("Total interviewer questions asked."),
	); err != nil {
		return nil, err
	}
	if met.InterviewsEnded, err = m.Int64Counter("cadenza.interview.ended",
		metric.WithDescription("Total finished interviews by terminal status."),
	); err != nil {
		return nil, err
	}
	if met.ProctorSignals, err = m.Int64Counter("cadenza.proctor.signals",
		metric.WithDescription("Total anti-cheat signals recorded by type."),
	); err != nil {
		return nil, err
	}
	if met.TierDowngrades, err = m.Int64Counter("cadenza.tier.downgrades",
		metric.WithDescription("Total mid-session tier downgrades by channel and tier."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("cadenza.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveInterviews, err = m.Int64UpDownCounter("cadenza.active_interviews",
		metric.WithDescription("Number of live interview sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveCalls, err = m.Int64UpDownCounter("cadenza.active_calls",
		metric.WithDescription("Number of joined call-fabric connections."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("cadenza.http.request.duration",
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

// RecordSignal is a convenience method that records an anti-cheat signal
// counter increment.
func (m *Metrics) RecordSignal(ctx context.Context, signalType string) {
	m.ProctorSignals.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", signalType)),
	)
}

// RecordTierDowngrade is a convenience method that records a tier downgrade
// counter increment. channel is "input", "output" or "video"; tier names the
// tier that took over.
func (m *Metrics) RecordTierDowngrade(ctx context.Context, channel, tier string) {
	m.TierDowngrades.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("channel", channel),
			attribute.String("tier", tier),
		),
	)
}

// RecordInterviewEnded records one finished interview: the terminal status,
// the question total, and the wall-clock duration in seconds.
func (m *Metrics) RecordInterviewEnded(ctx context.Context, status string, questions int64, durationSeconds float64) {
	m.InterviewsEnded.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
	m.Questions.Add(ctx, questions)
	m.InterviewDuration.Record(ctx, durationSeconds)
}
