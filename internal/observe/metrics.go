// Package observe provides application-wide observability primitives for
// the voice bridge: OpenTelemetry metrics, request tracing, and the
// instrumentation wrapper for the operational HTTP surface.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [Init] wires a
// Prometheus exporter so they can be scraped from the /metrics endpoint. A
// package-level default [Metrics] instance ([DefaultMetrics]) is provided for
// convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voicebridge metrics.
const meterName = "github.com/outdial/voicebridge"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Histograms ---

	// SessionDuration tracks the wall-clock duration of finished call
	// sessions. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("state", ...)
	SessionDuration metric.Float64Histogram

	// AMDDecisionTime tracks how long answering machine detection took to
	// reach a verdict, measured from the first audio frame.
	AMDDecisionTime metric.Float64Histogram

	// SessionCost tracks the estimated USD cost per finished session. Use
	// with attribute: attribute.String("provider", ...).
	SessionCost metric.Float64Histogram

	// --- Counters ---

	// AMDDecisions counts answering machine verdicts. Use with attributes:
	//   attribute.String("verdict", ...), attribute.String("reason", ...)
	AMDDecisions metric.Int64Counter

	// FunctionCalls counts provider-initiated function call requests. Use
	// with attributes:
	//   attribute.String("provider", ...), attribute.String("function", ...)
	FunctionCalls metric.Int64Counter

	// DroppedFrames counts audio frames dropped under backpressure. Use with
	// attribute: attribute.String("direction", "in"|"out").
	DroppedFrames metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live call sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// amdBuckets defines histogram bucket boundaries (in seconds) spanning the
// configurable detection window of the answering machine classifier.
var amdBuckets = []float64{
	0.5, 1, 1.5, 2, 2.5, 3, 4, 5, 7.5, 10,
}

// sessionBuckets defines histogram bucket boundaries (in seconds) for call
// durations, from abandoned calls up to long conversations.
var sessionBuckets = []float64{
	1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SessionDuration, err = m.Float64Histogram("voicebridge.session.duration",
		metric.WithDescription("Wall-clock duration of finished call sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AMDDecisionTime, err = m.Float64Histogram("voicebridge.amd.decision_time",
		metric.WithDescription("Time from first audio frame to answering machine verdict."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(amdBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionCost, err = m.Float64Histogram("voicebridge.session.cost",
		metric.WithDescription("Estimated USD cost per finished session by provider."),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.AMDDecisions, err = m.Int64Counter("voicebridge.amd.decisions",
		metric.WithDescription("Total answering machine verdicts by verdict and reason."),
	); err != nil {
		return nil, err
	}
	if met.FunctionCalls, err = m.Int64Counter("voicebridge.function.calls",
		metric.WithDescription("Total function call requests by provider and function name."),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("voicebridge.audio.dropped_frames",
		metric.WithDescription("Total audio frames dropped under backpressure by direction."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("voicebridge.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voicebridge.active_sessions",
		metric.WithDescription("Number of live call sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicebridge.http.request.duration",
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

// RecordAMDDecision records an answering machine verdict together with the
// time it took to reach it.
func (m *Metrics) RecordAMDDecision(ctx context.Context, verdict, reason string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("verdict", verdict),
		attribute.String("reason", reason),
	)
	m.AMDDecisions.Add(ctx, 1, attrs)
	m.AMDDecisionTime.Record(ctx, seconds, attrs)
}

// RecordFunctionCall records a function call request counter increment with
// the standard attribute set.
func (m *Metrics) RecordFunctionCall(ctx context.Context, provider, function string) {
	m.FunctionCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("function", function),
		),
	)
}

// RecordDroppedFrames records frames dropped under backpressure in the given
// direction ("in" toward the provider, "out" toward the caller).
func (m *Metrics) RecordDroppedFrames(ctx context.Context, direction string, n int64) {
	if n <= 0 {
		return
	}
	m.DroppedFrames.Add(ctx, n,
		metric.WithAttributes(attribute.String("direction", direction)),
	)
}

// RecordProviderError records a provider error counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordSessionEnd records the duration and estimated cost of a finished
// session. The state attribute distinguishes clean closes from errored ones.
func (m *Metrics) RecordSessionEnd(ctx context.Context, provider, state string, seconds, costUSD float64) {
	m.SessionDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("state", state),
		),
	)
	m.SessionCost.Record(ctx, costUSD,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}
