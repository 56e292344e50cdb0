// Package observe provides application-wide observability primitives for
// presencegate: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all presencegate metrics.
const meterName = "github.com/MrWong99/presencegate"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// ClassificationDuration tracks classifier latency. Attributes: kind, mode.
	ClassificationDuration metric.Float64Histogram

	// Classifications counts verdicts. Attributes: kind, result
	// ("active", "inactive", "fallback").
	Classifications metric.Int64Counter

	// DroppedSamples counts samples discarded because a classification was
	// already in flight. Attribute: kind.
	DroppedSamples metric.Int64Counter

	// Transitions counts state machine transitions. Attributes: kind, from, to.
	Transitions metric.Int64Counter

	// AcquisitionErrors counts failed media acquisitions. Attributes: kind, reason.
	AcquisitionErrors metric.Int64Counter

	// Commands counts coordinator commands. Attributes: action, code.
	Commands metric.Int64Counter

	// ActiveSessions tracks live monitor sessions. Attribute: kind.
	ActiveSessions metric.Int64UpDownCounter

	// ConnectedObservers tracks attached control surfaces.
	ConnectedObservers metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	// method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Local
// heuristics land in the first buckets, remote models in the last.
var latencyBuckets = []float64{
	0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ClassificationDuration, err = m.Float64Histogram("presencegate.classification.duration",
		metric.WithDescription("Latency of sample classification."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Classifications, err = m.Int64Counter("presencegate.classifications",
		metric.WithDescription("Classification verdicts by kind and result."),
	); err != nil {
		return nil, err
	}
	if met.DroppedSamples, err = m.Int64Counter("presencegate.samples.dropped",
		metric.WithDescription("Samples discarded while a classification was in flight."),
	); err != nil {
		return nil, err
	}
	if met.Transitions, err = m.Int64Counter("presencegate.transitions",
		metric.WithDescription("Monitor state transitions by kind, from and to."),
	); err != nil {
		return nil, err
	}
	if met.AcquisitionErrors, err = m.Int64Counter("presencegate.acquisition.errors",
		metric.WithDescription("Failed media acquisitions by kind and reason."),
	); err != nil {
		return nil, err
	}
	if met.Commands, err = m.Int64Counter("presencegate.commands",
		metric.WithDescription("Coordinator commands by action and acknowledgement code."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("presencegate.active_sessions",
		metric.WithDescription("Number of live monitor sessions."),
	); err != nil {
		return nil, err
	}
	if met.ConnectedObservers, err = m.Int64UpDownCounter("presencegate.connected_observers",
		metric.WithDescription("Number of attached control surfaces."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("presencegate.http.request.duration",
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
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// RecordClassification records one verdict and its latency in seconds.
func (m *Metrics) RecordClassification(ctx context.Context, kind, mode, result string, seconds float64) {
	m.ClassificationDuration.Record(ctx, seconds,
		metric.WithAttributes(Attr("kind", kind), Attr("mode", mode)))
	m.Classifications.Add(ctx, 1,
		metric.WithAttributes(Attr("kind", kind), Attr("result", result)))
}

// RecordDroppedSample records one discarded sample.
func (m *Metrics) RecordDroppedSample(ctx context.Context, kind string) {
	m.DroppedSamples.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind)))
}

// RecordTransition records one state machine transition.
func (m *Metrics) RecordTransition(ctx context.Context, kind, from, to string) {
	m.Transitions.Add(ctx, 1,
		metric.WithAttributes(Attr("kind", kind), Attr("from", from), Attr("to", to)))
}

// RecordAcquisitionError records one failed acquisition.
func (m *Metrics) RecordAcquisitionError(ctx context.Context, kind, reason string) {
	m.AcquisitionErrors.Add(ctx, 1,
		metric.WithAttributes(Attr("kind", kind), Attr("reason", reason)))
}

// RecordCommand records one coordinator command outcome.
func (m *Metrics) RecordCommand(ctx context.Context, action, code string) {
	m.Commands.Add(ctx, 1,
		metric.WithAttributes(Attr("action", action), Attr("code", code)))
}
