package observe

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const defaultServiceName = "presencegate"

// ProviderConfig configures the process-wide telemetry providers.
type ProviderConfig struct {
	ServiceName    string // default "presencegate"
	ServiceVersion string

	// TraceExporter receives finished spans. Nil keeps spans in-process only,
	// which still gives log lines a trace_id.
	TraceExporter sdktrace.SpanExporter

	// TraceSampleRatio is the fraction of new root traces that are sampled.
	// Zero samples everything. Incoming sampled parents are always honoured.
	TraceSampleRatio float64

	// Registerer receives the Prometheus collector. Nil means the default
	// registry, which promhttp.Handler serves.
	Registerer prometheus.Registerer
}

// InitProvider installs global meter and tracer providers plus the W3C
// propagator. Metrics are exposed through a Prometheus collector; the
// returned function flushes and stops both providers and should run once
// during shutdown.
func InitProvider(ctx context.Context, cfg ProviderConfig) (func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaultServiceName
	}
	if cfg.TraceSampleRatio < 0 || cfg.TraceSampleRatio > 1 {
		return nil, fmt.Errorf("observe: trace sample ratio %v outside [0,1]", cfg.TraceSampleRatio)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	var exporterOpts []promexporter.Option
	if cfg.Registerer != nil {
		exporterOpts = append(exporterOpts, promexporter.WithRegisterer(cfg.Registerer))
	}
	collector, err := promexporter.New(exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	meters := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(collector))

	sampler := sdktrace.AlwaysSample()
	if cfg.TraceSampleRatio > 0 && cfg.TraceSampleRatio < 1 {
		sampler = sdktrace.TraceIDRatioBased(cfg.TraceSampleRatio)
	}
	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	}
	if cfg.TraceExporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tracers := sdktrace.NewTracerProvider(traceOpts...)

	otel.SetMeterProvider(meters)
	otel.SetTracerProvider(tracers)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		return errors.Join(tracers.Shutdown(ctx), meters.Shutdown(ctx))
	}, nil
}
