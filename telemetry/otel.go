package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// Provider bundles the OpenTelemetry tracer and meter the module exports
// its spans and counters through.
type Provider struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	traceProvider *sdktrace.TracerProvider
	meterProvider *sdkmetric.MeterProvider
}

// ProviderConfig configures telemetry export.
type ProviderConfig struct {
	ServiceName string

	// Endpoint is the OTLP gRPC collector address. Empty selects the
	// stdout trace exporter, which is useful for local development.
	Endpoint string
}

// NewProvider wires trace and metric export and installs the global
// propagator. Call Shutdown to flush on exit.
func NewProvider(ctx context.Context, cfg ProviderConfig) (*Provider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "animatize"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	if cfg.Endpoint != "" {
		exporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithInsecure(),
		)
	} else {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)

	return &Provider{
		Tracer:        tp.Tracer(cfg.ServiceName),
		Meter:         mp.Meter(cfg.ServiceName),
		traceProvider: tp,
		meterProvider: mp,
	}, nil
}

// MetricsSink builds the event-to-instrument bridge on this provider's
// meter.
func (p *Provider) MetricsSink() (*MetricsSink, error) {
	return NewMetricsSink(p.Meter)
}

// Shutdown flushes and stops the exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	var firstErr error
	if err := p.traceProvider.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
