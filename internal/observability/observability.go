// Package observability wires OpenTelemetry tracing and RED (rate, error,
// duration) metrics for the gateway, exporting over OTLP/gRPC when
// OTEL_EXPORTER_OTLP_ENDPOINT is configured and degrading to no-op
// providers otherwise so the gateway runs unchanged with no collector
// present.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the gateway's OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string // empty disables export entirely
}

// Provider holds the tracer, meter, and the RED instruments the gateway's
// middleware records into.
type Provider struct {
	enabled        bool
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter

	requestCounter metric.Int64Counter
	errorCounter   metric.Int64Counter
	durationHist   metric.Float64Histogram
}

// New builds a Provider. With an empty OTLPEndpoint it returns a disabled
// Provider whose Record* methods are safe no-ops.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.OTLPEndpoint == "" {
		return &Provider{enabled: false, tracer: otel.Tracer("gavel"), meter: otel.Meter("gavel")}, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("observability: create trace exporter: %w", err)
	}
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter, sdktrace.WithBatchTimeout(5*time.Second)),
	)
	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	metricExporter, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint), otlpmetricgrpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("observability: create metric exporter: %w", err)
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(meterProvider)

	p := &Provider{
		enabled:        true,
		tracerProvider: tracerProvider,
		meterProvider:  meterProvider,
		tracer:         otel.Tracer("gavel", trace.WithInstrumentationVersion(cfg.ServiceVersion)),
		meter:          otel.Meter("gavel", metric.WithInstrumentationVersion(cfg.ServiceVersion)),
	}
	if err := p.initREDMetrics(); err != nil {
		return nil, fmt.Errorf("observability: init RED metrics: %w", err)
	}
	return p, nil
}

func (p *Provider) initREDMetrics() error {
	var err error
	p.requestCounter, err = p.meter.Int64Counter("gavel.requests.total",
		metric.WithDescription("Total gateway requests"), metric.WithUnit("{request}"))
	if err != nil {
		return err
	}
	p.errorCounter, err = p.meter.Int64Counter("gavel.errors.total",
		metric.WithDescription("Total gateway errors"), metric.WithUnit("{error}"))
	if err != nil {
		return err
	}
	p.durationHist, err = p.meter.Float64Histogram("gavel.request.duration",
		metric.WithDescription("Gateway request duration"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10))
	return err
}

// Tracer returns the provider's tracer, usable even when disabled (a
// no-op tracer in that case).
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// TrackRequest wraps one gateway request: starts a span named route, and
// returns a function to call with the handler's resulting error (nil for
// success) once it completes.
func (p *Provider) TrackRequest(ctx context.Context, route string) (context.Context, func(err error)) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, route, trace.WithSpanKind(trace.SpanKindServer))
	attrs := metric.WithAttributes(attribute.String("route", route))

	return ctx, func(err error) {
		if p.requestCounter != nil {
			p.requestCounter.Add(ctx, 1, attrs)
		}
		if err != nil {
			span.RecordError(err)
			if p.errorCounter != nil {
				p.errorCounter.Add(ctx, 1, attrs)
			}
		}
		if p.durationHist != nil {
			p.durationHist.Record(ctx, time.Since(start).Seconds(), attrs)
		}
		span.End()
	}
}

// Shutdown drains and closes the exporters. Safe to call on a disabled
// Provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			return err
		}
	}
	if p.meterProvider != nil {
		return p.meterProvider.Shutdown(ctx)
	}
	return nil
}
