package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// TraceConfig configures OTLP tracing. An empty Endpoint disables export;
// spans still exist so instrumentation code needs no branches.
type TraceConfig struct {
	ServiceName    string
	ServiceVersion string

	// Endpoint is the OTLP/gRPC collector address, e.g. "localhost:4317".
	Endpoint string

	// SamplingRate in [0,1]; defaults to 1.
	SamplingRate float64

	// Insecure disables TLS on the collector connection.
	Insecure bool
}

// Tracer wraps an otel tracer scoped to the engine.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer builds a tracer and returns it with a shutdown function that
// flushes pending spans. Export failures degrade to a no-op tracer rather
// than failing startup.
func NewTracer(config TraceConfig) (*Tracer, func(context.Context) error) {
	if config.ServiceName == "" {
		config.ServiceName = "kuuzuki"
	}
	noop := func(context.Context) error { return nil }

	if config.Endpoint == "" {
		return &Tracer{tracer: otel.Tracer(config.ServiceName)}, noop
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.Endpoint)}
	if config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptrace.New(context.Background(), otlptracegrpc.NewClient(opts...))
	if err != nil {
		return &Tracer{tracer: otel.Tracer(config.ServiceName)}, noop
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
	))
	if err != nil {
		res = resource.Default()
	}

	var sampler sdktrace.Sampler
	switch {
	case config.SamplingRate <= 0 || config.SamplingRate >= 1:
		sampler = sdktrace.AlwaysSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(config.SamplingRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracer{
			provider: provider,
			tracer:   provider.Tracer(config.ServiceName),
		}, func(ctx context.Context) error {
			return provider.Shutdown(ctx)
		}
}

// Start opens a span. Callers must End it.
func (t *Tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if len(attrs) > 0 {
		return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	}
	return t.tracer.Start(ctx, name)
}

// RecordError marks the span failed with err.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
