// Package observability sets up OpenTelemetry tracing for the ingestion and
// search paths.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const TracerName = "newslens"

type TracingConfig struct {
	ServiceName string
	// OTLPEndpoint is the OTLP gRPC endpoint (e.g. "localhost:4317").
	// Tracing is a no-op when empty.
	OTLPEndpoint string
}

type TracerProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// InitTracing installs the global tracer provider. It returns a no-op provider
// when no endpoint is configured.
func InitTracing(ctx context.Context, cfg TracingConfig) (*TracerProvider, error) {
	if cfg.OTLPEndpoint == "" {
		return &TracerProvider{tracer: otel.Tracer(TracerName)}, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	name := cfg.ServiceName
	if name == "" {
		name = TracerName
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", name)),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{provider: provider, tracer: provider.Tracer(TracerName)}, nil
}

func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.provider != nil {
		return tp.provider.Shutdown(ctx)
	}
	return nil
}

func (tp *TracerProvider) Tracer() trace.Tracer {
	return tp.tracer
}

// StartIngestSpan starts the span covering one URL through the pipeline.
func StartIngestSpan(ctx context.Context, url, mode string) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, "ingest.article",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("ingest.url", url),
			attribute.String("ingest.mode", mode),
		),
	)
}

// StartSearchSpan starts a span for a search orchestrator operation.
func StartSearchSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, "search."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// RecordState adds a state transition event to span.
func RecordState(span trace.Span, state string) {
	span.AddEvent("state", trace.WithAttributes(attribute.String("ingest.state", state)))
}

func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
