package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps an OTel tracer for the engine's internal spans. Sessions and
// storage routes open spans; log correlation reads the IDs back out.
type Tracer struct {
	tracer   oteltrace.Tracer
	provider *sdktrace.TracerProvider
}

// Options configures tracer construction.
type Options struct {
	Enabled         bool
	ServiceName     string
	SamplingPercent float64 // 0..100; <=0 never samples, >=100 always
}

// NewTracer builds a Tracer. Disabled tracing yields a no-op tracer with
// zero overhead on the span path.
func NewTracer(opts Options) *Tracer {
	if !opts.Enabled {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer("weighbridge")}
	}
	name := opts.ServiceName
	if name == "" {
		name = "weighbridge"
	}
	ratio := opts.SamplingPercent / 100
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	res, _ := resource.New(context.Background(), resource.WithAttributes(semconv.ServiceNameKey.String(name)))
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithResource(res),
	)
	return &Tracer{tracer: tp.Tracer(name), provider: tp}
}

// StartSpan opens a span and returns the derived context plus a finish
// function. err, when non-nil at finish time, marks the span failed.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(err error)) {
	ctx, span := t.tracer.Start(ctx, name, oteltrace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// Shutdown flushes the underlying provider, if any.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// ExtractIDs returns the trace/span IDs carried by ctx, empty when none.
func ExtractIDs(ctx context.Context) (traceID, spanID string) {
	sc := oteltrace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return "", ""
	}
	return sc.TraceID().String(), sc.SpanID().String()
}
