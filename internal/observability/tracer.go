package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan creates a new span with the given name and attributes
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan creates a new server span (for incoming requests)
func StartServerSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// SpanFromContext returns the current span from context
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// SetSpanError marks the span as errored
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks the span as successful
func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Common attribute keys for engine-host spans
var (
	AttrFactoryName = attribute.Key("enginehost.factory.name")
	AttrPort        = attribute.Key("enginehost.port")
	AttrSourceID    = attribute.Key("enginehost.source_id")
	AttrNewEngine   = attribute.Key("enginehost.new_engine")
	AttrRequestID   = attribute.Key("enginehost.request_id")
	AttrDurationMs  = attribute.Key("enginehost.duration_ms")
	AttrEngineID    = attribute.Key("enginehost.engine.id")
)

// StartCallSpan starts a span around one Factory.Call dispatch and
// returns a closure that finishes it, matching factory.Tracer's method
// shape (see CallTracer).
func StartCallSpan(ctx context.Context, factoryName, port string) (context.Context, func(err error)) {
	ctx, span := StartSpan(ctx, "factory.call",
		AttrFactoryName.String(factoryName),
		AttrPort.String(port),
	)
	return ctx, func(err error) {
		if err != nil {
			SetSpanError(span, err)
		} else {
			SetSpanOK(span)
		}
		span.End()
	}
}

// CallTracer adapts StartCallSpan to factory.Tracer's method shape.
type CallTracer struct{}

func (CallTracer) StartCallSpan(ctx context.Context, factoryName, port string) (context.Context, func(err error)) {
	return StartCallSpan(ctx, factoryName, port)
}
