package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by spans and metrics.
var (
	AttrSessionID       = attribute.Key("analyst.session.id")
	AttrTaskID          = attribute.Key("analyst.task.id")
	AttrTaskKind        = attribute.Key("analyst.task.kind")
	AttrTaskStatus      = attribute.Key("analyst.task.status")
	AttrCapability      = attribute.Key("analyst.capability")
	AttrCallRole        = attribute.Key("analyst.call.role")
	AttrAttempt         = attribute.Key("analyst.call.attempt")
	AttrFailureCategory = attribute.Key("analyst.failure.category")
	AttrHTTPRoute       = attribute.Key("analyst.http.route")
)

// StartSpan starts an internal span with the given attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound gateway request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound capability call.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndSpan marks the span as errored when msg is non-empty, then ends it.
func EndSpan(span trace.Span, msg string) {
	if msg != "" {
		span.SetStatus(codes.Error, msg)
	}
	span.End()
}
