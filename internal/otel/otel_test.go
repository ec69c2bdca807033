package otel

import (
	"context"
	"testing"
)

func TestInit_DisabledIsNoop(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("expected noop tracer and meter")
	}
	if p.TracerProvider != nil {
		t.Fatal("disabled provider should not build an sdk tracer provider")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_NoneExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none", ServiceName: "analyst-test"})
	if err != nil {
		t.Fatalf("Init with none exporter: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.TracerProvider == nil || p.Tracer == nil || p.Meter == nil {
		t.Fatal("expected sdk providers")
	}

	ctx, span := StartSpan(context.Background(), p.Tracer, "task.submit", AttrTaskKind.String("direct_query"))
	if !span.SpanContext().IsValid() {
		t.Fatal("expected a valid span context from the sdk tracer")
	}
	_, child := StartClientSpan(ctx, p.Tracer, "capability.call", AttrAttempt.Int(1))
	if child.SpanContext().TraceID() != span.SpanContext().TraceID() {
		t.Fatal("child span should share the trace id")
	}
	EndSpan(child, "column not found")
	EndSpan(span, "")
}

func TestInit_UnknownExporter(t *testing.T) {
	if _, err := Init(context.Background(), Config{Enabled: true, Exporter: "carrier-pigeon"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestProvider_ShutdownNilSafe(t *testing.T) {
	p := &Provider{}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
