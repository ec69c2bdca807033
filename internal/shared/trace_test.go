package shared

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestTraceID_DefaultDash(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected '-', got %q", got)
	}
	ctx = WithTraceID(ctx, "")
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected '-' for empty trace id, got %q", got)
	}
	ctx = WithTraceID(ctx, "trace-1")
	if got := TraceID(ctx); got != "trace-1" {
		t.Fatalf("expected trace-1, got %q", got)
	}
}

func TestSessionAndTask_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if SessionID(ctx) != "" || TaskID(ctx) != "" {
		t.Fatalf("expected empty ids on bare context")
	}
	ctx = WithSessionID(ctx, "s1")
	ctx = WithTaskID(ctx, "t1")
	if got := SessionID(ctx); got != "s1" {
		t.Fatalf("expected s1, got %q", got)
	}
	if got := TaskID(ctx); got != "t1" {
		t.Fatalf("expected t1, got %q", got)
	}
}

func TestAttempt_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := Attempt(ctx); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
	ctx = WithAttempt(ctx, 2)
	if got := Attempt(ctx); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
}

func TestNewTraceID_Unique(t *testing.T) {
	a, b := NewTraceID(), NewTraceID()
	if a == b || a == "" {
		t.Fatalf("expected distinct non-empty ids, got %q and %q", a, b)
	}
}

func TestLoggerFrom_AddsCorrelationAttrs(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))

	ctx := WithTraceID(context.Background(), "trace-9")
	ctx = WithSessionID(ctx, "sess")
	ctx = WithTaskID(ctx, "task")
	ctx = WithCallRole(ctx, "control")
	ctx = WithAttempt(ctx, 2)

	LoggerFrom(ctx, base).Info("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := map[string]any{
		"trace_id":   "trace-9",
		"session_id": "sess",
		"task_id":    "task",
		"call_role":  "control",
		"attempt":    float64(2),
	}
	for k, v := range want {
		if entry[k] != v {
			t.Fatalf("%s: expected %v, got %v", k, v, entry[k])
		}
	}
}

func TestLoggerFrom_OmitsMissing(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))
	LoggerFrom(context.Background(), base).Info("bare")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := entry["session_id"]; ok {
		t.Fatalf("did not expect session_id in %v", entry)
	}
	if entry["trace_id"] != "-" {
		t.Fatalf("expected trace_id '-', got %v", entry["trace_id"])
	}
}
