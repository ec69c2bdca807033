package shared

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

type traceKey struct{}
type sessionIDKey struct{}
type taskIDKey struct{}
type callRoleKey struct{}
type attemptKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithSessionID attaches a session_id to the context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// SessionID extracts session_id from context. Returns "" if absent.
func SessionID(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey{}).(string); ok {
		return v
	}
	return ""
}

// NewSessionID generates a new session id.
func NewSessionID() string {
	return uuid.NewString()
}

// WithTaskID attaches a task_id to the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, taskID)
}

// TaskID extracts task_id from context. Returns "" if absent.
func TaskID(ctx context.Context) string {
	if v, ok := ctx.Value(taskIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithCallRole attaches the role (direct, target, control) of the capability
// call being executed.
func WithCallRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, callRoleKey{}, role)
}

// CallRole extracts the call role. Returns "" if absent.
func CallRole(ctx context.Context) string {
	if v, ok := ctx.Value(callRoleKey{}).(string); ok {
		return v
	}
	return ""
}

// WithAttempt attaches the 1-based attempt number of the current call.
func WithAttempt(ctx context.Context, attempt int) context.Context {
	return context.WithValue(ctx, attemptKey{}, attempt)
}

// Attempt extracts the attempt number (0 if absent).
func Attempt(ctx context.Context) int {
	if v, ok := ctx.Value(attemptKey{}).(int); ok {
		return v
	}
	return 0
}

// LoggerFrom returns base enriched with the correlation ids found in ctx.
func LoggerFrom(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	attrs := []any{"trace_id", TraceID(ctx)}
	if v := SessionID(ctx); v != "" {
		attrs = append(attrs, "session_id", v)
	}
	if v := TaskID(ctx); v != "" {
		attrs = append(attrs, "task_id", v)
	}
	if v := CallRole(ctx); v != "" {
		attrs = append(attrs, "call_role", v)
	}
	if v := Attempt(ctx); v > 0 {
		attrs = append(attrs, "attempt", v)
	}
	return base.With(attrs...)
}
