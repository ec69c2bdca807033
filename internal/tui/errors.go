package tui

import (
	"context"
	"errors"
	"strings"

	"github.com/basket/go-analyst/internal/coordinator"
)

// humanError turns an error chain into a short line for the transcript.
// "coordinator: warehouse: no such table: orders" → "No such table: orders"
func humanError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return "Timed out waiting for the analyst"
	case errors.Is(err, context.Canceled):
		return "Cancelled"
	case errors.Is(err, coordinator.ErrEmptyRequest):
		return "Nothing to ask"
	case errors.Is(err, coordinator.ErrClosed):
		return "The analyst is shutting down"
	}
	msg := err.Error()
	// Keep the innermost two segments so "no such table: orders" survives.
	if parts := strings.Split(msg, ": "); len(parts) > 2 {
		msg = strings.Join(parts[len(parts)-2:], ": ")
	}
	if msg == "" {
		return "Unknown error"
	}
	return strings.ToUpper(msg[:1]) + msg[1:]
}
