package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/basket/go-analyst/internal/bus"
)

// streamEvent is one event as delivered to SSE and WebSocket clients.
type streamEvent struct {
	Type    string `json:"type"`
	Topic   string `json:"topic,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// followSession delivers the events of sessionID from sub to send until ctx
// is done or send fails.
func followSession(ctx context.Context, sub *bus.Subscription, sessionID string, send func(streamEvent) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Ch():
			if !ok {
				return nil
			}
			if ev.SessionID() != sessionID {
				continue
			}
			if err := send(streamEvent{Type: "event", Topic: ev.Topic, Payload: ev.Payload}); err != nil {
				return err
			}
		}
	}
}

// handleSessionEvents streams a session's task, call and turn events as
// server-sent events.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "streaming not available: event bus not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	sessionID := r.PathValue("id")
	sub := s.cfg.Bus.Subscribe("")
	defer s.cfg.Bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	err := followSession(r.Context(), sub, sessionID, func(ev streamEvent) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Topic, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	s.logger.Debug("sse: stream closed", "session_id", sessionID, "error", err)
}
