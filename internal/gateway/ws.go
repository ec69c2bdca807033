package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/basket/go-analyst/internal/bus"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

// wsRequest is a client message on /ws.
type wsRequest struct {
	Type      string `json:"type"` // "submit" or "clear"
	Text      string `json:"text,omitempty"`
	Summarize bool   `json:"summarize,omitempty"`
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) write(ctx context.Context, ev streamEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, ev)
}

// handleWS binds one connection to one session: the client submits requests
// and receives the session's events plus each request's result.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	logger := s.logger.With("session_id", sessionID)
	c := &wsClient{conn: conn}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.WSClients.Inc()
		defer s.cfg.Metrics.WSClients.Dec()
	}
	logger.Info("ws: client connected")

	ctx, cancel := context.WithCancel(r.Context())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		logger.Info("ws: client disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	var sub *bus.Subscription
	if s.cfg.Bus != nil {
		sub = s.cfg.Bus.Subscribe("")
		defer s.cfg.Bus.Unsubscribe(sub)
	}
	if err := c.write(ctx, streamEvent{Type: "session", Payload: map[string]string{"session_id": sessionID}}); err != nil {
		return
	}
	if sub != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = followSession(ctx, sub, sessionID, func(ev streamEvent) error { return c.write(ctx, ev) })
		}()
	}

	for {
		var req wsRequest
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && !errors.Is(err, context.Canceled) {
				logger.Debug("ws: read error, closing", "error", err)
			}
			return
		}
		var reply streamEvent
		switch req.Type {
		case "submit":
			resp, _, err := s.submit(ctx, submitRequest{Text: req.Text, SessionID: sessionID, Summarize: req.Summarize})
			if err != nil {
				reply = streamEvent{Type: "error", Payload: map[string]string{"message": err.Error()}}
			} else {
				reply = streamEvent{Type: "result", Payload: resp}
			}
		case "clear":
			epoch, err := s.cfg.Analyst.Clear(ctx, sessionID)
			if err != nil {
				reply = streamEvent{Type: "error", Payload: map[string]string{"message": err.Error()}}
			} else {
				reply = streamEvent{Type: "cleared", Payload: map[string]int{"epoch": epoch}}
			}
		default:
			reply = streamEvent{Type: "error", Payload: map[string]string{"message": "unknown message type " + req.Type}}
		}
		if err := c.write(ctx, reply); err != nil {
			logger.Error("ws: write response error", "type", req.Type, "error", err)
			return
		}
	}
}
