// Package gateway exposes the analyst over HTTP: request submission, session
// and task lookup, schema browsing, Prometheus metrics and live event
// streams over SSE and WebSocket.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/basket/go-analyst/internal/bus"
	"github.com/basket/go-analyst/internal/capability"
	"github.com/basket/go-analyst/internal/conversation"
	"github.com/basket/go-analyst/internal/coordinator"
	"github.com/basket/go-analyst/internal/persistence"
	"github.com/basket/go-analyst/internal/shared"
	"github.com/google/uuid"
)

const maxRequestBytes = 1 << 20

// Analyst is the orchestrator surface the gateway drives.
type Analyst interface {
	Submit(ctx context.Context, text, sessionID string) (*coordinator.AggregatedResult, error)
	Summarize(ctx context.Context, res *coordinator.AggregatedResult) error
	Task(id string) (coordinator.TaskSnapshot, bool)
	History(ctx context.Context, sessionID string) ([]conversation.Turn, error)
	Clear(ctx context.Context, sessionID string) (int, error)
	Status() coordinator.StatusReport
}

// TaskStore answers lookups for tasks the orchestrator no longer holds.
type TaskStore interface {
	GetTask(ctx context.Context, taskID string) (coordinator.TaskSnapshot, error)
	ListTasksBySession(ctx context.Context, sessionID string, limit int) ([]persistence.TaskSummary, error)
	ListSessions(ctx context.Context, limit int) ([]persistence.Session, error)
	TaskCounts(ctx context.Context) (map[coordinator.Status]int, error)
}

type Config struct {
	Analyst Analyst
	Store   TaskStore // nil: in-memory lookups only
	Schema  capability.SchemaInspector
	Bus     *bus.Bus
	Metrics *Metrics
	Logger  *slog.Logger

	// AuthToken, when set, is required as a bearer token on every endpoint
	// except /healthz and /metrics.
	AuthToken string

	// AllowOrigins lists accepted cross-origin browser origins for CORS and
	// WebSocket upgrades. Empty means same-origin only.
	AllowOrigins []string

	RateLimitRPS float64
	RateBurst    int

	// ConfigFingerprint is reported by /healthz.
	ConfigFingerprint string
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	limiter *RateLimitMiddleware
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		logger: logger,
		limiter: NewRateLimitMiddleware(RateLimitConfig{
			Enabled:           cfg.RateLimitRPS > 0,
			RequestsPerSecond: cfg.RateLimitRPS,
			Burst:             cfg.RateBurst,
		}),
	}
}

// Limiter exposes the rate limiter so callers can start its eviction loop.
func (s *Server) Limiter() *RateLimitMiddleware { return s.limiter }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.cfg.Metrics != nil {
		mux.Handle("GET /metrics", s.cfg.Metrics.Handler())
	}
	mux.HandleFunc("GET /ws", s.handleWS)

	mux.HandleFunc("POST /api/submit", s.handleSubmit)
	mux.HandleFunc("GET /api/sessions", s.handleSessions)
	mux.HandleFunc("GET /api/sessions/{id}/turns", s.handleSessionTurns)
	mux.HandleFunc("POST /api/sessions/{id}/clear", s.handleSessionClear)
	mux.HandleFunc("GET /api/sessions/{id}/tasks", s.handleSessionTasks)
	mux.HandleFunc("GET /api/sessions/{id}/events", s.handleSessionEvents)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleTask)
	mux.HandleFunc("GET /api/schema", s.handleSchema)
	mux.HandleFunc("GET /api/status", s.handleStatus)

	var h http.Handler = mux
	h = s.limiter.Wrap(h)
	h = NewAuthMiddleware(s.cfg.AuthToken).Wrap(h)
	h = RequestSizeLimitMiddleware(maxRequestBytes)(h)
	h = NewCORSMiddleware(s.cfg.AllowOrigins)(h)
	return h
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if s.cfg.Store != nil {
		if _, err := s.cfg.Store.TaskCounts(r.Context()); err != nil {
			dbOK = false
		}
	}
	status := s.cfg.Analyst.Status()
	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"active_tasks":       status.Active,
		"sessions":           len(status.Sessions),
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	code := http.StatusOK
	if !dbOK {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

type submitRequest struct {
	Text      string `json:"text"`
	SessionID string `json:"session_id"`
	Summarize bool   `json:"summarize"`
}

type submitResponse struct {
	*coordinator.AggregatedResult
	SummaryError string `json:"summary_error,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	resp, code, err := s.submit(r.Context(), req)
	if err != nil {
		writeError(w, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// submit runs one request and, when asked, its summary. The returned status
// code is only meaningful with a non-nil error.
func (s *Server) submit(ctx context.Context, req submitRequest) (*submitResponse, int, error) {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	res, err := s.cfg.Analyst.Submit(ctx, req.Text, req.SessionID)
	switch {
	case errors.Is(err, coordinator.ErrEmptyRequest):
		return nil, http.StatusBadRequest, err
	case errors.Is(err, coordinator.ErrClosed):
		return nil, http.StatusServiceUnavailable, err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return nil, http.StatusGatewayTimeout, err
	case err != nil:
		return nil, http.StatusInternalServerError, err
	}
	out := &submitResponse{AggregatedResult: res}
	if req.Summarize {
		if err := s.cfg.Analyst.Summarize(ctx, res); err != nil {
			shared.LoggerFrom(ctx, s.logger).Warn("summary failed", "task_id", res.TaskID, "error", err)
			out.SummaryError = err.Error()
		}
	}
	return out, http.StatusOK, nil
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Store == nil {
		writeJSON(w, http.StatusOK, map[string]any{"sessions": s.cfg.Analyst.Status().Sessions})
		return
	}
	sessions, err := s.cfg.Store.ListSessions(r.Context(), queryInt(r, "limit", 20))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleSessionTurns(w http.ResponseWriter, r *http.Request) {
	turns, err := s.cfg.Analyst.History(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if turns == nil {
		turns = []conversation.Turn{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": r.PathValue("id"), "turns": turns})
}

func (s *Server) handleSessionClear(w http.ResponseWriter, r *http.Request) {
	epoch, err := s.cfg.Analyst.Clear(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": r.PathValue("id"), "epoch": epoch})
}

func (s *Server) handleSessionTasks(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Store == nil {
		writeError(w, http.StatusNotImplemented, "task store not configured")
		return
	}
	tasks, err := s.cfg.Store.ListTasksBySession(r.Context(), r.PathValue("id"), queryInt(r, "limit", 20))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tasks == nil {
		tasks = []persistence.TaskSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if snap, ok := s.cfg.Analyst.Task(id); ok {
		writeJSON(w, http.StatusOK, snap)
		return
	}
	if s.cfg.Store == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	snap, err := s.cfg.Store.GetTask(r.Context(), id)
	if errors.Is(err, persistence.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Schema == nil {
		writeError(w, http.StatusNotImplemented, "warehouse not configured")
		return
	}
	table := r.URL.Query().Get("table")
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	text, err := s.cfg.Schema.GetDatabaseSchema(ctx, table)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"table": table, "schema": text})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	rep := s.cfg.Analyst.Status()
	payload := map[string]any{"orchestrator": rep}
	if s.cfg.Store != nil {
		if counts, err := s.cfg.Store.TaskCounts(r.Context()); err == nil {
			payload["stored_tasks"] = counts
		}
	}
	if s.cfg.Bus != nil {
		payload["bus_subscribers"] = s.cfg.Bus.SubscriberCount()
		payload["bus_dropped"] = s.cfg.Bus.Dropped()
	}
	writeJSON(w, http.StatusOK, payload)
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
