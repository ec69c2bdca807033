// Package conversation holds the per-session, append-only record of turns
// that every routing decision and capability call reads from.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrOutOfOrder is returned when a turn is appended with an ordinal that
// does not directly follow the last recorded turn.
var ErrOutOfOrder = errors.New("turn ordinal out of order")

// Turn is one completed request/response exchange.
type Turn struct {
	Ordinal   int       `json:"ordinal"`
	Request   string    `json:"request"`
	Kind      string    `json:"kind"`
	Outcome   string    `json:"outcome"`
	Status    string    `json:"status"`
	TaskID    string    `json:"task_id"`
	Epoch     int       `json:"epoch"`
	Timestamp time.Time `json:"timestamp"`
}

// Context is the ordered turn log of one session. Turns are never edited or
// removed; Clear-like operations start a new epoch instead, which only moves
// the start of the window handed to capabilities.
type Context struct {
	sessionID string

	mu    sync.RWMutex
	turns []Turn
	epoch int

	loadMu sync.Mutex
	loaded bool
}

// New returns an empty context for sessionID.
func New(sessionID string) *Context {
	return &Context{sessionID: sessionID}
}

func (c *Context) SessionID() string { return c.sessionID }

// NextOrdinal is the ordinal the next appended turn will receive.
func (c *Context) NextOrdinal() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.turns) + 1
}

// Append records t. A zero Ordinal is assigned; a non-zero one must equal
// NextOrdinal. Epoch and Timestamp are filled in when unset.
func (c *Context) Append(t Turn) (Turn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := len(c.turns) + 1
	if t.Ordinal == 0 {
		t.Ordinal = next
	}
	if t.Ordinal != next {
		return Turn{}, fmt.Errorf("%w: got %d, want %d", ErrOutOfOrder, t.Ordinal, next)
	}
	t.Epoch = c.epoch
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}
	c.turns = append(c.turns, t)
	return t, nil
}

// Turns returns a copy of every turn, oldest first.
func (c *Context) Turns() []Turn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

// Window returns at most n of the most recent turns of the current epoch,
// oldest first. n <= 0 returns the whole epoch.
func (c *Context) Window(n int) []Turn {
	c.mu.RLock()
	defer c.mu.RUnlock()

	start := len(c.turns)
	for start > 0 && c.turns[start-1].Epoch == c.epoch {
		start--
	}
	if n > 0 && len(c.turns)-start > n {
		start = len(c.turns) - n
	}
	out := make([]Turn, len(c.turns)-start)
	copy(out, c.turns[start:])
	return out
}

// NewEpoch hides all current turns from future windows and returns the new
// epoch number.
func (c *Context) NewEpoch() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	return c.epoch
}

func (c *Context) Epoch() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.epoch
}

func (c *Context) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.turns)
}

// restore replaces an empty context with previously persisted turns.
func (c *Context) restore(turns []Turn, epoch int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.turns) > 0 {
		return
	}
	c.turns = append(c.turns[:0], turns...)
	c.epoch = epoch
}

// Render formats turns as a compact transcript for language-model prompts.
func Render(turns []Turn) string {
	if len(turns) == 0 {
		return ""
	}
	var b strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&b, "[%d] user: %s\n", t.Ordinal, t.Request)
		if t.Outcome != "" {
			fmt.Fprintf(&b, "[%d] analyst (%s, %s): %s\n", t.Ordinal, t.Kind, t.Status, t.Outcome)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// HistoryLoader rehydrates a session from durable storage the first time it
// is opened in this process.
type HistoryLoader interface {
	LoadTurns(ctx context.Context, sessionID string) (turns []Turn, epoch int, err error)
}

// Registry owns every session's Context. Sessions are independent; the
// registry lock only guards the map.
type Registry struct {
	loader HistoryLoader

	mu       sync.Mutex
	sessions map[string]*Context
}

// NewRegistry returns an empty registry. loader may be nil.
func NewRegistry(loader HistoryLoader) *Registry {
	return &Registry{loader: loader, sessions: make(map[string]*Context)}
}

// Open returns the session's context, creating it (and loading persisted
// turns, if a loader is configured) on first use. A failed load is not
// remembered; the next Open tries again.
func (r *Registry) Open(ctx context.Context, sessionID string) (*Context, error) {
	r.mu.Lock()
	c, ok := r.sessions[sessionID]
	if !ok {
		c = New(sessionID)
		r.sessions[sessionID] = c
	}
	r.mu.Unlock()

	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	if c.loaded || r.loader == nil {
		c.loaded = true
		return c, nil
	}
	turns, epoch, err := r.loader.LoadTurns(ctx, sessionID)
	if err != nil {
		return c, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	c.restore(turns, epoch)
	c.loaded = true
	return c, nil
}

// History returns the session's turns without registering the session: a
// session not yet open in this process is read straight from the loader.
func (r *Registry) History(ctx context.Context, sessionID string) ([]Turn, error) {
	if c, ok := r.Lookup(sessionID); ok {
		c.loadMu.Lock()
		loaded := c.loaded
		c.loadMu.Unlock()
		if loaded {
			return c.Turns(), nil
		}
	}
	if r.loader == nil {
		return nil, nil
	}
	turns, _, err := r.loader.LoadTurns(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	return turns, nil
}

// Lookup returns the context without creating it.
func (r *Registry) Lookup(sessionID string) (*Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.sessions[sessionID]
	return c, ok
}

// Sessions lists known session ids in lexical order.
func (r *Registry) Sessions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
