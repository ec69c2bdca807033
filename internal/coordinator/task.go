package coordinator

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/basket/go-analyst/internal/capability"
)

// TaskKind is the processing path a request is routed to.
type TaskKind string

const (
	KindDirectQuery            TaskKind = "direct_query"
	KindSegmentationComparison TaskKind = "segmentation_comparison"
)

// Valid reports whether k is one of the two defined kinds.
func (k TaskKind) Valid() bool {
	return k == KindDirectQuery || k == KindSegmentationComparison
}

// RequiredCalls is the number of capability calls a task of this kind owns.
func (k TaskKind) RequiredCalls() int {
	if k == KindSegmentationComparison {
		return 2
	}
	return 1
}

// Status is a task's terminal status, or pending while it runs.
type Status string

const (
	StatusPending             Status = "pending"
	StatusCompleted           Status = "completed"
	StatusFailed              Status = "failed"
	StatusReportedWithCaveats Status = "reported_with_caveats"
)

func (s Status) Terminal() bool { return s != StatusPending && s != "" }

// State is the orchestrator state of a task.
type State string

const (
	StateCreated        State = "created"
	StateDispatching    State = "dispatching"
	StateAwaitingResult State = "awaiting_result"
	StateRetrying       State = "retrying"
	StateAggregating    State = "aggregating"
	StateTerminal       State = "terminal"
)

// Request is an incoming analytical question. It is passed by value and
// never modified after Submit builds it.
type Request struct {
	Text       string    `json:"text"`
	SessionID  string    `json:"session_id"`
	Ordinal    int       `json:"ordinal"`
	ReceivedAt time.Time `json:"received_at"`
}

// CallRole distinguishes the calls of a task.
type CallRole string

const (
	RoleDirect  CallRole = "direct"
	RoleTarget  CallRole = "target"
	RoleControl CallRole = "control"
)

// Attempt is one invocation of a capability call.
type Attempt struct {
	Number         int               `json:"number"`
	Input          string            `json:"input"`
	Result         capability.Result `json:"result"`
	Classification *Classification   `json:"classification,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
}

// Settled reports whether the attempt ends its call: a success or an
// advisory failure.
func (a Attempt) Settled() bool {
	return a.Result.OK() || (a.Classification != nil && a.Classification.Category == CategoryAdvisory)
}

// CapabilityCall is one logical call of a task together with its retry
// history. Retries append attempts; they never create a new call.
type CapabilityCall struct {
	Role       CallRole        `json:"role"`
	Capability capability.Name `json:"capability"`
	Input      string          `json:"input"`
	Attempts   []Attempt       `json:"attempts"`
}

// Last returns the most recent attempt.
func (c *CapabilityCall) Last() (Attempt, bool) {
	if len(c.Attempts) == 0 {
		return Attempt{}, false
	}
	return c.Attempts[len(c.Attempts)-1], true
}

// Settled reports whether the last attempt ended the call.
func (c *CapabilityCall) Settled() bool {
	last, ok := c.Last()
	return ok && last.Settled()
}

func (c *CapabilityCall) clone() CapabilityCall {
	out := *c
	out.Attempts = make([]Attempt, len(c.Attempts))
	copy(out.Attempts, c.Attempts)
	return out
}

// Task is the unit the orchestrator drives to a terminal status. Only the
// orchestrator mutates it; readers use the accessor methods or Snapshot.
type Task struct {
	mu sync.Mutex

	id        string
	kind      TaskKind
	request   Request
	control   string
	focus     string
	state     State
	status    Status
	calls     []*CapabilityCall
	errs      []*TaskError
	createdAt time.Time
	endedAt   time.Time
}

func newTask(id string, kind TaskKind, req Request, now time.Time) *Task {
	return &Task{
		id:        id,
		kind:      kind,
		request:   req,
		state:     StateCreated,
		status:    StatusPending,
		createdAt: now,
	}
}

func (t *Task) ID() string       { return t.id }
func (t *Task) Kind() TaskKind   { return t.kind }
func (t *Task) Request() Request { return t.request }

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// setState moves the task to s and returns the previous state. A terminal
// task does not move.
func (t *Task) setState(s State) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.state
	if t.status.Terminal() || prev == s {
		return prev, false
	}
	t.state = s
	return prev, true
}

func (t *Task) setControl(control, focus string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.control = control
	t.focus = focus
}

func (t *Task) addCall(c *CapabilityCall) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return false
	}
	t.calls = append(t.calls, c)
	return true
}

// recordAttempt appends a to the call with the given role.
func (t *Task) recordAttempt(role CallRole, a Attempt) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return false
	}
	for _, c := range t.calls {
		if c.Role == role {
			c.Attempts = append(c.Attempts, a)
			return true
		}
	}
	return false
}

func (t *Task) call(role CallRole) (CapabilityCall, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.calls {
		if c.Role == role {
			return c.clone(), true
		}
	}
	return CapabilityCall{}, false
}

func (t *Task) addError(e *TaskError) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.status.Terminal() {
		t.errs = append(t.errs, e)
	}
}

// finish sets the terminal status exactly once. Later calls are ignored and
// report false.
func (t *Task) finish(status Status, now time.Time, errs ...*TaskError) bool {
	if !status.Terminal() {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return false
	}
	t.errs = append(t.errs, errs...)
	t.status = status
	t.state = StateTerminal
	t.endedAt = now
	return true
}

// TaskSnapshot is an immutable copy of a task for callers and persistence.
type TaskSnapshot struct {
	ID        string           `json:"id"`
	Kind      TaskKind         `json:"kind"`
	Request   Request          `json:"request"`
	Control   string           `json:"control,omitempty"`
	Focus     string           `json:"focus,omitempty"`
	State     State            `json:"state"`
	Status    Status           `json:"status"`
	Calls     []CapabilityCall `json:"calls"`
	Errors    []TaskError      `json:"errors,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	EndedAt   time.Time        `json:"ended_at,omitempty"`
}

// Snapshot returns a deep copy of the task.
func (t *Task) Snapshot() TaskSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := TaskSnapshot{
		ID:        t.id,
		Kind:      t.kind,
		Request:   t.request,
		Control:   t.control,
		Focus:     t.focus,
		State:     t.state,
		Status:    t.status,
		Calls:     make([]CapabilityCall, 0, len(t.calls)),
		CreatedAt: t.createdAt,
		EndedAt:   t.endedAt,
	}
	for _, c := range t.calls {
		s.Calls = append(s.Calls, c.clone())
	}
	for _, e := range t.errs {
		s.Errors = append(s.Errors, *e)
	}
	return s
}

// Duration is the wall time from creation to the terminal status.
func (s TaskSnapshot) Duration() time.Duration {
	if s.EndedAt.IsZero() {
		return 0
	}
	return s.EndedAt.Sub(s.CreatedAt)
}

// MaxAttempts is the largest attempt count among the task's calls.
func (s TaskSnapshot) MaxAttempts() int {
	n := 0
	for _, c := range s.Calls {
		if len(c.Attempts) > n {
			n = len(c.Attempts)
		}
	}
	return n
}

// MarshalPayload is a helper for recorders that store snapshots as JSON.
func (s TaskSnapshot) MarshalPayload() ([]byte, error) {
	return json.Marshal(s)
}
