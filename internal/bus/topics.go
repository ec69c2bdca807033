package bus

import "time"

// Task lifecycle topics.
const (
	TopicTaskCreated      = "task.created"
	TopicTaskStateChanged = "task.state_changed"
	TopicTaskTerminal     = "task.terminal"
)

// Capability call topics.
const (
	TopicCallDispatched = "call.dispatched"
	TopicCallRetrying   = "call.retrying"
	TopicCallCompleted  = "call.completed"
)

// Conversation topics.
const (
	TopicConversationTurn  = "conversation.turn"
	TopicConversationStall = "conversation.stall"
)

// TaskCreatedEvent is published once a request has been classified.
type TaskCreatedEvent struct {
	TaskID    string `json:"task_id"`
	SessionID string `json:"session_id"`
	Kind      string `json:"kind"`
	Request   string `json:"request"`
}

// TaskStateChangedEvent is published on every orchestrator state transition.
type TaskStateChangedEvent struct {
	TaskID    string `json:"task_id"`
	SessionID string `json:"session_id"`
	OldState  string `json:"old_state"`
	NewState  string `json:"new_state"`
}

// TaskTerminalEvent is published exactly once per task.
type TaskTerminalEvent struct {
	TaskID     string        `json:"task_id"`
	SessionID  string        `json:"session_id"`
	Kind       string        `json:"kind"`
	Status     string        `json:"status"`
	ErrorKinds []string      `json:"error_kinds,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
}

// CallEvent describes one capability call attempt.
type CallEvent struct {
	TaskID     string        `json:"task_id"`
	SessionID  string        `json:"session_id"`
	Role       string        `json:"role"`
	Capability string        `json:"capability"`
	Attempt    int           `json:"attempt"`
	Outcome    string        `json:"outcome,omitempty"` // success, fatal, advisory
	Reason     string        `json:"reason,omitempty"`
	Duration   time.Duration `json:"duration_ns,omitempty"`
}

// TurnEvent is published when a turn is appended to a session's context.
type TurnEvent struct {
	SessionID string `json:"session_id"`
	Ordinal   int    `json:"ordinal"`
	Kind      string `json:"kind"`
	Status    string `json:"status"`
	TaskID    string `json:"task_id"`
}

// StallEvent is published when the completion marker never appeared within
// the turn budget.
type StallEvent struct {
	SessionID string `json:"session_id"`
	TaskID    string `json:"task_id"`
	Turns     int    `json:"turns"`
}

// Storage topics.
const (
	TopicStoreRetention = "store.retention"
)

// RetentionEvent is published after a retention purge removed rows.
type RetentionEvent struct {
	Tasks    int64 `json:"tasks"`
	Sessions int64 `json:"sessions"`
	Days     int   `json:"days"`
}

// SessionID returns the session an event belongs to, or "" for events that
// are not tied to one.
func (e Event) SessionID() string {
	switch p := e.Payload.(type) {
	case TaskCreatedEvent:
		return p.SessionID
	case TaskStateChangedEvent:
		return p.SessionID
	case TaskTerminalEvent:
		return p.SessionID
	case CallEvent:
		return p.SessionID
	case TurnEvent:
		return p.SessionID
	case StallEvent:
		return p.SessionID
	}
	return ""
}
