package capability

import (
	"encoding/json"
	"time"
)

// Failure is the raw failure a capability reported. It carries no category;
// the coordinator's error classifier decides fatal versus advisory.
type Failure struct {
	Message string `json:"message"`
}

// Result is the normalized outcome of one capability invocation: a success
// payload, or a failure. An advisory-style failure (notes on a valid result)
// keeps its payload so the caller can surface it unmodified.
type Result struct {
	Capability Name            `json:"capability"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Failure    *Failure        `json:"failure,omitempty"`
	Duration   time.Duration   `json:"duration_ns"`
}

// OK reports whether the invocation succeeded without notes.
func (r Result) OK() bool { return r.Failure == nil }

// Message returns the failure text, or "" on success.
func (r Result) Message() string {
	if r.Failure == nil {
		return ""
	}
	return r.Failure.Message
}

// ControlDescription extracts the synthesized control description from a
// generate_control_group_query result.
func (r Result) ControlDescription() string {
	if r.Failure != nil || len(r.Payload) == 0 {
		return ""
	}
	var p ControlPayload
	if err := json.Unmarshal(r.Payload, &p); err != nil {
		return ""
	}
	return p.Control
}
