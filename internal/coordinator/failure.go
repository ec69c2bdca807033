package coordinator

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/basket/go-analyst/internal/capability"
)

// Category is the error classifier's verdict on a capability failure.
type Category string

const (
	// CategoryFatal failures are regenerated and retried up to the ceiling.
	CategoryFatal Category = "fatal"
	// CategoryAdvisory failures are surfaced unmodified and never retried.
	CategoryAdvisory Category = "advisory"
)

// Reason narrows a Category for logs, metrics and the ledger.
type Reason string

const (
	ReasonSQLSyntax        Reason = "sql_syntax"
	ReasonNotFound         Reason = "not_found"
	ReasonExecution        Reason = "execution"
	ReasonTimeout          Reason = "timeout"
	ReasonMalformed        Reason = "malformed_response"
	ReasonEmptyResult      Reason = "empty_result"
	ReasonOptimizationHint Reason = "optimization_hint"
	ReasonUnknown          Reason = "unknown"
)

// Classification is attached to every failed attempt.
type Classification struct {
	Category Category `json:"category"`
	Reason   Reason   `json:"reason"`
}

// ErrorClassifier assigns a category to a raw capability failure.
type ErrorClassifier interface {
	ClassifyFailure(f capability.Failure) Classification
}

type failurePattern struct {
	re     *regexp.Regexp
	reason Reason
}

var advisoryPatterns = []failurePattern{
	{regexp.MustCompile(`(?i)(returned|produced) (no|zero|0) rows|\bno rows\b|empty result|zero-row`), ReasonEmptyResult},
	{regexp.MustCompile(`(?i)could be optimi[sz]ed|optimi[sz]ation hint`), ReasonOptimizationHint},
}

var fatalPatterns = []failurePattern{
	{regexp.MustCompile(`(?i)timeout|timed out|deadline exceeded|cancelled|canceled`), ReasonTimeout},
	{regexp.MustCompile(`(?i)malformed|invalid json|schema validation|unexpected end of json|empty control group`), ReasonMalformed},
	{regexp.MustCompile(`(?i)no such (table|column)|unknown (table|column)|does not exist|not found|undefined (table|column)`), ReasonNotFound},
	{regexp.MustCompile(`(?i)syntax error|parse error|near ".*"|incomplete input|sql rejected|not a read-only`), ReasonSQLSyntax},
	{regexp.MustCompile(`(?i)exception|execution|error|failed|panic|not configured|refused`), ReasonExecution},
}

// PatternClassifier classifies failures by matching their raw text. A
// message made of several "; "-separated notes is advisory only when every
// note is advisory; anything unrecognized is fatal.
type PatternClassifier struct{}

// ClassifyFailure implements ErrorClassifier.
func (PatternClassifier) ClassifyFailure(f capability.Failure) Classification {
	msg := strings.TrimSpace(f.Message)
	if msg == "" {
		return Classification{Category: CategoryFatal, Reason: ReasonUnknown}
	}

	parts := strings.Split(msg, "; ")
	var reason Reason
	advisory := true
	for _, p := range parts {
		r, ok := match(advisoryPatterns, p)
		if !ok {
			advisory = false
			break
		}
		if reason == "" {
			reason = r
		}
	}
	if advisory {
		return Classification{Category: CategoryAdvisory, Reason: reason}
	}

	if r, ok := match(fatalPatterns, msg); ok {
		return Classification{Category: CategoryFatal, Reason: r}
	}
	return Classification{Category: CategoryFatal, Reason: ReasonUnknown}
}

func match(patterns []failurePattern, s string) (Reason, bool) {
	for _, p := range patterns {
		if p.re.MatchString(s) {
			return p.reason, true
		}
	}
	return "", false
}

// ErrorKind is the task-level error taxonomy.
type ErrorKind string

const (
	KindClassificationIndeterminate ErrorKind = "classification_indeterminate"
	KindCapabilityFatal             ErrorKind = "capability_failure_fatal"
	KindCapabilityAdvisory          ErrorKind = "capability_failure_advisory"
	KindRetryCeilingExceeded        ErrorKind = "retry_ceiling_exceeded"
	KindControlSynthesisFailed      ErrorKind = "control_group_synthesis_failed"
	KindStallDetected               ErrorKind = "stall_detected"
	KindCancelled                   ErrorKind = "cancelled"
)

// TaskError is a classified failure attached to an AggregatedResult. It is
// reported, not returned, so callers can render any path's failure the same
// way.
type TaskError struct {
	Kind     ErrorKind `json:"kind"`
	Role     CallRole  `json:"role,omitempty"`
	Message  string    `json:"message"`
	Attempts int       `json:"attempts,omitempty"`

	cause error
}

func (e *TaskError) Error() string {
	if e.Role != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Role, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *TaskError) Unwrap() error { return e.cause }

// Is matches any TaskError of the same kind, so errors.Is(err,
// ErrRetryCeilingExceeded) works on attached errors.
func (e *TaskError) Is(target error) bool {
	var t *TaskError
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

var (
	ErrClassificationIndeterminate = &TaskError{Kind: KindClassificationIndeterminate}
	ErrCapabilityFatal             = &TaskError{Kind: KindCapabilityFatal}
	ErrCapabilityAdvisory          = &TaskError{Kind: KindCapabilityAdvisory}
	ErrRetryCeilingExceeded        = &TaskError{Kind: KindRetryCeilingExceeded}
	ErrControlSynthesisFailed      = &TaskError{Kind: KindControlSynthesisFailed}
	ErrStallDetected               = &TaskError{Kind: KindStallDetected}
	ErrCancelled                   = &TaskError{Kind: KindCancelled}
)

func newTaskError(kind ErrorKind, role CallRole, attempts int, msg string, cause error) *TaskError {
	return &TaskError{Kind: kind, Role: role, Attempts: attempts, Message: msg, cause: cause}
}
