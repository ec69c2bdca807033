package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/go-analyst/internal/engine"
	"github.com/basket/go-analyst/internal/shared"
)

var (
	sqlPayloadSchema = engine.MustStructuredValidator(`{
		"type": "object",
		"properties": {
			"sql": {"type": "string", "minLength": 1},
			"columns": {"type": ["array", "null"], "items": {"type": "string"}},
			"rows": {"type": ["array", "null"], "items": {"type": "object"}},
			"row_count": {"type": "integer", "minimum": 0}
		},
		"required": ["sql", "row_count"]
	}`)
	cohortPayloadSchema = engine.MustStructuredValidator(`{
		"type": "object",
		"properties": {
			"description": {"type": "string", "minLength": 1},
			"row_count": {"type": "integer", "minimum": 0},
			"numeric_means": {"type": ["object", "null"], "additionalProperties": {"type": "number"}}
		},
		"required": ["description", "row_count"]
	}`)
)

// Adapter wraps the capabilities behind one calling convention: every call
// returns a Result, never an error or a panic, and a context deadline becomes
// a "capability timeout" failure. Any capability may be nil; calling it
// yields a failure rather than a crash.
type Adapter struct {
	SQL          SQLQuerier
	Segmentation SegmentationAnalyzer
	Synthesizer  ControlGroupGenerator
	Schema       SchemaInspector
	Logger       *slog.Logger
}

// Query invokes execute_sql_query.
func (a *Adapter) Query(ctx context.Context, in QueryInput) Result {
	if a.SQL == nil {
		return notConfigured(ExecuteSQLQuery)
	}
	return a.invoke(ctx, ExecuteSQLQuery, sqlPayloadSchema, func(ctx context.Context) (Output, error) {
		return a.SQL.ExecuteSQLQuery(ctx, in)
	})
}

// Segment invokes execute_segmentation_analysis for one cohort.
func (a *Adapter) Segment(ctx context.Context, in SegmentInput) Result {
	if a.Segmentation == nil {
		return notConfigured(ExecuteSegmentationAnalysis)
	}
	return a.invoke(ctx, ExecuteSegmentationAnalysis, cohortPayloadSchema, func(ctx context.Context) (Output, error) {
		return a.Segmentation.ExecuteSegmentationAnalysis(ctx, in)
	})
}

// ControlGroup invokes generate_control_group_query. A blank description is
// a malformed response.
func (a *Adapter) ControlGroup(ctx context.Context, in SynthesisInput) Result {
	if a.Synthesizer == nil {
		return notConfigured(GenerateControlGroupQuery)
	}
	return a.invoke(ctx, GenerateControlGroupQuery, nil, func(ctx context.Context) (Output, error) {
		control, err := a.Synthesizer.GenerateControlGroupQuery(ctx, in)
		if err != nil {
			return Output{}, err
		}
		control = strings.TrimSpace(control)
		if control == "" {
			return Output{}, fmt.Errorf("%s: empty control group description", FailureMalformed)
		}
		payload, err := json.Marshal(ControlPayload{Target: in.Target, Control: control})
		return Output{Payload: payload}, err
	})
}

// DatabaseSchema invokes get_database_schema.
func (a *Adapter) DatabaseSchema(ctx context.Context, table string) Result {
	if a.Schema == nil {
		return notConfigured(GetDatabaseSchema)
	}
	return a.invoke(ctx, GetDatabaseSchema, nil, func(ctx context.Context) (Output, error) {
		summary, err := a.Schema.GetDatabaseSchema(ctx, table)
		if err != nil {
			return Output{}, err
		}
		payload, err := json.Marshal(SchemaPayload{Table: table, Summary: summary})
		return Output{Payload: payload}, err
	})
}

type outcome struct {
	out Output
	err error
}

func (a *Adapter) invoke(ctx context.Context, name Name, schema *engine.StructuredValidator, fn func(context.Context) (Output, error)) Result {
	start := time.Now()
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%s: %v", FailurePanic, r)}
			}
		}()
		out, err := fn(ctx)
		done <- outcome{out: out, err: err}
	}()

	var res Result
	select {
	case <-ctx.Done():
		// The capability goroutine observes the same ctx and exits on its own;
		// done is buffered so it never blocks.
		res = failed(name, deadlineMessage(ctx.Err()), nil)
	case o := <-done:
		res = normalize(name, schema, o)
	}
	res.Duration = time.Since(start)

	if res.Failure != nil {
		shared.LoggerFrom(ctx, a.logger()).Debug("capability returned failure",
			"capability", string(name), "failure", res.Failure.Message, "duration_ms", res.Duration.Milliseconds())
	}
	return res
}

func normalize(name Name, schema *engine.StructuredValidator, o outcome) Result {
	if o.err != nil {
		if errors.Is(o.err, context.DeadlineExceeded) || errors.Is(o.err, context.Canceled) {
			return failed(name, deadlineMessage(o.err), nil)
		}
		return failed(name, shared.Redact(o.err.Error()), nil)
	}
	if schema != nil {
		if err := schema.Validate(o.out.Payload); err != nil {
			return failed(name, fmt.Sprintf("%s: %s", FailureMalformed, err), nil)
		}
	}
	if notes := compactNotes(o.out.Notes); len(notes) > 0 {
		return failed(name, strings.Join(notes, "; "), o.out.Payload)
	}
	return Result{Capability: name, Payload: o.out.Payload}
}

func deadlineMessage(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout + ": deadline exceeded"
	}
	return "capability cancelled: " + err.Error()
}

func compactNotes(notes []string) []string {
	out := notes[:0:0]
	for _, n := range notes {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func failed(name Name, msg string, payload json.RawMessage) Result {
	return Result{Capability: name, Payload: payload, Failure: &Failure{Message: msg}}
}

func notConfigured(name Name) Result {
	return failed(name, fmt.Sprintf("%s: %s", FailureNotAvailable, name), nil)
}

func (a *Adapter) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}
