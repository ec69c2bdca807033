package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/basket/go-analyst/internal/capability"
)

// ErrIncompleteTask is returned by Aggregate when a required call has no
// settled outcome. The orchestrator never aggregates such a task.
var ErrIncompleteTask = errors.New("task has an unsettled required call")

// AggregatedResult is what Submit hands back to its caller. Failures of any
// path are attached in Errors rather than returned.
type AggregatedResult struct {
	TaskID         string          `json:"task_id"`
	SessionID      string          `json:"session_id"`
	Ordinal        int             `json:"ordinal"`
	Kind           TaskKind        `json:"kind"`
	Status         Status          `json:"status"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Comparison     *Comparison     `json:"comparison,omitempty"`
	Caveats        []string        `json:"caveats,omitempty"`
	Errors         []TaskError     `json:"errors,omitempty"`
	Attempts       int             `json:"attempts"`
	SummaryRequest string          `json:"summary_request,omitempty"`
	Summary        string          `json:"summary,omitempty"`
}

// Comparison is the paired target/control structure of a segmentation task.
type Comparison struct {
	Target        LegResult     `json:"target"`
	Control       LegResult     `json:"control"`
	OverallStatus Status        `json:"overall_status"`
	Metrics       []MetricDelta `json:"metrics,omitempty"`
}

// LegResult is one side of a comparison.
type LegResult struct {
	Description string          `json:"description"`
	Payload     json.RawMessage `json:"payload"`
	Status      Status          `json:"status"`
	Caveat      string          `json:"caveat,omitempty"`
	Attempts    int             `json:"attempts"`
}

// MetricDelta compares one numeric column present in both cohorts.
type MetricDelta struct {
	Column  string  `json:"column"`
	Target  float64 `json:"target"`
	Control float64 `json:"control"`
	Delta   float64 `json:"delta"`
}

// HasError reports whether an attached error has the given kind.
func (r *AggregatedResult) HasError(kind ErrorKind) bool {
	for _, e := range r.Errors {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

// Outcome is the one-line summary recorded in the conversation turn.
func (r *AggregatedResult) Outcome() string {
	switch {
	case r.Status == StatusFailed && len(r.Errors) > 0:
		return r.Errors[len(r.Errors)-1].Error()
	case r.Comparison != nil:
		return fmt.Sprintf("%s (%d rows) vs %s (%d rows)",
			r.Comparison.Target.Description, rowCount(r.Comparison.Target.Payload),
			r.Comparison.Control.Description, rowCount(r.Comparison.Control.Payload))
	case len(r.Payload) > 0:
		return fmt.Sprintf("%d rows", rowCount(r.Payload))
	}
	return string(r.Status)
}

// Aggregate merges a settled task's calls into a result. Direct tasks pass
// their payload through; comparison tasks pair both legs and never invent a
// missing one.
func Aggregate(s TaskSnapshot) (AggregatedResult, error) {
	res := AggregatedResult{
		TaskID:    s.ID,
		SessionID: s.Request.SessionID,
		Ordinal:   s.Request.Ordinal,
		Kind:      s.Kind,
		Attempts:  s.MaxAttempts(),
	}

	switch s.Kind {
	case KindDirectQuery:
		call, ok := settledCall(s, RoleDirect)
		if !ok {
			return res, fmt.Errorf("%w: %s", ErrIncompleteTask, RoleDirect)
		}
		leg := legFrom(call, s.Request.Text)
		res.Payload = leg.Payload
		res.Status = leg.Status
		if leg.Caveat != "" {
			res.Caveats = append(res.Caveats, leg.Caveat)
		}
		res.SummaryRequest = directSummaryRequest(s.Request.Text, leg)

	case KindSegmentationComparison:
		tc, ok := settledCall(s, RoleTarget)
		if !ok {
			return res, fmt.Errorf("%w: %s", ErrIncompleteTask, RoleTarget)
		}
		cc, ok := settledCall(s, RoleControl)
		if !ok {
			return res, fmt.Errorf("%w: %s", ErrIncompleteTask, RoleControl)
		}
		cmp := &Comparison{
			Target:        legFrom(tc, tc.Input),
			Control:       legFrom(cc, cc.Input),
			OverallStatus: StatusCompleted,
		}
		for _, leg := range []LegResult{cmp.Target, cmp.Control} {
			if leg.Status == StatusReportedWithCaveats {
				cmp.OverallStatus = StatusReportedWithCaveats
				res.Caveats = append(res.Caveats, leg.Description+": "+leg.Caveat)
			}
		}
		cmp.Metrics = metricDeltas(cmp.Target.Payload, cmp.Control.Payload)
		res.Comparison = cmp
		res.Status = cmp.OverallStatus
		res.SummaryRequest = comparisonSummaryRequest(s.Request.Text, s.Focus, cmp)

	default:
		return res, fmt.Errorf("unknown task kind %q", s.Kind)
	}
	return res, nil
}

func settledCall(s TaskSnapshot, role CallRole) (CapabilityCall, bool) {
	for _, c := range s.Calls {
		if c.Role == role && c.Settled() {
			return c, true
		}
	}
	return CapabilityCall{}, false
}

func legFrom(c CapabilityCall, description string) LegResult {
	last, _ := c.Last()
	leg := LegResult{
		Description: description,
		Payload:     last.Result.Payload,
		Status:      StatusCompleted,
		Attempts:    len(c.Attempts),
	}
	if !last.Result.OK() {
		leg.Status = StatusReportedWithCaveats
		leg.Caveat = last.Result.Message()
	}
	return leg
}

func rowCount(payload json.RawMessage) int {
	var p struct {
		RowCount int `json:"row_count"`
	}
	_ = json.Unmarshal(payload, &p)
	return p.RowCount
}

func metricDeltas(target, control json.RawMessage) []MetricDelta {
	var t, c capability.CohortProfile
	if json.Unmarshal(target, &t) != nil || json.Unmarshal(control, &c) != nil {
		return nil
	}
	var out []MetricDelta
	for col, tv := range t.NumericMeans {
		cv, ok := c.NumericMeans[col]
		if !ok || math.IsNaN(tv) || math.IsNaN(cv) {
			continue
		}
		out = append(out, MetricDelta{Column: col, Target: tv, Control: cv, Delta: tv - cv})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Column < out[j].Column })
	return out
}

func directSummaryRequest(question string, leg LegResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Question: %s\n\n", question)
	fmt.Fprintf(&sb, "Query result:\n%s\n\n", leg.Payload)
	if leg.Caveat != "" {
		fmt.Fprintf(&sb, "Caveat reported by the query engine: %s\n\n", leg.Caveat)
	}
	sb.WriteString("Answer the question from the query result in plain language. ")
	sb.WriteString("Mention the caveat if there is one. Do not invent numbers.")
	return sb.String()
}

func comparisonSummaryRequest(question, focus string, cmp *Comparison) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Request: %s\n", question)
	if focus != "" {
		fmt.Fprintf(&sb, "Focus: %s\n", focus)
	}
	fmt.Fprintf(&sb, "\nTarget group (%s):\n%s\n", cmp.Target.Description, cmp.Target.Payload)
	fmt.Fprintf(&sb, "\nControl group (%s):\n%s\n", cmp.Control.Description, cmp.Control.Payload)
	if len(cmp.Metrics) > 0 {
		sb.WriteString("\nShared numeric columns (target mean / control mean / delta):\n")
		for _, m := range cmp.Metrics {
			fmt.Fprintf(&sb, "- %s: %.4g / %.4g / %+.4g\n", m.Column, m.Target, m.Control, m.Delta)
		}
	}
	for _, leg := range []LegResult{cmp.Target, cmp.Control} {
		if leg.Caveat != "" {
			fmt.Fprintf(&sb, "\nCaveat for %s: %s\n", leg.Description, leg.Caveat)
		}
	}
	sb.WriteString("\nWrite a report with four sections:\n")
	sb.WriteString("1. Query data analysis: what the target group data shows.\n")
	sb.WriteString("2. Control group analysis: what the control group data shows.\n")
	sb.WriteString("3. Comparison: the key differences between the two groups.\n")
	sb.WriteString("4. Conclusion: what the differences mean for the business.\n")
	return sb.String()
}
