// Package capability defines the four external capabilities the coordinator
// drives and the Adapter that gives them one calling convention.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/basket/go-analyst/internal/conversation"
)

// Name identifies an external capability.
type Name string

const (
	ExecuteSQLQuery             Name = "execute_sql_query"
	ExecuteSegmentationAnalysis Name = "execute_segmentation_analysis"
	GenerateControlGroupQuery   Name = "generate_control_group_query"
	GetDatabaseSchema           Name = "get_database_schema"
)

// Raw notes a capability attaches to an otherwise valid result.
const (
	NoteNoRows          = "query returned no rows"
	NoteOptimizePrefix  = "could be optimized"
	FailureTimeout      = "capability timeout"
	FailureMalformed    = "malformed capability response"
	FailurePanic        = "capability panic"
	FailureNotAvailable = "capability not configured"
)

// Retry carries the previous attempt's failure into a regenerated call.
type Retry struct {
	Attempt         int    `json:"attempt"`
	PreviousFailure string `json:"previous_failure"`
	PreviousInput   string `json:"previous_input,omitempty"`
}

// QueryInput is the input of execute_sql_query.
type QueryInput struct {
	Question  string
	SessionID string
	History   []conversation.Turn
	Attempt   int
	Retry     *Retry
}

// SegmentInput is the input of one execute_segmentation_analysis leg. Cohort
// is the group this leg profiles; Counterpart is the other group of the pair.
type SegmentInput struct {
	Role        string
	Cohort      string
	Counterpart string
	Focus       string
	SessionID   string
	History     []conversation.Turn
	Attempt     int
	Retry       *Retry
}

// SynthesisInput is the input of generate_control_group_query.
type SynthesisInput struct {
	Target          string
	ExplicitControl string
	Focus           string
	SessionID       string
	History         []conversation.Turn
}

// Output is what a capability produces when it did not fail outright. Notes
// are raw caveats ("query returned no rows", "could be optimized: ...").
type Output struct {
	Payload json.RawMessage
	Notes   []string
}

// SQLQuerier implements execute_sql_query.
type SQLQuerier interface {
	ExecuteSQLQuery(ctx context.Context, in QueryInput) (Output, error)
}

// SegmentationAnalyzer implements execute_segmentation_analysis for one cohort.
type SegmentationAnalyzer interface {
	ExecuteSegmentationAnalysis(ctx context.Context, in SegmentInput) (Output, error)
}

// ControlGroupGenerator implements generate_control_group_query.
type ControlGroupGenerator interface {
	GenerateControlGroupQuery(ctx context.Context, in SynthesisInput) (string, error)
}

// SchemaInspector implements get_database_schema. An empty table returns an
// overview of the database.
type SchemaInspector interface {
	GetDatabaseSchema(ctx context.Context, table string) (string, error)
}

// SQLPayload is the success payload of execute_sql_query.
type SQLPayload struct {
	Question    string           `json:"question"`
	SQL         string           `json:"sql"`
	Columns     []string         `json:"columns"`
	Rows        []map[string]any `json:"rows"`
	RowCount    int              `json:"row_count"`
	Truncated   bool             `json:"truncated,omitempty"`
	Explanation string           `json:"explanation,omitempty"`
}

// CohortProfile is the success payload of one segmentation leg.
type CohortProfile struct {
	Role         string             `json:"role"`
	Description  string             `json:"description"`
	SQL          string             `json:"sql"`
	Columns      []string           `json:"columns"`
	RowCount     int                `json:"row_count"`
	NumericMeans map[string]float64 `json:"numeric_means"`
	Sample       []map[string]any   `json:"sample,omitempty"`

	// Truncated reports that the warehouse row cap cut the cohort, so
	// RowCount and NumericMeans cover only the rows returned.
	Truncated bool `json:"truncated,omitempty"`
}

// ControlPayload is the success payload of generate_control_group_query.
type ControlPayload struct {
	Target  string `json:"target"`
	Control string `json:"control_description"`
}

// SchemaPayload is the success payload of get_database_schema.
type SchemaPayload struct {
	Table   string `json:"table,omitempty"`
	Summary string `json:"summary"`
}

// Prompt wraps an original instruction with the previous attempt's failure,
// asking the model to change its approach instead of repeating it.
func (r *Retry) Prompt(original string) string {
	if r == nil {
		return original
	}
	var sb strings.Builder
	sb.WriteString("Your previous attempt at this task failed.\n\n")
	fmt.Fprintf(&sb, "Original task: %s\n\n", original)
	if r.PreviousInput != "" {
		fmt.Fprintf(&sb, "Previous SQL:\n%s\n\n", r.PreviousInput)
	}
	fmt.Fprintf(&sb, "Error from attempt %d:\n%s\n\n", r.Attempt-1, r.PreviousFailure)
	sb.WriteString("Please analyze the error, adjust your approach, and try again.\n")
	sb.WriteString("Do not repeat the same statement.")
	return sb.String()
}
