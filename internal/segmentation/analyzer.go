// Package segmentation profiles one customer cohort per call: it generates
// SQL selecting the cohort, executes it and summarizes numeric attributes so
// two cohorts can be compared.
package segmentation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/basket/go-analyst/internal/capability"
	"github.com/basket/go-analyst/internal/conversation"
	"github.com/basket/go-analyst/internal/shared"
	"github.com/basket/go-analyst/internal/text2sql"
	"github.com/basket/go-analyst/internal/warehouse"
)

const defaultSampleSize = 5

// SQLGenerator produces SQL for a natural-language question.
type SQLGenerator interface {
	GenerateSQL(ctx context.Context, question string, history []conversation.Turn, retry *capability.Retry) (text2sql.Generation, error)
}

// Querier executes generated SQL.
type Querier interface {
	Query(ctx context.Context, stmt string) (warehouse.Result, error)
}

// Analyzer implements execute_segmentation_analysis.
type Analyzer struct {
	Generator  SQLGenerator
	Warehouse  Querier
	SampleSize int
	Logger     *slog.Logger
}

// ExecuteSegmentationAnalysis implements capability.SegmentationAnalyzer.
func (a *Analyzer) ExecuteSegmentationAnalysis(ctx context.Context, in capability.SegmentInput) (capability.Output, error) {
	if strings.TrimSpace(in.Cohort) == "" {
		return capability.Output{}, fmt.Errorf("%s: empty cohort description", capability.FailureMalformed)
	}
	gen, err := a.Generator.GenerateSQL(ctx, cohortQuestion(in), in.History, in.Retry)
	if err != nil {
		return capability.Output{}, err
	}
	shared.LoggerFrom(ctx, a.logger()).Debug("cohort sql", "role", in.Role, "sql", gen.SQL)

	res, err := a.Warehouse.Query(ctx, gen.SQL)
	if err != nil {
		return capability.Output{}, err
	}

	profile := Profile(in.Role, in.Cohort, gen.SQL, res, a.sampleSize())
	payload, err := json.Marshal(profile)
	if err != nil {
		return capability.Output{}, fmt.Errorf("encode profile: %w", err)
	}
	var notes []string
	if res.RowCount == 0 {
		notes = append(notes, capability.NoteNoRows)
	}
	if res.Truncated {
		notes = append(notes, truncationNote(res.RowCount))
	}
	notes = append(notes, warehouse.OptimizationHints(gen.SQL)...)
	return capability.Output{Payload: payload, Notes: notes}, nil
}

// truncationNote is advisory: the profile is still usable, but its means
// describe only the first n rows.
func truncationNote(n int) string {
	return fmt.Sprintf("%s: cohort truncated at %d rows; aggregate in SQL", capability.NoteOptimizePrefix, n)
}

func cohortQuestion(in capability.SegmentInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "List the customers in this group, one row per customer, with their numeric attributes "+
		"(age, balances, product counts and similar): %s.", in.Cohort)
	if in.Counterpart != "" {
		fmt.Fprintf(&b, " This group will be compared with \"%s\"; select the same columns a query for that group would, "+
			"so the two results line up column for column.", in.Counterpart)
	}
	if in.Focus != "" {
		fmt.Fprintf(&b, " Make sure the result includes what is needed for: %s.", in.Focus)
	}
	return b.String()
}

// Profile summarizes a cohort result set. NumericMeans holds the mean of
// every column whose non-null values are all numeric; identifier columns are
// skipped.
func Profile(role, description, sql string, res warehouse.Result, sampleSize int) capability.CohortProfile {
	p := capability.CohortProfile{
		Role:         role,
		Description:  description,
		SQL:          sql,
		Columns:      res.Columns,
		RowCount:     res.RowCount,
		NumericMeans: map[string]float64{},
		Truncated:    res.Truncated,
	}
	for _, col := range res.Columns {
		if isIdentifier(col) {
			continue
		}
		if mean, ok := columnMean(res.Rows, col); ok {
			p.NumericMeans[col] = mean
		}
	}
	if sampleSize > len(res.Rows) {
		sampleSize = len(res.Rows)
	}
	p.Sample = res.Rows[:sampleSize]
	return p
}

func columnMean(rows []map[string]any, col string) (float64, bool) {
	var sum float64
	var n int
	for _, r := range rows {
		v, present := r[col]
		if !present || v == nil {
			continue
		}
		f, ok := toFloat(v)
		if !ok {
			return 0, false
		}
		sum += f
		n++
	}
	if n == 0 {
		return 0, false
	}
	mean := sum / float64(n)
	if math.IsNaN(mean) || math.IsInf(mean, 0) {
		return 0, false
	}
	return mean, true
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case float64:
		return x, true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func isIdentifier(col string) bool {
	c := strings.ToLower(col)
	return c == "id" || strings.HasSuffix(c, "_id")
}

func (a *Analyzer) sampleSize() int {
	if a.SampleSize > 0 {
		return a.SampleSize
	}
	return defaultSampleSize
}

func (a *Analyzer) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}
