package segmentation

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/basket/go-analyst/internal/capability"
	"github.com/basket/go-analyst/internal/conversation"
	"github.com/basket/go-analyst/internal/engine"
	"github.com/basket/go-analyst/internal/text2sql"
	"github.com/basket/go-analyst/internal/warehouse"
)

func newAnalyzer(t *testing.T, m engine.Model) *Analyzer {
	t.Helper()
	path := filepath.Join(t.TempDir(), "warehouse.db")
	if err := warehouse.SeedDemo(context.Background(), path); err != nil {
		t.Fatalf("SeedDemo: %v", err)
	}
	w, err := warehouse.Open(path, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	return &Analyzer{Generator: &text2sql.Processor{Model: m, Warehouse: w}, Warehouse: w}
}

func TestExecuteSegmentationAnalysis(t *testing.T) {
	var users []string
	m := engine.ModelFunc(func(_ context.Context, p engine.Prompt) (string, error) {
		users = append(users, p.User)
		if strings.Contains(p.User, "customers under 25.") {
			return `{"sql": "SELECT c.id, c.age, c.balance, COUNT(h.product_id) AS product_count FROM customers c LEFT JOIN holdings h ON h.customer_id = c.id WHERE c.age < 25 GROUP BY c.id"}`, nil
		}
		return `{"sql": "SELECT c.id, c.age, c.balance, COUNT(h.product_id) AS product_count FROM customers c LEFT JOIN holdings h ON h.customer_id = c.id WHERE c.age > 50 GROUP BY c.id"}`, nil
	})
	a := newAnalyzer(t, m)
	ctx := context.Background()

	out, err := a.ExecuteSegmentationAnalysis(ctx, capability.SegmentInput{
		Role: "target", Cohort: "customers under 25", Counterpart: "customers over 50", Focus: "product holding rate",
	})
	if err != nil {
		t.Fatalf("target: %v", err)
	}
	var target capability.CohortProfile
	if err := json.Unmarshal(out.Payload, &target); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if target.RowCount != 7 || len(target.Sample) != 5 {
		t.Fatalf("target profile = %+v", target)
	}
	if _, ok := target.NumericMeans["id"]; ok {
		t.Fatalf("identifier column averaged")
	}
	if got := target.NumericMeans["age"]; got != 21 {
		t.Fatalf("mean age = %v, want 21", got)
	}
	if !strings.Contains(users[0], `compared with "customers over 50"`) || !strings.Contains(users[0], "product holding rate") {
		t.Fatalf("cohort prompt = %q", users[0])
	}

	out, err = a.ExecuteSegmentationAnalysis(ctx, capability.SegmentInput{Role: "control", Cohort: "customers over 50"})
	if err != nil {
		t.Fatalf("control: %v", err)
	}
	var control capability.CohortProfile
	_ = json.Unmarshal(out.Payload, &control)
	if control.NumericMeans["product_count"] <= target.NumericMeans["product_count"] {
		t.Fatalf("older customers should hold more products: %v vs %v",
			control.NumericMeans["product_count"], target.NumericMeans["product_count"])
	}
}

func TestExecuteSegmentationAnalysis_EmptyCohort(t *testing.T) {
	m := engine.ModelFunc(func(context.Context, engine.Prompt) (string, error) {
		return `{"sql": "SELECT id, age FROM customers WHERE age > 500"}`, nil
	})
	a := newAnalyzer(t, m)

	out, err := a.ExecuteSegmentationAnalysis(context.Background(), capability.SegmentInput{Role: "target", Cohort: "customers over 500"})
	if err != nil {
		t.Fatalf("ExecuteSegmentationAnalysis: %v", err)
	}
	if diff := cmp.Diff([]string{capability.NoteNoRows}, out.Notes); diff != "" {
		t.Fatalf("notes (-want +got):\n%s", diff)
	}

	if _, err := a.ExecuteSegmentationAnalysis(context.Background(), capability.SegmentInput{Cohort: "  "}); err == nil {
		t.Fatalf("expected an error for a blank cohort")
	}
}

func TestExecuteSegmentationAnalysis_GeneratorError(t *testing.T) {
	a := newAnalyzer(t, nil)
	_, err := a.ExecuteSegmentationAnalysis(context.Background(), capability.SegmentInput{Cohort: "students"})
	if !errors.Is(err, engine.ErrModelUnavailable) {
		t.Fatalf("err = %v", err)
	}
}

func TestProfile(t *testing.T) {
	res := warehouse.Result{
		Columns: []string{"customer_id", "city", "balance", "score"},
		Rows: []map[string]any{
			{"customer_id": int64(1), "city": "A", "balance": 10.0, "score": nil},
			{"customer_id": int64(2), "city": "B", "balance": int64(20), "score": nil},
		},
		RowCount: 2,
	}
	p := Profile("target", "two customers", "SELECT ...", res, 10)
	want := map[string]float64{"balance": 15}
	if diff := cmp.Diff(want, p.NumericMeans); diff != "" {
		t.Fatalf("means (-want +got):\n%s", diff)
	}
	if len(p.Sample) != 2 {
		t.Fatalf("sample = %d", len(p.Sample))
	}
}

type fixedGenerator string

func (g fixedGenerator) GenerateSQL(context.Context, string, []conversation.Turn, *capability.Retry) (text2sql.Generation, error) {
	return text2sql.Generation{SQL: string(g)}, nil
}

type cappedQuerier struct{ res warehouse.Result }

func (q cappedQuerier) Query(context.Context, string) (warehouse.Result, error) { return q.res, nil }

func TestExecuteSegmentationAnalysis_TruncatedCohortIsFlagged(t *testing.T) {
	rows := make([]map[string]any, 3)
	for i := range rows {
		rows[i] = map[string]any{"customer_id": int64(i + 1), "age": int64(30 + i)}
	}
	a := &Analyzer{
		Generator: fixedGenerator("SELECT customer_id, age FROM customers"),
		Warehouse: cappedQuerier{res: warehouse.Result{
			Columns: []string{"customer_id", "age"}, Rows: rows, RowCount: 3, Truncated: true,
		}},
	}

	out, err := a.ExecuteSegmentationAnalysis(context.Background(), capability.SegmentInput{Role: "target", Cohort: "all customers"})
	if err != nil {
		t.Fatalf("ExecuteSegmentationAnalysis: %v", err)
	}
	var prof capability.CohortProfile
	if err := json.Unmarshal(out.Payload, &prof); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !prof.Truncated || prof.RowCount != 3 {
		t.Fatalf("profile = %+v, want truncated with 3 rows", prof)
	}
	var found bool
	for _, n := range out.Notes {
		if strings.HasPrefix(n, capability.NoteOptimizePrefix) && strings.Contains(n, "truncated at 3 rows") {
			found = true
		}
	}
	if !found {
		t.Fatalf("notes = %q, want a truncation advisory", out.Notes)
	}
}
