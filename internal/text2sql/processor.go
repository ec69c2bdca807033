// Package text2sql translates analytical questions into SQL with a language
// model and executes them against the warehouse.
package text2sql

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/basket/go-analyst/internal/capability"
	"github.com/basket/go-analyst/internal/conversation"
	"github.com/basket/go-analyst/internal/engine"
	"github.com/basket/go-analyst/internal/shared"
	"github.com/basket/go-analyst/internal/warehouse"
)

// Warehouse is the subset of *warehouse.Warehouse the processor needs.
type Warehouse interface {
	Query(ctx context.Context, stmt string) (warehouse.Result, error)
	GetDatabaseSchema(ctx context.Context, table string) (string, error)
	MaxRows() int
}

var generationSchema = engine.MustStructuredValidator(`{
	"type": "object",
	"properties": {
		"sql": {"type": "string", "minLength": 1},
		"explanation": {"type": "string"}
	},
	"required": ["sql"]
}`)

const generationSystem = `You translate analytical questions into a single SQLite SELECT statement.

Rules:
1. Use only tables and columns from the schema below.
2. Only read data: SELECT or WITH statements, never modify anything.
3. Alias every derived table and every computed column.
4. Use GROUP BY correctly for aggregates.
5. Avoid SELECT * unless the user explicitly asks for all fields; add a LIMIT to row listings.
6. Follow-up questions refer to the conversation so far.

Reply with JSON only: {"sql": "...", "explanation": "one sentence on what the query returns"}

Schema:
%s`

var rawSQL = regexp.MustCompile(`(?is)^\s*(select|with)\s`)

// Processor implements execute_sql_query.
type Processor struct {
	Model     engine.Model
	Warehouse Warehouse
	Logger    *slog.Logger
}

// Generation is one generated statement.
type Generation struct {
	SQL         string `json:"sql"`
	Explanation string `json:"explanation"`
}

// GenerateSQL asks the model for SQL answering question. A question that is
// already a SELECT statement is used as is, so the warehouse can be queried
// without a model. On a retry the previous failure is part of the prompt.
func (p *Processor) GenerateSQL(ctx context.Context, question string, history []conversation.Turn, retry *capability.Retry) (Generation, error) {
	if rawSQL.MatchString(question) && retry == nil {
		return Generation{SQL: warehouse.CleanSQL(question), Explanation: "statement supplied by the user"}, nil
	}
	if p.Model == nil {
		return Generation{}, engine.ErrModelUnavailable
	}
	schema, err := p.Warehouse.GetDatabaseSchema(ctx, "")
	if err != nil {
		return Generation{}, fmt.Errorf("read schema: %w", err)
	}
	prompt := engine.Prompt{
		System:  fmt.Sprintf(generationSystem, schema),
		User:    fmt.Sprintf("%s\n\nReturn at most %d rows.", question, p.Warehouse.MaxRows()),
		History: history,
	}
	if retry != nil {
		prompt.User = retry.Prompt(prompt.User)
	}

	raw, err := engine.GenerateStructured(ctx, p.Model, prompt, generationSchema)
	if err != nil {
		return Generation{}, fmt.Errorf("%s: %w", capability.FailureMalformed, err)
	}
	var g Generation
	if err := json.Unmarshal([]byte(raw), &g); err != nil {
		return Generation{}, fmt.Errorf("%s: %w", capability.FailureMalformed, err)
	}
	g.SQL = warehouse.CleanSQL(g.SQL)
	return g, nil
}

// ExecuteSQLQuery implements capability.SQLQuerier.
func (p *Processor) ExecuteSQLQuery(ctx context.Context, in capability.QueryInput) (capability.Output, error) {
	log := shared.LoggerFrom(ctx, p.logger())

	gen, err := p.GenerateSQL(ctx, in.Question, in.History, in.Retry)
	if err != nil {
		return capability.Output{}, err
	}
	log.Debug("generated sql", "sql", gen.SQL)

	res, err := p.Warehouse.Query(ctx, gen.SQL)
	if err != nil {
		return capability.Output{}, err
	}

	payload, err := json.Marshal(capability.SQLPayload{
		Question:    in.Question,
		SQL:         gen.SQL,
		Columns:     res.Columns,
		Rows:        res.Rows,
		RowCount:    res.RowCount,
		Truncated:   res.Truncated,
		Explanation: gen.Explanation,
	})
	if err != nil {
		return capability.Output{}, fmt.Errorf("encode result: %w", err)
	}

	var notes []string
	if res.RowCount == 0 {
		notes = append(notes, capability.NoteNoRows)
	}
	notes = append(notes, warehouse.OptimizationHints(gen.SQL)...)
	return capability.Output{Payload: payload, Notes: notes}, nil
}

func (p *Processor) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// Describe renders a payload as a compact table for terminals.
func Describe(p capability.SQLPayload, maxRows int) string {
	var b strings.Builder
	if p.Explanation != "" {
		b.WriteString(p.Explanation + "\n")
	}
	fmt.Fprintf(&b, "SQL: %s\n", p.SQL)
	b.WriteString(strings.Join(p.Columns, " | ") + "\n")
	for i, row := range p.Rows {
		if i == maxRows {
			fmt.Fprintf(&b, "... %d more rows\n", p.RowCount-maxRows)
			break
		}
		cells := make([]string, len(p.Columns))
		for j, c := range p.Columns {
			cells[j] = fmt.Sprint(row[c])
		}
		b.WriteString(strings.Join(cells, " | ") + "\n")
	}
	fmt.Fprintf(&b, "(%d rows)", p.RowCount)
	return b.String()
}
