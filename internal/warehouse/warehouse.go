// Package warehouse executes read-only SQL against the analytical data
// source and introspects its schema.
package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

const defaultMaxRows = 1000

// ErrRejected marks statements refused before execution.
var ErrRejected = errors.New("sql rejected")

// Warehouse is a query-only handle on the analytical database.
type Warehouse struct {
	db      *sql.DB
	maxRows int
}

// Open opens the sqlite database at dsn in query-only mode. maxRows caps
// every result set; <= 0 uses 1000.
func Open(dsn string, maxRows int) (*Warehouse, error) {
	if dsn == "" {
		return nil, errors.New("warehouse dsn is empty")
	}
	if !strings.HasPrefix(dsn, "file:") && !strings.Contains(dsn, ":memory:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create warehouse directory: %w", err)
		}
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite3", dsn+sep+"_busy_timeout=5000&_query_only=true")
	if err != nil {
		return nil, fmt.Errorf("open warehouse: %w", err)
	}
	db.SetMaxOpenConns(4)
	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping warehouse: %w", err)
	}
	if maxRows <= 0 {
		maxRows = defaultMaxRows
	}
	return &Warehouse{db: db, maxRows: maxRows}, nil
}

func (w *Warehouse) Close() error { return w.db.Close() }

func (w *Warehouse) MaxRows() int { return w.maxRows }

// Result is a materialized result set.
type Result struct {
	Columns   []string         `json:"columns"`
	Rows      []map[string]any `json:"rows"`
	RowCount  int              `json:"row_count"`
	Truncated bool             `json:"truncated,omitempty"`
}

// Query cleans and validates stmt, then executes it. Rows beyond MaxRows are
// dropped and Truncated is set.
func (w *Warehouse) Query(ctx context.Context, stmt string) (Result, error) {
	stmt = CleanSQL(stmt)
	if err := ValidateReadOnly(stmt); err != nil {
		return Result{}, err
	}

	rows, err := w.db.QueryContext(ctx, stmt)
	if err != nil {
		return Result{}, fmt.Errorf("execute sql: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return Result{}, fmt.Errorf("read columns: %w", err)
	}
	res := Result{Columns: cols, Rows: []map[string]any{}}
	for rows.Next() {
		if res.RowCount >= w.maxRows {
			res.Truncated = true
			break
		}
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return Result{}, fmt.Errorf("scan row: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
				continue
			}
			row[c] = vals[i]
		}
		res.Rows = append(res.Rows, row)
		res.RowCount++
	}
	if err := rows.Err(); err != nil {
		return Result{}, fmt.Errorf("execute sql: %w", err)
	}
	return res, nil
}

var (
	fencePattern     = regexp.MustCompile("(?s)```(?:sql|SQL)?\\s*(.*?)```")
	leadingKeyword   = regexp.MustCompile(`(?i)^\s*(select|with|show|describe|desc|explain|pragma)\b`)
	// replace( is a scalar function; only REPLACE INTO writes.
	forbiddenPattern = regexp.MustCompile(`(?i)\b(drop|delete|update|insert|alter|create|replace\s+into|truncate|attach|detach|vacuum|grant|revoke)\b`)
	pragmaAllowed    = regexp.MustCompile(`(?i)^\s*pragma\s+table_info\s*\(`)
	selectStar       = regexp.MustCompile(`(?i)select\s+\*`)
	limitClause      = regexp.MustCompile(`(?i)\blimit\s+\d+`)
)

// CleanSQL strips markdown fences, a leading "SQL:" label and trailing
// semicolons from model output.
func CleanSQL(s string) string {
	if m := fencePattern.FindStringSubmatch(s); m != nil {
		s = m[1]
	}
	s = strings.TrimSpace(s)
	for _, label := range []string{"SQLQuery:", "SQL:", "sql:"} {
		s = strings.TrimSpace(strings.TrimPrefix(s, label))
	}
	return strings.TrimSpace(strings.TrimRight(s, "; \n\t"))
}

// ValidateReadOnly refuses anything but a single read-only statement.
func ValidateReadOnly(stmt string) error {
	if strings.TrimSpace(stmt) == "" {
		return fmt.Errorf("%w: empty statement", ErrRejected)
	}
	if strings.Contains(stripLiterals(stmt), ";") {
		return fmt.Errorf("%w: multiple statements", ErrRejected)
	}
	m := leadingKeyword.FindStringSubmatch(stmt)
	if m == nil {
		return fmt.Errorf("%w: not a read-only statement", ErrRejected)
	}
	if strings.EqualFold(m[1], "pragma") && !pragmaAllowed.MatchString(stmt) {
		return fmt.Errorf("%w: only PRAGMA table_info is allowed", ErrRejected)
	}
	if kw := forbiddenPattern.FindString(stripLiterals(stmt)); kw != "" {
		return fmt.Errorf("%w: %s is not a read-only statement", ErrRejected, strings.ToUpper(kw))
	}
	return nil
}

// OptimizationHints returns advisory notes for a valid statement.
func OptimizationHints(stmt string) []string {
	var hints []string
	if selectStar.MatchString(stmt) && !limitClause.MatchString(stmt) {
		hints = append(hints, "could be optimized: SELECT * without LIMIT")
	}
	return hints
}

// stripLiterals blanks quoted strings so keywords inside values do not trip
// validation.
func stripLiterals(s string) string {
	var b strings.Builder
	var quote rune
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
			b.WriteRune(' ')
		case r == '\'' || r == '"' || r == '`':
			quote = r
			b.WriteRune(' ')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
