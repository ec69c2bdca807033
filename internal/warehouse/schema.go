package warehouse

import (
	"context"
	"fmt"
	"strings"
)

const (
	missingTableListLimit = 10
	overviewTableLimit    = 15
	overviewColumnLimit   = 10
)

// Column describes one table column.
type Column struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	PrimaryKey bool   `json:"primary_key"`
	NotNull    bool   `json:"not_null"`
}

// Tables lists user tables in name order.
func (w *Warehouse) Tables(ctx context.Context) ([]string, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type IN ('table', 'view') AND name NOT LIKE 'sqlite_%'
		ORDER BY name;`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// Columns returns the columns of table.
func (w *Warehouse) Columns(ctx context.Context, table string) ([]Column, error) {
	rows, err := w.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s);`, quoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()
	var out []Column
	for rows.Next() {
		var (
			cid     int
			c       Column
			notNull int
			dflt    any
			pk      int
		)
		if err := rows.Scan(&cid, &c.Name, &c.Type, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		c.NotNull = notNull != 0
		c.PrimaryKey = pk != 0
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetDatabaseSchema describes one table, or gives an overview of the
// database when table is empty. An unknown table is an error that lists
// the tables that do exist.
func (w *Warehouse) GetDatabaseSchema(ctx context.Context, table string) (string, error) {
	tables, err := w.Tables(ctx)
	if err != nil {
		return "", err
	}
	table = strings.TrimSpace(table)
	if table == "" {
		return w.overview(ctx, tables)
	}

	if !contains(tables, table) {
		shown := tables
		if len(shown) > missingTableListLimit {
			shown = shown[:missingTableListLimit]
		}
		return "", fmt.Errorf("table %q not found; available tables: %s", table, strings.Join(shown, ", "))
	}
	cols, err := w.Columns(ctx, table)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Table %s:\n", table)
	for _, c := range cols {
		fmt.Fprintf(&b, "- %s (%s)", c.Name, typeOrAny(c.Type))
		if c.PrimaryKey {
			b.WriteString(" [PK]")
		}
		if c.NotNull {
			b.WriteString(" [NOT NULL]")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (w *Warehouse) overview(ctx context.Context, tables []string) (string, error) {
	if len(tables) == 0 {
		return "The database has no tables.", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Database overview: %d tables\n", len(tables))
	for i, t := range tables {
		if i == overviewTableLimit {
			fmt.Fprintf(&b, "\n... %d more tables not shown\n", len(tables)-overviewTableLimit)
			break
		}
		cols, err := w.Columns(ctx, t)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "\nTable %s:\n", t)
		for j, c := range cols {
			if j == overviewColumnLimit {
				fmt.Fprintf(&b, "  ... %d more columns\n", len(cols)-overviewColumnLimit)
				break
			}
			fmt.Fprintf(&b, "  - %s (%s)", c.Name, typeOrAny(c.Type))
			if c.PrimaryKey {
				b.WriteString(" [PK]")
			}
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func typeOrAny(t string) string {
	if t == "" {
		return "ANY"
	}
	return t
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
