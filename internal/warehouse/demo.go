package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
)

var demoCities = []string{"Shanghai", "Beijing", "Shenzhen", "Hangzhou", "Chengdu"}

var demoProducts = []struct {
	name     string
	category string
}{
	{"Savings Plus", "deposit"},
	{"Fixed Term 12M", "deposit"},
	{"Balanced Fund", "fund"},
	{"Equity Fund", "fund"},
	{"Home Loan", "loan"},
	{"Credit Card", "card"},
}

// SeedDemo writes a small customer warehouse to path: customers, products
// and holdings. Existing demo tables are replaced. The data is
// deterministic so examples and tests give stable answers.
func SeedDemo(ctx context.Context, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create warehouse directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("open warehouse: %w", err)
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin seed tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`DROP TABLE IF EXISTS holdings;`,
		`DROP TABLE IF EXISTS products;`,
		`DROP TABLE IF EXISTS customers;`,
		`CREATE TABLE customers (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			age INTEGER NOT NULL,
			city TEXT NOT NULL,
			segment TEXT NOT NULL,
			balance REAL NOT NULL,
			risk_level TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE products (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			category TEXT NOT NULL
		);`,
		`CREATE TABLE holdings (
			customer_id INTEGER NOT NULL REFERENCES customers(id),
			product_id INTEGER NOT NULL REFERENCES products(id),
			amount REAL NOT NULL,
			PRIMARY KEY (customer_id, product_id)
		);`,
	}
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("seed schema: %w", err)
		}
	}

	for i, p := range demoProducts {
		if _, err := tx.ExecContext(ctx, `INSERT INTO products (id, name, category) VALUES (?, ?, ?);`,
			i+1, p.name, p.category); err != nil {
			return fmt.Errorf("seed products: %w", err)
		}
	}

	for id := 1; id <= 60; id++ {
		age := 18 + (id*7)%60
		balance := float64(1000 + (id*id*37)%90000)
		segment := "standard"
		if balance > 60000 {
			segment = "high_value"
		}
		risk := []string{"low", "medium", "high"}[id%3]
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO customers (id, name, age, city, segment, balance, risk_level, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
			id, fmt.Sprintf("Customer %02d", id), age, demoCities[id%len(demoCities)],
			segment, balance, risk, fmt.Sprintf("2025-%02d-%02d", 1+id%12, 1+id%28)); err != nil {
			return fmt.Errorf("seed customers: %w", err)
		}
		// Older customers hold more products.
		held := 1 + age/20
		for k := 0; k < held && k < len(demoProducts); k++ {
			pid := 1 + (id+k)%len(demoProducts)
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO holdings (customer_id, product_id, amount) VALUES (?, ?, ?);`,
				id, pid, float64(500*(k+1)+id*10)); err != nil {
				return fmt.Errorf("seed holdings: %w", err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit seed tx: %w", err)
	}
	return nil
}
