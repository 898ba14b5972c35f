package rulebase

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"nre/pkg/dbmanager"
	"nre/pkg/parser"
	"nre/pkg/ruleindex"
)

// CatalogTable stores rule bases as ordered source rows.
const CatalogTable = "rule_base"

func textType(d dbmanager.Dialect) string {
	switch d.Name() {
	case "sqlserver":
		return "NVARCHAR(MAX)"
	case "mysql":
		return "LONGTEXT"
	}
	return "TEXT"
}

// EnsureCatalogSchema creates the rule_base table when it does not exist.
func EnsureCatalogSchema(ctx context.Context, db *sql.DB, d dbmanager.Dialect) error {
	q := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s VARCHAR(255) NOT NULL, %s INTEGER NOT NULL, %s %s NOT NULL, %s BIGINT NOT NULL)",
		d.QuoteIdentifier(CatalogTable),
		d.QuoteIdentifier("base_name"),
		d.QuoteIdentifier("seq"),
		d.QuoteIdentifier("body"), textType(d),
		d.QuoteIdentifier("modify_ts"))
	if _, err := db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("rulebase: create %s: %w", CatalogTable, err)
	}
	return nil
}

// StoreInCatalog replaces the rows of base with bodies, one row per body.
func StoreInCatalog(ctx context.Context, db *sql.DB, d dbmanager.Dialect, base string, bodies []string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	del := fmt.Sprintf("DELETE FROM %s WHERE %s = %s",
		d.QuoteIdentifier(CatalogTable), d.QuoteIdentifier("base_name"), d.Placeholder(1))
	if _, err := tx.ExecContext(ctx, del, base); err != nil {
		return fmt.Errorf("rulebase: clear %s: %w", base, err)
	}
	ins := fmt.Sprintf("INSERT INTO %s (%s, %s, %s, %s) VALUES (%s)",
		d.QuoteIdentifier(CatalogTable),
		d.QuoteIdentifier("base_name"),
		d.QuoteIdentifier("seq"),
		d.QuoteIdentifier("body"),
		d.QuoteIdentifier("modify_ts"),
		dbmanager.Placeholders(d, 1, 4))
	now := time.Now().Unix()
	for i, body := range bodies {
		if _, err := tx.ExecContext(ctx, ins, base, i, body, now); err != nil {
			return fmt.Errorf("rulebase: store %s row %d: %w", base, i, err)
		}
	}
	return tx.Commit()
}

// LoadFromCatalog parses the rows of base in seq order into the app space.
// The system space stays empty; catalog rule bases extend a file-based core.
func LoadFromCatalog(ctx context.Context, db *sql.DB, d dbmanager.Dialect, base string, threshold int) (*Loaded, error) {
	q := fmt.Sprintf("SELECT %s, %s, %s FROM %s WHERE %s = %s ORDER BY %s ASC",
		d.QuoteIdentifier("seq"),
		d.QuoteIdentifier("body"),
		d.QuoteIdentifier("modify_ts"),
		d.QuoteIdentifier(CatalogTable),
		d.QuoteIdentifier("base_name"), d.Placeholder(1),
		d.QuoteIdentifier("seq"))
	rows, err := db.QueryContext(ctx, q, base)
	if err != nil {
		return nil, fmt.Errorf("rulebase: query %s: %w", base, err)
	}
	defer rows.Close()

	app := ruleindex.NewRuleSet()
	var newest int64
	n := 0
	for rows.Next() {
		var (
			seq  int
			body string
			ts   int64
		)
		if err := rows.Scan(&seq, &body, &ts); err != nil {
			return nil, err
		}
		rules, err := parser.ParseRules(body, fmt.Sprintf("%s#%d", base, seq))
		if err != nil {
			return nil, fmt.Errorf("rulebase: %s row %d: %w", base, seq, err)
		}
		for _, r := range rules {
			app.Append(r)
		}
		if ts > newest {
			newest = ts
		}
		n++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("rulebase: no rows for %q in %s", base, CatalogTable)
	}
	return index(base, ruleindex.NewRuleSet(), app, time.Unix(newest, 0), threshold)
}
