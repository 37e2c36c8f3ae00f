// Package migrations embeds the trace_records schema for each supported SQL
// driver and applies it idempotently.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

//go:embed sqlite/*.sql postgres/*.sql
var embedded embed.FS

type dialect struct {
	createTable string
	claim       string
	listApplied string
}

var dialects = map[string]dialect{
	DriverSQLite: {
		createTable: `
CREATE TABLE IF NOT EXISTS schema_migrations (
    name TEXT PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`,
		claim:       `INSERT OR IGNORE INTO schema_migrations (name) VALUES (?)`,
		listApplied: `SELECT name FROM schema_migrations ORDER BY name`,
	},
	DriverPostgres: {
		createTable: `
CREATE TABLE IF NOT EXISTS schema_migrations (
    name TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`,
		claim:       `INSERT INTO schema_migrations (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`,
		listApplied: `SELECT name FROM schema_migrations ORDER BY name`,
	},
}

func lookup(driver string) (string, dialect, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	d, ok := dialects[driver]
	if !ok {
		return "", dialect{}, fmt.Errorf("unsupported migration driver %q", driver)
	}
	return driver, d, nil
}

// Names lists the embedded migrations for driver in apply order.
func Names(driver string) ([]string, error) {
	driver, _, err := lookup(driver)
	if err != nil {
		return nil, err
	}
	entries, err := fs.ReadDir(embedded, driver)
	if err != nil {
		return nil, fmt.Errorf("read embedded %s migrations: %w", driver, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ".sql") {
			continue
		}
		names = append(names, path.Join(driver, entry.Name()))
	}
	sort.Strings(names)
	return names, nil
}

// Apply runs every embedded migration for driver that has not been recorded
// in schema_migrations yet.
func Apply(ctx context.Context, db *sql.DB, driver string) error {
	if db == nil {
		return fmt.Errorf("database is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	driver, d, err := lookup(driver)
	if err != nil {
		return err
	}
	names, err := Names(driver)
	if err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, d.createTable); err != nil {
		return fmt.Errorf("ensure schema_migrations table: %w", err)
	}
	for _, name := range names {
		body, err := embedded.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if err := applyOne(ctx, db, d, name, string(body)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

// Pending lists embedded migrations not yet applied to db.
func Pending(ctx context.Context, db *sql.DB, driver string) ([]string, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	driver, d, err := lookup(driver)
	if err != nil {
		return nil, err
	}
	names, err := Names(driver)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, d.createTable); err != nil {
		return nil, fmt.Errorf("ensure schema_migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, d.listApplied)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()
	applied := make(map[string]bool, len(names))
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations: %w", err)
	}

	pending := make([]string, 0, len(names))
	for _, name := range names {
		if !applied[name] {
			pending = append(pending, name)
		}
	}
	return pending, nil
}

// applyOne claims name and runs statement in the same transaction, so a
// concurrent process that loses the claim skips the migration.
func applyOne(ctx context.Context, db *sql.DB, d dialect, name, statement string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx, d.claim, name)
	if err != nil {
		return fmt.Errorf("insert schema_migrations row: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read insert row count: %w", err)
	}
	if affected == 0 {
		return nil
	}

	if _, err := tx.ExecContext(ctx, statement); err != nil {
		return fmt.Errorf("execute migration sql: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
