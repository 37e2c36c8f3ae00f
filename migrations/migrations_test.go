package migrations

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "perfmon.db"))
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

func TestApplySQLiteCreatesTraceRecords(t *testing.T) {
	t.Parallel()

	db := openSQLite(t)
	if err := Apply(context.Background(), db, DriverSQLite); err != nil {
		t.Fatalf("Apply() error: %v", err)
	}

	if !sqliteObjectExists(t, db, "table", "trace_records") {
		t.Fatal("expected trace_records table after migrations")
	}
	for _, index := range []string{"idx_trace_records_name_start", "idx_trace_records_created_id"} {
		if !sqliteObjectExists(t, db, "index", index) {
			t.Fatalf("expected index %s after migrations", index)
		}
	}

	pending, err := Pending(context.Background(), db, DriverSQLite)
	if err != nil {
		t.Fatalf("Pending() error: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending=%v, want none", pending)
	}
}

func TestApplySQLiteIsIdempotent(t *testing.T) {
	t.Parallel()

	db := openSQLite(t)
	if err := Apply(context.Background(), db, DriverSQLite); err != nil {
		t.Fatalf("first Apply() error: %v", err)
	}
	first := countApplied(t, db)

	if err := Apply(context.Background(), db, " SQLite "); err != nil {
		t.Fatalf("second Apply() error: %v", err)
	}
	if second := countApplied(t, db); second != first {
		t.Fatalf("schema_migrations count changed after re-apply: first=%d second=%d", first, second)
	}
}

func TestPendingBeforeApply(t *testing.T) {
	t.Parallel()

	db := openSQLite(t)
	pending, err := Pending(context.Background(), db, DriverSQLite)
	if err != nil {
		t.Fatalf("Pending() error: %v", err)
	}
	names, err := Names(DriverSQLite)
	if err != nil {
		t.Fatalf("Names() error: %v", err)
	}
	if len(names) == 0 || len(pending) != len(names) {
		t.Fatalf("pending=%v names=%v, want every migration pending", pending, names)
	}
	if names[0] != "sqlite/0001_trace_records.sql" {
		t.Fatalf("first migration=%q", names[0])
	}
}

func TestNamesCoverBothDrivers(t *testing.T) {
	t.Parallel()

	sqliteNames, err := Names(DriverSQLite)
	if err != nil {
		t.Fatalf("Names(sqlite) error: %v", err)
	}
	postgresNames, err := Names(DriverPostgres)
	if err != nil {
		t.Fatalf("Names(postgres) error: %v", err)
	}
	if len(sqliteNames) != len(postgresNames) {
		t.Fatalf("sqlite migrations=%v postgres migrations=%v, want matching sets", sqliteNames, postgresNames)
	}
}

func TestApplyRejectsUnsupportedDriver(t *testing.T) {
	t.Parallel()

	db := openSQLite(t)
	if err := Apply(context.Background(), db, "mysql"); err == nil {
		t.Fatal("Apply() error=nil, want unsupported driver error")
	}
	if err := Apply(context.Background(), nil, DriverSQLite); err == nil {
		t.Fatal("Apply(nil db) error=nil, want error")
	}
}

func countApplied(t *testing.T, db *sql.DB) int {
	t.Helper()

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("count schema_migrations rows: %v", err)
	}
	return count
}

func sqliteObjectExists(t *testing.T, db *sql.DB, kind, name string) bool {
	t.Helper()

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?`, kind, name).Scan(&count); err != nil {
		t.Fatalf("query sqlite_master for %s %q: %v", kind, name, err)
	}
	return count > 0
}
