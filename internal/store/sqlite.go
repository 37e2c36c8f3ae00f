package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ongoingai/perfmon/migrations"
)

// sqliteTimeLayout is fixed width so text comparison orders timestamps.
const sqliteTimeLayout = "2006-01-02 15:04:05.000000"

type SQLiteStore struct {
	Path string
	db   *sql.DB
	// SQLite allows one writer at a time; serialize writes to avoid
	// SQLITE_BUSY between concurrent WriteRecord/WriteBatch callers.
	writeMu sync.Mutex
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}
	store := &SQLiteStore{Path: path, db: db}
	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrations.Apply(context.Background(), db, migrations.DriverSQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure sqlite schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) configure() error {
	pragmas := []struct {
		stmt string
		what string
	}{
		{stmt: `PRAGMA journal_mode = WAL;`, what: "enable sqlite WAL mode"},
		{stmt: `PRAGMA synchronous = NORMAL;`, what: "set sqlite synchronous mode"},
		{stmt: `PRAGMA busy_timeout = 5000;`, what: "set sqlite busy timeout"},
	}
	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma.stmt); err != nil {
			return fmt.Errorf("%s: %w", pragma.what, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const sqliteInsertRecord = `
INSERT INTO trace_records (
    id,
    name,
    is_auto,
    app_id,
    app_instance_id,
    page_url,
    start_time_us,
    duration_us,
    counters,
    attributes,
    event_time,
    created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func sqliteInsertArgs(row *Record) ([]any, error) {
	counters, err := json.Marshal(row.Counters)
	if err != nil {
		return nil, fmt.Errorf("encode counters: %w", err)
	}
	attributes, err := json.Marshal(row.Attributes)
	if err != nil {
		return nil, fmt.Errorf("encode attributes: %w", err)
	}
	isAuto := 0
	if row.IsAuto {
		isAuto = 1
	}
	return []any{
		row.ID,
		row.Name,
		isAuto,
		row.AppID,
		row.AppInstanceID,
		row.PageURL,
		row.StartTime.UnixMicro(),
		row.DurationUS,
		string(counters),
		string(attributes),
		row.EventTime.Format(sqliteTimeLayout),
		row.CreatedAt.Format(sqliteTimeLayout),
	}, nil
}

func (s *SQLiteStore) WriteRecord(ctx context.Context, record *Record) error {
	if record == nil {
		return nil
	}
	row, err := normalizeRecord(record)
	if err != nil {
		return err
	}
	args, err := sqliteInsertArgs(row)
	if err != nil {
		return fmt.Errorf("write record %q: %w", row.ID, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err = retrySQLiteBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, sqliteInsertRecord, args...)
		return err
	})
	if err != nil {
		return fmt.Errorf("write record %q: %w", row.ID, err)
	}
	return nil
}

func (s *SQLiteStore) WriteBatch(ctx context.Context, records []*Record) error {
	rows := make([][]any, 0, len(records))
	for _, record := range records {
		if record == nil {
			continue
		}
		row, err := normalizeRecord(record)
		if err != nil {
			return err
		}
		args, err := sqliteInsertArgs(row)
		if err != nil {
			return fmt.Errorf("write record %q in batch: %w", row.ID, err)
		}
		rows = append(rows, args)
	}
	if len(rows) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return retrySQLiteBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin sqlite batch transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		stmt, err := tx.PrepareContext(ctx, sqliteInsertRecord)
		if err != nil {
			return fmt.Errorf("prepare sqlite batch insert: %w", err)
		}
		defer stmt.Close()

		for _, args := range rows {
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return fmt.Errorf("write record %q in batch: %w", args[0], err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit sqlite batch transaction: %w", err)
		}
		return nil
	})
}

const (
	sqliteBusyMaxRetries     = 12
	sqliteBusyInitialBackoff = 5 * time.Millisecond
	sqliteBusyMaxBackoff     = 250 * time.Millisecond
)

// retrySQLiteBusy retries fn while SQLite reports lock contention.
func retrySQLiteBusy(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     sqliteBusyInitialBackoff,
		RandomizationFactor: 0.1,
		Multiplier:          2,
		MaxInterval:         sqliteBusyMaxBackoff,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(b, sqliteBusyMaxRetries), ctx)

	return backoff.Retry(func() error {
		err := fn()
		if err != nil && !isSQLiteBusyError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classifyDriverError(err); ok {
		return class == WriteErrorClassContention
	}
	return isContentionString(strings.ToLower(err.Error()))
}

const sqliteSelectColumns = `
id,
name,
is_auto,
app_id,
app_instance_id,
page_url,
start_time_us,
duration_us,
counters,
attributes,
event_time,
created_at
`

func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+sqliteSelectColumns+" FROM trace_records WHERE id = ? LIMIT 1", id)
	record, err := scanSQLiteRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get record %q: %w", id, err)
	}
	return record, nil
}

func (s *SQLiteStore) QueryRecords(ctx context.Context, filter RecordFilter) (*RecordResult, error) {
	limit := queryLimit(filter.Limit)
	whereSQL, args, err := buildSQLiteRecordWhere(filter)
	if err != nil {
		return nil, err
	}
	args = append(args, limit+1)

	query := "SELECT " + sqliteSelectColumns + " FROM trace_records WHERE " + whereSQL + " ORDER BY created_at DESC, id DESC LIMIT ?"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	items := make([]*Record, 0, limit+1)
	for rows.Next() {
		record, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		items = append(items, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate record rows: %w", err)
	}
	return pageResult(items, limit), nil
}

// GetDurationStats aggregates in Go because SQLite has no percentile_cont.
func (s *SQLiteStore) GetDurationStats(ctx context.Context, filter StatsFilter) ([]DurationStats, error) {
	whereSQL, args, err := buildSQLiteRecordWhere(RecordFilter{Name: filter.Name, From: filter.From, To: filter.To})
	if err != nil {
		return nil, err
	}
	query := "SELECT name, duration_us FROM trace_records WHERE " + whereSQL + " ORDER BY name ASC, duration_us ASC"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query duration stats: %w", err)
	}
	defer rows.Close()

	byName := make(map[string][]int64)
	for rows.Next() {
		var (
			name     string
			duration int64
		)
		if err := rows.Scan(&name, &duration); err != nil {
			return nil, fmt.Errorf("scan duration row: %w", err)
		}
		byName[name] = append(byName[name], duration)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate duration rows: %w", err)
	}

	stats := make([]DurationStats, 0, len(byName))
	for name, durations := range byName {
		stats = append(stats, summarizeDurations(name, durations))
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Count != stats[j].Count {
			return stats[i].Count > stats[j].Count
		}
		return stats[i].Name < stats[j].Name
	})
	return stats, nil
}

func buildSQLiteRecordWhere(filter RecordFilter) (string, []any, error) {
	where := make([]string, 0, 6)
	args := make([]any, 0, 8)

	if filter.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filter.Name)
	}
	if filter.AppInstanceID != "" {
		where = append(where, "app_instance_id = ?")
		args = append(args, filter.AppInstanceID)
	}
	if filter.IsAuto != nil {
		where = append(where, "is_auto = ?")
		if *filter.IsAuto {
			args = append(args, 1)
		} else {
			args = append(args, 0)
		}
	}
	if !filter.From.IsZero() {
		where = append(where, "start_time_us >= ?")
		args = append(args, filter.From.UnixMicro())
	}
	if !filter.To.IsZero() {
		where = append(where, "start_time_us <= ?")
		args = append(args, filter.To.UnixMicro())
	}
	if filter.Cursor != "" {
		createdAt, id, err := decodeCursor(filter.Cursor)
		if err != nil {
			return "", nil, err
		}
		created := createdAt.Format(sqliteTimeLayout)
		where = append(where, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, created, created, id)
	}

	if len(where) == 0 {
		return "1=1", args, nil
	}
	return strings.Join(where, " AND "), args, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(scanner rowScanner) (*Record, error) {
	var (
		record      Record
		isAuto      int64
		startTimeUS int64
		counters    sql.NullString
		attributes  sql.NullString
		eventTime   sql.NullString
		createdAt   sql.NullString
	)
	if err := scanner.Scan(
		&record.ID,
		&record.Name,
		&isAuto,
		&record.AppID,
		&record.AppInstanceID,
		&record.PageURL,
		&startTimeUS,
		&record.DurationUS,
		&counters,
		&attributes,
		&eventTime,
		&createdAt,
	); err != nil {
		return nil, err
	}

	record.IsAuto = isAuto != 0
	record.StartTime = time.UnixMicro(startTimeUS).UTC()
	if err := decodeJSONColumn(counters.String, &record.Counters); err != nil {
		return nil, fmt.Errorf("decode counters: %w", err)
	}
	if err := decodeJSONColumn(attributes.String, &record.Attributes); err != nil {
		return nil, fmt.Errorf("decode attributes: %w", err)
	}
	var err error
	if record.EventTime, err = parseSQLiteTimestamp(eventTime.String); err != nil {
		return nil, fmt.Errorf("parse event_time %q: %w", eventTime.String, err)
	}
	if record.CreatedAt, err = parseSQLiteTimestamp(createdAt.String); err != nil {
		return nil, fmt.Errorf("parse created_at %q: %w", createdAt.String, err)
	}
	return &record, nil
}

// decodeJSONColumn leaves dst nil for empty objects.
func decodeJSONColumn[T any](raw string, dst *map[string]T) error {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "{}" || raw == "null" {
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}

func parseSQLiteTimestamp(raw string) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}
	if parsed, err := time.ParseInLocation(sqliteTimeLayout, value, time.UTC); err == nil {
		return parsed.UTC(), nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00"} {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported sqlite datetime format")
}
