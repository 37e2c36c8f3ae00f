package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/ongoingai/perfmon/migrations"
)

type PostgresStore struct {
	DSN string
	db  *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}

	store := &PostgresStore{
		DSN: dsn,
		db:  db,
	}
	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrations.Apply(context.Background(), db, migrations.DriverPostgres); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure postgres schema: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) configure() error {
	if s.db == nil {
		return fmt.Errorf("postgres database is not initialized")
	}

	s.db.SetMaxOpenConns(20)
	s.db.SetMaxIdleConns(10)
	s.db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const postgresInsertRecord = `
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
) VALUES (
    $1,
    $2,
    $3,
    $4,
    $5,
    $6,
    $7,
    $8,
    $9::jsonb,
    $10::jsonb,
    $11,
    $12
)`

func postgresInsertArgs(row *Record) ([]any, error) {
	counters, err := json.Marshal(row.Counters)
	if err != nil {
		return nil, fmt.Errorf("encode counters: %w", err)
	}
	attributes, err := json.Marshal(row.Attributes)
	if err != nil {
		return nil, fmt.Errorf("encode attributes: %w", err)
	}
	return []any{
		row.ID,
		row.Name,
		row.IsAuto,
		row.AppID,
		row.AppInstanceID,
		row.PageURL,
		row.StartTime.UnixMicro(),
		row.DurationUS,
		string(counters),
		string(attributes),
		row.EventTime,
		row.CreatedAt,
	}, nil
}

func (s *PostgresStore) WriteRecord(ctx context.Context, record *Record) error {
	if record == nil {
		return nil
	}
	row, err := normalizeRecord(record)
	if err != nil {
		return err
	}
	args, err := postgresInsertArgs(row)
	if err != nil {
		return fmt.Errorf("write record %q: %w", row.ID, err)
	}
	if _, err := s.db.ExecContext(ctx, postgresInsertRecord, args...); err != nil {
		return fmt.Errorf("write record %q: %w", row.ID, err)
	}
	return nil
}

func (s *PostgresStore) WriteBatch(ctx context.Context, records []*Record) error {
	rows := make([][]any, 0, len(records))
	for _, record := range records {
		if record == nil {
			continue
		}
		row, err := normalizeRecord(record)
		if err != nil {
			return err
		}
		args, err := postgresInsertArgs(row)
		if err != nil {
			return fmt.Errorf("write record %q in batch: %w", row.ID, err)
		}
		rows = append(rows, args)
	}
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin postgres batch transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, postgresInsertRecord)
	if err != nil {
		return fmt.Errorf("prepare postgres batch insert: %w", err)
	}
	defer stmt.Close()

	for _, args := range rows {
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("write record %q in batch: %w", args[0], err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit postgres batch transaction: %w", err)
	}
	return nil
}

const postgresSelectColumns = `
id,
name,
is_auto,
app_id,
app_instance_id,
page_url,
start_time_us,
duration_us,
COALESCE(counters::text, ''),
COALESCE(attributes::text, ''),
event_time,
created_at
`

func (s *PostgresStore) GetRecord(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+postgresSelectColumns+" FROM trace_records WHERE id = $1 LIMIT 1", id)
	record, err := scanPostgresRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get record %q: %w", id, err)
	}
	return record, nil
}

func (s *PostgresStore) QueryRecords(ctx context.Context, filter RecordFilter) (*RecordResult, error) {
	limit := queryLimit(filter.Limit)
	builder, err := buildPostgresRecordWhere(filter)
	if err != nil {
		return nil, err
	}
	limitPlaceholder := builder.addArg(limit + 1)

	query := "SELECT " + postgresSelectColumns + " FROM trace_records WHERE " + builder.where() +
		" ORDER BY created_at DESC, id DESC LIMIT " + limitPlaceholder
	rows, err := s.db.QueryContext(ctx, query, builder.args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	items := make([]*Record, 0, limit+1)
	for rows.Next() {
		record, err := scanPostgresRecord(rows)
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

func (s *PostgresStore) GetDurationStats(ctx context.Context, filter StatsFilter) ([]DurationStats, error) {
	builder, err := buildPostgresRecordWhere(RecordFilter{Name: filter.Name, From: filter.From, To: filter.To})
	if err != nil {
		return nil, err
	}
	query := `
SELECT
    name,
    COUNT(*) AS record_count,
    COALESCE(AVG(duration_us), 0)::double precision AS avg_us,
    COALESCE(MIN(duration_us), 0) AS min_us,
    COALESCE(MAX(duration_us), 0) AS max_us,
    COALESCE(percentile_cont(0.50) WITHIN GROUP (ORDER BY duration_us), 0)::double precision AS p50_us,
    COALESCE(percentile_cont(0.95) WITHIN GROUP (ORDER BY duration_us), 0)::double precision AS p95_us,
    COALESCE(percentile_cont(0.99) WITHIN GROUP (ORDER BY duration_us), 0)::double precision AS p99_us
FROM trace_records
WHERE ` + builder.where() + `
GROUP BY name
ORDER BY record_count DESC, name ASC`

	rows, err := s.db.QueryContext(ctx, query, builder.args...)
	if err != nil {
		return nil, fmt.Errorf("query duration stats: %w", err)
	}
	defer rows.Close()

	stats := make([]DurationStats, 0)
	for rows.Next() {
		var item DurationStats
		if err := rows.Scan(
			&item.Name,
			&item.Count,
			&item.AvgUS,
			&item.MinUS,
			&item.MaxUS,
			&item.P50US,
			&item.P95US,
			&item.P99US,
		); err != nil {
			return nil, fmt.Errorf("scan duration stats row: %w", err)
		}
		stats = append(stats, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate duration stats rows: %w", err)
	}
	return stats, nil
}

func buildPostgresRecordWhere(filter RecordFilter) (*postgresWhereBuilder, error) {
	builder := newPostgresWhereBuilder()
	if filter.Name != "" {
		builder.addComparison("name", "=", filter.Name)
	}
	if filter.AppInstanceID != "" {
		builder.addComparison("app_instance_id", "=", filter.AppInstanceID)
	}
	if filter.IsAuto != nil {
		builder.addComparison("is_auto", "=", *filter.IsAuto)
	}
	if !filter.From.IsZero() {
		builder.addComparison("start_time_us", ">=", filter.From.UnixMicro())
	}
	if !filter.To.IsZero() {
		builder.addComparison("start_time_us", "<=", filter.To.UnixMicro())
	}
	if filter.Cursor != "" {
		createdAt, id, err := decodeCursor(filter.Cursor)
		if err != nil {
			return nil, err
		}
		createdPlaceholder := builder.addArg(createdAt)
		idPlaceholder := builder.addArg(id)
		builder.addCondition("(created_at < " + createdPlaceholder + " OR (created_at = " + createdPlaceholder + " AND id < " + idPlaceholder + "))")
	}
	return builder, nil
}

type postgresWhereBuilder struct {
	conditions []string
	args       []any
}

func newPostgresWhereBuilder() *postgresWhereBuilder {
	return &postgresWhereBuilder{
		conditions: make([]string, 0, 8),
		args:       make([]any, 0, 8),
	}
}

func (b *postgresWhereBuilder) addArg(value any) string {
	b.args = append(b.args, value)
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *postgresWhereBuilder) addComparison(column, operator string, value any) {
	placeholder := b.addArg(value)
	b.conditions = append(b.conditions, column+" "+operator+" "+placeholder)
}

func (b *postgresWhereBuilder) addCondition(condition string) {
	b.conditions = append(b.conditions, condition)
}

func (b *postgresWhereBuilder) where() string {
	if len(b.conditions) == 0 {
		return "1=1"
	}
	return strings.Join(b.conditions, " AND ")
}

func scanPostgresRecord(scanner rowScanner) (*Record, error) {
	var (
		record      Record
		startTimeUS int64
		counters    string
		attributes  string
	)
	if err := scanner.Scan(
		&record.ID,
		&record.Name,
		&record.IsAuto,
		&record.AppID,
		&record.AppInstanceID,
		&record.PageURL,
		&startTimeUS,
		&record.DurationUS,
		&counters,
		&attributes,
		&record.EventTime,
		&record.CreatedAt,
	); err != nil {
		return nil, err
	}

	record.StartTime = time.UnixMicro(startTimeUS).UTC()
	record.EventTime = record.EventTime.UTC()
	record.CreatedAt = record.CreatedAt.UTC()
	if err := decodeJSONColumn(counters, &record.Counters); err != nil {
		return nil, fmt.Errorf("decode counters: %w", err)
	}
	if err := decodeJSONColumn(attributes, &record.Attributes); err != nil {
		return nil, fmt.Errorf("decode attributes: %w", err)
	}
	return &record, nil
}
