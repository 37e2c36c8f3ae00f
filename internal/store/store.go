// Package store persists finished perf traces to SQLite or Postgres and
// answers list and duration statistics queries over them.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound      = errors.New("trace record not found")
	ErrInvalidCursor = errors.New("trace record cursor is invalid")
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	defaultQueryLimit = 50
	maxQueryLimit     = 500
)

// RecordWriter is the write side used by the asynchronous Writer.
type RecordWriter interface {
	WriteRecord(ctx context.Context, record *Record) error
	WriteBatch(ctx context.Context, records []*Record) error
}

type RecordStore interface {
	RecordWriter
	GetRecord(ctx context.Context, id string) (*Record, error)
	QueryRecords(ctx context.Context, filter RecordFilter) (*RecordResult, error)
	GetDurationStats(ctx context.Context, filter StatsFilter) ([]DurationStats, error)
	Close() error
}

// RecordFilter selects records for listing. From and To bound the trace
// start time. Results are newest first.
type RecordFilter struct {
	Name          string
	AppInstanceID string
	IsAuto        *bool
	From          time.Time
	To            time.Time
	Limit         int
	Cursor        string
}

type RecordResult struct {
	Items      []*Record
	NextCursor string
}

type StatsFilter struct {
	Name string
	From time.Time
	To   time.Time
}

// DurationStats summarizes trace durations for one trace name, in
// microseconds. Percentiles interpolate linearly between ranks.
type DurationStats struct {
	Name  string
	Count int64
	AvgUS float64
	MinUS int64
	MaxUS int64
	P50US float64
	P95US float64
	P99US float64
}

// Open connects to the store for driver. location is a file path for sqlite
// and a DSN for postgres.
func Open(driver, location string) (RecordStore, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverSQLite, "":
		return NewSQLiteStore(location)
	case DriverPostgres:
		return NewPostgresStore(location)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
}

func queryLimit(limit int) int {
	if limit <= 0 {
		return defaultQueryLimit
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}
