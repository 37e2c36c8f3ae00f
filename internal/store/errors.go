package store

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
)

// Error class constants for record write failure classification.
const (
	WriteErrorClassConnection = "connection"
	WriteErrorClassTimeout    = "timeout"
	WriteErrorClassContention = "contention"
	WriteErrorClassConstraint = "constraint"
	WriteErrorClassUnknown    = "unknown"
)

// Primary SQLite result codes; extended codes carry them in the low byte.
const (
	sqliteCodeBusy       = 5
	sqliteCodeLocked     = 6
	sqliteCodeConstraint = 19
)

// ClassifyWriteError maps a record write error to one of the defined error
// classes so operators can alert on failure categories rather than opaque
// driver messages.
func ClassifyWriteError(err error) string {
	if err == nil {
		return WriteErrorClassUnknown
	}

	if class, ok := classifyDriverError(err); ok {
		return class
	}

	// Timeout before connection, since net.Error can be both.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return WriteErrorClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return WriteErrorClassTimeout
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return WriteErrorClassConnection
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) {
		return WriteErrorClassConnection
	}

	// Wrapped errors where the driver type was lost.
	msg := strings.ToLower(err.Error())
	switch {
	case isConnectionString(msg):
		return WriteErrorClassConnection
	case isTimeoutString(msg):
		return WriteErrorClassTimeout
	case isContentionString(msg):
		return WriteErrorClassContention
	case isConstraintString(msg):
		return WriteErrorClassConstraint
	}
	return WriteErrorClassUnknown
}

func classifyDriverError(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), pgErr.Code == "57P01":
			return WriteErrorClassConnection, true
		case pgErr.Code == "57014":
			return WriteErrorClassTimeout, true
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "55P03":
			return WriteErrorClassContention, true
		case strings.HasPrefix(pgErr.Code, "23"):
			return WriteErrorClassConstraint, true
		}
		return "", false
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqliteCodeBusy, sqliteCodeLocked:
			return WriteErrorClassContention, true
		case sqliteCodeConstraint:
			return WriteErrorClassConstraint, true
		}
	}
	return "", false
}

func isConnectionString(msg string) bool {
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "no such host")
}

func isTimeoutString(msg string) bool {
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded")
}

func isContentionString(msg string) bool {
	return strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "database is locked")
}

func isConstraintString(msg string) bool {
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "violates check constraint") ||
		strings.Contains(msg, "duplicate key")
}
