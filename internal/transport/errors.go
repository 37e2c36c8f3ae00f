package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

var (
	ErrExhausted      = errors.New("transport retry budget exhausted")
	ErrStopped        = errors.New("transport dispatcher stopped")
	ErrRejected       = errors.New("transport request rejected")
	ErrDecodeResponse = errors.New("transport response could not be decoded")
)

// Error class constants for dispatch failure classification.
const (
	DispatchErrorClassConnection = "connection"
	DispatchErrorClassTimeout    = "timeout"
	DispatchErrorClassRejected   = "rejected"
	DispatchErrorClassDecode     = "decode"
	DispatchErrorClassUnknown    = "unknown"
)

// StatusError reports a non-2xx response from the log endpoint.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("log endpoint returned status %d", e.StatusCode)
}

func (e *StatusError) Unwrap() error {
	return ErrRejected
}

// ClassifyDispatchError maps a dispatch error to one of the defined error
// classes.
func ClassifyDispatchError(err error) string {
	if err == nil {
		return DispatchErrorClassUnknown
	}

	if errors.Is(err, ErrRejected) {
		return DispatchErrorClassRejected
	}
	if errors.Is(err, ErrDecodeResponse) {
		return DispatchErrorClassDecode
	}

	// Timeout before connection, since net.Error can be both.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return DispatchErrorClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return DispatchErrorClassTimeout
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return DispatchErrorClassConnection
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) {
		return DispatchErrorClassConnection
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "eof"):
		return DispatchErrorClassConnection
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return DispatchErrorClassTimeout
	}
	return DispatchErrorClassUnknown
}
