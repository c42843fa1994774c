package emitter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

var (
	// ErrQueueFull reports that a record was dropped because the async
	// delivery queue had no room.
	ErrQueueFull = errors.New("emitter queue is full")
	// ErrStopped reports that the emitter no longer accepts records.
	ErrStopped = errors.New("emitter is stopped")
)

// Failure classes attached to sink write failures.
const (
	FailureClassConnection = "connection"
	FailureClassTimeout    = "timeout"
	FailureClassContention = "contention"
	FailureClassConstraint = "constraint"
	FailureClassHTTPStatus = "http_status"
	FailureClassPanic      = "panic"
	FailureClassUnknown    = "unknown"
)

// StatusError is returned by HTTP sinks when the ingest endpoint answers with
// a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("event endpoint returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("event endpoint returned status %d: %s", e.StatusCode, e.Body)
}

// PanicError wraps a value recovered from a panicking sink.
type PanicError struct {
	Sink  string
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("sink %s panicked: %v", e.Sink, e.Value)
}

// ClassifyError maps a sink error to a failure class for logs, metrics and
// diagnostics.
func ClassifyError(err error) string {
	if err == nil {
		return FailureClassUnknown
	}

	var panicErr *PanicError
	if errors.As(err, &panicErr) {
		return FailureClassPanic
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return FailureClassHTTPStatus
	}

	// Timeouts first: a net.Error can be both.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return FailureClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureClassTimeout
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return FailureClassConnection
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) {
		return FailureClassConnection
	}

	// Driver errors often lose their type once wrapped.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "no such host"):
		return FailureClassConnection
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"):
		return FailureClassTimeout
	case strings.Contains(msg, "sqlite_busy"),
		strings.Contains(msg, "database is locked"):
		return FailureClassContention
	case strings.Contains(msg, "violates foreign key constraint"),
		strings.Contains(msg, "violates unique constraint"),
		strings.Contains(msg, "violates check constraint"),
		strings.Contains(msg, "unique constraint failed"),
		strings.Contains(msg, "duplicate key"):
		return FailureClassConstraint
	}
	return FailureClassUnknown
}
