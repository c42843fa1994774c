package emitter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: FailureClassUnknown},
		{name: "deadline", err: fmt.Errorf("write: %w", context.DeadlineExceeded), want: FailureClassTimeout},
		{name: "net timeout", err: timeoutErr{}, want: FailureClassTimeout},
		{name: "op error", err: &net.OpError{Op: "dial", Err: errors.New("refused")}, want: FailureClassConnection},
		{name: "econnreset", err: fmt.Errorf("post: %w", syscall.ECONNRESET), want: FailureClassConnection},
		{name: "sqlite busy", err: errors.New("database is locked (5) (SQLITE_BUSY)"), want: FailureClassContention},
		{name: "unique", err: errors.New("UNIQUE constraint failed: llm_events.id"), want: FailureClassConstraint},
		{name: "http status", err: fmt.Errorf("flush: %w", &StatusError{StatusCode: 429}), want: FailureClassHTTPStatus},
		{name: "panic", err: &PanicError{Sink: "log", Value: "boom"}, want: FailureClassPanic},
		{name: "other", err: errors.New("something odd"), want: FailureClassUnknown},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ClassifyError(tt.err); got != tt.want {
				t.Fatalf("ClassifyError(%v)=%q, want %q", tt.err, got, tt.want)
			}
		})
	}
}
