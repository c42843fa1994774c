package llmevent

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

type sliceSource struct {
	deltas []Delta
	failAt int
	err    error
	pulled int
}

func (s *sliceSource) Recv() (Delta, error) {
	if s.err != nil && s.pulled == s.failAt {
		return Delta{}, s.err
	}
	if s.pulled >= len(s.deltas) {
		return Delta{}, io.EOF
	}
	d := s.deltas[s.pulled]
	s.pulled++
	return d, nil
}

func textDeltas(parts ...string) []Delta {
	out := make([]Delta, 0, len(parts))
	for _, p := range parts {
		out = append(out, Delta{Text: p})
	}
	return out
}

func TestAggregatorConcatenatesInArrivalOrder(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		deltas []Delta
		want   string
	}{
		{name: "pirate joke", deltas: textDeltas("Why", " did", " the", " pirate..."), want: "Why did the pirate..."},
		{name: "empty stream", deltas: nil, want: ""},
		{name: "skips empty fragments", deltas: textDeltas("", "a", "", "b"), want: "ab"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var observed []string
			agg := NewAggregator(func(s string) { observed = append(observed, s) })
			result, err := agg.Consume(context.Background(), &sliceSource{deltas: tt.deltas})
			if err != nil {
				t.Fatalf("Consume() error: %v", err)
			}
			if result.Text != tt.want {
				t.Fatalf("text=%q, want %q", result.Text, tt.want)
			}
			if agg.State() != StateCompleted {
				t.Fatalf("state=%v, want completed", agg.State())
			}
			if strings.Join(observed, "") != tt.want {
				t.Fatalf("observed=%q, want %q", strings.Join(observed, ""), tt.want)
			}
			for _, s := range observed {
				if s == "" {
					t.Fatal("OnDelta observed an empty fragment")
				}
			}
		})
	}
}

func TestAggregatorKeepsStreamMetadata(t *testing.T) {
	t.Parallel()

	deltas := []Delta{
		{ResponseID: "chatcmpl-1", Model: "gpt-4o-mini", Text: "Arr"},
		{ResponseID: "chatcmpl-1", Text: "!"},
		{FinishReason: "stop"},
		{Usage: &Usage{InputTokens: 12, OutputTokens: 3}},
	}

	result, err := NewAggregator(nil).Consume(context.Background(), &sliceSource{deltas: deltas})
	if err != nil {
		t.Fatalf("Consume() error: %v", err)
	}
	want := CompletionResult{
		ResponseID:   "chatcmpl-1",
		Model:        "gpt-4o-mini",
		FinishReason: "stop",
		InputTokens:  12,
		OutputTokens: 3,
		Text:         "Arr!",
	}
	if result != want {
		t.Fatalf("result=%+v, want %+v", result, want)
	}
}

func TestAggregatorFailsOnTransportError(t *testing.T) {
	t.Parallel()

	transportErr := errors.New("connection reset by peer")
	src := &sliceSource{deltas: textDeltas("a", "b", "c", "d", "e"), failAt: 2, err: transportErr}

	agg := NewAggregator(nil)
	result, err := agg.Consume(context.Background(), src)
	if !errors.Is(err, transportErr) {
		t.Fatalf("Consume() error=%v, want %v", err, transportErr)
	}
	if result.Text != "" {
		t.Fatalf("text=%q, want partial text discarded", result.Text)
	}
	if agg.State() != StateFailed {
		t.Fatalf("state=%v, want failed", agg.State())
	}
}

func TestAggregatorCancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	src := &cancellingSource{cancel: cancel, deltas: textDeltas("a", "b", "c")}

	agg := NewAggregator(nil)
	result, err := agg.Consume(ctx, src)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Consume() error=%v, want context.Canceled", err)
	}
	if result.Text != "" {
		t.Fatalf("text=%q, want empty", result.Text)
	}
	if agg.State() != StateCancelled {
		t.Fatalf("state=%v, want cancelled", agg.State())
	}
}

func TestAggregatorIsSinglePass(t *testing.T) {
	t.Parallel()

	agg := NewAggregator(nil)
	if _, err := agg.Consume(context.Background(), &sliceSource{}); err != nil {
		t.Fatalf("first Consume() error: %v", err)
	}
	if _, err := agg.Consume(context.Background(), &sliceSource{}); !errors.Is(err, ErrAggregatorUsed) {
		t.Fatalf("second Consume() error=%v, want ErrAggregatorUsed", err)
	}
}

// cancellingSource cancels its context after handing out the first delta.
type cancellingSource struct {
	cancel context.CancelFunc
	deltas []Delta
	pulled int
}

func (s *cancellingSource) Recv() (Delta, error) {
	if s.pulled >= len(s.deltas) {
		return Delta{}, io.EOF
	}
	d := s.deltas[s.pulled]
	s.pulled++
	if s.pulled == 1 {
		s.cancel()
	}
	return d, nil
}
