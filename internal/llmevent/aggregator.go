package llmevent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
)

// ErrAggregatorUsed is returned when Consume is called on an aggregator that
// already left the idle state. Delta streams are single pass.
var ErrAggregatorUsed = errors.New("aggregator already consumed a stream")

// AggregatorState is the lifecycle state of an Aggregator.
type AggregatorState int32

const (
	StateIdle AggregatorState = iota
	StateConsuming
	StateCompleted
	StateFailed
	StateCancelled
)

func (s AggregatorState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConsuming:
		return "consuming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Usage is the token accounting reported by a stream, usually on its last
// delta.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Delta is one incremental update of a streaming generation.
type Delta struct {
	Text         string
	ResponseID   string
	Model        string
	FinishReason string
	Usage        *Usage
}

// DeltaSource yields deltas until it returns io.EOF.
type DeltaSource interface {
	Recv() (Delta, error)
}

// Aggregator reassembles a delta stream into one CompletionResult.
type Aggregator struct {
	// OnDelta, when set, observes every non-empty text fragment in arrival
	// order.
	OnDelta func(text string)

	state atomic.Int32
}

// NewAggregator returns an idle aggregator.
func NewAggregator(onDelta func(string)) *Aggregator {
	return &Aggregator{OnDelta: onDelta}
}

// State reports the current lifecycle state.
func (a *Aggregator) State() AggregatorState {
	return AggregatorState(a.state.Load())
}

// Consume drains src. On success the aggregator is Completed and the result
// holds the concatenated text. A source error leaves it Failed and a
// cancelled ctx leaves it Cancelled; neither returns partial text.
func (a *Aggregator) Consume(ctx context.Context, src DeltaSource) (CompletionResult, error) {
	if !a.state.CompareAndSwap(int32(StateIdle), int32(StateConsuming)) {
		return CompletionResult{}, ErrAggregatorUsed
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if src == nil {
		a.state.Store(int32(StateFailed))
		return CompletionResult{}, errors.New("delta source is nil")
	}

	var (
		text   strings.Builder
		result CompletionResult
	)
	for {
		if err := ctx.Err(); err != nil {
			a.state.Store(int32(StateCancelled))
			return CompletionResult{}, err
		}

		delta, err := src.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil || errors.Is(err, context.Canceled) {
				a.state.Store(int32(StateCancelled))
				if ctxErr != nil {
					return CompletionResult{}, ctxErr
				}
				return CompletionResult{}, err
			}
			a.state.Store(int32(StateFailed))
			return CompletionResult{}, fmt.Errorf("receive delta: %w", err)
		}

		if delta.Text != "" {
			text.WriteString(delta.Text)
			if a.OnDelta != nil {
				a.OnDelta(delta.Text)
			}
		}
		if delta.ResponseID != "" {
			result.ResponseID = delta.ResponseID
		}
		if delta.Model != "" {
			result.Model = delta.Model
		}
		if delta.FinishReason != "" {
			result.FinishReason = delta.FinishReason
		}
		if delta.Usage != nil {
			result.InputTokens = delta.Usage.InputTokens
			result.OutputTokens = delta.Usage.OutputTokens
		}
	}

	result.Text = text.String()
	a.state.Store(int32(StateCompleted))
	return result, nil
}
