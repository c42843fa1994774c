// Package chat talks to an OpenAI-compatible chat completions backend and
// maps its responses into llmevent completion values.
package chat

import (
	"context"

	"github.com/ongoingai/llmevents/internal/llmevent"
)

// Request is one chat invocation. Instructions, when set, are sent as a
// leading system message ahead of Messages.
type Request struct {
	Model        string
	Instructions string
	Messages     []llmevent.Message
}

// Stream yields incremental deltas until Recv returns io.EOF.
type Stream interface {
	Recv() (llmevent.Delta, error)
	Close() error
}

// Client is the chat backend used by the completion service.
type Client interface {
	CreateCompletion(ctx context.Context, req Request) (llmevent.CompletionResult, error)
	CreateStream(ctx context.Context, req Request) (Stream, error)
}
