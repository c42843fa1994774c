// Package eventstore persists emitted completion events so they can be
// queried after the fact by completion id, event type or trace id.
package eventstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/ongoingai/llmevents/internal/llmevent"
)

var ErrNotFound = errors.New("event store record not found")
var ErrInvalidCursor = errors.New("event cursor is invalid")

const (
	defaultQueryLimit = 50
	maxQueryLimit     = 500
)

// Event is one stored event row. Attributes holds the flattened record
// attributes; numbers come back as int64.
type Event struct {
	ID           string
	CompletionID string
	EventType    string
	TraceID      string
	SpanID       string
	Attributes   map[string]any
	CreatedAt    time.Time
}

type Store interface {
	WriteEvent(ctx context.Context, event *Event) error
	WriteBatch(ctx context.Context, events []*Event) error
	GetEvent(ctx context.Context, id string) (*Event, error)
	QueryEvents(ctx context.Context, filter Filter) (*Result, error)
	Close() error
}

type Filter struct {
	CompletionID string
	EventType    string
	TraceID      string
	From         time.Time
	To           time.Time
	Limit        int
	Cursor       string
}

type Result struct {
	Items      []*Event
	NextCursor string
}

// FromRecord converts an emitted record into a storable row.
func FromRecord(rec llmevent.Record) *Event {
	return &Event{
		ID:           uuid.NewString(),
		CompletionID: rec.CompletionID(),
		EventType:    rec.Name,
		TraceID:      rec.String(llmevent.KeyTraceID),
		SpanID:       rec.String(llmevent.KeySpanID),
		Attributes:   rec.Map(),
		CreatedAt:    time.Now().UTC(),
	}
}

func normalizeEvent(in *Event) *Event {
	row := *in
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	row.CreatedAt = row.CreatedAt.UTC()
	if row.Attributes == nil {
		row.Attributes = map[string]any{}
	}
	return &row
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultQueryLimit
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}
