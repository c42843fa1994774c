package emitter

import (
	"context"
	"log/slog"

	"github.com/ongoingai/llmevents/internal/eventstore"
	"github.com/ongoingai/llmevents/internal/llmevent"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Sink delivers records to one telemetry destination.
type Sink interface {
	Name() string
	Write(ctx context.Context, records []llmevent.Record) error
}

// LogSink writes each record as one structured log line.
type LogSink struct {
	Logger *slog.Logger
	Level  slog.Level
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(ctx context.Context, records []llmevent.Record) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for _, rec := range records {
		logger.LogAttrs(ctx, s.Level, "llm event",
			slog.String("event_type", rec.Name),
			slog.String("completion_id", rec.CompletionID()),
			slog.Any("attributes", rec.Map()),
		)
	}
	return nil
}

// SpanSink attaches records as events on the span active in ctx. Records
// emitted outside a recording span are skipped.
type SpanSink struct{}

func (SpanSink) Name() string { return "span_events" }

func (SpanSink) Write(ctx context.Context, records []llmevent.Record) error {
	span := oteltrace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return nil
	}
	for _, rec := range records {
		span.AddEvent(rec.Name, oteltrace.WithAttributes(rec.Attributes...))
	}
	return nil
}

// StoreSink persists records through an eventstore.Store.
type StoreSink struct {
	Store eventstore.Store
}

func (s *StoreSink) Name() string { return "store" }

func (s *StoreSink) Write(ctx context.Context, records []llmevent.Record) error {
	switch len(records) {
	case 0:
		return nil
	case 1:
		return s.Store.WriteEvent(ctx, eventstore.FromRecord(records[0]))
	}
	events := make([]*eventstore.Event, 0, len(records))
	for _, rec := range records {
		events = append(events, eventstore.FromRecord(rec))
	}
	return s.Store.WriteBatch(ctx, events)
}
