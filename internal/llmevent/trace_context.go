package llmevent

import (
	"context"

	oteltrace "go.opentelemetry.io/otel/trace"
)

// TraceContext is a read-only snapshot of the distributed trace identifiers
// active when the events of a completion are built.
type TraceContext struct {
	TraceID string
	SpanID  string
	Sampled bool
}

// CaptureTrace reads the span context carried by ctx. It returns the zero
// value when ctx carries no valid span context.
func CaptureTrace(ctx context.Context) TraceContext {
	if ctx == nil {
		return TraceContext{}
	}
	sc := oteltrace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return TraceContext{}
	}
	return TraceContext{
		TraceID: sc.TraceID().String(),
		SpanID:  sc.SpanID().String(),
		Sampled: sc.IsSampled(),
	}
}
