package llmevent

import "go.opentelemetry.io/otel/attribute"

// singleTurnMessages counts the request and the response of a single-turn call.
const singleTurnMessages = 2

// SummaryEvent is the typed form of an LlmChatCompletionSummary record.
type SummaryEvent struct {
	ID               string
	RequestID        string
	SpanID           string
	TraceID          string
	RequestModel     string
	ResponseModel    string
	TokenCount       int
	RequestMaxTokens int
	NumberOfMessages int
	FinishReason     string
	Vendor           string
	IngestSource     string
	AIEnabledApp     bool
}

// BuildSummary assembles the summary event of one completion. Missing
// completion fields become empty attributes.
//
// RequestMaxTokens carries the total tokens used, not a configured ceiling.
// Existing consumers of the event read it that way.
func BuildSummary(c CompletionResult, cc CompletionContext, tc TraceContext) SummaryEvent {
	total := TotalTokens(c.InputTokens, c.OutputTokens)
	return SummaryEvent{
		ID:               cc.CompletionID,
		RequestID:        c.ResponseID,
		SpanID:           tc.SpanID,
		TraceID:          tc.TraceID,
		RequestModel:     cc.RequestModel,
		ResponseModel:    c.Model,
		TokenCount:       total,
		RequestMaxTokens: total,
		NumberOfMessages: singleTurnMessages,
		FinishReason:     c.FinishReason,
		Vendor:           cc.Vendor,
		IngestSource:     cc.IngestSource,
		AIEnabledApp:     true,
	}
}

// Record serializes the event into its wire attributes.
func (e SummaryEvent) Record() Record {
	return Record{
		Name: EventNameSummary,
		Attributes: []attribute.KeyValue{
			attribute.String(KeyID, e.ID),
			attribute.String(KeyRequestID, e.RequestID),
			attribute.String(KeySpanID, e.SpanID),
			attribute.String(KeyTraceID, e.TraceID),
			attribute.String(KeyRequestModel, e.RequestModel),
			attribute.String(KeyResponseModel, e.ResponseModel),
			attribute.Int(KeyTokenCount, e.TokenCount),
			attribute.Int(KeyRequestMaxTokens, e.RequestMaxTokens),
			attribute.Int(KeyNumberOfMessages, e.NumberOfMessages),
			attribute.String(KeyFinishReason, e.FinishReason),
			attribute.String(KeyVendor, e.Vendor),
			attribute.String(KeyIngestSource, e.IngestSource),
			attribute.Bool(KeyAIEnabledApp, e.AIEnabledApp),
		},
	}
}
