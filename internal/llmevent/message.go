package llmevent

import "go.opentelemetry.io/otel/attribute"

// MessageEvent is the typed form of an LlmChatCompletionMessage record.
type MessageEvent struct {
	ID            string
	RequestID     string
	SpanID        string
	TraceID       string
	ResponseModel string
	Vendor        string
	IngestSource  string
	Content       string
	Role          string
	Sequence      int
	IsResponse    bool
	CompletionID  string
	AIEnabledApp  bool
}

// BuildMessagePair builds the request and response message events of a
// single-turn completion.
func BuildMessagePair(requestText, responseText string, cc CompletionContext, tc TraceContext, c CompletionResult) (MessageEvent, MessageEvent) {
	events := BuildMessages([]Message{{Role: RoleUser, Content: requestText}}, responseText, cc, tc, c)
	return events[0], events[1]
}

// BuildMessages builds one event per history message followed by the
// response event. Roles are taken from history as given.
func BuildMessages(history []Message, responseText string, cc CompletionContext, tc TraceContext, c CompletionResult) []MessageEvent {
	events := make([]MessageEvent, 0, len(history)+1)
	for _, msg := range history {
		events = append(events, newMessageEvent(cc, tc, c, msg.Role, msg.Content, len(events), false))
	}
	events = append(events, newMessageEvent(cc, tc, c, RoleAssistant, responseText, len(events), true))
	return events
}

func newMessageEvent(cc CompletionContext, tc TraceContext, c CompletionResult, role, content string, sequence int, isResponse bool) MessageEvent {
	return MessageEvent{
		ID:            cc.CompletionID,
		RequestID:     c.ResponseID,
		SpanID:        tc.SpanID,
		TraceID:       tc.TraceID,
		ResponseModel: c.Model,
		Vendor:        cc.Vendor,
		IngestSource:  cc.IngestSource,
		Content:       content,
		Role:          role,
		Sequence:      sequence,
		IsResponse:    isResponse,
		CompletionID:  cc.CompletionID,
		AIEnabledApp:  true,
	}
}

// Record serializes the event into its wire attributes.
func (e MessageEvent) Record() Record {
	return Record{
		Name: EventNameMessage,
		Attributes: []attribute.KeyValue{
			attribute.String(KeyID, e.ID),
			attribute.String(KeyRequestID, e.RequestID),
			attribute.String(KeySpanID, e.SpanID),
			attribute.String(KeyTraceID, e.TraceID),
			attribute.String(KeyResponseModel, e.ResponseModel),
			attribute.String(KeyVendor, e.Vendor),
			attribute.String(KeyIngestSource, e.IngestSource),
			attribute.String(KeyContent, e.Content),
			attribute.String(KeyRole, e.Role),
			attribute.Int(KeySequence, e.Sequence),
			attribute.Bool(KeyIsResponse, e.IsResponse),
			attribute.String(KeyCompletionID, e.CompletionID),
			attribute.Bool(KeyAIEnabledApp, e.AIEnabledApp),
		},
	}
}
