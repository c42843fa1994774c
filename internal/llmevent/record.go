package llmevent

import "go.opentelemetry.io/otel/attribute"

const (
	// EventNameSummary is the event type of the per-completion summary record.
	EventNameSummary = "LlmChatCompletionSummary"
	// EventNameMessage is the event type of each per-message record.
	EventNameMessage = "LlmChatCompletionMessage"
)

// Attribute keys shared by the summary and message schemas. The key strings
// are the wire contract consumed by downstream queries.
const (
	KeyID               = "id"
	KeyRequestID        = "request_id"
	KeySpanID           = "span_id"
	KeyTraceID          = "trace_id"
	KeyRequestModel     = "request.model"
	KeyResponseModel    = "response.model"
	KeyTokenCount       = "token_count"
	KeyRequestMaxTokens = "request.max_tokens"
	KeyNumberOfMessages = "response.number_of_messages"
	KeyFinishReason     = "response.choices.finish_reason"
	KeyVendor           = "vendor"
	KeyIngestSource     = "ingest_source"
	KeyAIEnabledApp     = "tags.aiEnabledApp"
	KeyContent          = "content"
	KeyRole             = "role"
	KeySequence         = "sequence"
	KeyIsResponse       = "is_response"
	KeyCompletionID     = "completion_id"
)

// Record is a named, flat attribute record ready for emission. Attribute
// order is the order the schema declares. Values are limited to string,
// int64 and bool.
type Record struct {
	Name       string
	Attributes []attribute.KeyValue
}

// Get returns the value stored under key.
func (r Record) Get(key string) (attribute.Value, bool) {
	for _, kv := range r.Attributes {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

// String returns the string attribute stored under key, or "".
func (r Record) String(key string) string {
	v, ok := r.Get(key)
	if !ok || v.Type() != attribute.STRING {
		return ""
	}
	return v.AsString()
}

// CompletionID returns the join key shared by every record of one completion.
func (r Record) CompletionID() string {
	if id := r.String(KeyCompletionID); id != "" {
		return id
	}
	return r.String(KeyID)
}

// Map converts the record attributes into the string-keyed mapping used by
// JSON based sinks.
func (r Record) Map() map[string]any {
	out := make(map[string]any, len(r.Attributes))
	for _, kv := range r.Attributes {
		switch kv.Value.Type() {
		case attribute.STRING:
			out[string(kv.Key)] = kv.Value.AsString()
		case attribute.INT64:
			out[string(kv.Key)] = kv.Value.AsInt64()
		case attribute.BOOL:
			out[string(kv.Key)] = kv.Value.AsBool()
		default:
			out[string(kv.Key)] = kv.Value.Emit()
		}
	}
	return out
}

// MapStrings returns a copy of r with fn applied to every string value.
func (r Record) MapStrings(fn func(string) string) Record {
	if fn == nil {
		return r
	}
	attrs := make([]attribute.KeyValue, len(r.Attributes))
	for i, kv := range r.Attributes {
		if kv.Value.Type() == attribute.STRING {
			attrs[i] = attribute.String(string(kv.Key), fn(kv.Value.AsString()))
			continue
		}
		attrs[i] = kv
	}
	return Record{Name: r.Name, Attributes: attrs}
}
