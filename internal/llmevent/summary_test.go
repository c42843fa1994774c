package llmevent

import (
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestBuildSummaryTokenCountsEqualSum(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		input  int
		output int
		want   int64
	}{
		{name: "typical usage", input: 13, output: 29, want: 42},
		{name: "zero usage", input: 0, output: 0, want: 0},
		{name: "output only", input: 0, output: 7, want: 7},
		{name: "large counts", input: 120000, output: 4096, want: 124096},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			record := BuildSummary(
				CompletionResult{InputTokens: tt.input, OutputTokens: tt.output},
				CompletionContext{CompletionID: "c-1"},
				TraceContext{},
			).Record()

			for _, key := range []string{KeyTokenCount, KeyRequestMaxTokens} {
				v, ok := record.Get(key)
				if !ok {
					t.Fatalf("%s missing", key)
				}
				if v.Type() != attribute.INT64 {
					t.Fatalf("%s type=%v, want INT64", key, v.Type())
				}
				if got := v.AsInt64(); got != tt.want {
					t.Fatalf("%s=%d, want %d", key, got, tt.want)
				}
			}
		})
	}
}

func TestBuildSummaryLiteralValues(t *testing.T) {
	t.Parallel()

	completion := CompletionResult{
		ResponseID:   "chatcmpl-abc",
		Model:        "gpt-4o-mini-2024-07-18",
		FinishReason: "stop",
		InputTokens:  20,
		OutputTokens: 30,
	}
	cc := CompletionContext{
		CompletionID: "completion-1",
		Vendor:       VendorOpenAI,
		RequestModel: "gpt-4o-mini",
		IngestSource: DefaultIngestSource,
	}
	tc := TraceContext{TraceID: "4bf92f3577b34da6a3ce929d0e0e4736", SpanID: "00f067aa0ba902b7", Sampled: true}

	record := BuildSummary(completion, cc, tc).Record()
	if record.Name != "LlmChatCompletionSummary" {
		t.Fatalf("name=%q, want LlmChatCompletionSummary", record.Name)
	}

	wantKeys := []string{
		"id", "request_id", "span_id", "trace_id", "request.model", "response.model",
		"token_count", "request.max_tokens", "response.number_of_messages",
		"response.choices.finish_reason", "vendor", "ingest_source", "tags.aiEnabledApp",
	}
	if len(record.Attributes) != len(wantKeys) {
		t.Fatalf("attributes=%d, want %d", len(record.Attributes), len(wantKeys))
	}
	for i, key := range wantKeys {
		if got := string(record.Attributes[i].Key); got != key {
			t.Fatalf("attribute[%d]=%q, want %q", i, got, key)
		}
	}

	m := record.Map()
	wantStrings := map[string]string{
		"id":                             "completion-1",
		"request_id":                     "chatcmpl-abc",
		"span_id":                        "00f067aa0ba902b7",
		"trace_id":                       "4bf92f3577b34da6a3ce929d0e0e4736",
		"request.model":                  "gpt-4o-mini",
		"response.model":                 "gpt-4o-mini-2024-07-18",
		"response.choices.finish_reason": "stop",
		"vendor":                         "OpenAI",
		"ingest_source":                  "Go",
	}
	for key, want := range wantStrings {
		if got := m[key]; got != want {
			t.Fatalf("%s=%v, want %q", key, got, want)
		}
	}
	if got := m["response.number_of_messages"]; got != int64(2) {
		t.Fatalf("response.number_of_messages=%v, want 2", got)
	}
	if got := m["tags.aiEnabledApp"]; got != true {
		t.Fatalf("tags.aiEnabledApp=%v, want true", got)
	}
}

func TestBuildSummaryEmptyCompletionFields(t *testing.T) {
	t.Parallel()

	record := BuildSummary(CompletionResult{}, CompletionContext{CompletionID: "c-2"}, TraceContext{}).Record()

	for _, key := range []string{KeyResponseModel, KeyFinishReason, KeyTraceID, KeySpanID} {
		v, ok := record.Get(key)
		if !ok {
			t.Fatalf("%s missing, want empty string attribute", key)
		}
		if v.AsString() != "" {
			t.Fatalf("%s=%q, want empty", key, v.AsString())
		}
	}
}
