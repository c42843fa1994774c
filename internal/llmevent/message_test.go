package llmevent

import "testing"

func TestBuildMessagePairSequencing(t *testing.T) {
	t.Parallel()

	cc := CompletionContext{CompletionID: "completion-7", Vendor: VendorOpenAI, IngestSource: "Go"}
	tc := TraceContext{TraceID: "trace", SpanID: "span"}
	completion := CompletionResult{ResponseID: "chatcmpl-7", Model: "gpt-4o-mini"}

	request, response := BuildMessagePair("Tell me a joke about a pirate.", "Arr!", cc, tc, completion)

	if request.Sequence != 0 || request.Role != "user" || request.IsResponse {
		t.Fatalf("request sequence=%d role=%q is_response=%v, want 0 user false", request.Sequence, request.Role, request.IsResponse)
	}
	if response.Sequence != 1 || response.Role != "assistant" || !response.IsResponse {
		t.Fatalf("response sequence=%d role=%q is_response=%v, want 1 assistant true", response.Sequence, response.Role, response.IsResponse)
	}
	if request.Content != "Tell me a joke about a pirate." {
		t.Fatalf("request content=%q", request.Content)
	}
	if response.Content != "Arr!" {
		t.Fatalf("response content=%q, want Arr!", response.Content)
	}

	for _, event := range []MessageEvent{request, response} {
		record := event.Record()
		if record.Name != EventNameMessage {
			t.Fatalf("name=%q, want %q", record.Name, EventNameMessage)
		}
		if got := record.String(KeyID); got != "completion-7" {
			t.Fatalf("id=%q, want completion-7", got)
		}
		if got := record.String(KeyCompletionID); got != "completion-7" {
			t.Fatalf("completion_id=%q, want completion-7", got)
		}
		if got := record.String(KeyRequestID); got != "chatcmpl-7" {
			t.Fatalf("request_id=%q, want chatcmpl-7", got)
		}
		if got := record.String(KeyTraceID); got != "trace" {
			t.Fatalf("trace_id=%q, want trace", got)
		}
		if v, _ := record.Get(KeyAIEnabledApp); !v.AsBool() {
			t.Fatal("tags.aiEnabledApp=false, want true")
		}
	}

	m := response.Record().Map()
	if m["sequence"] != int64(1) || m["is_response"] != true || m["role"] != "assistant" {
		t.Fatalf("response map sequence=%v is_response=%v role=%v", m["sequence"], m["is_response"], m["role"])
	}
}

func TestBuildMessagesPreservesCallerRoles(t *testing.T) {
	t.Parallel()

	history := []Message{
		{Role: "user", Content: "Tell me a joke."},
		{Role: "assistant", Content: "Why did the pirate..."},
		{Role: "user", Content: "Another one."},
		{Role: "user", Content: "About parrots."},
	}
	events := BuildMessages(history, "Polly wants a cracker.", CompletionContext{CompletionID: "c"}, TraceContext{}, CompletionResult{})

	if len(events) != len(history)+1 {
		t.Fatalf("events=%d, want %d", len(events), len(history)+1)
	}
	for i, event := range events {
		if event.Sequence != i {
			t.Fatalf("events[%d].sequence=%d, want %d", i, event.Sequence, i)
		}
		last := i == len(events)-1
		if event.IsResponse != last {
			t.Fatalf("events[%d].is_response=%v, want %v", i, event.IsResponse, last)
		}
		if !last && event.Role != history[i].Role {
			t.Fatalf("events[%d].role=%q, want %q", i, event.Role, history[i].Role)
		}
	}
	if events[len(events)-1].Role != RoleAssistant {
		t.Fatalf("response role=%q, want assistant", events[len(events)-1].Role)
	}
}

func TestBuildMessagesWithoutHistoryOnlyEmitsResponse(t *testing.T) {
	t.Parallel()

	events := BuildMessages(nil, "hi", CompletionContext{CompletionID: "c"}, TraceContext{}, CompletionResult{})
	if len(events) != 1 {
		t.Fatalf("events=%d, want 1", len(events))
	}
	if events[0].Sequence != 0 || !events[0].IsResponse {
		t.Fatalf("sequence=%d is_response=%v, want 0 true", events[0].Sequence, events[0].IsResponse)
	}
}
