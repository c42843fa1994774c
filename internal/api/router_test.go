package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ongoingai/llmevents/internal/chat"
	"github.com/ongoingai/llmevents/internal/completion"
	"github.com/ongoingai/llmevents/internal/correlation"
	"github.com/ongoingai/llmevents/internal/emitter"
	"github.com/ongoingai/llmevents/internal/eventstore"
	"github.com/ongoingai/llmevents/internal/llmevent"
	"github.com/ongoingai/llmevents/internal/observability"
)

const testPrompt = "Tell me a joke about a pirate."

type stubCompleter struct {
	reply  completion.Reply
	err    error
	deltas []string

	mu        sync.Mutex
	histories [][]llmevent.Message
}

func (s *stubCompleter) record(history []llmevent.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.histories = append(s.histories, append([]llmevent.Message(nil), history...))
}

func (s *stubCompleter) Complete(_ context.Context, history []llmevent.Message) (completion.Reply, error) {
	s.record(history)
	return s.reply, s.err
}

func (s *stubCompleter) CompleteStreaming(_ context.Context, history []llmevent.Message, onDelta func(string)) (completion.Reply, error) {
	s.record(history)
	for _, delta := range s.deltas {
		onDelta(delta)
	}
	return s.reply, s.err
}

// fakeChatClient drives a real completion.Service without a network.
type fakeChatClient struct {
	text   string
	deltas []string
}

func (c *fakeChatClient) CreateCompletion(context.Context, chat.Request) (llmevent.CompletionResult, error) {
	return llmevent.CompletionResult{
		ResponseID:   "chatcmpl-test",
		Model:        "gpt-4o-mini-2024-07-18",
		FinishReason: "stop",
		InputTokens:  14,
		OutputTokens: 21,
		Text:         c.text,
	}, nil
}

func (c *fakeChatClient) CreateStream(context.Context, chat.Request) (chat.Stream, error) {
	return &fakeChatStream{deltas: c.deltas}, nil
}

type fakeChatStream struct {
	deltas []string
	next   int
}

func (s *fakeChatStream) Recv() (llmevent.Delta, error) {
	if s.next >= len(s.deltas) {
		return llmevent.Delta{}, io.EOF
	}
	d := llmevent.Delta{Text: s.deltas[s.next], Model: "gpt-4o-mini-2024-07-18"}
	s.next++
	if s.next == len(s.deltas) {
		d.FinishReason = "stop"
		d.Usage = &llmevent.Usage{InputTokens: 14, OutputTokens: len(s.deltas)}
	}
	return d, nil
}

func (s *fakeChatStream) Close() error { return nil }

type failingSink struct {
	name  string
	panic bool
}

func (s *failingSink) Name() string { return s.name }

func (s *failingSink) Write(context.Context, []llmevent.Record) error {
	if s.panic {
		panic("sink exploded")
	}
	return errors.New("dial tcp 127.0.0.1:4318: connect: connection refused")
}

type countingSink struct {
	mu      sync.Mutex
	records []llmevent.Record
}

func (s *countingSink) Name() string { return "counting" }

func (s *countingSink) Write(_ context.Context, records []llmevent.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
	return nil
}

func (s *countingSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newService(t *testing.T, client chat.Client, em completion.Emitter) *completion.Service {
	t.Helper()
	service, err := completion.New(completion.Options{
		Client:       client,
		Emitter:      em,
		Model:        "gpt-4o-mini",
		Instructions: "You are good at telling jokes.",
		StreamEvents: true,
		Logger:       discardLogger(),
	})
	if err != nil {
		t.Fatalf("completion.New() error: %v", err)
	}
	return service
}

func newStartedEmitter(t *testing.T, opts emitter.Options) *emitter.Emitter {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	em := emitter.New(opts)
	em.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = em.Shutdown(ctx)
	})
	return em
}

func serve(handler http.Handler, method, target string, body io.Reader) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(method, target, body))
	return rec
}

func TestJokeHandler(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		method      string
		completer   *stubCompleter
		wantStatus  int
		wantBody    string
		wantConsole string
	}{
		{
			name:        "returns completion text",
			method:      http.MethodGet,
			completer:   &stubCompleter{reply: completion.Reply{Text: "Why did the pirate go to school? To improve his arrrticulation."}},
			wantStatus:  http.StatusOK,
			wantBody:    "Why did the pirate go to school? To improve his arrrticulation.",
			wantConsole: "Why did the pirate go to school? To improve his arrrticulation.\n",
		},
		{
			name:       "chat failure maps to 500",
			method:     http.MethodGet,
			completer:  &stubCompleter{err: errors.New("create chat completion: 401 invalid api key")},
			wantStatus: http.StatusInternalServerError,
			wantBody:   "internal server error\n",
		},
		{
			name:       "rejects post",
			method:     http.MethodPost,
			completer:  &stubCompleter{},
			wantStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var console bytes.Buffer
			handler := JokeHandler(JokeOptions{Completer: tt.completer, Prompt: testPrompt, Console: &console, Logger: discardLogger()})
			rec := serve(handler, tt.method, "/joke", nil)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status=%d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantBody != "" && rec.Body.String() != tt.wantBody {
				t.Fatalf("body=%q, want %q", rec.Body.String(), tt.wantBody)
			}
			if console.String() != tt.wantConsole {
				t.Fatalf("console=%q, want %q", console.String(), tt.wantConsole)
			}
			if tt.method == http.MethodGet {
				if len(tt.completer.histories) != 1 {
					t.Fatalf("completer calls=%d, want 1", len(tt.completer.histories))
				}
				history := tt.completer.histories[0]
				if len(history) != 1 || history[0].Role != llmevent.RoleUser || history[0].Content != testPrompt {
					t.Fatalf("history=%+v, want single user prompt", history)
				}
			}
		})
	}
}

func TestJokeStreamingHandler(t *testing.T) {
	t.Parallel()

	t.Run("writes deltas and confirms", func(t *testing.T) {
		t.Parallel()

		var console bytes.Buffer
		completer := &stubCompleter{deltas: []string{"Why ", "arr ", "pirates?"}}
		handler := JokeStreamingHandler(JokeOptions{Completer: completer, Prompt: testPrompt, Console: &console, Logger: discardLogger()})
		rec := serve(handler, http.MethodGet, "/jokeStreaming", nil)

		if rec.Code != http.StatusOK {
			t.Fatalf("status=%d, want 200", rec.Code)
		}
		if rec.Body.String() != "Streaming completed." {
			t.Fatalf("body=%q, want %q", rec.Body.String(), "Streaming completed.")
		}
		if console.String() != "Why arr pirates?\n" {
			t.Fatalf("console=%q, want deltas in order", console.String())
		}
	})

	t.Run("stream failure maps to 500", func(t *testing.T) {
		t.Parallel()

		completer := &stubCompleter{err: errors.New("stream: unexpected EOF")}
		handler := JokeStreamingHandler(JokeOptions{Completer: completer, Prompt: testPrompt, Logger: discardLogger()})
		rec := serve(handler, http.MethodGet, "/jokeStreaming", nil)

		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("status=%d, want 500", rec.Code)
		}
		if strings.Contains(rec.Body.String(), "Streaming completed.") {
			t.Fatal("failed stream reported completion")
		}
	})
}

func TestChatHandler(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		body       string
		completer  *stubCompleter
		wantStatus int
		wantError  string
	}{
		{
			name:       "multi-turn conversation",
			body:       `{"messages":[{"role":"user","content":"Tell me a joke."},{"role":"assistant","content":"Knock knock."},{"role":"user","content":"Who is there?"}]}`,
			completer:  &stubCompleter{reply: completion.Reply{CompletionID: "c-1", Text: "Arr."}},
			wantStatus: http.StatusOK,
		},
		{
			name:       "empty messages",
			body:       `{"messages":[]}`,
			completer:  &stubCompleter{},
			wantStatus: http.StatusBadRequest,
			wantError:  "messages must not be empty",
		},
		{
			name:       "unknown role",
			body:       `{"messages":[{"role":"tool","content":"x"}]}`,
			completer:  &stubCompleter{},
			wantStatus: http.StatusBadRequest,
			wantError:  "messages[0].role",
		},
		{
			name:       "unknown field",
			body:       `{"messages":[{"role":"user","content":"x"}],"stream":true}`,
			completer:  &stubCompleter{},
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid json body",
		},
		{
			name:       "upstream failure",
			body:       `{"messages":[{"role":"user","content":"x"}]}`,
			completer:  &stubCompleter{err: errors.New("create chat completion: timeout")},
			wantStatus: http.StatusBadGateway,
			wantError:  "completion failed",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := serve(ChatHandler(tt.completer, discardLogger()), http.MethodPost, "/chat", strings.NewReader(tt.body))
			if rec.Code != tt.wantStatus {
				t.Fatalf("status=%d, want %d (body=%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}

			var payload map[string]any
			if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if tt.wantError != "" {
				if msg, _ := payload["error"].(string); !strings.Contains(msg, tt.wantError) {
					t.Fatalf("error=%q, want substring %q", msg, tt.wantError)
				}
				return
			}
			if payload["completion_id"] != "c-1" || payload["content"] != "Arr." {
				t.Fatalf("payload=%v, want completion_id c-1 and content Arr.", payload)
			}
			if got := len(tt.completer.histories[0]); got != 3 {
				t.Fatalf("history length=%d, want 3", got)
			}
		})
	}
}

func TestJokeResponseUnaffectedByEmissionOutage(t *testing.T) {
	t.Parallel()

	client := &fakeChatClient{
		text:   "Why couldn't the pirate play cards? He was sitting on the deck.",
		deltas: []string{"Why couldn't ", "the pirate ", "play cards?"},
	}

	healthySink := &countingSink{}
	healthy := newStartedEmitter(t, emitter.Options{Inline: []emitter.Sink{healthySink}})
	broken := newStartedEmitter(t, emitter.Options{
		Inline: []emitter.Sink{&failingSink{name: "log"}, &failingSink{name: "span_events", panic: true}},
		Queued: []emitter.Sink{&failingSink{name: "http"}},
	})

	routers := map[string]http.Handler{
		"healthy": NewRouter(RouterOptions{Completer: newService(t, client, healthy), Prompt: testPrompt, Logger: discardLogger()}),
		"broken":  NewRouter(RouterOptions{Completer: newService(t, client, broken), Prompt: testPrompt, Logger: discardLogger()}),
	}

	for _, path := range []string{"/joke", "/jokeStreaming"} {
		want := serve(routers["healthy"], http.MethodGet, path, nil)
		got := serve(routers["broken"], http.MethodGet, path, nil)

		if want.Code != http.StatusOK {
			t.Fatalf("%s healthy status=%d, want 200", path, want.Code)
		}
		if got.Code != want.Code {
			t.Fatalf("%s status during outage=%d, want %d", path, got.Code, want.Code)
		}
		if got.Body.String() != want.Body.String() {
			t.Fatalf("%s body during outage=%q, want %q", path, got.Body.String(), want.Body.String())
		}
	}

	if healthySink.Len() != 6 {
		t.Fatalf("healthy sink records=%d, want 6 (summary and two messages per request)", healthySink.Len())
	}
	if failed := broken.Diagnostics().WriteFailedTotal; failed == 0 {
		t.Fatal("broken emitter recorded no write failures")
	}
}

func newTestStore(t *testing.T) *eventstore.SQLiteStore {
	t.Helper()
	store, err := eventstore.NewSQLiteStore(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestEventsEndpointServesStoredCompletionEvents(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	em := emitter.New(emitter.Options{
		Queued: []emitter.Sink{&emitter.StoreSink{Store: store}},
		Logger: discardLogger(),
	})
	em.Start(context.Background())

	client := &fakeChatClient{text: "Arr, matey."}
	router := NewRouter(RouterOptions{
		Completer:     newService(t, client, em),
		Prompt:        testPrompt,
		Store:         store,
		StorageDriver: "sqlite",
		Diagnostics:   em,
		Logger:        discardLogger(),
	})

	if rec := serve(router, http.MethodGet, "/joke", nil); rec.Code != http.StatusOK {
		t.Fatalf("/joke status=%d, want 200", rec.Code)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := em.Shutdown(ctx); err != nil {
		t.Fatalf("emitter Shutdown() error: %v", err)
	}

	rec := serve(router, http.MethodGet, "/api/events?limit=10", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("/api/events status=%d, want 200 (body=%s)", rec.Code, rec.Body.String())
	}
	var listed eventsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(listed.Items) != 3 {
		t.Fatalf("events=%d, want 3", len(listed.Items))
	}
	completionID := listed.Items[0].CompletionID
	for _, item := range listed.Items {
		if item.CompletionID != completionID {
			t.Fatalf("completion ids differ: %q vs %q", item.CompletionID, completionID)
		}
	}

	rec = serve(router, http.MethodGet, "/api/events?event_type=LlmChatCompletionSummary&completion_id="+completionID, nil)
	var summaries eventsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &summaries); err != nil {
		t.Fatalf("decode summaries: %v", err)
	}
	if len(summaries.Items) != 1 {
		t.Fatalf("summary events=%d, want 1", len(summaries.Items))
	}
	summary := summaries.Items[0]
	if got := summary.Attributes["token_count"]; got != float64(35) {
		t.Fatalf("token_count=%v, want 35", got)
	}
	if got := summary.Attributes["response.number_of_messages"]; got != float64(2) {
		t.Fatalf("response.number_of_messages=%v, want 2", got)
	}

	rec = serve(router, http.MethodGet, "/api/events/"+summary.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("event detail status=%d, want 200", rec.Code)
	}
	if rec := serve(router, http.MethodGet, "/api/events/missing-id", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing event status=%d, want 404", rec.Code)
	}

	rec = serve(router, http.MethodGet, "/api/diagnostics/emitter", nil)
	var diag emitterDiagnosticsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &diag); err != nil {
		t.Fatalf("decode diagnostics: %v", err)
	}
	if diag.Diagnostics.DeliveredTotal != 3 {
		t.Fatalf("delivered_total=%d, want 3", diag.Diagnostics.DeliveredTotal)
	}
}

func TestEventsEndpointValidation(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	tests := []struct {
		name       string
		store      eventstore.Store
		target     string
		wantStatus int
	}{
		{name: "no store", target: "/api/events", wantStatus: http.StatusServiceUnavailable},
		{name: "bad event type", store: store, target: "/api/events?event_type=Other", wantStatus: http.StatusBadRequest},
		{name: "bad limit", store: store, target: "/api/events?limit=9999", wantStatus: http.StatusBadRequest},
		{name: "reversed range", store: store, target: "/api/events?from=2026-02-01&to=2026-01-01", wantStatus: http.StatusBadRequest},
		{name: "bad cursor", store: store, target: "/api/events?cursor=bm90LWEtY3Vyc29y", wantStatus: http.StatusBadRequest},
		{name: "empty ok", store: store, target: "/api/events", wantStatus: http.StatusOK},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			router := NewRouter(RouterOptions{Store: tt.store, Logger: discardLogger()})
			if rec := serve(router, http.MethodGet, tt.target, nil); rec.Code != tt.wantStatus {
				t.Fatalf("status=%d, want %d (body=%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}
}

func TestHealthHandler(t *testing.T) {
	t.Parallel()

	router := NewRouter(RouterOptions{AppVersion: "v1.2.3", Logger: discardLogger()})
	rec := serve(router, http.MethodGet, "/api/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", rec.Code)
	}
	var payload healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if payload.Status != "ok" || payload.Version != "v1.2.3" {
		t.Fatalf("health=%+v, want ok v1.2.3", payload)
	}
	if payload.StorageDriver != "none" || payload.EventStore != "disabled" {
		t.Fatalf("storage=%q/%q, want none/disabled", payload.StorageDriver, payload.EventStore)
	}
}

func TestEmitterDiagnosticsUnavailable(t *testing.T) {
	t.Parallel()

	rec := serve(NewRouter(RouterOptions{Logger: discardLogger()}), http.MethodGet, "/api/diagnostics/emitter", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want 503", rec.Code)
	}
}

func TestMetricsRouteMountedOnlyWhenConfigured(t *testing.T) {
	t.Parallel()

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "llmevents_events_delivered_total 3\n")
	})
	with := NewRouter(RouterOptions{MetricsHandler: metrics, Logger: discardLogger()})
	without := NewRouter(RouterOptions{Logger: discardLogger()})

	if rec := serve(with, http.MethodGet, "/metrics", nil); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "delivered_total") {
		t.Fatalf("/metrics status=%d body=%q, want exposition", rec.Code, rec.Body.String())
	}
	if rec := serve(without, http.MethodGet, "/metrics", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("/metrics without handler status=%d, want 404", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()

	rec := serve(NewRouter(RouterOptions{Logger: discardLogger()}), http.MethodOptions, "/chat", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status=%d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, correlation.HeaderName) {
		t.Fatalf("allow headers=%q, want %s", got, correlation.HeaderName)
	}
}

func TestLoggingMiddlewareAssignsCorrelationIDAndLogsIt(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	logger := slog.New(observability.NewTraceLogHandler(slog.NewJSONHandler(&logs, nil)))

	var seen string
	handler := LoggingMiddleware(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = correlation.FromContext(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/joke", nil)
	req.Header.Set(correlation.HeaderName, "corr-from-client")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if seen != "corr-from-client" {
		t.Fatalf("handler correlation=%q, want corr-from-client", seen)
	}
	if got := rec.Header().Get(correlation.HeaderName); got != "corr-from-client" {
		t.Fatalf("response %s=%q, want corr-from-client", correlation.HeaderName, got)
	}

	var entry map[string]any
	if err := json.Unmarshal(logs.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["msg"] != "request complete" || entry["path"] != "/joke" {
		t.Fatalf("log entry=%v, want request complete for /joke", entry)
	}
	if entry["status"] != float64(http.StatusTeapot) {
		t.Fatalf("logged status=%v, want 418", entry["status"])
	}
	if entry["correlation_id"] != "corr-from-client" {
		t.Fatalf("logged correlation_id=%v, want corr-from-client", entry["correlation_id"])
	}
}
