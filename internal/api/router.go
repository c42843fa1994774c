package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ongoingai/llmevents/internal/completion"
	"github.com/ongoingai/llmevents/internal/correlation"
	"github.com/ongoingai/llmevents/internal/emitter"
	"github.com/ongoingai/llmevents/internal/eventstore"
	"github.com/ongoingai/llmevents/internal/llmevent"
)

// Completer produces a completion for a conversation and emits its events.
type Completer interface {
	Complete(ctx context.Context, history []llmevent.Message) (completion.Reply, error)
	CompleteStreaming(ctx context.Context, history []llmevent.Message, onDelta func(string)) (completion.Reply, error)
}

// DiagnosticsReader exposes a point-in-time emitter snapshot.
type DiagnosticsReader interface {
	Diagnostics() emitter.Diagnostics
}

type RouterOptions struct {
	AppVersion string
	Completer  Completer
	// Prompt is the fixed user message sent by /joke and /jokeStreaming.
	Prompt string
	// Console receives the joke text and streamed deltas. Defaults to io.Discard.
	Console        io.Writer
	Store          eventstore.Store
	StorageDriver  string
	StoragePath    string
	Diagnostics    DiagnosticsReader
	MetricsHandler http.Handler
	Logger         *slog.Logger
}

func NewRouter(options RouterOptions) http.Handler {
	startedAt := time.Now().UTC()
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	console := newSyncWriter(options.Console)

	mux := http.NewServeMux()
	mux.Handle("/joke", JokeHandler(JokeOptions{
		Completer: options.Completer,
		Prompt:    options.Prompt,
		Console:   console,
		Logger:    logger,
	}))
	mux.Handle("/jokeStreaming", JokeStreamingHandler(JokeOptions{
		Completer: options.Completer,
		Prompt:    options.Prompt,
		Console:   console,
		Logger:    logger,
	}))
	mux.Handle("/chat", ChatHandler(options.Completer, logger))
	mux.Handle("/api/health", HealthHandler(HealthOptions{
		Version:       options.AppVersion,
		StartedAt:     startedAt,
		StorageDriver: options.StorageDriver,
		StoragePath:   options.StoragePath,
		Store:         options.Store,
	}))
	mux.Handle("/api/events", EventsHandler(options.Store))
	mux.Handle("/api/events/", EventDetailHandler(options.Store))
	mux.Handle("/api/diagnostics/emitter", EmitterDiagnosticsHandler(options.Diagnostics))
	if options.MetricsHandler != nil {
		mux.Handle("/metrics", options.MetricsHandler)
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"name":    "llmevents",
			"version": options.AppVersion,
			"status":  "ok",
		})
	})

	return withCORS(mux)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(payload); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("{\"error\":\"internal server error\"}\n"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body.Bytes())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

func writeText(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, text)
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method+", OPTIONS")
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

func withCORS(next http.Handler) http.Handler {
	allowedHeaders := []string{"Content-Type", correlation.HeaderName}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", strings.Join(allowedHeaders, ", "))
		w.Header().Set("Access-Control-Expose-Headers", correlation.HeaderName)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// syncWriter serializes console writes from concurrent requests.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func newSyncWriter(w io.Writer) *syncWriter {
	if w == nil {
		w = io.Discard
	}
	return &syncWriter{w: w}
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
