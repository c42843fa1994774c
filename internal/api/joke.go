package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ongoingai/llmevents/internal/completion"
	"github.com/ongoingai/llmevents/internal/llmevent"
)

const (
	streamingCompletedText = "Streaming completed."
	maxChatBodyBytes       = 1 << 20
	maxChatMessages        = 256
)

type JokeOptions struct {
	Completer Completer
	Prompt    string
	Console   io.Writer
	Logger    *slog.Logger
}

func (o JokeOptions) history() []llmevent.Message {
	return []llmevent.Message{{Role: llmevent.RoleUser, Content: o.Prompt}}
}

func (o JokeOptions) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

func (o JokeOptions) console() io.Writer {
	if o.Console == nil {
		return io.Discard
	}
	return o.Console
}

// JokeHandler asks for one completion of the configured prompt and returns
// its text as text/plain. The text is echoed to the console writer.
func JokeHandler(options JokeOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if options.Completer == nil {
			http.Error(w, "completion service unavailable", http.StatusServiceUnavailable)
			return
		}

		reply, err := options.Completer.Complete(r.Context(), options.history())
		if err != nil {
			logCompletionFailure(r.Context(), options.logger(), "/joke", err)
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}

		_, _ = fmt.Fprintln(options.console(), reply.Text)
		writeText(w, http.StatusOK, reply.Text)
	})
}

// JokeStreamingHandler streams a completion of the configured prompt,
// writing each non-empty delta to the console writer as it arrives, and
// answers with a fixed confirmation once the stream is exhausted.
func JokeStreamingHandler(options JokeOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if options.Completer == nil {
			http.Error(w, "completion service unavailable", http.StatusServiceUnavailable)
			return
		}

		console := options.console()
		_, err := options.Completer.CompleteStreaming(r.Context(), options.history(), func(delta string) {
			_, _ = io.WriteString(console, delta)
		})
		if err != nil {
			logCompletionFailure(r.Context(), options.logger(), "/jokeStreaming", err)
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}

		_, _ = io.WriteString(console, "\n")
		writeText(w, http.StatusOK, streamingCompletedText)
	})
}

type chatRequest struct {
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	CompletionID string `json:"completion_id"`
	Content      string `json:"content"`
	Model        string `json:"model,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// ChatHandler completes a caller-supplied conversation. The conversation is
// not retained between calls.
func ChatHandler(completer Completer, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		if completer == nil {
			writeError(w, http.StatusServiceUnavailable, "completion service unavailable")
			return
		}

		history, err := decodeChatRequest(w, r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		reply, err := completer.Complete(r.Context(), history)
		if err != nil {
			if errors.Is(err, completion.ErrEmptyConversation) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			logCompletionFailure(r.Context(), logger, "/chat", err)
			writeError(w, http.StatusBadGateway, "completion failed")
			return
		}

		writeJSON(w, http.StatusOK, chatResponse{
			CompletionID: reply.CompletionID,
			Content:      reply.Text,
			Model:        reply.Result.Model,
			FinishReason: reply.Result.FinishReason,
			InputTokens:  reply.Result.InputTokens,
			OutputTokens: reply.Result.OutputTokens,
		})
	})
}

func decodeChatRequest(w http.ResponseWriter, r *http.Request) ([]llmevent.Message, error) {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBodyBytes))
	decoder.DisallowUnknownFields()

	var payload chatRequest
	if err := decoder.Decode(&payload); err != nil {
		return nil, fmt.Errorf("invalid json body: %w", err)
	}
	if len(payload.Messages) == 0 {
		return nil, errors.New("messages must not be empty")
	}
	if len(payload.Messages) > maxChatMessages {
		return nil, fmt.Errorf("messages must contain at most %d entries", maxChatMessages)
	}

	history := make([]llmevent.Message, 0, len(payload.Messages))
	for i, msg := range payload.Messages {
		role := strings.ToLower(strings.TrimSpace(msg.Role))
		switch role {
		case llmevent.RoleUser, llmevent.RoleAssistant, llmevent.RoleSystem:
		default:
			return nil, fmt.Errorf("messages[%d].role must be one of user, assistant, system", i)
		}
		history = append(history, llmevent.Message{Role: role, Content: msg.Content})
	}
	return history, nil
}

func logCompletionFailure(ctx context.Context, logger *slog.Logger, route string, err error) {
	if errors.Is(err, context.Canceled) {
		logger.InfoContext(ctx, "completion cancelled by client", "route", route)
		return
	}
	logger.ErrorContext(ctx, "completion failed", "route", route, "error", err)
}
