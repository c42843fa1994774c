package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ongoingai/llmevents/internal/llmevent"
	openai "github.com/sashabaranov/go-openai"
)

type OpenAIOptions struct {
	APIKey  string
	BaseURL string
	Model   string
	// HTTPClient carries timeouts and the instrumented transport.
	HTTPClient *http.Client
}

// OpenAIClient implements Client with github.com/sashabaranov/go-openai.
type OpenAIClient struct {
	api   *openai.Client
	model string
}

func NewOpenAIClient(opts OpenAIOptions) (*OpenAIClient, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("openai api key is required")
	}
	if strings.TrimSpace(opts.Model) == "" {
		return nil, errors.New("openai model is required")
	}
	cfg := openai.DefaultConfig(opts.APIKey)
	if baseURL := strings.TrimSpace(opts.BaseURL); baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if opts.HTTPClient != nil {
		cfg.HTTPClient = opts.HTTPClient
	}
	return &OpenAIClient{api: openai.NewClientWithConfig(cfg), model: opts.Model}, nil
}

func (c *OpenAIClient) CreateCompletion(ctx context.Context, req Request) (llmevent.CompletionResult, error) {
	resp, err := c.api.CreateChatCompletion(ctx, c.buildRequest(req))
	if err != nil {
		return llmevent.CompletionResult{}, fmt.Errorf("create chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return llmevent.CompletionResult{}, errors.New("create chat completion: response has no choices")
	}
	choice := resp.Choices[0]
	return llmevent.CompletionResult{
		ResponseID:   resp.ID,
		Model:        resp.Model,
		FinishReason: string(choice.FinishReason),
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Text:         choice.Message.Content,
	}, nil
}

func (c *OpenAIClient) CreateStream(ctx context.Context, req Request) (Stream, error) {
	request := c.buildRequest(req)
	request.Stream = true
	request.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := c.api.CreateChatCompletionStream(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("create chat completion stream: %w", err)
	}
	return &openAIStream{stream: stream}, nil
}

func (c *OpenAIClient) buildRequest(req Request) openai.ChatCompletionRequest {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.model
	}
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if instructions := strings.TrimSpace(req.Instructions); instructions != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: instructions})
	}
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return openai.ChatCompletionRequest{Model: model, Messages: messages}
}

type openAIStream struct {
	stream *openai.ChatCompletionStream
}

// Recv returns io.EOF unwrapped at the end of the stream.
func (s *openAIStream) Recv() (llmevent.Delta, error) {
	chunk, err := s.stream.Recv()
	if err != nil {
		return llmevent.Delta{}, err
	}
	delta := llmevent.Delta{ResponseID: chunk.ID, Model: chunk.Model}
	if len(chunk.Choices) > 0 {
		delta.Text = chunk.Choices[0].Delta.Content
		delta.FinishReason = string(chunk.Choices[0].FinishReason)
	}
	if chunk.Usage != nil {
		delta.Usage = &llmevent.Usage{
			InputTokens:  chunk.Usage.PromptTokens,
			OutputTokens: chunk.Usage.CompletionTokens,
		}
	}
	return delta, nil
}

func (s *openAIStream) Close() error {
	return s.stream.Close()
}
