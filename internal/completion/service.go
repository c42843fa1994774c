// Package completion runs chat completions and emits their telemetry events.
package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ongoingai/llmevents/internal/chat"
	"github.com/ongoingai/llmevents/internal/emitter"
	"github.com/ongoingai/llmevents/internal/llmevent"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const instrumentationName = "llmevents.completion"

// GenAI semantic convention keys set on the completion span.
const (
	attrGenAISystem        = "gen_ai.system"
	attrGenAIOperation     = "gen_ai.operation.name"
	attrGenAIRequestModel  = "gen_ai.request.model"
	attrGenAIResponseModel = "gen_ai.response.model"
	attrGenAIResponseID    = "gen_ai.response.id"
	attrGenAIFinishReasons = "gen_ai.response.finish_reasons"
	attrGenAIInputTokens   = "gen_ai.usage.input_tokens"
	attrGenAIOutputTokens  = "gen_ai.usage.output_tokens"
	attrCompletionID       = "llm.completion_id"
	attrStreaming          = "llm.streaming"
)

var ErrEmptyConversation = errors.New("conversation has no messages")

// Emitter is the subset of *emitter.Emitter the service needs.
type Emitter interface {
	Emit(ctx context.Context, rec llmevent.Record) emitter.Result
}

// Usage is reported once per completed generation.
type Usage struct {
	Model        string
	InputTokens  int
	OutputTokens int
	Streaming    bool
}

type Options struct {
	Client       chat.Client
	Emitter      Emitter
	Model        string
	Vendor       string
	IngestSource string
	Instructions string
	// StreamEvents enables events for successfully aggregated streams.
	StreamEvents   bool
	Logger         *slog.Logger
	TracerProvider oteltrace.TracerProvider
	// OnUsage, when set, observes token usage of every completed generation.
	OnUsage func(ctx context.Context, usage Usage)
}

// Reply is the caller-visible outcome of one completion.
type Reply struct {
	CompletionID string
	Text         string
	Result       llmevent.CompletionResult
	// EventsEmitted counts records handed to the emitter.
	EventsEmitted int
}

type Service struct {
	client       chat.Client
	emitter      Emitter
	model        string
	vendor       string
	ingestSource string
	instructions string
	streamEvents bool
	logger       *slog.Logger
	tracer       oteltrace.Tracer
	onUsage      func(context.Context, Usage)
}

func New(opts Options) (*Service, error) {
	if opts.Client == nil {
		return nil, errors.New("chat client is required")
	}
	if strings.TrimSpace(opts.Model) == "" {
		return nil, errors.New("model is required")
	}
	vendor := strings.TrimSpace(opts.Vendor)
	if vendor == "" {
		vendor = llmevent.VendorOpenAI
	}
	ingestSource := strings.TrimSpace(opts.IngestSource)
	if ingestSource == "" {
		ingestSource = llmevent.DefaultIngestSource
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Service{
		client:       opts.Client,
		emitter:      opts.Emitter,
		model:        opts.Model,
		vendor:       vendor,
		ingestSource: ingestSource,
		instructions: opts.Instructions,
		streamEvents: opts.StreamEvents,
		logger:       logger,
		tracer:       tp.Tracer(instrumentationName),
		onUsage:      opts.OnUsage,
	}, nil
}

// Model returns the configured request model.
func (s *Service) Model() string {
	return s.model
}

// Complete runs one non-streaming completion over history and emits its
// summary and message events. Emission outcome never changes the reply.
func (s *Service) Complete(ctx context.Context, history []llmevent.Message) (Reply, error) {
	if len(history) == 0 {
		return Reply{}, ErrEmptyConversation
	}
	ctx, span := s.startSpan(ctx, false)
	defer span.End()

	result, err := s.client.CreateCompletion(ctx, s.request(history))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chat completion failed")
		return Reply{}, err
	}
	return s.finish(ctx, span, history, result, false, true), nil
}

// CompleteStreaming runs one streaming completion. onDelta observes every
// non-empty fragment as it arrives. Events are emitted only for a stream
// that completes, and only when stream events are enabled.
func (s *Service) CompleteStreaming(ctx context.Context, history []llmevent.Message, onDelta func(string)) (Reply, error) {
	if len(history) == 0 {
		return Reply{}, ErrEmptyConversation
	}
	ctx, span := s.startSpan(ctx, true)
	defer span.End()

	stream, err := s.client.CreateStream(ctx, s.request(history))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chat stream failed")
		return Reply{}, err
	}
	defer func() {
		if closeErr := stream.Close(); closeErr != nil {
			s.logger.DebugContext(ctx, "close chat stream", "error", closeErr)
		}
	}()

	agg := llmevent.NewAggregator(onDelta)
	result, err := agg.Consume(ctx, stream)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chat stream "+agg.State().String())
		return Reply{}, fmt.Errorf("aggregate chat stream: %w", err)
	}
	return s.finish(ctx, span, history, result, true, s.streamEvents), nil
}

func (s *Service) request(history []llmevent.Message) chat.Request {
	return chat.Request{Model: s.model, Instructions: s.instructions, Messages: history}
}

func (s *Service) startSpan(ctx context.Context, streaming bool) (context.Context, oteltrace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.tracer.Start(ctx, "chat "+s.model,
		oteltrace.WithSpanKind(oteltrace.SpanKindClient),
		oteltrace.WithAttributes(
			attribute.String(attrGenAISystem, strings.ToLower(s.vendor)),
			attribute.String(attrGenAIOperation, "chat"),
			attribute.String(attrGenAIRequestModel, s.model),
			attribute.Bool(attrStreaming, streaming),
		),
	)
}

func (s *Service) finish(ctx context.Context, span oteltrace.Span, history []llmevent.Message, result llmevent.CompletionResult, streaming, emit bool) Reply {
	cc := llmevent.NewCompletionContext(s.vendor, s.model, s.ingestSource)
	span.SetAttributes(
		attribute.String(attrCompletionID, cc.CompletionID),
		attribute.String(attrGenAIResponseModel, result.Model),
		attribute.String(attrGenAIResponseID, result.ResponseID),
		attribute.StringSlice(attrGenAIFinishReasons, []string{result.FinishReason}),
		attribute.Int(attrGenAIInputTokens, result.InputTokens),
		attribute.Int(attrGenAIOutputTokens, result.OutputTokens),
	)
	if s.onUsage != nil {
		s.onUsage(ctx, Usage{
			Model:        s.model,
			InputTokens:  result.InputTokens,
			OutputTokens: result.OutputTokens,
			Streaming:    streaming,
		})
	}

	reply := Reply{CompletionID: cc.CompletionID, Text: result.Text, Result: result}
	if !emit || s.emitter == nil {
		return reply
	}

	tc := llmevent.CaptureTrace(ctx)
	messages := llmevent.BuildMessages(history, result.Text, cc, tc, result)
	summary := llmevent.BuildSummary(result, cc, tc)
	summary.NumberOfMessages = len(messages)

	records := make([]llmevent.Record, 0, len(messages)+1)
	records = append(records, summary.Record())
	for _, m := range messages {
		records = append(records, m.Record())
	}

	failed := 0
	for _, rec := range records {
		if res := s.emitter.Emit(ctx, rec); res.Err != nil {
			failed++
		}
	}
	reply.EventsEmitted = len(records)
	if failed > 0 {
		s.logger.DebugContext(ctx, "llm events emitted with failures",
			"completion_id", cc.CompletionID,
			"events", len(records),
			"failed", failed,
		)
	}
	return reply
}
