package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ongoingai/llmevents/internal/api"
	"github.com/ongoingai/llmevents/internal/chat"
	"github.com/ongoingai/llmevents/internal/completion"
	"github.com/ongoingai/llmevents/internal/config"
	"github.com/ongoingai/llmevents/internal/emitter"
	"github.com/ongoingai/llmevents/internal/eventstore"
	"github.com/ongoingai/llmevents/internal/observability"
	"github.com/ongoingai/llmevents/internal/version"
)

const defaultConfigPath = "llmevents.yaml"

const emitterShutdownTimeout = 5 * time.Second
const otelShutdownTimeout = 5 * time.Second
const serverReadHeaderTimeout = 10 * time.Second
const serverIdleTimeout = 2 * time.Minute

var signalNotifyContext = signal.NotifyContext

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		return runServe(nil, os.Stdout, os.Stderr)
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Println(version.String())
		return 0
	case "serve":
		return runServe(args[1:], os.Stdout, os.Stderr)
	case "config":
		return runConfig(args[1:], os.Stdout, os.Stderr)
	case "events":
		return runEvents(args[1:], os.Stdout, os.Stderr)
	case "diagnostics":
		return runDiagnostics(args[1:], os.Stdout, os.Stderr)
	case "doctor":
		return runDoctor(args[1:], os.Stdout, os.Stderr)
	default:
		printUsage(os.Stderr)
		return 2
	}
}

func runConfig(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printConfigUsage(errOut)
		return 2
	}

	switch args[0] {
	case "validate":
		return runConfigValidate(args[1:], out, errOut)
	default:
		printConfigUsage(errOut)
		return 2
	}
}

func runConfigValidate(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("config validate", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "config validate does not accept positional arguments")
		return 2
	}

	if _, _, err := loadAndValidateConfig(*configPath); err != nil {
		fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		return 1
	}

	fmt.Fprintf(out, "config is valid: %s\n", *configPath)
	return 0
}

// runServe blocks until the process receives SIGINT/SIGTERM or the listener
// fails. Logs go to out; startup failures go to errOut.
func runServe(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("serve", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}

	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		if stage == configStageLoad {
			fmt.Fprintf(errOut, "failed to load config: %v\n", err)
		} else {
			fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Logging, out)
	otelRuntime, otelErr := observability.Setup(context.Background(), cfg.Observability.OTel, version.String(), logger)
	if otelErr != nil {
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", "error", otelErr)
	}
	if otelRuntime != nil {
		defer shutdownOpenTelemetry(logger, otelRuntime, otelShutdownTimeout)
	}

	store, err := eventstore.Open(cfg.Storage.Driver, cfg.Storage.Path, cfg.Storage.DSN)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize %s storage: %v\n", cfg.Storage.Driver, err)
		return 1
	}
	if store != nil {
		defer func() {
			if err := store.Close(); err != nil {
				logger.Error("failed to close event store", "error", err)
			}
		}()
	}

	em := newEmitter(cfg, logger, store, otelRuntime)
	em.Start(context.Background())
	defer shutdownEmitter(logger, em, emitterShutdownTimeout)
	otelRuntime.RegisterQueueDepthGauge(em.QueueLen)

	chatClient, err := chat.NewOpenAIClient(chat.OpenAIOptions{
		APIKey:  cfg.OpenAI.APIKey,
		BaseURL: cfg.OpenAI.BaseURL,
		Model:   cfg.OpenAI.Model,
		HTTPClient: &http.Client{
			Timeout:   time.Duration(cfg.OpenAI.TimeoutMS) * time.Millisecond,
			Transport: otelRuntime.WrapHTTPTransport(http.DefaultTransport),
		},
	})
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize openai client: %v\n", err)
		return 1
	}

	service, err := completion.New(completion.Options{
		Client:       chatClient,
		Emitter:      em,
		Model:        cfg.OpenAI.Model,
		Vendor:       cfg.Telemetry.Vendor,
		IngestSource: cfg.Telemetry.IngestSource,
		Instructions: cfg.OpenAI.Instructions,
		StreamEvents: cfg.Telemetry.StreamEvents,
		Logger:       logger,
		OnUsage: func(ctx context.Context, usage completion.Usage) {
			otelRuntime.RecordTokenUsage(ctx, usage.Model, usage.Streaming, usage.InputTokens, usage.OutputTokens)
		},
	})
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize completion service: %v\n", err)
		return 1
	}

	router := api.NewRouter(api.RouterOptions{
		AppVersion:     version.String(),
		Completer:      service,
		Prompt:         cfg.OpenAI.Prompt,
		Console:        out,
		Store:          store,
		StorageDriver:  cfg.Storage.Driver,
		StoragePath:    cfg.Storage.Path,
		Diagnostics:    em,
		MetricsHandler: otelRuntime.PrometheusHandler(),
		Logger:         logger,
	})
	server := newServer(cfg, logger, otelRuntime, router)

	logger.Info(
		"startup banner",
		"version", version.String(),
		"addr", server.Addr,
		"model", cfg.OpenAI.Model,
		"storage", storageLabel(cfg.Storage),
		"sinks", em.SinkNames(),
		"config_path", *configPath,
		"otel_enabled", otelRuntime.Enabled(),
	)

	ctx, stop := signalNotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown", "error", err)
			return 1
		}
		logger.Info("server stopped")
		return 0
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", "error", err)
			return 1
		}
		return 0
	}
}

func newLogger(cfg config.LoggingConfig, out io.Writer) *slog.Logger {
	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	return slog.New(observability.NewTraceLogHandler(handler))
}

// newEmitter assembles the sink set from telemetry.sinks. Log and span
// sinks run inline; the store and HTTP sinks sit behind the queue.
func newEmitter(cfg config.Config, logger *slog.Logger, store eventstore.Store, otelRuntime *observability.Runtime) *emitter.Emitter {
	sinks := cfg.Telemetry.Sinks

	var inline, queued []emitter.Sink
	if sinks.Log {
		inline = append(inline, &emitter.LogSink{Logger: logger, Level: slog.LevelInfo})
	}
	if sinks.SpanEvents {
		inline = append(inline, emitter.SpanSink{})
	}
	if sinks.Store && store != nil {
		queued = append(queued, &emitter.StoreSink{Store: store})
	}
	if sinks.HTTP.Enabled {
		httpSink := emitter.NewHTTPSink(sinks.HTTP.Endpoint, sinks.HTTP.APIKey, sinks.HTTP.APIKeyHeader, &http.Client{
			Timeout:   time.Duration(sinks.HTTP.TimeoutMS) * time.Millisecond,
			Transport: otelRuntime.WrapHTTPTransport(http.DefaultTransport),
		})
		httpSink.UserAgent = version.UserAgent()
		queued = append(queued, httpSink)
	}

	var sanitize func(string) string
	if cfg.Telemetry.ScrubCredentials {
		sanitize = observability.ScrubCredentials
	}

	return emitter.New(emitter.Options{
		Inline:    inline,
		Queued:    queued,
		QueueSize: cfg.Telemetry.QueueSize,
		Sanitize:  sanitize,
		Logger:    logger,
		Metrics:   emitterMetrics(otelRuntime),
	})
}

func emitterMetrics(otelRuntime *observability.Runtime) *emitter.Metrics {
	if !otelRuntime.Enabled() {
		return nil
	}
	return &emitter.Metrics{
		OnDelivered: otelRuntime.RecordEventDelivered,
		OnFailure: func(failure emitter.Failure) {
			otelRuntime.RecordEventFailure(failure.Sink, failure.Operation, failure.ErrorClass, failure.FailedCount)
		},
		OnDrop:  otelRuntime.RecordEventDrop,
		OnFlush: otelRuntime.RecordEmitterFlush,
	}
}

// newServer layers the inbound middleware. The otelhttp wrapper is outermost
// so the access log and span enrichment see the server span.
func newServer(cfg config.Config, logger *slog.Logger, otelRuntime *observability.Runtime, router http.Handler) *http.Server {
	handler := api.LoggingMiddleware(logger, router)
	handler = otelRuntime.SpanEnrichmentMiddleware(handler)
	handler = otelRuntime.WrapHTTPHandler(handler)

	return &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           handler,
		ReadHeaderTimeout: serverReadHeaderTimeout,
		IdleTimeout:       serverIdleTimeout,
	}
}

func shutdownEmitter(logger *slog.Logger, em *emitter.Emitter, timeout time.Duration) {
	if em == nil {
		return
	}

	start := time.Now()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := em.Shutdown(shutdownCtx); err != nil {
		logger.Error(
			"failed to flush pending llm events before shutdown",
			"error", err,
			"timeout", timeout.String(),
		)
		return
	}
	logger.Info("flushed pending llm events before shutdown", "duration_ms", time.Since(start).Milliseconds())
}

func shutdownOpenTelemetry(logger *slog.Logger, runtime *observability.Runtime, timeout time.Duration) {
	if runtime == nil || !runtime.Enabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := runtime.Shutdown(ctx); err != nil {
		logger.Error("failed to shutdown opentelemetry providers", "error", err, "timeout", timeout.String())
	}
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  llmevents serve [--config path/to/llmevents.yaml]")
	fmt.Fprintln(out, "  llmevents version")
	fmt.Fprintln(out, "  llmevents config validate [--config path/to/llmevents.yaml]")
	fmt.Fprintln(out, "  llmevents events [--config path/to/llmevents.yaml] [--id ID] [--completion-id ID] [--event-type NAME] [--trace-id ID] [--limit N] [--format text|json]")
	fmt.Fprintln(out, "  llmevents doctor [--config path/to/llmevents.yaml] [--format text|json]")
	fmt.Fprintln(out, "  llmevents diagnostics [emitter] [--config path/to/llmevents.yaml] [--base-url URL] [--format text|json] [--timeout DURATION]")
}

func printConfigUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  llmevents config validate [--config path/to/llmevents.yaml]")
}

func storageLabel(cfg config.StorageConfig) string {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == config.StorageDriverSQLite {
		return driver + ":" + cfg.Path
	}
	return driver
}
