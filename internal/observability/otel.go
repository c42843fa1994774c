package observability

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ongoingai/llmevents/internal/config"
	"github.com/ongoingai/llmevents/internal/correlation"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "llmevents"
)

// Runtime exposes OpenTelemetry HTTP wrappers and event pipeline metric hooks.
type Runtime struct {
	enabled bool

	eventDeliveredCounter metric.Int64Counter
	eventFailedCounter    metric.Int64Counter
	eventDroppedCounter   metric.Int64Counter
	flushDuration         metric.Float64Histogram
	tokenCounter          metric.Int64Counter

	prometheusHandler http.Handler

	shutdownFns []func(context.Context) error
}

// Setup initializes OpenTelemetry providers and runtime hooks.
func Setup(ctx context.Context, cfg config.OTelConfig, serviceVersion string, logger *slog.Logger) (*Runtime, error) {
	return setup(ctx, cfg, serviceVersion, logger, os.Stdout)
}

func setup(ctx context.Context, cfg config.OTelConfig, serviceVersion string, logger *slog.Logger, stdout io.Writer) (*Runtime, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	runtime := &Runtime{}
	if !cfg.Enabled {
		return runtime, nil
	}

	exportTimeout := time.Duration(cfg.ExportTimeoutMS) * time.Millisecond
	metricInterval := time.Duration(cfg.MetricExportIntervalMS) * time.Millisecond

	var otlpEndpoint string
	insecure := cfg.Insecure
	if usesOTLP(cfg) {
		endpoint, inferredInsecure, err := normalizeOTLPEndpoint(cfg.Endpoint)
		if err != nil {
			return nil, err
		}
		otlpEndpoint = endpoint
		if strings.Contains(strings.TrimSpace(cfg.Endpoint), "://") {
			// An explicit scheme wins over the insecure toggle.
			insecure = inferredInsecure
		}
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", strings.TrimSpace(cfg.ServiceName)),
		attribute.String("service.version", strings.TrimSpace(serviceVersion)),
	)

	if cfg.TracesEnabled {
		var (
			traceExporter sdktrace.SpanExporter
			err           error
		)
		switch cfg.TracesExporter {
		case config.TracesExporterStdout:
			traceExporter, err = stdouttrace.New(stdouttrace.WithWriter(stdout))
		default:
			traceExporterOptions := []otlptracehttp.Option{
				otlptracehttp.WithEndpoint(otlpEndpoint),
				otlptracehttp.WithTimeout(exportTimeout),
			}
			if insecure {
				traceExporterOptions = append(traceExporterOptions, otlptracehttp.WithInsecure())
			}
			traceExporter, err = otlptracehttp.New(ctx, traceExporterOptions...)
		}
		if err != nil {
			return nil, fmt.Errorf("initialize otel trace exporter: %w", err)
		}

		tracerProvider := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRatio))),
			sdktrace.WithBatcher(newScrubbingExporter(traceExporter)),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tracerProvider)
		runtime.shutdownFns = append(runtime.shutdownFns, tracerProvider.Shutdown)
	}

	if cfg.MetricsEnabled {
		var reader sdkmetric.Reader
		switch cfg.MetricsExporter {
		case config.MetricsExporterPrometheus:
			registry := prometheus.NewRegistry()
			exporter, err := promexporter.New(promexporter.WithRegisterer(registry))
			if err != nil {
				_ = runtime.Shutdown(context.Background())
				return nil, fmt.Errorf("initialize prometheus exporter: %w", err)
			}
			runtime.prometheusHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{
				ErrorHandling: promhttp.ContinueOnError,
			})
			reader = exporter
		default:
			metricExporterOptions := []otlpmetrichttp.Option{
				otlpmetrichttp.WithEndpoint(otlpEndpoint),
				otlpmetrichttp.WithTimeout(exportTimeout),
			}
			if insecure {
				metricExporterOptions = append(metricExporterOptions, otlpmetrichttp.WithInsecure())
			}
			metricExporter, err := otlpmetrichttp.New(ctx, metricExporterOptions...)
			if err != nil {
				_ = runtime.Shutdown(context.Background())
				return nil, fmt.Errorf("initialize otel metric exporter: %w", err)
			}
			reader = sdkmetric.NewPeriodicReader(
				metricExporter,
				sdkmetric.WithInterval(metricInterval),
				sdkmetric.WithTimeout(exportTimeout),
			)
		}

		meterProvider := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(reader),
		)
		otel.SetMeterProvider(meterProvider)
		runtime.shutdownFns = append(runtime.shutdownFns, meterProvider.Shutdown)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	runtime.initInstruments(otel.Meter(instrumentationName), logger)
	runtime.enabled = true
	if logger != nil {
		logger.Info(
			"opentelemetry enabled",
			"otel_endpoint", otlpEndpoint,
			"otel_traces_enabled", cfg.TracesEnabled,
			"otel_traces_exporter", cfg.TracesExporter,
			"otel_metrics_enabled", cfg.MetricsEnabled,
			"otel_metrics_exporter", cfg.MetricsExporter,
			"otel_sampling_ratio", cfg.SamplingRatio,
		)
	}

	return runtime, nil
}

func (r *Runtime) initInstruments(meter metric.Meter, logger *slog.Logger) {
	warn := func(name string, err error) {
		if err != nil && logger != nil {
			logger.Warn("failed to create opentelemetry instrument", "metric", name, "error", err)
		}
	}

	var err error
	r.eventDeliveredCounter, err = meter.Int64Counter(
		"llmevents.events.delivered_total",
		metric.WithDescription("Count of LLM events accepted by a sink."),
	)
	warn("llmevents.events.delivered_total", err)

	r.eventFailedCounter, err = meter.Int64Counter(
		"llmevents.events.failed_total",
		metric.WithDescription("Count of LLM events a sink failed to accept."),
	)
	warn("llmevents.events.failed_total", err)

	r.eventDroppedCounter, err = meter.Int64Counter(
		"llmevents.events.dropped_total",
		metric.WithDescription("Count of LLM events dropped because the emitter queue was full."),
	)
	warn("llmevents.events.dropped_total", err)

	r.flushDuration, err = meter.Float64Histogram(
		"llmevents.emitter.flush_duration_ms",
		metric.WithDescription("Time spent delivering one queued batch to all queued sinks."),
		metric.WithUnit("ms"),
	)
	warn("llmevents.emitter.flush_duration_ms", err)

	r.tokenCounter, err = meter.Int64Counter(
		"llmevents.completion.tokens_total",
		metric.WithDescription("Count of tokens consumed by completed generations."),
	)
	warn("llmevents.completion.tokens_total", err)
}

// Enabled reports whether OpenTelemetry instrumentation is active.
func (r *Runtime) Enabled() bool {
	return r != nil && r.enabled
}

// PrometheusHandler returns the scrape handler when the prometheus metrics
// exporter is active, or nil.
func (r *Runtime) PrometheusHandler() http.Handler {
	if !r.Enabled() {
		return nil
	}
	return r.prometheusHandler
}

// WrapHTTPHandler wraps an inbound HTTP handler with OpenTelemetry spans.
func (r *Runtime) WrapHTTPHandler(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if !r.Enabled() {
		return next
	}
	return otelhttp.NewHandler(
		next,
		"llmevents.request",
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return serverSpanName(req.Method, req.URL.Path)
		}),
	)
}

// SpanEnrichmentMiddleware adds the route and correlation id to the server
// span and marks 5xx responses as errors.
func (r *Runtime) SpanEnrichmentMiddleware(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if !r.Enabled() {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusCapturingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(recorder, req)

		span := oteltrace.SpanFromContext(req.Context())
		if span == nil || !span.IsRecording() {
			return
		}

		statusCode := recorder.StatusCode()
		if statusCode >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, fmt.Sprintf("http %d", statusCode))
		}

		attrs := []attribute.KeyValue{
			attribute.String("http.route", routePatternForPath(req.URL.Path)),
		}
		if correlationID, ok := correlation.FromContext(req.Context()); ok {
			attrs = append(attrs, attribute.String("llmevents.correlation_id", correlationID))
		}
		span.SetAttributes(attrs...)
	})
}

// WrapHTTPTransport wraps an outbound HTTP transport with OpenTelemetry spans.
func (r *Runtime) WrapHTTPTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if !r.Enabled() {
		return base
	}
	return otelhttp.NewTransport(
		base,
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return clientSpanName(req.Method, req.URL.Host)
		}),
	)
}

// RecordEventDelivered counts one record accepted by sink.
func (r *Runtime) RecordEventDelivered(eventType, sink string) {
	if !r.Enabled() || r.eventDeliveredCounter == nil {
		return
	}
	r.eventDeliveredCounter.Add(
		context.Background(),
		1,
		metric.WithAttributes(
			attribute.String("event_type", eventType),
			attribute.String("sink", sink),
		),
	)
}

// RecordEventFailure counts records a sink failed to accept.
func (r *Runtime) RecordEventFailure(sink, operation, errorClass string, failedCount int) {
	if !r.Enabled() || failedCount <= 0 || r.eventFailedCounter == nil {
		return
	}
	r.eventFailedCounter.Add(
		context.Background(),
		int64(failedCount),
		metric.WithAttributes(
			attribute.String("sink", strings.TrimSpace(sink)),
			attribute.String("operation", strings.TrimSpace(operation)),
			attribute.String("error_class", strings.TrimSpace(errorClass)),
		),
	)
}

// RecordEventDrop counts a record dropped at enqueue time.
func (r *Runtime) RecordEventDrop(eventType string) {
	if !r.Enabled() || r.eventDroppedCounter == nil {
		return
	}
	r.eventDroppedCounter.Add(
		context.Background(),
		1,
		metric.WithAttributes(attribute.String("event_type", eventType)),
	)
}

// RecordEmitterFlush records how long one queued batch took to deliver.
func (r *Runtime) RecordEmitterFlush(batchSize int, duration time.Duration) {
	if !r.Enabled() || batchSize <= 0 || r.flushDuration == nil {
		return
	}
	r.flushDuration.Record(
		context.Background(),
		float64(duration)/float64(time.Millisecond),
		metric.WithAttributes(attribute.Int("batch_size", batchSize)),
	)
}

// RecordTokenUsage counts input and output tokens of one generation.
func (r *Runtime) RecordTokenUsage(ctx context.Context, model string, streaming bool, inputTokens, outputTokens int) {
	if !r.Enabled() || r.tokenCounter == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	for _, usage := range []struct {
		tokenType string
		count     int
	}{
		{tokenType: "input", count: inputTokens},
		{tokenType: "output", count: outputTokens},
	} {
		if usage.count <= 0 {
			continue
		}
		r.tokenCounter.Add(
			ctx,
			int64(usage.count),
			metric.WithAttributes(
				attribute.String("gen_ai.request.model", model),
				attribute.String("gen_ai.token.type", usage.tokenType),
				attribute.Bool("streaming", streaming),
			),
		)
	}
}

// RegisterQueueDepthGauge reports the emitter queue length on collection.
func (r *Runtime) RegisterQueueDepthGauge(depth func() int) {
	if !r.Enabled() || depth == nil {
		return
	}
	_, _ = otel.Meter(instrumentationName).Int64ObservableGauge(
		"llmevents.emitter.queue_depth",
		metric.WithDescription("Number of LLM events waiting in the emitter queue."),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			observer.Observe(int64(depth()))
			return nil
		}),
	)
}

// Shutdown flushes and stops OpenTelemetry providers.
func (r *Runtime) Shutdown(ctx context.Context) error {
	if r == nil || len(r.shutdownFns) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var errs []error
	for i := len(r.shutdownFns) - 1; i >= 0; i-- {
		if err := r.shutdownFns[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

func usesOTLP(cfg config.OTelConfig) bool {
	return (cfg.TracesEnabled && cfg.TracesExporter != config.TracesExporterStdout) ||
		(cfg.MetricsEnabled && cfg.MetricsExporter != config.MetricsExporterPrometheus)
}

func normalizeOTLPEndpoint(raw string) (string, bool, error) {
	endpoint := strings.TrimSpace(raw)
	if endpoint == "" {
		return "", false, errors.New("observability.otel.endpoint must not be empty")
	}

	if !strings.Contains(endpoint, "://") {
		return endpoint, false, nil
	}

	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("parse observability.otel.endpoint: %w", err)
	}
	if strings.TrimSpace(parsed.Host) == "" {
		return "", false, fmt.Errorf("observability.otel.endpoint must include host (got %q)", raw)
	}

	switch strings.ToLower(strings.TrimSpace(parsed.Scheme)) {
	case "http":
		return parsed.Host, true, nil
	case "https":
		return parsed.Host, false, nil
	default:
		return "", false, fmt.Errorf("observability.otel.endpoint scheme must be http or https when provided (got %q)", parsed.Scheme)
	}
}

func routePatternForPath(path string) string {
	switch {
	case path == "/joke", path == "/jokeStreaming", path == "/chat", path == "/metrics":
		return path
	case path == "/api" || strings.HasPrefix(path, "/api/"):
		return "/api/*"
	default:
		return "/other"
	}
}

func serverSpanName(method, path string) string {
	return normalizedMethod(method) + " " + routePatternForPath(path)
}

func clientSpanName(method, host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		host = "unknown"
	}
	return "upstream " + normalizedMethod(method) + " " + host
}

func normalizedMethod(method string) string {
	method = strings.TrimSpace(method)
	if method == "" {
		return "UNKNOWN"
	}
	return method
}

type statusCapturingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

// Unwrap lets http.ResponseController discover optional interfaces provided by
// the underlying writer (for example SetWriteDeadline).
func (w *statusCapturingResponseWriter) Unwrap() http.ResponseWriter {
	if w == nil {
		return nil
	}
	return w.ResponseWriter
}

func (w *statusCapturingResponseWriter) Header() http.Header {
	return w.ResponseWriter.Header()
}

func (w *statusCapturingResponseWriter) WriteHeader(statusCode int) {
	if w.statusCode == 0 {
		w.statusCode = statusCode
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusCapturingResponseWriter) Write(p []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return w.ResponseWriter.Write(p)
}

func (w *statusCapturingResponseWriter) StatusCode() int {
	if w.statusCode == 0 {
		return http.StatusOK
	}
	return w.statusCode
}

func (w *statusCapturingResponseWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *statusCapturingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hijacker.Hijack()
}
