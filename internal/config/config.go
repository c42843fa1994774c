package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	OpenAI        OpenAIConfig        `yaml:"openai"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Storage       StorageConfig       `yaml:"storage"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type OpenAIConfig struct {
	APIKey       string `yaml:"api_key"`
	Model        string `yaml:"model"`
	BaseURL      string `yaml:"base_url"`
	Instructions string `yaml:"instructions"`
	Prompt       string `yaml:"prompt"`
	TimeoutMS    int    `yaml:"timeout_ms"`
}

type TelemetryConfig struct {
	Vendor       string `yaml:"vendor"`
	IngestSource string `yaml:"ingest_source"`
	// StreamEvents emits events for successfully completed streams.
	StreamEvents     bool        `yaml:"stream_events"`
	ScrubCredentials bool        `yaml:"scrub_credentials"`
	QueueSize        int         `yaml:"queue_size"`
	Sinks            SinksConfig `yaml:"sinks"`
}

type SinksConfig struct {
	Log        bool           `yaml:"log"`
	SpanEvents bool           `yaml:"span_events"`
	Store      bool           `yaml:"store"`
	HTTP       HTTPSinkConfig `yaml:"http"`
}

type HTTPSinkConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Endpoint     string `yaml:"endpoint"`
	APIKey       string `yaml:"api_key"`
	APIKeyHeader string `yaml:"api_key_header"`
	TimeoutMS    int    `yaml:"timeout_ms"`
}

const (
	StorageDriverNone     = "none"
	StorageDriverSQLite   = "sqlite"
	StorageDriverPostgres = "postgres"
)

type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// Enabled reports whether a durable event store is configured.
func (c StorageConfig) Enabled() bool {
	driver := strings.ToLower(strings.TrimSpace(c.Driver))
	return driver != "" && driver != StorageDriverNone
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// SlogLevel maps the configured level name onto slog. Unknown names map to
// info; Validate rejects them first.
func (c LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.Level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type ObservabilityConfig struct {
	OTel OTelConfig `yaml:"otel"`
}

const (
	TracesExporterOTLP        = "otlp"
	TracesExporterStdout      = "stdout"
	MetricsExporterOTLP       = "otlp"
	MetricsExporterPrometheus = "prometheus"
)

type OTelConfig struct {
	Enabled                bool    `yaml:"enabled"`
	Endpoint               string  `yaml:"endpoint"`
	Insecure               bool    `yaml:"insecure"`
	ServiceName            string  `yaml:"service_name"`
	TracesEnabled          bool    `yaml:"traces_enabled"`
	MetricsEnabled         bool    `yaml:"metrics_enabled"`
	TracesExporter         string  `yaml:"traces_exporter"`
	MetricsExporter        string  `yaml:"metrics_exporter"`
	SamplingRatio          float64 `yaml:"sampling_ratio"`
	ExportTimeoutMS        int     `yaml:"export_timeout_ms"`
	MetricExportIntervalMS int     `yaml:"metric_export_interval_ms"`
}

const (
	DefaultModel        = "gpt-4o-mini"
	DefaultInstructions = "You are good at telling jokes."
	DefaultPrompt       = "Tell me a joke about a pirate."

	defaultOpenAIBaseURL              = "https://api.openai.com/v1"
	defaultOpenAITimeoutMS            = 60000
	defaultHTTPSinkTimeoutMS          = 10000
	defaultQueueSize                  = 1024
	defaultOTELEndpoint               = "localhost:4318"
	defaultOTELServiceName            = "llmevents"
	defaultOTELSamplingRatio          = 1.0
	defaultOTELExportTimeoutMS        = 3000
	defaultOTELMetricExportIntervalMS = 10000
)

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		OpenAI: OpenAIConfig{
			Model:        DefaultModel,
			BaseURL:      defaultOpenAIBaseURL,
			Instructions: DefaultInstructions,
			Prompt:       DefaultPrompt,
			TimeoutMS:    defaultOpenAITimeoutMS,
		},
		Telemetry: TelemetryConfig{
			Vendor:           "OpenAI",
			IngestSource:     "Go",
			StreamEvents:     true,
			ScrubCredentials: true,
			QueueSize:        defaultQueueSize,
			Sinks: SinksConfig{
				Log:        true,
				SpanEvents: true,
				Store:      true,
				HTTP: HTTPSinkConfig{
					APIKeyHeader: "X-Insert-Key",
					TimeoutMS:    defaultHTTPSinkTimeoutMS,
				},
			},
		},
		Storage: StorageConfig{
			Driver: StorageDriverNone,
			Path:   "./data/llmevents.db",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Observability: ObservabilityConfig{
			OTel: OTelConfig{
				Enabled:                false,
				Endpoint:               defaultOTELEndpoint,
				Insecure:               true,
				ServiceName:            defaultOTELServiceName,
				TracesEnabled:          true,
				MetricsEnabled:         true,
				TracesExporter:         TracesExporterOTLP,
				MetricsExporter:        MetricsExporterOTLP,
				SamplingRatio:          defaultOTELSamplingRatio,
				ExportTimeoutMS:        defaultOTELExportTimeoutMS,
				MetricExportIntervalMS: defaultOTELMetricExportIntervalMS,
			},
		},
	}
}

// Load reads path over Default and applies environment overrides. A missing
// file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := decodeSingleDocument(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeSingleDocument(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	var trailing any
	if err := decoder.Decode(&trailing); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if trailing != nil {
		return errors.New("multiple yaml documents are not supported")
	}
	return nil
}

// Validate checks configuration invariants required at runtime.
func Validate(cfg Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535 (got %d)", cfg.Server.Port)
	}

	if strings.TrimSpace(cfg.OpenAI.APIKey) == "" {
		return errors.New("openai.api_key is required (set OPENAI_API_KEY)")
	}
	if strings.TrimSpace(cfg.OpenAI.Model) == "" {
		return errors.New("openai.model must not be empty")
	}
	if err := validateURL("openai.base_url", cfg.OpenAI.BaseURL); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.OpenAI.Prompt) == "" {
		return errors.New("openai.prompt must not be empty")
	}
	if cfg.OpenAI.TimeoutMS <= 0 {
		return fmt.Errorf("openai.timeout_ms must be > 0 (got %d)", cfg.OpenAI.TimeoutMS)
	}

	if err := validateTelemetry(cfg.Telemetry); err != nil {
		return err
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case StorageDriverNone, "":
	case StorageDriverSQLite:
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return errors.New("storage.path is required when storage.driver=sqlite")
		}
	case StorageDriverPostgres:
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return errors.New("storage.dsn is required when storage.driver=postgres")
		}
	default:
		return fmt.Errorf("storage.driver must be one of none, sqlite, postgres (got %q)", cfg.Storage.Driver)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error (got %q)", cfg.Logging.Level)
	}

	return validateOTelConfig(cfg.Observability.OTel)
}

func validateTelemetry(cfg TelemetryConfig) error {
	if strings.TrimSpace(cfg.Vendor) == "" {
		return errors.New("telemetry.vendor must not be empty")
	}
	if strings.TrimSpace(cfg.IngestSource) == "" {
		return errors.New("telemetry.ingest_source must not be empty")
	}
	if cfg.QueueSize <= 0 {
		return fmt.Errorf("telemetry.queue_size must be > 0 (got %d)", cfg.QueueSize)
	}
	http := cfg.Sinks.HTTP
	if !http.Enabled {
		return nil
	}
	if strings.TrimSpace(http.Endpoint) == "" {
		return errors.New("telemetry.sinks.http.endpoint is required when telemetry.sinks.http.enabled=true")
	}
	if err := validateURL("telemetry.sinks.http.endpoint", http.Endpoint); err != nil {
		return err
	}
	if strings.TrimSpace(http.APIKeyHeader) == "" {
		return errors.New("telemetry.sinks.http.api_key_header must not be empty")
	}
	if http.TimeoutMS <= 0 {
		return fmt.Errorf("telemetry.sinks.http.timeout_ms must be > 0 (got %d)", http.TimeoutMS)
	}
	return nil
}

func validateOTelConfig(cfg OTelConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return errors.New("observability.otel.service_name is required when observability.otel.enabled=true")
	}
	if !cfg.TracesEnabled && !cfg.MetricsEnabled {
		return errors.New("observability.otel requires traces_enabled and/or metrics_enabled when enabled")
	}
	switch cfg.TracesExporter {
	case TracesExporterOTLP, TracesExporterStdout:
	default:
		return fmt.Errorf("observability.otel.traces_exporter must be one of otlp, stdout (got %q)", cfg.TracesExporter)
	}
	switch cfg.MetricsExporter {
	case MetricsExporterOTLP, MetricsExporterPrometheus:
	default:
		return fmt.Errorf("observability.otel.metrics_exporter must be one of otlp, prometheus (got %q)", cfg.MetricsExporter)
	}
	if cfg.usesOTLP() && strings.TrimSpace(cfg.Endpoint) == "" {
		return errors.New("observability.otel.endpoint is required when an otlp exporter is enabled")
	}
	if cfg.SamplingRatio < 0 || cfg.SamplingRatio > 1 {
		return fmt.Errorf("observability.otel.sampling_ratio must be between 0 and 1 (got %f)", cfg.SamplingRatio)
	}
	if cfg.ExportTimeoutMS <= 0 {
		return fmt.Errorf("observability.otel.export_timeout_ms must be > 0 (got %d)", cfg.ExportTimeoutMS)
	}
	if cfg.MetricExportIntervalMS <= 0 {
		return fmt.Errorf("observability.otel.metric_export_interval_ms must be > 0 (got %d)", cfg.MetricExportIntervalMS)
	}
	return nil
}

func (cfg OTelConfig) usesOTLP() bool {
	return (cfg.TracesEnabled && cfg.TracesExporter == TracesExporterOTLP) ||
		(cfg.MetricsEnabled && cfg.MetricsExporter == MetricsExporterOTLP)
}

func validateURL(name, raw string) error {
	value := strings.TrimSpace(raw)
	if value == "" {
		return fmt.Errorf("%s is required", name)
	}
	parsed, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	if strings.TrimSpace(parsed.Scheme) == "" || strings.TrimSpace(parsed.Host) == "" {
		return fmt.Errorf("%s must include scheme and host (got %q)", name, raw)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		cfg.OpenAI.APIKey = apiKey
	}
	if model := strings.TrimSpace(os.Getenv("OPENAI_MODEL")); model != "" {
		cfg.OpenAI.Model = model
	}
	if baseURL := strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")); baseURL != "" {
		cfg.OpenAI.BaseURL = baseURL
	}

	if host := os.Getenv("LLMEVENTS_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("LLMEVENTS_PORT"); port != "" {
		v, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid LLMEVENTS_PORT: %w", err)
		}
		cfg.Server.Port = v
	}

	if storageDriver := os.Getenv("LLMEVENTS_STORAGE_DRIVER"); storageDriver != "" {
		cfg.Storage.Driver = storageDriver
	}
	if storagePath := os.Getenv("LLMEVENTS_STORAGE_PATH"); storagePath != "" {
		cfg.Storage.Path = storagePath
	}
	if storageDSN := os.Getenv("LLMEVENTS_STORAGE_DSN"); storageDSN != "" {
		cfg.Storage.DSN = storageDSN
	}

	if ingestSource := strings.TrimSpace(os.Getenv("LLMEVENTS_INGEST_SOURCE")); ingestSource != "" {
		cfg.Telemetry.IngestSource = ingestSource
	}
	if endpoint := strings.TrimSpace(os.Getenv("LLMEVENTS_EVENTS_ENDPOINT")); endpoint != "" {
		cfg.Telemetry.Sinks.HTTP.Endpoint = endpoint
		cfg.Telemetry.Sinks.HTTP.Enabled = true
	}
	if apiKey := os.Getenv("LLMEVENTS_EVENTS_API_KEY"); apiKey != "" {
		cfg.Telemetry.Sinks.HTTP.APIKey = apiKey
	}
	if level := strings.TrimSpace(os.Getenv("LLMEVENTS_LOG_LEVEL")); level != "" {
		cfg.Logging.Level = level
	}

	return applyOTelEnv(&cfg.Observability.OTel)
}

func applyOTelEnv(otelCfg *OTelConfig) error {
	configured := false
	sdkDisabledSet := false
	if sdkDisabled := strings.TrimSpace(os.Getenv("OTEL_SDK_DISABLED")); sdkDisabled != "" {
		v, err := strconv.ParseBool(sdkDisabled)
		if err != nil {
			return fmt.Errorf("invalid OTEL_SDK_DISABLED: %w", err)
		}
		otelCfg.Enabled = !v
		sdkDisabledSet = true
		configured = true
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		otelCfg.Endpoint = endpoint
		configured = true
	}
	if insecure := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); insecure != "" {
		v, err := strconv.ParseBool(insecure)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_INSECURE: %w", err)
		}
		otelCfg.Insecure = v
		configured = true
	}
	if serviceName := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); serviceName != "" {
		otelCfg.ServiceName = serviceName
		configured = true
	}
	if tracesExporter := strings.TrimSpace(os.Getenv("OTEL_TRACES_EXPORTER")); tracesExporter != "" {
		exporter, enabled, err := parseTracesExporter(tracesExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_EXPORTER: %w", err)
		}
		otelCfg.TracesEnabled = enabled
		if enabled {
			otelCfg.TracesExporter = exporter
		}
		configured = true
	}
	if metricsExporter := strings.TrimSpace(os.Getenv("OTEL_METRICS_EXPORTER")); metricsExporter != "" {
		exporter, enabled, err := parseMetricsExporter(metricsExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRICS_EXPORTER: %w", err)
		}
		otelCfg.MetricsEnabled = enabled
		if enabled {
			otelCfg.MetricsExporter = exporter
		}
		configured = true
	}
	if samplingRatio := strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLER_ARG")); samplingRatio != "" {
		v, err := strconv.ParseFloat(samplingRatio, 64)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_SAMPLER_ARG: %w", err)
		}
		otelCfg.SamplingRatio = v
		configured = true
	}
	if exportTimeout := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TIMEOUT")); exportTimeout != "" {
		v, err := strconv.Atoi(exportTimeout)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_TIMEOUT: %w", err)
		}
		otelCfg.ExportTimeoutMS = v
		configured = true
	}
	if metricExportInterval := strings.TrimSpace(os.Getenv("OTEL_METRIC_EXPORT_INTERVAL")); metricExportInterval != "" {
		v, err := strconv.Atoi(metricExportInterval)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRIC_EXPORT_INTERVAL: %w", err)
		}
		otelCfg.MetricExportIntervalMS = v
		configured = true
	}
	if configured && !sdkDisabledSet {
		otelCfg.Enabled = true
	}
	return nil
}

func parseTracesExporter(value string) (string, bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "otlp":
		return TracesExporterOTLP, true, nil
	case "stdout", "console":
		return TracesExporterStdout, true, nil
	case "none":
		return "", false, nil
	default:
		return "", false, fmt.Errorf("must be one of otlp, stdout, console, none (got %q)", value)
	}
}

func parseMetricsExporter(value string) (string, bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "otlp":
		return MetricsExporterOTLP, true, nil
	case "prometheus":
		return MetricsExporterPrometheus, true, nil
	case "none":
		return "", false, nil
	default:
		return "", false, fmt.Errorf("must be one of otlp, prometheus, none (got %q)", value)
	}
}
