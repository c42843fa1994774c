package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ongoingai/llmevents/internal/config"
	"github.com/ongoingai/llmevents/internal/emitter"
)

const (
	defaultDiagnosticsFormat  = "text"
	defaultDiagnosticsTarget  = "emitter"
	defaultDiagnosticsTimeout = 5 * time.Second
)

type emitterDiagnosticsDocument struct {
	SchemaVersion string              `json:"schema_version"`
	GeneratedAt   time.Time           `json:"generated_at"`
	Diagnostics   emitter.Diagnostics `json:"diagnostics"`
}

// runDiagnostics reads the emitter snapshot from a running server.
func runDiagnostics(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("diagnostics", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	baseURL := flagSet.String("base-url", "", "Server base URL (defaults to value derived from config)")
	format := flagSet.String("format", defaultDiagnosticsFormat, "Output format: text or json")
	timeout := flagSet.Duration("timeout", defaultDiagnosticsTimeout, "HTTP timeout duration")

	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() > 1 {
		fmt.Fprintln(errOut, `diagnostics accepts at most one positional argument: "emitter"`)
		return 2
	}

	target := defaultDiagnosticsTarget
	if flagSet.NArg() == 1 {
		target = strings.TrimSpace(flagSet.Arg(0))
	}
	if target != defaultDiagnosticsTarget {
		fmt.Fprintf(errOut, "unsupported diagnostics target %q: expected %q\n", target, defaultDiagnosticsTarget)
		return 2
	}

	normalizedFormat, err := normalizeTextJSONFormat("diagnostics", *format, defaultDiagnosticsFormat)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}
	if *timeout <= 0 {
		fmt.Fprintf(errOut, "invalid diagnostics timeout %q: must be greater than 0\n", timeout.String())
		return 2
	}

	resolvedBaseURL, err := resolveDiagnosticsBaseURL(strings.TrimSpace(*configPath), strings.TrimSpace(*baseURL))
	if err != nil {
		fmt.Fprintf(errOut, "failed to resolve diagnostics endpoint: %v\n", err)
		return 1
	}

	document, err := fetchEmitterDiagnostics(resolvedBaseURL, *timeout)
	if err != nil {
		fmt.Fprintf(errOut, "failed to read diagnostics: %v\n", err)
		return 1
	}
	if err := writeEmitterDiagnostics(out, normalizedFormat, document, resolvedBaseURL); err != nil {
		fmt.Fprintf(errOut, "failed to write diagnostics output: %v\n", err)
		return 1
	}
	return 0
}

// resolveDiagnosticsBaseURL prefers an explicit base URL and otherwise
// derives one from server.host/server.port. The openai credentials are not
// needed here, so the config is loaded without validation.
func resolveDiagnosticsBaseURL(configPath, baseURL string) (string, error) {
	resolved := strings.TrimSpace(baseURL)
	if resolved == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return "", fmt.Errorf("load config: %w", err)
		}
		resolved = serverBaseURL(cfg.Server)
	}
	return normalizeDiagnosticsBaseURL(resolved)
}

func serverBaseURL(cfg config.ServerConfig) string {
	host := strings.TrimSpace(cfg.Host)
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		host = "localhost"
	}
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") && !strings.HasSuffix(host, "]") {
		host = "[" + host + "]"
	}
	return "http://" + host + ":" + strconv.Itoa(cfg.Port)
}

func normalizeDiagnosticsBaseURL(rawBaseURL string) (string, error) {
	value := strings.TrimSpace(rawBaseURL)
	if value == "" {
		return "", fmt.Errorf("base URL is empty")
	}
	parsed, err := url.Parse(value)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("base URL must include http or https scheme")
	}
	if strings.TrimSpace(parsed.Host) == "" {
		return "", fmt.Errorf("base URL must include host")
	}
	parsed.RawQuery = ""
	parsed.Fragment = ""
	parsed.Path = strings.TrimRight(parsed.Path, "/")
	return parsed.String(), nil
}

func fetchEmitterDiagnostics(baseURL string, timeout time.Duration) (emitterDiagnosticsDocument, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	endpoint := strings.TrimRight(baseURL, "/") + "/api/diagnostics/emitter"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return emitterDiagnosticsDocument{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return emitterDiagnosticsDocument{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return emitterDiagnosticsDocument{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		message := strings.TrimSpace(string(body))
		var errorPayload map[string]any
		if err := json.Unmarshal(body, &errorPayload); err == nil {
			if value, ok := errorPayload["error"].(string); ok && strings.TrimSpace(value) != "" {
				message = strings.TrimSpace(value)
			}
		}
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return emitterDiagnosticsDocument{}, fmt.Errorf("status %d: %s", resp.StatusCode, message)
	}

	var document emitterDiagnosticsDocument
	if err := json.Unmarshal(body, &document); err != nil {
		return emitterDiagnosticsDocument{}, fmt.Errorf("decode response: %w", err)
	}
	if strings.TrimSpace(document.SchemaVersion) == "" {
		return emitterDiagnosticsDocument{}, fmt.Errorf("missing schema_version in diagnostics response")
	}
	return document, nil
}

func writeEmitterDiagnostics(out io.Writer, format string, document emitterDiagnosticsDocument, baseURL string) error {
	if format == "json" {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(document)
	}

	d := document.Diagnostics
	fmt.Fprintln(out, "llmevents emitter diagnostics")

	meta := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(meta, "Schema version\t%s\n", document.SchemaVersion)
	fmt.Fprintf(meta, "Generated at\t%s\n", document.GeneratedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(meta, "Source\t%s\n", strings.TrimRight(strings.TrimSpace(baseURL), "/")+"/api/diagnostics/emitter")
	fmt.Fprintf(meta, "Sinks\t%s\n", valueOr(strings.Join(d.Sinks, ", "), "(none)"))
	fmt.Fprintf(meta, "Queue pressure\t%s\n", strings.ToUpper(strings.TrimSpace(d.QueuePressureState)))
	fmt.Fprintf(meta, "High watermark pressure\t%s\n", strings.ToUpper(strings.TrimSpace(d.QueueHighWatermarkPressureState)))
	if err := meta.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nEvents")
	events := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(events, "Emitted total\t%d\n", d.EmitTotal)
	fmt.Fprintf(events, "Delivered total\t%d\n", d.DeliveredTotal)
	fmt.Fprintf(events, "Enqueue accepted total\t%d\n", d.EnqueueAcceptedTotal)
	fmt.Fprintf(events, "Enqueue dropped total\t%d\n", d.EnqueueDroppedTotal)
	fmt.Fprintf(events, "Last enqueue drop at\t%s\n", diagnosticsTimePtrOr(d.LastEnqueueDropAt, "(none)"))
	if err := events.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nQueue")
	queue := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(queue, "Capacity\t%d\n", d.QueueCapacity)
	fmt.Fprintf(queue, "Depth\t%d\n", d.QueueDepth)
	fmt.Fprintf(queue, "Depth high watermark\t%d\n", d.QueueDepthHighWatermark)
	fmt.Fprintf(queue, "Utilization (pct)\t%d\n", d.QueueUtilizationPct)
	fmt.Fprintf(queue, "High watermark utilization (pct)\t%d\n", d.QueueHighWatermarkUtilizationPct)
	if err := queue.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nFailures")
	failures := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(failures, "Write failed total\t%d\n", d.WriteFailedTotal)
	fmt.Fprintf(failures, "Last write failure at\t%s\n", diagnosticsTimePtrOr(d.LastWriteFailureAt, "(none)"))
	fmt.Fprintf(failures, "Last write failure sink\t%s\n", valueOr(d.LastWriteFailureSink, "(none)"))
	for _, key := range sortedKeys(d.FailuresBySink) {
		fmt.Fprintf(failures, "  sink %s\t%d\n", key, d.FailuresBySink[key])
	}
	for _, key := range sortedKeys(d.FailuresByClass) {
		fmt.Fprintf(failures, "  class %s\t%d\n", key, d.FailuresByClass[key])
	}
	return failures.Flush()
}

func diagnosticsTimePtrOr(value *time.Time, fallback string) string {
	if value == nil {
		return fallback
	}
	return value.UTC().Format(time.RFC3339)
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
