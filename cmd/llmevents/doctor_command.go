package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ongoingai/llmevents/internal/config"
	"github.com/ongoingai/llmevents/internal/eventstore"
)

const defaultDoctorFormat = "text"

const (
	doctorStatusPass = "pass"
	doctorStatusWarn = "warn"
	doctorStatusFail = "fail"
	doctorStatusSkip = "skip"
)

type doctorDocument struct {
	GeneratedAt   time.Time     `json:"generated_at"`
	ConfigPath    string        `json:"config_path"`
	OverallStatus string        `json:"overall_status"`
	Checks        []doctorCheck `json:"checks"`
}

type doctorCheck struct {
	Name    string   `json:"name"`
	Status  string   `json:"status"`
	Summary string   `json:"summary"`
	Details []string `json:"details,omitempty"`
}

func runDoctor(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("doctor", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	format := flagSet.String("format", defaultDoctorFormat, "Output format: text or json")

	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "doctor does not accept positional arguments")
		return 2
	}

	normalizedFormat, err := normalizeTextJSONFormat("doctor", *format, defaultDoctorFormat)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}

	document := buildDoctorDocument(strings.TrimSpace(*configPath))
	if err := writeDoctor(out, normalizedFormat, document); err != nil {
		fmt.Fprintf(errOut, "failed to write doctor output: %v\n", err)
		return 1
	}
	if document.OverallStatus == doctorStatusFail {
		return 1
	}
	return 0
}

func buildDoctorDocument(configPath string) doctorDocument {
	doc := doctorDocument{
		GeneratedAt: time.Now().UTC(),
		ConfigPath:  configPath,
		Checks:      make([]doctorCheck, 0, 4),
	}

	cfg, stage, err := loadAndValidateConfig(configPath)
	if err != nil {
		summary, skipped := "config is invalid", "skipped: config validation failed"
		if stage == configStageLoad {
			summary, skipped = "failed to load config", "skipped: config failed to load"
		}
		doc.Checks = append(doc.Checks,
			doctorCheck{
				Name:    "config",
				Status:  doctorStatusFail,
				Summary: summary,
				Details: []string{err.Error()},
			},
			doctorSkippedCheck("storage", skipped),
			doctorSkippedCheck("event_sinks", skipped),
			doctorSkippedCheck("credential_scrubbing", skipped),
		)
		doc.OverallStatus = doctorOverallStatus(doc.Checks)
		return doc
	}

	doc.Checks = append(doc.Checks, doctorCheck{
		Name:    "config",
		Status:  doctorStatusPass,
		Summary: "loaded and validated configuration",
		Details: []string{
			fmt.Sprintf("config path: %s", valueOr(configPath, "(default lookup)")),
			fmt.Sprintf("model: %s", cfg.OpenAI.Model),
			fmt.Sprintf("openai base url: %s", cfg.OpenAI.BaseURL),
		},
	})
	doc.Checks = append(doc.Checks, runDoctorStorageCheck(cfg))
	doc.Checks = append(doc.Checks, runDoctorSinkCheck(cfg))
	doc.Checks = append(doc.Checks, runDoctorScrubbingCheck(cfg))
	doc.OverallStatus = doctorOverallStatus(doc.Checks)
	return doc
}

func doctorSkippedCheck(name, summary string) doctorCheck {
	return doctorCheck{
		Name:    name,
		Status:  doctorStatusSkip,
		Summary: summary,
	}
}

func runDoctorStorageCheck(cfg config.Config) doctorCheck {
	check := doctorCheck{Name: "storage"}
	if !cfg.Storage.Enabled() {
		return doctorSkippedCheck("storage", "event store is disabled (storage.driver=none)")
	}

	store, err := eventstore.Open(cfg.Storage.Driver, cfg.Storage.Path, cfg.Storage.DSN)
	if err != nil {
		check.Status = doctorStatusFail
		check.Summary = "failed to initialize event storage"
		check.Details = []string{err.Error()}
		return check
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := store.QueryEvents(ctx, eventstore.Filter{Limit: 1}); err != nil {
		check.Status = doctorStatusFail
		check.Summary = "event storage connectivity check failed"
		check.Details = []string{err.Error()}
		if closeErr := store.Close(); closeErr != nil {
			check.Details = append(check.Details, fmt.Sprintf("close event store: %v", closeErr))
		}
		return check
	}

	check.Status = doctorStatusPass
	switch strings.TrimSpace(cfg.Storage.Driver) {
	case config.StorageDriverSQLite:
		path := strings.TrimSpace(cfg.Storage.Path)
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		check.Summary = "connected to sqlite event storage"
		check.Details = []string{fmt.Sprintf("path: %s", path)}
	case config.StorageDriverPostgres:
		check.Summary = "connected to postgres event storage"
	default:
		check.Summary = "connected to event storage"
	}
	if closeErr := store.Close(); closeErr != nil {
		check.Status = doctorStatusWarn
		check.Summary = "event storage connectivity succeeded with close warning"
		check.Details = append(check.Details, fmt.Sprintf("close event store: %v", closeErr))
	}
	return check
}

// runDoctorSinkCheck reports where events go. A sink set that drops every
// event is a warning, not a failure: completions still succeed.
func runDoctorSinkCheck(cfg config.Config) doctorCheck {
	check := doctorCheck{Name: "event_sinks"}
	sinks := cfg.Telemetry.Sinks

	var active []string
	var warnings []string
	if sinks.Log {
		active = append(active, "log")
	}
	if sinks.SpanEvents {
		active = append(active, "span_events")
		if !cfg.Observability.OTel.Enabled || !cfg.Observability.OTel.TracesEnabled {
			warnings = append(warnings, "span_events is enabled but otel tracing is off; events will have no span to attach to")
		}
	}
	if sinks.Store {
		if cfg.Storage.Enabled() {
			active = append(active, "store")
		} else {
			warnings = append(warnings, "sinks.store is enabled but storage.driver=none")
		}
	}
	if sinks.HTTP.Enabled {
		active = append(active, "http -> "+redactedEndpoint(sinks.HTTP.Endpoint))
		if strings.TrimSpace(sinks.HTTP.APIKey) == "" {
			warnings = append(warnings, "http sink has no api key; the ingest endpoint may reject events")
		}
	}

	check.Details = append(check.Details, fmt.Sprintf("active: %s", valueOr(strings.Join(active, ", "), "(none)")))
	check.Details = append(check.Details, fmt.Sprintf("stream events: %t", cfg.Telemetry.StreamEvents))
	check.Details = append(check.Details, warnings...)

	switch {
	case len(active) == 0:
		check.Status = doctorStatusWarn
		check.Summary = "no event sinks are active; events are discarded"
	case len(warnings) > 0:
		check.Status = doctorStatusWarn
		check.Summary = "event sinks configured with warnings"
	default:
		check.Status = doctorStatusPass
		check.Summary = "event sinks configured"
	}
	return check
}

func runDoctorScrubbingCheck(cfg config.Config) doctorCheck {
	if cfg.Telemetry.ScrubCredentials {
		return doctorCheck{
			Name:    "credential_scrubbing",
			Status:  doctorStatusPass,
			Summary: "credential-like strings are redacted from events",
		}
	}
	return doctorCheck{
		Name:    "credential_scrubbing",
		Status:  doctorStatusWarn,
		Summary: "telemetry.scrub_credentials is disabled",
		Details: []string{"message content is exported verbatim"},
	}
}

// redactedEndpoint drops userinfo and query from the endpoint for display.
func redactedEndpoint(raw string) string {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || parsed.Host == "" {
		return "(invalid endpoint)"
	}
	parsed.User = nil
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return parsed.String()
}

func doctorOverallStatus(checks []doctorCheck) string {
	hasWarn := false
	for _, check := range checks {
		switch check.Status {
		case doctorStatusFail:
			return doctorStatusFail
		case doctorStatusWarn:
			hasWarn = true
		}
	}
	if hasWarn {
		return doctorStatusWarn
	}
	return doctorStatusPass
}

func writeDoctor(out io.Writer, format string, doc doctorDocument) error {
	if format == "json" {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(doc)
	}

	fmt.Fprintln(out, "llmevents doctor")

	meta := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(meta, "Generated at\t%s\n", doc.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(meta, "Config path\t%s\n", valueOr(doc.ConfigPath, defaultConfigPath))
	fmt.Fprintf(meta, "Overall status\t%s\n", strings.ToUpper(doc.OverallStatus))
	if err := meta.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nChecks")
	for _, check := range doc.Checks {
		fmt.Fprintf(out, "- [%s] %s: %s\n", strings.ToUpper(check.Status), check.Name, check.Summary)
		for _, detail := range check.Details {
			fmt.Fprintf(out, "  %s\n", detail)
		}
	}
	return nil
}
