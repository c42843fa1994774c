package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ongoingai/llmevents/internal/config"
	"github.com/ongoingai/llmevents/internal/eventstore"
	"github.com/ongoingai/llmevents/internal/llmevent"
)

const (
	defaultEventsFormat = "text"
	defaultEventsLimit  = 20
	maxEventsLimit      = 500
	eventsSchemaVersion = "events.v1"
)

type eventsDocument struct {
	SchemaVersion string          `json:"schema_version"`
	GeneratedAt   time.Time       `json:"generated_at"`
	Storage       eventsStorage   `json:"storage"`
	Items         []eventDocument `json:"items"`
	NextCursor    string          `json:"next_cursor,omitempty"`
}

type eventsStorage struct {
	Driver string `json:"driver"`
	Path   string `json:"path,omitempty"`
}

type eventDocument struct {
	ID           string         `json:"id"`
	CompletionID string         `json:"completion_id"`
	EventType    string         `json:"event_type"`
	TraceID      string         `json:"trace_id,omitempty"`
	SpanID       string         `json:"span_id,omitempty"`
	Attributes   map[string]any `json:"attributes"`
	CreatedAt    time.Time      `json:"created_at"`
}

// runEvents lists stored events or prints one by id. It reads the event
// store only, so it does not require openai credentials.
func runEvents(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("events", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	format := flagSet.String("format", defaultEventsFormat, "Output format: text or json")
	id := flagSet.String("id", "", "Print a single event by id")
	completionID := flagSet.String("completion-id", "", "Completion id filter")
	eventType := flagSet.String("event-type", "", "Event type filter")
	traceID := flagSet.String("trace-id", "", "Trace id filter")
	limit := flagSet.Int("limit", defaultEventsLimit, "Maximum events (1-500)")
	cursor := flagSet.String("cursor", "", "Pagination cursor from a previous page")

	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "events does not accept positional arguments")
		return 2
	}

	normalizedFormat, err := normalizeTextJSONFormat("events", *format, defaultEventsFormat)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}
	if *limit <= 0 || *limit > maxEventsLimit {
		fmt.Fprintf(errOut, "limit must be between 1 and %d\n", maxEventsLimit)
		return 2
	}
	normalizedType := strings.TrimSpace(*eventType)
	switch normalizedType {
	case "", llmevent.EventNameSummary, llmevent.EventNameMessage:
	default:
		fmt.Fprintf(errOut, "event-type must be %s or %s\n", llmevent.EventNameSummary, llmevent.EventNameMessage)
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(errOut, "failed to load config: %v\n", err)
		return 1
	}
	if !cfg.Storage.Enabled() {
		fmt.Fprintln(errOut, "event store is disabled: set storage.driver to sqlite or postgres")
		return 1
	}

	store, err := eventstore.Open(cfg.Storage.Driver, cfg.Storage.Path, cfg.Storage.DSN)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize event store: %v\n", err)
		return 1
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(errOut, "warning: failed to close event store: %v\n", err)
		}
	}()

	doc := eventsDocument{
		SchemaVersion: eventsSchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Storage:       eventsStorage{Driver: cfg.Storage.Driver},
	}
	if strings.TrimSpace(cfg.Storage.Driver) == config.StorageDriverSQLite {
		doc.Storage.Path = cfg.Storage.Path
	}

	ctx := context.Background()
	if trimmedID := strings.TrimSpace(*id); trimmedID != "" {
		event, err := store.GetEvent(ctx, trimmedID)
		if errors.Is(err, eventstore.ErrNotFound) {
			fmt.Fprintf(errOut, "event %q not found\n", trimmedID)
			return 1
		}
		if err != nil {
			fmt.Fprintf(errOut, "failed to load event: %v\n", err)
			return 1
		}
		doc.Items = []eventDocument{toEventDocument(event)}
	} else {
		result, err := store.QueryEvents(ctx, eventstore.Filter{
			CompletionID: strings.TrimSpace(*completionID),
			EventType:    normalizedType,
			TraceID:      strings.TrimSpace(*traceID),
			Limit:        *limit,
			Cursor:       strings.TrimSpace(*cursor),
		})
		if err != nil {
			fmt.Fprintf(errOut, "failed to query events: %v\n", err)
			return 1
		}
		doc.Items = make([]eventDocument, 0, len(result.Items))
		for _, event := range result.Items {
			doc.Items = append(doc.Items, toEventDocument(event))
		}
		doc.NextCursor = result.NextCursor
	}

	if err := writeEvents(out, normalizedFormat, doc); err != nil {
		fmt.Fprintf(errOut, "failed to write events: %v\n", err)
		return 1
	}
	return 0
}

func toEventDocument(event *eventstore.Event) eventDocument {
	attrs := event.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	return eventDocument{
		ID:           event.ID,
		CompletionID: event.CompletionID,
		EventType:    event.EventType,
		TraceID:      event.TraceID,
		SpanID:       event.SpanID,
		Attributes:   attrs,
		CreatedAt:    event.CreatedAt,
	}
}

func writeEvents(out io.Writer, format string, doc eventsDocument) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(doc)
	default:
		return writeEventsText(out, doc)
	}
}

func writeEventsText(out io.Writer, doc eventsDocument) error {
	if len(doc.Items) == 0 {
		fmt.Fprintln(out, "(no events)")
		return nil
	}

	if len(doc.Items) == 1 {
		return writeEventDetail(out, doc.Items[0])
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CREATED_AT\tEVENT_TYPE\tCOMPLETION_ID\tDETAIL\tID")
	for _, item := range doc.Items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			item.CreatedAt.Format(time.RFC3339),
			item.EventType,
			item.CompletionID,
			eventDetail(item),
			item.ID,
		)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if doc.NextCursor != "" {
		fmt.Fprintf(out, "\nnext cursor: %s\n", doc.NextCursor)
	}
	return nil
}

func writeEventDetail(out io.Writer, item eventDocument) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID\t%s\n", item.ID)
	fmt.Fprintf(w, "Event type\t%s\n", item.EventType)
	fmt.Fprintf(w, "Completion id\t%s\n", item.CompletionID)
	fmt.Fprintf(w, "Created at\t%s\n", item.CreatedAt.Format(time.RFC3339Nano))
	fmt.Fprintf(w, "Trace id\t%s\n", valueOr(item.TraceID, "(none)"))
	fmt.Fprintf(w, "Span id\t%s\n", valueOr(item.SpanID, "(none)"))

	keys := make([]string, 0, len(item.Attributes))
	for key := range item.Attributes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(w, "  %s\t%v\n", key, item.Attributes[key])
	}
	return w.Flush()
}

// eventDetail is the one-column summary shown in list output.
func eventDetail(item eventDocument) string {
	switch item.EventType {
	case llmevent.EventNameSummary:
		return fmt.Sprintf("tokens=%v model=%v", item.Attributes[llmevent.KeyTokenCount], item.Attributes[llmevent.KeyResponseModel])
	case llmevent.EventNameMessage:
		return fmt.Sprintf("seq=%v role=%v", item.Attributes[llmevent.KeySequence], item.Attributes[llmevent.KeyRole])
	default:
		return ""
	}
}

func valueOr(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
