package emitter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ongoingai/llmevents/internal/llmevent"
)

const (
	DefaultAPIKeyHeader = "X-Insert-Key"
	defaultHTTPTimeout  = 10 * time.Second
	maxErrorBodyBytes   = 512
)

// HTTPSink posts records as a JSON array to an event ingest endpoint. Each
// element is the record's attribute mapping plus an eventType key.
type HTTPSink struct {
	Endpoint     string
	APIKey       string
	APIKeyHeader string
	// UserAgent is sent when non-empty.
	UserAgent string
	Client    *http.Client
}

// NewHTTPSink returns a sink posting to endpoint with the given client. A nil
// client gets a default with a 10s timeout.
func NewHTTPSink(endpoint, apiKey, apiKeyHeader string, client *http.Client) *HTTPSink {
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if strings.TrimSpace(apiKeyHeader) == "" {
		apiKeyHeader = DefaultAPIKeyHeader
	}
	return &HTTPSink{
		Endpoint:     strings.TrimSpace(endpoint),
		APIKey:       apiKey,
		APIKeyHeader: apiKeyHeader,
		Client:       client,
	}
}

func (s *HTTPSink) Name() string { return "http" }

func (s *HTTPSink) Write(ctx context.Context, records []llmevent.Record) error {
	if len(records) == 0 {
		return nil
	}
	payload := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		item := rec.Map()
		item["eventType"] = rec.Name
		payload = append(payload, item)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode event payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build event request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.APIKey != "" {
		req.Header.Set(s.APIKeyHeader, s.APIKey)
	}
	if s.UserAgent != "" {
		req.Header.Set("User-Agent", s.UserAgent)
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("post events: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
