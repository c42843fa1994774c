package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteJSONWritesEncodedPayload(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusCreated, map[string]string{"status": "ok"})

	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d, want %d", rec.Code, http.StatusCreated)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("content-type=%q, want application/json", got)
	}

	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
	if payload["status"] != "ok" {
		t.Fatalf("payload status=%q, want %q", payload["status"], "ok")
	}
}

func TestWriteJSONReturnsInternalServerErrorOnEncodeFailure(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusOK, map[string]any{
		"bad": make(chan int),
	})

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"error":"internal server error"}` {
		t.Fatalf("body=%q, want %q", got, `{"error":"internal server error"}`)
	}
}

func TestWriteTextSetsPlainContentType(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	writeText(rec, http.StatusOK, "Streaming completed.")

	if got := rec.Header().Get("Content-Type"); got != "text/plain; charset=utf-8" {
		t.Fatalf("content-type=%q, want text/plain; charset=utf-8", got)
	}
	if got := rec.Body.String(); got != "Streaming completed." {
		t.Fatalf("body=%q, want %q", got, "Streaming completed.")
	}
}

func TestParseIntQuery(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     string
		want    int
		wantErr string
	}{
		{raw: "", want: 0},
		{raw: " 25 ", want: 25},
		{raw: "abc", wantErr: "limit must be an integer"},
		{raw: "-1", wantErr: "limit must be >= 0"},
		{raw: "501", wantErr: "limit must be <= 500"},
	}
	for _, tt := range tests {
		got, err := parseIntQuery(tt.raw, "limit", 0, 500)
		if tt.wantErr != "" {
			if err == nil || err.Error() != tt.wantErr {
				t.Fatalf("parseIntQuery(%q) error=%v, want %q", tt.raw, err, tt.wantErr)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("parseIntQuery(%q)=%d,%v, want %d", tt.raw, got, err, tt.want)
		}
	}
}

func TestParseTimeQueryEndOfDay(t *testing.T) {
	t.Parallel()

	from, err := parseTimeQuery("2026-01-02", false)
	if err != nil {
		t.Fatalf("parseTimeQuery(from) error: %v", err)
	}
	to, err := parseTimeQuery("2026-01-02", true)
	if err != nil {
		t.Fatalf("parseTimeQuery(to) error: %v", err)
	}
	if got := to.Sub(from).Hours(); got < 23.99 || got >= 24 {
		t.Fatalf("day span=%vh, want just under 24h", got)
	}
	if _, err := parseTimeQuery("yesterday", false); err == nil {
		t.Fatal("parseTimeQuery(yesterday) error=nil, want format error")
	}
}
