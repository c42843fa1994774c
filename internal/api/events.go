package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ongoingai/llmevents/internal/eventstore"
	"github.com/ongoingai/llmevents/internal/llmevent"
)

type eventsResponse struct {
	Items      []eventItem `json:"items"`
	NextCursor string      `json:"next_cursor,omitempty"`
}

type eventItem struct {
	ID           string         `json:"id"`
	CompletionID string         `json:"completion_id"`
	EventType    string         `json:"event_type"`
	TraceID      string         `json:"trace_id,omitempty"`
	SpanID       string         `json:"span_id,omitempty"`
	Attributes   map[string]any `json:"attributes"`
	CreatedAt    time.Time      `json:"created_at"`
}

// EventsHandler lists stored events, newest first.
func EventsHandler(store eventstore.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if store == nil {
			writeError(w, http.StatusServiceUnavailable, "event store is not configured")
			return
		}

		filter, err := parseEventFilter(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		result, err := store.QueryEvents(r.Context(), filter)
		if err != nil {
			if errors.Is(err, eventstore.ErrInvalidCursor) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to query events")
			return
		}

		items := make([]eventItem, 0, len(result.Items))
		for _, event := range result.Items {
			items = append(items, toEventItem(event))
		}
		writeJSON(w, http.StatusOK, eventsResponse{
			Items:      items,
			NextCursor: result.NextCursor,
		})
	})
}

// EventDetailHandler serves /api/events/{id}.
func EventDetailHandler(store eventstore.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if store == nil {
			writeError(w, http.StatusServiceUnavailable, "event store is not configured")
			return
		}

		id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/events/"), "/")
		if id == "" || strings.Contains(id, "/") {
			writeError(w, http.StatusNotFound, "event not found")
			return
		}

		event, err := store.GetEvent(r.Context(), id)
		if err != nil {
			if errors.Is(err, eventstore.ErrNotFound) {
				writeError(w, http.StatusNotFound, "event not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to load event")
			return
		}
		writeJSON(w, http.StatusOK, toEventItem(event))
	})
}

func toEventItem(event *eventstore.Event) eventItem {
	attributes := event.Attributes
	if attributes == nil {
		attributes = map[string]any{}
	}
	return eventItem{
		ID:           event.ID,
		CompletionID: event.CompletionID,
		EventType:    event.EventType,
		TraceID:      event.TraceID,
		SpanID:       event.SpanID,
		Attributes:   attributes,
		CreatedAt:    event.CreatedAt,
	}
}

func parseEventFilter(r *http.Request) (eventstore.Filter, error) {
	query := r.URL.Query()
	limit, err := parseIntQuery(query.Get("limit"), "limit", 0, 500)
	if err != nil {
		return eventstore.Filter{}, err
	}

	eventType := strings.TrimSpace(query.Get("event_type"))
	switch eventType {
	case "", llmevent.EventNameSummary, llmevent.EventNameMessage:
	default:
		return eventstore.Filter{}, fmt.Errorf("event_type must be %s or %s", llmevent.EventNameSummary, llmevent.EventNameMessage)
	}

	from, err := parseTimeQuery(query.Get("from"), false)
	if err != nil {
		return eventstore.Filter{}, fmt.Errorf("invalid from: %w", err)
	}
	to, err := parseTimeQuery(query.Get("to"), true)
	if err != nil {
		return eventstore.Filter{}, fmt.Errorf("invalid to: %w", err)
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return eventstore.Filter{}, errors.New("to must be greater than or equal to from")
	}

	return eventstore.Filter{
		CompletionID: strings.TrimSpace(query.Get("completion_id")),
		EventType:    eventType,
		TraceID:      strings.TrimSpace(query.Get("trace_id")),
		From:         from,
		To:           to,
		Limit:        limit,
		Cursor:       strings.TrimSpace(query.Get("cursor")),
	}, nil
}

func parseIntQuery(raw, name string, min, max int) (int, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	if parsed < min {
		return 0, fmt.Errorf("%s must be >= %d", name, min)
	}
	if max != 0 && parsed > max {
		return 0, fmt.Errorf("%s must be <= %d", name, max)
	}
	return parsed, nil
}

func parseTimeQuery(raw string, endOfDay bool) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}
	if parsed, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return parsed.UTC(), nil
	}
	if parsed, err := time.ParseInLocation("2006-01-02", value, time.UTC); err == nil {
		if endOfDay {
			return parsed.Add(24*time.Hour - time.Nanosecond), nil
		}
		return parsed, nil
	}
	return time.Time{}, errors.New("expected RFC3339 or YYYY-MM-DD")
}
