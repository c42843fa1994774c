package api

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ongoingai/llmevents/internal/eventstore"
)

type HealthOptions struct {
	Version       string
	StartedAt     time.Time
	StorageDriver string
	StoragePath   string
	Store         eventstore.Store
}

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSec     int64  `json:"uptime_sec"`
	StorageDriver string `json:"storage_driver"`
	EventStore    string `json:"event_store"`
	DBSizeBytes   int64  `json:"db_size_bytes,omitempty"`
}

func HealthHandler(options HealthOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}

		driver := strings.ToLower(strings.TrimSpace(options.StorageDriver))
		if driver == "" {
			driver = "none"
		}

		eventStore := "disabled"
		if options.Store != nil {
			eventStore = "ok"
			if _, err := options.Store.QueryEvents(r.Context(), eventstore.Filter{Limit: 1}); err != nil {
				eventStore = "error"
			}
		}

		dbSizeBytes := int64(0)
		if driver == "sqlite" && options.StoragePath != "" {
			if info, err := os.Stat(options.StoragePath); err == nil {
				dbSizeBytes = info.Size()
			}
		}

		writeJSON(w, http.StatusOK, healthResponse{
			Status:        "ok",
			Version:       options.Version,
			UptimeSec:     int64(time.Since(options.StartedAt).Seconds()),
			StorageDriver: driver,
			EventStore:    eventStore,
			DBSizeBytes:   dbSizeBytes,
		})
	})
}
