package api

import (
	"net/http"
	"time"

	"github.com/ongoingai/llmevents/internal/emitter"
)

const emitterDiagnosticsSchemaVersion = "emitter-diagnostics.v1"

type emitterDiagnosticsResponse struct {
	SchemaVersion string              `json:"schema_version"`
	GeneratedAt   time.Time           `json:"generated_at"`
	Diagnostics   emitter.Diagnostics `json:"diagnostics"`
}

// EmitterDiagnosticsHandler reports queue pressure, drops and sink failures
// of the event emitter.
func EmitterDiagnosticsHandler(reader DiagnosticsReader) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if reader == nil {
			writeError(w, http.StatusServiceUnavailable, "emitter diagnostics unavailable")
			return
		}

		writeJSON(w, http.StatusOK, emitterDiagnosticsResponse{
			SchemaVersion: emitterDiagnosticsSchemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Diagnostics:   reader.Diagnostics(),
		})
	})
}
