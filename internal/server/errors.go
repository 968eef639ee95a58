package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Router-specific status codes, outside the upstream range so clients can
// always tell who produced an error.
const (
	statusRequestError = 900 // malformed request, unknown entity or scheduling failure
	statusInvalidToken = 901 // bad or missing x-token
	statusUnknownPath  = 904 // unknown /router path
	statusTaskTimeout  = 905 // task did not finish within task_timeout
	statusNoResponse   = 910 // upstream produced no response
	statusUserLimits   = 929 // per-user quota exhausted
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response encode failed", "error", err)
	}
}

func detail(msg string) map[string]string {
	return map[string]string{"detail": msg}
}
