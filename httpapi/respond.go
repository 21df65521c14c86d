package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/c360studio/agentd/store"
	"github.com/c360studio/agentd/task"
)

// errorBody is the uniform error envelope.
type errorBody struct {
	Error  string            `json:"error"`
	Detail []task.FieldError `json:"detail,omitempty"`
}

// writeJSON encodes v with the given status. Encoding failures are
// logged; headers are already gone at that point.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}

// writeError maps domain errors onto HTTP statuses: validation errors
// become 422 with per-field detail, missing entities 404, storage
// trouble 5xx.
func writeError(w http.ResponseWriter, err error) {
	var verr *task.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{
			Error:  "validation failed",
			Detail: verr.Fields,
		})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
	case errors.Is(err, store.ErrSchema):
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "storage schema error"})
	case errors.Is(err, store.ErrUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "storage unavailable"})
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
}

// writeBadRequest is for malformed bodies and empty patches.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: message})
}
