// internal/api/errors.go
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"kfalifecycle/internal/sentinel"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type kindInfo struct {
	code   string
	status int
}

var kinds = map[error]kindInfo{
	sentinel.ErrNotFound:              {"not_found", http.StatusNotFound},
	sentinel.ErrAlreadyTerminal:       {"already_terminal", http.StatusConflict},
	sentinel.ErrInvalidTransition:     {"invalid_transition", http.StatusConflict},
	sentinel.ErrGuardRejected:         {"guard_rejected", http.StatusUnprocessableEntity},
	sentinel.ErrDuplicateRegistration: {"duplicate_registration", http.StatusConflict},
	sentinel.ErrInvalidProgress:       {"invalid_progress", http.StatusBadRequest},
	sentinel.ErrInvalidHours:          {"invalid_hours", http.StatusBadRequest},
	sentinel.ErrInvalidInput:          {"invalid_input", http.StatusBadRequest},
	sentinel.ErrForbidden:             {"forbidden", http.StatusForbidden},
	sentinel.ErrUnauthorized:          {"unauthorized", http.StatusUnauthorized},
	sentinel.ErrConflict:              {"conflict", http.StatusConflict},
	sentinel.ErrRateLimited:           {"rate_limited", http.StatusTooManyRequests},
}

// writeError maps err onto the error taxonomy. Unclassified errors are
// logged and reported as a retryable 500 without their text.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	kind := sentinel.Classify(err)
	info, ok := kinds[kind]
	if !ok {
		logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, errorBody{
			Error:   "internal",
			Message: "internal error, the request can be retried",
		})
		return
	}
	writeJSON(w, info.status, errorBody{Error: info.code, Message: sentinel.Message(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}
