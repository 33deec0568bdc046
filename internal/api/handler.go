// Package api provides HTTP handlers for the pairsend API.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/pairsend/internal/session"
)

// Handler provides common handler utilities.
type Handler struct {
	mgr *session.Manager
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(mgr *session.Manager) *Handler {
	return &Handler{mgr: mgr}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// ServiceError maps a session-layer error onto a status code and writes it.
func ServiceError(w http.ResponseWriter, err error) {
	var active *session.ActiveSessionError
	switch {
	case errors.As(err, &active):
		JSON(w, http.StatusConflict, map[string]string{
			"error":     "session_already_active",
			"sessionId": active.SessionID,
		})
	case errors.Is(err, session.ErrPairingInProgress):
		Error(w, http.StatusConflict, "pairing_in_progress")
	case errors.Is(err, session.ErrNotConnected):
		Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrNoActiveSession),
		errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrTaskNotFound):
		Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrForbidden):
		Error(w, http.StatusForbidden, err.Error())
	case errors.Is(err, session.ErrInvalidPhone), errors.Is(err, session.ErrInvalidTask):
		Error(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("Request failed", "error", err)
		Error(w, http.StatusInternalServerError, err.Error())
	}
}
