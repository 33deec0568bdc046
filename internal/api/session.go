package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/pairsend/internal/identity"
	"github.com/ashureev/pairsend/internal/protocol"
	"github.com/ashureev/pairsend/internal/session"
)

const defaultUploadMaxBytes = 5 << 20

// SessionHandler handles pairing, task and session endpoints.
type SessionHandler struct {
	*Handler
	uploadMaxBytes int64
}

// NewSessionHandler creates a session handler. uploadMaxBytes bounds the
// message file accepted by /send-message.
func NewSessionHandler(base *Handler, uploadMaxBytes int64) *SessionHandler {
	if uploadMaxBytes <= 0 {
		uploadMaxBytes = defaultUploadMaxBytes
	}
	return &SessionHandler{Handler: base, uploadMaxBytes: uploadMaxBytes}
}

// RegisterRoutes registers session routes. limit, when non-nil, wraps the
// endpoints that create sessions or tasks.
func (h *SessionHandler) RegisterRoutes(r chi.Router, limit func(http.Handler) http.Handler) {
	r.Group(func(r chi.Router) {
		if limit != nil {
			r.Use(limit)
		}
		r.Get("/code", h.Pair)
		r.Post("/send-message", h.SendMessage)
	})
	r.Get("/session-status", h.SessionStatus)
	r.Get("/task-logs", h.TaskLogs)
	r.Post("/view-session", h.ViewSession)
	r.Post("/stop-session", h.StopSession)
	r.Post("/stop-task", h.StopTask)
	r.Get("/get-groups", h.GetGroups)
}

// Pair starts device linking and returns the pairing code.
func (h *SessionHandler) Pair(w http.ResponseWriter, r *http.Request) {
	number := strings.TrimSpace(r.URL.Query().Get("number"))
	if number == "" {
		Error(w, http.StatusBadRequest, "number is required")
		return
	}
	caller := identity.CallerFromContext(r.Context())

	res, err := h.mgr.Pair(r.Context(), caller, number)
	if err != nil {
		slog.Warn("Pairing failed", "caller", caller, "error", err)
		ServiceError(w, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

// SendMessage creates a delivery task from a multipart upload.
func (h *SessionHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.uploadMaxBytes+1<<20)
	if err := r.ParseMultipartForm(h.uploadMaxBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		Error(w, http.StatusBadRequest, "expected multipart form")
		return
	}

	target := strings.TrimSpace(r.FormValue("target"))
	targetType := protocol.RecipientKind(strings.TrimSpace(r.FormValue("targetType")))
	delayRaw := strings.TrimSpace(r.FormValue("delaySec"))
	if target == "" || targetType == "" || delayRaw == "" {
		Error(w, http.StatusBadRequest, "target, targetType and delaySec are required")
		return
	}
	if !targetType.Valid() {
		Error(w, http.StatusBadRequest, "targetType must be number or group")
		return
	}
	delaySec, err := strconv.Atoi(delayRaw)
	if err != nil || delaySec < 1 {
		Error(w, http.StatusBadRequest, "delaySec must be a whole number of seconds >= 1")
		return
	}

	messages, err := h.readMessages(r)
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	caller := identity.CallerFromContext(r.Context())
	task, err := h.mgr.StartTask(caller, session.TaskRequest{
		SessionID: strings.TrimSpace(r.FormValue("sessionId")),
		Target:    protocol.Recipient{ID: target, Kind: targetType},
		Messages:  messages,
		Interval:  time.Duration(delaySec) * time.Second,
		Prefix:    r.FormValue("prefix"),
	})
	if err != nil {
		ServiceError(w, err)
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"sessionId":     task.SessionID,
		"taskId":        task.ID,
		"totalMessages": len(task.Messages),
	})
}

func (h *SessionHandler) readMessages(r *http.Request) ([]string, error) {
	file, _, err := r.FormFile("messageFile")
	if err != nil {
		return nil, fmt.Errorf("messageFile is required")
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			slog.Debug("Failed to close uploaded file", "error", closeErr)
		}
	}()

	data, err := io.ReadAll(io.LimitReader(file, h.uploadMaxBytes))
	if err != nil {
		return nil, fmt.Errorf("read messageFile: %w", err)
	}
	messages := session.SplitMessages(data)
	if len(messages) == 0 {
		return nil, fmt.Errorf("message file is empty")
	}
	return messages, nil
}

// SessionStatus returns a session snapshot with its tasks.
func (h *SessionHandler) SessionStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("sessionId"))
	if sessionID == "" {
		Error(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	snap, err := h.mgr.Status(sessionID)
	if err != nil {
		ServiceError(w, err)
		return
	}
	JSON(w, http.StatusOK, snap)
}

// TaskLogs returns the newest log entries of one task.
func (h *SessionHandler) TaskLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID, taskID := strings.TrimSpace(q.Get("sessionId")), strings.TrimSpace(q.Get("taskId"))
	if sessionID == "" || taskID == "" {
		Error(w, http.StatusBadRequest, "sessionId and taskId are required")
		return
	}
	task, logs, err := h.mgr.TaskLogs(sessionID, taskID)
	if err != nil {
		ServiceError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"task": task,
		"logs": logs,
	})
}

// ViewSession redirects to the status view of a session.
func (h *SessionHandler) ViewSession(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.FormValue("sessionId"))
	if sessionID == "" {
		Error(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	http.Redirect(w, r, "/session-status?sessionId="+url.QueryEscape(sessionID), http.StatusSeeOther)
}

// StopSession destroys the caller's session.
func (h *SessionHandler) StopSession(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.FormValue("sessionId"))
	if sessionID == "" {
		Error(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	caller := identity.CallerFromContext(r.Context())
	if err := h.mgr.Destroy(caller, sessionID); err != nil {
		ServiceError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "stopped", "sessionId": sessionID})
}

// StopTask requests a task stop.
func (h *SessionHandler) StopTask(w http.ResponseWriter, r *http.Request) {
	sessionID, taskID := strings.TrimSpace(r.FormValue("sessionId")), strings.TrimSpace(r.FormValue("taskId"))
	if sessionID == "" || taskID == "" {
		Error(w, http.StatusBadRequest, "sessionId and taskId are required")
		return
	}
	caller := identity.CallerFromContext(r.Context())
	if err := h.mgr.StopTask(caller, sessionID, taskID); err != nil {
		ServiceError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "stopping", "taskId": taskID})
}

// GetGroups lists the groups of the caller's paired account.
func (h *SessionHandler) GetGroups(w http.ResponseWriter, r *http.Request) {
	caller := identity.CallerFromContext(r.Context())
	groups, err := h.mgr.Groups(r.Context(), caller)
	if err != nil {
		ServiceError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"groups": groups})
}
