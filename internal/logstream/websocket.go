// Package logstream streams a task's delivery log over a websocket.
package logstream

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ashureev/pairsend/internal/domain"
	"github.com/ashureev/pairsend/internal/identity"
	"github.com/ashureev/pairsend/internal/session"
)

const (
	defaultKeepalive = 15 * time.Second
	writeTimeout     = 5 * time.Second
	subscribeBuffer  = 64
)

// Message is one frame sent to the client.
type Message struct {
	Type  string               `json:"type"`
	Task  *domain.TaskSnapshot `json:"task,omitempty"`
	Logs  []domain.LogEntry    `json:"logs,omitempty"`
	Entry *domain.LogEntry     `json:"entry,omitempty"`
}

// Message types.
const (
	TypeSnapshot = "snapshot"
	TypeLog      = "log"
	TypeEnd      = "end"
)

// Handler upgrades /ws/task-logs requests and follows one task's log.
type Handler struct {
	mgr           *session.Manager
	allowedOrigin string
	isDev         bool
	keepalive     time.Duration
}

// NewHandler creates a log stream handler.
func NewHandler(mgr *session.Manager, allowedOrigin string, isDev bool) *Handler {
	return &Handler{
		mgr:           mgr,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		keepalive:     defaultKeepalive,
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID, taskID := strings.TrimSpace(q.Get("sessionId")), strings.TrimSpace(q.Get("taskId"))
	caller := identity.CallerFromContext(r.Context())

	task, err := h.mgr.Task(sessionID, taskID)
	if err != nil {
		http.Error(w, `{"error":"task not found"}`, http.StatusNotFound)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "caller", caller)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "caller", caller)
		}
	}()

	slog.Info("Log stream opened", "session_id", sessionID, "task_id", taskID, "caller", caller)

	// Subscribe before the snapshot so no entry falls between the two.
	entries, unsubscribe := task.Logs.Subscribe(subscribeBuffer)
	defer unsubscribe()

	// The client never sends; CloseRead handles control frames and cancels
	// ctx once the peer goes away.
	ctx := ws.CloseRead(r.Context())

	snap := task.Snapshot()
	if err := write(ctx, ws, Message{Type: TypeSnapshot, Task: &snap, Logs: task.Logs.Entries(h.mgr.Timings().LogViewSize)}); err != nil {
		return
	}

	h.follow(ctx, ws, task, entries)
	slog.Info("Log stream closed", "session_id", sessionID, "task_id", taskID, "caller", caller)
}

func (h *Handler) follow(ctx context.Context, ws *websocket.Conn, task *domain.Task, entries <-chan domain.LogEntry) {
	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-entries:
			if !ok {
				return
			}
			if err := write(ctx, ws, Message{Type: TypeLog, Entry: &entry}); err != nil {
				return
			}
		case <-ticker.C:
			if !task.IsSending() && len(entries) == 0 {
				snap := task.Snapshot()
				_ = write(ctx, ws, Message{Type: TypeEnd, Task: &snap})
				return
			}
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := ws.Ping(pingCtx)
			cancel()
			if err != nil {
				slog.Debug("Log stream ping failed", "error", err)
				return
			}
		}
	}
}

func write(ctx context.Context, ws *websocket.Conn, msg Message) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	err := wsjson.Write(wctx, ws, msg)
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Debug("Log stream write error", "error", err)
	}
	return err
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}
