package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/pairsend/internal/domain"
	"github.com/ashureev/pairsend/internal/protocol"
)

var errSessionClosed = errors.New("session closed")

// attach subscribes the session's reactions to client and installs it as the
// session's live client, releasing the previous one. If the session is
// already closed the client is released instead and attach returns false.
func (m *Manager) attach(sess *domain.Session, client protocol.Client) bool {
	unsub := []func(){
		client.OnCredentialsUpdate(func(cr protocol.Credentials) {
			m.onCredentials(sess, client, cr)
		}),
		client.OnConnectionUpdate(func(u protocol.ConnectionUpdate) {
			m.onConnectionUpdate(sess, client, u)
		}),
	}

	prev, prevUnsub, ok := sess.SwapClient(client, unsub)
	if !ok {
		release(client, unsub)
		return false
	}
	release(prev, prevUnsub)
	return true
}

func (m *Manager) onCredentials(sess *domain.Session, client protocol.Client, cr protocol.Credentials) {
	if sess.Closed() || !sess.IsCurrent(client) {
		return
	}
	if err := client.SaveCredentials(context.Background()); err != nil {
		slog.Warn("Failed to persist credentials", "session_id", sess.ID, "error", err)
	}
	if cr.AccountID != "" {
		sess.SetAccountID(cr.AccountID)
		slog.Info("Session paired", "session_id", sess.ID, "account_id", cr.AccountID)
	}
	sess.Touch()
}

func (m *Manager) onConnectionUpdate(sess *domain.Session, client protocol.Client, u protocol.ConnectionUpdate) {
	if sess.Closed() || !sess.IsCurrent(client) {
		slog.Debug("Ignoring event from retired client", "session_id", sess.ID, "state", u.State)
		return
	}

	switch u.State {
	case protocol.ConnOpen:
		m.onOpen(sess)
	case protocol.ConnClose:
		if u.Terminal() {
			sess.MarkTerminated()
			slog.Warn("Session logged out", "session_id", sess.ID, "status", u.StatusCode, "reason", u.Reason)
			return
		}
		sess.MarkDisconnected()
		slog.Info("Session disconnected", "session_id", sess.ID, "status", u.StatusCode, "reason", u.Reason)
		m.scheduleReconnect(sess)
	}
}

// onOpen enters the connected state and restarts loops for tasks that are
// still sending but have no loop attached.
func (m *Manager) onOpen(sess *domain.Session) {
	if !sess.MarkConnected() {
		return
	}
	slog.Info("Session connected", "session_id", sess.ID)
	m.resumeTasks(sess)
}

func (m *Manager) resumeTasks(sess *domain.Session) {
	for _, task := range sess.Tasks() {
		if !task.IsSending() || task.Running() {
			continue
		}
		if m.startLoop(sess, task) {
			slog.Info("Task resumed", "session_id", sess.ID, "task_id", task.ID, "cursor", task.Cursor())
		}
	}
}

// scheduleReconnect starts the session's reconnect loop, or folds the demand
// into the loop that is already running.
func (m *Manager) scheduleReconnect(sess *domain.Session) {
	if !sess.BeginReconnect() {
		return
	}
	m.sup.Go("reconnect:"+sess.ID, func(ctx context.Context) {
		m.reconnectLoop(ctx, sess)
	}, func(error) {
		sess.EndReconnect(true)
	})
}

func (m *Manager) reconnectLoop(ctx context.Context, sess *domain.Session) {
	delay := m.timings.ReconnectDelay
	attempt := 0
	for {
		if !sleepCtx(ctx, delay) {
			sess.EndReconnect(true)
			return
		}
		if sess.Closed() || sess.State() == domain.StateTerminated {
			sess.EndReconnect(true)
			return
		}
		if sess.Connected() {
			sess.EndReconnect(true)
			// A close may have landed after the check above and been folded
			// into this loop; pick it up again.
			if !sess.Connected() && !sess.Closed() && sess.State() != domain.StateTerminated {
				m.scheduleReconnect(sess)
			}
			return
		}

		sess.TakeReconnect()
		attempt++
		if err := m.rebuild(ctx, sess); err != nil {
			if errors.Is(err, errSessionClosed) || ctx.Err() != nil {
				sess.EndReconnect(true)
				return
			}
			slog.Warn("Reconnect attempt failed", "session_id", sess.ID, "attempt", attempt, "error", err, "retry_in", m.timings.ReconnectRetryDelay)
			delay = m.timings.ReconnectRetryDelay
			continue
		}

		slog.Info("Reconnect attempt dispatched", "session_id", sess.ID, "attempt", attempt)
		if sess.EndReconnect(false) {
			return
		}
		delay = m.timings.ReconnectDelay
	}
}

// rebuild replaces the session's client with a fresh one bound to the same
// credential directory and connects it.
func (m *Manager) rebuild(ctx context.Context, sess *domain.Session) error {
	client, err := m.factory.NewClient(ctx, sess.StorePath)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	if !m.attach(sess, client) {
		return errSessionClosed
	}
	if err := client.Connect(ctx); err != nil {
		if cerr := client.Close(); cerr != nil {
			slog.Debug("Close after failed connect", "session_id", sess.ID, "error", cerr)
		}
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

// probeConnection restores the connected state when the live client reports
// itself connected while the session believes it is disconnected.
func (m *Manager) probeConnection(sess *domain.Session) bool {
	if sess.State() != domain.StateDisconnected {
		return false
	}
	client := sess.Client()
	if client == nil || !client.IsConnected() {
		return false
	}
	if !sess.MarkConnected() {
		return false
	}
	slog.Info("Connection confirmed by client", "session_id", sess.ID)
	return true
}

// waitForConnection blocks until the session reconnects, the poll interval
// elapses or ctx ends.
func (m *Manager) waitForConnection(ctx context.Context, sess *domain.Session) {
	timer := time.NewTimer(m.timings.ConnectionPollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-sess.WaitConnected():
	}
}
