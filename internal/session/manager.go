// Package session owns the lifecycle of paired sessions and their delivery
// tasks: pairing, the connectivity state machine, reconnection and the
// delivery loops.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/pairsend/internal/domain"
	"github.com/ashureev/pairsend/internal/protocol"
	"github.com/ashureev/pairsend/internal/store"
	"github.com/ashureev/pairsend/internal/supervisor"
)

// Timings tunes delays used by the manager. Zero fields take defaults.
type Timings struct {
	PairSettleDelay        time.Duration
	ReconnectDelay         time.Duration
	ReconnectRetryDelay    time.Duration
	ConnectionPollInterval time.Duration
	SendRetryDelay         time.Duration
	TTL                    time.Duration
	LogTrimSize            int
	LogViewSize            int
	LogHardCap             int
}

// DefaultTimings returns the production timings.
func DefaultTimings() Timings {
	return Timings{
		PairSettleDelay:        1500 * time.Millisecond,
		ReconnectDelay:         10 * time.Second,
		ReconnectRetryDelay:    30 * time.Second,
		ConnectionPollInterval: 10 * time.Second,
		SendRetryDelay:         5 * time.Second,
		TTL:                    24 * time.Hour,
		LogTrimSize:            200,
		LogViewSize:            100,
		LogHardCap:             domain.DefaultLogHardCap,
	}
}

func (t Timings) withDefaults() Timings {
	d := DefaultTimings()
	if t.PairSettleDelay < 0 {
		t.PairSettleDelay = 0
	}
	if t.ReconnectDelay <= 0 {
		t.ReconnectDelay = d.ReconnectDelay
	}
	if t.ReconnectRetryDelay <= 0 {
		t.ReconnectRetryDelay = d.ReconnectRetryDelay
	}
	if t.ConnectionPollInterval <= 0 {
		t.ConnectionPollInterval = d.ConnectionPollInterval
	}
	if t.SendRetryDelay <= 0 {
		t.SendRetryDelay = d.SendRetryDelay
	}
	if t.TTL <= 0 {
		t.TTL = d.TTL
	}
	if t.LogTrimSize <= 0 {
		t.LogTrimSize = d.LogTrimSize
	}
	if t.LogViewSize <= 0 {
		t.LogViewSize = d.LogViewSize
	}
	if t.LogHardCap <= 0 {
		t.LogHardCap = d.LogHardCap
	}
	return t
}

// Options configures a Manager.
type Options struct {
	// TempDir is the root under which each session gets a credential directory.
	TempDir string
	Timings Timings
}

// Manager coordinates sessions, their protocol clients and their tasks.
type Manager struct {
	registry store.Registry
	factory  protocol.Factory
	sup      *supervisor.Supervisor
	tempDir  string
	timings  Timings

	// pairLocks serialises pairing per caller address.
	pairLocks sync.Map
}

// NewManager creates a manager. Background loops run under sup.
func NewManager(registry store.Registry, factory protocol.Factory, sup *supervisor.Supervisor, opts Options) *Manager {
	return &Manager{
		registry: registry,
		factory:  factory,
		sup:      sup,
		tempDir:  opts.TempDir,
		timings:  opts.Timings.withDefaults(),
	}
}

// Timings returns the effective timings.
func (m *Manager) Timings() Timings { return m.timings }

// Find returns the session owned by caller.
func (m *Manager) Find(caller string) (*domain.Session, error) {
	sess, ok := m.registry.Lookup(caller)
	if !ok {
		return nil, ErrNoActiveSession
	}
	return sess, nil
}

// Get returns a session by id.
func (m *Manager) Get(sessionID string) (*domain.Session, error) {
	sess, ok := m.registry.Get(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// owned returns a session by id, checking that caller owns it.
func (m *Manager) owned(caller, sessionID string) (*domain.Session, error) {
	sess, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.OwnedBy(caller) {
		return nil, ErrForbidden
	}
	return sess, nil
}

// Status returns a snapshot of a session and its tasks.
func (m *Manager) Status(sessionID string) (domain.SessionSnapshot, error) {
	sess, err := m.Get(sessionID)
	if err != nil {
		return domain.SessionSnapshot{}, err
	}
	return sess.Snapshot(), nil
}

// TaskLogs returns a task's snapshot and its newest log entries.
func (m *Manager) TaskLogs(sessionID, taskID string) (domain.TaskSnapshot, []domain.LogEntry, error) {
	task, err := m.task(sessionID, taskID)
	if err != nil {
		return domain.TaskSnapshot{}, nil, err
	}
	return task.Snapshot(), task.Logs.Entries(m.timings.LogViewSize), nil
}

// Task looks up a task by session and task id.
func (m *Manager) Task(sessionID, taskID string) (*domain.Task, error) {
	return m.task(sessionID, taskID)
}

func (m *Manager) task(sessionID, taskID string) (*domain.Task, error) {
	sess, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}
	task, ok := sess.Task(taskID)
	if !ok {
		return nil, ErrTaskNotFound
	}
	return task, nil
}

// Groups lists the groups joined by the caller's paired account.
func (m *Manager) Groups(ctx context.Context, caller string) ([]protocol.Group, error) {
	sess, err := m.Find(caller)
	if err != nil {
		return nil, err
	}
	client := sess.Client()
	if !sess.Connected() || client == nil {
		return nil, ErrNotConnected
	}
	groups, err := client.JoinedGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	sess.Touch()
	return groups, nil
}

// Destroy stops every task of a session, closes its client and forgets it.
func (m *Manager) Destroy(caller, sessionID string) error {
	sess, err := m.owned(caller, sessionID)
	if err != nil {
		return err
	}
	m.teardown(sess, "stopped by owner")
	return nil
}

// Count returns the number of registered sessions.
func (m *Manager) Count() int { return m.registry.Count() }

// Shutdown tears down every session. Background loops exit once the
// supervisor is stopped.
func (m *Manager) Shutdown(ctx context.Context) error {
	sessions := m.registry.List()
	for _, sess := range sessions {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.teardown(sess, "shutdown")
	}
	slog.Info("Sessions shut down", "count", len(sessions))
	return nil
}

// teardown removes a session from the registry, stops its tasks, releases its
// client and deletes its credential directory. It is safe to call twice.
func (m *Manager) teardown(sess *domain.Session, reason string) {
	m.registry.Remove(sess.ID)
	client, unsub := sess.Close()

	for _, task := range sess.Tasks() {
		task.Cancel()
		if task.FinishIdle() {
			m.logTaskEnd(task, nil)
		}
	}

	release(client, unsub)
	m.prunePairLock(sess.CallerAddr)

	if sess.StorePath != "" {
		if err := os.RemoveAll(sess.StorePath); err != nil {
			slog.Warn("Failed to remove session storage", "session_id", sess.ID, "path", sess.StorePath, "error", err)
		}
	}
	slog.Info("Session destroyed", "session_id", sess.ID, "caller", sess.CallerAddr, "reason", reason)
}

// release drops event registrations and closes a retired client.
func release(client protocol.Client, unsubscribe []func()) {
	for _, fn := range unsubscribe {
		if fn != nil {
			fn()
		}
	}
	if client == nil {
		return
	}
	if err := client.Close(); err != nil {
		slog.Warn("Failed to close protocol client", "error", err)
	}
}

// PurgeStaleStorage removes credential directories left under root by a
// previous process. Sessions are memory-only, so none of them can be resumed.
func PurgeStaleStorage(root string) (int, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return 0, fmt.Errorf("create temp dir: %w", err)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return 0, fmt.Errorf("read temp dir: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(root, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			slog.Warn("Failed to remove stale session storage", "path", path, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// sleepCtx waits for d or until ctx is done. It returns false if ctx ended.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
