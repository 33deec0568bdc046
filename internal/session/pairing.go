package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/ashureev/pairsend/internal/domain"
	"github.com/ashureev/pairsend/internal/protocol"
)

// PairResult is returned by a successful pairing request.
type PairResult struct {
	SessionID string `json:"sessionId"`
	Code      string `json:"code"`
}

// Pair starts device linking for caller. A connected session owned by the
// caller blocks pairing; a stale one is torn down and replaced.
func (m *Manager) Pair(ctx context.Context, caller, rawPhone string) (PairResult, error) {
	phone := protocol.DigitsOnly(rawPhone)
	if phone == "" {
		return PairResult{}, ErrInvalidPhone
	}

	lock, ok := m.acquirePairLock(caller)
	if !ok {
		return PairResult{}, ErrPairingInProgress
	}
	defer m.releasePairLock(caller, lock)

	if existing, ok := m.registry.Lookup(caller); ok {
		if existing.Connected() {
			return PairResult{}, &ActiveSessionError{SessionID: existing.ID}
		}
		slog.Info("Replacing stale session", "session_id", existing.ID, "caller", caller, "state", existing.State())
		m.teardown(existing, "replaced by new pairing")
	}

	id, err := NewSessionID()
	if err != nil {
		return PairResult{}, err
	}
	dir := filepath.Join(m.tempDir, id)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return PairResult{}, fmt.Errorf("create session storage: %w", err)
	}

	sess := domain.NewSession(id, caller, phone, dir)
	code, err := m.link(ctx, sess)
	if err != nil {
		// The session was never registered; tearing it down only releases
		// the client and the directory.
		m.teardown(sess, "pairing failed")
		return PairResult{}, err
	}

	m.registry.Put(sess)
	slog.Info("Pairing code issued", "session_id", id, "caller", caller)
	return PairResult{SessionID: id, Code: code}, nil
}

func (m *Manager) link(ctx context.Context, sess *domain.Session) (string, error) {
	client, err := m.factory.NewClient(ctx, sess.StorePath)
	if err != nil {
		return "", fmt.Errorf("create client: %w", err)
	}
	if !m.attach(sess, client) {
		return "", ErrSessionNotFound
	}
	if err := client.Connect(ctx); err != nil {
		return "", fmt.Errorf("connect: %w", err)
	}
	if client.Registered() {
		return "", nil
	}

	if !sleepCtx(ctx, m.timings.PairSettleDelay) {
		return "", ctx.Err()
	}
	code, err := client.RequestPairingCode(ctx, sess.Phone)
	if err != nil {
		return "", fmt.Errorf("request pairing code: %w", err)
	}
	return code, nil
}

// acquirePairLock try-locks the caller's pairing mutex. A mutex that was
// pruned between load and lock is no longer the caller's, so the attempt is
// repeated with a fresh one.
func (m *Manager) acquirePairLock(caller string) (*sync.Mutex, bool) {
	for {
		v, _ := m.pairLocks.LoadOrStore(caller, &sync.Mutex{})
		lock := v.(*sync.Mutex)
		if !lock.TryLock() {
			return nil, false
		}
		if cur, ok := m.pairLocks.Load(caller); ok && cur == lock {
			return lock, true
		}
		lock.Unlock()
	}
}

// releasePairLock unlocks the caller's mutex, dropping it first when the
// caller ended up without a session.
func (m *Manager) releasePairLock(caller string, lock *sync.Mutex) {
	if _, ok := m.registry.Lookup(caller); !ok {
		m.pairLocks.CompareAndDelete(caller, lock)
	}
	lock.Unlock()
}

// prunePairLock drops the caller's idle mutex once it owns no session.
// A pairing in flight holds the mutex and keeps it.
func (m *Manager) prunePairLock(caller string) bool {
	v, ok := m.pairLocks.Load(caller)
	if !ok {
		return false
	}
	lock := v.(*sync.Mutex)
	if !lock.TryLock() {
		return false
	}
	defer lock.Unlock()
	if _, ok := m.registry.Lookup(caller); ok {
		return false
	}
	return m.pairLocks.CompareAndDelete(caller, lock)
}

// prunePairLocks sweeps every idle mutex whose caller owns no session.
func (m *Manager) prunePairLocks() int {
	pruned := 0
	m.pairLocks.Range(func(key, _ any) bool {
		if m.prunePairLock(key.(string)) {
			pruned++
		}
		return true
	})
	return pruned
}
