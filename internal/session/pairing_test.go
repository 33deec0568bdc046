package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/pairsend/internal/protocol/protocoltest"
)

func TestPair_RegistersSession(t *testing.T) {
	env := newTestEnv(t, nil, fastTimings())

	res, err := env.mgr.Pair(context.Background(), testCaller, "+1 (555) 010-0000")
	if err != nil {
		t.Fatalf("Pair() error = %v", err)
	}
	if res.Code != "ABCD-1234" {
		t.Errorf("unexpected code %q", res.Code)
	}
	if len(res.SessionID) != 15 {
		t.Errorf("unexpected session id %q", res.SessionID)
	}

	sess, err := env.mgr.Find(testCaller)
	if err != nil || sess.ID != res.SessionID {
		t.Fatalf("Find() = %v, %v", sess, err)
	}
	if sess.Phone != "15550100000" {
		t.Errorf("expected digits-only phone, got %q", sess.Phone)
	}
	if got := env.factory.Last().PairedPhone(); got != "15550100000" {
		t.Errorf("pairing code requested for %q", got)
	}
	info, err := os.Stat(sess.StorePath)
	if err != nil || !info.IsDir() {
		t.Fatalf("expected storage dir, stat err = %v", err)
	}
	if info.Mode().Perm() != 0o700 {
		t.Errorf("expected 0700 storage dir, got %v", info.Mode().Perm())
	}
}

func TestPair_RejectsInvalidPhone(t *testing.T) {
	env := newTestEnv(t, nil, fastTimings())
	if _, err := env.mgr.Pair(context.Background(), testCaller, "abc"); !errors.Is(err, ErrInvalidPhone) {
		t.Fatalf("expected ErrInvalidPhone, got %v", err)
	}
	if len(env.factory.Clients()) != 0 {
		t.Error("expected no client for invalid phone")
	}
}

func TestPair_ConnectedSessionConflicts(t *testing.T) {
	env := newTestEnv(t, nil, fastTimings())
	sess, _ := env.pairConnected(t)

	_, err := env.mgr.Pair(context.Background(), testCaller, "15550100000")
	if !errors.Is(err, ErrSessionAlreadyActive) {
		t.Fatalf("expected ErrSessionAlreadyActive, got %v", err)
	}
	var active *ActiveSessionError
	if !errors.As(err, &active) || active.SessionID != sess.ID {
		t.Fatalf("expected ActiveSessionError carrying %s, got %v", sess.ID, err)
	}
	if env.mgr.Count() != 1 {
		t.Errorf("expected one session, got %d", env.mgr.Count())
	}
}

func TestPair_ReplacesStaleSession(t *testing.T) {
	env := newTestEnv(t, nil, fastTimings())

	first, err := env.mgr.Pair(context.Background(), testCaller, "15550100000")
	if err != nil {
		t.Fatalf("Pair() error = %v", err)
	}
	old, _ := env.mgr.Get(first.SessionID)
	oldClient := env.factory.Last()

	second, err := env.mgr.Pair(context.Background(), testCaller, "15550100000")
	if err != nil {
		t.Fatalf("second Pair() error = %v", err)
	}
	if second.SessionID == first.SessionID {
		t.Fatal("expected a fresh session id")
	}
	if !oldClient.Closed() {
		t.Error("expected stale client closed")
	}
	if _, err := os.Stat(old.StorePath); !os.IsNotExist(err) {
		t.Errorf("expected stale storage removed, stat err = %v", err)
	}
	if _, err := env.mgr.Get(first.SessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected stale session forgotten, got %v", err)
	}
	if sess, _ := env.mgr.Find(testCaller); sess == nil || sess.ID != second.SessionID {
		t.Errorf("expected caller mapped to the new session")
	}
}

func TestPair_RapidDoublePairingConflicts(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	factory := &protocoltest.Factory{
		Configure: func(*protocoltest.Client) {
			once.Do(func() {
				close(started)
				<-release
			})
		},
	}
	env := newTestEnv(t, factory, fastTimings())

	done := make(chan error, 1)
	go func() {
		_, err := env.mgr.Pair(context.Background(), testCaller, "15550100000")
		done <- err
	}()
	<-started

	if _, err := env.mgr.Pair(context.Background(), testCaller, "15550100000"); !errors.Is(err, ErrPairingInProgress) {
		t.Fatalf("expected ErrPairingInProgress, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Pair() error = %v", err)
	}
	if env.mgr.Count() != 1 {
		t.Errorf("expected one session, got %d", env.mgr.Count())
	}
}

func TestPair_ConcurrentKeepsOneSessionPerCaller(t *testing.T) {
	factory := &protocoltest.Factory{AutoOpen: true}
	env := newTestEnv(t, factory, fastTimings())

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.mgr.Pair(context.Background(), testCaller, "15550100000")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrPairingInProgress), errors.Is(err, ErrSessionAlreadyActive):
		default:
			t.Errorf("unexpected error %v", err)
		}
	}
	if succeeded != 1 {
		t.Errorf("expected exactly one successful pairing, got %d", succeeded)
	}
	if env.mgr.Count() != 1 {
		t.Errorf("expected one session, got %d", env.mgr.Count())
	}
}

func TestPair_ClientErrorLeavesNothingBehind(t *testing.T) {
	factory := &protocoltest.Factory{
		Configure: func(c *protocoltest.Client) {
			c.PairErr = errors.New("rate-overlimit")
		},
	}
	env := newTestEnv(t, factory, fastTimings())

	if _, err := env.mgr.Pair(context.Background(), testCaller, "15550100000"); err == nil {
		t.Fatal("expected pairing error")
	}
	if env.mgr.Count() != 0 {
		t.Errorf("expected nothing registered, got %d", env.mgr.Count())
	}
	if !env.factory.Last().Closed() {
		t.Error("expected client closed")
	}
	entries, _ := os.ReadDir(env.tempDir)
	if len(entries) != 0 {
		t.Errorf("expected storage cleaned up, found %d entries", len(entries))
	}
}

func TestPair_FactoryErrorLeavesNothingBehind(t *testing.T) {
	env := newTestEnv(t, nil, fastTimings())
	env.factory.SetNewErr(errors.New("store unavailable"))

	if _, err := env.mgr.Pair(context.Background(), testCaller, "15550100000"); err == nil {
		t.Fatal("expected error")
	}
	entries, _ := os.ReadDir(env.tempDir)
	if len(entries) != 0 {
		t.Errorf("expected storage cleaned up, found %d entries", len(entries))
	}
	if n := pairLockCount(env.mgr); n != 0 {
		t.Errorf("expected no pairing lock left, found %d", n)
	}
}

func TestPair_CredentialsUpdatePersists(t *testing.T) {
	env := newTestEnv(t, nil, fastTimings())
	res, err := env.mgr.Pair(context.Background(), testCaller, "15550100000")
	if err != nil {
		t.Fatalf("Pair() error = %v", err)
	}
	client := env.factory.Last()
	client.EmitCredentials(protocoltest.Credentials("15550100000:3@s.whatsapp.net"))

	if client.Saves() != 1 {
		t.Errorf("expected credentials saved once, got %d", client.Saves())
	}
	status, _ := env.mgr.Status(res.SessionID)
	if status.AccountID != "15550100000:3@s.whatsapp.net" {
		t.Errorf("unexpected account id %q", status.AccountID)
	}
}

func pairLockCount(m *Manager) int {
	n := 0
	m.pairLocks.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func TestPairLocks_DroppedWithSession(t *testing.T) {
	env := newTestEnv(t, nil, fastTimings())
	sess, _ := env.pairConnected(t)

	if n := pairLockCount(env.mgr); n != 1 {
		t.Fatalf("expected the owner's lock while the session lives, got %d", n)
	}
	if err := env.mgr.Destroy(testCaller, sess.ID); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if n := pairLockCount(env.mgr); n != 0 {
		t.Errorf("expected lock dropped on destroy, got %d", n)
	}

	// The caller can pair again afterwards.
	if _, err := env.mgr.Pair(context.Background(), testCaller, "15550100000"); err != nil {
		t.Fatalf("Pair() after destroy error = %v", err)
	}
}

func TestPairLocks_SweepPrunesIdleCallers(t *testing.T) {
	env := newTestEnv(t, nil, fastTimings())
	for i := 0; i < 5; i++ {
		env.mgr.pairLocks.Store(fmt.Sprintf("198.51.100.%d", i), &sync.Mutex{})
	}
	busy := &sync.Mutex{}
	busy.Lock()
	env.mgr.pairLocks.Store("198.51.100.200", busy)
	env.pairConnected(t)

	res := env.mgr.Sweep(time.Now())
	if res.PrunedLocks != 5 {
		t.Errorf("PrunedLocks = %d, want 5", res.PrunedLocks)
	}
	// The in-flight pairing and the live session keep their locks.
	if n := pairLockCount(env.mgr); n != 2 {
		t.Errorf("expected 2 locks left, got %d", n)
	}
	busy.Unlock()
}

func TestPairLocks_ConcurrentPairingWithPruning(t *testing.T) {
	env := newTestEnv(t, nil, fastTimings())

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				env.mgr.prunePairLocks()
			}
		}
	}()

	for i := 0; i < 20; i++ {
		caller := fmt.Sprintf("203.0.113.%d", i)
		if _, err := env.mgr.Pair(context.Background(), caller, "15550100000"); err != nil {
			t.Errorf("Pair(%s) error = %v", caller, err)
		}
	}
	close(stop)
	wg.Wait()

	if got := env.mgr.Count(); got != 20 {
		t.Errorf("sessions = %d, want 20", got)
	}
}
