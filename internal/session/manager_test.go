package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/pairsend/internal/domain"
	"github.com/ashureev/pairsend/internal/protocol"
	"github.com/ashureev/pairsend/internal/protocol/protocoltest"
	"github.com/ashureev/pairsend/internal/store"
	"github.com/ashureev/pairsend/internal/supervisor"
)

const testCaller = "10.0.0.1"

func fastTimings() Timings {
	return Timings{
		PairSettleDelay:        time.Millisecond,
		ReconnectDelay:         10 * time.Millisecond,
		ReconnectRetryDelay:    20 * time.Millisecond,
		ConnectionPollInterval: 10 * time.Millisecond,
		SendRetryDelay:         5 * time.Millisecond,
		TTL:                    time.Hour,
		LogTrimSize:            200,
		LogViewSize:            100,
		LogHardCap:             1000,
	}
}

type testEnv struct {
	mgr     *Manager
	reg     *store.MemoryStore
	factory *protocoltest.Factory
	tempDir string
}

func newTestEnv(t *testing.T, factory *protocoltest.Factory, timings Timings) *testEnv {
	t.Helper()
	if factory == nil {
		factory = &protocoltest.Factory{}
	}
	reg := store.NewMemory()
	sup := supervisor.New(context.Background())
	dir := t.TempDir()
	mgr := NewManager(reg, factory, sup, Options{TempDir: dir, Timings: timings})

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
		if err := sup.Stop(ctx); err != nil {
			t.Errorf("supervisor did not stop: %v", err)
		}
	})
	return &testEnv{mgr: mgr, reg: reg, factory: factory, tempDir: dir}
}

// pairConnected pairs testCaller and opens the client.
func (e *testEnv) pairConnected(t *testing.T) (*domain.Session, *protocoltest.Client) {
	t.Helper()
	res, err := e.mgr.Pair(context.Background(), testCaller, "+1 (555) 010-0000")
	if err != nil {
		t.Fatalf("Pair() error = %v", err)
	}
	client := e.factory.Last()
	client.Open()
	sess, err := e.mgr.Get(res.SessionID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !sess.Connected() {
		t.Fatal("expected session connected after open")
	}
	return sess, client
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestManager_DestroyChecksOwnership(t *testing.T) {
	env := newTestEnv(t, nil, fastTimings())
	sess, client := env.pairConnected(t)

	if err := env.mgr.Destroy("10.9.9.9", sess.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if client.Closed() || sess.Closed() {
		t.Fatal("rejected destroy must not mutate the session")
	}
	if err := env.mgr.Destroy(testCaller, "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestManager_DestroyReleasesEverything(t *testing.T) {
	env := newTestEnv(t, nil, fastTimings())
	sess, client := env.pairConnected(t)

	task, err := env.mgr.StartTask(testCaller, TaskRequest{
		Target:   protocol.Recipient{ID: "15550001111", Kind: protocol.RecipientNumber},
		Messages: []string{"one"},
		Interval: time.Hour,
	})
	if err != nil {
		t.Fatalf("StartTask() error = %v", err)
	}
	waitFor(t, time.Second, func() bool { return task.SentCount() == 1 }, "first send")

	if err := env.mgr.Destroy(testCaller, sess.ID); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}

	if !client.Closed() {
		t.Error("expected client closed")
	}
	if client.Subscribers() != 0 {
		t.Errorf("expected subscriptions released, got %d", client.Subscribers())
	}
	if _, err := os.Stat(sess.StorePath); !os.IsNotExist(err) {
		t.Errorf("expected storage removed, stat err = %v", err)
	}
	if _, err := env.mgr.Find(testCaller); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("expected caller mapping removed, got %v", err)
	}
	if _, err := env.mgr.Get(sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected id mapping removed, got %v", err)
	}

	// The loop was sleeping the hour-long interval; cancellation ends it.
	waitFor(t, time.Second, func() bool { return !task.IsSending() && !task.Running() }, "task end")
	latest, _ := task.Logs.Latest()
	if latest.Summary != "Task stopped" || latest.Details != "Sent 1 messages" {
		t.Errorf("unexpected final log %+v", latest)
	}
}

func TestManager_Groups(t *testing.T) {
	factory := &protocoltest.Factory{
		Configure: func(c *protocoltest.Client) {
			c.Groups = []protocol.Group{{ID: "120363@g.us", Name: "Team", Participants: 4}}
		},
	}
	env := newTestEnv(t, factory, fastTimings())

	if _, err := env.mgr.Groups(context.Background(), testCaller); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}

	if _, err := env.mgr.Pair(context.Background(), testCaller, "15550100000"); err != nil {
		t.Fatalf("Pair() error = %v", err)
	}
	if _, err := env.mgr.Groups(context.Background(), testCaller); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected before open, got %v", err)
	}

	env.factory.Last().Open()
	groups, err := env.mgr.Groups(context.Background(), testCaller)
	if err != nil {
		t.Fatalf("Groups() error = %v", err)
	}
	if len(groups) != 1 || groups[0].Name != "Team" {
		t.Errorf("unexpected groups %+v", groups)
	}
}

func TestManager_TaskLogsCapsView(t *testing.T) {
	timings := fastTimings()
	timings.LogViewSize = 5
	env := newTestEnv(t, nil, timings)

	sess := domain.NewSession("S1", testCaller, "1", "")
	task := domain.NewTask("t00000001", sess.ID, protocol.Recipient{ID: "1", Kind: protocol.RecipientNumber}, []string{"a"}, time.Second, "", 100)
	for i := 0; i < 12; i++ {
		task.Logs.Append(domain.LogInfo, "entry", "")
	}
	sess.AddTask(task)
	env.reg.Put(sess)

	_, entries, err := env.mgr.TaskLogs("S1", "t00000001")
	if err != nil {
		t.Fatalf("TaskLogs() error = %v", err)
	}
	if len(entries) != 5 {
		t.Errorf("expected 5 entries, got %d", len(entries))
	}
	if _, _, err := env.mgr.TaskLogs("S1", "tmissing0"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
	if _, _, err := env.mgr.TaskLogs("nope", "t00000001"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestManager_Shutdown(t *testing.T) {
	env := newTestEnv(t, nil, fastTimings())
	_, client := env.pairConnected(t)

	if err := env.mgr.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if !client.Closed() {
		t.Error("expected client closed on shutdown")
	}
	if env.mgr.Count() != 0 {
		t.Errorf("expected empty registry, got %d", env.mgr.Count())
	}
}

func TestPurgeStaleStorage(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"AAA", "BBB"} {
		if err := os.MkdirAll(filepath.Join(root, name), 0o700); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(root, "keep.txt"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	removed, err := PurgeStaleStorage(root)
	if err != nil {
		t.Fatalf("PurgeStaleStorage() error = %v", err)
	}
	if removed != 2 {
		t.Errorf("expected 2 removed, got %d", removed)
	}
	entries, _ := os.ReadDir(root)
	if len(entries) != 1 || entries[0].Name() != "keep.txt" {
		t.Errorf("unexpected leftovers %v", entries)
	}

	fresh := filepath.Join(root, "nested", "temp")
	if _, err := PurgeStaleStorage(fresh); err != nil {
		t.Fatalf("expected missing root to be created, got %v", err)
	}
	if info, err := os.Stat(fresh); err != nil || !info.IsDir() {
		t.Errorf("expected %s created", fresh)
	}
}

func TestIDs(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		id, err := NewSessionID()
		if err != nil {
			t.Fatalf("NewSessionID() error = %v", err)
		}
		if len(id) != 15 {
			t.Fatalf("session id %q has length %d", id, len(id))
		}
		for _, r := range id {
			if !strings.ContainsRune(alphanumeric, r) {
				t.Fatalf("session id %q has invalid rune %q", id, r)
			}
		}
		if seen[id] {
			t.Fatalf("duplicate session id %q", id)
		}
		seen[id] = true

		tid, err := NewTaskID()
		if err != nil {
			t.Fatalf("NewTaskID() error = %v", err)
		}
		if len(tid) != 9 || tid[0] != 't' {
			t.Fatalf("unexpected task id %q", tid)
		}
		for _, r := range tid[1:] {
			if !strings.ContainsRune(base36, r) {
				t.Fatalf("task id %q has invalid rune %q", tid, r)
			}
		}
	}
}
