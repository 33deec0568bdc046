package domain

import (
	"fmt"
	"testing"
	"time"
)

func TestLogRing_NewestFirst(t *testing.T) {
	t.Parallel()

	r := NewLogRing(10)
	r.Append(LogInfo, "first", "")
	r.Append(LogSuccess, "second", "")
	r.Append(LogError, "third", "")

	got := r.Entries(0)
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	if got[0].Summary != "third" || got[2].Summary != "first" {
		t.Errorf("expected newest first, got %q ... %q", got[0].Summary, got[2].Summary)
	}

	limited := r.Entries(2)
	if len(limited) != 2 || limited[1].Summary != "second" {
		t.Errorf("expected the two newest entries, got %+v", limited)
	}
}

func TestLogRing_HardCapDropsOldest(t *testing.T) {
	t.Parallel()

	r := NewLogRing(5)
	for i := 0; i < 12; i++ {
		r.Append(LogInfo, fmt.Sprintf("entry-%d", i), "")
	}

	if r.Len() != 5 {
		t.Fatalf("expected ring capped at 5, got %d", r.Len())
	}
	entries := r.Entries(0)
	if entries[0].Summary != "entry-11" || entries[4].Summary != "entry-7" {
		t.Errorf("unexpected retained window: %q .. %q", entries[0].Summary, entries[4].Summary)
	}
}

func TestLogRing_Trim(t *testing.T) {
	t.Parallel()

	r := NewLogRing(1000)
	for i := 0; i < 450; i++ {
		r.Append(LogSuccess, fmt.Sprintf("entry-%d", i), "")
	}

	dropped := r.Trim(200)
	if dropped != 250 {
		t.Errorf("expected 250 dropped, got %d", dropped)
	}
	if r.Len() != 200 {
		t.Errorf("expected 200 entries after trim, got %d", r.Len())
	}
	if latest, _ := r.Latest(); latest.Summary != "entry-449" {
		t.Errorf("expected newest entry kept, got %q", latest.Summary)
	}
	if r.Trim(200) != 0 {
		t.Error("expected second trim to be a no-op")
	}
}

func TestLogRing_Subscribe(t *testing.T) {
	t.Parallel()

	r := NewLogRing(10)
	r.Append(LogInfo, "before", "")

	ch, unsubscribe := r.Subscribe(4)
	r.Append(LogSuccess, "after", "details")

	select {
	case entry := <-ch:
		if entry.Summary != "after" || entry.Details != "details" {
			t.Errorf("unexpected entry %+v", entry)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscribed entry")
	}

	unsubscribe()
	unsubscribe()
	if _, ok := <-ch; ok {
		t.Error("expected channel closed after unsubscribe")
	}

	// Appending after unsubscribe must not panic.
	r.Append(LogInfo, "late", "")
}
