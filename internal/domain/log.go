package domain

import (
	"container/list"
	"sync"
	"time"
)

// LogKind classifies a task log entry.
type LogKind string

const (
	LogSuccess LogKind = "success"
	LogError   LogKind = "error"
	LogInfo    LogKind = "info"
)

// DefaultLogHardCap bounds a ring between housekeeping sweeps.
const DefaultLogHardCap = 1000

// LogEntry is a single line in a task's delivery log.
type LogEntry struct {
	Kind      LogKind   `json:"kind"`
	Summary   string    `json:"summary"`
	Details   string    `json:"details"`
	Timestamp time.Time `json:"timestamp"`
}

// LogRing keeps a task's log entries newest first. Appends beyond the hard
// cap evict the oldest entry; Trim applies the tighter housekeeping cap.
type LogRing struct {
	mu      sync.RWMutex
	entries *list.List // front = newest
	hardCap int
	subs    map[uint64]chan LogEntry
	nextSub uint64
}

// NewLogRing creates a ring bounded to hardCap entries.
func NewLogRing(hardCap int) *LogRing {
	if hardCap <= 0 {
		hardCap = DefaultLogHardCap
	}
	return &LogRing{
		entries: list.New(),
		hardCap: hardCap,
		subs:    make(map[uint64]chan LogEntry),
	}
}

// Append records an entry and fans it out to live subscribers.
func (r *LogRing) Append(kind LogKind, summary, details string) LogEntry {
	entry := LogEntry{
		Kind:      kind,
		Summary:   summary,
		Details:   details,
		Timestamp: time.Now(),
	}

	r.mu.Lock()
	r.entries.PushFront(entry)
	for r.entries.Len() > r.hardCap {
		r.entries.Remove(r.entries.Back())
	}
	// Subscribers are buffered; a slow reader misses entries rather than
	// stalling the delivery loop.
	for _, ch := range r.subs {
		select {
		case ch <- entry:
		default:
		}
	}
	r.mu.Unlock()

	return entry
}

// Entries returns up to limit entries, newest first. limit <= 0 returns all.
func (r *LogRing) Entries(limit int) []LogEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.entries.Len()
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]LogEntry, 0, n)
	for e := r.entries.Front(); e != nil && len(out) < n; e = e.Next() {
		out = append(out, e.Value.(LogEntry))
	}
	return out
}

// Latest returns the newest entry.
func (r *LogRing) Latest() (LogEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	front := r.entries.Front()
	if front == nil {
		return LogEntry{}, false
	}
	return front.Value.(LogEntry), true
}

// Len returns the number of stored entries.
func (r *LogRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries.Len()
}

// Trim drops the oldest entries until at most max remain and returns how
// many were dropped.
func (r *LogRing) Trim(max int) int {
	if max < 0 {
		max = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := 0
	for r.entries.Len() > max {
		r.entries.Remove(r.entries.Back())
		dropped++
	}
	return dropped
}

// Subscribe returns a channel receiving every entry appended after the call.
// The returned function must be called to release the subscription.
func (r *LogRing) Subscribe(buffer int) (<-chan LogEntry, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan LogEntry, buffer)

	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	r.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
			close(ch)
		})
	}
}
