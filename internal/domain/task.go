package domain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ashureev/pairsend/internal/protocol"
)

// previewLimit is the number of characters of a message kept in a success log.
const previewLimit = 50

// TaskStatus is the externally visible state of a task.
type TaskStatus string

const (
	TaskSending TaskStatus = "sending"
	TaskStopped TaskStatus = "stopped"
	TaskFailed  TaskStatus = "failed"
)

// Task is one recurring delivery job under a session. The message list is
// materialised once so a resumed loop can continue from the stored cursor.
type Task struct {
	ID        string
	SessionID string
	Target    protocol.Recipient
	Messages  []string
	Interval  time.Duration
	Prefix    string
	StartedAt time.Time
	Logs      *LogRing

	mu            sync.Mutex
	cursor        int
	sent          int
	sending       bool
	stopRequested bool
	endedAt       time.Time
	lastErr       string
	running       bool
	cancel        context.CancelFunc
}

// TaskSnapshot is a point-in-time copy of a task's state for views.
type TaskSnapshot struct {
	ID            string     `json:"id"`
	Target        string     `json:"target"`
	TargetType    string     `json:"target_type"`
	IntervalSecs  float64    `json:"interval_seconds"`
	Prefix        string     `json:"prefix,omitempty"`
	Status        TaskStatus `json:"status"`
	Cursor        int        `json:"cursor"`
	SentCount     int        `json:"sent_count"`
	TotalCount    int        `json:"total_count"`
	IsSending     bool       `json:"is_sending"`
	StopRequested bool       `json:"stop_requested"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	Error         string     `json:"error,omitempty"`
	LastLog       *LogEntry  `json:"last_log,omitempty"`
}

// NewTask creates a task that is marked sending but has no loop yet.
func NewTask(id, sessionID string, target protocol.Recipient, messages []string, interval time.Duration, prefix string, logCap int) *Task {
	return &Task{
		ID:        id,
		SessionID: sessionID,
		Target:    target,
		Messages:  messages,
		Interval:  interval,
		Prefix:    prefix,
		StartedAt: time.Now(),
		Logs:      NewLogRing(logCap),
		sending:   true,
	}
}

// ShouldRun reports whether the delivery loop should keep iterating.
func (t *Task) ShouldRun() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sending && !t.stopRequested
}

// IsSending reports whether the task has not reached a terminal state.
func (t *Task) IsSending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sending
}

// StopRequested reports whether a stop was requested.
func (t *Task) StopRequested() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopRequested
}

// Current returns the cursor and the outgoing text for it.
func (t *Task) Current() (int, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	msg := t.Messages[t.cursor]
	if t.Prefix != "" {
		msg = t.Prefix + msg
	}
	return t.cursor, msg
}

// Advance records a confirmed send and moves the cursor, wrapping to the
// start of the list.
func (t *Task) Advance() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent++
	t.cursor = (t.cursor + 1) % len(t.Messages)
}

// Cursor returns the index of the next message to send.
func (t *Task) Cursor() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cursor
}

// SentCount returns the number of confirmed sends.
func (t *Task) SentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sent
}

// RequestStop asks the loop to exit at the top of its next iteration.
// It returns false if the task had already ended.
func (t *Task) RequestStop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.sending {
		return false
	}
	t.stopRequested = true
	return true
}

// Cancel requests a stop and interrupts any wait the loop is blocked in.
func (t *Task) Cancel() {
	t.mu.Lock()
	if t.sending {
		t.stopRequested = true
	}
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Claim marks a loop as active for the task. Only one loop may hold the
// claim; callers that get false must not start another loop.
func (t *Task) Claim(cancel context.CancelFunc) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running || !t.sending || t.stopRequested {
		return false
	}
	t.running = true
	t.cancel = cancel
	return true
}

// Release drops the loop claim.
func (t *Task) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = false
	t.cancel = nil
}

// Running reports whether a loop currently holds the claim.
func (t *Task) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Finish moves the task to its terminal state and returns the status it ended in.
func (t *Task) Finish(err error) TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sending = false
	t.endedAt = time.Now()
	if err != nil {
		t.lastErr = err.Error()
		return TaskFailed
	}
	return TaskStopped
}

// FinishIdle ends a task that no loop is attached to. It returns false when a
// loop holds the claim or the task already ended.
func (t *Task) FinishIdle() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running || !t.sending {
		return false
	}
	t.sending = false
	t.stopRequested = true
	t.endedAt = time.Now()
	return true
}

// Snapshot copies the task state for rendering.
func (t *Task) Snapshot() TaskSnapshot {
	t.mu.Lock()
	snap := TaskSnapshot{
		ID:            t.ID,
		Target:        t.Target.ID,
		TargetType:    string(t.Target.Kind),
		IntervalSecs:  t.Interval.Seconds(),
		Prefix:        t.Prefix,
		Cursor:        t.cursor,
		SentCount:     t.sent,
		TotalCount:    len(t.Messages),
		IsSending:     t.sending,
		StopRequested: t.stopRequested,
		StartedAt:     t.StartedAt,
		Error:         t.lastErr,
	}
	switch {
	case t.sending:
		snap.Status = TaskSending
	case t.lastErr != "":
		snap.Status = TaskFailed
	default:
		snap.Status = TaskStopped
	}
	if !t.endedAt.IsZero() {
		ended := t.endedAt
		snap.EndedAt = &ended
	}
	t.mu.Unlock()

	if latest, ok := t.Logs.Latest(); ok {
		snap.LastLog = &latest
	}
	return snap
}

// Preview shortens text for log output.
func Preview(text string) string {
	runes := []rune(text)
	if len(runes) <= previewLimit {
		return text
	}
	return string(runes[:previewLimit]) + "..."
}

// DescribeTarget renders the target for log summaries.
func DescribeTarget(r protocol.Recipient) string {
	if r.Kind == protocol.RecipientGroup {
		return fmt.Sprintf("group %s", r.ID)
	}
	return r.ID
}
