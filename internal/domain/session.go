package domain

import (
	"sync"
	"time"

	"github.com/ashureev/pairsend/internal/protocol"
)

// ConnState is the connectivity state of a session.
type ConnState string

const (
	StatePairing      ConnState = "pairing"
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
	StateTerminated   ConnState = "terminated"
)

// Session is a paired identity owned by one caller. Its protocol client is
// replaced on reconnect, so callers must fetch it through Client every time
// they need it rather than keeping a copy.
type Session struct {
	ID         string
	CallerAddr string
	Phone      string
	StorePath  string
	CreatedAt  time.Time

	mu           sync.RWMutex
	client       protocol.Client
	unsubscribe  []func()
	state        ConnState
	lastActivity time.Time
	tasks        []*Task
	accountID    string
	closed       bool
	// connectedCh is closed when the session enters StateConnected and
	// replaced when it leaves, so waiters can block on reconnection.
	connectedCh chan struct{}

	reconnecting    bool
	reconnectWanted bool
}

// SessionSnapshot is a point-in-time copy of a session for views.
type SessionSnapshot struct {
	ID           string         `json:"session_id"`
	Phone        string         `json:"phone"`
	AccountID    string         `json:"account_id,omitempty"`
	State        ConnState      `json:"state"`
	Connected    bool           `json:"connected"`
	CreatedAt    time.Time      `json:"created_at"`
	LastActivity time.Time      `json:"last_activity"`
	Tasks        []TaskSnapshot `json:"tasks"`
}

// NewSession creates a session in StatePairing.
func NewSession(id, callerAddr, phone, storePath string) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		CallerAddr:   callerAddr,
		Phone:        phone,
		StorePath:    storePath,
		CreatedAt:    now,
		state:        StatePairing,
		lastActivity: now,
		connectedCh:  make(chan struct{}),
	}
}

// OwnedBy reports whether addr is the session's owning caller.
func (s *Session) OwnedBy(addr string) bool {
	return s.CallerAddr == addr
}

// Client returns the live protocol client.
func (s *Session) Client() protocol.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

// IsCurrent reports whether c is the session's live client.
func (s *Session) IsCurrent(c protocol.Client) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client == c
}

// SwapClient installs a new client with its subscriptions and returns the
// previous client and subscriptions so the caller can release them. A closed
// session refuses the swap (ok is false) and the caller keeps ownership of c.
func (s *Session) SwapClient(c protocol.Client, unsubscribe []func()) (prev protocol.Client, prevUnsub []func(), ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, false
	}
	prev, prevUnsub = s.client, s.unsubscribe
	s.client = c
	s.unsubscribe = unsubscribe
	return prev, prevUnsub, true
}

// State returns the connectivity state.
func (s *Session) State() ConnState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Connected reports whether the session can send.
func (s *Session) Connected() bool {
	return s.State() == StateConnected
}

// MarkConnected enters StateConnected, refreshes activity and wakes waiters.
// Terminated and closed sessions are left untouched; the return value reports
// whether the transition happened.
func (s *Session) MarkConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.state == StateTerminated {
		return false
	}
	s.lastActivity = time.Now()
	if s.state != StateConnected {
		s.state = StateConnected
		close(s.connectedCh)
	}
	return true
}

// MarkDisconnected leaves StateConnected. Terminated sessions stay terminated.
func (s *Session) MarkDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaveConnectedLocked(StateDisconnected)
}

// MarkTerminated moves the session to the absorbing terminated state.
func (s *Session) MarkTerminated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaveConnectedLocked(StateTerminated)
}

func (s *Session) leaveConnectedLocked(next ConnState) {
	if s.state == StateTerminated {
		return
	}
	if s.state == StateConnected {
		s.connectedCh = make(chan struct{})
	}
	s.state = next
}

// WaitConnected returns a channel that is closed once the session is connected.
func (s *Session) WaitConnected() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connectedCh
}

// Touch refreshes the last-activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// LastActivity returns the last-activity timestamp.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// SetAccountID records the account the credentials belong to.
func (s *Session) SetAccountID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accountID = id
}

// AddTask appends a task to the session.
func (s *Session) AddTask(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, t)
}

// Tasks returns the session's tasks in creation order.
func (s *Session) Tasks() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Task, len(s.tasks))
	copy(out, s.tasks)
	return out
}

// Task looks up a task by id.
func (s *Session) Task(id string) (*Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tasks {
		if t.ID == id {
			return t, true
		}
	}
	return nil, false
}

// Close marks the session destroyed and detaches its client and
// subscriptions for the caller to release. Subsequent calls return nil.
func (s *Session) Close() (protocol.Client, []func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil
	}
	s.closed = true
	if s.state == StateConnected {
		s.connectedCh = make(chan struct{})
	}
	if s.state != StateTerminated {
		s.state = StateDisconnected
	}
	c, unsub := s.client, s.unsubscribe
	s.client = nil
	s.unsubscribe = nil
	return c, unsub
}

// Closed reports whether the session was destroyed.
func (s *Session) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// BeginReconnect records a reconnect demand. It returns true when the caller
// should start a reconnect loop and false when one is already running; in
// that case the running loop picks the demand up before it exits.
func (s *Session) BeginReconnect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnectWanted = true
	if s.reconnecting {
		return false
	}
	s.reconnecting = true
	return true
}

// TakeReconnect consumes the pending demand at the start of an attempt.
func (s *Session) TakeReconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnectWanted = false
}

// EndReconnect releases the reconnect loop. Unless force is set, it refuses
// (returns false) when another demand arrived during the attempt.
func (s *Session) EndReconnect(force bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reconnectWanted && !force {
		return false
	}
	s.reconnecting = false
	s.reconnectWanted = false
	return true
}

// Reconnecting reports whether a reconnect loop is active.
func (s *Session) Reconnecting() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reconnecting
}

// Snapshot copies the session state for rendering.
func (s *Session) Snapshot() SessionSnapshot {
	s.mu.RLock()
	snap := SessionSnapshot{
		ID:           s.ID,
		Phone:        s.Phone,
		AccountID:    s.accountID,
		State:        s.state,
		Connected:    s.state == StateConnected,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.lastActivity,
	}
	tasks := make([]*Task, len(s.tasks))
	copy(tasks, s.tasks)
	s.mu.RUnlock()

	snap.Tasks = make([]TaskSnapshot, 0, len(tasks))
	for _, t := range tasks {
		snap.Tasks = append(snap.Tasks, t.Snapshot())
	}
	return snap
}
