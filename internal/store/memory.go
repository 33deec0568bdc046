package store

import (
	"log/slog"
	"sync"

	"github.com/ashureev/pairsend/internal/domain"
)

// MemoryStore implements Registry with in-process maps. Nothing survives a
// restart.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*domain.Session
	byCaller map[string]string
}

// NewMemory creates an empty in-memory registry.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*domain.Session),
		byCaller: make(map[string]string),
	}
}

// Get retrieves a session by its id.
func (s *MemoryStore) Get(sessionID string) (*domain.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	return sess, ok
}

// Lookup retrieves the session owned by a caller address.
func (s *MemoryStore) Lookup(callerAddr string) (*domain.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byCaller[callerAddr]
	if !ok {
		return nil, false
	}
	sess, ok := s.sessions[id]
	return sess, ok
}

// Put registers a session under its id and caller address.
func (s *MemoryStore) Put(session *domain.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prevID, ok := s.byCaller[session.CallerAddr]; ok && prevID != session.ID {
		slog.Warn("Replacing caller mapping", "caller", session.CallerAddr, "previous_session_id", prevID, "session_id", session.ID)
	}
	s.sessions[session.ID] = session
	s.byCaller[session.CallerAddr] = session.ID
}

// Remove deletes a session and its caller mapping.
func (s *MemoryStore) Remove(sessionID string) (*domain.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, false
	}
	delete(s.sessions, sessionID)
	if s.byCaller[sess.CallerAddr] == sessionID {
		delete(s.byCaller, sess.CallerAddr)
	}
	return sess, true
}

// List returns every registered session.
func (s *MemoryStore) List() []*domain.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// Count returns the number of registered sessions.
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
