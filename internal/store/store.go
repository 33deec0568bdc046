// Package store provides the process-scoped session registry.
package store

import (
	"github.com/ashureev/pairsend/internal/domain"
)

// Registry maps caller addresses and session ids to live sessions.
//
// A caller address maps to at most one session at a time. Implementations
// must be safe for concurrent use.
type Registry interface {
	// Get retrieves a session by its id.
	Get(sessionID string) (*domain.Session, bool)

	// Lookup retrieves the session owned by a caller address.
	Lookup(callerAddr string) (*domain.Session, bool)

	// Put registers a session under its id and its caller address, replacing
	// any previous mapping for that caller.
	Put(session *domain.Session)

	// Remove deletes a session and, if it still points at that session, the
	// caller mapping.
	Remove(sessionID string) (*domain.Session, bool)

	// List returns every registered session.
	List() []*domain.Session

	// Count returns the number of registered sessions.
	Count() int
}
