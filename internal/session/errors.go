package session

import (
	"errors"
	"fmt"
)

var (
	ErrNoActiveSession      = errors.New("no active session for caller")
	ErrSessionNotFound      = errors.New("session not found")
	ErrTaskNotFound         = errors.New("task not found")
	ErrForbidden            = errors.New("session belongs to another caller")
	ErrNotConnected         = errors.New("session is not connected")
	ErrPairingInProgress    = errors.New("pairing already in progress")
	ErrSessionAlreadyActive = errors.New("caller already has an active session")
	ErrInvalidPhone         = errors.New("invalid phone number")
	ErrInvalidTask          = errors.New("invalid task")
)

// ActiveSessionError is returned when pairing is refused because the caller
// already owns a connected session.
type ActiveSessionError struct {
	SessionID string
}

func (e *ActiveSessionError) Error() string {
	return fmt.Sprintf("caller already has an active session: %s", e.SessionID)
}

// Is lets errors.Is match ErrSessionAlreadyActive.
func (e *ActiveSessionError) Is(target error) bool {
	return target == ErrSessionAlreadyActive
}
