// Package protocol defines the contract the session layer expects from a
// messaging-protocol client: pairing, a transport connection that emits state
// updates, and a text send operation.
package protocol

import (
	"context"
	"strings"
)

// StatusLoggedOut is the close status that marks credentials as revoked.
// A connection closed with this status must not be re-established.
const StatusLoggedOut = 401

// Server suffixes used to build recipient addresses.
const (
	UserServer  = "s.whatsapp.net"
	GroupServer = "g.us"
)

// RecipientKind distinguishes direct contacts from groups.
type RecipientKind string

const (
	// RecipientNumber is a direct contact addressed by phone number.
	RecipientNumber RecipientKind = "number"
	// RecipientGroup is a group addressed by group id.
	RecipientGroup RecipientKind = "group"
)

// Valid reports whether k is a known recipient kind.
func (k RecipientKind) Valid() bool {
	return k == RecipientNumber || k == RecipientGroup
}

// Recipient identifies where a message goes.
type Recipient struct {
	ID   string
	Kind RecipientKind
}

// Address returns the wire address for the recipient. Direct numbers are
// reduced to their digits; ids that already carry a server suffix are kept.
func (r Recipient) Address() string {
	id := strings.TrimSpace(r.ID)
	if strings.Contains(id, "@") {
		return id
	}
	if r.Kind == RecipientGroup {
		return id + "@" + GroupServer
	}
	return DigitsOnly(id) + "@" + UserServer
}

// DigitsOnly strips every non-digit character from s.
func DigitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ConnectionState is the transport state carried by a ConnectionUpdate.
type ConnectionState string

const (
	ConnConnecting ConnectionState = "connecting"
	ConnOpen       ConnectionState = "open"
	ConnClose      ConnectionState = "close"
)

// ConnectionUpdate is emitted whenever the transport changes state.
type ConnectionUpdate struct {
	State      ConnectionState
	StatusCode int
	Reason     string
}

// Terminal reports whether the update closes the connection for good.
func (u ConnectionUpdate) Terminal() bool {
	return u.State == ConnClose && u.StatusCode == StatusLoggedOut
}

// Credentials describes the account bound to a client after pairing.
type Credentials struct {
	AccountID string
}

// Group is a group the paired account belongs to.
type Group struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Participants int    `json:"participants"`
}

// Client is a single protocol connection bound to one credential store.
//
// Implementations must be safe for concurrent use. Calls may block on the
// network; none of them are expected to be made while holding session locks.
type Client interface {
	// Registered reports whether the credential store already holds a paired account.
	Registered() bool

	// RequestPairingCode asks the network for a device-linking code for phone.
	RequestPairingCode(ctx context.Context, phone string) (string, error)

	// Connect opens the transport. State changes are reported through
	// OnConnectionUpdate, not through the return value.
	Connect(ctx context.Context) error

	// IsConnected reports the transport's own view of its connectivity.
	IsConnected() bool

	// SendText delivers a plain text message.
	SendText(ctx context.Context, to Recipient, text string) error

	// JoinedGroups lists the groups of the paired account.
	JoinedGroups(ctx context.Context) ([]Group, error)

	// SaveCredentials flushes the current credentials to the store.
	SaveCredentials(ctx context.Context) error

	// OnCredentialsUpdate registers fn for credential changes and returns a
	// function that removes the registration.
	OnCredentialsUpdate(fn func(Credentials)) (unsubscribe func())

	// OnConnectionUpdate registers fn for transport state changes and returns a
	// function that removes the registration.
	OnConnectionUpdate(fn func(ConnectionUpdate)) (unsubscribe func())

	// Close tears down the transport and releases the credential store.
	Close() error
}

// Factory builds clients bound to a credential directory.
type Factory interface {
	NewClient(ctx context.Context, storePath string) (Client, error)
}
