// Package protocoltest provides an in-memory protocol.Client for tests.
package protocoltest

import (
	"context"
	"errors"
	"sync"

	"github.com/ashureev/pairsend/internal/protocol"
)

var (
	// ErrClosed is returned by calls made on a closed fake.
	ErrClosed = errors.New("fake client closed")
	// ErrNotConnected is returned by sends made while the fake is not open.
	ErrNotConnected = errors.New("websocket not connected")
)

// SentMessage records one SendText call.
type SentMessage struct {
	To   protocol.Recipient
	Text string
}

// Client is a scripted protocol.Client. Event emission is synchronous: Emit
// calls every registered handler on the caller's goroutine.
type Client struct {
	StorePath string

	// AutoOpen makes Connect emit an open update.
	AutoOpen bool
	// ConnectErr is returned by Connect.
	ConnectErr error
	// PairingCode is returned by RequestPairingCode.
	PairingCode string
	// PairErr is returned by RequestPairingCode.
	PairErr error
	// Groups is returned by JoinedGroups.
	Groups []protocol.Group
	// SendFunc, when set, decides the result of each send.
	SendFunc func(to protocol.Recipient, text string) error

	mu          sync.Mutex
	registered  bool
	connected   bool
	closed      bool
	connects    int
	saves       int
	pairedPhone string
	sent        []SentMessage
	credSubs    map[int]func(protocol.Credentials)
	connSubs    map[int]func(protocol.ConnectionUpdate)
	nextSub     int
}

// NewClient creates a fake bound to storePath.
func NewClient(storePath string) *Client {
	return &Client{
		StorePath:   storePath,
		PairingCode: "ABCD-1234",
		credSubs:    make(map[int]func(protocol.Credentials)),
		connSubs:    make(map[int]func(protocol.ConnectionUpdate)),
	}
}

// SetRegistered sets the value reported by Registered.
func (c *Client) SetRegistered(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registered = v
}

func (c *Client) Registered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered
}

func (c *Client) RequestPairingCode(_ context.Context, phone string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", ErrClosed
	}
	if c.PairErr != nil {
		return "", c.PairErr
	}
	c.pairedPhone = phone
	return c.PairingCode, nil
}

func (c *Client) Connect(context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.connects++
	if c.ConnectErr != nil {
		err := c.ConnectErr
		c.mu.Unlock()
		return err
	}
	autoOpen := c.AutoOpen
	c.mu.Unlock()

	if autoOpen {
		c.Open()
	}
	return nil
}

// SetSendFunc replaces SendFunc on a live client.
func (c *Client) SetSendFunc(fn func(to protocol.Recipient, text string) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SendFunc = fn
}

// SetConnected overrides the value reported by IsConnected without emitting.
func (c *Client) SetConnected(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = v
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) SendText(_ context.Context, to protocol.Recipient, text string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	fn := c.SendFunc
	c.mu.Unlock()

	if fn != nil {
		if err := fn(to, text); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.sent = append(c.sent, SentMessage{To: to, Text: text})
	c.mu.Unlock()
	return nil
}

func (c *Client) JoinedGroups(context.Context) ([]protocol.Group, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	out := make([]protocol.Group, len(c.Groups))
	copy(out, c.Groups)
	return out, nil
}

func (c *Client) SaveCredentials(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saves++
	return nil
}

func (c *Client) OnCredentialsUpdate(fn func(protocol.Credentials)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.credSubs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.credSubs, id)
	}
}

func (c *Client) OnConnectionUpdate(fn func(protocol.ConnectionUpdate)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.connSubs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.connSubs, id)
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.connected = false
	return nil
}

// Emit delivers a connection update to every registered handler.
func (c *Client) Emit(u protocol.ConnectionUpdate) {
	c.mu.Lock()
	switch u.State {
	case protocol.ConnOpen:
		c.connected = true
	case protocol.ConnClose:
		c.connected = false
	}
	handlers := make([]func(protocol.ConnectionUpdate), 0, len(c.connSubs))
	for _, fn := range c.connSubs {
		handlers = append(handlers, fn)
	}
	c.mu.Unlock()

	for _, fn := range handlers {
		fn(u)
	}
}

// Open emits an open update.
func (c *Client) Open() { c.Emit(protocol.ConnectionUpdate{State: protocol.ConnOpen}) }

// Drop emits a non-terminal close update.
func (c *Client) Drop() {
	c.Emit(protocol.ConnectionUpdate{State: protocol.ConnClose, StatusCode: 428, Reason: "connection lost"})
}

// LogOut emits a terminal close update.
func (c *Client) LogOut() {
	c.Emit(protocol.ConnectionUpdate{State: protocol.ConnClose, StatusCode: protocol.StatusLoggedOut, Reason: "logged out"})
}

// EmitCredentials delivers a credentials update to every registered handler.
func (c *Client) EmitCredentials(cr protocol.Credentials) {
	c.mu.Lock()
	c.registered = true
	handlers := make([]func(protocol.Credentials), 0, len(c.credSubs))
	for _, fn := range c.credSubs {
		handlers = append(handlers, fn)
	}
	c.mu.Unlock()

	for _, fn := range handlers {
		fn(cr)
	}
}

// Sent returns a copy of every delivered message.
func (c *Client) Sent() []SentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SentMessage, len(c.sent))
	copy(out, c.sent)
	return out
}

// Closed reports whether Close was called.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Connects returns the number of Connect calls.
func (c *Client) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

// Saves returns the number of SaveCredentials calls.
func (c *Client) Saves() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saves
}

// PairedPhone returns the phone passed to the last RequestPairingCode.
func (c *Client) PairedPhone() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pairedPhone
}

// Subscribers returns the number of live event registrations.
func (c *Client) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.credSubs) + len(c.connSubs)
}

// Factory hands out fakes and remembers them in creation order.
type Factory struct {
	// AutoOpen is copied onto every new client.
	AutoOpen bool
	// Registered marks new clients as already paired.
	Registered bool
	// Configure, when set, runs on every new client before it is returned.
	Configure func(*Client)

	mu      sync.Mutex
	newErr  error
	clients []*Client
}

// SetNewErr makes subsequent NewClient calls fail with err (nil clears it).
func (f *Factory) SetNewErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.newErr = err
}

func (f *Factory) NewClient(_ context.Context, storePath string) (protocol.Client, error) {
	f.mu.Lock()
	if f.newErr != nil {
		err := f.newErr
		f.mu.Unlock()
		return nil, err
	}
	c := NewClient(storePath)
	c.AutoOpen = f.AutoOpen
	c.registered = f.Registered
	configure := f.Configure
	f.clients = append(f.clients, c)
	f.mu.Unlock()

	if configure != nil {
		configure(c)
	}
	return c, nil
}

// Clients returns every client created so far.
func (f *Factory) Clients() []*Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Client, len(f.clients))
	copy(out, f.clients)
	return out
}

// Last returns the most recently created client.
func (f *Factory) Last() *Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.clients) == 0 {
		return nil
	}
	return f.clients[len(f.clients)-1]
}

// Credentials builds a credentials update for accountID.
func Credentials(accountID string) protocol.Credentials {
	return protocol.Credentials{AccountID: accountID}
}
