// Package whatsapp implements protocol.Client on top of whatsmeow with a
// per-session sqlite credential store.
package whatsapp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/ashureev/pairsend/internal/protocol"
)

// Close status codes reported for non-logout disconnects.
const (
	statusConnectionLost     = 428
	statusConnectionReplaced = 440
	statusForbidden          = 403
)

// FactoryOptions configures a Factory.
type FactoryOptions struct {
	// DisplayName is shown on the phone's linked-devices screen.
	DisplayName string
	Logger      *slog.Logger
}

// Factory creates whatsmeow-backed clients.
type Factory struct {
	displayName string
	log         *slog.Logger
}

// NewFactory creates a factory.
func NewFactory(opts FactoryOptions) *Factory {
	if opts.DisplayName == "" {
		opts.DisplayName = "Chrome (Linux)"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Factory{displayName: opts.DisplayName, log: opts.Logger}
}

// NewClient opens the credential store in storePath and builds a client
// around its device. The client does not reconnect on its own; reconnection
// is driven by the session layer.
func (f *Factory) NewClient(ctx context.Context, storePath string) (protocol.Client, error) {
	log := NewLogger(f.log, storePath)
	db, device, err := openDevice(ctx, storePath, log)
	if err != nil {
		return nil, err
	}

	wa := whatsmeow.NewClient(device, log.Sub("Client"))
	wa.EnableAutoReconnect = false

	c := &Client{
		wa:          wa,
		db:          db,
		displayName: f.displayName,
		credSubs:    make(map[int]func(protocol.Credentials)),
		connSubs:    make(map[int]func(protocol.ConnectionUpdate)),
	}
	c.handlerID = wa.AddEventHandler(c.dispatch)
	return c, nil
}

// Client adapts a whatsmeow client to protocol.Client.
type Client struct {
	wa          *whatsmeow.Client
	db          *sql.DB
	displayName string
	handlerID   uint32

	mu       sync.Mutex
	credSubs map[int]func(protocol.Credentials)
	connSubs map[int]func(protocol.ConnectionUpdate)
	nextSub  int
	closed   bool
}

func (c *Client) Registered() bool {
	return c.wa.Store.ID != nil
}

func (c *Client) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	code, err := c.wa.PairPhone(ctx, phone, true, whatsmeow.PairClientChrome, c.displayName)
	if err != nil {
		return "", fmt.Errorf("pair phone: %w", err)
	}
	return code, nil
}

func (c *Client) Connect(context.Context) error {
	if err := c.wa.Connect(); err != nil {
		if errors.Is(err, whatsmeow.ErrAlreadyConnected) {
			return nil
		}
		return err
	}
	return nil
}

func (c *Client) IsConnected() bool {
	return c.wa.IsConnected() && c.wa.IsLoggedIn()
}

func (c *Client) SendText(ctx context.Context, to protocol.Recipient, text string) error {
	jid, err := types.ParseJID(to.Address())
	if err != nil {
		return fmt.Errorf("parse recipient %q: %w", to.ID, err)
	}
	_, err = c.wa.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	return err
}

func (c *Client) JoinedGroups(ctx context.Context) ([]protocol.Group, error) {
	infos, err := c.wa.GetJoinedGroups(ctx)
	if err != nil {
		return nil, err
	}
	groups := make([]protocol.Group, 0, len(infos))
	for _, info := range infos {
		groups = append(groups, protocol.Group{
			ID:           info.JID.String(),
			Name:         info.Name,
			Participants: len(info.Participants),
		})
	}
	return groups, nil
}

func (c *Client) SaveCredentials(ctx context.Context) error {
	if c.wa.Store.ID == nil {
		return nil
	}
	return c.wa.Store.Save(ctx)
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

// Close disconnects and releases the credential database. It is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.credSubs = make(map[int]func(protocol.Credentials))
	c.connSubs = make(map[int]func(protocol.ConnectionUpdate))
	c.mu.Unlock()

	c.wa.RemoveEventHandler(c.handlerID)
	c.wa.Disconnect()
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("close credential database: %w", err)
	}
	return nil
}

// dispatch translates whatsmeow events into protocol updates.
func (c *Client) dispatch(evt any) {
	switch e := evt.(type) {
	case *events.Connected:
		c.emitConnection(protocol.ConnectionUpdate{State: protocol.ConnOpen})
	case *events.Disconnected:
		c.emitConnection(protocol.ConnectionUpdate{State: protocol.ConnClose, StatusCode: statusConnectionLost, Reason: "connection lost"})
	case *events.StreamReplaced:
		c.emitConnection(protocol.ConnectionUpdate{State: protocol.ConnClose, StatusCode: statusConnectionReplaced, Reason: "stream replaced"})
	case *events.TemporaryBan:
		c.emitConnection(protocol.ConnectionUpdate{State: protocol.ConnClose, StatusCode: statusForbidden, Reason: e.String()})
	case *events.LoggedOut:
		c.emitConnection(protocol.ConnectionUpdate{State: protocol.ConnClose, StatusCode: protocol.StatusLoggedOut, Reason: e.Reason.String()})
	case *events.ConnectFailure:
		status := int(e.Reason)
		if e.Reason.IsLoggedOut() {
			status = protocol.StatusLoggedOut
		}
		c.emitConnection(protocol.ConnectionUpdate{State: protocol.ConnClose, StatusCode: status, Reason: e.Message})
	case *events.PairSuccess:
		c.emitCredentials(protocol.Credentials{AccountID: e.ID.String()})
	case *events.PairError:
		slog.Warn("Pairing failed on device", "account_id", e.ID.String(), "error", e.Error)
	}
}

func (c *Client) emitConnection(u protocol.ConnectionUpdate) {
	c.mu.Lock()
	handlers := make([]func(protocol.ConnectionUpdate), 0, len(c.connSubs))
	for _, fn := range c.connSubs {
		handlers = append(handlers, fn)
	}
	c.mu.Unlock()
	for _, fn := range handlers {
		fn(u)
	}
}

func (c *Client) emitCredentials(cr protocol.Credentials) {
	c.mu.Lock()
	handlers := make([]func(protocol.Credentials), 0, len(c.credSubs))
	for _, fn := range c.credSubs {
		handlers = append(handlers, fn)
	}
	c.mu.Unlock()
	for _, fn := range handlers {
		fn(cr)
	}
}

var (
	_ protocol.Client  = (*Client)(nil)
	_ protocol.Factory = (*Factory)(nil)
	_ waLog.Logger     = slogLogger{}
)
