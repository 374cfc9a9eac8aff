// Package whatsapp wraps the whatsmeow client: device login, sending text
// and turning incoming message events into plain IncomingMessage values.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/BTreeMap/ChannelFlow/internal/store"
)

const (
	// DefaultDBFileName is the whatsmeow device database inside the state directory.
	DefaultDBFileName = "whatsmeow.db"
	// JIDSuffix is the server part of user JIDs.
	JIDSuffix = "s.whatsapp.net"
)

var (
	ErrNotConnected   = errors.New("whatsapp client not connected")
	ErrEmptyRecipient = errors.New("recipient cannot be empty")
	ErrEmptyBody      = errors.New("message body cannot be empty")
)

// IncomingMessage is a text or button reply received from a user.
type IncomingMessage struct {
	From     string
	Text     string
	ButtonID string
	Time     time.Time
}

// Sender sends text messages to a phone number.
type Sender interface {
	SendText(ctx context.Context, to, body string) error
}

// Listener delivers incoming messages to subscribers.
type Listener interface {
	Subscribe(fn func(IncomingMessage))
}

// Transport is a Sender that also receives messages.
type Transport interface {
	Sender
	Listener
}

// Opts holds configuration for the WhatsApp client.
type Opts struct {
	DBDSN       string
	QRPath      string
	NumericCode bool
}

// Option configures NewClient.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow device database. Postgres DSNs are detected
// the same way the object store detects them.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) { o.DBDSN = dsn }
}

// WithQRCodeOutput writes the login QR code to path instead of stdout.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) { o.QRPath = path }
}

// WithNumericCode prints the raw login code instead of a QR code.
func WithNumericCode() Option {
	return func(o *Opts) { o.NumericCode = true }
}

// Client is a connected whatsmeow client.
type Client struct {
	wa *whatsmeow.Client
}

var _ Transport = (*Client)(nil)

// NewClient opens the device store, logs in if needed and connects.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("whatsapp database DSN not set")
	}

	driver := store.DetectDSNType(cfg.DBDSN)
	if driver == "sqlite3" && !strings.Contains(cfg.DBDSN, "foreign_keys") {
		slog.Warn("whatsapp.NewClient: SQLite DSN without foreign keys; whatsmeow expects ?_foreign_keys=on",
			"dsn_example", "file:"+cfg.DBDSN+"?_foreign_keys=on")
	}

	container, err := sqlstore.New(ctx, driver, cfg.DBDSN, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}
	wa := whatsmeow.NewClient(device, waLog.Stdout("Client", "INFO", true))

	if wa.Store.ID == nil {
		if err := login(ctx, wa, cfg); err != nil {
			return nil, err
		}
	} else if err := wa.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
	}
	slog.Info("whatsapp.NewClient: connected", "driver", driver)
	return &Client{wa: wa}, nil
}

func login(ctx context.Context, wa *whatsmeow.Client, cfg Opts) error {
	slog.Info("whatsapp.login: device not paired, starting QR login")
	qrChan, _ := wa.GetQRChannel(ctx)
	if err := wa.Connect(); err != nil {
		return fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
	}
	out := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			return fmt.Errorf("failed to create QR file: %w", err)
		}
		defer f.Close()
		out = f
	}
	for evt := range qrChan {
		if evt.Event != "code" {
			slog.Info("whatsapp.login: login event", "event", evt.Event)
			continue
		}
		if cfg.NumericCode {
			fmt.Fprintln(out, evt.Code)
		} else {
			qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, out)
		}
	}
	return nil
}

// SendText sends body to the phone number to (digits, no JID suffix).
func (c *Client) SendText(ctx context.Context, to, body string) error {
	if c.wa == nil || c.wa.Store == nil {
		return ErrNotConnected
	}
	if to == "" {
		return ErrEmptyRecipient
	}
	if body == "" {
		return ErrEmptyBody
	}
	if _, err := c.wa.SendMessage(ctx, types.NewJID(to, JIDSuffix), &waE2E.Message{Conversation: &body}); err != nil {
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("Client.SendText: message sent", "to", to, "body_length", len(body))
	return nil
}

// Subscribe registers fn for every incoming text or button reply.
func (c *Client) Subscribe(fn func(IncomingMessage)) {
	c.wa.AddEventHandler(func(evt any) {
		if msg, ok := evt.(*events.Message); ok {
			if in, ok := FromEvent(msg); ok {
				fn(in)
			}
		}
	})
}

// Disconnect closes the connection.
func (c *Client) Disconnect() {
	if c.wa != nil {
		c.wa.Disconnect()
	}
}

// FromEvent extracts an IncomingMessage from a whatsmeow message event.
// Own messages and non-text content are skipped.
func FromEvent(evt *events.Message) (IncomingMessage, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe {
		return IncomingMessage{}, false
	}
	in := IncomingMessage{From: evt.Info.Sender.User, Time: evt.Info.Timestamp}
	switch {
	case evt.Message.GetButtonsResponseMessage() != nil:
		br := evt.Message.GetButtonsResponseMessage()
		in.ButtonID = br.GetSelectedButtonID()
		in.Text = br.GetSelectedDisplayText()
	case evt.Message.Conversation != nil:
		in.Text = evt.Message.GetConversation()
	case evt.Message.GetExtendedTextMessage() != nil:
		in.Text = evt.Message.GetExtendedTextMessage().GetText()
	default:
		slog.Debug("whatsapp.FromEvent: ignoring non-text message", "from", in.From)
		return IncomingMessage{}, false
	}
	if in.From == "" || (in.Text == "" && in.ButtonID == "") {
		return IncomingMessage{}, false
	}
	return in, true
}

// MockClient records sends and lets tests push incoming messages.
type MockClient struct {
	mu       sync.Mutex
	Sent     []SentMessage
	Err      error
	handlers []func(IncomingMessage)
}

// SentMessage is a message recorded by MockClient.
type SentMessage struct {
	To   string
	Body string
}

var _ Transport = (*MockClient)(nil)

func NewMockClient() *MockClient { return &MockClient{} }

func (m *MockClient) SendText(ctx context.Context, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Sent = append(m.Sent, SentMessage{To: to, Body: body})
	return nil
}

func (m *MockClient) Subscribe(fn func(IncomingMessage)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, fn)
}

// Receive delivers msg to every subscriber.
func (m *MockClient) Receive(msg IncomingMessage) {
	m.mu.Lock()
	handlers := append([]func(IncomingMessage)(nil), m.handlers...)
	m.mu.Unlock()
	for _, fn := range handlers {
		fn(msg)
	}
}

// Messages returns a copy of the sent messages.
func (m *MockClient) Messages() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.Sent...)
}
