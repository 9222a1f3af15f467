// ABOUTME: Connection manager that keeps one websocket session to the gateway alive
// ABOUTME: Reconnects on a fixed delay and reports status and inbound frames as events

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/2389/dispatch-relay/internal/auth"
	"github.com/2389/dispatch-relay/internal/protocol"
)

var (
	// ErrNotConnected is returned by Send when no session is open.
	ErrNotConnected = errors.New("not connected")

	// ErrQueueFull is returned by Send when the outbound queue has no room.
	ErrQueueFull = errors.New("send queue full")

	// ErrAlreadyRunning is returned when Connect is called while a loop is active.
	ErrAlreadyRunning = errors.New("connection loop already running")

	// ErrInvalidURL marks a gateway URL that cannot be dialed.
	ErrInvalidURL = errors.New("invalid gateway url")
)

// Defaults applied by NewManager.
const (
	DefaultReconnectDelay   = 2 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	DefaultReadTimeout      = 90 * time.Second
	DefaultSendQueue        = 32
	DefaultEventBuffer      = 64
)

// Status is the connection state reported to the host application.
type Status int32

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// EventKind says what an Event carries.
type EventKind int

const (
	// EventStatus reports a Status transition.
	EventStatus EventKind = iota
	// EventMessage carries one inbound text or binary frame.
	EventMessage
	// EventPong reports a control pong from the gateway.
	EventPong
)

// Event is delivered on Manager.Events.
type Event struct {
	Kind    EventKind
	Status  Status
	Message []byte
	Binary  bool
}

// Config configures a Manager.
type Config struct {
	// URL is the gateway websocket endpoint, e.g. wss://dispatch.example.com/ws.
	URL string
	// Credentials supplies the access token for each attempt. Optional.
	Credentials CredentialSource

	ReconnectDelay   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// ReadTimeout drops a session that has been silent this long. The
	// gateway pings every 30s by default, so anything above that works.
	ReadTimeout time.Duration
	SendQueue   int
	EventBuffer int

	// Dialer overrides the websocket dialer. Optional.
	Dialer *websocket.Dialer
	Logger *slog.Logger
}

type frame struct {
	kind int
	data []byte
}

// link is the outbound side of one open session.
type link struct {
	send chan frame
	done chan struct{}
}

// Manager owns the client's single websocket session.
type Manager struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *slog.Logger

	events  chan Event
	status  atomic.Int32
	running atomic.Bool

	mu      sync.Mutex
	current *link
}

// NewManager creates a Manager. Nothing is dialed until Connect.
func NewManager(cfg Config) *Manager {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = DefaultSendQueue
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		}
	}

	return &Manager{
		cfg:    cfg,
		dialer: dialer,
		logger: logger.With("component", "relay"),
		events: make(chan Event, cfg.EventBuffer),
	}
}

// Events returns the channel status and message events are delivered on.
// The host must keep reading it; a full channel slows the reader down.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Status returns the current connection state.
func (m *Manager) Status() Status {
	return Status(m.status.Load())
}

// Connect runs the reconnect loop until ctx is cancelled. Each attempt
// acquires a credential, dials, and serves the session until it ends; the
// next attempt starts after the reconnect delay. There is no attempt limit.
func (m *Manager) Connect(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer m.running.Store(false)

	for attempt := 1; ; attempt++ {
		m.logger.Info("connecting to gateway", "url", m.cfg.URL, "attempt", attempt)
		if err := m.attempt(ctx); err != nil && ctx.Err() == nil {
			m.logger.Warn("gateway session ended", "error", err)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		timer := time.NewTimer(m.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// attempt makes one connection and serves it until it ends. Status always
// finishes at Disconnected.
func (m *Manager) attempt(ctx context.Context) error {
	m.setStatus(ctx, StatusConnecting)
	defer m.setStatus(ctx, StatusDisconnected)

	target, err := parseGatewayURL(m.cfg.URL)
	if err != nil {
		return err
	}

	header := http.Header{}
	if token := m.credential(ctx); token != "" {
		header.Set("Authorization", "Bearer "+token)
		header.Add("Cookie", (&http.Cookie{Name: auth.AccessCookie, Value: token}).String())
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	conn, resp, err := m.dialer.DialContext(dialCtx, target, header)
	cancel()
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial: %w", err)
	}

	l := &link{
		send: make(chan frame, m.cfg.SendQueue),
		done: make(chan struct{}),
	}
	m.mu.Lock()
	m.current = l
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.current = nil
		m.mu.Unlock()
		close(l.done)
	}()

	m.setStatus(ctx, StatusConnected)
	return m.serve(ctx, conn, l)
}

// credential asks the configured source for a token. Failure is not fatal;
// the gateway decides whether an anonymous attempt is acceptable.
func (m *Manager) credential(ctx context.Context) string {
	if m.cfg.Credentials == nil {
		return ""
	}
	token, err := m.cfg.Credentials.Credential(ctx)
	if err != nil {
		m.logger.Warn("no credential for this attempt", "error", err)
		return ""
	}
	return token
}

// serve runs the reader and writer duties; when either stops the other follows.
func (m *Manager) serve(ctx context.Context, conn *websocket.Conn, l *link) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.readLoop(gctx, conn, l) })
	g.Go(func() error { return m.writeLoop(gctx, conn, l) })
	return g.Wait()
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn, l *link) error {
	extend := func() error {
		return conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))
	}
	_ = extend()

	conn.SetPingHandler(func(appData string) error {
		// Waits for queue space; the writer's deadline bounds how long.
		select {
		case l.send <- frame{kind: websocket.PongMessage, data: []byte(appData)}:
		case <-ctx.Done():
			return ctx.Err()
		}
		return extend()
	})
	conn.SetPongHandler(func(string) error {
		m.emit(ctx, Event{Kind: EventPong})
		return extend()
	})
	conn.SetCloseHandler(func(code int, text string) error {
		m.logger.Info("gateway closed the session", "code", code, "text", text)
		return nil
	})

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		_ = extend()
		m.emit(ctx, Event{Kind: EventMessage, Message: data, Binary: kind == websocket.BinaryMessage})
	}
}

func (m *Manager) writeLoop(ctx context.Context, conn *websocket.Conn, l *link) error {
	defer conn.Close()

	for {
		select {
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(m.cfg.WriteTimeout))
			return ctx.Err()

		case f := <-l.send:
			deadline := time.Now().Add(m.cfg.WriteTimeout)
			var err error
			switch f.kind {
			case websocket.TextMessage, websocket.BinaryMessage:
				if err = conn.SetWriteDeadline(deadline); err == nil {
					err = conn.WriteMessage(f.kind, f.data)
				}
			default:
				err = conn.WriteControl(f.kind, f.data, deadline)
			}
			if err != nil {
				return fmt.Errorf("write: %w", err)
			}
		}
	}
}

// Send queues a text frame on the open session without blocking.
func (m *Manager) Send(data []byte) error {
	return m.enqueue(frame{kind: websocket.TextMessage, data: data})
}

// SendBinary queues a binary frame on the open session.
func (m *Manager) SendBinary(data []byte) error {
	return m.enqueue(frame{kind: websocket.BinaryMessage, data: data})
}

// SendText queues s as a raw text frame.
func (m *Manager) SendText(s string) error {
	return m.Send([]byte(s))
}

// SendMessage encodes and queues an application frame.
func (m *Manager) SendMessage(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("encoding %s frame: %w", msg.Type, err)
	}
	return m.Send(data)
}

// Ping sends an application-level ping; the gateway answers with a pong frame.
func (m *Manager) Ping() error {
	return m.SendMessage(protocol.NewPing())
}

func (m *Manager) enqueue(f frame) error {
	m.mu.Lock()
	l := m.current
	m.mu.Unlock()

	if l == nil {
		return ErrNotConnected
	}

	select {
	case <-l.done:
		return ErrNotConnected
	default:
	}

	select {
	case l.send <- f:
		return nil
	default:
		return ErrQueueFull
	}
}

// setStatus records s and emits a status event when it changed.
func (m *Manager) setStatus(ctx context.Context, s Status) {
	if Status(m.status.Swap(int32(s))) == s {
		return
	}
	m.logger.Info("connection status", "status", s.String())
	m.emit(ctx, Event{Kind: EventStatus, Status: s})
}

// emit delivers ev, waiting for room unless ctx is done. After
// cancellation it still delivers when the buffer has space so the final
// Disconnected reaches the host.
func (m *Manager) emit(ctx context.Context, ev Event) {
	if ctx.Err() != nil {
		select {
		case m.events <- ev:
		default:
		}
		return
	}
	select {
	case m.events <- ev:
	case <-ctx.Done():
		select {
		case m.events <- ev:
		default:
		}
	}
}

// parseGatewayURL accepts ws, wss, http and https URLs and returns the
// websocket form.
func parseGatewayURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return u.String(), nil
}
