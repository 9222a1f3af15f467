// ABOUTME: Session actor owning one upgraded websocket connection
// ABOUTME: A reader duty and a writer duty share an errgroup; teardown runs exactly once

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/2389/dispatch-relay/internal/audit"
	"github.com/2389/dispatch-relay/internal/protocol"
	"github.com/2389/dispatch-relay/internal/store"
)

var (
	// ErrSessionClosed is returned by Push once the session is closing.
	ErrSessionClosed = errors.New("session closed")

	// ErrQueueFull is returned by Push when the outbound queue has no room.
	ErrQueueFull = errors.New("send queue full")

	errClosedLocally = errors.New("closed by gateway")
)

// cleanupTimeout bounds the store writes made during teardown.
const cleanupTimeout = 5 * time.Second

// SessionState is where a session is in its lifecycle.
type SessionState int32

const (
	StateEstablished SessionState = iota
	StateActive
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateEstablished:
		return "established"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// SessionConfig holds per-connection timing and queue limits.
type SessionConfig struct {
	KeepaliveInterval time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	SendQueue         int
	MaxMessageBytes   int64
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 30 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 2 * c.KeepaliveInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 32
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 1 << 20
	}
	return c
}

// frame is one queued websocket write.
type frame struct {
	kind int
	data []byte
}

// sessionDeps are the gateway services a session reports to.
type sessionDeps struct {
	sessions store.SessionStore
	recorder *audit.Recorder
	router   *Router
	registry *Registry
	metrics  *Metrics
	logger   *slog.Logger
}

// Session is one authenticated websocket connection.
type Session struct {
	ID         string
	UserID     string
	Email      string
	RemoteAddr string

	conn *websocket.Conn
	cfg  SessionConfig
	deps sessionDeps

	send  chan frame
	state atomic.Int32

	closeOnce   sync.Once
	closing     chan struct{}
	closeReason string

	causeOnce sync.Once
	cause     error

	teardownOnce sync.Once
	done         chan struct{}

	logger *slog.Logger
}

func newSession(conn *websocket.Conn, userID, email, remoteAddr string, cfg SessionConfig, deps sessionDeps) *Session {
	cfg = cfg.withDefaults()
	id := uuid.New().String()
	s := &Session{
		ID:         id,
		UserID:     userID,
		Email:      email,
		RemoteAddr: remoteAddr,
		conn:       conn,
		cfg:        cfg,
		deps:       deps,
		send:       make(chan frame, cfg.SendQueue),
		closing:    make(chan struct{}),
		done:       make(chan struct{}),
		logger:     deps.logger.With("session_id", id, "user_id", userID),
	}
	s.state.Store(int32(StateEstablished))
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) setState(st SessionState) {
	for {
		cur := s.state.Load()
		// States only move forward.
		if SessionState(cur) >= st {
			return
		}
		if s.state.CompareAndSwap(cur, int32(st)) {
			return
		}
	}
}

// Done is closed once teardown has finished.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Push queues a frame for the writer without blocking.
func (s *Session) Push(m protocol.Message) error {
	if s.State() >= StateClosing {
		return ErrSessionClosed
	}
	select {
	case <-s.closing:
		return ErrSessionClosed
	default:
	}
	data, err := protocol.Encode(m)
	if err != nil {
		return fmt.Errorf("encoding %s frame: %w", m.Type, err)
	}
	if !s.enqueue(frame{kind: websocket.TextMessage, data: data}) {
		if s.deps.metrics != nil {
			s.deps.metrics.QueueDrops.Inc()
		}
		return ErrQueueFull
	}
	if s.deps.metrics != nil {
		s.deps.metrics.FramesTotal.WithLabelValues("out", frameLabel(m.Type)).Inc()
	}
	return nil
}

func (s *Session) enqueue(f frame) bool {
	select {
	case s.send <- f:
		return true
	default:
		return false
	}
}

// Close asks the session to send a close frame and shut down. It does not
// wait; use Done for that.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.closeReason = reason
		close(s.closing)
	})
}

func (s *Session) caller() Caller {
	return Caller{SessionID: s.ID, UserID: s.UserID, RemoteAddr: s.RemoteAddr}
}

// run drives both duties until either ends, then tears the session down.
func (s *Session) run(ctx context.Context) {
	s.setState(StateActive)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.writeLoop(gctx) })

	_ = g.Wait()
	s.teardown(s.describe(s.cause))
}

// fail records the first reason a duty stopped. Each duty calls it before
// its deferred cleanup runs, so the cause is never the other duty's echo.
func (s *Session) fail(err error) error {
	s.causeOnce.Do(func() { s.cause = err })
	return err
}

// readLoop owns every read on the connection. Control frame handlers run
// here too, so liveness is tracked without touching the writer.
func (s *Session) readLoop(ctx context.Context) error {
	s.conn.SetReadLimit(s.cfg.MaxMessageBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

	s.conn.SetPongHandler(func(string) error {
		s.touch(ctx)
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})
	s.conn.SetPingHandler(func(appData string) error {
		// Waits for queue space; the writer's deadline bounds how long.
		select {
		case s.send <- frame{kind: websocket.PongMessage, data: []byte(appData)}:
		case <-ctx.Done():
			return ctx.Err()
		}
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})
	s.conn.SetCloseHandler(func(code int, text string) error {
		s.setState(StateClosing)
		s.logger.Debug("close frame received", "code", code, "text", text)
		return nil
	})

	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			return s.fail(fmt.Errorf("read: %w", err))
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		switch kind {
		case websocket.TextMessage:
			s.handleText(ctx, data)
		case websocket.BinaryMessage:
			_ = s.Push(protocol.NewError("binary frames are not supported"))
		}
	}
}

// writeLoop owns every write on the connection and the keep-alive ticker.
func (s *Session) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.KeepaliveInterval)
	defer ticker.Stop()
	defer s.conn.Close()

	for {
		select {
		case <-ctx.Done():
			s.setState(StateClosing)
			s.writeClose(websocket.CloseNormalClosure, "")
			return s.fail(ctx.Err())

		case <-s.closing:
			s.setState(StateClosing)
			s.writeClose(websocket.CloseGoingAway, s.closeReason)
			return s.fail(errClosedLocally)

		case f := <-s.send:
			if err := s.write(f); err != nil {
				return s.fail(fmt.Errorf("write: %w", err))
			}

		case <-ticker.C:
			if err := s.write(frame{kind: websocket.PingMessage}); err != nil {
				return s.fail(fmt.Errorf("keepalive: %w", err))
			}
		}
	}
}

func (s *Session) write(f frame) error {
	deadline := time.Now().Add(s.cfg.WriteTimeout)
	switch f.kind {
	case websocket.TextMessage, websocket.BinaryMessage:
		if err := s.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		return s.conn.WriteMessage(f.kind, f.data)
	default:
		return s.conn.WriteControl(f.kind, f.data, deadline)
	}
}

func (s *Session) writeClose(code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		s.logger.Debug("close frame not sent", "error", err)
	}
}

// handleText routes one text frame. Text that is not a tagged JSON frame is
// treated as a plain text message.
func (s *Session) handleText(ctx context.Context, data []byte) {
	m, err := protocol.Decode(data)
	if err != nil {
		m = protocol.NewText(string(data))
	}
	if s.deps.metrics != nil {
		s.deps.metrics.FramesTotal.WithLabelValues("in", frameLabel(m.Type)).Inc()
	}

	reply := s.deps.router.Dispatch(ctx, s.caller(), m)
	if reply == nil {
		return
	}
	if err := s.Push(*reply); err != nil {
		s.logger.Warn("reply dropped", "type", reply.Type, "error", err)
	}
}

// touch refreshes the session row after a pong.
func (s *Session) touch(ctx context.Context) {
	if s.deps.sessions == nil {
		return
	}
	tctx, cancel := context.WithTimeout(ctx, cleanupTimeout)
	defer cancel()
	if err := s.deps.sessions.TouchSession(tctx, s.ID); err != nil {
		s.logger.Debug("session touch failed", "error", err)
	}
}

// describe turns the first duty error into the reason stored with the
// disconnect record.
func (s *Session) describe(err error) string {
	var closeErr *websocket.CloseError
	var netErr net.Error

	switch {
	case err == nil:
		return "closed"
	case errors.Is(err, errClosedLocally):
		if s.closeReason != "" {
			return s.closeReason
		}
		return "closed by gateway"
	case errors.As(err, &closeErr):
		return fmt.Sprintf("peer closed (%d)", closeErr.Code)
	case errors.As(err, &netErr) && netErr.Timeout():
		if s.deps.metrics != nil {
			s.deps.metrics.KeepaliveTimeout.Inc()
		}
		return "keepalive timeout"
	case errors.Is(err, context.Canceled):
		return "server shutdown"
	default:
		return err.Error()
	}
}

// teardown releases everything the session holds. It runs exactly once.
func (s *Session) teardown(reason string) {
	s.teardownOnce.Do(func() {
		s.setState(StateClosed)
		_ = s.conn.Close()

		if s.deps.registry != nil {
			s.deps.registry.Unregister(s.ID)
		}
		if s.deps.metrics != nil {
			s.deps.metrics.SessionsActive.Dec()
		}

		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()

		if s.deps.sessions != nil {
			if err := s.deps.sessions.DeleteSession(ctx, s.ID); err != nil {
				s.logger.Warn("failed to delete session row", "error", err)
			}
		}
		if s.deps.recorder != nil {
			s.deps.recorder.Disconnect(ctx, s.UserID, s.RemoteAddr, reason)
		}

		s.logger.Info("session ended", "reason", reason)
		close(s.done)
	})
}

// frameLabel keeps the metric label set bounded to known tags.
func frameLabel(typ string) string {
	switch typ {
	case protocol.TypePing, protocol.TypePong, protocol.TypeGetActiveCalls, protocol.TypeGetCall,
		protocol.TypeCreateCall, protocol.TypeUpdateCall, protocol.TypeText, protocol.TypeJSON,
		protocol.TypeAck, protocol.TypeError:
		return typ
	default:
		return "other"
	}
}
