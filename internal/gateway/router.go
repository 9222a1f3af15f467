// ABOUTME: Routes decoded application frames to handlers by type tag
// ABOUTME: Built-ins answer ping and acknowledge call frames; unknown tags get an error frame

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/dispatch-relay/internal/audit"
	"github.com/2389/dispatch-relay/internal/protocol"
	"github.com/2389/dispatch-relay/internal/store"
)

// ErrUnknownType is returned for frames whose tag has no handler.
var ErrUnknownType = errors.New("unknown message type")

// Caller identifies the session a frame arrived on.
type Caller struct {
	SessionID  string
	UserID     string
	RemoteAddr string
}

// HandlerFunc handles one frame. A nil reply sends nothing back.
type HandlerFunc func(ctx context.Context, c Caller, m protocol.Message) (*protocol.Message, error)

// Router maps type tags to handlers.
type Router struct {
	handlers map[string]HandlerFunc
	mu       sync.RWMutex
	recorder *audit.Recorder
	logger   *slog.Logger
}

// NewRouter creates a Router with the built-in handlers installed. recorder
// may be nil, in which case call frames are acknowledged without an audit entry.
func NewRouter(recorder *audit.Recorder, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		handlers: make(map[string]HandlerFunc),
		recorder: recorder,
		logger:   logger.With("component", "router"),
	}

	r.Handle(protocol.TypePing, handlePing)
	r.Handle(protocol.TypeGetActiveCalls, ackOnly)
	r.Handle(protocol.TypeText, ackOnly)
	r.Handle(protocol.TypeJSON, ackOnly)
	r.Handle(protocol.TypeGetCall, r.callRefHandler(store.ActionOpenCall))
	r.Handle(protocol.TypeUpdateCall, r.callRefHandler(store.ActionUpdateCall))
	r.Handle(protocol.TypeCreateCall, r.handleCreateCall)
	return r
}

// Handle installs h for tag, replacing any previous handler.
func (r *Router) Handle(tag string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[tag] = h
}

// Dispatch runs the handler for m.Type and returns the frame to send back.
// Handler errors become error frames so one bad frame never ends the session.
func (r *Router) Dispatch(ctx context.Context, c Caller, m protocol.Message) *protocol.Message {
	r.mu.RLock()
	h, ok := r.handlers[m.Type]
	r.mu.RUnlock()

	if !ok {
		r.logger.Debug("no handler for frame", "type", m.Type, "session_id", c.SessionID)
		reply := protocol.NewError(fmt.Sprintf("%s: %q", ErrUnknownType, m.Type))
		return &reply
	}

	r.logger.Debug("→ dispatching frame", "type", m.Type, "session_id", c.SessionID)

	reply, err := h(ctx, c, m)
	if err != nil {
		r.logger.Warn("handler error", "type", m.Type, "session_id", c.SessionID, "error", err)
		e := protocol.NewError(err.Error())
		return &e
	}

	if reply != nil {
		r.logger.Debug("← handler responded", "type", m.Type, "reply", reply.Type, "session_id", c.SessionID)
	}
	return reply
}

func handlePing(_ context.Context, _ Caller, _ protocol.Message) (*protocol.Message, error) {
	pong := protocol.NewPong()
	return &pong, nil
}

func ackOnly(_ context.Context, _ Caller, m protocol.Message) (*protocol.Message, error) {
	ack := protocol.NewAck(m.Type)
	return &ack, nil
}

// callRefHandler validates the call reference and records action against it.
func (r *Router) callRefHandler(action store.ActionType) HandlerFunc {
	return func(ctx context.Context, c Caller, m protocol.Message) (*protocol.Message, error) {
		ref, err := protocol.DecodeCallRef(m)
		if err != nil {
			return nil, err
		}
		r.record(ctx, action, c, "call_id="+ref.ID)
		ack := protocol.NewAck(m.Type)
		return &ack, nil
	}
}

func (r *Router) handleCreateCall(ctx context.Context, c Caller, m protocol.Message) (*protocol.Message, error) {
	r.record(ctx, store.ActionCreateCall, c, string(m.Payload))
	ack := protocol.NewAck(m.Type)
	return &ack, nil
}

func (r *Router) record(ctx context.Context, action store.ActionType, c Caller, details string) {
	if r.recorder == nil {
		return
	}
	r.recorder.Action(ctx, action, c.UserID, c.RemoteAddr, details)
}
