// ABOUTME: Registry of live websocket sessions keyed by session ID
// ABOUTME: Supports targeted push, broadcast and bulk close on shutdown

package gateway

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/2389/dispatch-relay/internal/protocol"
)

// ErrSessionAlreadyRegistered indicates a session with the same ID is already live.
var ErrSessionAlreadyRegistered = errors.New("session already registered")

// ErrSessionNotFound indicates the specified session is not live.
var ErrSessionNotFound = errors.New("session not found")

// Registry tracks every live session.
type Registry struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	logger   *slog.Logger

	// closeReason is set once CloseAll has run; later arrivals close at once.
	closeReason string
	closed      bool
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

// Register adds a session. Returns ErrSessionAlreadyRegistered on an ID clash.
// A session registered after CloseAll is asked to close immediately.
func (r *Registry) Register(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.ID]; exists {
		return ErrSessionAlreadyRegistered
	}

	r.sessions[s.ID] = s
	r.logger.Info("=== SESSION OPENED ===",
		"session_id", s.ID,
		"user_id", s.UserID,
		"email", s.Email,
		"remote_addr", s.RemoteAddr,
		"total_sessions", len(r.sessions),
	)
	if r.closed {
		s.Close(r.closeReason)
	}
	return nil
}

// Unregister removes a session. Unknown IDs are ignored.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, exists := r.sessions[id]; exists {
		delete(r.sessions, id)
		r.logger.Info("=== SESSION CLOSED ===",
			"session_id", id,
			"user_id", s.UserID,
			"total_sessions", len(r.sessions),
		)
	}
}

// Get returns the live session with the given ID.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Push queues a frame on one session.
func (r *Registry) Push(id string, m protocol.Message) error {
	s, ok := r.Get(id)
	if !ok {
		return ErrSessionNotFound
	}
	return s.Push(m)
}

// Broadcast queues a frame on every live session and returns how many
// accepted it. Sessions with a full queue are skipped.
func (r *Registry) Broadcast(m protocol.Message) int {
	sent := 0
	for _, s := range r.snapshot() {
		if err := s.Push(m); err != nil {
			r.logger.Debug("broadcast skipped session", "session_id", s.ID, "error", err)
			continue
		}
		sent++
	}
	return sent
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll asks every live session to close and returns once they have all
// been asked. Sessions unregister themselves as they finish.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	if !r.closed {
		r.closed, r.closeReason = true, reason
	}
	r.mu.Unlock()

	for _, s := range r.snapshot() {
		s.Close(reason)
	}
}

func (r *Registry) snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
