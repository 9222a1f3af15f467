// ABOUTME: Store interfaces and shared errors for dispatch-relay persistence
// ABOUTME: Groups user, action log and session operations behind narrow interfaces

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrBusy is returned when the database is locked or the connection pool is
// exhausted. Callers should treat it as backpressure and may retry.
var ErrBusy = errors.New("database busy")

// UserStore resolves verified identities to durable user records.
type UserStore interface {
	GetOrCreateUser(ctx context.Context, email, name string) (*User, error)
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	SetUserActive(ctx context.Context, id string, active bool) error
	ListUsers(ctx context.Context) ([]*User, error)

	AddRole(ctx context.Context, userID string, role Role) error
	RemoveRole(ctx context.Context, userID string, role Role) error
	SetRoles(ctx context.Context, userID string, roles []Role) error
	ListRoles(ctx context.Context, userID string) ([]Role, error)
}

// ActionLogStore is the append-only audit table.
type ActionLogStore interface {
	AppendActionLog(ctx context.Context, e *ActionLogEntry) error
	ListActionLog(ctx context.Context, f ActionLogFilter) ([]ActionLogEntry, error)
}

// SessionStore tracks live websocket sessions for liveness reporting.
type SessionStore interface {
	CreateSession(ctx context.Context, s *UserSession) error
	TouchSession(ctx context.Context, id string) error
	DeleteSession(ctx context.Context, id string) error
	CleanupStaleSessions(ctx context.Context, maxAge time.Duration) (int64, error)
	CountSessions(ctx context.Context) (int, error)
}

// Store is everything the gateway needs from persistence.
type Store interface {
	UserStore
	ActionLogStore
	SessionStore

	// Ping verifies the database is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}
