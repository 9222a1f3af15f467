// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject store failures

package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	users    map[string]*User // keyed by user ID
	byEmail  map[string]string
	actions  []ActionLogEntry
	sessions map[string]*UserSession
	nextID   int64

	// Failure injection. A non-nil error is returned by the matching call.
	UserErr   error
	AppendErr error
	PingErr   error
}

// Ensure MockStore implements Store.
var _ Store = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		users:    make(map[string]*User),
		byEmail:  make(map[string]string),
		sessions: make(map[string]*UserSession),
	}
}

// GetOrCreateUser mirrors the SQLite upsert.
func (m *MockStore) GetOrCreateUser(ctx context.Context, email, name string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.UserErr != nil {
		return nil, m.UserErr
	}
	if email == "" {
		return nil, errors.New("email is required")
	}

	now := time.Now().UTC()
	if id, ok := m.byEmail[email]; ok {
		u := m.users[id]
		u.LastLogin = now
		return copyUser(u), nil
	}

	u := &User{
		ID:        uuid.New().String(),
		Email:     email,
		Name:      name,
		Roles:     []Role{DefaultRole},
		CreatedAt: now,
		LastLogin: now,
		IsActive:  true,
	}
	m.users[u.ID] = u
	m.byEmail[email] = u.ID
	return copyUser(u), nil
}

// GetUser retrieves a user by ID.
func (m *MockStore) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyUser(u), nil
}

// GetUserByEmail retrieves a user by email.
func (m *MockStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byEmail[email]
	if !ok {
		return nil, ErrNotFound
	}
	return copyUser(m.users[id]), nil
}

// SetUserActive enables or disables a user.
func (m *MockStore) SetUserActive(ctx context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.IsActive = active
	return nil
}

// ListUsers returns all users ordered by email.
func (m *MockStore) ListUsers(ctx context.Context) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := make([]*User, 0, len(m.users))
	for _, u := range m.users {
		users = append(users, copyUser(u))
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Email < users[j].Email })
	return users, nil
}

// AddRole adds a role to a user.
func (m *MockStore) AddRole(ctx context.Context, userID string, role Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	if !u.HasRole(role) {
		u.Roles = append(u.Roles, role)
		sortRoles(u.Roles)
	}
	return nil
}

// RemoveRole removes a role from a user.
func (m *MockStore) RemoveRole(ctx context.Context, userID string, role Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return nil
	}
	kept := u.Roles[:0]
	for _, r := range u.Roles {
		if r != role {
			kept = append(kept, r)
		}
	}
	u.Roles = kept
	return nil
}

// SetRoles replaces the user's role set.
func (m *MockStore) SetRoles(ctx context.Context, userID string, roles []Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.Roles = append([]Role{}, roles...)
	sortRoles(u.Roles)
	return nil
}

// ListRoles returns all roles assigned to a user.
func (m *MockStore) ListRoles(ctx context.Context, userID string) ([]Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[userID]
	if !ok {
		return []Role{}, nil
	}
	return append([]Role{}, u.Roles...), nil
}

// AppendActionLog appends an entry and assigns its ID.
func (m *MockStore) AppendActionLog(ctx context.Context, e *ActionLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.AppendErr != nil {
		return m.AppendErr
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	m.nextID++
	e.ID = m.nextID
	m.actions = append(m.actions, *e)
	return nil
}

// ListActionLog returns entries matching the filter in insertion order.
func (m *MockStore) ListActionLog(ctx context.Context, f ActionLogFilter) ([]ActionLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := normalizeActionLogLimit(f.Limit)
	out := []ActionLogEntry{}
	for _, e := range m.actions {
		if f.Since != nil && e.Timestamp.Before(*f.Since) {
			continue
		}
		if f.Until != nil && e.Timestamp.After(*f.Until) {
			continue
		}
		if f.UserID != nil && (e.UserID == nil || *e.UserID != *f.UserID) {
			continue
		}
		if f.Action != nil && e.ActionType != *f.Action {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// CreateSession stores a session.
func (m *MockStore) CreateSession(ctx context.Context, sess *UserSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	if sess.LastPing.IsZero() {
		sess.LastPing = sess.CreatedAt
	}
	s := *sess
	m.sessions[s.ID] = &s
	return nil
}

// TouchSession refreshes last ping.
func (m *MockStore) TouchSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.LastPing = time.Now().UTC()
	return nil
}

// DeleteSession removes a session.
func (m *MockStore) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, id)
	return nil
}

// CleanupStaleSessions removes sessions older than maxAge.
func (m *MockStore) CleanupStaleSessions(ctx context.Context, maxAge time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	var n int64
	for id, s := range m.sessions {
		if s.LastPing.Before(cutoff) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

// CountSessions returns the number of live sessions.
func (m *MockStore) CountSessions(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions), nil
}

// Ping returns PingErr.
func (m *MockStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.PingErr
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}

// SetUserErr makes GetOrCreateUser fail with err.
func (m *MockStore) SetUserErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UserErr = err
}

// SetAppendErr makes AppendActionLog fail with err.
func (m *MockStore) SetAppendErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AppendErr = err
}

func copyUser(u *User) *User {
	c := *u
	c.Roles = append([]Role{}, u.Roles...)
	return &c
}

func sortRoles(roles []Role) {
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
}
