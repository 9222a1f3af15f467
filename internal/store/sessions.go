// ABOUTME: User session rows mirroring live websocket connections
// ABOUTME: Sessions are touched on every pong and swept when stale

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UserSession records one live websocket connection.
type UserSession struct {
	ID         string
	UserID     string
	RemoteAddr string
	CreatedAt  time.Time
	LastPing   time.Time
}

// CreateSession inserts a session row. ID, CreatedAt and LastPing are filled
// in when empty.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *UserSession) error {
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	if sess.LastPing.IsZero() {
		sess.LastPing = sess.CreatedAt
	}

	query := `
		INSERT INTO user_sessions (id, user_id, remote_addr, created_at, last_ping)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		sess.ID,
		sess.UserID,
		nullString(sess.RemoteAddr),
		formatTime(sess.CreatedAt),
		formatTime(sess.LastPing),
	)
	if err != nil {
		return classify("inserting session", err)
	}

	s.logger.Debug("created session", "id", sess.ID, "user_id", sess.UserID)
	return nil
}

// TouchSession sets last_ping to now. Returns ErrNotFound if the session is gone.
func (s *SQLiteStore) TouchSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE user_sessions SET last_ping = ? WHERE id = ?`,
		formatTime(time.Now()), id,
	)
	if err != nil {
		return classify("touching session", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes a session row. Deleting a missing session is not an error.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM user_sessions WHERE id = ?`, id); err != nil {
		return classify("deleting session", err)
	}
	s.logger.Debug("deleted session", "id", id)
	return nil
}

// CleanupStaleSessions deletes sessions whose last ping is older than maxAge
// and returns how many were removed.
func (s *SQLiteStore) CleanupStaleSessions(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := formatTime(time.Now().Add(-maxAge))

	res, err := s.db.ExecContext(ctx, `DELETE FROM user_sessions WHERE last_ping < ?`, cutoff)
	if err != nil {
		return 0, classify("cleaning stale sessions", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Info("removed stale sessions", "count", n)
	}
	return n, nil
}

// CountSessions returns the number of session rows.
func (s *SQLiteStore) CountSessions(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM user_sessions`).Scan(&n); err != nil {
		return 0, classify("counting sessions", err)
	}
	return n, nil
}
