// ABOUTME: User entity and store methods backing identity resolution
// ABOUTME: GetOrCreateUser upserts by email so concurrent logins share one row

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// User is the durable record a verified identity resolves to.
type User struct {
	ID        string
	Email     string
	Name      string
	Roles     []Role
	CreatedAt time.Time
	LastLogin time.Time
	IsActive  bool
}

// HasRole reports whether the user holds role.
func (u *User) HasRole(role Role) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the user holds the cad_admin role.
func (u *User) IsAdmin() bool {
	return u.HasRole(RoleCadAdmin)
}

const userColumns = `id, email, name, created_at, last_login, is_active`

// GetOrCreateUser returns the user for email, creating it on first sight.
// Existing users get last_login refreshed; new users get the default role.
// The upsert is a single statement so concurrent callers with the same email
// always converge on one row.
func (s *SQLiteStore) GetOrCreateUser(ctx context.Context, email, name string) (*User, error) {
	if email == "" {
		return nil, errors.New("email is required")
	}

	now := formatTime(time.Now())
	newID := uuid.New().String()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify("beginning user upsert", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO users (id, email, name, created_at, last_login, is_active)
		VALUES (?, ?, ?, ?, ?, 1)
		ON CONFLICT(email) DO UPDATE SET last_login = excluded.last_login
		RETURNING ` + userColumns

	user, err := scanUser(tx.QueryRowContext(ctx, query, newID, email, nullString(name), now, now))
	if err != nil {
		return nil, classify("upserting user", err)
	}

	if user.ID == newID {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO user_roles (user_id, role, created_at) VALUES (?, ?, ?)`,
			user.ID, DefaultRole, now,
		)
		if err != nil {
			return nil, classify("assigning default role", err)
		}
	}

	roles, err := listRoles(ctx, tx, user.ID)
	if err != nil {
		return nil, err
	}
	user.Roles = roles

	if err := tx.Commit(); err != nil {
		return nil, classify("committing user upsert", err)
	}

	if user.ID == newID {
		s.logger.Info("created user", "id", user.ID, "email", user.Email)
	} else {
		s.logger.Debug("refreshed user login", "id", user.ID, "email", user.Email)
	}
	return user, nil
}

// GetUser retrieves a user by ID. Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	return s.getUserWhere(ctx, "id = ?", id)
}

// GetUserByEmail retrieves a user by email. Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.getUserWhere(ctx, "email = ?", email)
}

func (s *SQLiteStore) getUserWhere(ctx context.Context, where string, arg any) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE ` + where

	user, err := scanUser(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify("querying user", err)
	}

	user.Roles, err = listRoles(ctx, s.db, user.ID)
	if err != nil {
		return nil, err
	}
	return user, nil
}

// ListUsers returns all users ordered by email.
func (s *SQLiteStore) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY email`)
	if err != nil {
		return nil, classify("listing users", err)
	}
	defer func() { _ = rows.Close() }()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating users: %w", err)
	}
	_ = rows.Close()

	for _, u := range users {
		if u.Roles, err = listRoles(ctx, s.db, u.ID); err != nil {
			return nil, err
		}
	}
	if users == nil {
		users = []*User{}
	}
	return users, nil
}

// SetUserActive enables or disables a user. Inactive users are refused at the
// upgrade endpoint.
func (s *SQLiteStore) SetUserActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET is_active = ? WHERE id = ?`, active, id)
	if err != nil {
		return classify("updating user active flag", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	s.logger.Info("updated user active flag", "id", id, "active", active)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	var name sql.NullString
	var createdAt, lastLogin string

	if err := row.Scan(&u.ID, &u.Email, &name, &createdAt, &lastLogin, &u.IsActive); err != nil {
		return nil, err
	}
	u.Name = name.String

	var err error
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if u.LastLogin, err = parseTime(lastLogin); err != nil {
		return nil, fmt.Errorf("parsing last_login: %w", err)
	}
	return &u, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
