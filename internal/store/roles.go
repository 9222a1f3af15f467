// ABOUTME: Role entity and store methods for dispatch authorization
// ABOUTME: Roles are a per-user set; every new user starts as cad_user

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Role represents a role that can be assigned to a user
type Role string

const (
	RoleCadUser    Role = "cad_user"
	RoleCadManager Role = "cad_manager"
	RoleCadAdmin   Role = "cad_admin"
)

// DefaultRole is granted when a user is first created.
const DefaultRole = RoleCadUser

// ValidRoles lists all valid role names
var ValidRoles = []Role{
	RoleCadUser,
	RoleCadManager,
	RoleCadAdmin,
}

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	for _, r := range ValidRoles {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// AddRole adds a role to a user. This operation is idempotent - adding an
// existing role succeeds silently.
func (s *SQLiteStore) AddRole(ctx context.Context, userID string, role Role) error {
	query := `
		INSERT OR IGNORE INTO user_roles (user_id, role, created_at)
		VALUES (?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query, userID, role, formatTime(time.Now()))
	if err != nil {
		return classify("adding role", err)
	}

	s.logger.Debug("added role", "user_id", userID, "role", role)
	return nil
}

// RemoveRole removes a role from a user. This operation is idempotent -
// removing a role the user does not hold succeeds silently.
func (s *SQLiteStore) RemoveRole(ctx context.Context, userID string, role Role) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM user_roles WHERE user_id = ? AND role = ?`, userID, role)
	if err != nil {
		return classify("removing role", err)
	}

	s.logger.Debug("removed role", "user_id", userID, "role", role)
	return nil
}

// SetRoles replaces the user's role set.
func (s *SQLiteStore) SetRoles(ctx context.Context, userID string, roles []Role) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("beginning role update", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM user_roles WHERE user_id = ?`, userID); err != nil {
		return classify("clearing roles", err)
	}

	now := formatTime(time.Now())
	for _, r := range roles {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO user_roles (user_id, role, created_at) VALUES (?, ?, ?)`,
			userID, r, now,
		)
		if err != nil {
			return classify("inserting role", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return classify("committing role update", err)
	}

	s.logger.Debug("set roles", "user_id", userID, "roles", roles)
	return nil
}

// ListRoles returns all roles assigned to a user. Returns an empty slice
// if the user has no roles.
func (s *SQLiteStore) ListRoles(ctx context.Context, userID string) ([]Role, error) {
	return listRoles(ctx, s.db, userID)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func listRoles(ctx context.Context, q queryer, userID string) ([]Role, error) {
	rows, err := q.QueryContext(ctx, `SELECT role FROM user_roles WHERE user_id = ? ORDER BY role`, userID)
	if err != nil {
		return nil, classify("listing roles", err)
	}
	defer rows.Close()

	roles := []Role{}
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, fmt.Errorf("scanning role: %w", err)
		}
		roles = append(roles, Role(role))
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating roles: %w", err)
	}
	return roles, nil
}
