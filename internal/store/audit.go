// ABOUTME: Action log entity and store methods for the append-only audit table
// ABOUTME: Records connects, disconnects and call mutations with actor and address

package store

import (
	"context"
	"fmt"
	"time"
)

// ActionType is a kind of auditable action.
type ActionType string

const (
	ActionConnect    ActionType = "connect"
	ActionDisconnect ActionType = "disconnect"
	ActionCreateCall ActionType = "create_call"
	ActionUpdateCall ActionType = "update_call"
	ActionDeleteCall ActionType = "delete_call"
	ActionOpenCall   ActionType = "open_call"
)

// ValidActionTypes lists all valid action types.
var ValidActionTypes = []ActionType{
	ActionConnect,
	ActionDisconnect,
	ActionCreateCall,
	ActionUpdateCall,
	ActionDeleteCall,
	ActionOpenCall,
}

// ParseActionType validates an action type name.
func ParseActionType(s string) (ActionType, error) {
	for _, a := range ValidActionTypes {
		if string(a) == s {
			return a, nil
		}
	}
	return "", fmt.Errorf("unknown action type %q", s)
}

// ActionLogEntry is a single row of the action log.
type ActionLogEntry struct {
	ID         int64      // assigned by the database, strictly increasing
	Timestamp  time.Time  // when it happened
	ActionType ActionType // what happened
	UserID     *string    // actor, nil for anonymous
	IPAddress  *string    // remote address of the actor
	Details    string     // free-form context
}

// ActionLogFilter specifies filtering options for listing action log entries.
type ActionLogFilter struct {
	Since  *time.Time  // entries at or after this time
	Until  *time.Time  // entries at or before this time
	UserID *string     // filter by actor
	Action *ActionType // filter by action type
	Limit  int         // max results (default 100, max 1000)
}

// AppendActionLog appends a new entry to the action log and sets e.ID.
// Generates Timestamp if not set.
func (s *SQLiteStore) AppendActionLog(ctx context.Context, e *ActionLogEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	query := `
		INSERT INTO action_logs (timestamp, action_type, user_id, ip_address, details)
		VALUES (?, ?, ?, ?, ?)
	`

	res, err := s.db.ExecContext(ctx, query,
		formatTime(e.Timestamp),
		e.ActionType,
		e.UserID,
		e.IPAddress,
		e.Details,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("inserting action log: invalid action type %q: %w", e.ActionType, err)
		}
		return classify("inserting action log", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading action log id: %w", err)
	}
	e.ID = id

	s.logger.Debug("appended action log",
		"id", e.ID,
		"action", e.ActionType,
		"user_id", deref(e.UserID),
	)
	return nil
}

// normalizeActionLogLimit applies default (100) and cap (1000) to the list limit.
func normalizeActionLogLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

const actionLogQuery = `
	SELECT id, timestamp, action_type, user_id, ip_address, details
	FROM action_logs
	WHERE (? IS NULL OR timestamp >= ?)
	  AND (? IS NULL OR timestamp <= ?)
	  AND (? IS NULL OR user_id = ?)
	  AND (? IS NULL OR action_type = ?)
	ORDER BY id ASC
	LIMIT ?
`

// ListActionLog returns entries matching the filter in insertion order.
func (s *SQLiteStore) ListActionLog(ctx context.Context, f ActionLogFilter) ([]ActionLogEntry, error) {
	var since, until, action *string
	if f.Since != nil {
		v := formatTime(*f.Since)
		since = &v
	}
	if f.Until != nil {
		v := formatTime(*f.Until)
		until = &v
	}
	if f.Action != nil {
		v := string(*f.Action)
		action = &v
	}

	rows, err := s.db.QueryContext(ctx, actionLogQuery,
		since, since,
		until, until,
		f.UserID, f.UserID,
		action, action,
		normalizeActionLogLimit(f.Limit),
	)
	if err != nil {
		return nil, classify("querying action log", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []ActionLogEntry{}
	for rows.Next() {
		e, err := scanActionLogEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating action log: %w", err)
	}
	return entries, nil
}

func scanActionLogEntry(row rowScanner) (ActionLogEntry, error) {
	var e ActionLogEntry
	var ts, action string

	if err := row.Scan(&e.ID, &ts, &action, &e.UserID, &e.IPAddress, &e.Details); err != nil {
		return e, fmt.Errorf("scanning action log entry: %w", err)
	}
	e.ActionType = ActionType(action)

	var err error
	if e.Timestamp, err = parseTime(ts); err != nil {
		return e, fmt.Errorf("parsing timestamp: %w", err)
	}
	return e, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
