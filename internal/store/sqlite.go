// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Opens a bounded connection pool and creates the schema on startup

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// DefaultMaxOpenConns bounds the connection pool when Options leave it unset.
const DefaultMaxOpenConns = 5

// Options tunes the SQLite store.
type Options struct {
	// MaxOpenConns bounds the pool shared by all sessions.
	MaxOpenConns int
	// BusyTimeoutMS is how long a connection waits on a locked database.
	BusyTimeoutMS int
	Logger        *slog.Logger
}

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path with default options.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return Open(path, Options{})
}

// Open creates a SQLite store at path. The schema is automatically created if
// it doesn't exist and parent directories are created if needed.
func Open(path string, opts Options) (*SQLiteStore, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	maxConns := opts.MaxOpenConns
	if maxConns <= 0 {
		maxConns = DefaultMaxOpenConns
	}
	busy := opts.BusyTimeoutMS
	if busy <= 0 {
		busy = 5000
	}

	memory := path == ":memory:"
	if !memory {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", buildDSN(path, busy))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Every pooled connection to ":memory:" would get its own database.
	if memory {
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "max_open_conns", maxConns)
	return s, nil
}

// buildDSN attaches per-connection pragmas so every pooled connection gets them.
func buildDSN(path string, busyTimeoutMS int) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeoutMS))
	q.Add("_pragma", "foreign_keys(1)")
	if path != ":memory:" {
		q.Add("_pragma", "journal_mode(WAL)")
	}
	return "file:" + path + "?" + q.Encode()
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id         TEXT PRIMARY KEY,
			email      TEXT NOT NULL UNIQUE,
			name       TEXT,
			created_at TEXT NOT NULL,
			last_login TEXT NOT NULL,
			is_active  INTEGER NOT NULL DEFAULT 1
		);

		CREATE TABLE IF NOT EXISTS user_roles (
			user_id    TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			role       TEXT NOT NULL,
			created_at TEXT NOT NULL,

			PRIMARY KEY (user_id, role),
			CHECK (role IN ('cad_user', 'cad_manager', 'cad_admin'))
		);

		CREATE TABLE IF NOT EXISTS action_logs (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp   TEXT NOT NULL,
			action_type TEXT NOT NULL,
			user_id     TEXT,
			ip_address  TEXT,
			details     TEXT NOT NULL DEFAULT '',

			CHECK (action_type IN (
				'connect',
				'disconnect',
				'create_call',
				'update_call',
				'delete_call',
				'open_call'
			))
		);

		CREATE INDEX IF NOT EXISTS idx_action_logs_ts ON action_logs(timestamp);
		CREATE INDEX IF NOT EXISTS idx_action_logs_user ON action_logs(user_id);

		CREATE TABLE IF NOT EXISTS user_sessions (
			id          TEXT PRIMARY KEY,
			user_id     TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			remote_addr TEXT,
			created_at  TEXT NOT NULL,
			last_ping   TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_user_sessions_last_ping ON user_sessions(last_ping);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return classify("pinging database", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// classify wraps err with msg and tags lock contention or pool waits that
// ran out of time as ErrBusy.
func classify(msg string, err error) error {
	if isBusyError(err) {
		return fmt.Errorf("%s: %w: %v", msg, ErrBusy, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// isBusyError reports whether err is SQLite lock contention or a context
// deadline hit while waiting for a pooled connection.
func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database table is locked")
}

// isConstraintViolation checks if the error is a SQLite constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "constraint failed")
}
