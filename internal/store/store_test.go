// ABOUTME: Tests for SQLite store setup, pooling and error classification
// ABOUTME: Shared test helpers for the store package live here

package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

func strPtr(s string) *string { return &s }

func TestStore_Open_CreatesParentDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "deeper", "dispatch.db")

	s, err := Open(dbPath, Options{MaxOpenConns: 2})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Ping(context.Background()))
	assert.Equal(t, 2, s.db.Stats().MaxOpenConnections)
}

func TestStore_Open_MemoryUsesSingleConnection(t *testing.T) {
	s, err := Open(":memory:", Options{MaxOpenConns: 8})
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, 1, s.db.Stats().MaxOpenConnections)

	// Schema must be visible on the one connection.
	_, err = s.GetOrCreateUser(context.Background(), "mem@example.com", "")
	require.NoError(t, err)
}

func TestStore_Open_DefaultPoolSize(t *testing.T) {
	s := setupTestStore(t)
	assert.Equal(t, DefaultMaxOpenConns, s.db.Stats().MaxOpenConnections)
}

func TestStore_SchemaIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s1, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	u, err := s1.GetOrCreateUser(context.Background(), "a@example.com", "A")
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.GetUserByEmail(context.Background(), "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
}

func TestBuildDSN(t *testing.T) {
	dsn := buildDSN("/tmp/x.db", 2500)
	assert.True(t, strings.HasPrefix(dsn, "file:/tmp/x.db?"))
	assert.Contains(t, dsn, "busy_timeout%282500%29")
	assert.Contains(t, dsn, "foreign_keys%281%29")
	assert.Contains(t, dsn, "journal_mode%28WAL%29")

	mem := buildDSN(":memory:", 100)
	assert.NotContains(t, mem, "journal_mode")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		busy bool
	}{
		{"locked", errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{"table locked", errors.New("database table is locked"), true},
		{"pool wait deadline", fmt.Errorf("conn: %w", context.DeadlineExceeded), true},
		{"other", errors.New("no such table: nope"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("doing thing", tt.err)
			assert.Equal(t, tt.busy, errors.Is(err, ErrBusy))
			assert.ErrorIs(t, err, tt.err)
			assert.Contains(t, err.Error(), "doing thing")
		})
	}
}

func TestStore_Ping_AfterClose(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	assert.Error(t, s.Ping(context.Background()))
}
