// ABOUTME: Tests for the dispatch-gateway subcommands run in-process through cobra
// ABOUTME: Admin commands run against a temporary SQLite database

package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/dispatch-relay/internal/config"
	"github.com/2389/dispatch-relay/internal/store"
)

func init() {
	color.NoColor = true
}

// run executes the root command with args and returns its output.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// adminEnv writes a config pointing at a temp database seeded with one user.
func adminEnv(t *testing.T) (configPath, dbPath string) {
	t.Helper()
	dir := t.TempDir()
	dbPath = filepath.Join(dir, "dispatch.db")
	configPath = filepath.Join(dir, "gateway.yaml")

	yaml := "database:\n  path: \"" + dbPath + "\"\n" +
		"access:\n  team_domain: \"acme\"\n  audience: \"aud-123\"\n"
	require.NoError(t, os.WriteFile(configPath, []byte(yaml), 0o600))

	st, err := store.Open(dbPath, store.Options{})
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	u, err := st.GetOrCreateUser(ctx, "alice@example.com", "Alice Dispatcher")
	require.NoError(t, err)

	ip := "203.0.113.7"
	require.NoError(t, st.AppendActionLog(ctx, &store.ActionLogEntry{
		ActionType: store.ActionConnect,
		UserID:     &u.ID,
		IPAddress:  &ip,
	}))
	require.NoError(t, st.AppendActionLog(ctx, &store.ActionLogEntry{
		ActionType: store.ActionCreateCall,
		UserID:     &u.ID,
		IPAddress:  &ip,
		Details:    `{"caller":"555-0100"}`,
	}))
	return configPath, dbPath
}

func reopen(t *testing.T, dbPath string) *store.SQLiteStore {
	t.Helper()
	st, err := store.Open(dbPath, store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestInit_WritesExampleConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "gateway.yaml")

	out, err := run(t, "init", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Config written to "+path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, config.Example, string(data))

	_, err = run(t, "init", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, err = run(t, "init", "--config", path, "--force")
	require.NoError(t, err)
}

func TestUsers_RoleAndActivationCommands(t *testing.T) {
	configPath, dbPath := adminEnv(t)

	out, err := run(t, "--config", configPath, "users", "grant", "alice@example.com", "cad_admin")
	require.NoError(t, err)
	assert.Contains(t, out, "Granted cad_admin to alice@example.com")

	out, err = run(t, "--config", configPath, "users", "deactivate", "alice@example.com")
	require.NoError(t, err)
	assert.Contains(t, out, "alice@example.com is now inactive")

	st := reopen(t, dbPath)
	u, err := st.GetUserByEmail(context.Background(), "alice@example.com")
	require.NoError(t, err)
	assert.True(t, u.IsAdmin())
	assert.False(t, u.IsActive)

	out, err = run(t, "--config", configPath, "users", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "alice@example.com")
	assert.Contains(t, out, "inactive")
	assert.Contains(t, out, "cad_admin")

	_, err = run(t, "--config", configPath, "users", "set-roles", "alice@example.com", "cad_manager")
	require.NoError(t, err)
	roles, err := st.ListRoles(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, []store.Role{store.RoleCadManager}, roles)
}

func TestUsers_Errors(t *testing.T) {
	configPath, _ := adminEnv(t)

	_, err := run(t, "--config", configPath, "users", "grant", "nobody@example.com", "cad_admin")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no user with email nobody@example.com")

	_, err = run(t, "--config", configPath, "users", "grant", "alice@example.com", "root")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown role "root"`)

	_, err = run(t, "--config", configPath, "users", "grant", "alice@example.com")
	require.Error(t, err)
}

func TestAudit_ListsAndFilters(t *testing.T) {
	configPath, _ := adminEnv(t)

	out, err := run(t, "--config", configPath, "audit")
	require.NoError(t, err)
	assert.Contains(t, out, "connect")
	assert.Contains(t, out, "create_call")
	assert.Contains(t, out, "203.0.113.7")

	out, err = run(t, "--config", configPath, "audit", "--action", "create_call", "--user", "alice@example.com")
	require.NoError(t, err)
	assert.Contains(t, out, "555-0100")
	assert.NotContains(t, out, " connect ")

	out, err = run(t, "--config", configPath, "audit", "--action", "disconnect")
	require.NoError(t, err)
	assert.Contains(t, out, "No action log entries.")

	_, err = run(t, "--config", configPath, "audit", "--action", "reboot")
	require.Error(t, err)
}

func TestConfigErrorsStopCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  http_addr: \"nope\"\n"), 0o600))

	_, err := run(t, "--config", path, "users", "list")
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestProbeHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health/ready" {
			http.Error(w, "signing keys not loaded", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("OK"))
	}))
	defer srv.Close()

	body, err := probeHealth(context.Background(), srv.URL+"/health")
	require.NoError(t, err)
	assert.Equal(t, "OK", body)

	_, err = probeHealth(context.Background(), srv.URL+"/health/ready")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
	assert.Contains(t, err.Error(), "signing keys not loaded")
}

func TestHealthURL(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:8080/health", healthURL(":8080", "/health"))
	assert.Equal(t, "http://127.0.0.1:9000/health/ready", healthURL("0.0.0.0:9000", "/health/ready"))
	assert.Equal(t, "http://10.0.0.5:8080/health", healthURL("10.0.0.5:8080", "/health"))
}
