// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, overlay, defaults and validation

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

const minimalConfig = `
server:
  http_addr: "127.0.0.1:9090"
database:
  path: "./test.db"
access:
  team_domain: "acme"
  audience: "aud-123"
`

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8080"
  shutdown_timeout: "3s"

database:
  path: "./test.db"
  max_open_conns: 8
  busy_timeout: "2s"

access:
  team_domain: "acme.cloudflareaccess.com"
  audience: "aud-123"
  algorithms: ["RS256", "ES256"]
  key_ttl: "12h"
  leeway: "30s"

session:
  keepalive_interval: "15s"
  pong_timeout: "45s"
  write_timeout: "5s"
  send_queue: 64
  stale_after: "5m"
  cleanup_interval: "30s"

audit:
  backend: "both"
  redis:
    addr: "localhost:6379"
    stream: "audit"

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
  path: "/prom"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if cfg.Server.ShutdownTimeout != 3*time.Second {
		t.Errorf("Server.ShutdownTimeout = %v, want 3s", cfg.Server.ShutdownTimeout)
	}
	if cfg.Database.MaxOpenConns != 8 {
		t.Errorf("Database.MaxOpenConns = %d, want 8", cfg.Database.MaxOpenConns)
	}
	if cfg.Database.BusyTimeout != 2*time.Second {
		t.Errorf("Database.BusyTimeout = %v, want 2s", cfg.Database.BusyTimeout)
	}
	if cfg.Access.KeyTTL != 12*time.Hour {
		t.Errorf("Access.KeyTTL = %v, want 12h", cfg.Access.KeyTTL)
	}
	if cfg.Access.Leeway != 30*time.Second {
		t.Errorf("Access.Leeway = %v, want 30s", cfg.Access.Leeway)
	}
	if len(cfg.Access.Algorithms) != 2 {
		t.Errorf("Access.Algorithms = %v, want 2 entries", cfg.Access.Algorithms)
	}
	if cfg.Session.KeepaliveInterval != 15*time.Second {
		t.Errorf("Session.KeepaliveInterval = %v, want 15s", cfg.Session.KeepaliveInterval)
	}
	if cfg.Session.PongTimeout != 45*time.Second {
		t.Errorf("Session.PongTimeout = %v, want 45s", cfg.Session.PongTimeout)
	}
	if cfg.Session.SendQueue != 64 {
		t.Errorf("Session.SendQueue = %d, want 64", cfg.Session.SendQueue)
	}
	if cfg.Session.StaleAfter != 5*time.Minute {
		t.Errorf("Session.StaleAfter = %v, want 5m", cfg.Session.StaleAfter)
	}
	if cfg.Audit.Backend != "both" || cfg.Audit.Redis.Stream != "audit" {
		t.Errorf("Audit = %+v, want backend both with stream audit", cfg.Audit)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v, want debug/json", cfg.Logging)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Path != "/prom" {
		t.Errorf("Metrics = %+v, want enabled at /prom", cfg.Metrics)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"keepalive", cfg.Session.KeepaliveInterval, 30 * time.Second},
		{"pong timeout", cfg.Session.PongTimeout, 60 * time.Second},
		{"write timeout", cfg.Session.WriteTimeout, 10 * time.Second},
		{"send queue", cfg.Session.SendQueue, 32},
		{"stale after", cfg.Session.StaleAfter, 120 * time.Second},
		{"key ttl", cfg.Access.KeyTTL, 24 * time.Hour},
		{"pool", cfg.Database.MaxOpenConns, 5},
		{"backend", cfg.Audit.Backend, "sqlite"},
		{"metrics path", cfg.Metrics.Path, "/metrics"},
		{"shutdown", cfg.Server.ShutdownTimeout, 5 * time.Second},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_DISPATCH_AUDIENCE", "expanded-aud")

	path := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "./test.db"
access:
  team_domain: "acme"
  audience: "${TEST_DISPATCH_AUDIENCE}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Access.Audience != "expanded-aud" {
		t.Errorf("Access.Audience = %q, want %q", cfg.Access.Audience, "expanded-aud")
	}
}

func TestLoad_EnvOverlay(t *testing.T) {
	t.Setenv("DISPATCH_HTTP_ADDR", ":7000")
	t.Setenv("DISPATCH_DB_PATH", "/var/lib/dispatch/env.db")
	t.Setenv("CF_TEAM_DOMAIN", "envteam")
	t.Setenv("CF_AUDIENCE", "env-aud")

	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != ":7000" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, ":7000")
	}
	if cfg.Database.Path != "/var/lib/dispatch/env.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Access.TeamDomain != "envteam" || cfg.Access.Audience != "env-aud" {
		t.Errorf("Access = %+v, want env values", cfg.Access)
	}
}

func TestLoad_EnvOnly(t *testing.T) {
	t.Setenv("DISPATCH_DB_PATH", "./env.db")
	t.Setenv("CF_TEAM_DOMAIN", "envteam")
	t.Setenv("CF_AUDIENCE", "env-aud")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if cfg.Server.HTTPAddr != DefaultHTTPAddr {
		t.Errorf("Server.HTTPAddr = %q, want default %q", cfg.Server.HTTPAddr, DefaultHTTPAddr)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/gateway.yaml")
	if err == nil {
		t.Fatal("Load() expected error for nonexistent file")
	}
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("Load() error = %v, want ErrInvalid", err)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "server: [unclosed"))
	if err == nil {
		t.Fatal("Load() expected error for invalid YAML")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+`
session:
  keepalive_interval: "soon"
`))
	if err == nil {
		t.Fatal("Load() expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "session.keepalive_interval") {
		t.Errorf("error %q should name the field", err)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "missing audience",
			content: `
database:
  path: "./x.db"
access:
  team_domain: "acme"
`,
			wantErr: "access.audience is required",
		},
		{
			name: "missing team domain and certs url",
			content: `
database:
  path: "./x.db"
access:
  audience: "a"
`,
			wantErr: "access.team_domain is required",
		},
		{
			name: "missing database path",
			content: `
access:
  team_domain: "acme"
  audience: "a"
`,
			wantErr: "database.path is required",
		},
		{
			name: "bad listen address",
			content: `
server:
  http_addr: "localhost"
database:
  path: "./x.db"
access:
  team_domain: "acme"
  audience: "a"
`,
			wantErr: "server.http_addr must be a valid host:port",
		},
		{
			name: "port zero is allowed",
			content: `
server:
  http_addr: "127.0.0.1:0"
database:
  path: "./x.db"
access:
  team_domain: "acme"
  audience: "a"
`,
		},
		{
			name: "unknown backend",
			content: minimalConfig + `
audit:
  backend: "kafka"
`,
			wantErr: "audit.backend must be one of",
		},
		{
			name: "redis backend without addr",
			content: minimalConfig + `
audit:
  backend: "redis"
`,
			wantErr: "audit.redis.addr is required",
		},
		{
			name: "pong timeout not longer than keepalive",
			content: minimalConfig + `
session:
  keepalive_interval: "30s"
  pong_timeout: "30s"
`,
			wantErr: "session.pong_timeout",
		},
		{
			name: "symmetric algorithm",
			content: minimalConfig + `
  algorithms: ["HS256"]
`,
			wantErr: "must be one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Load() unexpected error = %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Load() expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_CertsURLReplacesTeamDomain(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
database:
  path: "./x.db"
access:
  certs_url: "https://login.example.org/cdn-cgi/access/certs"
  audience: "a"
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Access.CertsURL == "" {
		t.Error("Access.CertsURL should be set")
	}
}

func TestExample_Loads(t *testing.T) {
	t.Setenv("CF_TEAM_DOMAIN", "acme")
	t.Setenv("CF_AUDIENCE", "aud")

	if _, err := Load(writeConfig(t, Example)); err != nil {
		t.Fatalf("Example config does not load: %v", err)
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TEST_EXPAND_A", "alpha")

	got := expandEnvVars("a=${TEST_EXPAND_A} b=${TEST_EXPAND_UNSET_B}")
	if got != "a=alpha b=" {
		t.Errorf("expandEnvVars() = %q", got)
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv("DISPATCH_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if got := ResolvePath("/explicit.yaml"); got != "/explicit.yaml" {
		t.Errorf("ResolvePath(flag) = %q", got)
	}
	if got := ResolvePath(""); got != "" {
		t.Errorf("ResolvePath(\"\") with no file = %q, want empty", got)
	}

	t.Setenv("DISPATCH_CONFIG", "/from/env.yaml")
	if got := ResolvePath(""); got != "/from/env.yaml" {
		t.Errorf("ResolvePath(\"\") = %q, want env value", got)
	}
}
