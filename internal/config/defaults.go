// ABOUTME: Default values and the example file written by `dispatch-gateway init`
// ABOUTME: Defaults fill anything the file and environment left unset

package config

import (
	"time"
)

// Defaults applied by Load.
const (
	DefaultHTTPAddr          = ":8080"
	DefaultShutdownTimeout   = 5 * time.Second
	DefaultMaxOpenConns      = 5
	DefaultBusyTimeout       = 5 * time.Second
	DefaultKeyTTL            = 24 * time.Hour
	DefaultKeepaliveInterval = 30 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultSendQueue         = 32
	DefaultMaxMessageBytes   = 1 << 20
	DefaultCleanupInterval   = time.Minute
	DefaultAuditBackend      = "sqlite"
	DefaultMetricsPath       = "/metrics"
)

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = DefaultMaxOpenConns
	}
	if c.Database.BusyTimeout == 0 {
		c.Database.BusyTimeout = DefaultBusyTimeout
	}

	if c.Access.KeyTTL == 0 {
		c.Access.KeyTTL = DefaultKeyTTL
	}

	s := &c.Session
	if s.KeepaliveInterval == 0 {
		s.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if s.PongTimeout == 0 {
		s.PongTimeout = 2 * s.KeepaliveInterval
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = DefaultWriteTimeout
	}
	if s.SendQueue == 0 {
		s.SendQueue = DefaultSendQueue
	}
	if s.MaxMessageBytes == 0 {
		s.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if s.StaleAfter == 0 {
		s.StaleAfter = 2 * s.PongTimeout
	}
	if s.CleanupInterval == 0 {
		s.CleanupInterval = DefaultCleanupInterval
	}

	if c.Audit.Backend == "" {
		c.Audit.Backend = DefaultAuditBackend
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Example is the annotated config written by `dispatch-gateway init`.
const Example = `# dispatch-gateway configuration
# ${VAR} references are expanded from the environment.

server:
  http_addr: ":8080"          # DISPATCH_HTTP_ADDR
  shutdown_timeout: "5s"
  allowed_origins: []         # empty allows any origin

database:
  path: "./dispatch.db"       # DISPATCH_DB_PATH
  max_open_conns: 5
  busy_timeout: "5s"

access:
  team_domain: "${CF_TEAM_DOMAIN}"
  audience: "${CF_AUDIENCE}"
  # certs_url: "https://example.cloudflareaccess.com/cdn-cgi/access/certs"
  key_ttl: "24h"

session:
  keepalive_interval: "30s"
  pong_timeout: "60s"
  write_timeout: "10s"
  send_queue: 32
  stale_after: "2m"
  cleanup_interval: "1m"

audit:
  backend: "sqlite"           # sqlite | redis | both
  redis:
    addr: "localhost:6379"    # DISPATCH_REDIS_ADDR
    stream: "dispatch:action_log"

logging:
  level: "info"
  format: "text"

metrics:
  enabled: true
  path: "/metrics"
`
