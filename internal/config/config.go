// ABOUTME: Configuration loading and parsing for dispatch-gateway
// ABOUTME: YAML with ${VAR} expansion, an environment overlay, defaults and struct validation

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every configuration problem. Startup aborts on it.
var ErrInvalid = errors.New("invalid configuration")

// Config represents the complete dispatch-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Access   AccessConfig   `yaml:"access"`
	Session  SessionConfig  `yaml:"session"`
	Audit    AuditConfig    `yaml:"audit"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds the listener configuration
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr" env:"DISPATCH_HTTP_ADDR" validate:"required,listen_addr"`
	ShutdownTimeout time.Duration `yaml:"-"`
	// AllowedOrigins limits browser origins on /ws. Empty or ["*"] allows any.
	AllowedOrigins []string `yaml:"allowed_origins"`

	ShutdownTimeoutRaw string `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path         string        `yaml:"path" env:"DISPATCH_DB_PATH" validate:"required"`
	MaxOpenConns int           `yaml:"max_open_conns" validate:"gte=0"`
	BusyTimeout  time.Duration `yaml:"-"`

	BusyTimeoutRaw string `yaml:"busy_timeout"`
}

// AccessConfig describes the identity provider that signs access tokens
type AccessConfig struct {
	// TeamDomain is the Cloudflare Access team, e.g. "acme" or "acme.cloudflareaccess.com".
	TeamDomain string `yaml:"team_domain" env:"CF_TEAM_DOMAIN" validate:"required_without=CertsURL"`
	Audience   string `yaml:"audience" env:"CF_AUDIENCE" validate:"required"`
	// CertsURL overrides the certificate endpoint derived from TeamDomain.
	CertsURL   string        `yaml:"certs_url" validate:"omitempty,url"`
	Issuer     string        `yaml:"issuer"`
	Algorithms []string      `yaml:"algorithms" validate:"dive,oneof=RS256 RS384 RS512 PS256 PS384 PS512 ES256 ES384 ES512 EdDSA"`
	KeyTTL     time.Duration `yaml:"-"`
	Leeway     time.Duration `yaml:"-"`

	KeyTTLRaw string `yaml:"key_ttl"`
	LeewayRaw string `yaml:"leeway"`
}

// SessionConfig holds per-connection keep-alive and queue settings
type SessionConfig struct {
	KeepaliveInterval time.Duration `yaml:"-"`
	PongTimeout       time.Duration `yaml:"-"`
	WriteTimeout      time.Duration `yaml:"-"`
	StaleAfter        time.Duration `yaml:"-"`
	CleanupInterval   time.Duration `yaml:"-"`
	SendQueue         int           `yaml:"send_queue" validate:"gte=0"`
	MaxMessageBytes   int64         `yaml:"max_message_bytes" validate:"gte=0"`

	// Raw string values for YAML unmarshaling
	KeepaliveIntervalRaw string `yaml:"keepalive_interval"`
	PongTimeoutRaw       string `yaml:"pong_timeout"`
	WriteTimeoutRaw      string `yaml:"write_timeout"`
	StaleAfterRaw        string `yaml:"stale_after"`
	CleanupIntervalRaw   string `yaml:"cleanup_interval"`
}

// AuditConfig selects where action log entries go
type AuditConfig struct {
	// Backend is "sqlite", "redis" or "both".
	Backend string      `yaml:"backend" validate:"oneof=sqlite redis both"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig holds the Redis stream sink settings
type RedisConfig struct {
	Addr   string `yaml:"addr" env:"DISPATCH_REDIS_ADDR" validate:"omitempty,hostname_port"`
	Stream string `yaml:"stream"`
	MaxLen int64  `yaml:"max_len" validate:"gte=0"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path" validate:"omitempty,startswith=/"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded, then the
// DISPATCH_*/CF_* variables override file values. An empty path loads from
// the environment alone.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: reading config file: %v", ErrInvalid, err)
		}

		// Expand environment variables in the raw YAML content
		expandedData := expandEnvVars(string(data))

		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("%w: parsing config file: %v", ErrInvalid, err)
		}
	}

	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("%w: reading environment: %v", ErrInvalid, err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing durations: %v", ErrInvalid, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	return &cfg, nil
}

// DefaultPath returns the config path used when no flag is given:
// $DISPATCH_CONFIG, else $XDG_CONFIG_HOME/dispatch/gateway.yaml.
func DefaultPath() string {
	if p := os.Getenv("DISPATCH_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "dispatch", "gateway.yaml")
}

// ResolvePath picks the flag value if set, otherwise DefaultPath. A default
// path that does not exist resolves to "" so the environment alone is used.
func ResolvePath(flag string) string {
	if flag != "" {
		return flag
	}
	p := DefaultPath()
	if p == "" {
		return ""
	}
	if _, err := os.Stat(p); err != nil && os.Getenv("DISPATCH_CONFIG") == "" {
		return ""
	}
	return p
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"database.busy_timeout", cfg.Database.BusyTimeoutRaw, &cfg.Database.BusyTimeout},
		{"access.key_ttl", cfg.Access.KeyTTLRaw, &cfg.Access.KeyTTL},
		{"access.leeway", cfg.Access.LeewayRaw, &cfg.Access.Leeway},
		{"session.keepalive_interval", cfg.Session.KeepaliveIntervalRaw, &cfg.Session.KeepaliveInterval},
		{"session.pong_timeout", cfg.Session.PongTimeoutRaw, &cfg.Session.PongTimeout},
		{"session.write_timeout", cfg.Session.WriteTimeoutRaw, &cfg.Session.WriteTimeout},
		{"session.stale_after", cfg.Session.StaleAfterRaw, &cfg.Session.StaleAfter},
		{"session.cleanup_interval", cfg.Session.CleanupIntervalRaw, &cfg.Session.CleanupInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %q", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
