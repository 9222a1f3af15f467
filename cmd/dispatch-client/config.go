// ABOUTME: Configuration loading for dispatch-client
// ABOUTME: Loads TOML config from an XDG path with environment variable expansion

package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Gateway GatewayConfig `toml:"gateway"`
	Auth    AuthConfig    `toml:"auth"`
	Logging LoggingConfig `toml:"logging"`
}

type GatewayConfig struct {
	URL              string        `toml:"url"`
	ReconnectDelay   time.Duration `toml:"reconnect_delay"`
	HandshakeTimeout time.Duration `toml:"handshake_timeout"`
	SendQueue        int           `toml:"send_queue"`
}

type AuthConfig struct {
	// Token is a fixed access token, usually "${DISPATCH_TOKEN}".
	Token string `toml:"token"`
	// Probe asks the access proxy in front of the gateway for a token.
	Probe        bool          `toml:"probe"`
	ProbeTimeout time.Duration `toml:"probe_timeout"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

const exampleConfig = `# dispatch-client configuration
# ${VAR} references are expanded from the environment.

[gateway]
url = "wss://dispatch.example.com/ws"
reconnect_delay = "2s"
handshake_timeout = "10s"
send_queue = 32

[auth]
token = "${DISPATCH_TOKEN}"
probe = true
probe_timeout = "10s"

[logging]
level = "warn"
format = "text"
`

// defaultConfigPath returns $DISPATCH_CLIENT_CONFIG, else
// $XDG_CONFIG_HOME/dispatch/client.toml.
func defaultConfigPath() string {
	if p := os.Getenv("DISPATCH_CLIENT_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "client.toml"
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "dispatch", "client.toml")
}

// Load reads config from the given path, expanding environment variables.
// A missing file at the default location is not an error; flags may supply
// everything.
func Load(path string, required bool) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		expanded := expandEnvVars(string(data))
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && !required:
	default:
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Gateway.ReconnectDelay == 0 {
		c.Gateway.ReconnectDelay = 2 * time.Second
	}
	if c.Gateway.HandshakeTimeout == 0 {
		c.Gateway.HandshakeTimeout = 10 * time.Second
	}
	if c.Gateway.SendQueue == 0 {
		c.Gateway.SendQueue = 32
	}
	if c.Auth.ProbeTimeout == 0 {
		c.Auth.ProbeTimeout = 10 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "warn"
	}
}

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}

// Validate checks that required config fields are present and valid.
func (c *Config) Validate() error {
	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is required")
	}
	u, err := url.Parse(c.Gateway.URL)
	if err != nil {
		return fmt.Errorf("gateway.url is not a valid URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("gateway.url must use ws, wss, http or https scheme")
	}
	if c.Gateway.ReconnectDelay < 0 || c.Gateway.HandshakeTimeout < 0 {
		return fmt.Errorf("gateway timeouts must not be negative")
	}
	if c.Gateway.SendQueue < 0 {
		return fmt.Errorf("gateway.send_queue must not be negative")
	}
	return nil
}
