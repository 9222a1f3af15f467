// Package config handles configuration loading for dispatch-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML file with environment variable
// expansion, overlaid with a fixed set of environment variables, filled with
// defaults and validated. Any failure wraps ErrInvalid and aborts startup.
//
// # Configuration File
//
// Location, first match wins:
//
//  1. --config flag
//  2. DISPATCH_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/dispatch/gateway.yaml (~/.config when unset)
//
// When no file exists the gateway runs from the environment alone.
//
// # Environment
//
// ${VAR} references inside the file are expanded before parsing. These
// variables then override whatever the file said:
//
//	DISPATCH_HTTP_ADDR   server.http_addr
//	DISPATCH_DB_PATH     database.path
//	CF_TEAM_DOMAIN       access.team_domain
//	CF_AUDIENCE          access.audience
//	DISPATCH_REDIS_ADDR  audit.redis.addr
//
// # Durations
//
// Durations are Go duration strings ("30s", "24h"). The session pong timeout
// defaults to twice the keep-alive interval and must be longer than it.
//
// # Example
//
// Example holds the annotated file that `dispatch-gateway init` writes.
package config
