// ABOUTME: Entry point for dispatch-client, a headless host for the relay connection manager
// ABOUTME: Prints connection events and relays stdin lines to the gateway

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/dispatch-relay/internal/logging"
	"github.com/2389/dispatch-relay/internal/protocol"
	"github.com/2389/dispatch-relay/internal/relay"
)

// Version is set at build time.
var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	url        string
	token      string
	noProbe    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "dispatch-client",
		Short:         "Keep a session to a dispatch gateway open",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "config file (default $XDG_CONFIG_HOME/dispatch/client.toml)")
	flags.StringVar(&opts.url, "url", "", "gateway websocket URL, overrides gateway.url")
	flags.StringVar(&opts.token, "token", "", "access token, overrides auth.token")
	flags.BoolVar(&opts.noProbe, "no-probe", false, "do not probe the access proxy for a token")

	root.AddCommand(
		newRunCmd(opts),
		newPingCmd(opts),
		newConfigCmd(),
	)
	return root
}

// loadClientConfig merges the config file with flag overrides.
func loadClientConfig(opts *rootOptions) (*Config, error) {
	path := opts.configPath
	required := path != ""
	if path == "" {
		path = defaultConfigPath()
	}

	cfg, err := Load(path, required)
	if err != nil {
		return nil, err
	}
	if opts.url != "" {
		cfg.Gateway.URL = opts.url
	}
	if opts.token != "" {
		cfg.Auth.Token = opts.token
	}
	if opts.noProbe {
		cfg.Auth.Probe = false
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg LoggingConfig) *slog.Logger {
	return logging.New(cfg.Level, cfg.Format, os.Stderr)
}

// credentials builds the source chain: a configured token first, then the probe.
func credentials(cfg *Config) (relay.CredentialSource, error) {
	var chain relay.ChainSource
	if cfg.Auth.Token != "" {
		chain = append(chain, relay.StaticSource(cfg.Auth.Token))
	}
	if cfg.Auth.Probe {
		probe, err := relay.NewProbeSource(cfg.Gateway.URL, &http.Client{Timeout: cfg.Auth.ProbeTimeout})
		if err != nil {
			return nil, err
		}
		chain = append(chain, probe)
	}
	if len(chain) == 0 {
		return nil, nil
	}
	return chain, nil
}

func newManager(cfg *Config, logger *slog.Logger) (*relay.Manager, error) {
	creds, err := credentials(cfg)
	if err != nil {
		return nil, err
	}
	return relay.NewManager(relay.Config{
		URL:              cfg.Gateway.URL,
		Credentials:      creds,
		ReconnectDelay:   cfg.Gateway.ReconnectDelay,
		HandshakeTimeout: cfg.Gateway.HandshakeTimeout,
		SendQueue:        cfg.Gateway.SendQueue,
		Logger:           logger,
	}), nil
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect and relay stdin lines until interrupted",
		Long: `run keeps one session to the gateway open, reconnecting every few seconds
when it drops. Connection status and inbound frames are printed as they
arrive. Each stdin line is sent as a text frame; "/ping" sends a ping and a
line starting with "{" is sent verbatim as a JSON frame.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadClientConfig(opts)
			if err != nil {
				return err
			}
			m, err := newManager(cfg, newLogger(cfg.Logging))
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			con := newConsole(cmd.OutOrStdout())

			connectErr := make(chan error, 1)
			go func() { connectErr <- m.Connect(ctx) }()

			lines := make(chan string)
			go func() {
				defer close(lines)
				scanner := bufio.NewScanner(cmd.InOrStdin())
				for scanner.Scan() {
					select {
					case lines <- scanner.Text():
					case <-ctx.Done():
						return
					}
				}
			}()

			for {
				select {
				case ev := <-m.Events():
					con.event(ev)
				case line, ok := <-lines:
					if !ok {
						lines = nil
						continue
					}
					con.line(m, line)
				case err := <-connectErr:
					drainEvents(m, con)
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				}
			}
		},
	}
}

// drainEvents prints whatever the manager emitted on its way down.
func drainEvents(m *relay.Manager, con *console) {
	for {
		select {
		case ev := <-m.Events():
			con.event(ev)
		default:
			return
		}
	}
}

func newPingCmd(opts *rootOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Connect, send one ping and wait for the pong",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadClientConfig(opts)
			if err != nil {
				return err
			}
			m, err := newManager(cfg, newLogger(cfg.Logging))
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			connectErr := make(chan error, 1)
			go func() { connectErr <- m.Connect(ctx) }()
			defer func() {
				cancel()
				<-connectErr
			}()

			rtt, err := pingOnce(ctx, m)
			if err != nil {
				return err
			}
			color.New(color.FgGreen).Fprint(cmd.OutOrStdout(), "✓ ")
			fmt.Fprintf(cmd.OutOrStdout(), "pong from %s in %s\n", cfg.Gateway.URL, rtt.Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "give up after this long")
	return cmd
}

// pingOnce waits for the first session, sends a ping and times the pong.
func pingOnce(ctx context.Context, m *relay.Manager) (time.Duration, error) {
	var sent time.Time
	for {
		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("no pong from gateway: %w", ctx.Err())

		case ev := <-m.Events():
			switch ev.Kind {
			case relay.EventStatus:
				if ev.Status != relay.StatusConnected {
					continue
				}
				if err := m.Ping(); err != nil {
					return 0, fmt.Errorf("sending ping: %w", err)
				}
				sent = time.Now()

			case relay.EventMessage:
				if sent.IsZero() || ev.Binary {
					continue
				}
				msg, err := protocol.Decode(ev.Message)
				if err == nil && msg.Type == protocol.TypePong {
					return time.Since(sent), nil
				}
			}
		}
	}
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print an example config file",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "# save as %s\n%s", defaultConfigPath(), exampleConfig)
		},
	}
}
