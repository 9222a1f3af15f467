// ABOUTME: The serve and init subcommands of dispatch-gateway
// ABOUTME: serve loads config and runs the gateway until a signal arrives

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/dispatch-relay/internal/config"
	"github.com/2389/dispatch-relay/internal/gateway"
	"github.com/2389/dispatch-relay/internal/logging"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			configPath := config.ResolvePath(opts.configPath)

			out := cmd.OutOrStdout()
			cyan := color.New(color.FgCyan)
			gray := color.New(color.FgHiBlack)
			green := color.New(color.FgGreen)

			cyan.Fprint(out, banner)
			gray.Fprintf(out, "    version: %s\n\n", version)

			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			logger := logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stdout)

			source := configPath
			if source == "" {
				source = "(environment)"
			}
			green.Fprint(out, "    ▶ ")
			fmt.Fprintf(out, "Config:    %s\n", source)
			green.Fprint(out, "    ▶ ")
			fmt.Fprintf(out, "HTTP:      %s\n", cfg.Server.HTTPAddr)
			green.Fprint(out, "    ▶ ")
			fmt.Fprintf(out, "Database:  %s\n", cfg.Database.Path)
			green.Fprint(out, "    ▶ ")
			fmt.Fprintf(out, "Audit:     %s\n", cfg.Audit.Backend)
			if cfg.Metrics.Enabled {
				green.Fprint(out, "    ▶ ")
				fmt.Fprintf(out, "Metrics:   %s\n", cfg.Metrics.Path)
			}
			fmt.Fprintln(out)

			logger.Info("starting dispatch-gateway",
				"config", source,
				"http_addr", cfg.Server.HTTPAddr,
				"audit_backend", cfg.Audit.Backend,
			)

			gw, err := gateway.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("creating gateway: %w", err)
			}

			return gw.Run(cmd.Context())
		},
	}
}

func newInitCmd(opts *rootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write an annotated config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := opts.configPath
			if path == "" {
				path = config.DefaultPath()
			}
			if path == "" {
				return errors.New("cannot determine a config path; pass --config")
			}

			if err := writeExampleConfig(path, force); err != nil {
				return err
			}

			color.New(color.FgGreen).Fprint(cmd.OutOrStdout(), "✓ ")
			fmt.Fprintf(cmd.OutOrStdout(), "Config written to %s\n", path)
			fmt.Fprintln(cmd.OutOrStdout(), "  Set CF_TEAM_DOMAIN and CF_AUDIENCE, then run: dispatch-gateway serve")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func writeExampleConfig(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("checking %s: %w", path, err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(config.Example), 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}
