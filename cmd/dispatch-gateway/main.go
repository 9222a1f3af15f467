// ABOUTME: Entry point for dispatch-gateway, the websocket session server
// ABOUTME: Wires cobra subcommands for serving, setup, health checks and administration

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version is set at build time.
var version = "dev"

const banner = `
     _ _                 _       _
  __| (_)___ _ __   __ _| |_ ___| |__
 / _' | / __| '_ \ / _' | __/ __| '_ \
| (_| | \__ \ |_) | (_| | || (__| | | |
 \__,_|_|___/ .__/ \__,_|\__\___|_| |_|
            |_|
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// rootOptions holds flags shared by every subcommand.
type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "dispatch-gateway",
		Short: "Authenticated websocket gateway for dispatch clients",
		Long: `dispatch-gateway accepts websocket sessions from dispatch clients behind an
access proxy, verifies their access tokens, keeps each session alive and
records every connect, disconnect and call change in the action log.

Configuration is read from --config, $DISPATCH_CONFIG or
$XDG_CONFIG_HOME/dispatch/gateway.yaml. DISPATCH_* and CF_* environment
variables override file values.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file path")

	root.AddCommand(
		newServeCmd(opts),
		newInitCmd(opts),
		newHealthCmd(opts),
		newAuditCmd(opts),
		newUsersCmd(opts),
	)
	return root
}
