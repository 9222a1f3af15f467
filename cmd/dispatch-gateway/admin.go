// ABOUTME: Operator subcommands: health probe, action log listing and user administration
// ABOUTME: Audit and user commands open the gateway database directly

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/dispatch-relay/internal/config"
	"github.com/2389/dispatch-relay/internal/store"
)

func loadConfig(opts *rootOptions) (*config.Config, error) {
	cfg, err := config.Load(config.ResolvePath(opts.configPath))
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (*store.SQLiteStore, error) {
	st, err := store.Open(cfg.Database.Path, store.Options{
		MaxOpenConns:  cfg.Database.MaxOpenConns,
		BusyTimeoutMS: int(cfg.Database.BusyTimeout / time.Millisecond),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return st, nil
}

func newHealthCmd(opts *rootOptions) *cobra.Command {
	var ready bool

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check a running gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			path := "/health"
			if ready {
				path = "/health/ready"
			}
			body, err := probeHealth(cmd.Context(), healthURL(cfg.Server.HTTPAddr, path))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), body)
			return nil
		},
	}
	cmd.Flags().BoolVar(&ready, "ready", false, "check readiness instead of liveness")
	return cmd
}

// healthURL turns a listen address into a local URL; ":8080" becomes
// http://127.0.0.1:8080.
func healthURL(listenAddr, path string) string {
	host, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return "http://" + listenAddr + path
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + path
}

func probeHealth(ctx context.Context, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	text := strings.TrimSpace(string(body))
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, text)
	}
	return text, nil
}

func newAuditCmd(opts *rootOptions) *cobra.Command {
	var (
		email  string
		action string
		since  time.Duration
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List action log entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			filter := store.ActionLogFilter{Limit: limit}
			if action != "" {
				a, err := store.ParseActionType(action)
				if err != nil {
					return err
				}
				filter.Action = &a
			}
			if since > 0 {
				t := time.Now().Add(-since)
				filter.Since = &t
			}
			if email != "" {
				u, err := st.GetUserByEmail(cmd.Context(), email)
				if err != nil {
					return fmt.Errorf("looking up %s: %w", email, err)
				}
				filter.UserID = &u.ID
			}

			entries, err := st.ListActionLog(cmd.Context(), filter)
			if err != nil {
				return err
			}
			printActionLog(cmd.OutOrStdout(), entries)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "user", "", "only entries for this user email")
	cmd.Flags().StringVar(&action, "action", "", "only this action type")
	cmd.Flags().DurationVar(&since, "since", 0, "only entries newer than this, e.g. 24h")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum entries (capped at 1000)")
	return cmd
}

func printActionLog(out io.Writer, entries []store.ActionLogEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(out, "No action log entries.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tTIME\tACTION\tUSER\tADDRESS\tDETAILS")
	fmt.Fprintln(w, "  --\t----\t------\t----\t-------\t-------")
	for _, e := range entries {
		fmt.Fprintf(w, "  %d\t%s\t%s\t%s\t%s\t%s\n",
			e.ID,
			e.Timestamp.Local().Format("Jan 02 15:04:05"),
			e.ActionType,
			orDash(e.UserID),
			orDash(e.IPAddress),
			truncate(e.Details, 48),
		)
	}
	_ = w.Flush()
}

func newUsersCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage dispatch users and roles",
	}

	// withUser loads config, opens the store and resolves the email argument.
	withUser := func(cmd *cobra.Command, email string, fn func(ctx context.Context, st store.UserStore, u *store.User) error) error {
		cfg, err := loadConfig(opts)
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		u, err := st.GetUserByEmail(cmd.Context(), email)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no user with email %s (users appear after their first login)", email)
		}
		if err != nil {
			return err
		}
		return fn(cmd.Context(), st, u)
	}

	ok := func(cmd *cobra.Command, format string, args ...any) {
		color.New(color.FgGreen).Fprint(cmd.OutOrStdout(), "✓ ")
		fmt.Fprintf(cmd.OutOrStdout(), format+"\n", args...)
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List users with their roles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			users, err := st.ListUsers(cmd.Context())
			if err != nil {
				return err
			}
			printUsers(cmd.OutOrStdout(), users)
			return nil
		},
	}

	grant := &cobra.Command{
		Use:   "grant EMAIL ROLE",
		Short: "Add a role to a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := store.ParseRole(args[1])
			if err != nil {
				return err
			}
			return withUser(cmd, args[0], func(ctx context.Context, st store.UserStore, u *store.User) error {
				if err := st.AddRole(ctx, u.ID, role); err != nil {
					return err
				}
				ok(cmd, "Granted %s to %s", role, u.Email)
				return nil
			})
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke EMAIL ROLE",
		Short: "Remove a role from a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := store.ParseRole(args[1])
			if err != nil {
				return err
			}
			return withUser(cmd, args[0], func(ctx context.Context, st store.UserStore, u *store.User) error {
				if err := st.RemoveRole(ctx, u.ID, role); err != nil {
					return err
				}
				ok(cmd, "Revoked %s from %s", role, u.Email)
				return nil
			})
		},
	}

	setRoles := &cobra.Command{
		Use:   "set-roles EMAIL ROLE...",
		Short: "Replace a user's roles",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			roles := make([]store.Role, 0, len(args)-1)
			for _, name := range args[1:] {
				role, err := store.ParseRole(name)
				if err != nil {
					return err
				}
				roles = append(roles, role)
			}
			return withUser(cmd, args[0], func(ctx context.Context, st store.UserStore, u *store.User) error {
				if err := st.SetRoles(ctx, u.ID, roles); err != nil {
					return err
				}
				ok(cmd, "Roles for %s: %s", u.Email, joinRoles(roles))
				return nil
			})
		},
	}

	activation := func(use, short string, active bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " EMAIL",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withUser(cmd, args[0], func(ctx context.Context, st store.UserStore, u *store.User) error {
					if err := st.SetUserActive(ctx, u.ID, active); err != nil {
						return err
					}
					ok(cmd, "%s is now %s", u.Email, activeLabel(active))
					return nil
				})
			},
		}
	}

	cmd.AddCommand(
		list,
		grant,
		revoke,
		setRoles,
		activation("activate", "Allow a user to connect", true),
		activation("deactivate", "Refuse a user's connections", false),
	)
	return cmd
}

func printUsers(out io.Writer, users []*store.User) {
	if len(users) == 0 {
		fmt.Fprintln(out, "No users yet.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  EMAIL\tNAME\tROLES\tSTATUS\tLAST LOGIN")
	fmt.Fprintln(w, "  -----\t----\t-----\t------\t----------")
	for _, u := range users {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n",
			u.Email,
			truncate(u.Name, 24),
			joinRoles(u.Roles),
			activeLabel(u.IsActive),
			u.LastLogin.Local().Format("Jan 02 15:04"),
		)
	}
	_ = w.Flush()
}

func joinRoles(roles []store.Role) string {
	if len(roles) == 0 {
		return "-"
	}
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	return strings.Join(names, ",")
}

func activeLabel(active bool) string {
	if active {
		return "active"
	}
	return "inactive"
}

func orDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
