package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vnmchuo/genai-studio/internal/auth"
	"github.com/vnmchuo/genai-studio/internal/quota"
	"github.com/vnmchuo/genai-studio/internal/seeder"
	"github.com/vnmchuo/genai-studio/pkg/ratelimit"
)

// app holds the stores the commands operate on.
type app struct {
	gate          *quota.Gate
	resetter      quota.Resetter // nil when the backend cannot reset
	keys          auth.Store     // nil without Postgres
	limiter       *ratelimit.Limiter
	sessionSecret string
	migrate       func(ctx context.Context) error
	close         func()
}

type loader func(ctx context.Context) (*app, error)

func newRootCmd(load loader) *cobra.Command {
	var a *app

	root := &cobra.Command{
		Use:   "quotactl",
		Short: "Administer GenAI Studio free-tier quota and credentials",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			a, err = load(cmd.Context())
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a != nil && a.close != nil {
				a.close()
			}
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// commands read a through this accessor since it is set after parsing
	get := func() *app { return a }

	root.AddCommand(
		newUsageCommand(get),
		newResetCommand(get),
		newKeysCommand(get),
		newSessionCommand(get),
		newMigrateCommand(get),
	)
	return root
}

func newUsageCommand(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "usage <user-id>",
		Short: "Show a user's free quota and current rate limit window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			used, err := a.gate.CurrentUsage(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %d/%d used\n", args[0], used, a.gate.MaxFree())

			if a.limiter == nil {
				return nil
			}
			window, err := a.limiter.Status(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to read rate limit: %w", err)
			}
			fmt.Fprintf(out, "rate: %d/%d requests left this minute\n", window.Remaining, window.Limit)
			return nil
		},
	}
}

func newResetCommand(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <user-id>",
		Short: "Clear a user's usage record after a plan upgrade",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			if a.resetter == nil {
				return fmt.Errorf("quota backend does not support reset")
			}
			err := a.resetter.Reset(cmd.Context(), args[0])
			if errors.Is(err, quota.ErrNotFound) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s has no usage recorded\n", args[0])
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s reset\n", args[0])
			return nil
		},
	}
}

func newKeysCommand(get func() *app) *cobra.Command {
	keysCmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys",
	}

	keysCmd.AddCommand(
		&cobra.Command{
			Use:   "create <user-id>",
			Short: "Issue a new API key for a user",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				a := get()
				if a.keys == nil {
					return fmt.Errorf("api keys require POSTGRES_DSN")
				}
				raw, apiKey, err := seeder.CreateKey(cmd.Context(), a.keys, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "id:  %s\n", apiKey.ID)
				fmt.Fprintf(out, "key: %s\n", raw)
				fmt.Fprintln(out, "Store the key now, it cannot be shown again.")
				return nil
			},
		},
		&cobra.Command{
			Use:   "revoke <key-id>",
			Short: "Deactivate an API key",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				a := get()
				if a.keys == nil {
					return fmt.Errorf("api keys require POSTGRES_DSN")
				}
				if err := a.keys.Revoke(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s revoked\n", args[0])
				return nil
			},
		},
	)
	return keysCmd
}

func newSessionCommand(get func() *app) *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "session <user-id>",
		Short: "Sign a session token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := auth.IssueSession(get().sessionSecret, args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func newMigrateCommand(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the usage and api key tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			if a.migrate == nil {
				return fmt.Errorf("migrate requires POSTGRES_DSN")
			}
			if err := a.migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}
