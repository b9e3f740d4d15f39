package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/teamstatus/collector"
)

func newRunCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Collect continuously until interrupted",
		Long: `Collect team rosters once, then poll Launchpad bugs and the LeanKit board
on the configured intervals. A pass that fails on the network is retried
after schedule.retry_delay. Edits to the config file are applied before the
next pass.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withService(cmd, opts, func(ctx context.Context, svc *collector.Service, logger *slog.Logger) error {
				if opts.configPath != "" {
					if err := svc.WatchConfig(ctx, opts.configPath); err != nil {
						logger.Warn("teamstatus: config not watched", "error", err)
					}
				}
				logger.Info("teamstatus: running", "db", svc.Config().DBPath, "project", svc.Config().Launchpad.Project)
				err := svc.Run(ctx)
				logger.Info("teamstatus: shutting down")
				return err
			})
		},
	}
}

func newCollectCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Run a single collection pass",
	}
	pass := func(name, short string, run func(*collector.Service) func(context.Context) error) *cobra.Command {
		return &cobra.Command{
			Use:   name,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withService(cmd, opts, func(ctx context.Context, svc *collector.Service, _ *slog.Logger) error {
					return run(svc)(ctx)
				})
			},
		}
	}
	cmd.AddCommand(
		pass("bugs", "Mirror and reconcile the project's open bugs", func(s *collector.Service) func(context.Context) error { return s.CollectBugs }),
		pass("people", "Mirror the configured team rosters", func(s *collector.Service) func(context.Context) error { return s.CollectPeople }),
		pass("cards", "Mirror the LeanKit board", func(s *collector.Service) func(context.Context) error { return s.CollectCards }),
	)
	return cmd
}

func newLoginCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Run the Launchpad OAuth handshake",
		Long: `Request a Launchpad token and exchange it for an access token. The first
run prints the page where the token must be approved; run login again once
it is.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withService(cmd, opts, func(ctx context.Context, svc *collector.Service, _ *slog.Logger) error {
				if err := svc.Login(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Launchpad access token stored.")
				return nil
			})
		},
	}
}

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the last pass of every kind as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withService(cmd, opts, func(ctx context.Context, svc *collector.Service, _ *slog.Logger) error {
				passes, err := svc.Passes(ctx)
				if err != nil {
					return fmt.Errorf("status: %w", err)
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(passes)
			})
		},
	}
}
