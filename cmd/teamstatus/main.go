// Command teamstatus mirrors Launchpad bugs, team rosters and a LeanKit
// board into a local store for the team status dashboard.
//
// Usage:
//
//	teamstatus run --config teamstatus.yaml       # daemon: people once, then bugs and cards
//	teamstatus collect bugs --config ...          # one pass and exit
//	teamstatus login --config ...                 # Launchpad OAuth handshake only
//	teamstatus status --config ...                # last passes as JSON
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/teamstatus/collector"
)

type options struct {
	configPath string
	dbPath     string
	logLevel   string
	replay     bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		if url, ok := collector.AuthorizationURL(err); ok {
			fmt.Fprintf(os.Stderr, "Launchpad authorization required. Visit:\n\n  %s\n\nthen run teamstatus again.\n", url)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "teamstatus",
		Short:         "Collect Launchpad and LeanKit state for the team status dashboard",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to teamstatus.yaml")
	root.PersistentFlags().StringVar(&opts.dbPath, "db", "", "path to the SQLite store (overrides db_path)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	root.PersistentFlags().BoolVar(&opts.replay, "replay", false, "serve cached resources without fetching")

	root.AddCommand(newRunCmd(opts), newCollectCmd(opts), newLoginCmd(opts), newStatusCmd(opts))
	return root
}

// resolveConfig loads the config file when given and applies flag overrides.
func resolveConfig(opts *options) (*collector.Config, error) {
	cfg := &collector.Config{}
	if opts.configPath != "" {
		loaded, err := collector.LoadConfigFile(opts.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if opts.dbPath != "" {
		cfg.DBPath = opts.dbPath
	}
	if opts.replay {
		cfg.Replay = true
	}
	return cfg, nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newLogger writes JSON to stderr, or to a rotated file when logFile is set.
func newLogger(level, logFile string) (*slog.Logger, io.Closer) {
	var out io.Writer = os.Stderr
	var closer io.Closer = io.NopCloser(nil)
	if logFile != "" {
		lj := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    50,
			MaxBackups: 5,
			MaxAge:     28,
			Compress:   true,
		}
		out, closer = lj, lj
	}
	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: parseLevel(level)})), closer
}

// withService builds the service for a subcommand and closes it afterwards.
func withService(cmd *cobra.Command, opts *options, fn func(ctx context.Context, svc *collector.Service, logger *slog.Logger) error) error {
	cfg, err := resolveConfig(opts)
	if err != nil {
		return err
	}
	logger, closer := newLogger(opts.logLevel, cfg.LogFile)
	defer closer.Close()
	slog.SetDefault(logger)

	svc, err := collector.New(*cfg, logger)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer svc.Close()
	return fn(cmd.Context(), svc, logger)
}
