// Command chathistory manages stored conversation histories: it migrates
// legacy documents, enforces retention, and runs scheduled maintenance.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/scrypster/chathistory/internal/backends"
	"github.com/scrypster/chathistory/internal/cleanup"
	"github.com/scrypster/chathistory/internal/config"
	"github.com/scrypster/chathistory/internal/history"
	"github.com/scrypster/chathistory/internal/metrics"
	"github.com/scrypster/chathistory/internal/migration"
	"github.com/scrypster/chathistory/internal/notify"
	"github.com/scrypster/chathistory/internal/storage"
)

// Set by ldflags.
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "chathistory",
		Short:         "Conversation history storage, migration and retention",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "Path to YAML configuration file (environment only when empty)")
	root.PersistentFlags().String("log-level", "", "Override the configured log level")
	root.PersistentFlags().String("engine", "", "Override the configured storage engine")
	root.PersistentFlags().String("root", "", "Override the configured storage root")

	root.AddCommand(
		migrateCmd(),
		detectCmd(),
		cleanupCmd(),
		restoreCmd(),
		showCmd(),
		listCmd(),
		searchCmd(),
		statsCmd(),
		healthCmd(),
		snapshotCmd(),
		serveCmd(),
	)
	return root
}

// app is the wired component graph shared by the subcommands.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	store    storage.Engine
	migrator *migration.Engine
	cleaner  *cleanup.Engine
	out      io.Writer
}

// setup loads configuration and opens the storage backend. Callers must
// call close.
func setup(cmd *cobra.Command) (*app, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	if engine, _ := cmd.Flags().GetString("engine"); engine != "" {
		cfg.Storage.Engine = engine
	}
	if root, _ := cmd.Flags().GetString("root"); root != "" {
		cfg.Storage.Root = root
	}

	logger := newLogger(cmd.ErrOrStderr(), cfg.Log)
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	store, err := backends.Open(cmd.Context(), cfg.Storage.Engine, cfg.EngineConfig(), backends.Options{
		Logger: logger,
		Guard:  cfg.GuardConfig(),
	})
	if err != nil {
		return nil, err
	}

	cleaner, err := cleanup.New(store, cfg.Retention.Policy,
		cleanup.WithLogger(logger), cleanup.WithMetrics(m),
		cleanup.WithNotifier(notify.NewWriter(cfg.Storage.Root, notify.WithWriterLogger(logger))))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		metrics:  m,
		store:    store,
		migrator: migration.New(cfg.MigrationEngineConfig(), migration.WithLogger(logger), migration.WithMetrics(m)),
		cleaner:  cleaner,
		out:      cmd.OutOrStdout(),
	}, nil
}

// manager builds a history manager over the app's backend.
func (a *app) manager(opts ...history.Option) (*history.Manager, error) {
	opts = append([]history.Option{
		history.WithMigrator(a.migrator),
		history.WithLogger(a.logger),
		history.WithMetrics(a.metrics),
	}, opts...)
	return history.New(a.store, a.cfg.HistoryConfig(), opts...)
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("chathistory: close storage", "error", err)
	}
}

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// withApp adapts a command body that needs the wired app.
func withApp(run func(ctx context.Context, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd)
		if err != nil {
			return err
		}
		defer a.close()
		return run(cmd.Context(), a, args)
	}
}
