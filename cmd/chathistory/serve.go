package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/scrypster/chathistory/internal/cleanup"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	var (
		metricsAddr    string
		migrateOnStart bool
		runNow         bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled retention sweeps and backup pruning until interrupted",
		Long: "Run scheduled retention sweeps and backup pruning until interrupted.\n" +
			"Archived, deleted and restored conversations are published as change\n" +
			"events so other processes sharing the root drop their cached copies.",
		Args: cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, _ []string) error {
			if migrateOnStart {
				session, err := a.migrator.BatchMigrateProjects(ctx, a.cfg.Storage.Root)
				if err != nil {
					a.logger.Error("chathistory: startup migration", "error", err)
				} else {
					a.logger.Info("chathistory: startup migration finished",
						"migrated", session.Migrated, "failed", session.Failed)
				}
			}

			sched := cleanup.NewScheduler(a.logger)
			jobs := []cleanup.Job{
				&cleanup.SweepJob{Engine: a.cleaner, Cron: a.cfg.Retention.Schedule, DryRun: a.cfg.Retention.DryRun},
			}
			if a.cfg.Retention.BackupSchedule != "" {
				jobs = append(jobs, &cleanup.BackupPruneJob{
					Root:      a.cfg.Storage.Root,
					BackupDir: a.cfg.Migration.BackupDir,
					Retention: a.cfg.Retention.Backups,
					Cron:      a.cfg.Retention.BackupSchedule,
					Logger:    a.logger,
				})
			}
			for _, j := range jobs {
				if err := sched.Register(j); err != nil {
					return err
				}
			}
			if err := sched.Start(); err != nil {
				return err
			}
			defer sched.Stop()

			if runNow {
				for _, j := range jobs {
					if _, err := sched.RunNow(ctx, j.Name()); err != nil {
						return err
					}
				}
			}

			var srv *http.Server
			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
				srv = &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						a.logger.Error("chathistory: metrics server", "error", err)
					}
				}()
				a.logger.Info("chathistory: serving metrics", "addr", metricsAddr)
			}

			a.logger.Info("chathistory: serving", "root", a.cfg.Storage.Root, "backend", a.store.Name())
			<-ctx.Done()
			a.logger.Info("chathistory: shutting down")

			if srv == nil {
				return nil
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		}),
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (disabled when empty)")
	cmd.Flags().BoolVar(&migrateOnStart, "migrate", false, "Migrate every project before scheduling")
	cmd.Flags().BoolVar(&runNow, "run-now", false, "Run every job once at startup")
	return cmd
}
