package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/andygrunwald/greenchoice-importer/internal/database"
	"github.com/andygrunwald/greenchoice-importer/internal/http"
	"github.com/andygrunwald/greenchoice-importer/internal/scheduler"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the continuous importer service",
		Long:  "Starts the importer with an internal scheduler that imports once at start-up and then at every interval.",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger()

			if err := cfg.ValidateDatabase(); err != nil {
				return err
			}
			if err := cfg.ValidateCredentials(); err != nil {
				return err
			}

			logger.Info().
				Str("version", Version).
				Str("commit", Commit).
				Str("buildDate", BuildDate).
				Str("httpAddr", cfg.HTTPAddr).
				Dur("interval", cfg.ImportInterval).
				Msg("starting greenchoice importer")

			// Connect to database
			db, err := database.New(cfg.PostgresDSN, logger)
			if err != nil {
				return fmt.Errorf("connecting to database: %w", err)
			}
			defer db.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := db.Migrate(ctx); err != nil {
				return err
			}

			metrics := http.NewMetrics(prometheus.DefaultRegisterer)
			runner, cleanup, err := newRunner(db, logger, metrics)
			if err != nil {
				return err
			}
			defer cleanup()

			sched := scheduler.New(runner, cfg.ImportInterval, logger)
			status := http.NewStatusHandler(runner, sched, db)
			httpServer := http.NewServer(cfg.HTTPAddr, status, prometheus.DefaultGatherer, logger)

			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			// Start HTTP server in goroutine
			go func() {
				if err := httpServer.Start(); err != nil {
					logger.Error().Err(err).Msg("HTTP server error")
					cancel()
				}
			}()

			// Start scheduler in goroutine
			schedDone := make(chan struct{})
			go func() {
				defer close(schedDone)
				if err := sched.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error().Err(err).Msg("scheduler error")
					cancel()
				}
			}()

			<-ctx.Done()
			logger.Info().Msg("shutting down")

			// Graceful shutdown
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer shutdownCancel()

			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("HTTP server shutdown error")
			}

			select {
			case <-schedDone:
			case <-shutdownCtx.Done():
				logger.Warn().Msg("import did not finish before shutdown timeout")
			}

			logger.Info().Msg("shutdown complete")
			return nil
		},
	}

	cmd.Flags().StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP server address for /metrics, /status, /health")
	cmd.Flags().DurationVar(&cfg.ImportInterval, "interval", cfg.ImportInterval, "Time between scheduled imports")
	cmd.Flags().DurationVar(&cfg.RedisLockTTL, "redis-lock-ttl", cfg.RedisLockTTL, "Expiry of the shared run lock")

	return cmd
}
