// Package main provides the entry point for the Greenchoice importer CLI.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/andygrunwald/greenchoice-importer/internal/api/greenchoice"
	"github.com/andygrunwald/greenchoice-importer/internal/config"
	"github.com/andygrunwald/greenchoice-importer/internal/database"
	"github.com/andygrunwald/greenchoice-importer/internal/importer"
	"github.com/andygrunwald/greenchoice-importer/internal/lock"
	"github.com/andygrunwald/greenchoice-importer/internal/statistics"
)

var (
	// Version is set at build time.
	Version = "dev"
	// Commit is set at build time.
	Commit = "none"
	// BuildDate is set at build time.
	BuildDate = "unknown"
)

const lockKey = "greenchoice:import-lock"

var (
	cfg        *config.Config
	configFile string
)

func main() {
	cfg = config.DefaultConfig()
	configFile = os.Getenv("CONFIG_FILE")
	if configFile != "" {
		if err := cfg.LoadFromFile(configFile); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
	cfg.LoadFromEnv()

	rootCmd := &cobra.Command{
		Use:   "greenchoice",
		Short: "Greenchoice importer - hourly energy and gas statistics from the Greenchoice portal",
		Long: `Greenchoice importer logs in to the Greenchoice customer portal, fetches hourly
electricity and gas readings and stores them as cumulative statistics in PostgreSQL.

Features:
  - Incremental imports that continue the recorded running sums
  - Scheduled imports with a single run at a time
  - Prometheus metrics endpoint
  - Status endpoint for operational visibility`,
		SilenceUsage:      true,
		PersistentPreRunE: loadConfig,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&configFile, "config", configFile, "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&cfg.PostgresDSN, "postgres-dsn", cfg.PostgresDSN, "PostgreSQL connection string")
	rootCmd.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (json, console)")
	rootCmd.PersistentFlags().StringVar(&cfg.Timezone, "timezone", cfg.Timezone, "Time zone of the portal's calendar days")
	rootCmd.PersistentFlags().DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "Timeout of a single portal request")
	rootCmd.PersistentFlags().StringVar(&cfg.SSOURL, "sso-url", cfg.SSOURL, "Base URL of the identity provider")
	rootCmd.PersistentFlags().StringVar(&cfg.PortalURL, "portal-url", cfg.PortalURL, "Base URL of the customer portal")
	rootCmd.PersistentFlags().IntVar(&cfg.BackfillDays, "backfill-days", cfg.BackfillDays, "Days fetched when history does not bound the window")
	rootCmd.PersistentFlags().StringVar(&cfg.WindowPolicy, "window-policy", cfg.WindowPolicy, "Window policy (bounded, extended)")
	rootCmd.PersistentFlags().StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address for a run lock shared between instances")

	// Add subcommands
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(clearCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig applies a --config file given on the command line. Precedence is
// file, then environment, then flags.
func loadConfig(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	if flags.Changed("config") && configFile != "" {
		changed := make(map[string]string)
		flags.Visit(func(f *pflag.Flag) {
			changed[f.Name] = f.Value.String()
		})

		if err := cfg.LoadFromFile(configFile); err != nil {
			return err
		}
		cfg.LoadFromEnv()

		for name, value := range changed {
			if err := flags.Set(name, value); err != nil {
				return fmt.Errorf("applying flag --%s: %w", name, err)
			}
		}
	}
	return cfg.Validate()
}

func setupLogger() zerolog.Logger {
	var logger zerolog.Logger

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Set log format
	if cfg.LogFormat == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	return logger
}

func newConnector(logger zerolog.Logger) (*greenchoice.Connector, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	creds := greenchoice.Credentials{Username: cfg.Username, Password: cfg.Password}
	opts := greenchoice.Options{
		SSOURL:    cfg.SSOURL,
		PortalURL: cfg.PortalURL,
		Timeout:   cfg.RequestTimeout,
		Location:  loc,
	}
	return greenchoice.NewConnector(creds, opts, logger), nil
}

func newImporter(store importer.Store, logger zerolog.Logger, metrics importer.MetricsRecorder) (*importer.Importer, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	policy, err := importer.ParseWindowPolicy(cfg.WindowPolicy)
	if err != nil {
		return nil, err
	}
	return importer.New(store, statistics.Default(), logger,
		importer.WithLocation(loc),
		importer.WithBackfillDays(cfg.BackfillDays),
		importer.WithWindowPolicy(policy),
		importer.WithMetrics(metrics),
	), nil
}

// newLocker returns the run lock: a process-local lock in front of one shared
// through Redis when configured, else through a Postgres advisory lock. The
// returned cleanup closes the Redis client, if any.
func newLocker(db *database.DB, logger zerolog.Logger) (lock.Locker, func()) {
	if cfg.RedisAddr == "" {
		return lock.All(lock.NewLocal(), db.AdvisoryLock(lockKey)), func() {}
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	logger.Info().Str("redisAddr", cfg.RedisAddr).Str("key", lockKey).Msg("using shared run lock")
	return lock.All(lock.NewLocal(), lock.NewRedis(client, lockKey, cfg.RedisLockTTL)), func() { _ = client.Close() }
}

// newRunner wires connector, importer and run lock.
func newRunner(db *database.DB, logger zerolog.Logger, metrics importer.MetricsRecorder) (*importer.Runner, func(), error) {
	connector, err := newConnector(logger)
	if err != nil {
		return nil, nil, err
	}
	imp, err := newImporter(db, logger, metrics)
	if err != nil {
		return nil, nil, err
	}
	locker, cleanup := newLocker(db, logger)
	return importer.NewRunner(connector, imp, locker, logger), cleanup, nil
}
