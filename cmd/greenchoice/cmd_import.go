package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/andygrunwald/greenchoice-importer/internal/database"
)

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import",
		Short: "Run a one-time import",
		Long:  "Logs in, fetches the hourly readings of the import window and appends new statistic points.",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger()

			if err := cfg.ValidateDatabase(); err != nil {
				return err
			}
			if err := cfg.ValidateCredentials(); err != nil {
				return err
			}

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

			runner, cleanup, err := newRunner(db, logger, nil)
			if err != nil {
				return err
			}
			defer cleanup()

			result, err := runner.Run(ctx)
			if err != nil {
				return fmt.Errorf("importing: %w", err)
			}

			logger.Info().
				Int("days", result.Days).
				Int("points", result.Total()).
				Msg("import completed")
			return nil
		},
	}
}
