package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/andygrunwald/greenchoice-importer/internal/database"
)

func clearCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove all imported statistics",
		Long:  "Deletes the points and metadata of every Greenchoice statistic. The next import starts from scratch.",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger()

			if err := cfg.ValidateDatabase(); err != nil {
				return err
			}
			if !yes {
				return fmt.Errorf("refusing to clear statistics without --yes")
			}

			// Connect to database
			db, err := database.New(cfg.PostgresDSN, logger)
			if err != nil {
				return fmt.Errorf("connecting to database: %w", err)
			}
			defer db.Close()

			runner, cleanup, err := newRunner(db, logger, nil)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := runner.Clear(context.Background()); err != nil {
				return fmt.Errorf("clearing: %w", err)
			}

			logger.Info().Msg("clear completed")
			return nil
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm deletion")

	return cmd
}
