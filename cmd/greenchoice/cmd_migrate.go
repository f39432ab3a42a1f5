package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/andygrunwald/greenchoice-importer/internal/database"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger()

			if err := cfg.ValidateDatabase(); err != nil {
				return err
			}

			db, err := database.New(cfg.PostgresDSN, logger)
			if err != nil {
				return fmt.Errorf("connecting to database: %w", err)
			}
			defer db.Close()

			return db.Migrate(context.Background())
		},
	}
}
