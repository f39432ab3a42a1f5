package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/andygrunwald/greenchoice-importer/internal/api/greenchoice"
	"github.com/andygrunwald/greenchoice-importer/internal/importer"
)

// verifyLookback is how many days back the verification fetch goes; recent
// days may not be published yet.
const verifyLookback = 4

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify the portal credentials",
		Long:  "Logs in and fetches the readings of a single day. Nothing is stored.",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger()

			if err := cfg.ValidateCredentials(); err != nil {
				return err
			}

			connector, err := newConnector(logger)
			if err != nil {
				return err
			}
			loc, err := cfg.Location()
			if err != nil {
				return err
			}

			now := time.Now().In(loc)
			day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, -verifyLookback)

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			if err := importer.Verify(ctx, connector, day); err != nil {
				logger.Debug().Err(err).Msg("verification failed")
				return errors.New(verifyMessage(err))
			}

			fmt.Println("Credentials verified")
			return nil
		},
	}
}

// verifyMessage maps a verification error to the message shown to the user.
func verifyMessage(err error) string {
	if errors.Is(err, greenchoice.ErrAuthenticationFailed) {
		return "authentication failed, check your credentials"
	}
	return "unknown error"
}
