// Package api provides the interfaces between the import engine and utility portals.
package api

import (
	"context"
	"time"

	"github.com/andygrunwald/greenchoice-importer/internal/models"
)

// Provider is an authenticated portal session. It is owned by a single import
// run and must be closed when the run ends.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// HourlyReadings fetches the hourly readings of all products for one calendar day.
	HourlyReadings(ctx context.Context, day time.Time) (*models.Consumption, error)

	// Close invalidates the session.
	Close() error
}

// Connector opens authenticated sessions.
type Connector interface {
	// Connect performs the login handshake and returns a ready Provider.
	Connect(ctx context.Context) (Provider, error)
}
