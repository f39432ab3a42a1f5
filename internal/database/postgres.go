// Package database provides the PostgreSQL statistics store.
package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	_ "embed"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"

	"github.com/andygrunwald/greenchoice-importer/internal/statistics"
)

//go:embed schema.sql
var schema string

// ErrUnitClassMismatch is returned when points are appended to an existing
// statistic under a different unit class.
var ErrUnitClassMismatch = errors.New("unit class mismatch")

// DB wraps the PostgreSQL database connection and stores cumulative statistics.
type DB struct {
	db     *sql.DB
	logger zerolog.Logger
}

// New creates a new database connection.
func New(dsn string, logger zerolog.Logger) (*DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database connection: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Test the connection
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &DB{
		db:     db,
		logger: logger.With().Str("component", "database").Logger(),
	}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks if the database connection is alive.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Migrate creates the statistics tables if they do not exist.
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	d.logger.Info().Msg("database schema is up to date")
	return nil
}

// LastPoint returns the most recent point of a statistic. Found is false if
// the statistic has no points.
func (d *DB) LastPoint(ctx context.Context, statisticID string) (statistics.LastStatistic, error) {
	query := `
		SELECT start_ts, sum FROM statistics
		WHERE statistic_id = $1
		ORDER BY start_ts DESC
		LIMIT 1
	`

	var last statistics.LastStatistic
	err := d.db.QueryRowContext(ctx, query, statisticID).Scan(&last.Start, &last.Sum)
	if errors.Is(err, sql.ErrNoRows) {
		return statistics.LastStatistic{}, nil
	}
	if err != nil {
		return statistics.LastStatistic{}, fmt.Errorf("querying last point: %w", err)
	}
	last.Start = last.Start.UTC()
	last.Found = true
	return last, nil
}

// AppendPoints upserts the statistic metadata and inserts the points in one
// transaction. Points that already exist are left untouched.
func (d *DB) AppendPoints(ctx context.Context, meta statistics.Metadata, points []statistics.Point) (err error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var existingClass string
	err = tx.QueryRowContext(ctx,
		`SELECT unit_class FROM statistics_meta WHERE statistic_id = $1 FOR UPDATE`,
		meta.StatisticID,
	).Scan(&existingClass)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		err = nil
	case err != nil:
		return fmt.Errorf("reading metadata: %w", err)
	case existingClass != meta.UnitClass:
		return fmt.Errorf("%w: %s is %s, got %s", ErrUnitClassMismatch, meta.StatisticID, existingClass, meta.UnitClass)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO statistics_meta (statistic_id, source, name, unit, unit_class, has_sum, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (statistic_id)
		DO UPDATE SET
			source = EXCLUDED.source,
			name = EXCLUDED.name,
			unit = EXCLUDED.unit,
			has_sum = EXCLUDED.has_sum,
			updated_at = EXCLUDED.updated_at
	`, meta.StatisticID, meta.Source, meta.Name, meta.Unit, meta.UnitClass, meta.HasSum)
	if err != nil {
		return fmt.Errorf("upserting metadata: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO statistics (statistic_id, start_ts, state, sum)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (statistic_id, start_ts) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range points {
		if _, err = stmt.ExecContext(ctx, meta.StatisticID, p.Start.UTC(), p.State, p.Sum); err != nil {
			return fmt.Errorf("inserting point %s: %w", p.Start.Format(time.RFC3339), err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	d.logger.Debug().
		Str("statisticId", meta.StatisticID).
		Int("count", len(points)).
		Msg("appended points")

	return nil
}

// Clear deletes the points and metadata of the given statistics in one transaction.
func (d *DB) Clear(ctx context.Context, statisticIDs []string) (err error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var deleted int64
	for _, id := range statisticIDs {
		res, err := tx.ExecContext(ctx, `DELETE FROM statistics WHERE statistic_id = $1`, id)
		if err != nil {
			return fmt.Errorf("deleting points of %s: %w", id, err)
		}
		n, _ := res.RowsAffected()
		deleted += n

		if _, err := tx.ExecContext(ctx, `DELETE FROM statistics_meta WHERE statistic_id = $1`, id); err != nil {
			return fmt.Errorf("deleting metadata of %s: %w", id, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	d.logger.Info().
		Int("statistics", len(statisticIDs)).
		Int64("points", deleted).
		Msg("cleared statistics")

	return nil
}

// CountPoints returns the total number of stored points.
func (d *DB) CountPoints(ctx context.Context) (int64, error) {
	var count int64
	err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM statistics").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting points: %w", err)
	}
	return count, nil
}

// AdvisoryLock is a run lock held as a session-level PostgreSQL advisory
// lock, shared by every process using the same database.
type AdvisoryLock struct {
	db  *sql.DB
	key int64
}

// AdvisoryLock returns the advisory lock identified by name.
func (d *DB) AdvisoryLock(name string) *AdvisoryLock {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return &AdvisoryLock{db: d.db, key: int64(h.Sum64())}
}

// TryLock acquires the lock without waiting. The lock lives on a dedicated
// connection that is returned to the pool on release.
func (l *AdvisoryLock) TryLock(ctx context.Context) (func(), bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("reserving connection: %w", err)
	}

	var ok bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, l.key).Scan(&ok); err != nil {
		_ = conn.Close()
		return nil, false, fmt.Errorf("acquiring advisory lock: %w", err)
	}
	if !ok {
		_ = conn.Close()
		return nil, false, nil
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			// the run context may already be cancelled
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, l.key); err != nil {
				// a broken connection ends the session and with it the lock
				_ = conn.Raw(func(any) error { return driver.ErrBadConn })
			}
			_ = conn.Close()
		})
	}
	return release, true, nil
}
