package importer

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/andygrunwald/greenchoice-importer/internal/api"
	"github.com/andygrunwald/greenchoice-importer/internal/lock"
	"github.com/andygrunwald/greenchoice-importer/internal/models"
)

// ErrRunInProgress is returned when a run is triggered while another one holds the run lock.
var ErrRunInProgress = errors.New("import already in progress")

// Runner executes complete import runs: login, import, logout. At most one
// run holds the lock at a time; other triggers are skipped.
type Runner struct {
	connector api.Connector
	importer  *Importer
	lock      lock.Locker
	logger    zerolog.Logger

	mu     sync.RWMutex
	status models.RunStatus
}

// NewRunner creates a Runner.
func NewRunner(connector api.Connector, importer *Importer, locker lock.Locker, logger zerolog.Logger) *Runner {
	return &Runner{
		connector: connector,
		importer:  importer,
		lock:      locker,
		logger:    logger.With().Str("component", "runner").Logger(),
	}
}

// Run performs one import run. It returns ErrRunInProgress without doing
// anything if another run is active.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	release, ok, err := r.lock.TryLock(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("acquiring run lock: %w", err)
	}
	if !ok {
		r.mu.Lock()
		r.status.SkippedRuns++
		r.mu.Unlock()
		r.importer.metrics.RecordSkippedRun()
		r.logger.Warn().Msg("import already in progress, skipping run")
		return Result{}, ErrRunInProgress
	}
	defer release()

	r.mu.Lock()
	r.status.InProgress = true
	r.status.TotalRuns++
	r.mu.Unlock()

	start := time.Now()
	result, err := r.run(ctx)
	duration := time.Since(start)

	r.record(start, duration, result, err)

	if err != nil {
		r.importer.metrics.RecordRun("error", duration.Seconds())
		r.logger.Error().Err(err).Dur("duration", duration).Msg("import failed")
		return result, err
	}

	r.importer.metrics.RecordRun("success", duration.Seconds())
	r.logger.Info().
		Int("days", result.Days).
		Int("points", result.Total()).
		Dur("duration", duration).
		Msg("import completed")
	return result, nil
}

func (r *Runner) run(ctx context.Context) (Result, error) {
	start := time.Now()
	provider, err := r.connector.Connect(ctx)
	if err != nil {
		r.importer.metrics.RecordLogin("error", time.Since(start).Seconds())
		return Result{}, fmt.Errorf("logging in: %w", err)
	}
	r.importer.metrics.RecordLogin("success", time.Since(start).Seconds())

	defer func() {
		if err := provider.Close(); err != nil {
			r.logger.Warn().Err(err).Msg("failed to close session")
		}
	}()

	return r.importer.Import(ctx, provider)
}

func (r *Runner) record(start time.Time, duration time.Duration, result Result, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.status.InProgress = false
	r.status.LastRunAt = &start
	r.status.LastDurationMs = duration.Milliseconds()
	r.status.LastEmitted = maps.Clone(result.Emitted)
	if err != nil {
		r.status.TotalErrors++
		r.status.LastRunSuccess = false
		errStr := err.Error()
		r.status.LastError = &errStr
		return
	}
	r.status.LastRunSuccess = true
	r.status.LastError = nil
}

// Status returns a snapshot of the run status.
func (r *Runner) Status() models.RunStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.status
	s.LastEmitted = maps.Clone(r.status.LastEmitted)
	return s
}

// Clear removes all imported statistics. It holds the run lock so that it
// never interleaves with an import.
func (r *Runner) Clear(ctx context.Context) error {
	release, ok, err := r.lock.TryLock(ctx)
	if err != nil {
		return fmt.Errorf("acquiring run lock: %w", err)
	}
	if !ok {
		return ErrRunInProgress
	}
	defer release()
	return r.importer.Clear(ctx)
}

// Verify checks that the credentials work by logging in and fetching the
// readings of a single day. Nothing is written.
func Verify(ctx context.Context, connector api.Connector, day time.Time) error {
	provider, err := connector.Connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = provider.Close() }()

	if _, err := provider.HourlyReadings(ctx, day); err != nil {
		return err
	}
	return nil
}
