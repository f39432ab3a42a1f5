// Package scheduler triggers imports at a fixed interval.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/andygrunwald/greenchoice-importer/internal/importer"
)

// DefaultInterval is the time between two scheduled imports.
const DefaultInterval = 12 * time.Hour

// Job is the work triggered by the scheduler.
type Job interface {
	Run(ctx context.Context) (importer.Result, error)
}

// Scheduler manages the import schedule.
type Scheduler struct {
	job      Job
	interval time.Duration
	logger   zerolog.Logger

	mu           sync.RWMutex
	nextImportAt time.Time
	lastImportAt *time.Time
	running      bool
}

// New creates a new Scheduler.
func New(job Job, interval time.Duration, logger zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		job:      job,
		interval: interval,
		logger:   logger.With().Str("component", "scheduler").Logger(),
	}
}

// Start runs an initial import, then one per interval. It blocks until the
// context is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.logger.Info().Dur("interval", s.interval).Msg("starting scheduler")

	s.runImport(ctx)
	s.scheduleNext()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.runImport(ctx)
			s.scheduleNext()
		}
	}
}

func (s *Scheduler) scheduleNext() {
	next := time.Now().Add(s.interval)
	s.mu.Lock()
	s.nextImportAt = next
	s.mu.Unlock()

	s.logger.Info().
		Time("nextImport", next).
		Msg("next import scheduled")
}

// runImport triggers one import. Failures are logged, never returned.
func (s *Scheduler) runImport(ctx context.Context) {
	s.logger.Info().Msg("running scheduled import")

	now := time.Now()
	s.mu.Lock()
	s.lastImportAt = &now
	s.mu.Unlock()

	result, err := s.job.Run(ctx)
	switch {
	case errors.Is(err, importer.ErrRunInProgress):
		s.logger.Warn().Msg("previous import still running, skipping")
	case err != nil:
		s.logger.Error().Err(err).Msg("scheduled import failed")
	default:
		s.logger.Info().Int("points", result.Total()).Msg("scheduled import completed")
	}
}

// NextImportAt returns the time of the next scheduled import.
func (s *Scheduler) NextImportAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextImportAt
}

// LastImportAt returns the time of the last scheduled import.
func (s *Scheduler) LastImportAt() *time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastImportAt
}

// IsRunning returns whether the scheduler is currently running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
