package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andygrunwald/greenchoice-importer/internal/importer"
)

type countingJob struct {
	calls atomic.Int32
	err   error
}

func (j *countingJob) Run(context.Context) (importer.Result, error) {
	j.calls.Add(1)
	return importer.Result{}, j.err
}

func TestSchedulerRunsInitialAndPeriodicImports(t *testing.T) {
	job := &countingJob{}
	s := New(job, 20*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	assert.Eventually(t, func() bool { return job.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, s.IsRunning())
	assert.NotNil(t, s.LastImportAt())
	assert.False(t, s.NextImportAt().IsZero())

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	assert.False(t, s.IsRunning())
}

func TestSchedulerSurvivesFailures(t *testing.T) {
	for _, jobErr := range []error{importer.ErrRunInProgress, errors.New("portal down")} {
		job := &countingJob{err: jobErr}
		s := New(job, 10*time.Millisecond, zerolog.Nop())

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- s.Start(ctx) }()

		assert.Eventually(t, func() bool { return job.calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
		cancel()
		<-done
	}
}

func TestNewDefaultsInterval(t *testing.T) {
	s := New(&countingJob{}, 0, zerolog.Nop())
	assert.Equal(t, DefaultInterval, s.interval)
}
