// Package importer brings the statistics store up to date with the hourly
// readings of the utility portal.
package importer

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/andygrunwald/greenchoice-importer/internal/api"
	"github.com/andygrunwald/greenchoice-importer/internal/models"
	"github.com/andygrunwald/greenchoice-importer/internal/statistics"
)

// DefaultBackfillDays is the number of days fetched when there is no
// history to bound the window.
const DefaultBackfillDays = 21

// Store is the statistics store the importer reads baselines from and
// appends points to.
type Store interface {
	// LastPoint returns the most recent point of a statistic.
	LastPoint(ctx context.Context, statisticID string) (statistics.LastStatistic, error)

	// AppendPoints appends points in one atomic batch.
	AppendPoints(ctx context.Context, meta statistics.Metadata, points []statistics.Point) error

	// Clear removes all points of the given statistics.
	Clear(ctx context.Context, statisticIDs []string) error
}

// MetricsRecorder receives import metrics. Durations are in seconds.
type MetricsRecorder interface {
	RecordLogin(status string, duration float64)
	RecordDayFetch(status string, duration float64)
	RecordRun(status string, duration float64)
	RecordSkippedRun()
	RecordPoints(statisticID string, count int, lastSum float64)
}

type noopMetrics struct{}

func (noopMetrics) RecordLogin(string, float64) {}
func (noopMetrics) RecordDayFetch(string, float64) {}
func (noopMetrics) RecordRun(string, float64) {}
func (noopMetrics) RecordSkippedRun() {}
func (noopMetrics) RecordPoints(string, int, float64) {}

// Importer computes the fetch window, merges daily readings and emits new
// cumulative points per statistic.
type Importer struct {
	store        Store
	catalog      statistics.Catalog
	logger       zerolog.Logger
	now          func() time.Time
	location     *time.Location
	backfillDays int
	policy       WindowPolicy
	metrics      MetricsRecorder
}

// Option configures an Importer.
type Option func(*Importer)

// WithClock overrides the clock used to determine today.
func WithClock(now func() time.Time) Option {
	return func(i *Importer) { i.now = now }
}

// WithLocation sets the time zone that defines calendar days.
func WithLocation(loc *time.Location) Option {
	return func(i *Importer) { i.location = loc }
}

// WithBackfillDays sets the default window length.
func WithBackfillDays(days int) Option {
	return func(i *Importer) {
		if days > 0 {
			i.backfillDays = days
		}
	}
}

// WithWindowPolicy selects how existing history sizes the window.
func WithWindowPolicy(p WindowPolicy) Option {
	return func(i *Importer) { i.policy = p }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(i *Importer) {
		if m != nil {
			i.metrics = m
		}
	}
}

// New creates an Importer for the statistics in catalog.
func New(store Store, catalog statistics.Catalog, logger zerolog.Logger, opts ...Option) *Importer {
	i := &Importer{
		store:        store,
		catalog:      catalog,
		logger:       logger.With().Str("component", "importer").Logger(),
		now:          time.Now,
		location:     time.UTC,
		backfillDays: DefaultBackfillDays,
		policy:       WindowBounded,
		metrics:      noopMetrics{},
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Result summarises one import.
type Result struct {
	// Days is the number of days fetched.
	Days int
	// Emitted is the number of new points per statistic id.
	Emitted map[string]int
}

// Total returns the number of emitted points over all statistics.
func (r Result) Total() int {
	total := 0
	for _, n := range r.Emitted {
		total += n
	}
	return total
}

// Baseline is the state of the store at the start of an import.
type Baseline struct {
	Last map[string]statistics.LastStatistic
	// Oldest is the oldest last-recorded timestamp over all statistics with history.
	Oldest time.Time
	// Complete is true when every statistic has history.
	Complete bool
}

// HasHistory reports whether any statistic has history.
func (b Baseline) HasHistory() bool {
	return !b.Oldest.IsZero()
}

// ReadBaseline queries the last recorded point of every statistic.
func (i *Importer) ReadBaseline(ctx context.Context) (Baseline, error) {
	b := Baseline{
		Last:     make(map[string]statistics.LastStatistic, i.catalog.Len()),
		Complete: true,
	}
	for _, def := range i.catalog.Definitions() {
		last, err := i.store.LastPoint(ctx, def.StatisticID())
		if err != nil {
			return Baseline{}, fmt.Errorf("reading last point of %s: %w", def.StatisticID(), err)
		}
		b.Last[def.StatisticID()] = last
		if !last.Found {
			b.Complete = false
			continue
		}
		if b.Oldest.IsZero() || last.Start.Before(b.Oldest) {
			b.Oldest = last.Start
		}
	}
	return b, nil
}

// Import runs one incremental import with an authenticated provider. A
// failed day fetch aborts the import before anything is written.
func (i *Importer) Import(ctx context.Context, provider api.Provider) (Result, error) {
	base, err := i.ReadBaseline(ctx)
	if err != nil {
		return Result{}, err
	}

	days := i.Days(base)
	i.logger.Info().
		Str("provider", provider.Name()).
		Int("days", len(days)).
		Str("from", days[0].Format(time.DateOnly)).
		Str("to", days[len(days)-1].Format(time.DateOnly)).
		Bool("history", base.HasHistory()).
		Msg("fetching hourly readings")

	readings := make(ProductReadings)
	for _, day := range days {
		start := time.Now()
		consumption, err := provider.HourlyReadings(ctx, day)
		duration := time.Since(start).Seconds()
		if err != nil {
			i.metrics.RecordDayFetch("error", duration)
			return Result{}, fmt.Errorf("fetching readings for %s: %w", day.Format(time.DateOnly), err)
		}
		i.metrics.RecordDayFetch("success", duration)
		readings.Merge(consumption)
	}

	result := Result{
		Days:    len(days),
		Emitted: make(map[string]int),
	}
	for _, def := range i.catalog.Definitions() {
		values, ok := readings[def.ProductType]
		if !ok {
			i.logger.Debug().
				Str("statisticId", def.StatisticID()).
				Str("productType", def.ProductType).
				Msg("no readings for product, skipping")
			continue
		}

		points := Accumulate(def, values, base.Last[def.StatisticID()])
		if len(points) == 0 {
			i.logger.Debug().Str("statisticId", def.StatisticID()).Msg("no new points")
			continue
		}

		if err := i.store.AppendPoints(ctx, def.Metadata(), points); err != nil {
			return result, fmt.Errorf("appending points of %s: %w", def.StatisticID(), err)
		}

		last := points[len(points)-1]
		result.Emitted[def.StatisticID()] = len(points)
		i.metrics.RecordPoints(def.StatisticID(), len(points), last.Sum)
		i.logger.Info().
			Str("statisticId", def.StatisticID()).
			Int("count", len(points)).
			Time("last", last.Start).
			Float64("sum", last.Sum).
			Msg("imported statistic")
	}

	return result, nil
}

// Accumulate turns hourly readings into cumulative points, skipping every
// timestamp at or before the last recorded one. Sums continue from the
// recorded sum.
func Accumulate(def statistics.Definition, values map[time.Time]models.ConsumptionData, last statistics.LastStatistic) []statistics.Point {
	times := make([]time.Time, 0, len(values))
	for t := range values {
		if last.Found && !t.After(last.Start) {
			continue
		}
		times = append(times, t)
	}
	slices.SortFunc(times, func(a, b time.Time) int { return a.Compare(b) })

	points := make([]statistics.Point, 0, len(times))
	sum := last.Sum
	for _, t := range times {
		value := def.Value(values[t])
		sum += value
		points = append(points, statistics.Point{Start: t, State: value, Sum: sum})
	}
	return points
}

// Clear removes all points of every statistic in the catalog.
func (i *Importer) Clear(ctx context.Context) error {
	ids := i.catalog.StatisticIDs()
	if err := i.store.Clear(ctx, ids); err != nil {
		return fmt.Errorf("clearing statistics: %w", err)
	}
	i.logger.Info().Strs("statisticIds", ids).Msg("cleared statistics")
	return nil
}

// ProductReadings maps product type to hourly readings keyed by hour start.
type ProductReadings map[string]map[time.Time]models.ConsumptionData

// Merge adds one day of readings. A timestamp already present is overwritten.
func (p ProductReadings) Merge(c *models.Consumption) {
	if c == nil {
		return
	}
	for _, entry := range c.Entries {
		values, ok := p[entry.ProductType]
		if !ok {
			values = make(map[time.Time]models.ConsumptionData, len(entry.Values))
			p[entry.ProductType] = values
		}
		for t, v := range entry.Values {
			values[t] = v
		}
	}
}
