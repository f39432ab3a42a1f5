package importer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/andygrunwald/greenchoice-importer/internal/api"
	"github.com/andygrunwald/greenchoice-importer/internal/lock"
	"github.com/andygrunwald/greenchoice-importer/internal/models"
	"github.com/andygrunwald/greenchoice-importer/internal/statistics"
)

// memoryStore keeps points in memory.
type memoryStore struct {
	mu      sync.Mutex
	points  map[string][]statistics.Point
	meta    map[string]statistics.Metadata
	appends []string
	cleared [][]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		points: make(map[string][]statistics.Point),
		meta:   make(map[string]statistics.Metadata),
	}
}

func (m *memoryStore) LastPoint(_ context.Context, id string) (statistics.LastStatistic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pts := m.points[id]
	if len(pts) == 0 {
		return statistics.LastStatistic{}, nil
	}
	last := pts[len(pts)-1]
	return statistics.LastStatistic{Start: last.Start, Sum: last.Sum, Found: true}, nil
}

func (m *memoryStore) AppendPoints(_ context.Context, meta statistics.Metadata, points []statistics.Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta[meta.StatisticID] = meta
	m.points[meta.StatisticID] = append(m.points[meta.StatisticID], points...)
	m.appends = append(m.appends, meta.StatisticID)
	return nil
}

func (m *memoryStore) Clear(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleared = append(m.cleared, ids)
	for _, id := range ids {
		delete(m.points, id)
	}
	return nil
}

func (m *memoryStore) seed(id string, start time.Time, sum float64) {
	m.points[id] = append(m.points[id], statistics.Point{Start: start, Sum: sum})
}

// mockStore is a testify mock of Store.
type mockStore struct {
	mock.Mock
}

func (m *mockStore) LastPoint(ctx context.Context, id string) (statistics.LastStatistic, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(statistics.LastStatistic), args.Error(1)
}

func (m *mockStore) AppendPoints(ctx context.Context, meta statistics.Metadata, points []statistics.Point) error {
	return m.Called(ctx, meta, points).Error(0)
}

func (m *mockStore) Clear(ctx context.Context, ids []string) error {
	return m.Called(ctx, ids).Error(0)
}

// fakeProvider serves canned readings per calendar day.
type fakeProvider struct {
	mu      sync.Mutex
	days    map[string]*models.Consumption
	errs    map[string]error
	fetched []string
	closed  bool
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		days: make(map[string]*models.Consumption),
		errs: make(map[string]error),
	}
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) HourlyReadings(_ context.Context, day time.Time) (*models.Consumption, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := day.Format(time.DateOnly)
	p.fetched = append(p.fetched, key)
	if err := p.errs[key]; err != nil {
		return nil, err
	}
	if c, ok := p.days[key]; ok {
		return c, nil
	}
	return &models.Consumption{Interval: "hour", Entries: []models.ProductConsumption{}}, nil
}

func (p *fakeProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakeProvider) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// addHour registers one hourly reading for both products.
func (p *fakeProvider) addHour(t time.Time, elec, gas models.ConsumptionData) {
	key := t.Format(time.DateOnly)
	c, ok := p.days[key]
	if !ok {
		c = &models.Consumption{
			Interval: "hour",
			Entries: []models.ProductConsumption{
				{ProductType: models.ProductElectricity, Values: map[time.Time]models.ConsumptionData{}},
				{ProductType: models.ProductGas, Values: map[time.Time]models.ConsumptionData{}},
			},
		}
		p.days[key] = c
	}
	c.Entries[0].Values[t] = elec
	c.Entries[1].Values[t] = gas
}

type fakeConnector struct {
	provider *fakeProvider
	err      error
	calls    int
}

func (c *fakeConnector) Connect(context.Context) (api.Provider, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return c.provider, nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newTestImporter(store Store, now time.Time, opts ...Option) *Importer {
	opts = append([]Option{WithClock(fixedClock(now)), WithLocation(time.UTC)}, opts...)
	return New(store, statistics.Default(), zerolog.Nop(), opts...)
}

func TestImportContinuesRecordedSum(t *testing.T) {
	store := newMemoryStore()
	lastHour := time.Date(2024, 1, 10, 23, 0, 0, 0, time.UTC)
	for _, id := range statistics.Default().StatisticIDs() {
		store.seed(id, lastHour, 1000.0)
	}

	provider := newFakeProvider()
	// already recorded, must be skipped
	provider.addHour(lastHour, models.ConsumptionData{ConsumptionTotal: 9}, models.ConsumptionData{ConsumptionTotal: 9})
	provider.addHour(
		time.Date(2024, 1, 11, 0, 0, 0, 0, time.UTC),
		models.ConsumptionData{ConsumptionTotal: 0.5},
		models.ConsumptionData{ConsumptionTotal: 0.25},
	)

	imp := newTestImporter(store, time.Date(2024, 1, 12, 9, 30, 0, 0, time.UTC))
	result, err := imp.Import(context.Background(), provider)
	require.NoError(t, err)

	assert.Equal(t, []string{"2024-01-10", "2024-01-11"}, provider.fetched)
	assert.Equal(t, 2, result.Days)

	elec := store.points["greenchoice:electricity_consumption_total"]
	require.Len(t, elec, 2)
	assert.Equal(t, time.Date(2024, 1, 11, 0, 0, 0, 0, time.UTC), elec[1].Start)
	assert.Equal(t, 0.5, elec[1].State)
	assert.Equal(t, 1000.5, elec[1].Sum)

	gas := store.points["greenchoice:gas_consumption_total"]
	require.Len(t, gas, 2)
	assert.Equal(t, 1000.25, gas[1].Sum)

	meta := store.meta["greenchoice:electricity_consumption_total"]
	assert.Equal(t, "Greenchoice Electricity Consumption Total", meta.Name)
	assert.Equal(t, statistics.Source, meta.Source)
	assert.Equal(t, statistics.UnitKilowattHour, meta.Unit)
	assert.True(t, meta.HasSum)

	assert.Equal(t, 8, len(result.Emitted))
	assert.Equal(t, 8, result.Total())
}

func TestImportIsIdempotent(t *testing.T) {
	store := newMemoryStore()
	provider := newFakeProvider()
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for h := range 24 {
		provider.addHour(day.Add(time.Duration(h)*time.Hour),
			models.ConsumptionData{ConsumptionLow: 0.1, ConsumptionHigh: 0.2, ConsumptionTotal: 0.3, CostsTotalConsumption: 0.07},
			models.ConsumptionData{ConsumptionTotal: 0.05, CostsTotalConsumption: 0.06},
		)
	}

	imp := newTestImporter(store, time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC))

	first, err := imp.Import(context.Background(), provider)
	require.NoError(t, err)
	assert.Equal(t, 8*24, first.Total())

	second, err := imp.Import(context.Background(), provider)
	require.NoError(t, err)
	assert.Zero(t, second.Total())

	for _, id := range statistics.Default().StatisticIDs() {
		assert.Len(t, store.points[id], 24, id)
	}
}

func TestImportSumsAreMonotonic(t *testing.T) {
	store := newMemoryStore()
	provider := newFakeProvider()
	now := time.Date(2024, 5, 22, 8, 0, 0, 0, time.UTC)
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for h := 0; h < 21*24; h += 3 {
		v := float64(h%7) * 0.1
		provider.addHour(start.Add(time.Duration(h)*time.Hour),
			models.ConsumptionData{ConsumptionTotal: v},
			models.ConsumptionData{ConsumptionTotal: v / 2},
		)
	}

	imp := newTestImporter(store, now)
	_, err := imp.Import(context.Background(), provider)
	require.NoError(t, err)

	for _, id := range []string{"greenchoice:electricity_consumption_total", "greenchoice:gas_consumption_total"} {
		pts := store.points[id]
		require.NotEmpty(t, pts, id)
		sum := 0.0
		for k, p := range pts {
			if k > 0 {
				assert.True(t, p.Start.After(pts[k-1].Start), "%s: points out of order", id)
				assert.GreaterOrEqual(t, p.Sum, pts[k-1].Sum, "%s: sum decreased", id)
			}
			sum += p.State
			assert.InDelta(t, sum, p.Sum, 1e-9)
		}
	}
}

func TestImportSkipsAbsentProduct(t *testing.T) {
	store := newMemoryStore()
	provider := newFakeProvider()
	hour := time.Date(2024, 2, 5, 10, 0, 0, 0, time.UTC)
	provider.days["2024-02-05"] = &models.Consumption{
		Interval: "hour",
		Entries: []models.ProductConsumption{{
			ProductType: models.ProductElectricity,
			Values:      map[time.Time]models.ConsumptionData{hour: {ConsumptionTotal: 1}},
		}},
	}

	imp := newTestImporter(store, time.Date(2024, 2, 6, 0, 0, 0, 0, time.UTC))
	result, err := imp.Import(context.Background(), provider)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{
		"greenchoice:electricity_consumption_low",
		"greenchoice:electricity_consumption_high",
		"greenchoice:electricity_consumption_total",
		"greenchoice:electricity_cost_total",
	}, store.appends)
	assert.Len(t, result.Emitted, 4)
	assert.NotContains(t, result.Emitted, "greenchoice:gas_consumption_total")
}

func TestImportAbortsOnFailedDay(t *testing.T) {
	store := newMemoryStore()
	provider := newFakeProvider()
	provider.addHour(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		models.ConsumptionData{ConsumptionTotal: 1}, models.ConsumptionData{ConsumptionTotal: 1})
	errBoom := errors.New("boom")
	provider.errs["2024-02-03"] = errBoom

	imp := newTestImporter(store, time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC))
	_, err := imp.Import(context.Background(), provider)
	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)
	assert.Contains(t, err.Error(), "2024-02-03")

	assert.Empty(t, store.appends)
	assert.Equal(t, "2024-02-03", provider.fetched[len(provider.fetched)-1], "fetching stops at the failed day")
}

func TestImportSkipsEmptyStatistics(t *testing.T) {
	store := new(mockStore)
	store.On("LastPoint", mock.Anything, mock.Anything).Return(statistics.LastStatistic{}, nil)

	imp := newTestImporter(store, time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC))
	result, err := imp.Import(context.Background(), newFakeProvider())
	require.NoError(t, err)

	assert.Zero(t, result.Total())
	store.AssertNumberOfCalls(t, "LastPoint", 8)
	store.AssertNotCalled(t, "AppendPoints", mock.Anything, mock.Anything, mock.Anything)
}

func TestClearPassesAllStatisticsOnce(t *testing.T) {
	store := new(mockStore)
	ids := statistics.Default().StatisticIDs()
	store.On("Clear", mock.Anything, ids).Return(nil).Once()

	imp := newTestImporter(store, time.Now())
	require.NoError(t, imp.Clear(context.Background()))

	store.AssertExpectations(t)
	store.AssertNumberOfCalls(t, "Clear", 1)
	assert.Len(t, ids, 8)
}

func TestClearError(t *testing.T) {
	store := new(mockStore)
	store.On("Clear", mock.Anything, mock.Anything).Return(errors.New("db down"))

	imp := newTestImporter(store, time.Now())
	err := imp.Clear(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}

func TestAccumulate(t *testing.T) {
	def := statistics.Default().Definitions()[2] // electricity_consumption_total
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	values := map[time.Time]models.ConsumptionData{
		t0.Add(2 * time.Hour): {ConsumptionTotal: 3},
		t0:                    {ConsumptionTotal: 1},
		t0.Add(time.Hour):     {ConsumptionTotal: 2},
	}

	t.Run("no history", func(t *testing.T) {
		pts := Accumulate(def, values, statistics.LastStatistic{})
		require.Len(t, pts, 3)
		assert.Equal(t, []float64{1, 3, 6}, []float64{pts[0].Sum, pts[1].Sum, pts[2].Sum})
		assert.Equal(t, t0, pts[0].Start)
	})

	t.Run("skips recorded hours", func(t *testing.T) {
		pts := Accumulate(def, values, statistics.LastStatistic{Start: t0.Add(time.Hour), Sum: 10, Found: true})
		require.Len(t, pts, 1)
		assert.Equal(t, 3.0, pts[0].State)
		assert.Equal(t, 13.0, pts[0].Sum)
	})

	t.Run("nothing new", func(t *testing.T) {
		pts := Accumulate(def, values, statistics.LastStatistic{Start: t0.Add(5 * time.Hour), Sum: 10, Found: true})
		assert.Empty(t, pts)
	})
}

func TestProductReadingsMerge(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(24 * time.Hour)

	readings := make(ProductReadings)
	readings.Merge(&models.Consumption{Entries: []models.ProductConsumption{
		{ProductType: models.ProductElectricity, Values: map[time.Time]models.ConsumptionData{t0: {ConsumptionTotal: 1}}},
	}})
	readings.Merge(&models.Consumption{Entries: []models.ProductConsumption{
		{ProductType: models.ProductElectricity, Values: map[time.Time]models.ConsumptionData{
			t0: {ConsumptionTotal: 5},
			t1: {ConsumptionTotal: 2},
		}},
		{ProductType: models.ProductGas, Values: map[time.Time]models.ConsumptionData{t1: {ConsumptionTotal: 3}}},
	}})
	readings.Merge(nil)

	require.Len(t, readings, 2)
	assert.Len(t, readings[models.ProductElectricity], 2)
	assert.Equal(t, 5.0, readings[models.ProductElectricity][t0].ConsumptionTotal, "later day wins on collision")
	assert.Equal(t, 2.0, readings[models.ProductElectricity][t1].ConsumptionTotal)
	assert.Equal(t, 3.0, readings[models.ProductGas][t1].ConsumptionTotal)
}

func TestDays(t *testing.T) {
	now := time.Date(2024, 6, 30, 15, 0, 0, 0, time.UTC)
	today := time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)
	allFound := func(last time.Time) Baseline {
		return Baseline{Oldest: last, Complete: true}
	}

	tests := []struct {
		name   string
		base   Baseline
		policy WindowPolicy
		want   int
	}{
		{"no history", Baseline{Complete: false}, WindowBounded, 21},
		{"complete, recent", allFound(today.AddDate(0, 0, -5).Add(20 * time.Hour)), WindowBounded, 5},
		{"complete, yesterday", allFound(today.AddDate(0, 0, -1).Add(23 * time.Hour)), WindowBounded, 1},
		{"complete, today", allFound(today.Add(2 * time.Hour)), WindowBounded, 1},
		{"complete, old", allFound(today.AddDate(0, 0, -30)), WindowBounded, 21},
		{"incomplete", Baseline{Oldest: today.AddDate(0, 0, -3), Complete: false}, WindowBounded, 21},
		{"extended, old", allFound(today.AddDate(0, 0, -30)), WindowExtended, 30},
		{"extended, recent", allFound(today.AddDate(0, 0, -3)), WindowExtended, 21},
		{"extended, no history", Baseline{}, WindowExtended, 21},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			imp := newTestImporter(newMemoryStore(), now, WithWindowPolicy(tt.policy))
			days := imp.Days(tt.base)
			require.Len(t, days, tt.want)
			assert.Equal(t, today.AddDate(0, 0, -tt.want), days[0], "oldest day first")
			assert.Equal(t, today.AddDate(0, 0, -1), days[len(days)-1], "window ends yesterday")
		})
	}
}

func TestDaysInLocation(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Amsterdam")
	require.NoError(t, err)

	// 23:30 UTC is already the next day in Amsterdam
	now := time.Date(2024, 6, 29, 23, 30, 0, 0, time.UTC)
	imp := New(newMemoryStore(), statistics.Default(), zerolog.Nop(),
		WithClock(fixedClock(now)), WithLocation(loc), WithBackfillDays(2))

	days := imp.Days(Baseline{})
	require.Len(t, days, 2)
	assert.Equal(t, time.Date(2024, 6, 28, 0, 0, 0, 0, loc), days[0])
	assert.Equal(t, time.Date(2024, 6, 29, 0, 0, 0, 0, loc), days[1])
}

func TestParseWindowPolicy(t *testing.T) {
	p, err := ParseWindowPolicy("extended")
	require.NoError(t, err)
	assert.Equal(t, WindowExtended, p)

	_, err = ParseWindowPolicy("forever")
	assert.Error(t, err)
}

func TestRunnerRun(t *testing.T) {
	store := newMemoryStore()
	provider := newFakeProvider()
	provider.addHour(time.Date(2024, 2, 9, 4, 0, 0, 0, time.UTC),
		models.ConsumptionData{ConsumptionTotal: 1}, models.ConsumptionData{ConsumptionTotal: 2})
	connector := &fakeConnector{provider: provider}

	imp := newTestImporter(store, time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC))
	runner := NewRunner(connector, imp, lock.NewLocal(), zerolog.Nop())

	result, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8, result.Total())
	assert.True(t, provider.isClosed(), "session must be closed after the run")

	status := runner.Status()
	assert.True(t, status.LastRunSuccess)
	assert.Nil(t, status.LastError)
	assert.Equal(t, int64(1), status.TotalRuns)
	assert.False(t, status.InProgress)
	require.NotNil(t, status.LastRunAt)
	assert.Equal(t, 1, status.LastEmitted["greenchoice:gas_consumption_total"])
}

func TestRunnerClosesSessionOnFailure(t *testing.T) {
	provider := newFakeProvider()
	provider.errs["2024-02-09"] = errors.New("portal down")
	connector := &fakeConnector{provider: provider}

	imp := newTestImporter(newMemoryStore(), time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC))
	runner := NewRunner(connector, imp, lock.NewLocal(), zerolog.Nop())

	_, err := runner.Run(context.Background())
	require.Error(t, err)
	assert.True(t, provider.isClosed())

	status := runner.Status()
	assert.False(t, status.LastRunSuccess)
	require.NotNil(t, status.LastError)
	assert.Contains(t, *status.LastError, "portal down")
	assert.Equal(t, int64(1), status.TotalErrors)
}

func TestRunnerLoginFailure(t *testing.T) {
	errLogin := errors.New("bad credentials")
	connector := &fakeConnector{err: errLogin}

	imp := newTestImporter(newMemoryStore(), time.Now())
	runner := NewRunner(connector, imp, lock.NewLocal(), zerolog.Nop())

	_, err := runner.Run(context.Background())
	assert.ErrorIs(t, err, errLogin)
}

func TestRunnerSkipsWhileRunInProgress(t *testing.T) {
	connector := &fakeConnector{provider: newFakeProvider()}
	locker := lock.NewLocal()
	imp := newTestImporter(newMemoryStore(), time.Now())
	runner := NewRunner(connector, imp, locker, zerolog.Nop())

	release, ok, err := locker.TryLock(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	_, err = runner.Run(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.Zero(t, connector.calls, "a skipped run must not log in")
	assert.Equal(t, int64(1), runner.Status().SkippedRuns)

	assert.ErrorIs(t, runner.Clear(context.Background()), ErrRunInProgress)

	release()
	_, err = runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, connector.calls)
}

func TestVerify(t *testing.T) {
	day := time.Date(2024, 2, 6, 0, 0, 0, 0, time.UTC)

	t.Run("ok", func(t *testing.T) {
		provider := newFakeProvider()
		require.NoError(t, Verify(context.Background(), &fakeConnector{provider: provider}, day))
		assert.Equal(t, []string{"2024-02-06"}, provider.fetched)
		assert.True(t, provider.isClosed())
	})

	t.Run("fetch fails", func(t *testing.T) {
		provider := newFakeProvider()
		provider.errs["2024-02-06"] = errors.New("no data")
		assert.Error(t, Verify(context.Background(), &fakeConnector{provider: provider}, day))
		assert.True(t, provider.isClosed())
	})

	t.Run("login fails", func(t *testing.T) {
		assert.Error(t, Verify(context.Background(), &fakeConnector{err: errors.New("nope")}, day))
	})
}
