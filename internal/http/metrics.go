// Package http provides the metrics, status and health endpoints of the importer.
package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/andygrunwald/greenchoice-importer/internal/importer"
)

// Metrics holds all Prometheus metrics for the importer.
type Metrics struct {
	// Portal metrics
	LoginsTotal      *prometheus.CounterVec
	LoginDuration    prometheus.Histogram
	DayFetchesTotal  *prometheus.CounterVec
	DayFetchDuration prometheus.Histogram

	// Run metrics
	RunsTotal        *prometheus.CounterVec
	RunDuration      prometheus.Histogram
	SkippedRunsTotal prometheus.Counter
	LastRunTimestamp *prometheus.GaugeVec

	// Statistic metrics
	PointsEmittedTotal *prometheus.CounterVec
	LastSum            *prometheus.GaugeVec
}

var _ importer.MetricsRecorder = (*Metrics)(nil)

// NewMetrics creates Prometheus metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		LoginsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "greenchoice_logins_total",
				Help: "Total number of portal login handshakes by status",
			},
			[]string{"status"},
		),
		LoginDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "greenchoice_login_duration_seconds",
				Help:    "Portal login handshake duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		DayFetchesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "greenchoice_day_fetches_total",
				Help: "Total number of daily consumption fetches by status",
			},
			[]string{"status"},
		),
		DayFetchDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "greenchoice_day_fetch_duration_seconds",
				Help:    "Daily consumption fetch duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		RunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "greenchoice_import_runs_total",
				Help: "Total number of import runs by status",
			},
			[]string{"status"},
		),
		RunDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "greenchoice_import_run_duration_seconds",
				Help:    "Import run duration in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
			},
		),
		SkippedRunsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "greenchoice_import_runs_skipped_total",
				Help: "Total number of import triggers skipped because a run was in progress",
			},
		),
		LastRunTimestamp: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "greenchoice_last_import_run_timestamp",
				Help: "Timestamp of the last import run by status",
			},
			[]string{"status"},
		),
		PointsEmittedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "greenchoice_points_emitted_total",
				Help: "Total number of statistic points emitted by statistic",
			},
			[]string{"statistic_id"},
		),
		LastSum: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "greenchoice_statistic_last_sum",
				Help: "Cumulative sum of the last emitted point by statistic",
			},
			[]string{"statistic_id"},
		),
	}
}

// RecordLogin records a login handshake.
func (m *Metrics) RecordLogin(status string, duration float64) {
	m.LoginsTotal.WithLabelValues(status).Inc()
	m.LoginDuration.Observe(duration)
}

// RecordDayFetch records a daily consumption fetch.
func (m *Metrics) RecordDayFetch(status string, duration float64) {
	m.DayFetchesTotal.WithLabelValues(status).Inc()
	m.DayFetchDuration.Observe(duration)
}

// RecordRun records a finished import run.
func (m *Metrics) RecordRun(status string, duration float64) {
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDuration.Observe(duration)
	m.LastRunTimestamp.WithLabelValues(status).SetToCurrentTime()
}

// RecordSkippedRun records a skipped import trigger.
func (m *Metrics) RecordSkippedRun() {
	m.SkippedRunsTotal.Inc()
}

// RecordPoints records the points emitted for a statistic.
func (m *Metrics) RecordPoints(statisticID string, count int, lastSum float64) {
	m.PointsEmittedTotal.WithLabelValues(statisticID).Add(float64(count))
	m.LastSum.WithLabelValues(statisticID).Set(lastSum)
}
