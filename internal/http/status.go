package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/andygrunwald/greenchoice-importer/internal/models"
)

// RunStatusProvider reports the state of import runs.
type RunStatusProvider interface {
	Status() models.RunStatus
}

// ScheduleProvider reports the state of the scheduler.
type ScheduleProvider interface {
	IsRunning() bool
	NextImportAt() time.Time
	LastImportAt() *time.Time
}

// DatabaseProvider reports the state of the statistics store.
type DatabaseProvider interface {
	Ping(ctx context.Context) error
	CountPoints(ctx context.Context) (int64, error)
}

// StatusHandler handles the /status endpoint. Any dependency may be nil.
type StatusHandler struct {
	runs      RunStatusProvider
	scheduler ScheduleProvider
	db        DatabaseProvider
	startTime time.Time
}

// NewStatusHandler creates a new StatusHandler.
func NewStatusHandler(runs RunStatusProvider, sched ScheduleProvider, db DatabaseProvider) *StatusHandler {
	return &StatusHandler{
		runs:      runs,
		scheduler: sched,
		db:        db,
		startTime: time.Now(),
	}
}

// ServeHTTP implements the http.Handler interface.
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	response := models.StatusResponse{
		Status:        "healthy",
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
	}

	if h.scheduler != nil {
		response.SchedulerRunning = h.scheduler.IsRunning()
		response.LastScheduledImportAt = h.scheduler.LastImportAt()
		next := h.scheduler.NextImportAt()
		if !next.IsZero() {
			response.NextImportAt = &next
		}
	}

	if h.runs != nil {
		response.Import = h.runs.Status()
	}

	response.Database = h.getDatabaseStatus(ctx)
	if !response.Database.Connected {
		response.Status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
}

func (h *StatusHandler) getDatabaseStatus(ctx context.Context) models.DatabaseStatus {
	status := models.DatabaseStatus{
		Connected: false,
	}

	if h.db == nil {
		return status
	}

	if err := h.db.Ping(ctx); err != nil {
		return status
	}
	status.Connected = true

	count, err := h.db.CountPoints(ctx)
	if err == nil {
		status.TotalPointsStored = count
	}

	return status
}
