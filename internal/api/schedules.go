package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/Sigma-Snaken/bio-patrol/internal/scheduler"
)

// ScheduleHandler exposes the patrol schedule table. Schedules themselves
// live in a JSON config file edited by ward staff; the API only reads the
// current state and triggers reloads after edits.
type ScheduleHandler struct {
	scheduler *scheduler.Scheduler
	logger    *zap.Logger
}

// NewScheduleHandler creates a new ScheduleHandler.
func NewScheduleHandler(s *scheduler.Scheduler, logger *zap.Logger) *ScheduleHandler {
	return &ScheduleHandler{
		scheduler: s,
		logger:    logger.Named("schedule_handler"),
	}
}

// listSchedulesResponse wraps the schedule entries.
type listSchedulesResponse struct {
	Items []scheduler.Entry `json:"items"`
}

// reloadResponse reports how many schedules are armed after a reload.
type reloadResponse struct {
	Active int `json:"active"`
}

// List handles GET /api/v1/schedules.
// Returns every configured entry; armed entries carry their next run time.
func (h *ScheduleHandler) List(w http.ResponseWriter, r *http.Request) {
	entries, err := h.scheduler.Entries()
	if err != nil {
		h.logger.Error("failed to read schedules", zap.Error(err))
		ErrInternal(w)
		return
	}
	if entries == nil {
		entries = []scheduler.Entry{}
	}
	Ok(w, listSchedulesResponse{Items: entries})
}

// Reload handles POST /api/v1/schedules/reload.
// Re-reads the schedule config and replaces all armed jobs, so file edits
// apply without a server restart.
func (h *ScheduleHandler) Reload(w http.ResponseWriter, r *http.Request) {
	active, err := h.scheduler.Reload(r.Context())
	if err != nil {
		h.logger.Error("failed to reload schedules", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, reloadResponse{Active: active})
}
