package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/Sigma-Snaken/bio-patrol/internal/dispatch"
	"github.com/Sigma-Snaken/bio-patrol/internal/fleet"
	"github.com/Sigma-Snaken/bio-patrol/internal/scheduler"
)

// PatrolHandler covers manual patrol control: starting a patrol outside its
// schedule and recovering a shelf the robot dropped mid-transit.
type PatrolHandler struct {
	scheduler  *scheduler.Scheduler
	dispatcher *dispatch.Dispatcher
	gateways   map[string]*fleet.Gateway
	logger     *zap.Logger
}

// NewPatrolHandler creates a new PatrolHandler.
func NewPatrolHandler(s *scheduler.Scheduler, d *dispatch.Dispatcher, gateways map[string]*fleet.Gateway, logger *zap.Logger) *PatrolHandler {
	return &PatrolHandler{
		scheduler:  s,
		dispatcher: d,
		gateways:   gateways,
		logger:     logger.Named("patrol_handler"),
	}
}

// startPatrolResponse carries the submitted patrol's id and how many beds
// it will visit.
type startPatrolResponse struct {
	TaskID    string `json:"task_id"`
	BedsCount int    `json:"beds_count"`
}

// Start handles POST /api/v1/patrol/start.
// Builds the same patrol plan a scheduled run would (the current bed order
// from the patrol config) and submits it immediately.
func (h *PatrolHandler) Start(w http.ResponseWriter, r *http.Request) {
	t, beds, err := h.scheduler.BuildPatrolTask(r.Context())
	if err != nil {
		if errors.Is(err, scheduler.ErrNoEnabledBeds) {
			ErrBadRequest(w, "no enabled beds in patrol config")
			return
		}
		h.logger.Error("failed to build patrol task", zap.Error(err))
		ErrInternal(w)
		return
	}

	if err := h.dispatcher.Submit(t); err != nil {
		if errors.Is(err, dispatch.ErrQueueFull) {
			errJSON(w, http.StatusServiceUnavailable, "task queue is full, retry shortly", "queue_full")
			return
		}
		h.logger.Error("failed to submit patrol task", zap.String("task_id", t.ID), zap.Error(err))
		ErrInternal(w)
		return
	}

	h.logger.Info("manual patrol started",
		zap.String("task_id", t.ID), zap.Int("beds", beds))
	Ok(w, startPatrolResponse{TaskID: t.ID, BedsCount: beds})
}

// recoverShelfRequest is the JSON body expected by POST /api/v1/patrol/recover-shelf.
// robot_id may be omitted when only one robot is registered.
type recoverShelfRequest struct {
	RobotID    string `json:"robot_id"`
	ShelfID    string `json:"shelf_id"`
	LocationID string `json:"location_id"`
}

// recoverShelfResponse confirms where the shelf was delivered.
type recoverShelfResponse struct {
	ShelfID    string `json:"shelf_id"`
	LocationID string `json:"location_id"`
}

// RecoverShelf handles POST /api/v1/patrol/recover-shelf.
// After a shelf drop the sensor shelf sits somewhere in a corridor; this
// sends the robot to pick it up and carry it to the given location. The
// command runs synchronously through the gateway, so the request blocks
// until the robot finishes or fails.
func (h *PatrolHandler) RecoverShelf(w http.ResponseWriter, r *http.Request) {
	var req recoverShelfRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ShelfID == "" {
		ErrBadRequest(w, "shelf_id is required")
		return
	}
	if req.LocationID == "" {
		ErrBadRequest(w, "location_id is required")
		return
	}

	gw, ok := h.resolveGateway(req.RobotID)
	if !ok {
		if req.RobotID == "" {
			ErrBadRequest(w, "robot_id is required when multiple robots are registered")
			return
		}
		ErrNotFound(w)
		return
	}

	if res := gw.MoveShelf(r.Context(), req.ShelfID, req.LocationID); !res.OK {
		ErrBadGateway(w, res.Error)
		return
	}

	h.logger.Info("shelf recovered",
		zap.String("robot_id", gw.RobotID()),
		zap.String("shelf_id", req.ShelfID),
		zap.String("location_id", req.LocationID))
	Ok(w, recoverShelfResponse{ShelfID: req.ShelfID, LocationID: req.LocationID})
}

// resolveGateway picks the gateway for robotID, falling back to the only
// registered robot when robotID is empty.
func (h *PatrolHandler) resolveGateway(robotID string) (*fleet.Gateway, bool) {
	if robotID != "" {
		gw, ok := h.gateways[robotID]
		return gw, ok
	}
	if len(h.gateways) == 1 {
		for _, gw := range h.gateways {
			return gw, true
		}
	}
	return nil, false
}
