package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Sigma-Snaken/bio-patrol/internal/dispatch"
	"github.com/Sigma-Snaken/bio-patrol/internal/fleet"
)

// RobotHandler groups robot-related HTTP handlers. Registration state and
// busy/idle come from the dispatcher; live telemetry (pose, battery, carried
// shelf) is queried from the robot through its fleet gateway on demand.
type RobotHandler struct {
	dispatcher *dispatch.Dispatcher
	gateways   map[string]*fleet.Gateway
	logger     *zap.Logger
}

// NewRobotHandler creates a new RobotHandler.
func NewRobotHandler(dispatcher *dispatch.Dispatcher, gateways map[string]*fleet.Gateway, logger *zap.Logger) *RobotHandler {
	return &RobotHandler{
		dispatcher: dispatcher,
		gateways:   gateways,
		logger:     logger.Named("robot_handler"),
	}
}

// -----------------------------------------------------------------------------
// Response types
// -----------------------------------------------------------------------------

// robotResponse is one row in the robot list.
type robotResponse struct {
	RobotID string `json:"robot_id"`
	Busy    bool   `json:"busy"`
	TaskID  string `json:"task_id,omitempty"`
}

// robotStatusResponse is the live telemetry view of one robot. Telemetry
// fields are nil when the corresponding query failed; Online is false only
// when every query failed, i.e. the robot is unreachable.
type robotStatusResponse struct {
	RobotID        string      `json:"robot_id"`
	Online         bool        `json:"online"`
	Busy           bool        `json:"busy"`
	TaskID         string      `json:"task_id,omitempty"`
	Pose           *fleet.Pose `json:"pose,omitempty"`
	BatteryPercent *float64    `json:"battery_percent,omitempty"`
	MovingShelfID  string      `json:"moving_shelf_id,omitempty"`
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// List handles GET /api/v1/robots.
// Returns every registered robot with its busy state. No robot round-trips
// happen here; use GET /robots/{robotID}/status for live telemetry.
func (h *RobotHandler) List(w http.ResponseWriter, r *http.Request) {
	ids := h.dispatcher.Robots()
	items := make([]robotResponse, len(ids))
	for i, id := range ids {
		items[i] = robotResponse{RobotID: id}
		if t := h.dispatcher.Running(id); t != nil {
			items[i].Busy = true
			items[i].TaskID = t.ID
		}
	}
	Ok(w, items)
}

// Status handles GET /api/v1/robots/{robotID}/status.
// Queries pose, battery, and the carried shelf in one round. An unreachable
// robot still answers 200 with online=false so the dashboard can render the
// offline state instead of an error page.
func (h *RobotHandler) Status(w http.ResponseWriter, r *http.Request) {
	robotID := chi.URLParam(r, "robotID")
	gw, ok := h.gateways[robotID]
	if !ok {
		ErrNotFound(w)
		return
	}

	resp := robotStatusResponse{RobotID: robotID}
	if t := h.dispatcher.Running(robotID); t != nil {
		resp.Busy = true
		resp.TaskID = t.ID
	}

	if res := gw.GetPose(r.Context()); res.OK {
		resp.Online = true
		if pose, ok := res.Data["pose"].(fleet.Pose); ok {
			resp.Pose = &pose
		}
	}
	if res := gw.GetBattery(r.Context()); res.OK {
		resp.Online = true
		if pct, ok := res.Data["percent"].(float64); ok {
			resp.BatteryPercent = &pct
		}
	}
	if res := gw.GetMovingShelf(r.Context()); res.OK {
		resp.Online = true
		if shelfID, ok := res.Data["shelf_id"].(string); ok {
			resp.MovingShelfID = shelfID
		}
	}

	Ok(w, resp)
}

// Shelves handles GET /api/v1/robots/{robotID}/shelves.
func (h *RobotHandler) Shelves(w http.ResponseWriter, r *http.Request) {
	gw, ok := h.gateways[chi.URLParam(r, "robotID")]
	if !ok {
		ErrNotFound(w)
		return
	}

	res := gw.ListShelves(r.Context())
	if !res.OK {
		ErrBadGateway(w, res.Error)
		return
	}
	shelves, _ := res.Data["shelves"].([]fleet.Shelf)
	if shelves == nil {
		shelves = []fleet.Shelf{}
	}
	Ok(w, shelves)
}

// Locations handles GET /api/v1/robots/{robotID}/locations.
func (h *RobotHandler) Locations(w http.ResponseWriter, r *http.Request) {
	gw, ok := h.gateways[chi.URLParam(r, "robotID")]
	if !ok {
		ErrNotFound(w)
		return
	}

	res := gw.ListLocations(r.Context())
	if !res.OK {
		ErrBadGateway(w, res.Error)
		return
	}
	locations, _ := res.Data["locations"].([]fleet.Location)
	if locations == nil {
		locations = []fleet.Location{}
	}
	Ok(w, locations)
}
