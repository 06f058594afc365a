package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Sigma-Snaken/bio-patrol/internal/dispatch"
	"github.com/Sigma-Snaken/bio-patrol/internal/task"
)

// TaskHandler groups all task-related HTTP handlers. Tasks live in the
// dispatcher's in-memory registry; the API serializes snapshots so a task
// mutating mid-request never produces a torn response.
type TaskHandler struct {
	dispatcher *dispatch.Dispatcher
	logger     *zap.Logger
}

// NewTaskHandler creates a new TaskHandler.
func NewTaskHandler(dispatcher *dispatch.Dispatcher, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{
		dispatcher: dispatcher,
		logger:     logger.Named("task_handler"),
	}
}

// -----------------------------------------------------------------------------
// Request / response types
// -----------------------------------------------------------------------------

// createStepRequest is one step in a task submission.
type createStepRequest struct {
	ID            string         `json:"step_id"`
	Action        string         `json:"action"`
	Params        map[string]any `json:"params"`
	SkipOnFailure []string       `json:"skip_on_failure"`
}

// createTaskRequest is the JSON body expected by POST /api/v1/tasks.
// Status, timestamps, and metadata are server-owned and not accepted from
// clients. An empty robot_id means "first available robot".
type createTaskRequest struct {
	TaskID  string              `json:"task_id"`
	RobotID string              `json:"robot_id"`
	Steps   []createStepRequest `json:"steps"`
}

// createTaskResponse carries the id the caller needs to track the task.
type createTaskResponse struct {
	TaskID string `json:"task_id"`
}

// listTasksResponse wraps the full task list. The registry is bounded, so
// the list is not paginated.
type listTasksResponse struct {
	Items []*task.Task `json:"items"`
	Total int          `json:"total"`
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// Create handles POST /api/v1/tasks.
// Validates the step plan (unknown actions, duplicate step ids, dangling
// skip_on_failure references) before the task enters the queue, so a bad
// plan never reaches a robot.
func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	steps := make([]*task.Step, len(req.Steps))
	for i, s := range req.Steps {
		steps[i] = &task.Step{
			ID:            s.ID,
			Action:        task.Action(s.Action),
			Params:        task.Params(s.Params),
			SkipOnFailure: s.SkipOnFailure,
		}
	}

	t := &task.Task{ID: req.TaskID, RobotID: req.RobotID, Steps: steps}
	t.Normalize()

	if err := t.Validate(); err != nil {
		ErrBadRequest(w, err.Error())
		return
	}

	if err := h.dispatcher.Submit(t); err != nil {
		if errors.Is(err, dispatch.ErrQueueFull) {
			errJSON(w, http.StatusServiceUnavailable, "task queue is full, retry shortly", "queue_full")
			return
		}
		h.logger.Error("failed to submit task", zap.String("task_id", t.ID), zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, createTaskResponse{TaskID: t.ID})
}

// List handles GET /api/v1/tasks.
// Returns every task the dispatcher still remembers, in submission order.
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	live := h.dispatcher.List()
	items := make([]*task.Task, len(live))
	for i, t := range live {
		items[i] = t.Snapshot()
	}
	Ok(w, listTasksResponse{Items: items, Total: len(items)})
}

// GetByID handles GET /api/v1/tasks/{taskID}.
func (h *TaskHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	t, err := h.dispatcher.Get(chi.URLParam(r, "taskID"))
	if err != nil {
		ErrNotFound(w)
		return
	}
	Ok(w, t.Snapshot())
}

// Cancel handles POST /api/v1/tasks/{taskID}/cancel.
// Cancelling a queued task drops it before pickup; cancelling a running task
// also interrupts the robot's current command. Cancelling an already
// cancelled task succeeds and returns the task unchanged.
func (h *TaskHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")

	if err := h.dispatcher.Cancel(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, dispatch.ErrUnknownTask):
			ErrNotFound(w)
		case errors.Is(err, dispatch.ErrAlreadyFinished):
			ErrBadRequest(w, "task already finished")
		default:
			h.logger.Error("failed to cancel task", zap.String("task_id", id), zap.Error(err))
			ErrInternal(w)
		}
		return
	}

	t, err := h.dispatcher.Get(id)
	if err != nil {
		ErrNotFound(w)
		return
	}
	Ok(w, t.Snapshot())
}

// Delete handles DELETE /api/v1/tasks/{taskID}.
// A task executing on a robot cannot be deleted; cancel it first.
func (h *TaskHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")

	if err := h.dispatcher.Delete(id); err != nil {
		switch {
		case errors.Is(err, dispatch.ErrUnknownTask):
			ErrNotFound(w)
		case errors.Is(err, dispatch.ErrTaskRunning):
			ErrBadRequest(w, "task is running, cancel it first")
		default:
			h.logger.Error("failed to delete task", zap.String("task_id", id), zap.Error(err))
			ErrInternal(w)
		}
		return
	}

	NoContent(w)
}
