// Package task defines the in-memory patrol task model: tasks, steps, step
// results, and their lifecycle states. Tasks are created from the API wire
// shape, routed by the dispatcher, and mutated only by the engine and the
// cancellation path. All state changes go through the mutex-guarded methods
// so that API snapshots never observe a half-written transition.
package task

import (
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ─── Status ──────────────────────────────────────────────────────────────────

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusQueued       Status = "queued"
	StatusInProgress   Status = "in_progress"
	StatusDone         Status = "done"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
	StatusShelfDropped Status = "shelf_dropped"
)

// Terminal reports whether the status is a final state. A task enters a
// terminal state exactly once and never leaves it.
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusCancelled, StatusShelfDropped:
		return true
	}
	return false
}

// StepStatus represents the execution state of a single step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepExecuting StepStatus = "executing"
	StepSuccess   StepStatus = "success"
	StepFail      StepStatus = "fail"
	StepSkipped   StepStatus = "skipped"
)

// Terminal reports whether the step status is final.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepSuccess, StepFail, StepSkipped:
		return true
	}
	return false
}

// ─── Action ──────────────────────────────────────────────────────────────────

// Action identifies what a step does when executed.
type Action string

const (
	ActionSpeak          Action = "speak"
	ActionMoveToPose     Action = "move_to_pose"
	ActionMoveToLocation Action = "move_to_location"
	ActionDockShelf      Action = "dock_shelf"
	ActionUndockShelf    Action = "undock_shelf"
	ActionMoveShelf      Action = "move_shelf"
	ActionReturnShelf    Action = "return_shelf"
	ActionReturnHome     Action = "return_home"
	ActionBioScan        Action = "bio_scan"
	ActionWait           Action = "wait"
)

// ─── Step ────────────────────────────────────────────────────────────────────

// StepResult is the recorded outcome of one step execution.
//
// ErrorCode follows the fleet convention: 0 success, negative for internal
// faults (panic, bad params, transport exhaustion), positive for robot domain
// codes passed through verbatim.
type StepResult struct {
	Success      bool           `json:"success"`
	ErrorCode    int            `json:"error_code"`
	ErrorMessage string         `json:"error_message"`
	Data         map[string]any `json:"data,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// Step is a single parameterized action within a task. Ordering inside
// Task.Steps is immutable; only Status and Result mutate.
type Step struct {
	ID            string      `json:"step_id"`
	Action        Action      `json:"action"`
	Params        Params      `json:"params,omitempty"`
	Status        StepStatus  `json:"status"`
	SkipOnFailure []string    `json:"skip_on_failure,omitempty"`
	Result        *StepResult `json:"result,omitempty"`
}

// ─── Task ────────────────────────────────────────────────────────────────────

// Task is an ordered, robot-targeted plan of steps.
//
// The zero value is not usable; construct with New or decode from the wire
// shape and call Normalize. Concurrent access happens between the executing
// engine and the API (snapshots, cancellation), so status, metadata, and
// timestamps are only touched through the methods below.
type Task struct {
	ID         string         `json:"task_id"`
	RobotID    string         `json:"robot_id,omitempty"`
	Status     Status         `json:"status"`
	Steps      []*Step        `json:"steps"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`

	mu sync.Mutex `json:"-"`
}

// NewID returns a fresh task identifier, e.g. "task_20260824_153000_9f2c41aa".
// The timestamp prefix keeps ids sortable in logs; the UUID suffix makes them
// collision-free when two tasks are submitted in the same second.
func NewID() string {
	return fmt.Sprintf("task_%s_%s",
		time.Now().Format("20060102_150405"),
		uuid.NewString()[:8])
}

// New creates a queued task targeting robotID (empty means "first available
// robot"). Step statuses default to pending.
func New(robotID string, steps []*Step) *Task {
	t := &Task{
		ID:        NewID(),
		RobotID:   robotID,
		Status:    StatusQueued,
		Steps:     steps,
		Metadata:  map[string]any{},
		CreatedAt: time.Now(),
	}
	t.Normalize()
	return t
}

// Normalize fills defaults left empty by wire decoding: task status queued,
// step statuses pending, non-nil metadata, missing id.
func (t *Task) Normalize() {
	if t.ID == "" {
		t.ID = NewID()
	}
	if t.Status == "" {
		t.Status = StatusQueued
	}
	if t.Metadata == nil {
		t.Metadata = map[string]any{}
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	for _, s := range t.Steps {
		if s.Status == "" {
			s.Status = StepPending
		}
	}
}

// CurrentStatus returns the task status under the task lock.
func (t *Task) CurrentStatus() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Status
}

// SetStatus transitions the task to s and reports whether the transition was
// applied. Terminal states are sticky: once the task is done, failed,
// cancelled, or shelf_dropped, no further transition is accepted. Setting a
// terminal state also stamps FinishedAt.
func (t *Task) SetStatus(s Status) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Status.Terminal() {
		return false
	}
	t.Status = s
	if s.Terminal() && t.FinishedAt == nil {
		now := time.Now()
		t.FinishedAt = &now
	}
	return true
}

// MarkStarted moves the task into in_progress and stamps StartedAt. Returns
// false if the task already reached a terminal state (e.g. cancelled while
// still queued).
func (t *Task) MarkStarted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Status.Terminal() {
		return false
	}
	t.Status = StatusInProgress
	if t.StartedAt == nil {
		now := time.Now()
		t.StartedAt = &now
	}
	return true
}

// AssignRobot records the robot a free-dispatch task landed on. Tasks
// pinned at submission keep their robot.
func (t *Task) AssignRobot(robotID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.RobotID == "" {
		t.RobotID = robotID
	}
}

// Robot returns the executing (or pinned) robot id under the task lock.
func (t *Task) Robot() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.RobotID
}

// SetStepStatus transitions a step under the task lock so concurrent
// snapshots never observe a half-written update. A nil result leaves the
// step's recorded result unchanged. The step must belong to this task.
func (t *Task) SetStepStatus(s *Step, status StepStatus, result *StepResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s.Status = status
	if result != nil {
		s.Result = result
	}
}

// SetMeta stores a metadata value under the task lock.
func (t *Task) SetMeta(key string, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Metadata == nil {
		t.Metadata = map[string]any{}
	}
	t.Metadata[key] = value
}

// Meta reads a metadata value under the task lock.
func (t *Task) Meta(key string) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.Metadata[key]
	return v, ok
}

// Snapshot returns a copy of the task safe for serialization while the engine
// keeps executing the original. Steps and top-level maps are cloned; values
// nested inside metadata or result data are shared and treated as read-only.
func (t *Task) Snapshot() *Task {
	t.mu.Lock()
	defer t.mu.Unlock()

	cp := &Task{
		ID:        t.ID,
		RobotID:   t.RobotID,
		Status:    t.Status,
		Metadata:  maps.Clone(t.Metadata),
		CreatedAt: t.CreatedAt,
	}
	if t.StartedAt != nil {
		started := *t.StartedAt
		cp.StartedAt = &started
	}
	if t.FinishedAt != nil {
		finished := *t.FinishedAt
		cp.FinishedAt = &finished
	}
	cp.Steps = make([]*Step, len(t.Steps))
	for i, s := range t.Steps {
		sc := &Step{
			ID:            s.ID,
			Action:        s.Action,
			Params:        maps.Clone(s.Params),
			Status:        s.Status,
			SkipOnFailure: append([]string(nil), s.SkipOnFailure...),
		}
		if s.Result != nil {
			rc := *s.Result
			rc.Data = maps.Clone(s.Result.Data)
			sc.Result = &rc
		}
		cp.Steps[i] = sc
	}
	return cp
}
