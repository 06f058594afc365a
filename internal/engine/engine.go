// Package engine executes patrol tasks step by step on one robot. It owns
// the semantics that make a patrol robust in a hospital ward: conditional
// skipping of unreachable beds, non-critical failure tolerance, cancellation
// at step boundaries, shelf-drop detection with cleanup, and the
// end-of-patrol summary. One Engine exists per robot; the dispatcher's
// worker goroutine is its only caller, so at most one task runs on an
// engine at a time.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Sigma-Snaken/bio-patrol/internal/db"
	"github.com/Sigma-Snaken/bio-patrol/internal/fleet"
	"github.com/Sigma-Snaken/bio-patrol/internal/notify"
	"github.com/Sigma-Snaken/bio-patrol/internal/repositories"
	"github.com/Sigma-Snaken/bio-patrol/internal/sensor"
	"github.com/Sigma-Snaken/bio-patrol/internal/task"
	"github.com/Sigma-Snaken/bio-patrol/internal/websocket"
)

// Observer counts task and step outcomes. Implemented by the Prometheus
// registry; nil disables counting.
type Observer interface {
	TaskFinished(status string)
	StepFinished(action, status string)
}

// Config wires an Engine. Gateway, Resolver, and Sensor are required;
// everything else degrades gracefully when nil (no persistence, no events,
// no notifications, no metrics).
type Config struct {
	Gateway  *fleet.Gateway
	Resolver *fleet.Resolver
	Sensor   sensor.Reader
	Scans    repositories.ScanRepository
	Notifier notify.Notifier
	Hub      *websocket.Hub
	Observer Observer
	Logger   *zap.Logger

	// PollInterval overrides the shelf monitor cadence; 0 keeps the default.
	PollInterval time.Duration
}

// Engine runs tasks for a single robot.
type Engine struct {
	gateway      *fleet.Gateway
	resolver     *fleet.Resolver
	sensor       sensor.Reader
	scans        repositories.ScanRepository
	notifier     notify.Notifier
	hub          *websocket.Hub
	obs          Observer
	pollInterval time.Duration
	logger       *zap.Logger
}

// New creates an Engine from cfg.
func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Engine{
		gateway:      cfg.Gateway,
		resolver:     cfg.Resolver,
		sensor:       cfg.Sensor,
		scans:        cfg.Scans,
		notifier:     cfg.Notifier,
		hub:          cfg.Hub,
		obs:          cfg.Observer,
		pollInterval: cfg.PollInterval,
		logger:       cfg.Logger.Named("engine"),
	}
}

// run is the per-execution state. A fresh run is built for every task so
// that skip sets, shelf tracking, and the dropped flag can never leak
// between tasks.
type run struct {
	e    *Engine
	task *task.Task
	log  *zap.Logger

	skipped     map[string]struct{}
	skipReasons map[string]skipReason

	currentShelfID string
	targetBed      string
	monitor        *ShelfMonitor
	dropped        *atomic.Bool
}

// skipReason remembers why a conditional target will be skipped, for the
// step result and the N/A scan row.
type skipReason struct {
	failedStepID string
	errorCode    int
	errorMessage string
	reason       string
}

// Run executes t to a terminal status. It always returns the task in a
// terminal state; errors along the way are encoded in step results and the
// task status rather than returned.
func (e *Engine) Run(ctx context.Context, t *task.Task) {
	r := &run{
		e:           e,
		task:        t,
		log:         e.logger.With(zap.String("task_id", t.ID), zap.String("robot_id", t.RobotID)),
		skipped:     map[string]struct{}{},
		skipReasons: map[string]skipReason{},
		dropped:     &atomic.Bool{},
	}
	r.execute(ctx)
}

func (r *run) execute(ctx context.Context) {
	// Name tables may have changed since the last patrol (new beds mapped,
	// shelves renamed). Refresh is advisory: stale tables only degrade
	// name resolution, never block a patrol.
	if err := r.e.resolver.Refresh(ctx, r.e.gateway); err != nil {
		r.log.Warn("name cache refresh failed, using previous tables", zap.Error(err))
	}

	if !r.task.MarkStarted() {
		// Cancelled (or otherwise finished) between dequeue and start.
		r.log.Info("task already terminal before start",
			zap.String("status", string(r.task.CurrentStatus())))
		return
	}
	r.log.Info("task started", zap.Int("steps", len(r.task.Steps)))
	r.publishTaskStatus()

	defer r.finish(ctx)

	for i, step := range r.task.Steps {
		if r.task.CurrentStatus() == task.StatusCancelled {
			r.log.Info("task cancelled, stopping before next step",
				zap.String("step_id", step.ID))
			break
		}

		// Drop detected by the polling monitor between steps.
		if r.dropped.Load() {
			r.handleShelfDrop(ctx, i, nil)
			break
		}

		if _, skip := r.skipped[step.ID]; skip {
			r.skipStep(ctx, step)
			continue
		}

		r.log.Info("step executing",
			zap.String("step_id", step.ID), zap.String("action", string(step.Action)))
		r.task.SetStepStatus(step, task.StepExecuting, nil)
		r.publishStepStatus(step)

		result := r.executeStep(ctx, step)

		status := task.StepSuccess
		if !result.Success {
			status = task.StepFail
		}
		r.task.SetStepStatus(step, status, &result)
		r.publishStepStatus(step)
		r.observeStep(step)

		// Drop detected while the step was running: the step keeps its own
		// outcome, but the rest of the plan is void.
		if r.dropped.Load() {
			r.handleShelfDrop(ctx, i, step)
			break
		}

		if result.Success {
			r.log.Info("step completed", zap.String("step_id", step.ID))
			continue
		}

		if r.applyFailure(step, result) {
			break
		}
	}

	if r.task.CurrentStatus() == task.StatusInProgress {
		r.task.SetStatus(task.StatusDone)
		r.log.Info("task completed successfully")
	}

	// Fold the fleet counters for this run into the task record, then zero
	// them so the next task starts clean.
	r.task.SetMeta("metrics", r.e.gateway.Metrics().Stats())
	r.e.gateway.Metrics().Reset()
}

// applyFailure applies the classifier verdict for a failed step. Returns
// true when the task must abort.
func (r *run) applyFailure(step *task.Step, result task.StepResult) bool {
	switch classify(step) {
	case verdictSkip:
		reason := skipReasonText(step)
		for _, target := range step.SkipOnFailure {
			if target == step.ID {
				continue
			}
			r.skipped[target] = struct{}{}
			r.skipReasons[target] = skipReason{
				failedStepID: step.ID,
				errorCode:    result.ErrorCode,
				errorMessage: result.ErrorMessage,
				reason:       reason,
			}
		}
		r.log.Info("step failed, skipping dependent steps",
			zap.String("step_id", step.ID),
			zap.Strings("skipping", step.SkipOnFailure),
			zap.Int("error_code", result.ErrorCode))
		return false

	case verdictContinue:
		r.log.Warn("non-critical step failed, continuing",
			zap.String("step_id", step.ID),
			zap.String("action", string(step.Action)),
			zap.Int("error_code", result.ErrorCode),
			zap.String("error", result.ErrorMessage))
		return false

	default:
		r.log.Error("critical step failed, aborting task",
			zap.String("step_id", step.ID),
			zap.String("action", string(step.Action)),
			zap.Int("error_code", result.ErrorCode),
			zap.String("error", result.ErrorMessage))
		r.task.SetStatus(task.StatusFailed)
		return true
	}
}

// skipStep marks a conditionally-skipped step and, for bio scans, records
// the bed as not measured so the report shows N/A instead of a silent gap.
func (r *run) skipStep(ctx context.Context, step *task.Step) {
	reason, ok := r.skipReasons[step.ID]
	if !ok {
		reason = skipReason{reason: "previous step failed"}
	}
	r.log.Info("step skipped by conditional logic",
		zap.String("step_id", step.ID),
		zap.String("caused_by", reason.failedStepID))

	if step.Action == task.ActionBioScan {
		bedKey := ""
		if p, err := step.Params.BioScan(); err == nil {
			bedKey = p.BedKey
		}
		r.recordUnavailableScan(ctx, r.targetBed, bedKey, reason.reason, map[string]any{
			"error_source":           reason.failedStepID,
			"original_error_code":    reason.errorCode,
			"original_error_message": reason.errorMessage,
		})
	}

	result := task.StepResult{
		Success:      false,
		ErrorCode:    reason.errorCode,
		ErrorMessage: reason.errorMessage,
		Data: map[string]any{
			"conditional_skip": true,
			"caused_by_step":   reason.failedStepID,
			"reason":           reason.reason,
		},
		Timestamp: time.Now(),
	}
	r.task.SetStepStatus(step, task.StepSkipped, &result)
	r.publishStepStatus(step)
	r.observeStep(step)
}

// finish is the deferred tail of every execution: stop the monitor, clean up
// after a cancellation, send the summary, count the outcome, and publish the
// terminal event. It must never block on the (possibly dead) run context, so
// cleanup RPCs run on a detached context bounded by the gateway timeouts.
func (r *run) finish(ctx context.Context) {
	r.stopMonitor()

	cleanupCtx := context.WithoutCancel(ctx)
	status := r.task.CurrentStatus()

	// A cancelled patrol may leave the shelf at a bedside. Bring it home
	// first, then the robot; both are best-effort.
	if status == task.StatusCancelled && r.currentShelfID != "" {
		if res := r.e.gateway.ReturnShelf(cleanupCtx, r.currentShelfID); !res.OK {
			r.log.Error("cancelled cleanup: return shelf failed",
				zap.String("shelf_id", r.currentShelfID), zap.String("error", res.Error))
		} else {
			r.log.Info("cancelled cleanup: shelf returned",
				zap.String("shelf_id", r.currentShelfID))
		}
		if res := r.e.gateway.ReturnHome(cleanupCtx); !res.OK {
			r.log.Error("cancelled cleanup: return home failed", zap.String("error", res.Error))
		}
	}

	total, scanned := r.countBioScans()
	if r.e.notifier != nil {
		_ = r.e.notifier.Notify(cleanupCtx, notify.Summary(r.task.ID, scanned, total, string(status)))
	}

	if r.e.obs != nil {
		r.e.obs.TaskFinished(string(status))
	}
	r.publishTaskStatus()
	r.log.Info("task finished", zap.String("status", string(status)),
		zap.Int("beds_scanned", scanned), zap.Int("beds_total", total))
}

// countBioScans returns (total bio_scan steps, successful ones).
func (r *run) countBioScans() (total, scanned int) {
	for _, s := range r.task.Snapshot().Steps {
		if s.Action != task.ActionBioScan {
			continue
		}
		total++
		if s.Status == task.StepSuccess {
			scanned++
		}
	}
	return total, scanned
}

// ─── Step execution ──────────────────────────────────────────────────────────

// executeStep dispatches one step to the fleet gateway or the sensor. A
// panic anywhere below surfaces as an internal-error result so a single bad
// step cannot take the worker goroutine down.
func (r *run) executeStep(ctx context.Context, step *task.Step) (result task.StepResult) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("panic during step execution",
				zap.String("step_id", step.ID), zap.Any("panic", p))
			result = task.StepResult{
				Success:      false,
				ErrorCode:    fleet.CodeInternal,
				ErrorMessage: fmt.Sprintf("engine: panic in step %s: %v", step.ID, p),
				Data:         map[string]any{"action": string(step.Action)},
				Timestamp:    time.Now(),
			}
		}
	}()

	switch step.Action {
	case task.ActionSpeak:
		p, err := step.Params.Speak()
		if err != nil {
			return paramResult(err)
		}
		res := r.e.gateway.Speak(ctx, p.Text)
		return fromResult(res, map[string]any{"speak_text": p.Text})

	case task.ActionMoveToPose:
		p, err := step.Params.MoveToPose()
		if err != nil {
			return paramResult(err)
		}
		res := r.e.gateway.MoveToPose(ctx, p.X, p.Y, p.Yaw)
		return fromResult(res, map[string]any{"x": p.X, "y": p.Y, "yaw": p.Yaw})

	case task.ActionMoveToLocation:
		p, err := step.Params.MoveToLocation()
		if err != nil {
			return paramResult(err)
		}
		loc := r.e.resolver.ResolveLocation(p.LocationID)
		res := fleet.Retry(ctx, fleet.MoveRetry, func(ctx context.Context) fleet.Result {
			return r.e.gateway.MoveToLocation(ctx, loc)
		})
		return fromResult(res, map[string]any{"location_id": loc})

	case task.ActionDockShelf:
		res := fleet.Retry(ctx, fleet.MoveRetry, func(ctx context.Context) fleet.Result {
			return r.e.gateway.DockShelf(ctx)
		})
		return fromResult(res, nil)

	case task.ActionUndockShelf:
		res := fleet.Retry(ctx, fleet.MoveRetry, func(ctx context.Context) fleet.Result {
			return r.e.gateway.UndockShelf(ctx)
		})
		return fromResult(res, nil)

	case task.ActionMoveShelf:
		return r.executeMoveShelf(ctx, step)

	case task.ActionReturnShelf:
		return r.executeReturnShelf(ctx, step)

	case task.ActionReturnHome:
		res := r.e.gateway.ReturnHome(ctx)
		return fromResult(res, nil)

	case task.ActionBioScan:
		return r.executeBioScan(ctx, step)

	case task.ActionWait:
		return r.executeWait(ctx, step)

	default:
		r.log.Error("unknown action", zap.String("action", string(step.Action)))
		return task.StepResult{
			Success:      false,
			ErrorCode:    fleet.CodeInternal,
			ErrorMessage: fmt.Sprintf("unknown action: %s", step.Action),
			Data:         map[string]any{"action": string(step.Action)},
			Timestamp:    time.Now(),
		}
	}
}

// executeMoveShelf carries the sensor shelf to a bed. The target bed is
// remembered before the attempt so that a failed move still labels the
// skipped scan's N/A row with the bed it was meant for. The shelf monitor
// starts after the first successful move and keeps watching across beds
// until return_shelf or the end of the task.
func (r *run) executeMoveShelf(ctx context.Context, step *task.Step) task.StepResult {
	p, err := step.Params.MoveShelf()
	if err != nil {
		return paramResult(err)
	}
	shelf := r.e.resolver.ResolveShelf(p.ShelfID)
	loc := r.e.resolver.ResolveLocation(p.LocationID)
	r.targetBed = loc

	res := fleet.Retry(ctx, fleet.ShelfRetry, func(ctx context.Context) fleet.Result {
		return r.e.gateway.MoveShelf(ctx, shelf, loc)
	})

	if res.OK && r.monitor == nil {
		r.currentShelfID = shelf
		r.dropped.Store(false)
		r.monitor = NewShelfMonitor(r.e.gateway, shelf, r.dropped, r.e.pollInterval, r.log)
		go r.monitor.Run(ctx)
	}

	return fromResult(res, map[string]any{"shelf_id": shelf, "location_id": loc})
}

// executeReturnShelf sends the shelf back to its home position. The monitor
// is stopped first: once the return starts, "not carrying" becomes the
// expected state, not a drop.
func (r *run) executeReturnShelf(ctx context.Context, step *task.Step) task.StepResult {
	p, err := step.Params.ReturnShelf()
	if err != nil {
		return paramResult(err)
	}
	r.stopMonitor()

	shelf := r.e.resolver.ResolveShelf(p.ShelfID)
	res := fleet.Retry(ctx, fleet.ShelfRetry, func(ctx context.Context) fleet.Result {
		return r.e.gateway.ReturnShelf(ctx, shelf)
	})
	if res.OK && shelf == r.currentShelfID {
		r.currentShelfID = ""
	}
	return fromResult(res, map[string]any{"shelf_id": shelf})
}

// executeBioScan blocks on the sensor until a valid reading arrives or the
// wait budget runs out. The reader owns scan-history persistence; the step
// result only carries the outcome.
func (r *run) executeBioScan(ctx context.Context, step *task.Step) task.StepResult {
	if r.e.sensor == nil {
		return task.StepResult{
			Success:      false,
			ErrorCode:    fleet.CodeInternal,
			ErrorMessage: "bio sensor is not available",
			Timestamp:    time.Now(),
		}
	}
	p, err := step.Params.BioScan()
	if err != nil {
		return paramResult(err)
	}

	reading, err := r.e.sensor.GetValidScanData(ctx, r.targetBed, r.task.ID, p.BedKey)
	if err != nil {
		return task.StepResult{
			Success:      false,
			ErrorCode:    fleet.CodeInternal,
			ErrorMessage: fmt.Sprintf("bio scan: %v", err),
			Timestamp:    time.Now(),
		}
	}
	if reading == nil {
		r.log.Warn("bio scan obtained no valid data",
			zap.String("step_id", step.ID), zap.String("bed", r.targetBed))
		return task.StepResult{
			Success:      false,
			ErrorCode:    fleet.CodeInternal,
			ErrorMessage: "no valid data obtained after all retries",
			Data:         map[string]any{"bed_key": p.BedKey, "location_id": r.targetBed},
			Timestamp:    time.Now(),
		}
	}

	return task.StepResult{
		Success:   true,
		ErrorCode: fleet.CodeOK,
		Data: map[string]any{
			"bed_key":     p.BedKey,
			"location_id": r.targetBed,
			"bpm":         reading.BPM,
			"rpm":         reading.RPM,
			"status":      reading.Status,
		},
		Timestamp: time.Now(),
	}
}

// executeWait sleeps for the configured duration. Cancellation cuts the
// sleep short; the step still succeeds and the loop's cancellation check
// ends the task at the next boundary.
func (r *run) executeWait(ctx context.Context, step *task.Step) task.StepResult {
	p, err := step.Params.Wait()
	if err != nil {
		return paramResult(err)
	}

	d := time.Duration(p.Seconds * float64(time.Second))
	started := time.Now()
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}

	return task.StepResult{
		Success:   true,
		ErrorCode: fleet.CodeOK,
		Data:      map[string]any{"waited_seconds": time.Since(started).Seconds()},
		Timestamp: time.Now(),
	}
}

// stopMonitor stops the shelf watch if one is running and forgets it so a
// later move_shelf can start a fresh one.
func (r *run) stopMonitor() {
	if r.monitor == nil {
		return
	}
	r.monitor.Stop()
	r.monitor = nil
}

// recordUnavailableScan writes the N/A row for a bed the patrol never
// measured. Persistence failures are logged, never propagated; the patrol
// outcome is already decided by the time these rows are written.
func (r *run) recordUnavailableScan(ctx context.Context, locationID, bedName, details string, extra map[string]any) {
	if r.e.scans == nil {
		return
	}
	dataJSON := "{}"
	if len(extra) > 0 {
		if raw, err := json.Marshal(extra); err == nil {
			dataJSON = string(raw)
		}
	}
	rec := &db.ScanRecord{
		TaskID:     r.task.ID,
		LocationID: locationID,
		BedName:    bedName,
		ScannedAt:  time.Now(),
		Status:     db.ScanStatusUnavailable,
		DataJSON:   dataJSON,
		Details:    details,
	}
	if err := r.e.scans.Append(context.WithoutCancel(ctx), rec); err != nil {
		r.log.Error("failed to record unavailable scan",
			zap.String("location_id", locationID), zap.Error(err))
	}
}

// ─── Events & conversions ────────────────────────────────────────────────────

func (r *run) publishTaskStatus() {
	if r.e.hub == nil {
		return
	}
	payload := map[string]any{
		"task_id":  r.task.ID,
		"robot_id": r.task.RobotID,
		"status":   string(r.task.CurrentStatus()),
	}
	topic := websocket.TaskTopic(r.task.ID)
	r.e.hub.Publish(topic, websocket.Message{
		Type: websocket.MsgTaskStatus, Topic: topic, Payload: payload,
	})
	r.e.hub.Publish(websocket.TopicTasks, websocket.Message{
		Type: websocket.MsgTaskStatus, Topic: websocket.TopicTasks, Payload: payload,
	})
}

func (r *run) publishStepStatus(step *task.Step) {
	if r.e.hub == nil {
		return
	}
	topic := websocket.TaskTopic(r.task.ID)
	r.e.hub.Publish(topic, websocket.Message{
		Type:  websocket.MsgStepStatus,
		Topic: topic,
		Payload: map[string]any{
			"task_id": r.task.ID,
			"step_id": step.ID,
			"action":  string(step.Action),
			"status":  string(step.Status),
		},
	})
}

func (r *run) observeStep(step *task.Step) {
	if r.e.obs == nil {
		return
	}
	r.e.obs.StepFinished(string(step.Action), string(step.Status))
}

// fromResult converts a gateway Result into a step result, merging the
// action's own data over whatever the gateway reported.
func fromResult(res fleet.Result, data map[string]any) task.StepResult {
	merged := map[string]any{}
	for k, v := range res.Data {
		merged[k] = v
	}
	for k, v := range data {
		merged[k] = v
	}
	msg := ""
	if !res.OK {
		msg = res.Error
	}
	return task.StepResult{
		Success:      res.OK,
		ErrorCode:    res.ErrorCode,
		ErrorMessage: msg,
		Data:         merged,
		Timestamp:    time.Now(),
	}
}

// paramResult reports malformed step parameters as an internal failure.
func paramResult(err error) task.StepResult {
	return task.StepResult{
		Success:      false,
		ErrorCode:    fleet.CodeInternal,
		ErrorMessage: err.Error(),
		Timestamp:    time.Now(),
	}
}
