package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Sigma-Snaken/bio-patrol/internal/fleet"
	"github.com/Sigma-Snaken/bio-patrol/internal/notify"
	"github.com/Sigma-Snaken/bio-patrol/internal/task"
)

// remainingBed identifies a bed the patrol never reached, stored in task
// metadata so a follow-up patrol can be planned from where this one stopped.
type remainingBed struct {
	BedKey     string `json:"bed_key"`
	LocationID string `json:"location_id"`
}

// handleShelfDrop ends the task after the sensor shelf was lost. trigger is
// the step whose failure revealed the drop, or nil when the polling monitor
// saw it between steps. The handler cancels whatever the robot is doing,
// snapshots where the shelf fell and which beds remain, records N/A rows for
// every unmeasured bed, alerts the operators, and sends the robot home. The
// shelf itself stays where it fell until a human re-docks it.
func (r *run) handleShelfDrop(ctx context.Context, stepIndex int, trigger *task.Step) {
	r.stopMonitor()

	cleanupCtx := context.WithoutCancel(ctx)
	if res := r.e.gateway.CancelCommand(cleanupCtx); !res.OK {
		r.log.Debug("shelf drop: cancel command failed", zap.String("error", res.Error))
	}

	locationID := "unknown"
	shelfID := r.currentShelfID
	if trigger != nil {
		if v, err := trigger.Params.MoveShelf(); err == nil {
			shelfID = v.ShelfID
			locationID = v.LocationID
		}
	}
	if shelfID == "" {
		shelfID = "unknown"
	}
	r.log.Error("shelf drop detected, interrupting patrol",
		zap.String("shelf_id", shelfID),
		zap.String("location_id", locationID),
		zap.Int("step_index", stepIndex))

	shelfPose := r.queryShelfPose(cleanupCtx, shelfID)
	remaining := r.collectRemainingBeds(stepIndex, trigger, locationID)

	r.task.SetMeta("shelf_drop", true)
	r.task.SetMeta("shelf_id", shelfID)
	r.task.SetMeta("bed_key", locationID)
	r.task.SetMeta("room", locationID)
	r.task.SetMeta("dropped_at", time.Now().Format(time.RFC3339))
	r.task.SetMeta("remaining_beds", remaining)
	r.task.SetMeta("shelf_pose", shelfPose)
	r.task.SetStatus(task.StatusShelfDropped)

	if r.e.notifier != nil {
		_ = r.e.notifier.Notify(cleanupCtx, notify.ShelfDropAlert(r.task.RobotID, shelfID))
	}

	for _, s := range r.stepsToSkipAfterDrop(stepIndex, trigger) {
		loc, _ := s.Params["location_id"].(string)
		if loc == "" {
			loc = r.targetBed
		}
		bedKey := ""
		if p, err := s.Params.BioScan(); err == nil {
			bedKey = p.BedKey
		}
		r.recordUnavailableScan(ctx, loc, bedKey, "shelf dropped, patrol interrupted", nil)
		r.task.SetStepStatus(s, task.StepSkipped, nil)
		r.publishStepStatus(s)
	}

	if res := r.e.gateway.ReturnHome(cleanupCtx); !res.OK {
		r.log.Error("shelf drop: return home failed", zap.String("error", res.Error))
	} else {
		r.log.Info("shelf drop: robot sent home")
	}
}

// queryShelfPose reads the dropped shelf's last reported pose. Best-effort:
// nil when the robot cannot be asked or does not know the shelf.
func (r *run) queryShelfPose(ctx context.Context, shelfID string) *fleet.Pose {
	res := r.e.gateway.ListShelves(ctx)
	if !res.OK {
		r.log.Warn("shelf drop: pose query failed", zap.String("error", res.Error))
		return nil
	}
	shelves, _ := res.Data["shelves"].([]fleet.Shelf)
	for _, s := range shelves {
		if s.ID == shelfID {
			pose := s.Pose
			return &pose
		}
	}
	return nil
}

// collectRemainingBeds lists the beds this patrol will not measure, in plan
// order. The bed the robot was heading to (or scanning) when the shelf fell
// comes first, then every later bed whose scan has not run.
func (r *run) collectRemainingBeds(stepIndex int, trigger *task.Step, locationID string) []remainingBed {
	remaining := []remainingBed{}
	collected := map[string]struct{}{}

	steps := r.task.Snapshot().Steps

	// Beds gated on the trigger step: the move to them already failed, so
	// their location is the trigger's own destination.
	if trigger != nil {
		for _, skipID := range trigger.SkipOnFailure {
			s := findStep(steps, skipID)
			if s == nil || s.Action != task.ActionBioScan {
				continue
			}
			bedKey := ""
			if p, err := s.Params.BioScan(); err == nil {
				bedKey = p.BedKey
			}
			remaining = append(remaining, remainingBed{BedKey: bedKey, LocationID: locationID})
			collected[skipID] = struct{}{}
		}
	}

	// Later scans that never ran. Their bed location comes from the
	// move_shelf step that gates them.
	for _, future := range steps[min(stepIndex+1, len(steps)):] {
		if future.Action != task.ActionBioScan {
			continue
		}
		if future.Status != task.StepPending && future.Status != task.StepSkipped {
			continue
		}
		if _, ok := collected[future.ID]; ok {
			continue
		}
		bedKey := ""
		if p, err := future.Params.BioScan(); err == nil {
			bedKey = p.BedKey
		}
		remaining = append(remaining, remainingBed{
			BedKey:     bedKey,
			LocationID: gatingMoveLocation(steps, future.ID),
		})
		collected[future.ID] = struct{}{}
	}

	// The bed in progress when the drop surfaced: either the scan that just
	// failed or the scan about to start. Goes first. A scan that already
	// succeeded measured its bed, so it does not remain.
	current := trigger
	if current == nil && stepIndex < len(steps) {
		current = steps[stepIndex]
	}
	if current != nil && current.Action == task.ActionBioScan && current.Status != task.StepSuccess {
		if _, ok := collected[current.ID]; !ok {
			bedKey := ""
			if p, err := current.Params.BioScan(); err == nil {
				bedKey = p.BedKey
			}
			remaining = append([]remainingBed{{BedKey: bedKey, LocationID: r.targetBed}}, remaining...)
		}
	}

	return remaining
}

// stepsToSkipAfterDrop returns the bio_scan steps that need an N/A row: the
// trigger's gated scans plus every later scan still pending. Scans already
// marked skipped were recorded when they were skipped.
func (r *run) stepsToSkipAfterDrop(stepIndex int, trigger *task.Step) []*task.Step {
	var out []*task.Step
	seen := map[string]struct{}{}

	if trigger != nil {
		for _, skipID := range trigger.SkipOnFailure {
			for _, s := range r.task.Steps {
				if s.ID == skipID && s.Action == task.ActionBioScan {
					out = append(out, s)
					seen[s.ID] = struct{}{}
				}
			}
		}
	}
	for _, future := range r.task.Steps[min(stepIndex+1, len(r.task.Steps)):] {
		if future.Action != task.ActionBioScan || future.Status != task.StepPending {
			continue
		}
		if _, ok := seen[future.ID]; ok {
			continue
		}
		out = append(out, future)
	}
	return out
}

// gatingMoveLocation finds the destination of the move_shelf step that gates
// scan stepID, or "" when the plan has no such step.
func gatingMoveLocation(steps []*task.Step, stepID string) string {
	for _, s := range steps {
		if s.Action != task.ActionMoveShelf {
			continue
		}
		for _, skipID := range s.SkipOnFailure {
			if skipID == stepID {
				if p, err := s.Params.MoveShelf(); err == nil {
					return p.LocationID
				}
				return ""
			}
		}
	}
	return ""
}

func findStep(steps []*task.Step, id string) *task.Step {
	for _, s := range steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}
