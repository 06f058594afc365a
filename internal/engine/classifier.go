package engine

import (
	"fmt"

	"github.com/Sigma-Snaken/bio-patrol/internal/task"
)

// verdict is the classifier's decision about a failed step.
type verdict int

const (
	// verdictContinue: the failure is non-critical, the patrol moves on.
	verdictContinue verdict = iota
	// verdictSkip: mark the step's conditional targets skipped, then move on.
	verdictSkip
	// verdictAbort: the failure invalidates the rest of the plan.
	verdictAbort
)

// classify decides what one failed step means for the rest of the task.
// The order is strict:
//
//  1. A step with conditional targets never aborts; its whole purpose is
//     "if I fail, drop these dependents and keep patrolling".
//  2. Failures of bio_scan, wait, speak, and return_shelf are non-critical:
//     a missed reading or an undelivered announcement does not justify
//     abandoning the remaining beds, and a stuck shelf return is retried by
//     the cancelled-cleanup path anyway.
//  3. Everything else (navigation, docking) means the robot is not where
//     the plan assumes; continuing would execute steps against the wrong
//     physical state.
func classify(step *task.Step) verdict {
	if len(step.SkipOnFailure) > 0 {
		return verdictSkip
	}
	switch step.Action {
	case task.ActionBioScan, task.ActionWait, task.ActionSpeak, task.ActionReturnShelf:
		return verdictContinue
	}
	return verdictAbort
}

// skipReasonText renders the operator-facing reason a dependent bed was not
// visited, keyed by what actually failed. Movement failures get the wording
// the ward staff know from the reports.
func skipReasonText(failed *task.Step) string {
	switch failed.Action {
	case task.ActionMoveShelf, task.ActionMoveToLocation:
		return "robot could not move to bedside"
	default:
		return fmt.Sprintf("previous step %s failed", failed.ID)
	}
}
