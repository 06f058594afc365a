package task

import (
	"errors"
	"fmt"
)

// ErrInvalidTask wraps all validation failures so callers can respond with a
// single bad-request class via errors.Is.
var ErrInvalidTask = errors.New("task: invalid task")

// Validate checks the structural and conditional-logic rules enforced at
// submission time:
//
//   - step ids are unique and non-empty,
//   - skip_on_failure targets reference step ids that exist in the task,
//   - no step names itself as a skip target.
//
// Unknown actions are intentionally NOT rejected here; they fail at
// execution time with an internal error code, which keeps submission
// permissive for forward compatibility with new step kinds.
func (t *Task) Validate() error {
	ids := make(map[string]struct{}, len(t.Steps))
	for _, s := range t.Steps {
		if s.ID == "" {
			return fmt.Errorf("%w: step with empty step_id", ErrInvalidTask)
		}
		if _, dup := ids[s.ID]; dup {
			return fmt.Errorf("%w: duplicate step_id %q", ErrInvalidTask, s.ID)
		}
		ids[s.ID] = struct{}{}
	}

	for _, s := range t.Steps {
		for _, target := range s.SkipOnFailure {
			if target == s.ID {
				return fmt.Errorf("%w: step %q cannot skip itself", ErrInvalidTask, s.ID)
			}
			if _, ok := ids[target]; !ok {
				return fmt.Errorf("%w: step %q references unknown skip target %q",
					ErrInvalidTask, s.ID, target)
			}
		}
	}
	return nil
}
