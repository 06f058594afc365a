package fleet

import "fmt"

// Robot domain error codes observed in the field, plus the reserved internal
// sentinel. Positive codes pass through from the robot unchanged; only the
// ones the engine reasons about are named here.
const (
	CodeOK              = 0
	CodeInternal        = -1    // library fault, bad params, transport exhaustion
	CodeInterrupted     = 10001 // command interrupted (cancel or collision); ambiguous alone
	CodeMoveInterrupted = 11005
	CodeNotDocked       = 14606
	CodeDockOccupied    = 14605
	CodeRobotPaused     = 21051
	CodeStepDetected    = 21052
)

var codeText = map[int]string{
	CodeOK:              "success",
	CodeInternal:        "internal error",
	CodeInterrupted:     "command interrupted",
	CodeMoveInterrupted: "move interrupted",
	CodeNotDocked:       "not docked with shelf",
	CodeDockOccupied:    "cannot place shelf on charging dock",
	CodeRobotPaused:     "robot paused",
	CodeStepDetected:    "step detected",
}

// CodeText returns a human-readable message for a robot error code.
func CodeText(code int) string {
	if msg, ok := codeText[code]; ok {
		return msg
	}
	return fmt.Sprintf("unknown error code: %d", code)
}

// Result is the structured outcome of every Gateway operation. Protocol-level
// conditions never surface as Go errors to callers; they arrive here as
// data, with ErrorCode distinguishing the three tiers: 0 success, negative
// internal, positive robot domain codes.
type Result struct {
	OK        bool           `json:"ok"`
	ErrorCode int            `json:"error_code"`
	Error     string         `json:"error"`
	Data      map[string]any `json:"data,omitempty"`

	// cause preserves the underlying transport error, when there was one,
	// so the retry policy can classify transience. Never serialized.
	cause error
}

// Transient reports whether the failure behind this result is a retryable
// transport condition.
func (r Result) Transient() bool {
	return !r.OK && Transient(r.cause)
}

func okResult(data map[string]any) Result {
	return Result{OK: true, ErrorCode: CodeOK, Data: data}
}

func domainResult(code int) Result {
	return Result{OK: false, ErrorCode: code, Error: CodeText(code)}
}

func transportResult(err error) Result {
	return Result{
		OK:        false,
		ErrorCode: CodeInternal,
		Error:     fmt.Sprintf("transport: %v", err),
		cause:     err,
	}
}

func internalResult(msg string) Result {
	return Result{OK: false, ErrorCode: CodeInternal, Error: msg}
}
