package fleet

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Pose is a robot or shelf pose in map coordinates.
type Pose struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Theta float64 `json:"theta"`
}

// Shelf describes a sensor shelf known to the robot.
type Shelf struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Pose Pose   `json:"pose"`
}

// Location describes a named navigation target (bed, home, charger).
type Location struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CommandResult is the robot's verdict on a submitted command, reported once
// the command id resolves. Success false comes with a positive domain code.
type CommandResult struct {
	Success   bool
	ErrorCode int
}

// Conn is the robot connection surface consumed by the Gateway. Command
// methods return the robot's CommandResult; a non-nil error means the command
// never reached a verdict (transport failure, timeout) and carries the gRPC
// status when available. Query methods return typed values directly.
//
// Implementations: the bundled simulator (internal/sim) and, in deployments,
// an adapter over the vendor robot SDK.
type Conn interface {
	MoveToLocation(ctx context.Context, locationID string) (CommandResult, error)
	MoveShelf(ctx context.Context, shelfID, locationID string) (CommandResult, error)
	ReturnShelf(ctx context.Context, shelfID string) (CommandResult, error)
	ReturnHome(ctx context.Context) (CommandResult, error)
	DockShelf(ctx context.Context) (CommandResult, error)
	UndockShelf(ctx context.Context) (CommandResult, error)
	MoveToPose(ctx context.Context, x, y, yaw float64) (CommandResult, error)
	Speak(ctx context.Context, text string) (CommandResult, error)
	CancelCommand(ctx context.Context) (CommandResult, error)

	// GetMovingShelfID returns the id of the shelf the robot is currently
	// carrying, or "" when it carries none.
	GetMovingShelfID(ctx context.Context) (string, error)
	ListShelves(ctx context.Context) ([]Shelf, error)
	ListLocations(ctx context.Context) ([]Location, error)
	GetPose(ctx context.Context) (Pose, error)
	GetBattery(ctx context.Context) (float64, error)
}

// Transient reports whether a transport error is worth retrying. Only the
// unavailable / deadline-exceeded / resource-exhausted tier qualifies; domain
// failures and context cancellation never do.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		return true
	}
	return false
}
