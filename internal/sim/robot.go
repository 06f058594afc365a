// Package sim provides the bundled robot driver: an in-memory fleet.Conn
// with scripted fault injection, plus a sensor feed implementing
// sensor.Reader. It exists so the server runs end-to-end without hardware:
// development, demos, and the engine test suite all drive it. Real
// deployments swap in an adapter over the vendor SDK.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Sigma-Snaken/bio-patrol/internal/fleet"
)

// CodeUnknownTarget is the sim-local domain code for commands that name a
// shelf or location the robot does not know.
const CodeUnknownTarget = 13001

// Config describes one simulated robot.
type Config struct {
	RobotID   string
	Shelves   []fleet.Shelf
	Locations []fleet.Location
	Home      fleet.Pose
	Battery   float64 // percent; 0 defaults to 100

	// Latency is an artificial per-operation delay, context-aware. Useful
	// to make cancellation and monitor timing observable in tests.
	Latency time.Duration
}

// fault is one scripted failure, consumed per matching operation.
type fault struct {
	transport bool
	code      int
}

// Robot is an in-memory robot holding shelves, locations, pose, and battery.
// All command and query methods are safe for concurrent use; the shelf
// monitor polls GetMovingShelfID while the engine issues commands.
type Robot struct {
	mu        sync.Mutex
	id        string
	latency   time.Duration
	shelves   []fleet.Shelf
	locations []fleet.Location
	pose      fleet.Pose
	home      fleet.Pose
	battery   float64
	carrying  string // shelf id currently docked, "" when none
	spoken    []string
	faults    map[string][]fault
}

// New creates a simulated robot from cfg.
func New(cfg Config) *Robot {
	if cfg.Battery == 0 {
		cfg.Battery = 100
	}
	return &Robot{
		id:        cfg.RobotID,
		latency:   cfg.Latency,
		shelves:   append([]fleet.Shelf(nil), cfg.Shelves...),
		locations: append([]fleet.Location(nil), cfg.Locations...),
		pose:      cfg.Home,
		home:      cfg.Home,
		battery:   cfg.Battery,
		faults:    map[string][]fault{},
	}
}

// ─── Fault injection ─────────────────────────────────────────────────────────

// FailNext scripts the next n calls of op to fail with the given robot
// domain code. Op names match the gateway operation names
// ("move_shelf", "return_shelf", ...).
func (r *Robot) FailNext(op string, code, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < n; i++ {
		r.faults[op] = append(r.faults[op], fault{code: code})
	}
}

// FailTransport scripts the next n calls of op to fail at the transport
// layer with a real gRPC Unavailable status, which the retry policy
// classifies as transient.
func (r *Robot) FailTransport(op string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < n; i++ {
		r.faults[op] = append(r.faults[op], fault{transport: true})
	}
}

// DropShelf makes the robot lose whatever shelf it is carrying, as if the
// shelf detached mid-transit. The next GetMovingShelfID reports no shelf,
// which is how the shelf monitor detects the drop.
func (r *Robot) DropShelf() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.carrying = ""
}

// Carrying returns the id of the shelf currently docked, "" when none.
func (r *Robot) Carrying() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.carrying
}

// Spoken returns everything the robot was asked to say, in order.
func (r *Robot) Spoken() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.spoken...)
}

// takeFault pops the oldest scripted failure for op, if one is queued.
func (r *Robot) takeFault(op string) (fault, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	queue := r.faults[op]
	if len(queue) == 0 {
		return fault{}, false
	}
	f := queue[0]
	r.faults[op] = queue[1:]
	return f, true
}

// begin applies the artificial latency and any scripted failure for op.
// done=true means the caller should return (cr, err) as-is.
func (r *Robot) begin(ctx context.Context, op string) (cr fleet.CommandResult, err error, done bool) {
	if err := r.sleep(ctx); err != nil {
		return fleet.CommandResult{}, err, true
	}
	f, ok := r.takeFault(op)
	if !ok {
		return fleet.CommandResult{}, nil, false
	}
	if f.transport {
		return fleet.CommandResult{}, status.Error(codes.Unavailable, "sim: injected transport fault"), true
	}
	return fleet.CommandResult{Success: false, ErrorCode: f.code}, nil, true
}

func (r *Robot) sleep(ctx context.Context) error {
	if r.latency <= 0 {
		return nil
	}
	timer := time.NewTimer(r.latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return status.FromContextError(ctx.Err()).Err()
	case <-timer.C:
		return nil
	}
}

// ─── Commands ────────────────────────────────────────────────────────────────

func (r *Robot) MoveToLocation(ctx context.Context, locationID string) (fleet.CommandResult, error) {
	if cr, err, done := r.begin(ctx, "move_to_location"); done {
		return cr, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hasLocation(locationID) {
		return fleet.CommandResult{Success: false, ErrorCode: CodeUnknownTarget}, nil
	}
	return fleet.CommandResult{Success: true}, nil
}

func (r *Robot) MoveShelf(ctx context.Context, shelfID, locationID string) (fleet.CommandResult, error) {
	if cr, err, done := r.begin(ctx, "move_shelf"); done {
		return cr, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hasShelf(shelfID) || !r.hasLocation(locationID) {
		return fleet.CommandResult{Success: false, ErrorCode: CodeUnknownTarget}, nil
	}
	if r.carrying != "" && r.carrying != shelfID {
		return fleet.CommandResult{Success: false, ErrorCode: fleet.CodeNotDocked}, nil
	}
	r.carrying = shelfID
	return fleet.CommandResult{Success: true}, nil
}

func (r *Robot) ReturnShelf(ctx context.Context, shelfID string) (fleet.CommandResult, error) {
	if cr, err, done := r.begin(ctx, "return_shelf"); done {
		return cr, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.carrying != shelfID {
		return fleet.CommandResult{Success: false, ErrorCode: fleet.CodeNotDocked}, nil
	}
	r.carrying = ""
	return fleet.CommandResult{Success: true}, nil
}

func (r *Robot) ReturnHome(ctx context.Context) (fleet.CommandResult, error) {
	if cr, err, done := r.begin(ctx, "return_home"); done {
		return cr, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pose = r.home
	return fleet.CommandResult{Success: true}, nil
}

// DockShelf docks the first configured shelf, standing in for "the shelf in
// front of the robot". Docking while already carrying is a no-op success.
func (r *Robot) DockShelf(ctx context.Context) (fleet.CommandResult, error) {
	if cr, err, done := r.begin(ctx, "dock_shelf"); done {
		return cr, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.carrying != "" {
		return fleet.CommandResult{Success: true}, nil
	}
	if len(r.shelves) == 0 {
		return fleet.CommandResult{Success: false, ErrorCode: fleet.CodeNotDocked}, nil
	}
	r.carrying = r.shelves[0].ID
	return fleet.CommandResult{Success: true}, nil
}

func (r *Robot) UndockShelf(ctx context.Context) (fleet.CommandResult, error) {
	if cr, err, done := r.begin(ctx, "undock_shelf"); done {
		return cr, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.carrying == "" {
		return fleet.CommandResult{Success: false, ErrorCode: fleet.CodeNotDocked}, nil
	}
	r.carrying = ""
	return fleet.CommandResult{Success: true}, nil
}

func (r *Robot) MoveToPose(ctx context.Context, x, y, yaw float64) (fleet.CommandResult, error) {
	if cr, err, done := r.begin(ctx, "move_to_pose"); done {
		return cr, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pose = fleet.Pose{X: x, Y: y, Theta: yaw}
	return fleet.CommandResult{Success: true}, nil
}

func (r *Robot) Speak(ctx context.Context, text string) (fleet.CommandResult, error) {
	if cr, err, done := r.begin(ctx, "speak"); done {
		return cr, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spoken = append(r.spoken, text)
	return fleet.CommandResult{Success: true}, nil
}

func (r *Robot) CancelCommand(ctx context.Context) (fleet.CommandResult, error) {
	if cr, err, done := r.begin(ctx, "cancel_command"); done {
		return cr, err
	}
	return fleet.CommandResult{Success: true}, nil
}

// ─── Queries ─────────────────────────────────────────────────────────────────
//
// Scripted faults on queries only honor the transport kind; a domain code
// makes no sense for a typed read and is reported as an invalid-argument
// status instead.

func (r *Robot) GetMovingShelfID(ctx context.Context) (string, error) {
	if err := r.queryFault(ctx, "get_moving_shelf"); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.carrying, nil
}

func (r *Robot) ListShelves(ctx context.Context) ([]fleet.Shelf, error) {
	if err := r.queryFault(ctx, "list_shelves"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]fleet.Shelf(nil), r.shelves...), nil
}

func (r *Robot) ListLocations(ctx context.Context) ([]fleet.Location, error) {
	if err := r.queryFault(ctx, "list_locations"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]fleet.Location(nil), r.locations...), nil
}

func (r *Robot) GetPose(ctx context.Context) (fleet.Pose, error) {
	if err := r.queryFault(ctx, "get_pose"); err != nil {
		return fleet.Pose{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pose, nil
}

func (r *Robot) GetBattery(ctx context.Context) (float64, error) {
	if err := r.queryFault(ctx, "get_battery"); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.battery, nil
}

func (r *Robot) queryFault(ctx context.Context, op string) error {
	if err := r.sleep(ctx); err != nil {
		return err
	}
	f, ok := r.takeFault(op)
	if !ok {
		return nil
	}
	if f.transport {
		return status.Error(codes.Unavailable, "sim: injected transport fault")
	}
	return status.Error(codes.InvalidArgument,
		fmt.Sprintf("sim: domain fault %d scripted on query %s", f.code, op))
}

func (r *Robot) hasShelf(id string) bool {
	for _, s := range r.shelves {
		if s.ID == id {
			return true
		}
	}
	return false
}

func (r *Robot) hasLocation(id string) bool {
	for _, l := range r.locations {
		if l.ID == id {
			return true
		}
	}
	return false
}
