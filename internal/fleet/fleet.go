// Package fleet wraps a robot connection behind typed per-robot operations
// that never raise for protocol-level conditions: every call returns a
// structured Result carrying ok / error_code / error text / data. This is the
// single place where RPC errors surface as data: the engine above reasons
// about Results only, and the retry policy classifies transport transience
// from the gRPC status preserved inside the Result.
//
// The package also hosts the retry policy, the local name resolver, and the
// per-gateway poll metrics that end up in task metadata.
package fleet

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Default per-attempt operation timeouts. Moves are long-running navigation
// commands; returns are shorter; queries answer from robot state.
const (
	DefaultMoveTimeout   = 120 * time.Second
	DefaultReturnTimeout = 60 * time.Second
	miscTimeout          = 30 * time.Second
	queryTimeout         = 10 * time.Second
)

// OpObserver receives one observation per gateway operation. Implemented by
// the Prometheus metrics registry; nil disables external observation.
type OpObserver interface {
	ObserveFleetOp(op string, d time.Duration, success bool)
}

// Config configures a Gateway.
type Config struct {
	RobotID string
	Conn    Conn
	Logger  *zap.Logger

	// MoveTimeout and ReturnTimeout override the per-attempt defaults
	// when non-zero.
	MoveTimeout   time.Duration
	ReturnTimeout time.Duration

	// Observer is optional.
	Observer OpObserver
}

// Gateway is the typed wrapper over one robot connection.
type Gateway struct {
	robotID       string
	conn          Conn
	moveTimeout   time.Duration
	returnTimeout time.Duration
	metrics       *Metrics
	obs           OpObserver
	logger        *zap.Logger
}

// New creates a Gateway for a single robot.
func New(cfg Config) *Gateway {
	if cfg.MoveTimeout == 0 {
		cfg.MoveTimeout = DefaultMoveTimeout
	}
	if cfg.ReturnTimeout == 0 {
		cfg.ReturnTimeout = DefaultReturnTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Gateway{
		robotID:       cfg.RobotID,
		conn:          cfg.Conn,
		moveTimeout:   cfg.MoveTimeout,
		returnTimeout: cfg.ReturnTimeout,
		metrics:       &Metrics{},
		obs:           cfg.Observer,
		logger:        cfg.Logger.Named("fleet").With(zap.String("robot_id", cfg.RobotID)),
	}
}

// RobotID returns the robot this gateway talks to.
func (g *Gateway) RobotID() string { return g.robotID }

// Metrics returns the gateway's in-memory poll counters.
func (g *Gateway) Metrics() *Metrics { return g.metrics }

// ─── Commands ────────────────────────────────────────────────────────────────

// MoveToLocation navigates the robot to a named location.
func (g *Gateway) MoveToLocation(ctx context.Context, locationID string) Result {
	return g.command(ctx, "move_to_location", g.moveTimeout, nil,
		func(ctx context.Context) (CommandResult, error) {
			return g.conn.MoveToLocation(ctx, locationID)
		})
}

// MoveShelf docks the given shelf and carries it to a location.
func (g *Gateway) MoveShelf(ctx context.Context, shelfID, locationID string) Result {
	return g.command(ctx, "move_shelf", g.moveTimeout, nil,
		func(ctx context.Context) (CommandResult, error) {
			return g.conn.MoveShelf(ctx, shelfID, locationID)
		})
}

// ReturnShelf brings the shelf back to its home position and undocks it.
func (g *Gateway) ReturnShelf(ctx context.Context, shelfID string) Result {
	return g.command(ctx, "return_shelf", g.returnTimeout, nil,
		func(ctx context.Context) (CommandResult, error) {
			return g.conn.ReturnShelf(ctx, shelfID)
		})
}

// ReturnHome sends the robot to its charger.
func (g *Gateway) ReturnHome(ctx context.Context) Result {
	return g.command(ctx, "return_home", g.returnTimeout, nil,
		func(ctx context.Context) (CommandResult, error) {
			return g.conn.ReturnHome(ctx)
		})
}

// DockShelf docks with the shelf directly in front of the robot.
func (g *Gateway) DockShelf(ctx context.Context) Result {
	return g.command(ctx, "dock_shelf", g.moveTimeout, nil,
		func(ctx context.Context) (CommandResult, error) {
			return g.conn.DockShelf(ctx)
		})
}

// UndockShelf releases the currently docked shelf in place.
func (g *Gateway) UndockShelf(ctx context.Context) Result {
	return g.command(ctx, "undock_shelf", g.moveTimeout, nil,
		func(ctx context.Context) (CommandResult, error) {
			return g.conn.UndockShelf(ctx)
		})
}

// MoveToPose navigates to raw map coordinates.
func (g *Gateway) MoveToPose(ctx context.Context, x, y, yaw float64) Result {
	return g.command(ctx, "move_to_pose", g.moveTimeout, nil,
		func(ctx context.Context) (CommandResult, error) {
			return g.conn.MoveToPose(ctx, x, y, yaw)
		})
}

// Speak makes the robot say text out loud.
func (g *Gateway) Speak(ctx context.Context, text string) Result {
	return g.command(ctx, "speak", miscTimeout, nil,
		func(ctx context.Context) (CommandResult, error) {
			return g.conn.Speak(ctx, text)
		})
}

// CancelCommand aborts whatever command the robot is running. Safe to call
// when nothing is running.
func (g *Gateway) CancelCommand(ctx context.Context) Result {
	return g.command(ctx, "cancel_command", miscTimeout, nil,
		func(ctx context.Context) (CommandResult, error) {
			return g.conn.CancelCommand(ctx)
		})
}

// ─── Queries ─────────────────────────────────────────────────────────────────

// GetMovingShelf reports the shelf the robot currently carries. Data carries
// a "shelf_id" key only while carrying; absence means "not carrying".
func (g *Gateway) GetMovingShelf(ctx context.Context) Result {
	return g.query(ctx, "get_moving_shelf", func(ctx context.Context) (map[string]any, error) {
		id, err := g.conn.GetMovingShelfID(ctx)
		if err != nil {
			return nil, err
		}
		if id == "" {
			return map[string]any{}, nil
		}
		return map[string]any{"shelf_id": id}, nil
	})
}

// ListShelves returns all shelves with their last reported poses under the
// "shelves" data key.
func (g *Gateway) ListShelves(ctx context.Context) Result {
	return g.query(ctx, "list_shelves", func(ctx context.Context) (map[string]any, error) {
		shelves, err := g.conn.ListShelves(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"shelves": shelves}, nil
	})
}

// ListLocations returns all named locations under the "locations" data key.
func (g *Gateway) ListLocations(ctx context.Context) Result {
	return g.query(ctx, "list_locations", func(ctx context.Context) (map[string]any, error) {
		locations, err := g.conn.ListLocations(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"locations": locations}, nil
	})
}

// GetPose returns the robot pose under the "pose" data key.
func (g *Gateway) GetPose(ctx context.Context) Result {
	return g.query(ctx, "get_pose", func(ctx context.Context) (map[string]any, error) {
		pose, err := g.conn.GetPose(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"pose": pose}, nil
	})
}

// GetBattery returns the battery charge under the "percent" data key.
func (g *Gateway) GetBattery(ctx context.Context) Result {
	return g.query(ctx, "get_battery", func(ctx context.Context) (map[string]any, error) {
		pct, err := g.conn.GetBattery(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"percent": pct}, nil
	})
}

// command runs one robot command with a per-attempt timeout, converting
// transport errors, domain failures, and panics into Results.
func (g *Gateway) command(ctx context.Context, op string, timeout time.Duration,
	data map[string]any, fn func(context.Context) (CommandResult, error)) (res Result) {

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			res = internalResult(fmt.Sprintf("%s: panic: %v", op, p))
		}
		g.record(op, time.Since(start), res.OK)
	}()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cr, err := fn(ctx)
	if err != nil {
		g.logger.Debug("command transport failure",
			zap.String("op", op), zap.Error(err))
		return transportResult(err)
	}
	if !cr.Success {
		g.logger.Debug("command rejected by robot",
			zap.String("op", op), zap.Int("error_code", cr.ErrorCode))
		return domainResult(cr.ErrorCode)
	}
	return okResult(data)
}

// query runs one robot query with the query timeout.
func (g *Gateway) query(ctx context.Context, op string,
	fn func(context.Context) (map[string]any, error)) (res Result) {

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			res = internalResult(fmt.Sprintf("%s: panic: %v", op, p))
		}
		g.record(op, time.Since(start), res.OK)
	}()

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	data, err := fn(ctx)
	if err != nil {
		return transportResult(err)
	}
	return okResult(data)
}

func (g *Gateway) record(op string, d time.Duration, success bool) {
	g.metrics.Record(d, success)
	if g.obs != nil {
		g.obs.ObserveFleetOp(op, d, success)
	}
}
