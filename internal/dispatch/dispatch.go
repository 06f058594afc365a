// Package dispatch queues patrol tasks and fans them out to per-robot
// workers. Routing rules: a task pinned to a robot goes to that robot's
// queue (an unknown robot fails the task instead of stalling the line);
// an unpinned task goes to whichever robot frees up first. Each robot runs
// at most one task at a time.
package dispatch

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Sigma-Snaken/bio-patrol/internal/fleet"
	"github.com/Sigma-Snaken/bio-patrol/internal/task"
)

var (
	// ErrUnknownTask is returned for task ids the dispatcher has never seen
	// or has already evicted from history.
	ErrUnknownTask = errors.New("dispatch: unknown task")

	// ErrAlreadyFinished is returned when cancelling a task that reached a
	// terminal state other than cancelled.
	ErrAlreadyFinished = errors.New("dispatch: task already finished")

	// ErrQueueFull is returned when the submission queue is saturated.
	ErrQueueFull = errors.New("dispatch: queue full")

	// ErrTaskRunning is returned when deleting a task that is executing on a
	// robot. It must be cancelled first.
	ErrTaskRunning = errors.New("dispatch: task is running, cancel it first")

	// ErrRobotExists is returned when registering a robot id twice.
	ErrRobotExists = errors.New("dispatch: robot already registered")

	// ErrStarted is returned when registering robots after Start.
	ErrStarted = errors.New("dispatch: already started")
)

// Runner executes one task to a terminal status. Implemented by
// engine.Engine.
type Runner interface {
	Run(ctx context.Context, t *task.Task)
}

// RobotControl is the slice of the fleet gateway the dispatcher needs for
// cancellation. Implemented by fleet.Gateway.
type RobotControl interface {
	CancelCommand(ctx context.Context) fleet.Result
}

// Config configures a Dispatcher.
type Config struct {
	Logger *zap.Logger

	// QueueSize bounds the submission queue and each robot queue.
	// 0 means 16.
	QueueSize int

	// HistoryLimit caps how many finished tasks stay queryable. 0 means 200.
	// Running and queued tasks are never evicted.
	HistoryLimit int
}

// Dispatcher owns the task registry, the submission queue, and the per-robot
// workers.
type Dispatcher struct {
	logger    *zap.Logger
	queueSize int

	submissions chan *task.Task
	unpinned    chan *task.Task

	mu     sync.RWMutex
	robots map[string]*robotRunner

	registry *registry

	started atomic.Bool
	wg      sync.WaitGroup
}

// robotRunner is one robot's execution lane.
type robotRunner struct {
	id      string
	runner  Runner
	control RobotControl
	queue   chan *task.Task
	current atomic.Pointer[task.Task]
}

// New creates a Dispatcher. Register robots, then Start.
func New(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 200
	}
	return &Dispatcher{
		logger:      cfg.Logger.Named("dispatch"),
		queueSize:   cfg.QueueSize,
		submissions: make(chan *task.Task, cfg.QueueSize),
		unpinned:    make(chan *task.Task, cfg.QueueSize),
		robots:      map[string]*robotRunner{},
		registry:    newRegistry(cfg.HistoryLimit),
	}
}

// RegisterRobot adds an execution lane for one robot. Must be called before
// Start.
func (d *Dispatcher) RegisterRobot(id string, runner Runner, control RobotControl) error {
	if d.started.Load() {
		return ErrStarted
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.robots[id]; ok {
		return ErrRobotExists
	}
	d.robots[id] = &robotRunner{
		id:      id,
		runner:  runner,
		control: control,
		queue:   make(chan *task.Task, d.queueSize),
	}
	return nil
}

// Start launches the routing loop and one worker per registered robot. All
// goroutines exit when ctx is cancelled; Wait joins them.
func (d *Dispatcher) Start(ctx context.Context) {
	if !d.started.CompareAndSwap(false, true) {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.routeLoop(ctx)
	}()

	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, r := range d.robots {
		d.wg.Add(1)
		go func(r *robotRunner) {
			defer d.wg.Done()
			d.workerLoop(ctx, r)
		}(r)
	}
	d.logger.Info("dispatcher started", zap.Int("robots", len(d.robots)))
}

// Wait blocks until every dispatcher goroutine has exited. Call after
// cancelling the Start context.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Submit registers t and queues it for execution. The task is queryable via
// Get as soon as Submit returns.
func (d *Dispatcher) Submit(t *task.Task) error {
	d.registry.add(t)
	select {
	case d.submissions <- t:
		d.logger.Info("task submitted",
			zap.String("task_id", t.ID), zap.String("robot_id", t.Robot()))
		return nil
	default:
		d.registry.remove(t.ID)
		return ErrQueueFull
	}
}

// Get returns the live task for id. Callers must treat it as read-only and
// use Snapshot for serialization.
func (d *Dispatcher) Get(id string) (*task.Task, error) {
	t := d.registry.get(id)
	if t == nil {
		return nil, ErrUnknownTask
	}
	return t, nil
}

// List returns all known tasks in submission order.
func (d *Dispatcher) List() []*task.Task {
	return d.registry.list()
}

// Robots returns the registered robot ids in stable order.
func (d *Dispatcher) Robots() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.robots))
	for id := range d.robots {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Running returns the task currently executing on the given robot, nil when
// the robot is idle or unknown.
func (d *Dispatcher) Running(robotID string) *task.Task {
	r := d.runner(robotID)
	if r == nil {
		return nil
	}
	return r.current.Load()
}

// Cancel marks a task cancelled. Queued tasks are skipped when their turn
// comes; for a task in flight the robot's current command is also cancelled
// so the engine notices at the next step boundary instead of after a long
// move. Cancelling an already-cancelled task is a no-op.
func (d *Dispatcher) Cancel(ctx context.Context, id string) error {
	t := d.registry.get(id)
	if t == nil {
		return ErrUnknownTask
	}

	switch t.CurrentStatus() {
	case task.StatusCancelled:
		return nil
	case task.StatusDone, task.StatusFailed, task.StatusShelfDropped:
		return ErrAlreadyFinished
	}

	wasRunning := t.CurrentStatus() == task.StatusInProgress
	if !t.SetStatus(task.StatusCancelled) {
		// Finished in the meantime.
		if t.CurrentStatus() == task.StatusCancelled {
			return nil
		}
		return ErrAlreadyFinished
	}
	d.logger.Info("task cancelled", zap.String("task_id", id))

	if wasRunning {
		if r := d.runner(t.Robot()); r != nil && r.current.Load() == t && r.control != nil {
			if res := r.control.CancelCommand(ctx); !res.OK {
				d.logger.Warn("cancel command delivery failed",
					zap.String("task_id", id), zap.String("error", res.Error))
			}
		}
	}
	return nil
}

// Delete removes a task from the registry. A task executing on a robot must
// be cancelled first; a queued task is cancelled on the way out so a worker
// that later pulls it from its queue drops it instead of running it.
func (d *Dispatcher) Delete(id string) error {
	t := d.registry.get(id)
	if t == nil {
		return ErrUnknownTask
	}
	if t.CurrentStatus() == task.StatusInProgress {
		return ErrTaskRunning
	}
	t.SetStatus(task.StatusCancelled)
	d.registry.remove(id)
	d.logger.Info("task deleted", zap.String("task_id", id))
	return nil
}

// routeLoop moves submissions to their destination queue. Pinned tasks go to
// their robot; unknown robots fail the task here so nothing behind it stalls;
// unpinned tasks go to the shared queue the workers pull from.
func (d *Dispatcher) routeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-d.submissions:
			d.route(ctx, t)
		}
	}
}

func (d *Dispatcher) route(ctx context.Context, t *task.Task) {
	if t.CurrentStatus() == task.StatusCancelled {
		d.logger.Info("dropping task cancelled while queued", zap.String("task_id", t.ID))
		return
	}

	robotID := t.Robot()
	if robotID == "" {
		select {
		case d.unpinned <- t:
		case <-ctx.Done():
		}
		return
	}

	r := d.runner(robotID)
	if r == nil {
		d.logger.Warn("task targets unknown robot",
			zap.String("task_id", t.ID), zap.String("robot_id", robotID))
		t.SetMeta("error", "unknown robot: "+robotID)
		t.SetStatus(task.StatusFailed)
		return
	}
	select {
	case r.queue <- t:
	case <-ctx.Done():
	}
}

// workerLoop is one robot's execution lane: it takes the next task pinned to
// this robot, or (only while idle) the next unpinned task.
func (d *Dispatcher) workerLoop(ctx context.Context, r *robotRunner) {
	log := d.logger.With(zap.String("robot_id", r.id))
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-r.queue:
			d.runTask(ctx, log, r, t)
		case t := <-d.unpinned:
			d.runTask(ctx, log, r, t)
		}
	}
}

func (d *Dispatcher) runTask(ctx context.Context, log *zap.Logger, r *robotRunner, t *task.Task) {
	if t.CurrentStatus() == task.StatusCancelled {
		log.Info("skipping cancelled task", zap.String("task_id", t.ID))
		return
	}
	t.AssignRobot(r.id)

	r.current.Store(t)
	defer r.current.Store(nil)

	log.Info("task picked up", zap.String("task_id", t.ID))
	r.runner.Run(ctx, t)
}

func (d *Dispatcher) runner(robotID string) *robotRunner {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.robots[robotID]
}
