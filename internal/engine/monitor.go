package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Sigma-Snaken/bio-patrol/internal/fleet"
)

// defaultPollInterval is how often the monitor asks the robot whether it is
// still carrying the shelf. 3 s keeps detection latency well under the
// shortest move while staying far below the robot's query rate limits.
const defaultPollInterval = 3 * time.Second

// ShelfMonitor watches one docked shelf for the duration of a patrol leg.
// It polls GetMovingShelf on a fixed interval; a clean "not carrying" answer
// means the shelf detached, which flips the shared dropped flag, fires a
// best-effort cancel of the in-flight command, and ends the watch. Transport
// errors are treated as transient and never count as a drop; only the
// robot's own positive statement does (I-am-carrying-nothing).
type ShelfMonitor struct {
	gateway  *fleet.Gateway
	shelfID  string
	interval time.Duration
	dropped  *atomic.Bool
	logger   *zap.Logger

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewShelfMonitor creates a monitor for shelfID. The dropped flag is shared
// with the engine's run state; interval <= 0 takes the default. Call Run in
// its own goroutine.
func NewShelfMonitor(gateway *fleet.Gateway, shelfID string, dropped *atomic.Bool, interval time.Duration, logger *zap.Logger) *ShelfMonitor {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &ShelfMonitor{
		gateway:  gateway,
		shelfID:  shelfID,
		interval: interval,
		dropped:  dropped,
		logger:   logger.Named("monitor").With(zap.String("shelf_id", shelfID)),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run polls until stopped, the context ends, or a drop is detected. The
// first poll happens one interval after start: the move_shelf that started
// the monitor has just confirmed the dock, so an immediate poll would only
// re-ask what is already known.
func (m *ShelfMonitor) Run(ctx context.Context) {
	defer close(m.done)
	m.logger.Debug("shelf monitor started")

	timer := time.NewTimer(m.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-timer.C:
		}

		res := m.gateway.GetMovingShelf(ctx)
		switch {
		case !res.OK:
			// Poll failures are routine (robot busy, brief network blips)
			// and must not raise a false drop alarm.
			m.logger.Debug("shelf poll failed", zap.String("error", res.Error))

		default:
			if _, carrying := res.Data["shelf_id"]; !carrying {
				m.logger.Warn("robot reports no shelf while one should be docked")
				m.dropped.Store(true)
				if cres := m.gateway.CancelCommand(ctx); !cres.OK {
					m.logger.Debug("cancel after drop detection failed",
						zap.String("error", cres.Error))
				}
				return
			}
		}

		timer.Reset(m.interval)
	}
}

// Stop ends the watch and waits for the poll loop to exit, so no poll can
// land after the caller proceeds (the return_shelf handler relies on this).
// Safe to call multiple times and after a drop already ended the loop.
func (m *ShelfMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}
