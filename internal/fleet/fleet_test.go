package fleet

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// fakeConn implements Conn with overridable function fields; unset fields
// report success.
type fakeConn struct {
	moveToLocation   func(ctx context.Context, locationID string) (CommandResult, error)
	moveShelf        func(ctx context.Context, shelfID, locationID string) (CommandResult, error)
	returnShelf      func(ctx context.Context, shelfID string) (CommandResult, error)
	speak            func(ctx context.Context, text string) (CommandResult, error)
	getMovingShelfID func(ctx context.Context) (string, error)
	listShelves      func(ctx context.Context) ([]Shelf, error)
}

func (f *fakeConn) MoveToLocation(ctx context.Context, locationID string) (CommandResult, error) {
	if f.moveToLocation != nil {
		return f.moveToLocation(ctx, locationID)
	}
	return CommandResult{Success: true}, nil
}

func (f *fakeConn) MoveShelf(ctx context.Context, shelfID, locationID string) (CommandResult, error) {
	if f.moveShelf != nil {
		return f.moveShelf(ctx, shelfID, locationID)
	}
	return CommandResult{Success: true}, nil
}

func (f *fakeConn) ReturnShelf(ctx context.Context, shelfID string) (CommandResult, error) {
	if f.returnShelf != nil {
		return f.returnShelf(ctx, shelfID)
	}
	return CommandResult{Success: true}, nil
}

func (f *fakeConn) ReturnHome(ctx context.Context) (CommandResult, error) {
	return CommandResult{Success: true}, nil
}

func (f *fakeConn) DockShelf(ctx context.Context) (CommandResult, error) {
	return CommandResult{Success: true}, nil
}

func (f *fakeConn) UndockShelf(ctx context.Context) (CommandResult, error) {
	return CommandResult{Success: true}, nil
}

func (f *fakeConn) MoveToPose(ctx context.Context, x, y, yaw float64) (CommandResult, error) {
	return CommandResult{Success: true}, nil
}

func (f *fakeConn) Speak(ctx context.Context, text string) (CommandResult, error) {
	if f.speak != nil {
		return f.speak(ctx, text)
	}
	return CommandResult{Success: true}, nil
}

func (f *fakeConn) CancelCommand(ctx context.Context) (CommandResult, error) {
	return CommandResult{Success: true}, nil
}

func (f *fakeConn) GetMovingShelfID(ctx context.Context) (string, error) {
	if f.getMovingShelfID != nil {
		return f.getMovingShelfID(ctx)
	}
	return "", nil
}

func (f *fakeConn) ListShelves(ctx context.Context) ([]Shelf, error) {
	if f.listShelves != nil {
		return f.listShelves(ctx)
	}
	return nil, nil
}

func (f *fakeConn) ListLocations(ctx context.Context) ([]Location, error) {
	return nil, nil
}

func (f *fakeConn) GetPose(ctx context.Context) (Pose, error) {
	return Pose{}, nil
}

func (f *fakeConn) GetBattery(ctx context.Context) (float64, error) {
	return 100, nil
}

func newTestGateway(conn Conn) *Gateway {
	return New(Config{RobotID: "kachaka", Conn: conn, Logger: zap.NewNop()})
}

// fastRetry removes the backoff sleeps so retry tests run instantly.
func fastRetry(maxRetries int) RetryConfig {
	return RetryConfig{MaxRetries: maxRetries}
}

func TestTransientClassification(t *testing.T) {
	assert.True(t, Transient(status.Error(codes.Unavailable, "conn refused")))
	assert.True(t, Transient(status.Error(codes.DeadlineExceeded, "slow")))
	assert.True(t, Transient(status.Error(codes.ResourceExhausted, "throttled")))
	assert.True(t, Transient(context.DeadlineExceeded))

	assert.False(t, Transient(nil))
	assert.False(t, Transient(status.Error(codes.NotFound, "no such shelf")))
	assert.False(t, Transient(context.Canceled))
	assert.False(t, Transient(errors.New("plain error")))
}

func TestRetryStopsOnFirstSuccess(t *testing.T) {
	calls := 0
	res := Retry(context.Background(), fastRetry(3), func(ctx context.Context) Result {
		calls++
		if calls < 3 {
			return transportResult(status.Error(codes.Unavailable, "flaky"))
		}
		return okResult(nil)
	})
	assert.True(t, res.OK)
	assert.Equal(t, 3, calls)
}

func TestRetryDoesNotRetryDomainFailures(t *testing.T) {
	calls := 0
	res := Retry(context.Background(), fastRetry(3), func(ctx context.Context) Result {
		calls++
		return domainResult(CodeNotDocked)
	})
	assert.False(t, res.OK)
	assert.Equal(t, CodeNotDocked, res.ErrorCode)
	assert.Equal(t, 1, calls)
}

func TestRetryBudgetIsMaxRetriesPlusOne(t *testing.T) {
	calls := 0
	res := Retry(context.Background(), fastRetry(3), func(ctx context.Context) Result {
		calls++
		return transportResult(status.Error(codes.Unavailable, "down"))
	})
	assert.False(t, res.OK)
	assert.Equal(t, 4, calls)
	assert.Equal(t, CodeInternal, res.ErrorCode)
}

func TestRetryWithZeroRetriesIsSingleCall(t *testing.T) {
	calls := 0
	Retry(context.Background(), fastRetry(0), func(ctx context.Context) Result {
		calls++
		return transportResult(status.Error(codes.Unavailable, "down"))
	})
	assert.Equal(t, 1, calls)
}

func TestRetryAbortsBackoffOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{MaxRetries: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}

	calls := 0
	done := make(chan Result, 1)
	go func() {
		done <- Retry(ctx, cfg, func(ctx context.Context) Result {
			calls++
			return transportResult(status.Error(codes.Unavailable, "down"))
		})
	}()

	// Give the first attempt time to land in the backoff sleep, then cancel.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case res := <-done:
		assert.False(t, res.OK)
		assert.Equal(t, 1, calls)
		assert.Contains(t, res.Error, "context canceled")
	case <-time.After(2 * time.Second):
		t.Fatal("retry did not abort its backoff on cancellation")
	}
}

func TestBackoffDelayIsExponentialWithCap(t *testing.T) {
	cfg := RetryConfig{BaseDelay: 2 * time.Second, MaxDelay: 10 * time.Second}
	assert.Equal(t, 2*time.Second, backoffDelay(cfg, 0))
	assert.Equal(t, 4*time.Second, backoffDelay(cfg, 1))
	assert.Equal(t, 8*time.Second, backoffDelay(cfg, 2))
	assert.Equal(t, 10*time.Second, backoffDelay(cfg, 3))
	assert.Equal(t, 10*time.Second, backoffDelay(cfg, 60))
}

func TestGatewayNormalizesTransportErrors(t *testing.T) {
	g := newTestGateway(&fakeConn{
		moveShelf: func(ctx context.Context, shelfID, locationID string) (CommandResult, error) {
			return CommandResult{}, status.Error(codes.Unavailable, "robot offline")
		},
	})

	res := g.MoveShelf(context.Background(), "S_04", "B_101-1")
	assert.False(t, res.OK)
	assert.Equal(t, CodeInternal, res.ErrorCode)
	assert.True(t, res.Transient())
	assert.Contains(t, res.Error, "robot offline")
}

func TestGatewayPassesDomainCodesThrough(t *testing.T) {
	g := newTestGateway(&fakeConn{
		moveShelf: func(ctx context.Context, shelfID, locationID string) (CommandResult, error) {
			return CommandResult{Success: false, ErrorCode: CodeNotDocked}, nil
		},
	})

	res := g.MoveShelf(context.Background(), "S_04", "B_101-1")
	assert.False(t, res.OK)
	assert.Equal(t, CodeNotDocked, res.ErrorCode)
	assert.False(t, res.Transient(), "domain failures must not be retried")
	assert.Equal(t, "not docked with shelf", res.Error)
}

func TestGatewayRecoversConnPanics(t *testing.T) {
	g := newTestGateway(&fakeConn{
		speak: func(ctx context.Context, text string) (CommandResult, error) {
			panic("vendor library bug")
		},
	})

	res := g.Speak(context.Background(), "hello")
	assert.False(t, res.OK)
	assert.Equal(t, CodeInternal, res.ErrorCode)
	assert.Contains(t, res.Error, "panic")
}

func TestGetMovingShelfOmitsKeyWhenNotCarrying(t *testing.T) {
	carrying := true
	g := newTestGateway(&fakeConn{
		getMovingShelfID: func(ctx context.Context) (string, error) {
			if carrying {
				return "S_04", nil
			}
			return "", nil
		},
	})

	res := g.GetMovingShelf(context.Background())
	require.True(t, res.OK)
	assert.Equal(t, "S_04", res.Data["shelf_id"])

	carrying = false
	res = g.GetMovingShelf(context.Background())
	require.True(t, res.OK)
	_, present := res.Data["shelf_id"]
	assert.False(t, present, "absence of shelf_id means not carrying")
}

func TestGatewayMetricsTrackPollsAndRTT(t *testing.T) {
	g := newTestGateway(&fakeConn{
		getMovingShelfID: func(ctx context.Context) (string, error) {
			return "", status.Error(codes.Unavailable, "blip")
		},
	})

	g.GetMovingShelf(context.Background()) // failure
	g.GetBattery(context.Background())     // success

	stats := g.Metrics().Stats()
	assert.Equal(t, 2, stats.PollCount)
	assert.InDelta(t, 0.5, stats.SuccessRate, 1e-9)

	g.Metrics().Reset()
	assert.Zero(t, g.Metrics().Stats().PollCount)
}

func TestResolverPrefersNameThenID(t *testing.T) {
	r := NewResolver()
	r.setShelves([]Shelf{{ID: "S_04", Name: "sensor shelf", Pose: Pose{X: 1}}})
	r.setLocations([]Location{{ID: "B_101-1", Name: "101-1"}})

	assert.Equal(t, "S_04", r.ResolveShelf("sensor shelf"), "name match")
	assert.Equal(t, "S_04", r.ResolveShelf("S_04"), "id match")
	assert.Equal(t, "S_99", r.ResolveShelf("S_99"), "unknown input passes through")

	assert.Equal(t, "B_101-1", r.ResolveLocation("101-1"))
	assert.Equal(t, "101-1", r.LocationName("B_101-1"))
	assert.Equal(t, "B_999", r.LocationName("B_999"), "unknown id falls back to itself")
}
