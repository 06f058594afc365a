package fleet

import (
	"context"
	"time"
)

// RetryConfig bounds the retry policy for one operation class.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt, so the
	// wrapped operation runs at most MaxRetries+1 times.
	MaxRetries int
	// BaseDelay seeds the exponential backoff: attempt n sleeps
	// min(BaseDelay·2ⁿ, MaxDelay).
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Defaults from field tuning: three retries with 2 s base and 10 s cap for
// shelf moves, two retries for plain navigation and docking.
var (
	ShelfRetry = RetryConfig{MaxRetries: 3, BaseDelay: 2 * time.Second, MaxDelay: 10 * time.Second}
	MoveRetry  = RetryConfig{MaxRetries: 2, BaseDelay: 2 * time.Second, MaxDelay: 10 * time.Second}
)

// Retry runs op until it succeeds, fails non-transiently, or the attempt
// budget is spent. Only transport failures classified as transient
// (unavailable, deadline exceeded, resource exhausted) are retried; domain
// failures from the robot return immediately, whatever their code.
//
// Context cancellation is never swallowed: a cancel during backoff aborts the
// wait and surfaces as an internal-error Result.
func Retry(ctx context.Context, cfg RetryConfig, op func(context.Context) Result) Result {
	var res Result
	for attempt := 0; ; attempt++ {
		res = op(ctx)
		if res.OK || !res.Transient() || attempt >= cfg.MaxRetries {
			return res
		}

		delay := backoffDelay(cfg, attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return transportResult(ctx.Err())
		case <-timer.C:
		}
	}
}

// backoffDelay computes min(BaseDelay·2ⁿ, MaxDelay) guarding against shift
// overflow for large attempt numbers.
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	if cfg.BaseDelay <= 0 {
		return 0
	}
	if attempt > 30 {
		return cfg.MaxDelay
	}
	d := cfg.BaseDelay * time.Duration(1<<uint(attempt))
	if cfg.MaxDelay > 0 && (d > cfg.MaxDelay || d <= 0) {
		return cfg.MaxDelay
	}
	return d
}
