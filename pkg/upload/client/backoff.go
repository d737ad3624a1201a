package client

import (
	"context"
	"math"
	"time"
)

// Sleeper waits between retries. Sleep returns early with ctx.Err() when ctx
// is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type realSleeper struct{}

func (realSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// backoffDelay returns base*2^(attempt-1), clamped to [base, maxDelay].
func backoffDelay(base, maxDelay time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	f := float64(base) * math.Pow(2, float64(attempt-1))
	if f >= float64(maxDelay) {
		return max(maxDelay, base)
	}
	return time.Duration(f)
}
