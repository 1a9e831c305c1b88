package backoff

import (
	"context"
	"time"
)

// Sleep waits for duration, respecting context cancellation.
// Returns nil on completion or ctx.Err() if cancelled first.
func Sleep(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SleepBackoff computes the delay for attempt and sleeps for it.
func SleepBackoff(ctx context.Context, policy Policy, attempt int) error {
	return Sleep(ctx, Delay(policy, attempt))
}
