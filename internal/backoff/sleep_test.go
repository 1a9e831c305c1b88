package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSleepCompletes(t *testing.T) {
	start := time.Now()
	err := Sleep(context.Background(), 20*time.Millisecond)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Sleep() error = %v", err)
	}
	if elapsed < 20*time.Millisecond {
		t.Errorf("Sleep returned after %v, want >= 20ms", elapsed)
	}
}

func TestSleepZeroAndNegative(t *testing.T) {
	for _, d := range []time.Duration{0, -time.Second} {
		if err := Sleep(context.Background(), d); err != nil {
			t.Errorf("Sleep(%v) error = %v, want nil", d, err)
		}
	}
}

func TestSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- Sleep(ctx, time.Hour) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Sleep() error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Sleep did not return after cancellation")
	}
}

func TestSleepBackoffUsesPolicy(t *testing.T) {
	policy := Policy{Initial: 10 * time.Millisecond, Max: time.Second, Factor: 2, Jitter: 0}

	start := time.Now()
	if err := SleepBackoff(context.Background(), policy, 1); err != nil {
		t.Fatalf("SleepBackoff() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Errorf("SleepBackoff slept %v, want >= 10ms", elapsed)
	}
}
