package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWindowLimiterAllow(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	limiter, err := newWindowLimiter(3, time.Minute, func() time.Time { return now }, nil)
	if err != nil {
		t.Fatalf("newWindowLimiter() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		allowed, err := limiter.Allow(context.Background(), "job_start")
		if err != nil {
			t.Fatalf("Allow() error = %v", err)
		}
		if !allowed {
			t.Fatalf("start %d should be allowed", i+1)
		}
	}

	allowed, err := limiter.Allow(context.Background(), "job_start")
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if allowed {
		t.Fatal("fourth start should be rejected")
	}
}

func TestWindowLimiterRollingWindow(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	limiter, err := newWindowLimiter(2, time.Minute, func() time.Time { return now }, nil)
	if err != nil {
		t.Fatalf("newWindowLimiter() error = %v", err)
	}

	mustAllow := func(want bool) {
		t.Helper()
		allowed, _ := limiter.Allow(context.Background(), "job_start")
		if allowed != want {
			t.Fatalf("allowed = %v, want %v", allowed, want)
		}
	}

	// Starts at t+0 and t+40s fill the window.
	mustAllow(true)
	now = now.Add(40 * time.Second)
	mustAllow(true)
	mustAllow(false)

	// At t+70s the first start has aged out but the second has not:
	// exactly one slot is free.
	now = now.Add(30 * time.Second)
	mustAllow(true)
	mustAllow(false)
}

func TestWindowLimiterKeysAreIndependent(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	limiter, err := newWindowLimiter(1, time.Minute, func() time.Time { return now }, nil)
	if err != nil {
		t.Fatalf("newWindowLimiter() error = %v", err)
	}

	if allowed, _ := limiter.Allow(context.Background(), "job_start"); !allowed {
		t.Fatal("first key should be allowed")
	}
	if allowed, _ := limiter.Allow(context.Background(), "bulk_admit"); !allowed {
		t.Fatal("second key should be allowed")
	}
	if allowed, _ := limiter.Allow(context.Background(), "job_start"); allowed {
		t.Fatal("first key should now be throttled")
	}
}

func TestWindowLimiterWait(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	sleepCalls := 0
	limiter, err := newWindowLimiter(
		1,
		time.Minute,
		func() time.Time { return now },
		func(ctx context.Context, d time.Duration) error {
			sleepCalls++
			now = now.Add(d)
			return nil
		},
	)
	if err != nil {
		t.Fatalf("newWindowLimiter() error = %v", err)
	}

	if err := limiter.Wait(context.Background(), "job_start"); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if sleepCalls != 0 {
		t.Fatal("first Wait() should not sleep")
	}

	if err := limiter.Wait(context.Background(), "job_start"); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if sleepCalls == 0 {
		t.Fatal("throttled Wait() should sleep")
	}
}

func TestWindowLimiterWaitContextCancel(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	limiter, err := newWindowLimiter(
		1,
		time.Minute,
		func() time.Time { return now },
		func(ctx context.Context, d time.Duration) error {
			return ctx.Err()
		},
	)
	if err != nil {
		t.Fatalf("newWindowLimiter() error = %v", err)
	}

	if err := limiter.Wait(context.Background(), "job_start"); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := limiter.Wait(ctx, "job_start"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait() error = %v, want %v", err, context.Canceled)
	}
}

func TestNewWindowLimiterRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	if _, err := NewWindowLimiter(0, time.Minute); err == nil {
		t.Fatal("expected error for non-positive limit")
	}
	if _, err := NewWindowLimiter(10, 0); err == nil {
		t.Fatal("expected error for non-positive window")
	}
}
