package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Limiter caps how many operations may start per rolling time window,
// independent of how many workers are running.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Wait(ctx context.Context, key string) error
}

const minRetrySleep = 5 * time.Millisecond

// WindowLimiter is an in-process rolling-window limiter. Across any
// window-sized interval it admits at most limit starts per key.
type WindowLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	starts map[string][]time.Time
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewWindowLimiter(limit int, window time.Duration) (*WindowLimiter, error) {
	return newWindowLimiter(limit, window, time.Now, sleepWithContext)
}

func newWindowLimiter(
	limit int,
	window time.Duration,
	nowFn func() time.Time,
	sleepFn func(ctx context.Context, d time.Duration) error,
) (*WindowLimiter, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	if window <= 0 {
		return nil, fmt.Errorf("window must be positive, got %s", window)
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if sleepFn == nil {
		sleepFn = sleepWithContext
	}

	return &WindowLimiter{
		limit:  limit,
		window: window,
		starts: make(map[string][]time.Time),
		now:    nowFn,
		sleep:  sleepFn,
	}, nil
}

func (l *WindowLimiter) Allow(ctx context.Context, key string) (bool, error) {
	allowed, _ := l.reserve(key)
	return allowed, nil
}

func (l *WindowLimiter) Wait(ctx context.Context, key string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		allowed, retryIn := l.reserve(key)
		if allowed {
			return nil
		}
		if retryIn < minRetrySleep {
			retryIn = minRetrySleep
		}
		if err := l.sleep(ctx, retryIn); err != nil {
			return err
		}
	}
}

// reserve admits a start when fewer than limit starts fall inside the
// rolling window ending now. When denied it returns how long until the
// oldest recorded start ages out.
func (l *WindowLimiter) reserve(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	recent := l.starts[key][:0]
	for _, t := range l.starts[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	l.starts[key] = recent

	if len(recent) >= l.limit {
		return false, recent[0].Sub(cutoff)
	}

	l.starts[key] = append(recent, now)
	return true, 0
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
