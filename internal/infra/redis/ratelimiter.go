package redis

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/atlasdesk/mailroom/internal/ratelimit"
)

const (
	defaultLimit  int64 = 100
	defaultWindow       = time.Minute

	retrySleepMin = 5 * time.Millisecond
	retrySleepMax = time.Second
)

// reserveScript prunes entries older than the window, then admits the
// caller only when the remaining count is under the limit. On
// rejection it returns how long until the oldest entry leaves the
// window, so callers can sleep instead of hammering Redis.
var reserveScript = goredis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
local count = redis.call("ZCARD", KEYS[1])
if count < limit then
  redis.call("ZADD", KEYS[1], now, ARGV[4])
  redis.call("PEXPIRE", KEYS[1], window)
  return {1, 0}
end
local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
local retry = tonumber(oldest[2]) + window - now
if retry < 1 then
  retry = 1
end
return {0, retry}
`)

var _ ratelimit.Limiter = (*SlidingWindowLimiter)(nil)

// SlidingWindowLimiter is a distributed rolling-window rate limiter
// backed by a Redis sorted set per key. At most limit admissions are
// granted within any window, measured from each admission's own
// timestamp rather than fixed wall-clock buckets.
type SlidingWindowLimiter struct {
	client *goredis.Client
	limit  int64
	window time.Duration
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	script *goredis.Script
	seq    atomic.Uint64
}

func NewSlidingWindowLimiter(client *goredis.Client, limit int, window time.Duration) (*SlidingWindowLimiter, error) {
	return newSlidingWindowLimiter(
		client,
		int64(limit),
		window,
		time.Now,
		sleepWithContext,
	)
}

func newSlidingWindowLimiter(
	client *goredis.Client,
	limit int64,
	window time.Duration,
	nowFn func() time.Time,
	sleepFn func(ctx context.Context, d time.Duration) error,
) (*SlidingWindowLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if window <= 0 {
		window = defaultWindow
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if sleepFn == nil {
		sleepFn = sleepWithContext
	}

	return &SlidingWindowLimiter{
		client: client,
		limit:  limit,
		window: window,
		now:    nowFn,
		sleep:  sleepFn,
		script: reserveScript,
	}, nil
}

func (l *SlidingWindowLimiter) Allow(ctx context.Context, key string) (bool, error) {
	allowed, _, err := l.reserve(ctx, key)
	return allowed, err
}

func (l *SlidingWindowLimiter) Wait(ctx context.Context, key string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		allowed, retryIn, err := l.reserve(ctx, key)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}

		if retryIn < retrySleepMin {
			retryIn = retrySleepMin
		}
		if retryIn > retrySleepMax {
			retryIn = retrySleepMax
		}
		if err := l.sleep(ctx, retryIn); err != nil {
			return err
		}
	}
}

func (l *SlidingWindowLimiter) reserve(ctx context.Context, key string) (bool, time.Duration, error) {
	if l == nil || l.client == nil || l.script == nil {
		return false, 0, fmt.Errorf("rate limiter is not initialized")
	}

	normalizedKey := strings.ToLower(strings.TrimSpace(key))
	if normalizedKey == "" {
		return false, 0, fmt.Errorf("rate limit key is required")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	nowMillis := l.now().UTC().UnixMilli()
	member := fmt.Sprintf("%d-%d", nowMillis, l.seq.Add(1))

	result, err := l.script.Run(
		ctx,
		l.client,
		[]string{"ratelimit:" + normalizedKey},
		nowMillis,
		l.window.Milliseconds(),
		l.limit,
		member,
	).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}
	if len(result) != 2 {
		return false, 0, fmt.Errorf("unexpected rate limit script reply: %v", result)
	}

	if result[0] == 1 {
		return true, 0, nil
	}
	return false, time.Duration(result[1]) * time.Millisecond, nil
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
