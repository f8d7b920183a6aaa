package queue

import "time"

const (
	DefaultMaxAttempts       = 3
	DefaultBackoffBase       = 2 * time.Second
	DefaultBackoffMultiplier = 2

	DefaultCompletedMaxAge = 24 * time.Hour
	DefaultCompletedMax    = 1000
	DefaultFailedMaxAge    = 7 * 24 * time.Hour
)

// BackoffPolicy is exponential: attempt n waits base * multiplier^(n-1).
type BackoffPolicy struct {
	Base       time.Duration `json:"base"`
	Multiplier int           `json:"multiplier"`
}

func (b BackoffPolicy) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = DefaultBackoffBase
	}
	multiplier := b.Multiplier
	if multiplier < 1 {
		multiplier = DefaultBackoffMultiplier
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= time.Duration(multiplier)
	}
	return delay
}

// CompletedRetention bounds how long and how many completed jobs are
// kept before the janitor prunes them.
type CompletedRetention struct {
	MaxAge   time.Duration `json:"maxAge"`
	MaxCount int           `json:"maxCount"`
}

// FailedRetention bounds how long dead-letter entries are kept.
type FailedRetention struct {
	MaxAge time.Duration `json:"maxAge"`
}

// Options control admission, retry, priority, and retention per job.
type Options struct {
	MaxAttempts      int                `json:"maxAttempts"`
	Backoff          BackoffPolicy      `json:"backoff"`
	Priority         int                `json:"priority"`
	RemoveOnComplete CompletedRetention `json:"removeOnComplete"`
	RemoveOnFail     FailedRetention    `json:"removeOnFail"`
}

// DefaultOptions mirrors the queue-wide defaults applied to zero-value
// option fields at enqueue time.
func DefaultOptions() Options {
	return Options{
		MaxAttempts: DefaultMaxAttempts,
		Backoff: BackoffPolicy{
			Base:       DefaultBackoffBase,
			Multiplier: DefaultBackoffMultiplier,
		},
		RemoveOnComplete: CompletedRetention{
			MaxAge:   DefaultCompletedMaxAge,
			MaxCount: DefaultCompletedMax,
		},
		RemoveOnFail: FailedRetention{
			MaxAge: DefaultFailedMaxAge,
		},
	}
}

func (o Options) withDefaults(defaults Options) Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaults.MaxAttempts
	}
	if o.Backoff.Base <= 0 {
		o.Backoff.Base = defaults.Backoff.Base
	}
	if o.Backoff.Multiplier < 1 {
		o.Backoff.Multiplier = defaults.Backoff.Multiplier
	}
	if o.RemoveOnComplete.MaxAge <= 0 {
		o.RemoveOnComplete.MaxAge = defaults.RemoveOnComplete.MaxAge
	}
	if o.RemoveOnComplete.MaxCount <= 0 {
		o.RemoveOnComplete.MaxCount = defaults.RemoveOnComplete.MaxCount
	}
	if o.RemoveOnFail.MaxAge <= 0 {
		o.RemoveOnFail.MaxAge = defaults.RemoveOnFail.MaxAge
	}
	return o
}
