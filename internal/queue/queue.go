package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/atlasdesk/mailroom/internal/ratelimit"
)

const (
	DefaultStallInterval   = 30 * time.Second
	DefaultMaxStalledCount = 2

	// pollInterval bounds how long an idle worker sleeps before
	// re-checking for eligible work; it makes a missed wake signal
	// harmless rather than fatal.
	pollInterval = 250 * time.Millisecond
	minWait      = time.Millisecond

	// startKey is the limiter key shared by all workers so the rate
	// limit caps job starts globally, not per worker.
	startKey = "job_start"

	stalledErrorMessage = "job stalled more than allowable limit"
)

var (
	ErrJobNotFound = errors.New("queue: job not found")
	ErrJobActive   = errors.New("queue: job is leased to a worker")
)

// Handler processes one leased job. A nil return completes the job; an
// error return drives the queue's retry and dead-letter bookkeeping.
type Handler func(ctx context.Context, job *Job) error

type Config struct {
	Store   Store
	Limiter ratelimit.Limiter
	Logger  *zap.Logger

	// Defaults fill zero-value option fields at enqueue time.
	Defaults Options

	// StallInterval is how long an active job may go without lease
	// renewal before it is considered stalled.
	StallInterval   time.Duration
	MaxStalledCount int
	SweepInterval   time.Duration

	// IsTransient classifies handler errors. A permanent error skips
	// the remaining retry budget and dead-letters immediately. Nil
	// treats every failure as transient.
	IsTransient func(error) bool
}

// Queue is a durable, leased job queue: an arena of job entries whose
// state transitions happen under one short-held mutex, with persistence
// and handler I/O always outside it.
type Queue struct {
	store         Store
	limiter       ratelimit.Limiter
	logger        *zap.Logger
	defaults      Options
	stallInterval time.Duration
	maxStalled    int
	sweepInterval time.Duration
	isTransient   func(error) bool

	mu       sync.Mutex
	jobs     map[string]*Job
	seq      uint64
	tokenSeq uint64
	paused   bool
	wake     chan struct{}

	now func() time.Time
}

func New(cfg Config) (*Queue, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("queue store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	defaults := cfg.Defaults.withDefaults(DefaultOptions())
	stall := cfg.StallInterval
	if stall <= 0 {
		stall = DefaultStallInterval
	}
	maxStalled := cfg.MaxStalledCount
	if maxStalled <= 0 {
		maxStalled = DefaultMaxStalledCount
	}
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = stall / 2
	}

	return &Queue{
		store:         cfg.Store,
		limiter:       cfg.Limiter,
		logger:        logger,
		defaults:      defaults,
		stallInterval: stall,
		maxStalled:    maxStalled,
		sweepInterval: sweep,
		isTransient:   cfg.IsTransient,
		jobs:          make(map[string]*Job),
		wake:          make(chan struct{}, 1),
		now:           time.Now,
	}, nil
}

// Load restores incomplete jobs from the store. A job that was active
// when the previous process died lost its lease, which counts as one
// stall against its budget.
func (q *Queue) Load(ctx context.Context) error {
	jobs, err := q.store.LoadIncomplete(ctx)
	if err != nil {
		return fmt.Errorf("failed to load incomplete jobs: %w", err)
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].EnqueuedAt.Before(jobs[j].EnqueuedAt)
	})

	var deadLettered []*Job
	q.mu.Lock()
	for i := range jobs {
		job := jobs[i].clone()
		job.Opts = job.Opts.withDefaults(q.defaults)
		job.leaseToken = 0

		if job.State == StateActive {
			job.StalledCount++
			if job.StalledCount > q.maxStalled || job.Attempts >= job.Opts.MaxAttempts {
				job.State = StateFailed
				job.LastError = stalledErrorMessage
				job.FinishedAt = q.now()
				deadLettered = append(deadLettered, job.clone())
			} else {
				job.State = StateWaiting
			}
		}

		q.seq++
		job.seq = q.seq
		q.jobs[job.ID] = job
	}
	q.mu.Unlock()

	for _, job := range deadLettered {
		q.persist(ctx, job)
	}

	q.signalWake()
	return nil
}

// Enqueue admits one job. The job is persisted before it becomes
// eligible; a store failure is surfaced synchronously and nothing is
// admitted.
func (q *Queue) Enqueue(ctx context.Context, payload Payload, opts Options) (*Job, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := payload.Validate(); err != nil {
		return nil, fmt.Errorf("invalid job payload: %w", err)
	}

	job := &Job{
		ID:         uuid.NewString(),
		Payload:    payload,
		Opts:       opts.withDefaults(q.defaults),
		State:      StateWaiting,
		EnqueuedAt: q.now(),
	}

	if err := q.store.Save(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	q.mu.Lock()
	q.seq++
	job.seq = q.seq
	q.jobs[job.ID] = job
	handle := job.clone()
	q.mu.Unlock()

	q.signalWake()
	return handle, nil
}

// Run starts the stall/retention sweeper and concurrency workers, and
// blocks until the context is cancelled.
func (q *Queue) Run(ctx context.Context, concurrency int, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("queue handler is required")
	}
	if concurrency < 1 {
		concurrency = 1
	}

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		q.sweepLoop(groupCtx)
		return nil
	})
	for i := 0; i < concurrency; i++ {
		workerID := i + 1
		g.Go(func() error {
			q.logger.Info("queue worker started", zap.Int("workerId", workerID))
			q.workLoop(groupCtx, handler)
			q.logger.Info("queue worker stopped", zap.Int("workerId", workerID))
			return nil
		})
	}
	return g.Wait()
}

func (q *Queue) workLoop(ctx context.Context, handler Handler) {
	for {
		job, token, err := q.awaitNext(ctx)
		if err != nil {
			return
		}

		if q.limiter != nil {
			if err := q.awaitStart(ctx, job.ID, token); err != nil {
				// Shutdown while throttled: put the job back untouched.
				q.releaseLease(context.Background(), job.ID, token)
				return
			}
		}

		// The sweeper may still have reclaimed the lease between the
		// last renewal and the gate opening; a revoked lease must never
		// reach the handler, or the transport runs twice for one
		// attempt's bookkeeping.
		if !q.leaseValid(job.ID, token) {
			continue
		}

		if handlerErr := runHandler(ctx, handler, job); handlerErr != nil {
			q.reportFailure(ctx, job.ID, token, handlerErr)
		} else {
			q.reportSuccess(ctx, job.ID, token)
		}
	}
}

func runHandler(ctx context.Context, handler Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

// awaitStart blocks at the rate-limit gate, renewing the job's lease
// between checks so a throttled worker is not mistaken for a crashed
// one by the stall sweeper.
func (q *Queue) awaitStart(ctx context.Context, id string, token uint64) error {
	for {
		allowed, err := q.limiter.Allow(ctx, startKey)
		if err != nil {
			return err
		}
		q.touch(id, token)
		if allowed {
			return nil
		}

		timer := time.NewTimer(pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// leaseValid reports whether the caller still owns the job.
func (q *Queue) leaseValid(id string, token uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	return ok && job.State == StateActive && job.leaseToken == token
}

// awaitNext blocks until a job is leased to the caller or the context
// is done.
func (q *Queue) awaitNext(ctx context.Context) (*Job, uint64, error) {
	for {
		job, token, wait := q.tryLease()
		if job != nil {
			q.persist(ctx, job)
			return job, token, nil
		}

		if wait < minWait {
			wait = minWait
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, 0, ctx.Err()
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// tryLease promotes due delayed jobs, then leases the best waiting job:
// highest priority first, FIFO within a tier. When nothing is eligible
// it returns a hint for how long to sleep.
func (q *Queue) tryLease() (*Job, uint64, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	wait := pollInterval
	if q.paused {
		return nil, 0, wait
	}

	now := q.now()
	var best *Job
	for _, job := range q.jobs {
		if job.State == StateDelayed {
			if job.NotBefore.After(now) {
				if d := job.NotBefore.Sub(now); d < wait {
					wait = d
				}
				continue
			}
			job.State = StateWaiting
		}
		if job.State != StateWaiting {
			continue
		}
		if best == nil || leaseBefore(job, best) {
			best = job
		}
	}

	if best == nil {
		return nil, 0, wait
	}

	q.tokenSeq++
	best.State = StateActive
	best.Attempts++
	best.leaseToken = q.tokenSeq
	best.leasedAt = now
	return best.clone(), best.leaseToken, 0
}

func leaseBefore(a, b *Job) bool {
	if a.Opts.Priority != b.Opts.Priority {
		return a.Opts.Priority > b.Opts.Priority
	}
	return a.seq < b.seq
}

// touch renews the lease clock for a job the caller still owns.
func (q *Queue) touch(id string, token uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if ok && job.State == StateActive && job.leaseToken == token {
		job.leasedAt = q.now()
	}
}

// releaseLease returns a leased job to waiting without consuming the
// attempt. Used when a worker gives up before starting the handler.
func (q *Queue) releaseLease(ctx context.Context, id string, token uint64) {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok || job.State != StateActive || job.leaseToken != token {
		q.mu.Unlock()
		return
	}
	job.State = StateWaiting
	job.Attempts--
	job.leaseToken = 0
	snapshot := job.clone()
	q.mu.Unlock()

	q.persist(ctx, snapshot)
	q.signalWake()
}

func (q *Queue) reportSuccess(ctx context.Context, id string, token uint64) {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok || job.State != StateActive || job.leaseToken != token {
		q.mu.Unlock()
		q.logger.Debug("ignoring success report with stale lease", zap.String("jobId", id))
		return
	}
	job.State = StateCompleted
	job.FinishedAt = q.now()
	job.leaseToken = 0
	snapshot := job.clone()
	q.mu.Unlock()

	q.persist(ctx, snapshot)
}

func (q *Queue) reportFailure(ctx context.Context, id string, token uint64, handlerErr error) {
	transient := q.isTransient == nil || q.isTransient(handlerErr)

	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok || job.State != StateActive || job.leaseToken != token {
		q.mu.Unlock()
		q.logger.Debug("ignoring failure report with stale lease", zap.String("jobId", id))
		return
	}

	job.LastError = handlerErr.Error()
	job.leaseToken = 0

	if !transient || job.Attempts >= job.Opts.MaxAttempts {
		job.State = StateFailed
		job.FinishedAt = q.now()
	} else {
		job.State = StateDelayed
		job.NotBefore = q.now().Add(job.Opts.Backoff.Delay(job.Attempts))
	}
	snapshot := job.clone()
	q.mu.Unlock()

	if snapshot.State == StateFailed {
		q.logger.Warn("job dead-lettered",
			zap.String("jobId", id),
			zap.String("messageId", snapshot.Payload.MessageID),
			zap.Int("attempts", snapshot.Attempts),
			zap.String("lastError", snapshot.LastError),
		)
	}
	q.persist(ctx, snapshot)
}

func (q *Queue) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(q.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.sweep(ctx)
		}
	}
}

// sweep runs stall detection and retention pruning in one pass.
func (q *Queue) sweep(ctx context.Context) {
	now := q.now()

	var updated []*Job
	var removed []string

	q.mu.Lock()
	var completed []*Job
	for _, job := range q.jobs {
		switch job.State {
		case StateActive:
			if now.Sub(job.leasedAt) <= q.stallInterval {
				continue
			}
			// Orphan the lease; a late report from the old worker
			// carries a token that no longer matches.
			job.leaseToken = 0
			job.StalledCount++
			switch {
			case job.StalledCount > q.maxStalled:
				job.State = StateFailed
				job.LastError = stalledErrorMessage
				job.FinishedAt = now
			case job.Attempts >= job.Opts.MaxAttempts:
				job.State = StateFailed
				job.LastError = stalledErrorMessage
				job.FinishedAt = now
			default:
				job.State = StateWaiting
			}
			updated = append(updated, job.clone())
		case StateCompleted:
			if now.Sub(job.FinishedAt) > job.Opts.RemoveOnComplete.MaxAge {
				delete(q.jobs, job.ID)
				removed = append(removed, job.ID)
				continue
			}
			completed = append(completed, job)
		case StateFailed:
			if now.Sub(job.FinishedAt) > job.Opts.RemoveOnFail.MaxAge {
				delete(q.jobs, job.ID)
				removed = append(removed, job.ID)
			}
		}
	}

	// Count-bounded retention of completed jobs: keep the newest.
	if limit := q.defaults.RemoveOnComplete.MaxCount; len(completed) > limit {
		sort.Slice(completed, func(i, j int) bool {
			return completed[i].FinishedAt.After(completed[j].FinishedAt)
		})
		for _, job := range completed[limit:] {
			delete(q.jobs, job.ID)
			removed = append(removed, job.ID)
		}
	}
	q.mu.Unlock()

	for _, job := range updated {
		if job.State == StateFailed {
			q.logger.Warn("stalled job dead-lettered",
				zap.String("jobId", job.ID),
				zap.Int("stalledCount", job.StalledCount),
			)
		} else {
			q.logger.Warn("stalled job returned to queue",
				zap.String("jobId", job.ID),
				zap.Int("stalledCount", job.StalledCount),
			)
		}
		q.persist(ctx, job)
	}
	for _, id := range removed {
		if err := q.store.Delete(ctx, id); err != nil {
			q.logger.Warn("failed to delete pruned job", zap.String("jobId", id), zap.Error(err))
		}
	}
	if len(updated) > 0 {
		q.signalWake()
	}
}

// Counts reports queue depth by state for health introspection.
type Counts struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
}

func (q *Queue) Counts() Counts {
	q.mu.Lock()
	defer q.mu.Unlock()

	var c Counts
	for _, job := range q.jobs {
		switch job.State {
		case StateWaiting:
			c.Waiting++
		case StateActive:
			c.Active++
		case StateCompleted:
			c.Completed++
		case StateFailed:
			c.Failed++
		case StateDelayed:
			c.Delayed++
		}
	}
	return c
}

// HasIncompleteJob reports whether any waiting, delayed, or active job
// still references the message. Used by the retry sweep so a record
// with a live job is not enqueued a second time.
func (q *Queue) HasIncompleteJob(messageID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, job := range q.jobs {
		switch job.State {
		case StateWaiting, StateDelayed, StateActive:
			if job.Payload.MessageID == messageID {
				return true
			}
		}
	}
	return false
}

// DeadLetterJobs enumerates the dead-letter set, oldest first.
func (q *Queue) DeadLetterJobs() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	jobs := make([]Job, 0)
	for _, job := range q.jobs {
		if job.State == StateFailed {
			jobs = append(jobs, *job.clone())
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].FinishedAt.Before(jobs[j].FinishedAt)
	})
	return jobs
}

// RemoveDeadLetter removes one drained entry from the dead-letter set.
func (q *Queue) RemoveDeadLetter(ctx context.Context, id string) error {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok || job.State != StateFailed {
		q.mu.Unlock()
		return ErrJobNotFound
	}
	delete(q.jobs, id)
	q.mu.Unlock()

	return q.store.Delete(ctx, id)
}

// Remove cancels a job that is not currently leased.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return ErrJobNotFound
	}
	if job.State == StateActive {
		q.mu.Unlock()
		return ErrJobActive
	}
	delete(q.jobs, id)
	q.mu.Unlock()

	return q.store.Delete(ctx, id)
}

// Get returns a snapshot of one job.
func (q *Queue) Get(id string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job.clone(), true
}

// Pause stops workers from leasing new jobs; in-flight jobs finish
// naturally. Queued work is retained.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.signalWake()
}

func (q *Queue) IsPaused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

func (q *Queue) persist(ctx context.Context, job *Job) {
	if err := q.store.Save(ctx, job); err != nil {
		q.logger.Warn("failed to persist job state",
			zap.String("jobId", job.ID),
			zap.String("state", string(job.State)),
			zap.Error(err),
		)
	}
}

func (q *Queue) signalWake() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
