package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/atlasdesk/mailroom/internal/domain"
	"github.com/atlasdesk/mailroom/internal/observability"
	"github.com/atlasdesk/mailroom/internal/queue"
	"github.com/atlasdesk/mailroom/internal/repository"
)

const (
	DefaultRetrySweepLimit  = 100
	DefaultSentRetention    = 90 * 24 * time.Hour
	DefaultWaitingThreshold = 1000
	DefaultFailedThreshold  = 100

	DefaultRetrySchedule     = "@every 5m"
	DefaultRetentionSchedule = "@every 24h"
	DefaultDrainSchedule     = "@every 1m"
	DefaultHealthSchedule    = "@every 30s"
)

// QueueControl is the slice of the queue the maintenance routines use.
type QueueControl interface {
	Enqueue(ctx context.Context, payload queue.Payload, opts queue.Options) (*queue.Job, error)
	HasIncompleteJob(messageID string) bool
	Counts() queue.Counts
	DeadLetterJobs() []queue.Job
	RemoveDeadLetter(ctx context.Context, id string) error
	Pause()
	Resume()
	IsPaused() bool
}

type Config struct {
	RetrySchedule     string
	RetentionSchedule string
	DrainSchedule     string
	HealthSchedule    string

	RetrySweepLimit  int
	SentRetention    time.Duration
	WaitingThreshold int
	FailedThreshold  int
}

func (c Config) withDefaults() Config {
	if c.RetrySchedule == "" {
		c.RetrySchedule = DefaultRetrySchedule
	}
	if c.RetentionSchedule == "" {
		c.RetentionSchedule = DefaultRetentionSchedule
	}
	if c.DrainSchedule == "" {
		c.DrainSchedule = DefaultDrainSchedule
	}
	if c.HealthSchedule == "" {
		c.HealthSchedule = DefaultHealthSchedule
	}
	if c.RetrySweepLimit <= 0 {
		c.RetrySweepLimit = DefaultRetrySweepLimit
	}
	if c.SentRetention <= 0 {
		c.SentRetention = DefaultSentRetention
	}
	if c.WaitingThreshold <= 0 {
		c.WaitingThreshold = DefaultWaitingThreshold
	}
	if c.FailedThreshold <= 0 {
		c.FailedThreshold = DefaultFailedThreshold
	}
	return c
}

// HealthReport is a read-only sample of queue health.
type HealthReport struct {
	Counts   queue.Counts
	Warnings []string
}

// Scheduler runs the periodic routines that keep the pipeline healthy.
// Each routine is idempotent and holds a run-lock, so a slow run is
// skipped rather than overlapped by the next trigger.
type Scheduler struct {
	messages repository.MessageRepository
	jobs     QueueControl
	cfg      Config
	logger   *zap.Logger
	metrics  *observability.Metrics
	cron     *cron.Cron
	now      func() time.Time

	retryMu     sync.Mutex
	retentionMu sync.Mutex
	drainMu     sync.Mutex
	healthMu    sync.Mutex
}

func NewScheduler(
	messages repository.MessageRepository,
	jobs QueueControl,
	cfg Config,
	logger *zap.Logger,
) (*Scheduler, error) {
	if messages == nil {
		return nil, fmt.Errorf("message repository is required")
	}
	if jobs == nil {
		return nil, fmt.Errorf("queue control is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Scheduler{
		messages: messages,
		jobs:     jobs,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		cron:     cron.New(),
		now:      time.Now,
	}, nil
}

func (s *Scheduler) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// Start registers the routines and blocks until the context is done.
func (s *Scheduler) Start(ctx context.Context) error {
	routines := []struct {
		name     string
		schedule string
		mu       *sync.Mutex
		run      func(context.Context)
	}{
		{"retry_sweep", s.cfg.RetrySchedule, &s.retryMu, func(ctx context.Context) {
			if n, err := s.RetrySweep(ctx); err != nil {
				s.logger.Error("retry sweep failed", zap.Error(err))
			} else if n > 0 {
				s.logger.Info("retry sweep requeued messages", zap.Int("count", n))
			}
		}},
		{"retention_sweep", s.cfg.RetentionSchedule, &s.retentionMu, func(ctx context.Context) {
			if n, err := s.RetentionSweep(ctx); err != nil {
				s.logger.Error("retention sweep failed", zap.Error(err))
			} else if n > 0 {
				s.logger.Info("retention sweep deleted records", zap.Int64("count", n))
			}
		}},
		{"dead_letter_drain", s.cfg.DrainSchedule, &s.drainMu, func(ctx context.Context) {
			if n, err := s.DrainDeadLetters(ctx); err != nil {
				s.logger.Error("dead-letter drain failed", zap.Error(err))
			} else if n > 0 {
				s.logger.Info("dead-letter drain finalized jobs", zap.Int("count", n))
			}
		}},
		{"health_monitor", s.cfg.HealthSchedule, &s.healthMu, func(ctx context.Context) {
			s.CheckHealth(ctx)
		}},
	}

	for _, routine := range routines {
		name, mu, run := routine.name, routine.mu, routine.run
		_, err := s.cron.AddFunc(routine.schedule, func() {
			if !mu.TryLock() {
				s.logger.Debug("maintenance routine still running, skipping", zap.String("routine", name))
				return
			}
			defer mu.Unlock()
			run(ctx)
		})
		if err != nil {
			return fmt.Errorf("failed to schedule %s: %w", name, err)
		}
	}

	s.cron.Start()
	s.logger.Info("maintenance scheduler started")

	<-ctx.Done()
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("maintenance scheduler stopped")
	return nil
}

// RetrySweep re-enqueues failed records that still have retry budget,
// carrying the remaining attempts on the fresh job. Bounded per run so
// one sweep cannot flood the queue.
func (s *Scheduler) RetrySweep(ctx context.Context) (int, error) {
	retryable, err := s.messages.ListRetryable(ctx, s.cfg.RetrySweepLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to list retryable messages: %w", err)
	}

	requeued := 0
	for i := range retryable {
		message := retryable[i]
		remaining := message.EffectiveMaxAttempts() - message.RetryCount
		if remaining <= 0 {
			continue
		}
		// A record whose backoff-delayed job is still in the queue gets
		// its retry from that job, not from a duplicate.
		if s.jobs.HasIncompleteJob(message.ID) {
			continue
		}

		payload := queue.Payload{
			MessageID:   message.ID,
			UserID:      message.UserID,
			Recipient:   message.Recipient,
			Subject:     message.Subject,
			HTMLBody:    message.HTMLBody,
			TextBody:    message.TextBody,
			Category:    message.Category,
			Attachments: message.Attachments,
			Metadata:    message.Metadata,
		}
		if _, err := s.jobs.Enqueue(ctx, payload, queue.Options{MaxAttempts: remaining}); err != nil {
			s.logger.Error("retry sweep: failed to enqueue message",
				zap.String("messageId", message.ID),
				zap.Error(err),
			)
			continue
		}

		if updated, err := s.messages.MarkQueued(ctx, message.ID); err != nil {
			s.logger.Error("retry sweep: failed to mark message queued",
				zap.String("messageId", message.ID),
				zap.Error(err),
			)
		} else if !updated {
			s.logger.Info("retry sweep: message status changed before queue mark",
				zap.String("messageId", message.ID),
			)
		}

		requeued++
		if s.metrics != nil {
			s.metrics.IncRetrySwept()
		}
	}

	return requeued, nil
}

// RetentionSweep deletes long-terminal SENT records older than the
// retention window. Non-terminal and recent records are never touched.
func (s *Scheduler) RetentionSweep(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.cfg.SentRetention)
	deleted, err := s.messages.DeleteSentBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete aged sent records: %w", err)
	}
	return deleted, nil
}

// DrainDeadLetters converts each dead-letter entry into a terminal
// FAILED record with a readable summary, then removes the entry. This
// is the only path that finalizes exhausted jobs in the record store.
func (s *Scheduler) DrainDeadLetters(ctx context.Context) (int, error) {
	drained := 0
	for _, job := range s.jobs.DeadLetterJobs() {
		summary := fmt.Sprintf("delivery failed after %d attempt(s): %s", job.Attempts, job.LastError)

		err := s.messages.MarkFailedTerminal(ctx, job.Payload.MessageID, summary)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrNotFound):
			// Record already terminal (e.g. bounced) or deleted; the
			// entry is still spent.
		default:
			s.logger.Error("dead-letter drain: failed to finalize record",
				zap.String("messageId", job.Payload.MessageID),
				zap.String("jobId", job.ID),
				zap.Error(err),
			)
			continue
		}

		if err := s.jobs.RemoveDeadLetter(ctx, job.ID); err != nil && !errors.Is(err, queue.ErrJobNotFound) {
			s.logger.Error("dead-letter drain: failed to remove entry",
				zap.String("jobId", job.ID),
				zap.Error(err),
			)
			continue
		}

		drained++
		if s.metrics != nil {
			s.metrics.IncDeadLetterDrained()
		}
	}

	return drained, nil
}

// CheckHealth samples queue counts and warns when depth thresholds are
// crossed. It never mutates state.
func (s *Scheduler) CheckHealth(ctx context.Context) HealthReport {
	counts := s.jobs.Counts()

	report := HealthReport{Counts: counts}
	if counts.Waiting > s.cfg.WaitingThreshold {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("waiting jobs (%d) exceed threshold (%d)", counts.Waiting, s.cfg.WaitingThreshold))
	}
	if counts.Failed > s.cfg.FailedThreshold {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("dead-letter jobs (%d) exceed threshold (%d)", counts.Failed, s.cfg.FailedThreshold))
	}

	if s.metrics != nil {
		s.metrics.SetQueueDepth(counts)
	}
	for _, warning := range report.Warnings {
		s.logger.Warn("queue health warning", zap.String("warning", warning))
	}

	return report
}

// PauseDispatch stops worker consumption without losing queued work.
func (s *Scheduler) PauseDispatch() {
	s.jobs.Pause()
	s.logger.Info("dispatch paused")
}

func (s *Scheduler) ResumeDispatch() {
	s.jobs.Resume()
	s.logger.Info("dispatch resumed")
}

func (s *Scheduler) DispatchPaused() bool {
	return s.jobs.IsPaused()
}
