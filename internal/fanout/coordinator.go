package fanout

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atlasdesk/mailroom/internal/domain"
	"github.com/atlasdesk/mailroom/internal/observability"
	"github.com/atlasdesk/mailroom/internal/queue"
	"github.com/atlasdesk/mailroom/internal/repository"
)

// Enqueuer is the slice of the queue the coordinator needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload queue.Payload, opts queue.Options) (*queue.Job, error)
}

// Recipient is one address in a bulk request, optionally carrying
// per-recipient data merged over the shared metadata.
type Recipient struct {
	Address string
	UserID  *string
	Data    map[string]string
}

// Request is a bulk send: shared, fully-rendered content fanned out to
// an ordered recipient list. BatchSize plus BatchDelay chunk admission
// so a large batch cannot flood the queue at once.
type Request struct {
	Subject     string
	HTMLBody    string
	TextBody    string
	Category    domain.Category
	Metadata    map[string]string
	Attachments []domain.Attachment
	Priority    int
	Recipients  []Recipient
	BatchSize   int
	BatchDelay  time.Duration
}

// Progress reports admission progress after each recipient. Percent is
// monotonically non-decreasing and reaches exactly 100.
type Progress struct {
	Done    int
	Total   int
	Percent float64
}

// RecipientError describes one recipient whose record creation or
// enqueue failed.
type RecipientError struct {
	Index   int
	Address string
	Reason  string
}

// Result counts enqueue outcomes, not delivery outcomes; delivery is
// asynchronous and tracked on the records themselves.
type Result struct {
	Total      int
	Succeeded  int
	Failed     int
	MessageIDs []string
	Errors     []RecipientError
}

// Coordinator expands one bulk request into one delivery record plus
// one queued job per recipient.
type Coordinator struct {
	messages    repository.MessageRepository
	jobs        Enqueuer
	maxAttempts func(domain.Category) int
	logger      *zap.Logger
	metrics     *observability.Metrics
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewCoordinator(
	messages repository.MessageRepository,
	jobs Enqueuer,
	maxAttempts func(domain.Category) int,
	logger *zap.Logger,
) (*Coordinator, error) {
	if messages == nil {
		return nil, fmt.Errorf("message repository is required")
	}
	if jobs == nil {
		return nil, fmt.Errorf("job queue is required")
	}
	if maxAttempts == nil {
		maxAttempts = func(domain.Category) int { return domain.DefaultMaxAttempts }
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Coordinator{
		messages:    messages,
		jobs:        jobs,
		maxAttempts: maxAttempts,
		logger:      logger,
		sleep:       sleepWithContext,
	}, nil
}

func (c *Coordinator) SetMetrics(metrics *observability.Metrics) {
	if c == nil {
		return
	}
	c.metrics = metrics
}

// Send processes recipients in list order. A failing recipient is
// counted and skipped; it never aborts the batch.
func (c *Coordinator) Send(ctx context.Context, req Request, onProgress func(Progress)) (*Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(req.Recipients) == 0 {
		return nil, fmt.Errorf("%w: at least one recipient is required", domain.ErrValidation)
	}
	if !req.Category.IsValid() {
		return nil, fmt.Errorf("%w: invalid category %q", domain.ErrValidation, req.Category)
	}

	result := &Result{Total: len(req.Recipients)}

	for i, recipient := range req.Recipients {
		if req.BatchSize > 0 && i > 0 && i%req.BatchSize == 0 && req.BatchDelay > 0 {
			if err := c.sleep(ctx, req.BatchDelay); err != nil {
				// Shutdown mid-batch: everything not yet admitted is a
				// failure so succeeded+failed still equals total.
				for j := i; j < len(req.Recipients); j++ {
					result.Failed++
					result.Errors = append(result.Errors, RecipientError{
						Index:   j,
						Address: req.Recipients[j].Address,
						Reason:  err.Error(),
					})
					c.reportProgress(onProgress, result)
				}
				return result, nil
			}
		}

		if err := c.admit(ctx, req, i, recipient, result); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, RecipientError{
				Index:   i,
				Address: recipient.Address,
				Reason:  err.Error(),
			})
			if c.metrics != nil {
				c.metrics.IncBulkRecipient("failed")
			}
			c.logger.Warn("bulk: recipient admission failed",
				zap.Int("index", i),
				zap.String("recipient", recipient.Address),
				zap.Error(err),
			)
		} else {
			result.Succeeded++
			if c.metrics != nil {
				c.metrics.IncBulkRecipient("succeeded")
			}
		}

		c.reportProgress(onProgress, result)
	}

	if result.Failed > 0 {
		c.logger.Warn("bulk send completed with failures",
			zap.Int("succeeded", result.Succeeded),
			zap.Int("failed", result.Failed),
			zap.Int("total", result.Total),
		)
	}

	return result, nil
}

func (c *Coordinator) admit(ctx context.Context, req Request, index int, recipient Recipient, result *Result) error {
	if strings.TrimSpace(recipient.Address) == "" {
		return fmt.Errorf("%w: recipient %d has an empty address", domain.ErrValidation, index)
	}

	message := &domain.Message{
		ID:          uuid.NewString(),
		UserID:      recipient.UserID,
		Recipient:   strings.TrimSpace(recipient.Address),
		Subject:     req.Subject,
		HTMLBody:    req.HTMLBody,
		TextBody:    req.TextBody,
		Category:    req.Category,
		Status:      domain.StatusQueued,
		MaxAttempts: c.maxAttempts(req.Category),
		Metadata:    mergeMetadata(req.Metadata, recipient.Data),
		Attachments: req.Attachments,
	}
	if err := message.Validate(); err != nil {
		return err
	}

	if err := c.messages.Create(ctx, message); err != nil {
		return fmt.Errorf("failed to create delivery record: %w", err)
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
	opts := queue.Options{
		MaxAttempts: message.MaxAttempts,
		Priority:    req.Priority,
	}

	if _, err := c.jobs.Enqueue(ctx, payload, opts); err != nil {
		// The record exists but will never be picked up; close it out
		// so it does not linger as phantom queued work.
		if markErr := c.messages.MarkFailedTerminal(ctx, message.ID, fmt.Sprintf("enqueue failed: %v", err)); markErr != nil {
			c.logger.Error("failed to close record after enqueue failure",
				zap.String("messageId", message.ID),
				zap.Error(markErr),
			)
		}
		return fmt.Errorf("failed to enqueue job: %w", err)
	}

	result.MessageIDs = append(result.MessageIDs, message.ID)
	return nil
}

func (c *Coordinator) reportProgress(onProgress func(Progress), result *Result) {
	if onProgress == nil {
		return
	}

	done := result.Succeeded + result.Failed
	percent := float64(done) * 100 / float64(result.Total)
	if done == result.Total {
		percent = 100
	}
	onProgress(Progress{Done: done, Total: result.Total, Percent: percent})
}

func mergeMetadata(shared, perRecipient map[string]string) map[string]string {
	if len(shared) == 0 && len(perRecipient) == 0 {
		return nil
	}

	merged := make(map[string]string, len(shared)+len(perRecipient))
	for k, v := range shared {
		merged[k] = v
	}
	for k, v := range perRecipient {
		merged[k] = v
	}
	return merged
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
