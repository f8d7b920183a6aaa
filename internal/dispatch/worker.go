package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/atlasdesk/mailroom/internal/domain"
	"github.com/atlasdesk/mailroom/internal/observability"
	"github.com/atlasdesk/mailroom/internal/queue"
	"github.com/atlasdesk/mailroom/internal/repository"
	"github.com/atlasdesk/mailroom/internal/transport"
)

// Worker turns one queue job into one delivery attempt against the
// external transport, recording the outcome on the delivery record.
type Worker struct {
	messages  repository.MessageRepository
	transport transport.Transport
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

func NewWorker(
	messages repository.MessageRepository,
	mailTransport transport.Transport,
	logger *zap.Logger,
) (*Worker, error) {
	if messages == nil {
		return nil, fmt.Errorf("message repository is required")
	}
	if mailTransport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Worker{
		messages:  messages,
		transport: mailTransport,
		logger:    logger,
		now:       time.Now,
	}, nil
}

func (w *Worker) SetMetrics(metrics *observability.Metrics) {
	if w == nil {
		return
	}
	w.metrics = metrics
}

// IsRetryable classifies handler errors for the queue. Only rejections
// the transport explicitly flags as permanent skip the retry budget;
// everything else (store outages, timeouts, unknown failures) is
// retried until exhaustion.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var sendErr *transport.SendError
	if errors.As(err, &sendErr) {
		return sendErr.Transient
	}

	return true
}

// Handle is the queue handler. Errors are propagated unchanged in
// meaning so the queue's retry bookkeeping advances; a nil return
// completes the job.
func (w *Worker) Handle(ctx context.Context, job *queue.Job) error {
	messageID := job.Payload.MessageID

	message, err := w.messages.BeginAttempt(ctx, messageID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			w.logger.Warn("message not found for job, skipping",
				zap.String("messageId", messageID),
				zap.String("jobId", job.ID),
			)
			return nil
		}
		return fmt.Errorf("failed to begin delivery attempt: %w", err)
	}

	// Nil means the record reached a terminal status since the job was
	// enqueued; acknowledge and skip.
	if message == nil {
		w.logger.Info("message no longer deliverable, skipping",
			zap.String("messageId", messageID),
		)
		return nil
	}

	category := strings.ToLower(message.Category.String())
	if w.metrics != nil {
		w.metrics.IncWorkerInFlight(category)
		defer w.metrics.DecWorkerInFlight(category)
	}

	out := transport.Outbound{
		To:          job.Payload.Recipient,
		Subject:     job.Payload.Subject,
		HTML:        job.Payload.HTMLBody,
		Text:        job.Payload.TextBody,
		Attachments: job.Payload.Attachments,
		Category:    message.Category,
	}

	sendStart := w.now()
	receipt, sendErr := w.transport.Send(ctx, out)
	if w.metrics != nil {
		w.metrics.ObserveSendDuration(category, w.now().Sub(sendStart))
	}

	if sendErr == nil {
		if err := w.messages.MarkSent(ctx, message.ID, receiptSummary(receipt)); err != nil {
			return fmt.Errorf("failed to mark message as sent: %w", err)
		}
		if w.metrics != nil {
			w.metrics.IncMessageSent(category)
		}
		return nil
	}

	switch transport.RejectKindOf(sendErr) {
	case transport.RejectBounce:
		if err := w.messages.RecordEngagement(ctx, message.ID, repository.EngagementBounced); err != nil {
			return fmt.Errorf("failed to mark message as bounced: %w", err)
		}
		if w.metrics != nil {
			w.metrics.IncMessageFailed(category, "bounced")
		}
		w.logger.Warn("recipient bounced",
			zap.String("messageId", message.ID),
			zap.String("recipient", out.To),
		)
		return nil
	case transport.RejectComplaint:
		if err := w.messages.RecordEngagement(ctx, message.ID, repository.EngagementComplained); err != nil {
			return fmt.Errorf("failed to mark message as complained: %w", err)
		}
		if w.metrics != nil {
			w.metrics.IncMessageFailed(category, "complained")
		}
		return nil
	}

	if err := w.messages.RecordFailure(ctx, message.ID, sendErr.Error()); err != nil {
		// The attempt outcome is lost but the error still has to reach
		// the queue so the retry decision is made.
		w.logger.Error("failed to record delivery failure",
			zap.String("messageId", message.ID),
			zap.Error(err),
		)
	}
	if w.metrics != nil {
		w.metrics.IncMessageFailed(category, failureReason(sendErr))
	}

	return fmt.Errorf("delivery attempt failed: %w", sendErr)
}

func receiptSummary(receipt *transport.Receipt) string {
	if receipt == nil {
		return ""
	}
	if strings.TrimSpace(receipt.MessageID) != "" {
		return fmt.Sprintf("message-id=%s status=%d", receipt.MessageID, receipt.StatusCode)
	}
	if strings.TrimSpace(receipt.Body) != "" {
		return receipt.Body
	}
	return fmt.Sprintf("status=%d", receipt.StatusCode)
}

func failureReason(err error) string {
	if transport.IsTransient(err) {
		return "transient_error"
	}
	return "permanent_error"
}
