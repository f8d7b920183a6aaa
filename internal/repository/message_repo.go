package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/atlasdesk/mailroom/internal/domain"
)

type ListParams struct {
	Status   *domain.Status
	Category *domain.Category
	UserID   *string
	From     *time.Time
	To       *time.Time
	Page     int
	PageSize int
}

// EngagementEvent is a status transition driven by the external receipt
// ingestion path (delivery, open, click, bounce, complaint receipts).
type EngagementEvent string

const (
	EngagementDelivered  EngagementEvent = "delivered"
	EngagementOpened     EngagementEvent = "opened"
	EngagementClicked    EngagementEvent = "clicked"
	EngagementBounced    EngagementEvent = "bounced"
	EngagementComplained EngagementEvent = "complained"
)

type MessageRepository interface {
	Create(ctx context.Context, m *domain.Message) error
	GetByID(ctx context.Context, id string) (*domain.Message, error)
	List(ctx context.Context, params ListParams) ([]domain.Message, int64, error)
	// BeginAttempt locks the record and moves it to SENDING, routing a
	// retryable FAILED record through QUEUED so every status change
	// follows the state machine. It returns (nil, nil) when the record
	// is no longer deliverable, so a worker can acknowledge and skip
	// without touching it.
	BeginAttempt(ctx context.Context, id string) (*domain.Message, error)
	MarkSent(ctx context.Context, id string, providerResponse string) error
	// RecordFailure appends the attempt outcome: retry count + 1,
	// last error, FAILED status with its timestamp. Whether FAILED is
	// terminal depends on the remaining retry budget.
	RecordFailure(ctx context.Context, id string, errMsg string) error
	// MarkFailedTerminal is the dead-letter drain path: it stamps a
	// human-readable summary on a record that never reached SENT.
	MarkFailedTerminal(ctx context.Context, id string, summary string) error
	// MarkQueued returns a retryable FAILED record to QUEUED ahead of
	// a fresh enqueue. Reports whether a row was updated.
	MarkQueued(ctx context.Context, id string) (bool, error)
	ListRetryable(ctx context.Context, limit int) ([]domain.Message, error)
	DeleteSentBefore(ctx context.Context, cutoff time.Time) (int64, error)
	RecordEngagement(ctx context.Context, id string, event EngagementEvent) error
}

type GormMessageRepo struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormMessageRepo(db *gorm.DB) *GormMessageRepo {
	return &GormMessageRepo{db: db, now: time.Now}
}

func (r *GormMessageRepo) Create(ctx context.Context, m *domain.Message) error {
	model := messageModelFromDomain(m)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if m != nil {
		*m = *messageModelToDomain(model)
	}
	return nil
}

func (r *GormMessageRepo) GetByID(ctx context.Context, id string) (*domain.Message, error) {
	var model MessageModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return messageModelToDomain(&model), nil
}

func (r *GormMessageRepo) List(ctx context.Context, params ListParams) ([]domain.Message, int64, error) {
	query := r.db.WithContext(ctx).Model(&MessageModel{})

	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
	}
	if params.Category != nil {
		query = query.Where("category = ?", *params.Category)
	}
	if params.UserID != nil {
		query = query.Where("user_id = ?", *params.UserID)
	}
	if params.From != nil {
		query = query.Where("created_at >= ?", *params.From)
	}
	if params.To != nil {
		query = query.Where("created_at <= ?", *params.To)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := max(params.Page, 1)
	pageSize := params.PageSize
	if pageSize < 1 {
		pageSize = 50
	}
	pageSize = min(pageSize, 100)

	var models []MessageModel
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	messages := make([]domain.Message, 0, len(models))
	for i := range models {
		messages = append(messages, *messageModelToDomain(&models[i]))
	}

	return messages, total, nil
}

// beginAttemptPath returns the guarded status hops that take a
// deliverable record to SENDING. A retryable FAILED record re-enters
// through QUEUED; the state machine has no FAILED -> SENDING edge.
func beginAttemptPath(from domain.Status) ([]domain.Status, error) {
	var hops []domain.Status
	switch from {
	case domain.StatusQueued:
		hops = []domain.Status{domain.StatusSending}
	case domain.StatusFailed:
		hops = []domain.Status{domain.StatusQueued, domain.StatusSending}
	default:
		return nil, fmt.Errorf("%w: cannot begin attempt from %s", domain.ErrTerminalStatus, from)
	}

	prev := from
	for _, next := range hops {
		if !domain.CanTransition(prev, next) {
			return nil, fmt.Errorf("%w: %s -> %s", domain.ErrTerminalStatus, prev, next)
		}
		prev = next
	}
	return hops, nil
}

func (r *GormMessageRepo) BeginAttempt(ctx context.Context, id string) (*domain.Message, error) {
	var message *domain.Message
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model MessageModel
		err := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&model, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}

		candidate := messageModelToDomain(&model)
		if !candidate.Deliverable() {
			return nil
		}

		hops, err := beginAttemptPath(candidate.Status)
		if err != nil {
			return err
		}
		for _, next := range hops {
			if err := tx.Model(&model).Update("status", next).Error; err != nil {
				return err
			}
			candidate.Status = next
		}

		message = candidate
		return nil
	})
	if err != nil {
		return nil, err
	}
	return message, nil
}

func (r *GormMessageRepo) MarkSent(ctx context.Context, id string, providerResponse string) error {
	updates := map[string]any{
		"status":  domain.StatusSent,
		"sent_at": r.now().UTC(),
	}
	if providerResponse != "" {
		updates["provider_response"] = providerResponse
	}

	result := r.db.WithContext(ctx).
		Model(&MessageModel{}).
		Where("id = ? AND status = ?", id, domain.StatusSending).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormMessageRepo) RecordFailure(ctx context.Context, id string, errMsg string) error {
	result := r.db.WithContext(ctx).
		Model(&MessageModel{}).
		Where("id = ? AND status = ?", id, domain.StatusSending).
		Updates(map[string]any{
			"status":      domain.StatusFailed,
			"retry_count": gorm.Expr("retry_count + 1"),
			"last_error":  errMsg,
			"failed_at":   r.now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormMessageRepo) MarkFailedTerminal(ctx context.Context, id string, summary string) error {
	eligible := []domain.Status{domain.StatusQueued, domain.StatusSending, domain.StatusFailed}
	result := r.db.WithContext(ctx).
		Model(&MessageModel{}).
		Where("id = ? AND status IN ?", id, eligible).
		Updates(map[string]any{
			"status":     domain.StatusFailed,
			"last_error": summary,
			"failed_at":  r.now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormMessageRepo) MarkQueued(ctx context.Context, id string) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&MessageModel{}).
		Where("id = ? AND status = ? AND retry_count < max_attempts", id, domain.StatusFailed).
		Update("status", domain.StatusQueued)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormMessageRepo) ListRetryable(ctx context.Context, limit int) ([]domain.Message, error) {
	var models []MessageModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND retry_count < max_attempts", domain.StatusFailed).
		Order("failed_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	messages := make([]domain.Message, 0, len(models))
	for i := range models {
		messages = append(messages, *messageModelToDomain(&models[i]))
	}

	return messages, nil
}

func (r *GormMessageRepo) DeleteSentBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status = ? AND sent_at < ?", domain.StatusSent, cutoff).
		Delete(&MessageModel{})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (r *GormMessageRepo) RecordEngagement(ctx context.Context, id string, event EngagementEvent) error {
	now := r.now().UTC()

	var result *gorm.DB
	switch event {
	case EngagementDelivered:
		result = r.db.WithContext(ctx).
			Model(&MessageModel{}).
			Where("id = ? AND status = ?", id, domain.StatusSent).
			Updates(map[string]any{
				"status":       domain.StatusDelivered,
				"delivered_at": now,
			})
	case EngagementOpened:
		// First open advances the status; repeats only count.
		result = r.db.WithContext(ctx).
			Model(&MessageModel{}).
			Where("id = ? AND status = ?", id, domain.StatusDelivered).
			Updates(map[string]any{
				"status":     domain.StatusOpened,
				"opened_at":  now,
				"open_count": gorm.Expr("open_count + 1"),
			})
		if result.Error == nil && result.RowsAffected == 0 {
			result = r.db.WithContext(ctx).
				Model(&MessageModel{}).
				Where("id = ? AND status IN ?", id, []domain.Status{domain.StatusOpened, domain.StatusClicked}).
				Update("open_count", gorm.Expr("open_count + 1"))
		}
	case EngagementClicked:
		result = r.db.WithContext(ctx).
			Model(&MessageModel{}).
			Where("id = ? AND status = ?", id, domain.StatusOpened).
			Updates(map[string]any{
				"status":      domain.StatusClicked,
				"clicked_at":  now,
				"click_count": gorm.Expr("click_count + 1"),
			})
		if result.Error == nil && result.RowsAffected == 0 {
			result = r.db.WithContext(ctx).
				Model(&MessageModel{}).
				Where("id = ? AND status = ?", id, domain.StatusClicked).
				Update("click_count", gorm.Expr("click_count + 1"))
		}
	case EngagementBounced:
		result = r.db.WithContext(ctx).
			Model(&MessageModel{}).
			Where("id = ? AND status IN ?", id, []domain.Status{domain.StatusSending, domain.StatusSent}).
			Updates(map[string]any{
				"status":     domain.StatusBounced,
				"bounced_at": now,
			})
	case EngagementComplained:
		result = r.db.WithContext(ctx).
			Model(&MessageModel{}).
			Where("id = ? AND status IN ?", id, []domain.Status{domain.StatusSending, domain.StatusSent}).
			Update("status", domain.StatusComplained)
	default:
		return fmt.Errorf("%w: unknown engagement event %q", domain.ErrValidation, event)
	}

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}
