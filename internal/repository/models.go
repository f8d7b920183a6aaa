package repository

import (
	"time"

	"github.com/atlasdesk/mailroom/internal/domain"
)

// MessageModel is the persistence model for the messages table.
type MessageModel struct {
	ID               string              `gorm:"type:uuid;primaryKey"`
	UserID           *string             `gorm:"type:uuid"`
	Recipient        string              `gorm:"type:varchar(255);not null"`
	Subject          string              `gorm:"type:varchar(500);not null"`
	HTMLBody         string              `gorm:"type:text"`
	TextBody         string              `gorm:"type:text"`
	Category         domain.Category     `gorm:"type:varchar(20);not null"`
	Status           domain.Status       `gorm:"type:varchar(20);not null"`
	RetryCount       int                 `gorm:"not null;default:0"`
	MaxAttempts      int                 `gorm:"not null;default:3"`
	LastError        *string             `gorm:"type:text"`
	ProviderResponse *string             `gorm:"type:text"`
	OpenCount        int                 `gorm:"not null;default:0"`
	ClickCount       int                 `gorm:"not null;default:0"`
	Metadata         map[string]string   `gorm:"serializer:json"`
	Attachments      []domain.Attachment `gorm:"serializer:json"`
	SentAt           *time.Time
	DeliveredAt      *time.Time
	OpenedAt         *time.Time
	ClickedAt        *time.Time
	BouncedAt        *time.Time
	FailedAt         *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (MessageModel) TableName() string {
	return "messages"
}

// QueueJobModel is the persistence model for queue_jobs, the durable
// mirror of the in-process job arena.
type QueueJobModel struct {
	ID           string  `gorm:"type:uuid;primaryKey"`
	MessageID    string  `gorm:"type:uuid;not null"`
	State        string  `gorm:"type:varchar(20);not null"`
	Priority     int     `gorm:"not null;default:0"`
	Attempts     int     `gorm:"not null;default:0"`
	StalledCount int     `gorm:"not null;default:0"`
	LastError    *string `gorm:"type:text"`
	Payload      []byte  `gorm:"type:jsonb;not null"`
	Options      []byte  `gorm:"type:jsonb;not null"`
	NotBefore    *time.Time
	EnqueuedAt   time.Time
	FinishedAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (QueueJobModel) TableName() string {
	return "queue_jobs"
}

func messageModelFromDomain(m *domain.Message) *MessageModel {
	if m == nil {
		return nil
	}

	return &MessageModel{
		ID:               m.ID,
		UserID:           m.UserID,
		Recipient:        m.Recipient,
		Subject:          m.Subject,
		HTMLBody:         m.HTMLBody,
		TextBody:         m.TextBody,
		Category:         m.Category,
		Status:           m.Status,
		RetryCount:       m.RetryCount,
		MaxAttempts:      m.MaxAttempts,
		LastError:        m.LastError,
		ProviderResponse: m.ProviderResponse,
		OpenCount:        m.OpenCount,
		ClickCount:       m.ClickCount,
		Metadata:         m.Metadata,
		Attachments:      m.Attachments,
		SentAt:           m.SentAt,
		DeliveredAt:      m.DeliveredAt,
		OpenedAt:         m.OpenedAt,
		ClickedAt:        m.ClickedAt,
		BouncedAt:        m.BouncedAt,
		FailedAt:         m.FailedAt,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func messageModelToDomain(m *MessageModel) *domain.Message {
	if m == nil {
		return nil
	}

	return &domain.Message{
		ID:               m.ID,
		UserID:           m.UserID,
		Recipient:        m.Recipient,
		Subject:          m.Subject,
		HTMLBody:         m.HTMLBody,
		TextBody:         m.TextBody,
		Category:         m.Category,
		Status:           m.Status,
		RetryCount:       m.RetryCount,
		MaxAttempts:      m.MaxAttempts,
		LastError:        m.LastError,
		ProviderResponse: m.ProviderResponse,
		OpenCount:        m.OpenCount,
		ClickCount:       m.ClickCount,
		Metadata:         m.Metadata,
		Attachments:      m.Attachments,
		SentAt:           m.SentAt,
		DeliveredAt:      m.DeliveredAt,
		OpenedAt:         m.OpenedAt,
		ClickedAt:        m.ClickedAt,
		BouncedAt:        m.BouncedAt,
		FailedAt:         m.FailedAt,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}
