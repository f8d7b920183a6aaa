package domain

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle state of a message.
type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusSending    Status = "SENDING"
	StatusSent       Status = "SENT"
	StatusDelivered  Status = "DELIVERED"
	StatusOpened     Status = "OPENED"
	StatusClicked    Status = "CLICKED"
	StatusFailed     Status = "FAILED"
	StatusBounced    Status = "BOUNCED"
	StatusComplained Status = "COMPLAINED"
)

func (s Status) String() string { return string(s) }

func (s Status) IsValid() bool {
	switch s {
	case StatusQueued, StatusSending, StatusSent, StatusDelivered, StatusOpened,
		StatusClicked, StatusFailed, StatusBounced, StatusComplained:
		return true
	}
	return false
}

func ParseStatusFromString(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
	return st, nil
}

// statusTransitions encodes the allowed lifecycle edges. The engagement
// edges (sent onward) are driven by the external receipt path, never by
// the dispatch worker.
var statusTransitions = map[Status][]Status{
	StatusQueued:    {StatusSending},
	StatusSending:   {StatusSent, StatusFailed, StatusBounced, StatusComplained},
	StatusSent:      {StatusDelivered, StatusBounced, StatusComplained},
	StatusDelivered: {StatusOpened},
	StatusOpened:    {StatusClicked},
	StatusFailed:    {StatusQueued},
}

// CanTransition reports whether the edge from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, next := range statusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsHardTerminal reports whether a status can never change again.
// FAILED is absent: it is terminal only once the retry budget is spent,
// which depends on per-message counters (see Message.Deliverable).
func (s Status) IsHardTerminal() bool {
	switch s {
	case StatusBounced, StatusComplained, StatusClicked:
		return true
	}
	return false
}

// Category classifies what kind of notification a message carries.
type Category string

const (
	CategoryWelcome       Category = "WELCOME"
	CategoryVerification  Category = "VERIFICATION"
	CategoryPasswordReset Category = "PASSWORD_RESET"
	CategoryReceipt       Category = "RECEIPT"
	CategorySummary       Category = "SUMMARY"
	CategoryAdmin         Category = "ADMIN"
	CategoryMarketing     Category = "MARKETING"
	CategoryTransactional Category = "TRANSACTIONAL"
)

func (c Category) String() string { return string(c) }

func (c Category) IsValid() bool {
	switch c {
	case CategoryWelcome, CategoryVerification, CategoryPasswordReset, CategoryReceipt,
		CategorySummary, CategoryAdmin, CategoryMarketing, CategoryTransactional:
		return true
	}
	return false
}

func ParseCategoryFromString(s string) (Category, error) {
	c := Category(strings.ToUpper(strings.TrimSpace(s)))
	if !c.IsValid() {
		return "", fmt.Errorf("%w: invalid category %q", ErrValidation, s)
	}
	return c, nil
}

// DefaultMaxAttempts is the delivery attempt budget applied when the
// category has no configured override.
const DefaultMaxAttempts = 3

// Attachment is a file shipped with a message, either inline content or
// a path resolvable by the transport.
type Attachment struct {
	Filename    string `json:"filename"`
	Content     []byte `json:"content,omitempty"`
	Path        string `json:"path,omitempty"`
	ContentType string `json:"contentType,omitempty"`
}

// Message is the durable delivery record: one row per addressed
// notification, owned by the dispatch worker and the maintenance sweeps.
type Message struct {
	ID               string            `gorm:"type:uuid;primaryKey"`
	UserID           *string           `gorm:"type:uuid"`
	Recipient        string            `gorm:"type:varchar(255);not null"`
	Subject          string            `gorm:"type:varchar(500);not null"`
	HTMLBody         string            `gorm:"type:text"`
	TextBody         string            `gorm:"type:text"`
	Category         Category          `gorm:"type:varchar(20);not null"`
	Status           Status            `gorm:"type:varchar(20);not null"`
	RetryCount       int               `gorm:"not null;default:0"`
	MaxAttempts      int               `gorm:"not null;default:3"`
	LastError        *string           `gorm:"type:text"`
	ProviderResponse *string           `gorm:"type:text"`
	OpenCount        int               `gorm:"not null;default:0"`
	ClickCount       int               `gorm:"not null;default:0"`
	Metadata         map[string]string `gorm:"serializer:json"`
	Attachments      []Attachment      `gorm:"serializer:json"`
	SentAt           *time.Time
	DeliveredAt      *time.Time
	OpenedAt         *time.Time
	ClickedAt        *time.Time
	BouncedAt        *time.Time
	FailedAt         *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Deliverable reports whether the dispatch worker may still attempt this
// message. SENT and the engagement states are terminal for the worker;
// FAILED is terminal once the retry budget is exhausted.
func (m *Message) Deliverable() bool {
	switch m.Status {
	case StatusQueued:
		return true
	case StatusFailed:
		return m.RetryCount < m.EffectiveMaxAttempts()
	}
	return false
}

// EffectiveMaxAttempts returns the attempt budget, falling back to the
// package default when the stored value is unset.
func (m *Message) EffectiveMaxAttempts() int {
	if m.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return m.MaxAttempts
}

func (m *Message) Validate() error {
	if strings.TrimSpace(m.Recipient) == "" {
		return fmt.Errorf("%w: recipient is required", ErrValidation)
	}
	if !strings.Contains(m.Recipient, "@") {
		return fmt.Errorf("%w: recipient %q is not an address", ErrValidation, m.Recipient)
	}
	if strings.TrimSpace(m.Subject) == "" {
		return fmt.Errorf("%w: subject is required", ErrValidation)
	}
	if strings.TrimSpace(m.HTMLBody) == "" && strings.TrimSpace(m.TextBody) == "" {
		return fmt.Errorf("%w: message body is required", ErrValidation)
	}
	if !m.Category.IsValid() {
		return fmt.Errorf("%w: invalid category %q", ErrValidation, m.Category)
	}
	for i := range m.Attachments {
		if strings.TrimSpace(m.Attachments[i].Filename) == "" {
			return fmt.Errorf("%w: attachment %d is missing a filename", ErrValidation, i)
		}
		if len(m.Attachments[i].Content) == 0 && strings.TrimSpace(m.Attachments[i].Path) == "" {
			return fmt.Errorf("%w: attachment %q has neither content nor path", ErrValidation, m.Attachments[i].Filename)
		}
	}
	return nil
}
