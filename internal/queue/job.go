package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/atlasdesk/mailroom/internal/domain"
)

// State is the queue-side lifecycle of a job, independent of the
// message lifecycle owned by the delivery record store.
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	// StateFailed marks a dead-letter entry: every retry attempt has
	// been consumed and the job is retained for the drain sweep.
	StateFailed State = "failed"
)

func (s State) IsValid() bool {
	switch s {
	case StateWaiting, StateDelayed, StateActive, StateCompleted, StateFailed:
		return true
	}
	return false
}

// Payload is the snapshot of everything a delivery attempt needs. It
// references the message by id; the record store stays the source of
// truth for business-visible status.
type Payload struct {
	MessageID   string              `json:"messageId"`
	UserID      *string             `json:"userId,omitempty"`
	Recipient   string              `json:"recipient"`
	Subject     string              `json:"subject"`
	HTMLBody    string              `json:"htmlBody,omitempty"`
	TextBody    string              `json:"textBody,omitempty"`
	Category    domain.Category     `json:"category"`
	Attachments []domain.Attachment `json:"attachments,omitempty"`
	Metadata    map[string]string   `json:"metadata,omitempty"`
}

func (p Payload) Validate() error {
	if strings.TrimSpace(p.MessageID) == "" {
		return fmt.Errorf("messageId is required")
	}
	if strings.TrimSpace(p.Recipient) == "" {
		return fmt.Errorf("recipient is required")
	}
	if !p.Category.IsValid() {
		return fmt.Errorf("invalid category %q", p.Category)
	}
	return nil
}

// Job is one unit of work in the queue. Handles returned to callers are
// copies; live state is owned exclusively by the queue.
type Job struct {
	ID           string
	Payload      Payload
	Opts         Options
	State        State
	Attempts     int
	StalledCount int
	LastError    string
	NotBefore    time.Time
	EnqueuedAt   time.Time
	FinishedAt   time.Time

	// seq breaks FIFO ties within one priority tier.
	seq uint64
	// leaseToken identifies the worker currently owning the job. A
	// report carrying a stale token is ignored, so a worker presumed
	// stalled cannot complete a job that was already re-leased.
	leaseToken uint64
	leasedAt   time.Time
}

func (j *Job) clone() *Job {
	copied := *j
	return &copied
}
