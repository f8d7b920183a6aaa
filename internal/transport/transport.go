package transport

import (
	"context"

	"github.com/atlasdesk/mailroom/internal/domain"
)

// Outbound is the fully-formed message handed to the delivery service.
// The pipeline never renders content; it only delivers it.
type Outbound struct {
	To          string
	Subject     string
	HTML        string
	Text        string
	Attachments []domain.Attachment
	Category    domain.Category
}

// Receipt stores delivery-service call metadata for audit and
// persistence.
type Receipt struct {
	StatusCode int
	Body       string
	MessageID  string
}

// Transport is the outbound delivery port. One call is exactly one
// delivery attempt; retry policy lives entirely in the queue.
type Transport interface {
	Send(ctx context.Context, out Outbound) (*Receipt, error)
}
