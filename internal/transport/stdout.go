package transport

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StdoutTransport logs messages instead of delivering them. Intended
// for local development runs without a relay.
type StdoutTransport struct {
	logger *zap.Logger
}

func NewStdoutTransport(logger *zap.Logger) *StdoutTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StdoutTransport{logger: logger}
}

func (t *StdoutTransport) Send(ctx context.Context, out Outbound) (*Receipt, error) {
	t.logger.Info("stdout transport delivery",
		zap.String("to", out.To),
		zap.String("subject", out.Subject),
		zap.String("category", out.Category.String()),
		zap.Int("attachments", len(out.Attachments)),
	)

	return &Receipt{
		StatusCode: http.StatusOK,
		Body:       "delivered to stdout",
		MessageID:  uuid.NewString(),
	}, nil
}
