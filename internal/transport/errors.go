package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// RejectKind distinguishes recipient-level rejections reported
// synchronously by the delivery service from plain send failures.
type RejectKind string

const (
	RejectNone      RejectKind = ""
	RejectBounce    RejectKind = "bounce"
	RejectComplaint RejectKind = "complaint"
)

// SendError classifies delivery failures as transient/permanent and
// carries recipient rejections.
type SendError struct {
	StatusCode int
	Message    string
	Transient  bool
	Reject     RejectKind
	Cause      error
}

func (e *SendError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 4)
	parts = append(parts, "transport error")

	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *SendError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsTransient reports whether an error should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var sendErr *SendError
	if errors.As(err, &sendErr) {
		return sendErr.Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}

// RejectKindOf extracts the recipient rejection from an error chain.
func RejectKindOf(err error) RejectKind {
	var sendErr *SendError
	if errors.As(err, &sendErr) {
		return sendErr.Reject
	}
	return RejectNone
}
