package transport

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultRelayTimeout = 10 * time.Second

type relayAttachment struct {
	Filename    string `json:"filename"`
	Content     string `json:"content,omitempty"`
	Path        string `json:"path,omitempty"`
	ContentType string `json:"contentType,omitempty"`
}

type relayRequest struct {
	To          string            `json:"to"`
	Subject     string            `json:"subject"`
	HTML        string            `json:"html,omitempty"`
	Text        string            `json:"text,omitempty"`
	Category    string            `json:"category,omitempty"`
	Attachments []relayAttachment `json:"attachments,omitempty"`
}

// RelayTransport delivers mail through an SMTP-relay-style HTTP
// service. Retries are disabled on the client; one Send is one attempt.
type RelayTransport struct {
	client   *resty.Client
	endpoint string
}

func NewRelayTransport(endpoint string) (*RelayTransport, error) {
	client := resty.New()
	client.SetTimeout(defaultRelayTimeout)
	client.SetRetryCount(0)

	return NewRelayTransportWithClient(endpoint, client)
}

func NewRelayTransportWithClient(endpoint string, client *resty.Client) (*RelayTransport, error) {
	trimmedEndpoint := strings.TrimSpace(endpoint)
	if trimmedEndpoint == "" {
		return nil, fmt.Errorf("relay endpoint is required")
	}
	if _, err := url.ParseRequestURI(trimmedEndpoint); err != nil {
		return nil, fmt.Errorf("invalid relay endpoint: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultRelayTimeout)
	}
	client.SetRetryCount(0)

	return &RelayTransport{
		client:   client,
		endpoint: trimmedEndpoint,
	}, nil
}

func (t *RelayTransport) Send(ctx context.Context, out Outbound) (*Receipt, error) {
	if t == nil || t.client == nil {
		return nil, fmt.Errorf("transport is not initialized")
	}
	if strings.TrimSpace(out.To) == "" {
		return nil, &SendError{Message: "recipient is required"}
	}

	reqBody := relayRequest{
		To:       out.To,
		Subject:  out.Subject,
		HTML:     out.HTML,
		Text:     out.Text,
		Category: strings.ToLower(out.Category.String()),
	}
	for _, att := range out.Attachments {
		encoded := relayAttachment{
			Filename:    att.Filename,
			Path:        att.Path,
			ContentType: att.ContentType,
		}
		if len(att.Content) > 0 {
			encoded.Content = base64.StdEncoding.EncodeToString(att.Content)
		}
		reqBody.Attachments = append(reqBody.Attachments, encoded)
	}

	response, err := t.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(reqBody).
		Post(t.endpoint)
	if err != nil {
		return nil, &SendError{
			Message:   "relay request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return nil, &SendError{
			Message:   "relay returned empty response",
			Transient: true,
		}
	}

	statusCode := response.StatusCode()
	responseBody := strings.TrimSpace(response.String())

	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return &Receipt{
			StatusCode: statusCode,
			Body:       responseBody,
			MessageID:  relayMessageID(response),
		}, nil
	}

	return nil, &SendError{
		StatusCode: statusCode,
		Message:    relayErrorMessage(statusCode, responseBody),
		Transient:  isTransientHTTPStatus(statusCode),
		Reject:     classifyReject(statusCode, responseBody),
	}
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

// classifyReject maps recipient-level relay rejections onto bounce and
// complaint outcomes. Anything else is a plain send failure.
func classifyReject(statusCode int, body string) RejectKind {
	if statusCode != http.StatusUnprocessableEntity {
		return RejectNone
	}

	lowered := strings.ToLower(body)
	switch {
	case strings.Contains(lowered, "complain"), strings.Contains(lowered, "unsubscribed"):
		return RejectComplaint
	case strings.Contains(lowered, "bounce"), strings.Contains(lowered, "suppress"):
		return RejectBounce
	}
	return RejectNone
}

func relayErrorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("relay returned status %d", statusCode)
	if body == "" {
		return base
	}
	return fmt.Sprintf("%s: %s", base, body)
}

func relayMessageID(response *resty.Response) string {
	if response == nil {
		return ""
	}

	for _, key := range []string{"X-Message-ID", "X-Message-Id", "X-Request-ID", "X-Request-Id"} {
		if value := strings.TrimSpace(response.Header().Get(key)); value != "" {
			return value
		}
	}

	return ""
}
