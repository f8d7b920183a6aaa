package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/atlasdesk/mailroom/internal/domain"
	"github.com/atlasdesk/mailroom/internal/fanout"
	"github.com/atlasdesk/mailroom/internal/prefs"
	"github.com/atlasdesk/mailroom/internal/repository"
)

const (
	defaultPage     = 1
	defaultPageSize = 50
	maxPageSize     = 100
)

// Sender admits messages into the delivery pipeline. Single sends are
// a fan-out of one.
type Sender interface {
	Send(ctx context.Context, req fanout.Request, onProgress func(fanout.Progress)) (*fanout.Result, error)
}

// MessageReader is the read-only slice of the record store the API
// exposes.
type MessageReader interface {
	GetByID(ctx context.Context, id string) (*domain.Message, error)
	List(ctx context.Context, params repository.ListParams) ([]domain.Message, int64, error)
}

type MessageHandler struct {
	sender      Sender
	messages    MessageReader
	preferences prefs.Store
}

func NewMessageHandler(sender Sender, messages MessageReader, preferences prefs.Store) (*MessageHandler, error) {
	if sender == nil {
		return nil, fmt.Errorf("sender is required")
	}
	if messages == nil {
		return nil, fmt.Errorf("message reader is required")
	}
	if preferences == nil {
		preferences = prefs.AllowAll{}
	}
	return &MessageHandler{sender: sender, messages: messages, preferences: preferences}, nil
}

func RegisterMessageRoutes(router fiber.Router, sender Sender, messages MessageReader, preferences prefs.Store) error {
	h, err := NewMessageHandler(sender, messages, preferences)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/messages", h.CreateMessage)
	v1.Post("/messages/bulk", h.CreateBulk)
	v1.Get("/messages/:id", h.GetMessage)
	v1.Get("/messages", h.ListMessages)

	return nil
}

type attachmentRequest struct {
	Filename    string `json:"filename"`
	Content     []byte `json:"content,omitempty"`
	Path        string `json:"path,omitempty"`
	ContentType string `json:"contentType,omitempty"`
}

type createMessageRequest struct {
	UserID      *string             `json:"userId,omitempty"`
	Recipient   string              `json:"recipient"`
	Subject     string              `json:"subject"`
	HTMLBody    string              `json:"htmlBody"`
	TextBody    string              `json:"textBody,omitempty"`
	Category    string              `json:"category"`
	Priority    int                 `json:"priority,omitempty"`
	Metadata    map[string]string   `json:"metadata,omitempty"`
	Attachments []attachmentRequest `json:"attachments,omitempty"`
}

type bulkRecipientRequest struct {
	Address string            `json:"address"`
	UserID  *string           `json:"userId,omitempty"`
	Data    map[string]string `json:"data,omitempty"`
}

type createBulkRequest struct {
	Subject      string                 `json:"subject"`
	HTMLBody     string                 `json:"htmlBody"`
	TextBody     string                 `json:"textBody,omitempty"`
	Category     string                 `json:"category"`
	Priority     int                    `json:"priority,omitempty"`
	Metadata     map[string]string      `json:"metadata,omitempty"`
	Attachments  []attachmentRequest    `json:"attachments,omitempty"`
	Recipients   []bulkRecipientRequest `json:"recipients"`
	BatchSize    int                    `json:"batchSize,omitempty"`
	BatchDelayMs int                    `json:"batchDelayMs,omitempty"`
}

type messageResponse struct {
	ID               string            `json:"id"`
	UserID           *string           `json:"userId,omitempty"`
	Recipient        string            `json:"recipient"`
	Subject          string            `json:"subject"`
	Category         string            `json:"category"`
	Status           string            `json:"status"`
	RetryCount       int               `json:"retryCount"`
	MaxAttempts      int               `json:"maxAttempts"`
	LastError        *string           `json:"lastError,omitempty"`
	ProviderResponse *string           `json:"providerResponse,omitempty"`
	OpenCount        int               `json:"openCount"`
	ClickCount       int               `json:"clickCount"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	SentAt           *time.Time        `json:"sentAt,omitempty"`
	DeliveredAt      *time.Time        `json:"deliveredAt,omitempty"`
	OpenedAt         *time.Time        `json:"openedAt,omitempty"`
	ClickedAt        *time.Time        `json:"clickedAt,omitempty"`
	BouncedAt        *time.Time        `json:"bouncedAt,omitempty"`
	FailedAt         *time.Time        `json:"failedAt,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

type createMessageResponse struct {
	MessageID string `json:"messageId,omitempty"`
	Status    string `json:"status"`
	Skipped   bool   `json:"skipped,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type recipientErrorItem struct {
	Index   int    `json:"index"`
	Address string `json:"address"`
	Reason  string `json:"reason"`
}

type createBulkResponse struct {
	Total      int                  `json:"total"`
	Succeeded  int                  `json:"succeeded"`
	Failed     int                  `json:"failed"`
	Skipped    int                  `json:"skipped"`
	MessageIDs []string             `json:"messageIds"`
	Errors     []recipientErrorItem `json:"errors,omitempty"`
}

type listMessagesResponse struct {
	Data []messageResponse `json:"data"`
	Meta listMeta          `json:"meta"`
}

type listMeta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
}

func (h *MessageHandler) CreateMessage(c *fiber.Ctx) error {
	var req createMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	category, err := domain.ParseCategoryFromString(req.Category)
	if err != nil {
		return toHTTPError(err)
	}

	userID := ""
	if req.UserID != nil {
		userID = *req.UserID
	}
	allowed, err := h.preferences.IsAllowed(c.Context(), userID, category)
	if err != nil {
		return fmt.Errorf("failed to check preferences: %w", err)
	}
	if !allowed {
		return c.Status(fiber.StatusOK).JSON(createMessageResponse{
			Status:  "skipped",
			Skipped: true,
			Reason:  "recipient opted out of " + strings.ToLower(category.String()),
		})
	}

	result, err := h.sender.Send(c.Context(), fanout.Request{
		Subject:     strings.TrimSpace(req.Subject),
		HTMLBody:    req.HTMLBody,
		TextBody:    req.TextBody,
		Category:    category,
		Metadata:    req.Metadata,
		Attachments: toAttachments(req.Attachments),
		Priority:    req.Priority,
		Recipients: []fanout.Recipient{{
			Address: strings.TrimSpace(req.Recipient),
			UserID:  req.UserID,
		}},
	}, nil)
	if err != nil {
		return toHTTPError(err)
	}

	if result.Failed > 0 {
		reason := "failed to admit message"
		if len(result.Errors) > 0 {
			reason = result.Errors[0].Reason
		}
		return fiber.NewError(fiber.StatusInternalServerError, reason)
	}

	return c.Status(fiber.StatusAccepted).JSON(createMessageResponse{
		MessageID: result.MessageIDs[0],
		Status:    domain.StatusQueued.String(),
	})
}

func (h *MessageHandler) CreateBulk(c *fiber.Ctx) error {
	var req createBulkRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	if len(req.Recipients) == 0 {
		return toHTTPError(fmt.Errorf("%w: recipients is required", domain.ErrValidation))
	}

	category, err := domain.ParseCategoryFromString(req.Category)
	if err != nil {
		return toHTTPError(err)
	}

	recipients := make([]fanout.Recipient, 0, len(req.Recipients))
	skipped := 0
	for _, item := range req.Recipients {
		userID := ""
		if item.UserID != nil {
			userID = *item.UserID
		}
		allowed, err := h.preferences.IsAllowed(c.Context(), userID, category)
		if err != nil {
			return fmt.Errorf("failed to check preferences: %w", err)
		}
		if !allowed {
			skipped++
			continue
		}
		recipients = append(recipients, fanout.Recipient{
			Address: strings.TrimSpace(item.Address),
			UserID:  item.UserID,
			Data:    item.Data,
		})
	}

	if len(recipients) == 0 {
		return c.Status(fiber.StatusOK).JSON(createBulkResponse{
			Total:      len(req.Recipients),
			Skipped:    skipped,
			MessageIDs: []string{},
		})
	}

	result, err := h.sender.Send(c.Context(), fanout.Request{
		Subject:     strings.TrimSpace(req.Subject),
		HTMLBody:    req.HTMLBody,
		TextBody:    req.TextBody,
		Category:    category,
		Metadata:    req.Metadata,
		Attachments: toAttachments(req.Attachments),
		Priority:    req.Priority,
		Recipients:  recipients,
		BatchSize:   req.BatchSize,
		BatchDelay:  time.Duration(req.BatchDelayMs) * time.Millisecond,
	}, nil)
	if err != nil {
		return toHTTPError(err)
	}

	items := make([]recipientErrorItem, 0, len(result.Errors))
	for _, recipientErr := range result.Errors {
		items = append(items, recipientErrorItem{
			Index:   recipientErr.Index,
			Address: recipientErr.Address,
			Reason:  recipientErr.Reason,
		})
	}

	return c.Status(fiber.StatusAccepted).JSON(createBulkResponse{
		Total:      len(req.Recipients),
		Succeeded:  result.Succeeded,
		Failed:     result.Failed,
		Skipped:    skipped,
		MessageIDs: result.MessageIDs,
		Errors:     items,
	})
}

func (h *MessageHandler) GetMessage(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	message, err := h.messages.GetByID(c.Context(), id)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toMessageResponse(message))
}

func (h *MessageHandler) ListMessages(c *fiber.Ctx) error {
	params, err := parseListParams(c)
	if err != nil {
		return toHTTPError(err)
	}

	messages, total, err := h.messages.List(c.Context(), params)
	if err != nil {
		return toHTTPError(err)
	}

	responses := make([]messageResponse, 0, len(messages))
	for i := range messages {
		responses = append(responses, toMessageResponse(&messages[i]))
	}

	return c.Status(fiber.StatusOK).JSON(listMessagesResponse{
		Data: responses,
		Meta: listMeta{
			Page:     params.Page,
			PageSize: params.PageSize,
			Total:    total,
		},
	})
}

func parseListParams(c *fiber.Ctx) (repository.ListParams, error) {
	params := repository.ListParams{
		Page:     c.QueryInt("page", defaultPage),
		PageSize: c.QueryInt("pageSize", defaultPageSize),
	}

	if params.Page < 1 {
		return repository.ListParams{}, fmt.Errorf("%w: page must be >= 1", domain.ErrValidation)
	}
	if params.PageSize < 1 || params.PageSize > maxPageSize {
		return repository.ListParams{}, fmt.Errorf("%w: pageSize must be between 1 and %d", domain.ErrValidation, maxPageSize)
	}

	if rawStatus := strings.TrimSpace(c.Query("status")); rawStatus != "" {
		status, err := domain.ParseStatusFromString(rawStatus)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.Status = &status
	}

	if rawCategory := strings.TrimSpace(c.Query("category")); rawCategory != "" {
		category, err := domain.ParseCategoryFromString(rawCategory)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.Category = &category
	}

	if rawUserID := strings.TrimSpace(c.Query("userId")); rawUserID != "" {
		params.UserID = &rawUserID
	}

	from, err := parseRFC3339Query(c.Query("from"), "from")
	if err != nil {
		return repository.ListParams{}, err
	}
	to, err := parseRFC3339Query(c.Query("to"), "to")
	if err != nil {
		return repository.ListParams{}, err
	}
	params.From = from
	params.To = to

	return params, nil
}

func parseRFC3339Query(value string, field string) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}

	t, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be RFC3339", domain.ErrValidation, field)
	}
	return &t, nil
}

func toAttachments(items []attachmentRequest) []domain.Attachment {
	if len(items) == 0 {
		return nil
	}

	attachments := make([]domain.Attachment, 0, len(items))
	for _, item := range items {
		attachments = append(attachments, domain.Attachment{
			Filename:    strings.TrimSpace(item.Filename),
			Content:     item.Content,
			Path:        strings.TrimSpace(item.Path),
			ContentType: strings.TrimSpace(item.ContentType),
		})
	}
	return attachments
}

func toMessageResponse(m *domain.Message) messageResponse {
	if m == nil {
		return messageResponse{}
	}

	return messageResponse{
		ID:               m.ID,
		UserID:           m.UserID,
		Recipient:        m.Recipient,
		Subject:          m.Subject,
		Category:         m.Category.String(),
		Status:           m.Status.String(),
		RetryCount:       m.RetryCount,
		MaxAttempts:      m.EffectiveMaxAttempts(),
		LastError:        m.LastError,
		ProviderResponse: m.ProviderResponse,
		OpenCount:        m.OpenCount,
		ClickCount:       m.ClickCount,
		Metadata:         m.Metadata,
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

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return err
	}
}
