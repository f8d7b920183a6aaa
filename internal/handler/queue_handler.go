package handler

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2"

	"github.com/atlasdesk/mailroom/internal/maintenance"
)

// QueueAdmin exposes the maintenance scheduler's operational surface.
type QueueAdmin interface {
	CheckHealth(ctx context.Context) maintenance.HealthReport
	PauseDispatch()
	ResumeDispatch()
	DispatchPaused() bool
}

type QueueHandler struct {
	admin QueueAdmin
}

func NewQueueHandler(admin QueueAdmin) (*QueueHandler, error) {
	if admin == nil {
		return nil, fmt.Errorf("queue admin is required")
	}
	return &QueueHandler{admin: admin}, nil
}

func RegisterQueueRoutes(router fiber.Router, admin QueueAdmin) error {
	h, err := NewQueueHandler(admin)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Get("/queue/health", h.QueueHealth)
	v1.Post("/queue/pause", h.PauseQueue)
	v1.Post("/queue/resume", h.ResumeQueue)

	return nil
}

type queueHealthResponse struct {
	Waiting   int      `json:"waiting"`
	Delayed   int      `json:"delayed"`
	Active    int      `json:"active"`
	Completed int      `json:"completed"`
	Failed    int      `json:"failed"`
	Paused    bool     `json:"paused"`
	Warnings  []string `json:"warnings,omitempty"`
}

func (h *QueueHandler) QueueHealth(c *fiber.Ctx) error {
	report := h.admin.CheckHealth(c.Context())

	return c.Status(fiber.StatusOK).JSON(queueHealthResponse{
		Waiting:   report.Counts.Waiting,
		Delayed:   report.Counts.Delayed,
		Active:    report.Counts.Active,
		Completed: report.Counts.Completed,
		Failed:    report.Counts.Failed,
		Paused:    h.admin.DispatchPaused(),
		Warnings:  report.Warnings,
	})
}

func (h *QueueHandler) PauseQueue(c *fiber.Ctx) error {
	h.admin.PauseDispatch()
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"paused": true,
	})
}

func (h *QueueHandler) ResumeQueue(c *fiber.Ctx) error {
	h.admin.ResumeDispatch()
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"paused": false,
	})
}
