package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/diaglink/proxy/internal/core/services"
	"github.com/diaglink/proxy/internal/infrastructure/logger"
	"github.com/diaglink/proxy/internal/transport/http/dto"
)

type TaskHandler struct {
	registry *services.TaskRegistry
	timeline *services.TaskTimeline
	logger   *logger.Logger
}

func NewTaskHandler(registry *services.TaskRegistry, timeline *services.TaskTimeline, logger *logger.Logger) *TaskHandler {
	return &TaskHandler{registry: registry, timeline: timeline, logger: logger}
}

func (h *TaskHandler) ListTasks(c *fiber.Ctx) error {
	snap := h.registry.Snapshot()
	out := make([]dto.TaskResponse, 0, len(snap))
	for _, t := range snap {
		out = append(out, dto.NewTaskResponse(t))
	}
	return c.JSON(out)
}

func (h *TaskHandler) CancelTask(c *fiber.Ctx) error {
	id := c.Params("id")
	if !h.registry.Cancel(id) {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: services.ErrTaskUnknown.Error()})
	}
	h.logger.Infow("task_cancel_admin", "task_id", id)
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *TaskHandler) GetTaskEvents(c *fiber.Ctx) error {
	if h.timeline == nil {
		return c.JSON([]any{})
	}
	events, err := h.timeline.Events(c.Context(), c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: err.Error()})
	}
	return c.JSON(events)
}

func (h *TaskHandler) RecentEvents(c *fiber.Ctx) error {
	if h.timeline == nil {
		return c.JSON([]any{})
	}
	events, err := h.timeline.Recent(c.Context(), c.QueryInt("limit", 50))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: err.Error()})
	}
	return c.JSON(events)
}
