package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/classroom-assistant/backend/internal/deadlines"
	"github.com/classroom-assistant/backend/internal/middleware/security"
	"github.com/classroom-assistant/backend/pkg/logger"
)

// DeadlineLister is satisfied by *deadlines.Service.
type DeadlineLister interface {
	Upcoming(ctx context.Context, userID string, days, limit int) ([]deadlines.Deadline, error)
}

type DeadlineHandler struct {
	deadlines DeadlineLister
}

func NewDeadlineHandler(lister DeadlineLister) *DeadlineHandler {
	return &DeadlineHandler{
		deadlines: lister,
	}
}

// Upcoming lists the caller's assignments due within ?days (1-30, default 7),
// at most ?limit (1-50, default 10).
func (h *DeadlineHandler) Upcoming(c *fiber.Ctx) error {
	userID := security.UserID(c)
	if userID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "user id header is required",
		})
	}

	days := c.QueryInt("days", deadlines.DefaultDays)
	limit := c.QueryInt("limit", deadlines.DefaultLimit)
	if days < 1 || days > deadlines.MaxDays || limit < 1 || limit > deadlines.MaxLimit {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "days must be 1-30 and limit 1-50",
		})
	}

	upcoming, err := h.deadlines.Upcoming(c.UserContext(), userID, days, limit)
	if err != nil {
		logger.Error("Failed to list upcoming deadlines", zap.Error(err), zap.String("user_id", userID))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list upcoming deadlines",
		})
	}

	return c.JSON(fiber.Map{
		"user_id":   userID,
		"deadlines": upcoming,
	})
}
