package handlers

import (
	"context"
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/classroom-assistant/backend/internal/middleware/security"
	"github.com/classroom-assistant/backend/internal/rag"
	"github.com/classroom-assistant/backend/internal/storage/models"
	"github.com/classroom-assistant/backend/pkg/logger"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100

	msgNoSearchableText = "question must contain searchable text"
)

// Answerer is satisfied by *rag.Engine.
type Answerer interface {
	Answer(ctx context.Context, q rag.Question) (*rag.Answer, error)
}

// HistoryReader is satisfied by *sqlite.Client.
type HistoryReader interface {
	QAHistory(ctx context.Context, userID string, limit int) ([]models.QARecord, error)
}

type QAHandler struct {
	engine  Answerer
	history HistoryReader
}

func NewQAHandler(engine Answerer, history HistoryReader) *QAHandler {
	return &QAHandler{
		engine:  engine,
		history: history,
	}
}

func (h *QAHandler) Ask(c *fiber.Ctx) error {
	var q rag.Question
	if err := c.BodyParser(&q); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	q.UserID = security.UserID(c)

	answer, err := h.engine.Answer(c.UserContext(), q)
	if errors.Is(err, rag.ErrEmptyQuestion) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": msgNoSearchableText,
		})
	}
	if err != nil {
		logger.Error("Failed to answer question", zap.Error(err))
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "The question could not be processed right now",
		})
	}

	return c.JSON(answer)
}

func (h *QAHandler) History(c *fiber.Ctx) error {
	userID := c.Query("user_id", security.UserID(c))
	if userID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "user_id is required",
		})
	}
	if userID != security.UserID(c) && !security.HasRole(c, models.RoleTeacher) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "cannot read another user's history",
		})
	}

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "limit must be a positive integer",
			})
		}
		limit = min(n, maxHistoryLimit)
	}

	records, err := h.history.QAHistory(c.UserContext(), userID, limit)
	if err != nil {
		logger.Error("Failed to load QA history", zap.Error(err), zap.String("user_id", userID))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load history",
		})
	}

	return c.JSON(fiber.Map{
		"user_id": userID,
		"history": records,
	})
}
