package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/classroom-assistant/backend/internal/embedding"
	"github.com/classroom-assistant/backend/internal/indexing"
	"github.com/classroom-assistant/backend/internal/vector"
	"github.com/classroom-assistant/backend/pkg/logger"
)

// ContentIndexer is satisfied by *indexing.Indexer.
type ContentIndexer interface {
	IndexContent(ctx context.Context, doc indexing.Document) (int, error)
}

type DocumentHandler struct {
	indexer ContentIndexer
}

func NewDocumentHandler(indexer ContentIndexer) *DocumentHandler {
	return &DocumentHandler{
		indexer: indexer,
	}
}

// UploadDocument indexes a piece of course material, plain text or HTML.
func (h *DocumentHandler) UploadDocument(c *fiber.Ctx) error {
	var req struct {
		Text        string `json:"text"`
		ContentType string `json:"content_type"`
		SourceType  string `json:"source_type"`
		SourceID    string `json:"source_id"`
		CourseID    string `json:"course_id"`
		CourseName  string `json:"course_name"`
		Title       string `json:"title"`
		PostedDate  string `json:"posted_date"`
		DueDate     string `json:"due_date"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.SourceType == "" {
		req.SourceType = vector.SourceMaterial
	}
	if req.SourceID == "" {
		req.SourceID = uuid.New().String()
	}

	doc := indexing.Document{
		Text:        req.Text,
		ContentType: req.ContentType,
		Metadata: vector.Metadata{
			SourceType: req.SourceType,
			SourceID:   req.SourceID,
			CourseID:   req.CourseID,
			CourseName: req.CourseName,
			Title:      req.Title,
			PostedDate: req.PostedDate,
			DueDate:    req.DueDate,
		},
	}

	n, err := h.indexer.IndexContent(c.UserContext(), doc)
	switch {
	case errors.Is(err, indexing.ErrInvalidDocument):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	case errors.Is(err, embedding.ErrEmbeddingFailed):
		logger.Error("Failed to embed document", zap.Error(err), zap.String("source_id", req.SourceID))
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "Embedding model unavailable",
		})
	case err != nil:
		logger.Error("Failed to index document", zap.Error(err), zap.String("source_id", req.SourceID))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to index document",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"source_type": req.SourceType,
		"source_id":   req.SourceID,
		"chunks":      n,
	})
}
