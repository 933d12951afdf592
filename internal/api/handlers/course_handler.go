package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/classroom-assistant/backend/internal/kg/neo4j"
	"github.com/classroom-assistant/backend/internal/storage/models"
	"github.com/classroom-assistant/backend/pkg/logger"
)

// SnapshotImporter is satisfied by *sqlite.Client.
type SnapshotImporter interface {
	ImportSnapshot(ctx context.Context, snap *models.Snapshot) error
}

// TopicReader is satisfied by *neo4j.Client.
type TopicReader interface {
	TopKeywords(ctx context.Context, courseID string, limit int) ([]neo4j.Topic, error)
	ContentForTopic(ctx context.Context, courseID, topic string) ([]neo4j.ContentRef, error)
}

type CourseHandler struct {
	importer SnapshotImporter
	topics   TopicReader
}

// NewCourseHandler builds the course endpoints. topics is nil when the topic
// graph is disabled.
func NewCourseHandler(importer SnapshotImporter, topics TopicReader) *CourseHandler {
	return &CourseHandler{
		importer: importer,
		topics:   topics,
	}
}

// Topics lists the most mentioned topics of a course, or with ?topic= the
// content that mentions one topic.
func (h *CourseHandler) Topics(c *fiber.Ctx) error {
	if h.topics == nil {
		return c.Status(fiber.StatusNotImplemented).JSON(fiber.Map{
			"error": "Topic graph is disabled",
		})
	}

	courseID := c.Params("course_id")
	ctx := c.UserContext()

	if topic := c.Query("topic"); topic != "" {
		refs, err := h.topics.ContentForTopic(ctx, courseID, topic)
		if err != nil {
			logger.Error("Failed to load topic content", zap.Error(err), zap.String("course_id", courseID))
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"error": "Topic graph unavailable",
			})
		}
		return c.JSON(fiber.Map{
			"course_id": courseID,
			"topic":     topic,
			"content":   refs,
		})
	}

	topics, err := h.topics.TopKeywords(ctx, courseID, c.QueryInt("limit", 0))
	if err != nil {
		logger.Error("Failed to load topics", zap.Error(err), zap.String("course_id", courseID))
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Topic graph unavailable",
		})
	}

	return c.JSON(fiber.Map{
		"course_id": courseID,
		"topics":    topics,
	})
}

// ImportSnapshot stores a classroom snapshot for the course in the path.
func (h *CourseHandler) ImportSnapshot(c *fiber.Ctx) error {
	courseID := c.Params("course_id")

	var snap models.Snapshot
	if err := c.BodyParser(&snap); err != nil {
		logger.Error("Failed to parse snapshot", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if snap.Course.ID == "" {
		snap.Course.ID = courseID
	}
	if snap.Course.ID != courseID {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "course id in body does not match path",
		})
	}

	if err := h.importer.ImportSnapshot(c.UserContext(), &snap); err != nil {
		logger.Error("Failed to import snapshot", zap.Error(err), zap.String("course_id", courseID))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to import snapshot",
		})
	}

	logger.Info("Snapshot imported",
		zap.String("course_id", courseID),
		zap.Int("assignments", len(snap.Assignments)),
		zap.Int("announcements", len(snap.Announcements)),
		zap.Int("submissions", len(snap.Submissions)),
	)

	return c.JSON(fiber.Map{
		"course_id":     courseID,
		"users":         len(snap.Users),
		"enrollments":   len(snap.Enrollments),
		"assignments":   len(snap.Assignments),
		"submissions":   len(snap.Submissions),
		"announcements": len(snap.Announcements),
	})
}
