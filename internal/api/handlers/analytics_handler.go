package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/classroom-assistant/backend/internal/middleware/security"
	"github.com/classroom-assistant/backend/internal/scoring"
	"github.com/classroom-assistant/backend/internal/storage/models"
	"github.com/classroom-assistant/backend/pkg/logger"
)

// Scorer is satisfied by *scoring.Service.
type Scorer interface {
	ScoreStudent(ctx context.Context, studentID, courseID string) (*models.PerformanceScore, error)
	ClassOverview(ctx context.Context, courseID string) (*scoring.Overview, error)
	StudentScores(ctx context.Context, studentID string) ([]*models.PerformanceScore, error)
	LatestScore(ctx context.Context, studentID, courseID string) (*models.PerformanceScore, error)
	CourseReport(ctx context.Context, courseID, period string) (*scoring.CourseReport, error)
}

type AnalyticsHandler struct {
	scorer Scorer
}

func NewAnalyticsHandler(scorer Scorer) *AnalyticsHandler {
	return &AnalyticsHandler{
		scorer: scorer,
	}
}

// StudentPerformance recomputes the score unless ?cached=true asks for the
// stored one.
func (h *AnalyticsHandler) StudentPerformance(c *fiber.Ctx) error {
	studentID := c.Params("student_id")
	courseID := c.Params("course_id")
	if !canViewStudent(c, studentID) {
		return forbidden(c)
	}

	score := h.scorer.ScoreStudent
	if c.QueryBool("cached") {
		score = h.scorer.LatestScore
	}
	result, err := score(c.UserContext(), studentID, courseID)
	if err != nil {
		logger.Error("Failed to score student",
			zap.Error(err),
			zap.String("student_id", studentID),
			zap.String("course_id", courseID),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to calculate performance",
		})
	}

	return c.JSON(result)
}

// ClassOverview is mounted behind the teacher role check.
func (h *AnalyticsHandler) ClassOverview(c *fiber.Ctx) error {
	courseID := c.Params("course_id")

	overview, err := h.scorer.ClassOverview(c.UserContext(), courseID)
	if err != nil {
		logger.Error("Failed to build class overview", zap.Error(err), zap.String("course_id", courseID))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to build class overview",
		})
	}

	return c.JSON(overview)
}

// CourseReport is mounted behind the teacher role check. ?type is weekly
// (default) or monthly.
func (h *AnalyticsHandler) CourseReport(c *fiber.Ctx) error {
	courseID := c.Params("course_id")
	period := c.Query("type", scoring.PeriodWeekly)

	report, err := h.scorer.CourseReport(c.UserContext(), courseID, period)
	switch {
	case errors.Is(err, scoring.ErrInvalidPeriod):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "type must be weekly or monthly",
		})
	case errors.Is(err, models.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "course not found",
		})
	case err != nil:
		logger.Error("Failed to generate course report",
			zap.Error(err),
			zap.String("course_id", courseID),
			zap.String("period", period),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to generate report",
		})
	}

	return c.JSON(report)
}

func (h *AnalyticsHandler) StudentScores(c *fiber.Ctx) error {
	studentID := c.Params("student_id")
	if !canViewStudent(c, studentID) {
		return forbidden(c)
	}

	scores, err := h.scorer.StudentScores(c.UserContext(), studentID)
	if err != nil {
		logger.Error("Failed to score student courses", zap.Error(err), zap.String("student_id", studentID))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to calculate performance",
		})
	}

	return c.JSON(fiber.Map{
		"student_id": studentID,
		"courses":    scores,
	})
}

// canViewStudent lets students see their own scores and teachers anyone's.
func canViewStudent(c *fiber.Ctx, studentID string) bool {
	return security.HasRole(c, models.RoleTeacher) || security.UserID(c) == studentID
}

func forbidden(c *fiber.Ctx) error {
	return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
		"error": "not allowed to view this student",
	})
}
