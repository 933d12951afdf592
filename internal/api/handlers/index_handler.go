package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"go.uber.org/zap"

	"github.com/classroom-assistant/backend/internal/indexing"
	"github.com/classroom-assistant/backend/internal/jobs"
	"github.com/classroom-assistant/backend/internal/vector"
	"github.com/classroom-assistant/backend/pkg/logger"
)

const jobIndexCourse = "index_course"

// CourseIndexer is satisfied by *indexing.CourseIndexer.
type CourseIndexer interface {
	IndexCourse(ctx context.Context, courseID string) (*indexing.CourseIndexResult, error)
	Reindex(ctx context.Context, courseID string) (*indexing.CourseIndexResult, error)
}

// JobRunner is satisfied by *jobs.Pool.
type JobRunner interface {
	Submit(kind string, fn jobs.Func) (string, error)
	Get(id string) (jobs.Job, bool)
}

// EmbeddedResetter clears the embedded flags of a course so a later index
// run picks everything up again. *sqlite.Client satisfies it.
type EmbeddedResetter interface {
	ResetEmbedded(ctx context.Context, courseID string) error
}

// TopicRemover is satisfied by *neo4j.Client.
type TopicRemover interface {
	DeleteCourse(ctx context.Context, courseID string) error
}

type IndexHandler struct {
	deps IndexDeps
}

// IndexDeps groups what the index endpoints need. Topics may be nil.
type IndexDeps struct {
	Courses CourseIndexer
	Jobs    JobRunner
	Store   vector.Store
	Flags   EmbeddedResetter
	Topics  TopicRemover
}

func NewIndexHandler(deps IndexDeps) *IndexHandler {
	return &IndexHandler{deps: deps}
}

// IndexCourse queues indexing of a course and answers 202 with the job id.
// With ?reindex=true every item is embedded again.
func (h *IndexHandler) IndexCourse(c *fiber.Ctx) error {
	// the job outlives the request buffer
	courseID := utils.CopyString(c.Params("course_id"))
	reindex := c.QueryBool("reindex")

	jobID, err := h.deps.Jobs.Submit(jobIndexCourse, func(ctx context.Context) (any, error) {
		if reindex {
			return h.deps.Courses.Reindex(ctx, courseID)
		}
		return h.deps.Courses.IndexCourse(ctx, courseID)
	})
	if errors.Is(err, jobs.ErrQueueFull) {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Indexing queue is full, try again later",
		})
	}
	if err != nil {
		logger.Error("Failed to queue course indexing", zap.Error(err), zap.String("course_id", courseID))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to queue indexing",
		})
	}

	logger.Info("Course indexing queued",
		zap.String("course_id", courseID),
		zap.String("job_id", jobID),
		zap.Bool("reindex", reindex),
	)

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"job_id":    jobID,
		"course_id": courseID,
		"status":    jobs.StatusQueued,
	})
}

// DeleteIndex removes every chunk of a course and marks its items as not
// embedded.
func (h *IndexHandler) DeleteIndex(c *fiber.Ctx) error {
	courseID := c.Params("course_id")
	ctx := c.UserContext()

	if err := h.deps.Store.DeleteWhere(ctx, vector.Filter{CourseID: courseID}); err != nil {
		logger.Error("Failed to delete course chunks", zap.Error(err), zap.String("course_id", courseID))
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Failed to delete course index",
		})
	}

	if err := h.deps.Flags.ResetEmbedded(ctx, courseID); err != nil {
		logger.Error("Failed to reset embedded flags", zap.Error(err), zap.String("course_id", courseID))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to reset course index state",
		})
	}

	if h.deps.Topics != nil {
		if err := h.deps.Topics.DeleteCourse(ctx, courseID); err != nil {
			logger.Warn("Failed to delete course topics", zap.Error(err), zap.String("course_id", courseID))
		}
	}

	logger.Info("Course index deleted", zap.String("course_id", courseID))
	return c.JSON(fiber.Map{
		"course_id": courseID,
		"deleted":   true,
	})
}

func (h *IndexHandler) Stats(c *fiber.Ctx) error {
	n, err := h.deps.Store.Count(c.UserContext())
	if err != nil {
		logger.Error("Failed to count chunks", zap.Error(err))
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Vector store unavailable",
		})
	}

	return c.JSON(fiber.Map{
		"total_chunks": n,
	})
}

func (h *IndexHandler) GetJob(c *fiber.Ctx) error {
	job, ok := h.deps.Jobs.Get(c.Params("id"))
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Job not found",
		})
	}
	return c.JSON(job)
}
