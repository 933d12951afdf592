package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/classroom-assistant/backend/internal/evaluation"
	"github.com/classroom-assistant/backend/internal/jobs"
	"github.com/classroom-assistant/backend/pkg/logger"
)

const jobEvaluate = "evaluate_answers"

// DatasetRunner is satisfied by *evaluation.Evaluator.
type DatasetRunner interface {
	Run(ctx context.Context, dataset *evaluation.Dataset) (*evaluation.Report, error)
}

// EvaluationResult is what a finished evaluation job holds: the metrics and
// their plain-text rendering.
type EvaluationResult struct {
	Report  *evaluation.Report `json:"report"`
	Summary string             `json:"summary"`
}

type EvaluationHandler struct {
	evaluator DatasetRunner
	jobs      JobRunner
}

func NewEvaluationHandler(evaluator DatasetRunner, jobs JobRunner) *EvaluationHandler {
	return &EvaluationHandler{
		evaluator: evaluator,
		jobs:      jobs,
	}
}

// Evaluate queues a run of a labelled question set. The job result is an
// EvaluationResult.
func (h *EvaluationHandler) Evaluate(c *fiber.Ctx) error {
	dataset, err := evaluation.LoadDataset(c.Body())
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid evaluation dataset",
		})
	}

	jobID, err := h.jobs.Submit(jobEvaluate, func(ctx context.Context) (any, error) {
		report, err := h.evaluator.Run(ctx, dataset)
		if err != nil {
			return nil, err
		}
		return &EvaluationResult{Report: report, Summary: evaluation.GenerateReport(report)}, nil
	})
	if errors.Is(err, jobs.ErrQueueFull) {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Job queue is full, try again later",
		})
	}
	if err != nil {
		logger.Error("Failed to queue evaluation", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to queue evaluation",
		})
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"job_id":    jobID,
		"questions": len(dataset.Items),
		"status":    jobs.StatusQueued,
	})
}
