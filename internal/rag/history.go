package rag

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"

	"github.com/classroom-assistant/backend/internal/storage/models"
)

// HistoryStore is satisfied by *sqlite.Client.
type HistoryStore interface {
	InsertQARecord(ctx context.Context, record *models.QARecord) error
}

// HistoryRecorder writes every answer, refusals included, to QA history.
type HistoryRecorder struct {
	store HistoryStore
}

func NewHistoryRecorder(store HistoryStore) *HistoryRecorder {
	return &HistoryRecorder{store: store}
}

func (h *HistoryRecorder) RecordAnswer(ctx context.Context, q Question, a *Answer, latency time.Duration) error {
	record := &models.QARecord{
		ID:         uuid.New().String(),
		UserID:     q.UserID,
		CourseID:   q.CourseID,
		Question:   a.Question,
		Answer:     a.Answer,
		Confidence: a.Confidence,
		Reason:     string(a.Reason),
		Candidates: a.Candidates,
		LatencyMS:  latency.Milliseconds(),
		CreatedAt:  a.AnsweredAt,
		Sources:    make([]models.QASource, 0, len(a.Sources)),
	}
	for _, s := range a.Sources {
		record.Sources = append(record.Sources, models.QASource{
			SourceType:     s.Type,
			Title:          s.Title,
			RelevanceScore: s.RelevanceScore,
		})
	}

	if err := h.store.InsertQARecord(ctx, record); err != nil {
		return goerr.Wrap(err, "failed to save qa record", goerr.V("qa_id", record.ID))
	}
	return nil
}
