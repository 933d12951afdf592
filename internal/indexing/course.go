package indexing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"go.uber.org/zap"

	"github.com/classroom-assistant/backend/internal/embedding"
	"github.com/classroom-assistant/backend/internal/storage/models"
	"github.com/classroom-assistant/backend/internal/vector"
	"github.com/classroom-assistant/backend/pkg/logger"
)

const dueDateLayout = "January 02, 2006 at 03:04 PM"

// CourseSource is the relational side of course indexing. *sqlite.Client
// satisfies it.
type CourseSource interface {
	GetCourse(ctx context.Context, id string) (*models.Course, error)
	UnembeddedAssignments(ctx context.Context, courseID string) ([]models.Assignment, error)
	UnembeddedAnnouncements(ctx context.Context, courseID string) ([]models.Announcement, error)
	MarkAssignmentsEmbedded(ctx context.Context, ids []string, at time.Time) error
	MarkAnnouncementsEmbedded(ctx context.Context, ids []string, at time.Time) error
	ResetEmbedded(ctx context.Context, courseID string) error
}

type CourseIndexResult struct {
	CourseID      string `json:"course_id"`
	Assignments   int    `json:"assignments"`
	Announcements int    `json:"announcements"`
	Chunks        int    `json:"chunks"`
	Skipped       int    `json:"skipped"`
	Failed        int    `json:"failed"`
}

// CourseIndexer indexes the assignments and announcements of a course that
// have not been embedded since they last changed.
type CourseIndexer struct {
	source  CourseSource
	indexer *Indexer
	now     func() time.Time
}

func NewCourseIndexer(source CourseSource, indexer *Indexer) *CourseIndexer {
	return &CourseIndexer{
		source:  source,
		indexer: indexer,
		now:     time.Now,
	}
}

// Reindex clears the embedded flags of a course and indexes everything again.
func (ci *CourseIndexer) Reindex(ctx context.Context, courseID string) (*CourseIndexResult, error) {
	if err := ci.source.ResetEmbedded(ctx, courseID); err != nil {
		return nil, goerr.Wrap(err, "failed to reset embedded flags", goerr.V("course_id", courseID))
	}
	return ci.IndexCourse(ctx, courseID)
}

// IndexCourse embeds pending content. An item whose text cannot be embedded
// is counted as failed and left pending; store and database errors abort.
func (ci *CourseIndexer) IndexCourse(ctx context.Context, courseID string) (*CourseIndexResult, error) {
	course, err := ci.source.GetCourse(ctx, courseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load course", goerr.V("course_id", courseID))
	}

	result := &CourseIndexResult{CourseID: courseID}

	assignments, err := ci.source.UnembeddedAssignments(ctx, courseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load assignments", goerr.V("course_id", courseID))
	}

	for _, a := range assignments {
		if strings.TrimSpace(a.Description) == "" {
			result.Skipped++
			continue
		}

		meta := vector.Metadata{
			SourceType: vector.SourceAssignment,
			SourceID:   a.ID,
			CourseID:   courseID,
			CourseName: course.Name,
			Title:      a.Title,
			PostedDate: isoDate(&a.CreatedAt),
			DueDate:    isoDate(a.DueDate),
		}

		n, err := ci.indexer.IndexDocument(ctx, AssignmentContent(a), meta)
		if err != nil {
			if ci.itemFailed(ctx, err, a.ID) {
				result.Failed++
				continue
			}
			return result, err
		}

		if err := ci.source.MarkAssignmentsEmbedded(ctx, []string{a.ID}, ci.now()); err != nil {
			return result, goerr.Wrap(err, "failed to mark assignment embedded", goerr.V("assignment_id", a.ID))
		}
		result.Assignments++
		result.Chunks += n
	}

	announcements, err := ci.source.UnembeddedAnnouncements(ctx, courseID)
	if err != nil {
		return result, goerr.Wrap(err, "failed to load announcements", goerr.V("course_id", courseID))
	}

	for _, ann := range announcements {
		if strings.TrimSpace(ann.Text) == "" {
			result.Skipped++
			continue
		}

		meta := vector.Metadata{
			SourceType: vector.SourceAnnouncement,
			SourceID:   ann.ID,
			CourseID:   courseID,
			CourseName: course.Name,
			Title:      "Announcement from " + course.Name,
			PostedDate: isoDate(&ann.CreatedAt),
		}

		n, err := ci.indexer.IndexDocument(ctx, ann.Text, meta)
		if err != nil {
			if ci.itemFailed(ctx, err, ann.ID) {
				result.Failed++
				continue
			}
			return result, err
		}

		if err := ci.source.MarkAnnouncementsEmbedded(ctx, []string{ann.ID}, ci.now()); err != nil {
			return result, goerr.Wrap(err, "failed to mark announcement embedded", goerr.V("announcement_id", ann.ID))
		}
		result.Announcements++
		result.Chunks += n
	}

	logger.Info("Course content indexed",
		zap.String("course_id", courseID),
		zap.Int("assignments", result.Assignments),
		zap.Int("announcements", result.Announcements),
		zap.Int("chunks", result.Chunks),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed),
	)

	return result, nil
}

// itemFailed reports whether err only concerns the one item.
func (ci *CourseIndexer) itemFailed(ctx context.Context, err error, id string) bool {
	if ctx.Err() != nil || !errors.Is(err, embedding.ErrEmbeddingFailed) {
		return false
	}
	logger.Warn("Skipping content that could not be embedded", zap.String("id", id), zap.Error(err))
	return true
}

// AssignmentContent is the text indexed for an assignment.
func AssignmentContent(a models.Assignment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Assignment: %s\n\n%s", a.Title, a.Description)
	if a.DueDate != nil {
		fmt.Fprintf(&b, "\n\nDue date: %s", a.DueDate.UTC().Format(dueDateLayout))
	}
	if a.MaxPoints != nil && *a.MaxPoints != 0 {
		fmt.Fprintf(&b, "\nPoints: %s", strconv.FormatFloat(*a.MaxPoints, 'f', -1, 64))
	}
	return b.String()
}

func isoDate(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
