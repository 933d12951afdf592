package scoring

import (
	"context"
	"errors"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/classroom-assistant/backend/internal/metrics"
	"github.com/classroom-assistant/backend/internal/storage/models"
	"github.com/classroom-assistant/backend/pkg/logger"
)

// DataSource is the relational view the service reads and writes.
// *sqlite.Client satisfies it.
type DataSource interface {
	GetCourse(ctx context.Context, id string) (*models.Course, error)
	PublishedAssignments(ctx context.Context, courseID string) ([]models.Assignment, error)
	StudentSubmissions(ctx context.Context, studentID, courseID string) ([]models.Submission, error)
	CourseEnrollments(ctx context.Context, courseID, role string) ([]models.Enrollment, error)
	UserEnrollments(ctx context.Context, userID, role string) ([]models.Enrollment, error)
	UpsertPerformanceScore(ctx context.Context, score *models.PerformanceScore) error
	GetPerformanceScore(ctx context.Context, studentID, courseID string) (*models.PerformanceScore, error)
}

type StudentSummary struct {
	StudentID string  `json:"student_id"`
	Name      string  `json:"name,omitempty"`
	Score     float64 `json:"score"`
	Category  string  `json:"category"`
}

type Overview struct {
	CourseID string           `json:"course_id"`
	Total    int              `json:"total"`
	Good     int              `json:"good"`
	Medium   int              `json:"medium"`
	AtRisk   int              `json:"at_risk"`
	Average  float64          `json:"average"`
	Students []StudentSummary `json:"students"`
}

type Service struct {
	data        DataSource
	concurrency int
	now         func() time.Time
}

type Option func(*Service)

// WithConcurrency bounds how many students ClassOverview scores at once.
func WithConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(data DataSource, opts ...Option) *Service {
	s := &Service{
		data:        data,
		concurrency: 4,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ScoreStudent recomputes and stores the score for one (student, course)
// pair. A course without published assignments yields the empty score, which
// is returned but not stored.
func (s *Service) ScoreStudent(ctx context.Context, studentID, courseID string) (*models.PerformanceScore, error) {
	assignments, err := s.data.PublishedAssignments(ctx, courseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load assignments", goerr.V("course_id", courseID))
	}

	if len(assignments) == 0 {
		return toScore(studentID, courseID, EmptyResult(), s.now()), nil
	}

	subs, err := s.data.StudentSubmissions(ctx, studentID, courseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load submissions",
			goerr.V("student_id", studentID),
			goerr.V("course_id", courseID),
		)
	}

	result := Compute(Input{Assignments: assignments, Submissions: subs})
	score := toScore(studentID, courseID, result, s.now())

	if err := s.data.UpsertPerformanceScore(ctx, score); err != nil {
		return nil, goerr.Wrap(err, "failed to save performance score",
			goerr.V("student_id", studentID),
			goerr.V("course_id", courseID),
		)
	}

	metrics.ScoresTotal.WithLabelValues(score.Category).Inc()
	metrics.ScoreValue.Observe(score.Score)

	logger.Debug("Performance score calculated",
		zap.String("student_id", studentID),
		zap.String("course_id", courseID),
		zap.Float64("score", score.Score),
		zap.String("category", score.Category),
	)

	return score, nil
}

// LatestScore returns the stored score for the pair, computing and storing
// it first when none exists yet.
func (s *Service) LatestScore(ctx context.Context, studentID, courseID string) (*models.PerformanceScore, error) {
	score, err := s.data.GetPerformanceScore(ctx, studentID, courseID)
	if errors.Is(err, models.ErrNotFound) {
		return s.ScoreStudent(ctx, studentID, courseID)
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load performance score",
			goerr.V("student_id", studentID),
			goerr.V("course_id", courseID),
		)
	}
	return score, nil
}

// ClassOverview scores every enrolled student and aggregates the results.
// Students appear in enrollment order.
func (s *Service) ClassOverview(ctx context.Context, courseID string) (*Overview, error) {
	enrollments, err := s.data.CourseEnrollments(ctx, courseID, models.RoleStudent)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load enrollments", goerr.V("course_id", courseID))
	}

	scores := make([]*models.PerformanceScore, len(enrollments))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, e := range enrollments {
		i, e := i, e
		g.Go(func() error {
			score, err := s.ScoreStudent(gctx, e.UserID, courseID)
			if err != nil {
				return err
			}
			scores[i] = score
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	overview := &Overview{
		CourseID: courseID,
		Total:    len(scores),
		Students: make([]StudentSummary, 0, len(scores)),
	}
	var sum float64
	for i, score := range scores {
		switch score.Category {
		case models.CategoryGood:
			overview.Good++
		case models.CategoryMedium:
			overview.Medium++
		default:
			overview.AtRisk++
		}
		sum += score.Score
		overview.Students = append(overview.Students, StudentSummary{
			StudentID: score.StudentID,
			Name:      enrollments[i].UserName,
			Score:     score.Score,
			Category:  score.Category,
		})
	}
	if len(scores) > 0 {
		overview.Average = sum / float64(len(scores))
	}

	logger.Info("Class overview calculated",
		zap.String("course_id", courseID),
		zap.Int("students", overview.Total),
		zap.Float64("average", overview.Average),
	)

	return overview, nil
}

// StudentScores scores a student in every course they are enrolled in.
func (s *Service) StudentScores(ctx context.Context, studentID string) ([]*models.PerformanceScore, error) {
	enrollments, err := s.data.UserEnrollments(ctx, studentID, models.RoleStudent)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load enrollments", goerr.V("student_id", studentID))
	}

	scores := make([]*models.PerformanceScore, 0, len(enrollments))
	for _, e := range enrollments {
		score, err := s.ScoreStudent(ctx, studentID, e.CourseID)
		if err != nil {
			return nil, err
		}
		scores = append(scores, score)
	}
	return scores, nil
}

func toScore(studentID, courseID string, r Result, at time.Time) *models.PerformanceScore {
	return &models.PerformanceScore{
		StudentID:           studentID,
		CourseID:            courseID,
		Score:               r.Score,
		Category:            r.Category,
		TimelinessFactor:    r.Factors.Timeliness,
		ConsistencyFactor:   r.Factors.Consistency,
		CompletionFactor:    r.Factors.Completion,
		GradeFactor:         r.Factors.Grade,
		Explanation:         r.Explanation,
		AssignmentsAnalyzed: r.AssignmentsAnalyzed,
		CalculatedAt:        at,
	}
}
