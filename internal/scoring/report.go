package scoring

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/classroom-assistant/backend/internal/storage/models"
	"github.com/classroom-assistant/backend/pkg/logger"
)

const (
	PeriodWeekly  = "weekly"
	PeriodMonthly = "monthly"
)

var ErrInvalidPeriod = goerr.New("report period must be weekly or monthly")

type StudentReport struct {
	StudentID            string   `json:"student_id"`
	Name                 string   `json:"name,omitempty"`
	AssignmentsCompleted int      `json:"assignments_completed"`
	AssignmentsTotal     int      `json:"assignments_total"`
	OnTimeSubmissions    int      `json:"on_time_submissions"`
	LateSubmissions      int      `json:"late_submissions"`
	MissingAssignments   int      `json:"missing_assignments"`
	AverageGrade         *float64 `json:"average_grade"`
	PerformanceCategory  string   `json:"performance_category"`
}

type ReportSummary struct {
	ReportID         string    `json:"report_id"`
	CourseName       string    `json:"course_name"`
	ReportType       string    `json:"report_type"`
	Period           string    `json:"period"`
	GeneratedAt      time.Time `json:"generated_at"`
	TotalAssignments int       `json:"total_assignments"`
	TotalSubmissions int       `json:"total_submissions"`
	AverageGrade     *float64  `json:"average_grade"`
	OnTimeRate       float64   `json:"on_time_rate"`
	StudentCount     int       `json:"student_count"`
}

type CourseReport struct {
	Summary  ReportSummary   `json:"summary"`
	Students []StudentReport `json:"students"`
}

// reportWindow returns the start of the reporting window ending at now and
// its label. Weekly covers the last seven days; monthly starts at midnight
// UTC on the first of the current month.
func reportWindow(period string, now time.Time) (time.Time, string, error) {
	now = now.UTC()
	switch period {
	case PeriodWeekly:
		start := now.AddDate(0, 0, -7)
		return start, "Week of " + start.Format("2006-01-02"), nil
	case PeriodMonthly:
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.Format("January 2006"), nil
	default:
		return time.Time{}, "", goerr.Wrap(ErrInvalidPeriod, "unknown report period", goerr.V("period", period))
	}
}

// CourseReport summarizes the published assignments created inside the
// period and how each enrolled student handled them. The performance
// category of each student is recomputed over the whole course.
func (s *Service) CourseReport(ctx context.Context, courseID, period string) (*CourseReport, error) {
	now := s.now()
	start, label, err := reportWindow(period, now)
	if err != nil {
		return nil, err
	}

	course, err := s.data.GetCourse(ctx, courseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load course", goerr.V("course_id", courseID))
	}

	all, err := s.data.PublishedAssignments(ctx, courseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load assignments", goerr.V("course_id", courseID))
	}
	inWindow := make(map[string]struct{})
	for _, a := range all {
		if !a.CreatedAt.Before(start) && !a.CreatedAt.After(now) {
			inWindow[a.ID] = struct{}{}
		}
	}

	enrollments, err := s.data.CourseEnrollments(ctx, courseID, models.RoleStudent)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load enrollments", goerr.V("course_id", courseID))
	}

	students := make([]StudentReport, len(enrollments))
	grades := make([][]float64, len(enrollments))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, e := range enrollments {
		i, e := i, e
		g.Go(func() error {
			subs, err := s.data.StudentSubmissions(gctx, e.UserID, courseID)
			if err != nil {
				return goerr.Wrap(err, "failed to load submissions", goerr.V("student_id", e.UserID))
			}
			score, err := s.ScoreStudent(gctx, e.UserID, courseID)
			if err != nil {
				return err
			}

			entry := StudentReport{
				StudentID:           e.UserID,
				Name:                e.UserName,
				AssignmentsTotal:    len(inWindow),
				PerformanceCategory: score.Category,
			}
			for _, sub := range subs {
				if _, ok := inWindow[sub.AssignmentID]; !ok || !models.IsTurnedIn(sub.State) {
					continue
				}
				entry.AssignmentsCompleted++
				if sub.Late {
					entry.LateSubmissions++
				} else {
					entry.OnTimeSubmissions++
				}
				if sub.Grade != nil {
					grades[i] = append(grades[i], *sub.Grade)
				}
			}
			entry.MissingAssignments = max(entry.AssignmentsTotal-entry.AssignmentsCompleted, 0)
			entry.AverageGrade = mean(grades[i])
			students[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	summary := ReportSummary{
		ReportID:         uuid.NewString(),
		CourseName:       course.Name,
		ReportType:       period,
		Period:           label,
		GeneratedAt:      now,
		TotalAssignments: len(inWindow),
		StudentCount:     len(enrollments),
	}
	var pooled []float64
	onTime := 0
	for i, st := range students {
		summary.TotalSubmissions += st.AssignmentsCompleted
		onTime += st.OnTimeSubmissions
		pooled = append(pooled, grades[i]...)
	}
	summary.AverageGrade = mean(pooled)
	if summary.TotalSubmissions > 0 {
		summary.OnTimeRate = float64(onTime) / float64(summary.TotalSubmissions) * 100
	}

	logger.Info("Course report generated",
		zap.String("course_id", courseID),
		zap.String("period", period),
		zap.Int("assignments", summary.TotalAssignments),
		zap.Int("students", summary.StudentCount),
	)

	return &CourseReport{Summary: summary, Students: students}, nil
}

func mean(values []float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	avg := sum / float64(len(values))
	return &avg
}
