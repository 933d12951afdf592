// Package deadlines lists the assignments a user has coming due and labels
// how pressing each one is.
package deadlines

import (
	"context"
	"fmt"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"go.uber.org/zap"

	"github.com/classroom-assistant/backend/internal/storage/models"
	"github.com/classroom-assistant/backend/pkg/logger"
)

const (
	DefaultDays  = 7
	MaxDays      = 30
	DefaultLimit = 10
	MaxLimit     = 50

	UrgencyUrgent   = "urgent"
	UrgencySoon     = "soon"
	UrgencyUpcoming = "upcoming"
)

// Source is satisfied by *sqlite.Client.
type Source interface {
	UpcomingAssignments(ctx context.Context, userID string, from, until time.Time, limit int) ([]models.Assignment, error)
}

type Deadline struct {
	Assignment    models.Assignment `json:"assignment"`
	TimeRemaining string            `json:"time_remaining"`
	Urgency       string            `json:"urgency"`
}

// Urgency is urgent under a day out, soon under three days, and upcoming
// otherwise or when there is no due date.
func Urgency(due *time.Time, now time.Time) string {
	if due == nil {
		return UrgencyUpcoming
	}
	left := due.Sub(now)
	switch {
	case left < 24*time.Hour:
		return UrgencyUrgent
	case left < 3*24*time.Hour:
		return UrgencySoon
	default:
		return UrgencyUpcoming
	}
}

func TimeRemaining(due *time.Time, now time.Time) string {
	if due == nil {
		return "No deadline"
	}
	left := due.Sub(now)
	if left < 0 {
		return "Overdue"
	}

	days := int(left / (24 * time.Hour))
	hours := int(left % (24 * time.Hour) / time.Hour)
	minutes := int(left % time.Hour / time.Minute)
	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh remaining", days, hours)
	case hours > 0:
		return fmt.Sprintf("%dh %dm remaining", hours, minutes)
	default:
		return fmt.Sprintf("%dm remaining", minutes)
	}
}

type Service struct {
	source Source
	now    func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(source Source, opts ...Option) *Service {
	s := &Service{
		source: source,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Upcoming returns up to limit deadlines falling within the next days days,
// soonest first. Zero or negative values take the defaults; larger values
// are capped at MaxDays and MaxLimit.
func (s *Service) Upcoming(ctx context.Context, userID string, days, limit int) ([]Deadline, error) {
	if days <= 0 {
		days = DefaultDays
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	days = min(days, MaxDays)
	limit = min(limit, MaxLimit)

	now := s.now().UTC()
	assignments, err := s.source.UpcomingAssignments(ctx, userID, now, now.AddDate(0, 0, days), limit)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load upcoming assignments", goerr.V("user_id", userID))
	}

	out := make([]Deadline, 0, len(assignments))
	for _, a := range assignments {
		out = append(out, Deadline{
			Assignment:    a,
			TimeRemaining: TimeRemaining(a.DueDate, now),
			Urgency:       Urgency(a.DueDate, now),
		})
	}

	logger.Debug("Upcoming deadlines listed",
		zap.String("user_id", userID),
		zap.Int("days", days),
		zap.Int("count", len(out)),
	)
	return out, nil
}
