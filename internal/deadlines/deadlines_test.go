package deadlines_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/m-mizutani/gt"

	"github.com/classroom-assistant/backend/internal/deadlines"
	"github.com/classroom-assistant/backend/internal/storage/models"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func in(d time.Duration) *time.Time {
	t := now.Add(d)
	return &t
}

func TestUrgency(t *testing.T) {
	cases := []struct {
		due  *time.Time
		want string
	}{
		{nil, deadlines.UrgencyUpcoming},
		{in(-time.Hour), deadlines.UrgencyUrgent},
		{in(23 * time.Hour), deadlines.UrgencyUrgent},
		{in(24 * time.Hour), deadlines.UrgencySoon},
		{in(71 * time.Hour), deadlines.UrgencySoon},
		{in(72 * time.Hour), deadlines.UrgencyUpcoming},
	}
	for _, tc := range cases {
		gt.Equal(t, deadlines.Urgency(tc.due, now), tc.want)
	}
}

func TestTimeRemaining(t *testing.T) {
	cases := []struct {
		due  *time.Time
		want string
	}{
		{nil, "No deadline"},
		{in(-time.Minute), "Overdue"},
		{in(0), "0m remaining"},
		{in(45 * time.Minute), "45m remaining"},
		{in(5*time.Hour + 30*time.Minute), "5h 30m remaining"},
		{in(2*24*time.Hour + 3*time.Hour + 59*time.Minute), "2d 3h remaining"},
	}
	for _, tc := range cases {
		gt.Equal(t, deadlines.TimeRemaining(tc.due, now), tc.want)
	}
}

type fakeSource struct {
	from, until time.Time
	limit       int
	result      []models.Assignment
	err         error
}

func (f *fakeSource) UpcomingAssignments(ctx context.Context, userID string, from, until time.Time, limit int) ([]models.Assignment, error) {
	f.from, f.until, f.limit = from, until, limit
	return f.result, f.err
}

func TestUpcoming(t *testing.T) {
	src := &fakeSource{result: []models.Assignment{
		{ID: "a1", Title: "Lab", DueDate: in(2 * time.Hour)},
		{ID: "a2", Title: "Essay", DueDate: in(5 * 24 * time.Hour)},
	}}
	svc := deadlines.NewService(src, deadlines.WithClock(func() time.Time { return now }))

	got, err := svc.Upcoming(context.Background(), "ada", 0, 0)
	gt.NoError(t, err)
	gt.True(t, src.from.Equal(now))
	gt.True(t, src.until.Equal(now.AddDate(0, 0, deadlines.DefaultDays)))
	gt.Equal(t, src.limit, deadlines.DefaultLimit)

	gt.A(t, got).Length(2)
	gt.Equal(t, got[0].Assignment.ID, "a1")
	gt.Equal(t, got[0].Urgency, deadlines.UrgencyUrgent)
	gt.Equal(t, got[0].TimeRemaining, "2h 0m remaining")
	gt.Equal(t, got[1].Urgency, deadlines.UrgencyUpcoming)
	gt.Equal(t, got[1].TimeRemaining, "5d 0h remaining")
}

func TestUpcomingCapsWindowAndLimit(t *testing.T) {
	src := &fakeSource{}
	svc := deadlines.NewService(src, deadlines.WithClock(func() time.Time { return now }))

	got, err := svc.Upcoming(context.Background(), "ada", 365, 1000)
	gt.NoError(t, err)
	gt.A(t, got).Length(0)
	gt.True(t, src.until.Equal(now.AddDate(0, 0, deadlines.MaxDays)))
	gt.Equal(t, src.limit, deadlines.MaxLimit)
}

func TestUpcomingSourceError(t *testing.T) {
	boom := errors.New("db down")
	svc := deadlines.NewService(&fakeSource{err: boom})

	_, err := svc.Upcoming(context.Background(), "ada", 7, 10)
	gt.True(t, errors.Is(err, boom))
}
