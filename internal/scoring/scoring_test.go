package scoring_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/m-mizutani/gt"

	"github.com/classroom-assistant/backend/internal/scoring"
	"github.com/classroom-assistant/backend/internal/storage/models"
)

func ptr[T any](v T) *T { return &v }

var day0 = time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC)

func at(days int) *time.Time {
	t := day0.AddDate(0, 0, days)
	return &t
}

func assignments(n int, maxPoints float64) []models.Assignment {
	out := make([]models.Assignment, n)
	for i := range out {
		out[i] = models.Assignment{
			ID:        fmt.Sprintf("a%d", i),
			CourseID:  "c1",
			MaxPoints: ptr(maxPoints),
			State:     models.AssignmentPublished,
		}
	}
	return out
}

func TestCategorizeBoundaries(t *testing.T) {
	testCases := []struct {
		score float64
		want  string
	}{
		{100, models.CategoryGood},
		{80, models.CategoryGood},
		{79.999, models.CategoryMedium},
		{50, models.CategoryMedium},
		{49.999, models.CategoryAtRisk},
		{0, models.CategoryAtRisk},
	}
	for _, tc := range testCases {
		t.Run(fmt.Sprintf("%v", tc.score), func(t *testing.T) {
			gt.Equal(t, scoring.Categorize(tc.score), tc.want)
		})
	}
}

func TestTimelinessIgnoresUnsubmittedWork(t *testing.T) {
	subs := []models.Submission{
		{AssignmentID: "a0", State: models.SubmissionTurnedIn},
		{AssignmentID: "a1", State: models.SubmissionReturned, Late: true},
		{AssignmentID: "a2", State: "CREATED", Late: true},
		{AssignmentID: "a3", State: "CREATED"},
	}
	gt.Equal(t, scoring.Timeliness(subs), 50.0)
	gt.Equal(t, scoring.Timeliness(nil), 0.0)
	gt.Equal(t, scoring.Completion(subs, 4), 50.0)
	gt.Equal(t, scoring.Completion(subs, 0), 0.0)
}

func TestConsistency(t *testing.T) {
	turnedIn := func(days ...int) []models.Submission {
		out := make([]models.Submission, 0, len(days))
		for i, d := range days {
			out = append(out, models.Submission{
				AssignmentID: fmt.Sprintf("a%d", i),
				State:        models.SubmissionTurnedIn,
				SubmittedAt:  at(d),
			})
		}
		return out
	}

	t.Run("single assignment submitted", func(t *testing.T) {
		gt.Equal(t, scoring.Consistency(turnedIn(0), 1), 100.0)
	})
	t.Run("single assignment missing", func(t *testing.T) {
		gt.Equal(t, scoring.Consistency(nil, 1), 0.0)
	})
	t.Run("nothing turned in", func(t *testing.T) {
		subs := []models.Submission{{AssignmentID: "a0", State: "CREATED"}}
		gt.Equal(t, scoring.Consistency(subs, 3), 0.0)
	})
	t.Run("one dated submission", func(t *testing.T) {
		gt.Equal(t, scoring.Consistency(turnedIn(2), 3), 50.0)
	})
	t.Run("undated submissions", func(t *testing.T) {
		subs := []models.Submission{
			{AssignmentID: "a0", State: models.SubmissionTurnedIn},
			{AssignmentID: "a1", State: models.SubmissionTurnedIn},
		}
		gt.Equal(t, scoring.Consistency(subs, 3), 50.0)
	})
	t.Run("even rhythm", func(t *testing.T) {
		gt.Equal(t, scoring.Consistency(turnedIn(0, 7, 14, 21), 4), 100.0)
	})
	t.Run("uneven rhythm", func(t *testing.T) {
		// gaps 1 and 3: stddev 1
		gt.Equal(t, scoring.Consistency(turnedIn(4, 0, 1), 3), 95.0)
	})
	t.Run("partial days are floored", func(t *testing.T) {
		a := day0
		b := day0.Add(23 * time.Hour)
		c := day0.Add(47 * time.Hour)
		subs := []models.Submission{
			{AssignmentID: "a0", State: models.SubmissionTurnedIn, SubmittedAt: &a},
			{AssignmentID: "a1", State: models.SubmissionTurnedIn, SubmittedAt: &b},
			{AssignmentID: "a2", State: models.SubmissionTurnedIn, SubmittedAt: &c},
		}
		// gaps 0 and 1: stddev 0.5
		gt.Equal(t, scoring.Consistency(subs, 3), 97.5)
	})
	t.Run("bursts floor at zero", func(t *testing.T) {
		gt.Equal(t, scoring.Consistency(turnedIn(0, 0, 60), 3), 0.0)
	})
}

func TestGradeFactor(t *testing.T) {
	as := []models.Assignment{
		{ID: "a0", MaxPoints: ptr(50.0)},
		{ID: "a1", MaxPoints: ptr(150.0)},
		{ID: "a2"},
	}

	t.Run("no graded work", func(t *testing.T) {
		subs := []models.Submission{{AssignmentID: "a0", State: models.SubmissionTurnedIn}}
		gt.True(t, scoring.GradeFactor(subs, as) == nil)
	})
	t.Run("graded work without points", func(t *testing.T) {
		subs := []models.Submission{{AssignmentID: "a2", Grade: ptr(10.0)}}
		gt.True(t, scoring.GradeFactor(subs, as) == nil)
	})
	t.Run("earned over possible", func(t *testing.T) {
		subs := []models.Submission{
			{AssignmentID: "a0", Grade: ptr(50.0)},
			{AssignmentID: "a1", Grade: ptr(90.0)},
			{AssignmentID: "a2", Grade: ptr(5.0)},
		}
		g := scoring.GradeFactor(subs, as)
		gt.NotNil(t, g)
		gt.Equal(t, *g, 70.0)
	})
}

func TestWeightedScoreRenormalizesWithoutGrade(t *testing.T) {
	base := scoring.Factors{Timeliness: 60, Consistency: 60, Completion: 60}
	without := scoring.WeightedScore(base)
	gt.True(t, without > 59.999 && without < 60.001)

	higher := base
	higher.Grade = ptr(90.0)
	gt.True(t, scoring.WeightedScore(higher) > without)

	lower := base
	lower.Grade = ptr(30.0)
	gt.True(t, scoring.WeightedScore(lower) < without)
}

func TestWeightedScoreIsClamped(t *testing.T) {
	gt.Equal(t, scoring.WeightedScore(scoring.Factors{Timeliness: 100, Consistency: 100, Completion: 100}), 100.0)
	gt.Equal(t, scoring.WeightedScore(scoring.Factors{Grade: ptr(0.0)}), 0.0)
}

func TestComputeEmptyCourse(t *testing.T) {
	r := scoring.Compute(scoring.Input{
		Submissions: []models.Submission{{AssignmentID: "x", State: models.SubmissionTurnedIn}},
	})
	gt.Equal(t, r.Score, 0.0)
	gt.Equal(t, r.Category, models.CategoryAtRisk)
	gt.Equal(t, r.AssignmentsAnalyzed, 0)
	gt.True(t, r.Factors.Grade == nil)
	gt.Equal(t, r.Explanation.Factors[0].Detail, "No assignments found")
	gt.Equal(t, r.Explanation.Recommendations, []string{"Wait for course assignments"})
}

func TestComputeStrongStudent(t *testing.T) {
	as := assignments(10, 100)
	var subs []models.Submission
	for i := 0; i < 8; i++ {
		subs = append(subs, models.Submission{
			ID:           fmt.Sprintf("s%d", i),
			AssignmentID: as[i].ID,
			StudentID:    "st1",
			State:        models.SubmissionTurnedIn,
			Grade:        ptr(90.0),
			SubmittedAt:  at(i * 7),
		})
	}

	r := scoring.Compute(scoring.Input{Assignments: as, Submissions: subs})
	gt.Equal(t, r.Factors.Timeliness, 100.0)
	gt.Equal(t, r.Factors.Completion, 80.0)
	gt.Equal(t, r.Factors.Consistency, 100.0)
	gt.NotNil(t, r.Factors.Grade)
	gt.Equal(t, *r.Factors.Grade, 90.0)
	gt.Equal(t, r.Category, models.CategoryGood)
	gt.Equal(t, r.AssignmentsAnalyzed, 10)
	gt.Equal(t, r.Explanation.Summary, "You're doing well in this class. Your work habits are solid.")
	gt.Equal(t, r.Explanation.Recommendations, []string{"Keep up the excellent work!"})
}

func TestComputeIgnoresForeignSubmissions(t *testing.T) {
	as := assignments(2, 10)
	subs := []models.Submission{
		{AssignmentID: "a0", State: models.SubmissionTurnedIn, SubmittedAt: at(0)},
		{AssignmentID: "other", State: models.SubmissionTurnedIn, SubmittedAt: at(1)},
	}
	r := scoring.Compute(scoring.Input{Assignments: as, Submissions: subs})
	gt.Equal(t, r.Factors.Completion, 50.0)
	gt.Equal(t, r.Factors.Consistency, 50.0)
}

func TestComputeBounded(t *testing.T) {
	as := assignments(5, 10)
	for late := 0; late < 2; late++ {
		for handed := 0; handed < 6; handed++ {
			var subs []models.Submission
			for i := 0; i < handed; i++ {
				subs = append(subs, models.Submission{
					AssignmentID: as[i].ID,
					State:        models.SubmissionTurnedIn,
					Late:         late == 1,
					Grade:        ptr(float64(i * 4)),
					SubmittedAt:  at(i * i),
				})
			}
			r := scoring.Compute(scoring.Input{Assignments: as, Submissions: subs})
			gt.Number(t, r.Score).GreaterOrEqual(0)
			gt.True(t, r.Score <= 100)
			gt.Equal(t, r.Category, scoring.Categorize(r.Score))
			gt.A(t, r.Explanation.Recommendations).Longer(0)
			gt.True(t, len(r.Explanation.Recommendations) <= 4)
		}
	}
}

func TestExplainRecommendationOrder(t *testing.T) {
	e := scoring.Explain(scoring.Factors{
		Timeliness:  40,
		Consistency: 40,
		Completion:  40,
		Grade:       ptr(40.0),
	}, models.CategoryAtRisk)

	gt.Equal(t, e.Recommendations, []string{
		"Make completing all assignments your top priority",
		"Set calendar reminders 2 days before each deadline",
		"Try working on coursework a little bit every day",
		"Visit office hours or ask questions when you're stuck",
	})
	gt.A(t, e.Factors).Length(4)
	gt.Equal(t, e.Factors[0].Factor, scoring.FactorTiming)
	gt.Equal(t, e.Factors[3].Detail, "Your grades need attention. Consider asking for help.")
	gt.Equal(t, e.Summary, "Your performance needs attention. The recommendations below can help.")
}

func TestExplainTiers(t *testing.T) {
	e := scoring.Explain(scoring.Factors{
		Timeliness:  75,
		Consistency: 65,
		Completion:  55,
		Grade:       ptr(72.4),
	}, models.CategoryMedium)

	gt.Equal(t, e.Factors[0].Detail, "You submit 75% of assignments on time. Room to improve.")
	gt.Equal(t, e.Factors[1].Detail, "Your submission pattern is fairly regular.")
	gt.Equal(t, e.Factors[2].Detail, "Only 55% of assignments submitted. You're missing quite a few.")
	gt.Equal(t, e.Factors[3].Detail, "Your average grade is around 72%. Solid work.")
	gt.Equal(t, e.Recommendations, []string{"Make completing all assignments your top priority"})
}

func TestExplainWithoutGradeEncouragesMedium(t *testing.T) {
	e := scoring.Explain(scoring.Factors{Timeliness: 70, Consistency: 60, Completion: 70}, models.CategoryMedium)
	gt.A(t, e.Factors).Length(3)
	gt.Equal(t, e.Recommendations, []string{"You're on the right track - stay consistent"})
}
