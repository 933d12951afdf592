package scoring

import (
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/classroom-assistant/backend/internal/storage/models"
)

// Factor weights. When no grade is available the other three are divided by
// (1 - WeightGrade) and the result is clamped.
const (
	WeightTimeliness  = 0.30
	WeightConsistency = 0.25
	WeightCompletion  = 0.30
	WeightGrade       = 0.15

	GoodThreshold   = 80.0
	MediumThreshold = 50.0

	// Points lost per day of standard deviation between submissions.
	consistencyPenalty = 5.0
	insufficientSignal = 50.0
)

const (
	FactorTiming     = "Submission Timing"
	FactorPattern    = "Work Pattern"
	FactorCompletion = "Assignment Completion"
	FactorGrade      = "Grade Performance"
)

type Factors struct {
	Timeliness  float64  `json:"timeliness"`
	Consistency float64  `json:"consistency"`
	Completion  float64  `json:"completion"`
	Grade       *float64 `json:"grade"`
}

// Input is one student's view of a course: the published assignments and the
// student's submissions against them.
type Input struct {
	Assignments []models.Assignment
	Submissions []models.Submission
}

type Result struct {
	Score               float64
	Category            string
	Factors             Factors
	Explanation         models.ScoreExplanation
	AssignmentsAnalyzed int
}

// Compute scores a student. It is deterministic for a given input.
func Compute(in Input) Result {
	if len(in.Assignments) == 0 {
		return EmptyResult()
	}

	known := make(map[string]struct{}, len(in.Assignments))
	for _, a := range in.Assignments {
		known[a.ID] = struct{}{}
	}
	subs := make([]models.Submission, 0, len(in.Submissions))
	for _, s := range in.Submissions {
		if _, ok := known[s.AssignmentID]; ok {
			subs = append(subs, s)
		}
	}

	total := len(in.Assignments)
	f := Factors{
		Timeliness:  Timeliness(subs),
		Consistency: Consistency(subs, total),
		Completion:  Completion(subs, total),
		Grade:       GradeFactor(subs, in.Assignments),
	}

	score := WeightedScore(f)
	category := Categorize(score)

	return Result{
		Score:               score,
		Category:            category,
		Factors:             f,
		Explanation:         Explain(f, category),
		AssignmentsAnalyzed: total,
	}
}

// EmptyResult is the canonical score for a course without assignments.
func EmptyResult() Result {
	return Result{
		Score:    0,
		Category: models.CategoryAtRisk,
		Explanation: models.ScoreExplanation{
			Summary:         "No assignment data available",
			Factors:         []models.FactorNote{{Factor: "Data", Detail: "No assignments found"}},
			Recommendations: []string{"Wait for course assignments"},
		},
	}
}

func turnedIn(subs []models.Submission) []models.Submission {
	out := make([]models.Submission, 0, len(subs))
	for _, s := range subs {
		if models.IsTurnedIn(s.State) {
			out = append(out, s)
		}
	}
	return out
}

// Timeliness is the share of handed-in work that was on time. Work never
// handed in does not count either way.
func Timeliness(subs []models.Submission) float64 {
	in := turnedIn(subs)
	if len(in) == 0 {
		return 0
	}
	onTime := 0
	for _, s := range in {
		if !s.Late {
			onTime++
		}
	}
	return clamp(float64(onTime) / float64(len(in)) * 100)
}

func Completion(subs []models.Submission, total int) float64 {
	if total <= 0 {
		return 0
	}
	return clamp(float64(len(turnedIn(subs))) / float64(total) * 100)
}

// Consistency rewards a regular submission rhythm: 100 minus five points per
// day of standard deviation between consecutive hand-ins.
func Consistency(subs []models.Submission, total int) float64 {
	in := turnedIn(subs)
	if total <= 1 {
		if len(in) > 0 {
			return 100
		}
		return 0
	}
	if len(in) == 0 {
		return 0
	}

	dates := make([]time.Time, 0, len(in))
	for _, s := range in {
		if s.SubmittedAt != nil {
			dates = append(dates, *s.SubmittedAt)
		}
	}
	if len(dates) < 2 {
		return insufficientSignal
	}
	slices.SortFunc(dates, func(a, b time.Time) int { return a.Compare(b) })

	gaps := make([]float64, len(dates)-1)
	for i := 1; i < len(dates); i++ {
		gaps[i-1] = math.Floor(dates[i].Sub(dates[i-1]).Hours() / 24)
	}

	var mean float64
	for _, g := range gaps {
		mean += g
	}
	mean /= float64(len(gaps))

	var variance float64
	for _, g := range gaps {
		variance += (g - mean) * (g - mean)
	}
	variance /= float64(len(gaps))

	return clamp(100 - math.Sqrt(variance)*consistencyPenalty)
}

// GradeFactor is earned over possible points for graded work whose assignment
// has a point value. Nil when nothing qualifies.
func GradeFactor(subs []models.Submission, assignments []models.Assignment) *float64 {
	maxPoints := make(map[string]float64, len(assignments))
	for _, a := range assignments {
		if a.MaxPoints != nil && *a.MaxPoints != 0 {
			maxPoints[a.ID] = *a.MaxPoints
		}
	}

	var earned, possible float64
	for _, s := range subs {
		if s.Grade == nil {
			continue
		}
		mp, ok := maxPoints[s.AssignmentID]
		if !ok {
			continue
		}
		earned += *s.Grade
		possible += mp
	}
	if possible == 0 {
		return nil
	}

	g := clamp(earned / possible * 100)
	return &g
}

func WeightedScore(f Factors) float64 {
	score := f.Timeliness*WeightTimeliness +
		f.Consistency*WeightConsistency +
		f.Completion*WeightCompletion

	if f.Grade != nil {
		score += *f.Grade * WeightGrade
	} else {
		score /= 1 - WeightGrade
	}
	return clamp(score)
}

func Categorize(score float64) string {
	switch {
	case score >= GoodThreshold:
		return models.CategoryGood
	case score >= MediumThreshold:
		return models.CategoryMedium
	default:
		return models.CategoryAtRisk
	}
}

// Explain turns factors into plain-language notes and prioritized
// recommendations.
func Explain(f Factors, category string) models.ScoreExplanation {
	notes := []models.FactorNote{
		{Factor: FactorTiming, Detail: timingNote(f.Timeliness)},
		{Factor: FactorPattern, Detail: patternNote(f.Consistency)},
		{Factor: FactorCompletion, Detail: completionNote(f.Completion)},
	}
	if f.Grade != nil {
		notes = append(notes, models.FactorNote{Factor: FactorGrade, Detail: gradeNote(*f.Grade)})
	}

	var recs []string
	if f.Completion < 70 {
		recs = append(recs, "Make completing all assignments your top priority")
	}
	if f.Timeliness < 60 {
		recs = append(recs, "Set calendar reminders 2 days before each deadline")
	}
	if f.Consistency < 50 {
		recs = append(recs, "Try working on coursework a little bit every day")
	}
	if f.Grade != nil && *f.Grade < 60 {
		recs = append(recs, "Visit office hours or ask questions when you're stuck")
	}
	if len(recs) == 0 {
		if category == models.CategoryGood {
			recs = append(recs, "Keep up the excellent work!")
		} else {
			recs = append(recs, "You're on the right track - stay consistent")
		}
	}

	return models.ScoreExplanation{
		Summary:         summary(category),
		Factors:         notes,
		Recommendations: recs,
	}
}

func timingNote(v float64) string {
	switch {
	case v >= 90:
		return "You're submitting almost all your work on time - excellent!"
	case v >= 70:
		return fmt.Sprintf("You submit %.0f%% of assignments on time. Room to improve.", v)
	case v >= 50:
		return "About half your submissions are late. Try setting reminders before deadlines."
	default:
		return "Most of your work is submitted late. This is hurting your performance."
	}
}

func patternNote(v float64) string {
	switch {
	case v >= 80:
		return "You submit work regularly throughout the term - great habit!"
	case v >= 60:
		return "Your submission pattern is fairly regular."
	default:
		return "Your submissions come in bursts. A regular schedule would help."
	}
}

func completionNote(v float64) string {
	switch {
	case v >= 90:
		return "You've completed almost all your assignments."
	case v >= 70:
		return fmt.Sprintf("You've completed %.0f%% of assignments. A few are missing.", v)
	case v >= 50:
		return fmt.Sprintf("Only %.0f%% of assignments submitted. You're missing quite a few.", v)
	default:
		return "Many assignments are missing. This needs urgent attention."
	}
}

func gradeNote(v float64) string {
	switch {
	case v >= 85:
		return "Your grades are strong - keep it up!"
	case v >= 70:
		return fmt.Sprintf("Your average grade is around %.0f%%. Solid work.", v)
	case v >= 50:
		return fmt.Sprintf("Your average is around %.0f%%. There's room to improve.", v)
	default:
		return "Your grades need attention. Consider asking for help."
	}
}

func summary(category string) string {
	switch category {
	case models.CategoryGood:
		return "You're doing well in this class. Your work habits are solid."
	case models.CategoryMedium:
		return "You're keeping up, but there are a few areas where you could do better."
	default:
		return "Your performance needs attention. The recommendations below can help."
	}
}

func clamp(v float64) float64 {
	return min(100, max(0, v))
}
