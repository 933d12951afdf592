package models

import (
	"time"

	"github.com/m-mizutani/goerr/v2"
)

// ErrNotFound is returned by stores when a requested record does not exist.
var ErrNotFound = goerr.New("record not found")

const (
	RoleStudent = "student"
	RoleTeacher = "teacher"

	AssignmentPublished = "PUBLISHED"

	SubmissionTurnedIn = "TURNED_IN"
	SubmissionReturned = "RETURNED"

	CategoryGood   = "good"
	CategoryMedium = "medium"
	CategoryAtRisk = "at_risk"
)

type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

type Course struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Section     string     `json:"section,omitempty"`
	Description string     `json:"description,omitempty"`
	State       string     `json:"state,omitempty"`
	SyncedAt    *time.Time `json:"synced_at,omitempty"`
}

type Enrollment struct {
	UserID   string `json:"user_id"`
	CourseID string `json:"course_id"`
	Role     string `json:"role"`
	UserName string `json:"user_name,omitempty"`
}

type Assignment struct {
	ID          string     `json:"id"`
	CourseID    string     `json:"course_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	MaxPoints   *float64   `json:"max_points,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	State       string     `json:"state"`
	CreatedAt   time.Time  `json:"created_at"`
	Embedded    bool       `json:"embedded"`
	EmbeddedAt  *time.Time `json:"embedded_at,omitempty"`
}

// IsTurnedIn reports whether a submission counts as handed in.
func IsTurnedIn(state string) bool {
	return state == SubmissionTurnedIn || state == SubmissionReturned
}

type Submission struct {
	ID           string     `json:"id"`
	AssignmentID string     `json:"assignment_id"`
	StudentID    string     `json:"student_id"`
	State        string     `json:"state"`
	Grade        *float64   `json:"grade,omitempty"`
	Late         bool       `json:"late"`
	SubmittedAt  *time.Time `json:"submitted_at,omitempty"`
}

type Announcement struct {
	ID         string     `json:"id"`
	CourseID   string     `json:"course_id"`
	Text       string     `json:"text"`
	State      string     `json:"state,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	Embedded   bool       `json:"embedded"`
	EmbeddedAt *time.Time `json:"embedded_at,omitempty"`
}

type FactorNote struct {
	Factor string `json:"factor"`
	Detail string `json:"detail"`
}

type ScoreExplanation struct {
	Summary         string       `json:"summary"`
	Factors         []FactorNote `json:"factors"`
	Recommendations []string     `json:"recommendations"`
}

type PerformanceScore struct {
	StudentID           string           `json:"student_id"`
	CourseID            string           `json:"course_id"`
	Score               float64          `json:"score"`
	Category            string           `json:"category"`
	TimelinessFactor    float64          `json:"timeliness_factor"`
	ConsistencyFactor   float64          `json:"consistency_factor"`
	CompletionFactor    float64          `json:"completion_factor"`
	GradeFactor         *float64         `json:"grade_factor"`
	Explanation         ScoreExplanation `json:"explanation"`
	AssignmentsAnalyzed int              `json:"assignments_analyzed"`
	CalculatedAt        time.Time        `json:"calculated_at"`
}

type QARecord struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id,omitempty"`
	CourseID   string     `json:"course_id,omitempty"`
	Question   string     `json:"question"`
	Answer     string     `json:"answer"`
	Confidence float64    `json:"confidence"`
	Reason     string     `json:"reason"`
	Candidates int        `json:"candidates"`
	LatencyMS  int64      `json:"latency_ms"`
	CreatedAt  time.Time  `json:"created_at"`
	Sources    []QASource `json:"sources,omitempty"`
}

type QASource struct {
	SourceType     string  `json:"source_type"`
	Title          string  `json:"title"`
	RelevanceScore float64 `json:"relevance_score"`
}

// Snapshot is a batch of classroom records pushed by a sync process.
type Snapshot struct {
	Course        Course         `json:"course"`
	Users         []User         `json:"users"`
	Enrollments   []Enrollment   `json:"enrollments"`
	Assignments   []Assignment   `json:"assignments"`
	Submissions   []Submission   `json:"submissions"`
	Announcements []Announcement `json:"announcements"`
}
