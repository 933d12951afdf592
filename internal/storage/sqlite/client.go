package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/classroom-assistant/backend/internal/storage/models"
	"github.com/classroom-assistant/backend/pkg/logger"
)

var ErrNotFound = models.ErrNotFound

type Client struct {
	db *sql.DB
}

// NewClient opens the database. Connection-scoped pragmas go in the DSN so
// every pooled connection gets them.
func NewClient(dbPath string) (*Client, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open database", goerr.V("path", dbPath))
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, goerr.Wrap(err, "failed to connect to database", goerr.V("path", dbPath))
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT
	);

	CREATE TABLE IF NOT EXISTS courses (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		section TEXT,
		description TEXT,
		state TEXT NOT NULL DEFAULT 'ACTIVE',
		synced_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS enrollments (
		user_id TEXT NOT NULL,
		course_id TEXT NOT NULL,
		role TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, course_id),
		FOREIGN KEY (course_id) REFERENCES courses(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_enrollments_course ON enrollments(course_id, role);

	CREATE TABLE IF NOT EXISTS assignments (
		id TEXT PRIMARY KEY,
		course_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT,
		max_points REAL,
		due_date INTEGER,
		state TEXT NOT NULL DEFAULT 'PUBLISHED',
		created_at INTEGER NOT NULL,
		embedded INTEGER NOT NULL DEFAULT 0,
		embedded_at INTEGER,
		FOREIGN KEY (course_id) REFERENCES courses(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_assignments_course ON assignments(course_id, state);

	CREATE TABLE IF NOT EXISTS submissions (
		id TEXT PRIMARY KEY,
		assignment_id TEXT NOT NULL,
		student_id TEXT NOT NULL,
		state TEXT NOT NULL,
		grade REAL,
		late INTEGER NOT NULL DEFAULT 0,
		submitted_at INTEGER,
		FOREIGN KEY (assignment_id) REFERENCES assignments(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_submissions_student ON submissions(student_id, assignment_id);

	CREATE TABLE IF NOT EXISTS announcements (
		id TEXT PRIMARY KEY,
		course_id TEXT NOT NULL,
		text TEXT,
		state TEXT NOT NULL DEFAULT 'PUBLISHED',
		created_at INTEGER NOT NULL,
		embedded INTEGER NOT NULL DEFAULT 0,
		embedded_at INTEGER,
		FOREIGN KEY (course_id) REFERENCES courses(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_announcements_course ON announcements(course_id);

	CREATE TABLE IF NOT EXISTS performance_scores (
		student_id TEXT NOT NULL,
		course_id TEXT NOT NULL,
		score REAL NOT NULL,
		category TEXT NOT NULL,
		timeliness_factor REAL NOT NULL,
		consistency_factor REAL NOT NULL,
		completion_factor REAL NOT NULL,
		grade_factor REAL,
		explanation TEXT NOT NULL,
		assignments_analyzed INTEGER NOT NULL DEFAULT 0,
		calculated_at INTEGER NOT NULL,
		PRIMARY KEY (student_id, course_id)
	);
	CREATE INDEX IF NOT EXISTS idx_scores_course ON performance_scores(course_id, category);

	CREATE TABLE IF NOT EXISTS qa_history (
		id TEXT PRIMARY KEY,
		user_id TEXT,
		course_id TEXT,
		question TEXT NOT NULL,
		answer TEXT NOT NULL,
		confidence REAL NOT NULL,
		reason TEXT NOT NULL,
		candidates INTEGER NOT NULL DEFAULT 0,
		latency_ms INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_qa_user ON qa_history(user_id, created_at);

	CREATE TABLE IF NOT EXISTS qa_sources (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		qa_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		source_type TEXT NOT NULL,
		title TEXT NOT NULL,
		relevance_score REAL NOT NULL,
		FOREIGN KEY (qa_id) REFERENCES qa_history(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_qa_sources_qa ON qa_sources(qa_id);
	`

	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return goerr.Wrap(err, "failed to create schema")
	}

	logger.Info("Database schema initialized")
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ImportSnapshot upserts every record of a classroom snapshot in one
// transaction.
func (c *Client) ImportSnapshot(ctx context.Context, snap *models.Snapshot) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return goerr.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	if snap.Course.SyncedAt == nil {
		snap.Course.SyncedAt = &now
	}
	if err := upsertCourse(ctx, tx, &snap.Course); err != nil {
		return err
	}
	for i := range snap.Users {
		if err := upsertUser(ctx, tx, &snap.Users[i]); err != nil {
			return err
		}
	}
	for i := range snap.Enrollments {
		e := snap.Enrollments[i]
		if e.CourseID == "" {
			e.CourseID = snap.Course.ID
		}
		if err := upsertEnrollment(ctx, tx, &e, now); err != nil {
			return err
		}
	}
	for i := range snap.Assignments {
		a := snap.Assignments[i]
		if a.CourseID == "" {
			a.CourseID = snap.Course.ID
		}
		if err := upsertAssignment(ctx, tx, &a, now); err != nil {
			return err
		}
	}
	for i := range snap.Submissions {
		if err := upsertSubmission(ctx, tx, &snap.Submissions[i]); err != nil {
			return err
		}
	}
	for i := range snap.Announcements {
		a := snap.Announcements[i]
		if a.CourseID == "" {
			a.CourseID = snap.Course.ID
		}
		if err := upsertAnnouncement(ctx, tx, &a, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return goerr.Wrap(err, "failed to commit snapshot", goerr.V("course_id", snap.Course.ID))
	}

	logger.Info("Classroom snapshot imported",
		zap.String("course_id", snap.Course.ID),
		zap.Int("assignments", len(snap.Assignments)),
		zap.Int("submissions", len(snap.Submissions)),
		zap.Int("announcements", len(snap.Announcements)),
		zap.Int("enrollments", len(snap.Enrollments)),
	)
	return nil
}

func upsertCourse(ctx context.Context, db execer, course *models.Course) error {
	state := course.State
	if state == "" {
		state = "ACTIVE"
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO courses (id, name, section, description, state, synced_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			section = excluded.section,
			description = excluded.description,
			state = excluded.state,
			synced_at = excluded.synced_at
	`, course.ID, course.Name, course.Section, course.Description, state, unixOrNull(course.SyncedAt))
	if err != nil {
		return goerr.Wrap(err, "failed to upsert course", goerr.V("course_id", course.ID))
	}
	return nil
}

func upsertUser(ctx context.Context, db execer, user *models.User) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO users (id, name, email) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, email = excluded.email
	`, user.ID, user.Name, user.Email)
	if err != nil {
		return goerr.Wrap(err, "failed to upsert user", goerr.V("user_id", user.ID))
	}
	return nil
}

func upsertEnrollment(ctx context.Context, db execer, e *models.Enrollment, now time.Time) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO enrollments (user_id, course_id, role, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, course_id) DO UPDATE SET role = excluded.role
	`, e.UserID, e.CourseID, e.Role, now.Unix())
	if err != nil {
		return goerr.Wrap(err, "failed to upsert enrollment",
			goerr.V("user_id", e.UserID),
			goerr.V("course_id", e.CourseID),
		)
	}
	return nil
}

// upsertAssignment clears the embedded flag only when indexed content changed.
func upsertAssignment(ctx context.Context, db execer, a *models.Assignment, now time.Time) error {
	state := a.State
	if state == "" {
		state = models.AssignmentPublished
	}
	created := a.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO assignments (id, course_id, title, description, max_points, due_date, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			embedded = CASE
				WHEN assignments.title IS NOT excluded.title
					OR assignments.description IS NOT excluded.description
					OR assignments.due_date IS NOT excluded.due_date
					OR assignments.max_points IS NOT excluded.max_points
				THEN 0 ELSE assignments.embedded END,
			course_id = excluded.course_id,
			title = excluded.title,
			description = excluded.description,
			max_points = excluded.max_points,
			due_date = excluded.due_date,
			state = excluded.state
	`, a.ID, a.CourseID, a.Title, a.Description, floatOrNull(a.MaxPoints), unixOrNull(a.DueDate), state, created.Unix())
	if err != nil {
		return goerr.Wrap(err, "failed to upsert assignment", goerr.V("assignment_id", a.ID))
	}
	return nil
}

func upsertSubmission(ctx context.Context, db execer, s *models.Submission) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO submissions (id, assignment_id, student_id, state, grade, late, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			grade = excluded.grade,
			late = excluded.late,
			submitted_at = excluded.submitted_at
	`, s.ID, s.AssignmentID, s.StudentID, s.State, floatOrNull(s.Grade), boolToInt(s.Late), unixOrNull(s.SubmittedAt))
	if err != nil {
		return goerr.Wrap(err, "failed to upsert submission", goerr.V("submission_id", s.ID))
	}
	return nil
}

func upsertAnnouncement(ctx context.Context, db execer, a *models.Announcement, now time.Time) error {
	state := a.State
	if state == "" {
		state = models.AssignmentPublished
	}
	created := a.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO announcements (id, course_id, text, state, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			embedded = CASE WHEN announcements.text IS NOT excluded.text THEN 0 ELSE announcements.embedded END,
			text = excluded.text,
			state = excluded.state
	`, a.ID, a.CourseID, a.Text, state, created.Unix())
	if err != nil {
		return goerr.Wrap(err, "failed to upsert announcement", goerr.V("announcement_id", a.ID))
	}
	return nil
}

func (c *Client) GetCourse(ctx context.Context, id string) (*models.Course, error) {
	var (
		course   models.Course
		section  sql.NullString
		desc     sql.NullString
		syncedAt sql.NullInt64
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT id, name, section, description, state, synced_at FROM courses WHERE id = ?`, id,
	).Scan(&course.ID, &course.Name, &section, &desc, &course.State, &syncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, goerr.Wrap(ErrNotFound, "course not found", goerr.V("course_id", id))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get course", goerr.V("course_id", id))
	}

	course.Section = section.String
	course.Description = desc.String
	course.SyncedAt = timeOrNil(syncedAt)
	return &course, nil
}

const assignmentColumns = `id, course_id, title, description, max_points, due_date, state, created_at, embedded, embedded_at`

func scanAssignments(rows *sql.Rows) ([]models.Assignment, error) {
	defer rows.Close()

	assignments := make([]models.Assignment, 0)
	for rows.Next() {
		var (
			a          models.Assignment
			desc       sql.NullString
			maxPoints  sql.NullFloat64
			dueDate    sql.NullInt64
			createdAt  int64
			embedded   int
			embeddedAt sql.NullInt64
		)
		if err := rows.Scan(&a.ID, &a.CourseID, &a.Title, &desc, &maxPoints, &dueDate, &a.State,
			&createdAt, &embedded, &embeddedAt); err != nil {
			return nil, goerr.Wrap(err, "failed to scan assignment")
		}
		a.Description = desc.String
		if maxPoints.Valid {
			v := maxPoints.Float64
			a.MaxPoints = &v
		}
		a.DueDate = timeOrNil(dueDate)
		a.CreatedAt = time.Unix(createdAt, 0).UTC()
		a.Embedded = embedded == 1
		a.EmbeddedAt = timeOrNil(embeddedAt)
		assignments = append(assignments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to iterate assignments")
	}
	return assignments, nil
}

func (c *Client) PublishedAssignments(ctx context.Context, courseID string) ([]models.Assignment, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+assignmentColumns+` FROM assignments WHERE course_id = ? AND state = ? ORDER BY created_at, id`,
		courseID, models.AssignmentPublished,
	)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query assignments", goerr.V("course_id", courseID))
	}
	return scanAssignments(rows)
}

func (c *Client) UnembeddedAssignments(ctx context.Context, courseID string) ([]models.Assignment, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+assignmentColumns+` FROM assignments WHERE course_id = ? AND embedded = 0 ORDER BY created_at, id`,
		courseID,
	)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query unembedded assignments", goerr.V("course_id", courseID))
	}
	return scanAssignments(rows)
}

// UpcomingAssignments returns the published assignments of the user's
// courses due after from and no later than until, soonest first.
func (c *Client) UpcomingAssignments(ctx context.Context, userID string, from, until time.Time, limit int) ([]models.Assignment, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT `+assignmentColumns+` FROM assignments
		WHERE course_id IN (SELECT course_id FROM enrollments WHERE user_id = ?)
			AND state = ? AND due_date > ? AND due_date <= ?
		ORDER BY due_date, id
		LIMIT ?
	`, userID, models.AssignmentPublished, from.Unix(), until.Unix(), limit)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query upcoming assignments", goerr.V("user_id", userID))
	}
	return scanAssignments(rows)
}

// StudentSubmissions returns the student's submissions for the published
// assignments of a course.
func (c *Client) StudentSubmissions(ctx context.Context, studentID, courseID string) ([]models.Submission, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT s.id, s.assignment_id, s.student_id, s.state, s.grade, s.late, s.submitted_at
		FROM submissions s
		JOIN assignments a ON a.id = s.assignment_id
		WHERE s.student_id = ? AND a.course_id = ? AND a.state = ?
		ORDER BY s.submitted_at, s.id
	`, studentID, courseID, models.AssignmentPublished)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query submissions",
			goerr.V("student_id", studentID),
			goerr.V("course_id", courseID),
		)
	}
	defer rows.Close()

	submissions := make([]models.Submission, 0)
	for rows.Next() {
		var (
			s           models.Submission
			grade       sql.NullFloat64
			late        int
			submittedAt sql.NullInt64
		)
		if err := rows.Scan(&s.ID, &s.AssignmentID, &s.StudentID, &s.State, &grade, &late, &submittedAt); err != nil {
			return nil, goerr.Wrap(err, "failed to scan submission")
		}
		if grade.Valid {
			v := grade.Float64
			s.Grade = &v
		}
		s.Late = late == 1
		s.SubmittedAt = timeOrNil(submittedAt)
		submissions = append(submissions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to iterate submissions")
	}
	return submissions, nil
}

func (c *Client) CourseEnrollments(ctx context.Context, courseID, role string) ([]models.Enrollment, error) {
	return c.enrollments(ctx, `e.course_id = ? AND e.role = ?`, courseID, role)
}

func (c *Client) UserEnrollments(ctx context.Context, userID, role string) ([]models.Enrollment, error) {
	return c.enrollments(ctx, `e.user_id = ? AND e.role = ?`, userID, role)
}

func (c *Client) enrollments(ctx context.Context, where string, args ...any) ([]models.Enrollment, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT e.user_id, e.course_id, e.role, COALESCE(u.name, '')
		FROM enrollments e
		LEFT JOIN users u ON u.id = e.user_id
		WHERE `+where+`
		ORDER BY e.created_at, e.user_id, e.course_id
	`, args...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query enrollments")
	}
	defer rows.Close()

	enrollments := make([]models.Enrollment, 0)
	for rows.Next() {
		var e models.Enrollment
		if err := rows.Scan(&e.UserID, &e.CourseID, &e.Role, &e.UserName); err != nil {
			return nil, goerr.Wrap(err, "failed to scan enrollment")
		}
		enrollments = append(enrollments, e)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to iterate enrollments")
	}
	return enrollments, nil
}

func (c *Client) UnembeddedAnnouncements(ctx context.Context, courseID string) ([]models.Announcement, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, course_id, COALESCE(text, ''), state, created_at, embedded, embedded_at
		FROM announcements WHERE course_id = ? AND embedded = 0 ORDER BY created_at, id
	`, courseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query announcements", goerr.V("course_id", courseID))
	}
	defer rows.Close()

	announcements := make([]models.Announcement, 0)
	for rows.Next() {
		var (
			a          models.Announcement
			createdAt  int64
			embedded   int
			embeddedAt sql.NullInt64
		)
		if err := rows.Scan(&a.ID, &a.CourseID, &a.Text, &a.State, &createdAt, &embedded, &embeddedAt); err != nil {
			return nil, goerr.Wrap(err, "failed to scan announcement")
		}
		a.CreatedAt = time.Unix(createdAt, 0).UTC()
		a.Embedded = embedded == 1
		a.EmbeddedAt = timeOrNil(embeddedAt)
		announcements = append(announcements, a)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to iterate announcements")
	}
	return announcements, nil
}

func (c *Client) MarkAssignmentsEmbedded(ctx context.Context, ids []string, at time.Time) error {
	return c.markEmbedded(ctx, "assignments", ids, at)
}

func (c *Client) MarkAnnouncementsEmbedded(ctx context.Context, ids []string, at time.Time) error {
	return c.markEmbedded(ctx, "announcements", ids, at)
}

func (c *Client) markEmbedded(ctx context.Context, table string, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, at.Unix())
	for _, id := range ids {
		args = append(args, id)
	}

	query := fmt.Sprintf(`UPDATE %s SET embedded = 1, embedded_at = ? WHERE id IN (%s)`, table, placeholders)
	if _, err := c.db.ExecContext(ctx, query, args...); err != nil {
		return goerr.Wrap(err, "failed to mark embedded", goerr.V("table", table), goerr.V("count", len(ids)))
	}
	return nil
}

// ResetEmbedded clears the embedded flags of a course so the next indexing
// run picks everything up again.
func (c *Client) ResetEmbedded(ctx context.Context, courseID string) error {
	for _, table := range []string{"assignments", "announcements"} {
		query := fmt.Sprintf(`UPDATE %s SET embedded = 0, embedded_at = NULL WHERE course_id = ?`, table)
		if _, err := c.db.ExecContext(ctx, query, courseID); err != nil {
			return goerr.Wrap(err, "failed to reset embedded flags", goerr.V("table", table), goerr.V("course_id", courseID))
		}
	}
	return nil
}

func (c *Client) UpsertPerformanceScore(ctx context.Context, score *models.PerformanceScore) error {
	explanation, err := json.Marshal(score.Explanation)
	if err != nil {
		return goerr.Wrap(err, "failed to encode explanation")
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO performance_scores (student_id, course_id, score, category, timeliness_factor,
			consistency_factor, completion_factor, grade_factor, explanation, assignments_analyzed, calculated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(student_id, course_id) DO UPDATE SET
			score = excluded.score,
			category = excluded.category,
			timeliness_factor = excluded.timeliness_factor,
			consistency_factor = excluded.consistency_factor,
			completion_factor = excluded.completion_factor,
			grade_factor = excluded.grade_factor,
			explanation = excluded.explanation,
			assignments_analyzed = excluded.assignments_analyzed,
			calculated_at = excluded.calculated_at
	`,
		score.StudentID,
		score.CourseID,
		score.Score,
		score.Category,
		score.TimelinessFactor,
		score.ConsistencyFactor,
		score.CompletionFactor,
		floatOrNull(score.GradeFactor),
		string(explanation),
		score.AssignmentsAnalyzed,
		score.CalculatedAt.Unix(),
	)
	if err != nil {
		return goerr.Wrap(err, "failed to upsert performance score",
			goerr.V("student_id", score.StudentID),
			goerr.V("course_id", score.CourseID),
		)
	}

	logger.Debug("Performance score saved",
		zap.String("student_id", score.StudentID),
		zap.String("course_id", score.CourseID),
		zap.Float64("score", score.Score),
	)
	return nil
}

func (c *Client) GetPerformanceScore(ctx context.Context, studentID, courseID string) (*models.PerformanceScore, error) {
	var (
		s            models.PerformanceScore
		grade        sql.NullFloat64
		explanation  string
		calculatedAt int64
	)
	err := c.db.QueryRowContext(ctx, `
		SELECT student_id, course_id, score, category, timeliness_factor, consistency_factor,
			completion_factor, grade_factor, explanation, assignments_analyzed, calculated_at
		FROM performance_scores WHERE student_id = ? AND course_id = ?
	`, studentID, courseID).Scan(&s.StudentID, &s.CourseID, &s.Score, &s.Category, &s.TimelinessFactor,
		&s.ConsistencyFactor, &s.CompletionFactor, &grade, &explanation, &s.AssignmentsAnalyzed, &calculatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, goerr.Wrap(ErrNotFound, "performance score not found",
			goerr.V("student_id", studentID),
			goerr.V("course_id", courseID),
		)
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get performance score")
	}

	if grade.Valid {
		v := grade.Float64
		s.GradeFactor = &v
	}
	if err := json.Unmarshal([]byte(explanation), &s.Explanation); err != nil {
		return nil, goerr.Wrap(err, "failed to decode explanation")
	}
	s.CalculatedAt = time.Unix(calculatedAt, 0).UTC()
	return &s, nil
}

func (c *Client) InsertQARecord(ctx context.Context, record *models.QARecord) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return goerr.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO qa_history (id, user_id, course_id, question, answer, confidence, reason,
			candidates, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		record.ID,
		record.UserID,
		record.CourseID,
		record.Question,
		record.Answer,
		record.Confidence,
		record.Reason,
		record.Candidates,
		record.LatencyMS,
		record.CreatedAt.Unix(),
	)
	if err != nil {
		return goerr.Wrap(err, "failed to insert qa record", goerr.V("qa_id", record.ID))
	}

	for i, src := range record.Sources {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO qa_sources (qa_id, position, source_type, title, relevance_score) VALUES (?, ?, ?, ?, ?)
		`, record.ID, i, src.SourceType, src.Title, src.RelevanceScore)
		if err != nil {
			return goerr.Wrap(err, "failed to insert qa source", goerr.V("qa_id", record.ID))
		}
	}

	if err := tx.Commit(); err != nil {
		return goerr.Wrap(err, "failed to commit qa record", goerr.V("qa_id", record.ID))
	}
	return nil
}

// QAHistory returns the newest records first. An empty userID lists all users.
func (c *Client) QAHistory(ctx context.Context, userID string, limit int) ([]models.QARecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT id, COALESCE(user_id, ''), COALESCE(course_id, ''), question, answer, confidence, reason,
			candidates, latency_ms, created_at
		FROM qa_history
		WHERE (? = '' OR user_id = ?)
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, userID, userID, limit)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query qa history")
	}

	records := make([]models.QARecord, 0)
	for rows.Next() {
		var (
			r         models.QARecord
			createdAt int64
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.CourseID, &r.Question, &r.Answer, &r.Confidence, &r.Reason,
			&r.Candidates, &r.LatencyMS, &createdAt); err != nil {
			rows.Close()
			return nil, goerr.Wrap(err, "failed to scan qa record")
		}
		r.CreatedAt = time.Unix(createdAt, 0).UTC()
		records = append(records, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to iterate qa history")
	}

	for i := range records {
		sources, err := c.qaSources(ctx, records[i].ID)
		if err != nil {
			return nil, err
		}
		records[i].Sources = sources
	}
	return records, nil
}

func (c *Client) qaSources(ctx context.Context, qaID string) ([]models.QASource, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT source_type, title, relevance_score FROM qa_sources WHERE qa_id = ? ORDER BY position`, qaID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query qa sources", goerr.V("qa_id", qaID))
	}
	defer rows.Close()

	sources := make([]models.QASource, 0)
	for rows.Next() {
		var s models.QASource
		if err := rows.Scan(&s.SourceType, &s.Title, &s.RelevanceScore); err != nil {
			return nil, goerr.Wrap(err, "failed to scan qa source")
		}
		sources = append(sources, s)
	}
	return sources, rows.Err()
}

func unixOrNull(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.Unix()
}

func timeOrNil(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func floatOrNull(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
