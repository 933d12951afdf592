package handlers_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"

	"github.com/classroom-assistant/backend/internal/api/handlers"
	"github.com/classroom-assistant/backend/internal/deadlines"
	"github.com/classroom-assistant/backend/internal/embedding"
	"github.com/classroom-assistant/backend/internal/evaluation"
	"github.com/classroom-assistant/backend/internal/indexing"
	"github.com/classroom-assistant/backend/internal/jobs"
	"github.com/classroom-assistant/backend/internal/kg/neo4j"
	"github.com/classroom-assistant/backend/internal/middleware/security"
	"github.com/classroom-assistant/backend/internal/rag"
	"github.com/classroom-assistant/backend/internal/scoring"
	"github.com/classroom-assistant/backend/internal/storage/models"
	"github.com/classroom-assistant/backend/internal/vector"
	"github.com/classroom-assistant/backend/internal/vector/memory"
)

type fakeEngine struct {
	got rag.Question
	err error
}

func (f *fakeEngine) Answer(ctx context.Context, q rag.Question) (*rag.Answer, error) {
	f.got = q
	if f.err != nil {
		return nil, f.err
	}
	return &rag.Answer{
		Question:   q.Text,
		Answer:     "Based on classroom content:\n\nBring goggles.",
		Confidence: 0.8,
		Reason:     rag.ReasonAnswered,
		Sources:    []rag.Source{{Type: "assignment", Title: "Lab"}},
	}, nil
}

type fakeHistory struct {
	user  string
	limit int
}

func (f *fakeHistory) QAHistory(ctx context.Context, userID string, limit int) ([]models.QARecord, error) {
	f.user, f.limit = userID, limit
	return []models.QARecord{{ID: "qa1", UserID: userID, Question: "when?"}}, nil
}

type fakeCourses struct {
	indexed  chan string
	reindex  bool
	resetFor string
}

func (f *fakeCourses) IndexCourse(ctx context.Context, courseID string) (*indexing.CourseIndexResult, error) {
	f.indexed <- courseID
	return &indexing.CourseIndexResult{CourseID: courseID, Chunks: 3}, nil
}

func (f *fakeCourses) Reindex(ctx context.Context, courseID string) (*indexing.CourseIndexResult, error) {
	f.reindex = true
	return f.IndexCourse(ctx, courseID)
}

func (f *fakeCourses) ResetEmbedded(ctx context.Context, courseID string) error {
	f.resetFor = courseID
	return nil
}

type fakeTopics struct {
	deleted string
	err     error
}

func (f *fakeTopics) DeleteCourse(ctx context.Context, courseID string) error {
	f.deleted = courseID
	return f.err
}

func (f *fakeTopics) TopKeywords(ctx context.Context, courseID string, limit int) ([]neo4j.Topic, error) {
	return []neo4j.Topic{{Name: "cells", Sources: 2}}, f.err
}

func (f *fakeTopics) ContentForTopic(ctx context.Context, courseID, topic string) ([]neo4j.ContentRef, error) {
	return []neo4j.ContentRef{{SourceType: "assignment", SourceID: "a1", Title: "Lab"}}, f.err
}

type fakeIndexer struct {
	doc indexing.Document
	err error
}

func (f *fakeIndexer) IndexContent(ctx context.Context, doc indexing.Document) (int, error) {
	f.doc = doc
	return 2, f.err
}

type fakeScorer struct{}

func (fakeScorer) ScoreStudent(ctx context.Context, studentID, courseID string) (*models.PerformanceScore, error) {
	return &models.PerformanceScore{StudentID: studentID, CourseID: courseID, Score: 72, Category: "medium"}, nil
}

func (fakeScorer) ClassOverview(ctx context.Context, courseID string) (*scoring.Overview, error) {
	return &scoring.Overview{CourseID: courseID, Total: 1, Medium: 1}, nil
}

func (fakeScorer) StudentScores(ctx context.Context, studentID string) ([]*models.PerformanceScore, error) {
	return []*models.PerformanceScore{{StudentID: studentID, CourseID: "bio"}}, nil
}

func (fakeScorer) LatestScore(ctx context.Context, studentID, courseID string) (*models.PerformanceScore, error) {
	return &models.PerformanceScore{StudentID: studentID, CourseID: courseID, Score: 55, Category: "at_risk"}, nil
}

func (fakeScorer) CourseReport(ctx context.Context, courseID, period string) (*scoring.CourseReport, error) {
	if period != scoring.PeriodWeekly && period != scoring.PeriodMonthly {
		return nil, goerr.Wrap(scoring.ErrInvalidPeriod, "bad period")
	}
	if courseID != "bio" {
		return nil, goerr.Wrap(models.ErrNotFound, "course not found")
	}
	return &scoring.CourseReport{
		Summary:  scoring.ReportSummary{CourseName: "Biology", ReportType: period, StudentCount: 1},
		Students: []scoring.StudentReport{{StudentID: "ada", AssignmentsTotal: 2}},
	}, nil
}

type fakeDeadlines struct {
	user        string
	days, limit int
}

func (f *fakeDeadlines) Upcoming(ctx context.Context, userID string, days, limit int) ([]deadlines.Deadline, error) {
	f.user, f.days, f.limit = userID, days, limit
	return []deadlines.Deadline{{Assignment: models.Assignment{ID: "a1", Title: "Lab"}, Urgency: deadlines.UrgencyUrgent}}, nil
}

type fakeImporter struct {
	snap *models.Snapshot
}

func (f *fakeImporter) ImportSnapshot(ctx context.Context, snap *models.Snapshot) error {
	f.snap = snap
	return nil
}

type pinger struct{ err error }

func (p pinger) Ping(ctx context.Context) error { return p.err }

func request(method, path, body string, headers ...string) *http.Request {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	return req
}

func do(t *testing.T, app *fiber.App, req *http.Request) (int, map[string]any) {
	t.Helper()
	resp, err := app.Test(req, -1)
	gt.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	data, err := io.ReadAll(resp.Body)
	gt.NoError(t, err)
	if len(data) > 0 {
		gt.NoError(t, json.Unmarshal(data, &out))
	}
	return resp.StatusCode, out
}

func TestAsk(t *testing.T) {
	engine := &fakeEngine{}
	app := fiber.New()
	app.Post("/qa", handlers.NewQAHandler(engine, &fakeHistory{}).Ask)

	status, body := do(t, app, request("POST", "/qa", `{"question":"What to bring?","course_id":"bio"}`, security.UserHeader, "ada"))
	gt.Equal(t, status, fiber.StatusOK)
	gt.Equal(t, body["reason"], any("answered"))
	gt.Equal(t, body["confidence"], any(0.8))
	gt.Equal(t, engine.got.CourseID, "bio")
	gt.Equal(t, engine.got.UserID, "ada")
}

func TestAskIgnoresUserIDInBody(t *testing.T) {
	engine := &fakeEngine{}
	app := fiber.New()
	app.Post("/qa", handlers.NewQAHandler(engine, &fakeHistory{}).Ask)

	status, _ := do(t, app, request("POST", "/qa", `{"question":"What to bring?","user_id":"bob"}`, security.UserHeader, "ada"))
	gt.Equal(t, status, fiber.StatusOK)
	gt.Equal(t, engine.got.UserID, "ada")

	status, _ = do(t, app, request("POST", "/qa", `{"question":"What to bring?","user_id":"bob"}`))
	gt.Equal(t, status, fiber.StatusOK)
	gt.Equal(t, engine.got.UserID, "")
}

func TestAskErrors(t *testing.T) {
	engine := &fakeEngine{err: goerr.Wrap(rag.ErrEmptyQuestion, "empty")}
	app := fiber.New()
	app.Post("/qa", handlers.NewQAHandler(engine, &fakeHistory{}).Ask)

	status, body := do(t, app, request("POST", "/qa", `{"question":"$$$"}`))
	gt.Equal(t, status, fiber.StatusBadRequest)
	gt.Equal(t, body["error"], any("question must contain searchable text"))

	engine.err = errors.Join(embedding.ErrEmbeddingFailed, errors.New("model down"))
	status, _ = do(t, app, request("POST", "/qa", `{"question":"hello there"}`))
	gt.Equal(t, status, fiber.StatusServiceUnavailable)

	status, _ = do(t, app, request("POST", "/qa", `{not json`))
	gt.Equal(t, status, fiber.StatusBadRequest)
}

func TestHistory(t *testing.T) {
	history := &fakeHistory{}
	app := fiber.New()
	app.Get("/qa/history", handlers.NewQAHandler(&fakeEngine{}, history).History)

	status, _ := do(t, app, request("GET", "/qa/history", ""))
	gt.Equal(t, status, fiber.StatusBadRequest)

	status, _ = do(t, app, request("GET", "/qa/history?user_id=bob", "", security.UserHeader, "ada"))
	gt.Equal(t, status, fiber.StatusForbidden)

	status, body := do(t, app, request("GET", "/qa/history?limit=500", "", security.UserHeader, "ada"))
	gt.Equal(t, status, fiber.StatusOK)
	gt.Equal(t, body["user_id"], any("ada"))
	gt.Equal(t, history.limit, 100)

	status, _ = do(t, app, request("GET", "/qa/history?user_id=bob", "", security.RoleHeader, "teacher"))
	gt.Equal(t, status, fiber.StatusOK)
	gt.Equal(t, history.user, "bob")

	status, _ = do(t, app, request("GET", "/qa/history?limit=-1", "", security.UserHeader, "ada"))
	gt.Equal(t, status, fiber.StatusBadRequest)
}

func newIndexApp(t *testing.T, pool *jobs.Pool, courses *fakeCourses, store vector.Store, topics *fakeTopics) *fiber.App {
	t.Helper()
	h := handlers.NewIndexHandler(handlers.IndexDeps{
		Courses: courses,
		Jobs:    pool,
		Store:   store,
		Flags:   courses,
		Topics:  topics,
	})
	app := fiber.New()
	app.Post("/qa/index/:course_id", h.IndexCourse)
	app.Delete("/qa/index/:course_id", h.DeleteIndex)
	app.Get("/qa/stats", h.Stats)
	app.Get("/jobs/:id", h.GetJob)
	return app
}

func TestIndexCourseRunsAsJob(t *testing.T) {
	pool := jobs.NewPool(1, 2)
	pool.Start(context.Background())
	t.Cleanup(pool.Stop)

	courses := &fakeCourses{indexed: make(chan string, 1)}
	app := newIndexApp(t, pool, courses, memory.New(3), &fakeTopics{})

	status, body := do(t, app, request("POST", "/qa/index/bio?reindex=true", ""))
	gt.Equal(t, status, fiber.StatusAccepted)
	gt.Equal(t, body["status"], any("queued"))

	select {
	case id := <-courses.indexed:
		gt.Equal(t, id, "bio")
	case <-time.After(5 * time.Second):
		t.Fatal("indexing job did not run")
	}
	gt.True(t, courses.reindex)

	jobID, _ := body["job_id"].(string)
	deadline := time.Now().Add(5 * time.Second)
	for {
		status, job := do(t, app, request("GET", "/jobs/"+jobID, ""))
		gt.Equal(t, status, fiber.StatusOK)
		if job["status"] == "succeeded" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job did not finish: %v", job)
		}
		time.Sleep(5 * time.Millisecond)
	}

	status, _ = do(t, app, request("GET", "/jobs/unknown", ""))
	gt.Equal(t, status, fiber.StatusNotFound)
}

func TestIndexCourseQueueFull(t *testing.T) {
	pool := jobs.NewPool(1, 1)
	courses := &fakeCourses{indexed: make(chan string, 2)}
	app := newIndexApp(t, pool, courses, memory.New(3), &fakeTopics{})

	status, _ := do(t, app, request("POST", "/qa/index/bio", ""))
	gt.Equal(t, status, fiber.StatusAccepted)

	status, _ = do(t, app, request("POST", "/qa/index/bio", ""))
	gt.Equal(t, status, fiber.StatusServiceUnavailable)
}

func TestDeleteIndexAndStats(t *testing.T) {
	ctx := context.Background()
	store := memory.New(2)
	gt.NoError(t, store.Add(ctx, []vector.Record{
		{ID: "a", Embedding: []float32{1, 0}, Document: "x", Metadata: vector.Metadata{CourseID: "bio", SourceType: "assignment", SourceID: "1"}},
		{ID: "b", Embedding: []float32{0, 1}, Document: "y", Metadata: vector.Metadata{CourseID: "art", SourceType: "assignment", SourceID: "2"}},
	}))

	courses := &fakeCourses{}
	topics := &fakeTopics{err: errors.New("graph down")}
	app := newIndexApp(t, jobs.NewPool(1, 1), courses, store, topics)

	status, body := do(t, app, request("GET", "/qa/stats", ""))
	gt.Equal(t, status, fiber.StatusOK)
	gt.Equal(t, body["total_chunks"], any(float64(2)))

	// a topic graph failure does not fail the delete
	status, _ = do(t, app, request("DELETE", "/qa/index/bio", ""))
	gt.Equal(t, status, fiber.StatusOK)
	gt.Equal(t, courses.resetFor, "bio")
	gt.Equal(t, topics.deleted, "bio")

	n, err := store.Count(ctx)
	gt.NoError(t, err)
	gt.Equal(t, n, 1)
}

func TestUploadDocument(t *testing.T) {
	indexer := &fakeIndexer{}
	app := fiber.New()
	app.Post("/documents", handlers.NewDocumentHandler(indexer).UploadDocument)

	status, body := do(t, app, request("POST", "/documents", `{"text":"<p>Notes</p>","content_type":"html","course_id":"bio"}`))
	gt.Equal(t, status, fiber.StatusCreated)
	gt.Equal(t, body["chunks"], any(float64(2)))
	gt.Equal(t, indexer.doc.Metadata.SourceType, vector.SourceMaterial)
	gt.NotEqual(t, indexer.doc.Metadata.SourceID, "")
	gt.Equal(t, indexer.doc.ContentType, "html")

	indexer.err = goerr.Wrap(indexing.ErrInvalidDocument, "unsupported content type")
	status, _ = do(t, app, request("POST", "/documents", `{"text":"x","content_type":"pdf"}`))
	gt.Equal(t, status, fiber.StatusBadRequest)

	indexer.err = goerr.Wrap(embedding.ErrEmbeddingFailed, "model down")
	status, _ = do(t, app, request("POST", "/documents", `{"text":"x"}`))
	gt.Equal(t, status, fiber.StatusBadGateway)
}

func TestAnalyticsAccess(t *testing.T) {
	h := handlers.NewAnalyticsHandler(fakeScorer{})
	app := fiber.New()
	app.Get("/courses/:course_id/students/:student_id", h.StudentPerformance)
	app.Get("/courses/:course_id", security.RequireRole(models.RoleTeacher), h.ClassOverview)
	app.Get("/students/:student_id", h.StudentScores)

	status, _ := do(t, app, request("GET", "/courses/bio/students/ada", "", security.UserHeader, "bob"))
	gt.Equal(t, status, fiber.StatusForbidden)

	status, body := do(t, app, request("GET", "/courses/bio/students/ada", "", security.UserHeader, "ada"))
	gt.Equal(t, status, fiber.StatusOK)
	gt.Equal(t, body["category"], any("medium"))

	status, _ = do(t, app, request("GET", "/courses/bio", "", security.UserHeader, "ada"))
	gt.Equal(t, status, fiber.StatusForbidden)

	status, body = do(t, app, request("GET", "/courses/bio", "", security.RoleHeader, "Teacher"))
	gt.Equal(t, status, fiber.StatusOK)
	gt.Equal(t, body["medium"], any(float64(1)))

	status, body = do(t, app, request("GET", "/students/ada", "", security.RoleHeader, "teacher"))
	gt.Equal(t, status, fiber.StatusOK)
	gt.Equal(t, body["student_id"], any("ada"))

	status, body = do(t, app, request("GET", "/courses/bio/students/ada?cached=true", "", security.UserHeader, "ada"))
	gt.Equal(t, status, fiber.StatusOK)
	gt.Equal(t, body["category"], any("at_risk"))
}

func TestCourseReport(t *testing.T) {
	h := handlers.NewAnalyticsHandler(fakeScorer{})
	app := fiber.New()
	app.Get("/courses/:course_id/report", security.RequireRole(models.RoleTeacher), h.CourseReport)

	status, _ := do(t, app, request("GET", "/courses/bio/report", "", security.UserHeader, "ada"))
	gt.Equal(t, status, fiber.StatusForbidden)

	status, body := do(t, app, request("GET", "/courses/bio/report", "", security.RoleHeader, "teacher"))
	gt.Equal(t, status, fiber.StatusOK)
	summary := body["summary"].(map[string]any)
	gt.Equal(t, summary["report_type"], any("weekly"))
	gt.Equal(t, summary["course_name"], any("Biology"))

	status, body = do(t, app, request("GET", "/courses/bio/report?type=monthly", "", security.RoleHeader, "teacher"))
	gt.Equal(t, status, fiber.StatusOK)
	gt.Equal(t, body["summary"].(map[string]any)["report_type"], any("monthly"))

	status, _ = do(t, app, request("GET", "/courses/bio/report?type=daily", "", security.RoleHeader, "teacher"))
	gt.Equal(t, status, fiber.StatusBadRequest)

	status, _ = do(t, app, request("GET", "/courses/chem/report", "", security.RoleHeader, "teacher"))
	gt.Equal(t, status, fiber.StatusNotFound)
}

func TestUpcomingDeadlines(t *testing.T) {
	lister := &fakeDeadlines{}
	app := fiber.New()
	app.Get("/assignments/upcoming", handlers.NewDeadlineHandler(lister).Upcoming)

	status, _ := do(t, app, request("GET", "/assignments/upcoming", ""))
	gt.Equal(t, status, fiber.StatusBadRequest)

	status, body := do(t, app, request("GET", "/assignments/upcoming", "", security.UserHeader, "ada"))
	gt.Equal(t, status, fiber.StatusOK)
	gt.Equal(t, lister.user, "ada")
	gt.Equal(t, lister.days, 7)
	gt.Equal(t, lister.limit, 10)
	items := body["deadlines"].([]any)
	gt.A(t, items).Length(1)
	gt.Equal(t, items[0].(map[string]any)["urgency"], any("urgent"))

	status, _ = do(t, app, request("GET", "/assignments/upcoming?days=3&limit=5", "", security.UserHeader, "ada"))
	gt.Equal(t, status, fiber.StatusOK)
	gt.Equal(t, lister.days, 3)
	gt.Equal(t, lister.limit, 5)

	status, _ = do(t, app, request("GET", "/assignments/upcoming?days=31", "", security.UserHeader, "ada"))
	gt.Equal(t, status, fiber.StatusBadRequest)
	status, _ = do(t, app, request("GET", "/assignments/upcoming?limit=0", "", security.UserHeader, "ada"))
	gt.Equal(t, status, fiber.StatusBadRequest)
}

func TestCourseTopics(t *testing.T) {
	app := fiber.New()
	app.Get("/courses/:course_id/topics", handlers.NewCourseHandler(&fakeImporter{}, &fakeTopics{}).Topics)

	status, body := do(t, app, request("GET", "/courses/bio/topics", ""))
	gt.Equal(t, status, fiber.StatusOK)
	gt.A(t, body["topics"].([]any)).Length(1)

	status, body = do(t, app, request("GET", "/courses/bio/topics?topic=cells", ""))
	gt.Equal(t, status, fiber.StatusOK)
	gt.A(t, body["content"].([]any)).Length(1)

	disabled := fiber.New()
	disabled.Get("/courses/:course_id/topics", handlers.NewCourseHandler(&fakeImporter{}, nil).Topics)
	status, _ = do(t, disabled, request("GET", "/courses/bio/topics", ""))
	gt.Equal(t, status, fiber.StatusNotImplemented)
}

func TestImportSnapshot(t *testing.T) {
	importer := &fakeImporter{}
	app := fiber.New()
	app.Post("/courses/:course_id/snapshot", handlers.NewCourseHandler(importer, nil).ImportSnapshot)

	status, body := do(t, app, request("POST", "/courses/bio/snapshot",
		`{"course":{"name":"Biology"},"assignments":[{"id":"a1","title":"Lab"}]}`))
	gt.Equal(t, status, fiber.StatusOK)
	gt.Equal(t, body["assignments"], any(float64(1)))
	gt.Equal(t, importer.snap.Course.ID, "bio")

	status, _ = do(t, app, request("POST", "/courses/bio/snapshot", `{"course":{"id":"art"}}`))
	gt.Equal(t, status, fiber.StatusBadRequest)
}

func TestReadiness(t *testing.T) {
	app := fiber.New()
	h := handlers.NewHealthHandler(map[string]handlers.Pinger{
		"sqlite": pinger{},
		"redis":  pinger{err: errors.New("refused")},
	})
	app.Get("/health", h.Health)
	app.Get("/ready", h.Ready)

	status, _ := do(t, app, request("GET", "/health", ""))
	gt.Equal(t, status, fiber.StatusOK)

	status, body := do(t, app, request("GET", "/ready", ""))
	gt.Equal(t, status, fiber.StatusServiceUnavailable)
	deps := body["dependencies"].(map[string]any)
	gt.Equal(t, deps["sqlite"], any("ok"))
	gt.Equal(t, deps["redis"], any("unavailable"))
}

func TestSentences(t *testing.T) {
	got := handlers.Sentences("According to the assignment 'Lab':\n\nBring goggles. Wear gloves at all times.")
	gt.Equal(t, got, []string{
		"According to the assignment 'Lab':",
		"Bring goggles.",
		"Wear gloves at all times.",
	})

	gt.A(t, handlers.Sentences("  \n\n ")).Length(0)
}

type fakeRunner struct {
	ran chan int
}

func (f *fakeRunner) Run(ctx context.Context, dataset *evaluation.Dataset) (*evaluation.Report, error) {
	f.ran <- len(dataset.Items)
	return &evaluation.Report{Total: len(dataset.Items)}, nil
}

func TestEvaluate(t *testing.T) {
	pool := jobs.NewPool(1, 1)
	pool.Start(context.Background())
	t.Cleanup(pool.Stop)

	runner := &fakeRunner{ran: make(chan int, 1)}
	app := fiber.New()
	app.Post("/qa/evaluate", handlers.NewEvaluationHandler(runner, pool).Evaluate)

	status, body := do(t, app, request("POST", "/qa/evaluate", `{"items":[{"question":"When is the lab due?","ground_truth":"Friday"}]}`))
	gt.Equal(t, status, fiber.StatusAccepted)
	gt.Equal(t, body["questions"], any(float64(1)))

	select {
	case n := <-runner.ran:
		gt.Equal(t, n, 1)
	case <-time.After(5 * time.Second):
		t.Fatal("evaluation job did not run")
	}

	jobID := body["job_id"].(string)
	var job jobs.Job
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, _ = pool.Get(jobID)
		if job.Status == jobs.StatusSucceeded {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	gt.Equal(t, job.Status, jobs.StatusSucceeded)
	result := job.Result.(*handlers.EvaluationResult)
	gt.Equal(t, result.Report.Total, 1)
	gt.S(t, result.Summary).Contains("Total Questions: 1")

	status, _ = do(t, app, request("POST", "/qa/evaluate", `{"items":[]}`))
	gt.Equal(t, status, fiber.StatusBadRequest)
}
