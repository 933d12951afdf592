// Package rag answers questions strictly from indexed classroom content.
// Every answer is an excerpt of a retrieved chunk behind templated phrasing;
// when retrieval is weak the engine refuses instead of guessing.
package rag

import (
	"context"
	"fmt"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"go.uber.org/zap"

	"github.com/classroom-assistant/backend/internal/metrics"
	"github.com/classroom-assistant/backend/internal/textproc"
	"github.com/classroom-assistant/backend/internal/vector"
	"github.com/classroom-assistant/backend/pkg/logger"
)

const (
	// MinRelevance is the similarity a candidate needs to be considered.
	MinRelevance = 0.35
	// MinimumConfidence is the floor below which no answer is asserted.
	MinimumConfidence = 0.50
	// HighConfidence only labels answers.
	HighConfidence = 0.75

	DefaultResults     = 5
	MaxResults         = 50
	MaxSources         = 5
	AnswerExcerptLimit = 500
	HedgeExcerptLimit  = 300
	SourceExcerptLimit = 200
	hedgeSources       = 2
)

type Reason string

const (
	ReasonAnswered         Reason = "answered"
	ReasonLowConfidence    Reason = "low_confidence"
	ReasonNoIndexedContent Reason = "no_indexed_content"
	ReasonLowRelevance     Reason = "low_relevance"

	// outcome label only; callers see ReasonNoIndexedContent
	outcomeRetrievalUnavailable = "retrieval_unavailable"
)

var ErrEmptyQuestion = goerr.New("question is empty")

// Embedder is satisfied by *embedding.Generator.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Recorder keeps a history of answered questions.
type Recorder interface {
	RecordAnswer(ctx context.Context, q Question, a *Answer, latency time.Duration) error
}

type Question struct {
	Text     string `json:"question"`
	CourseID string `json:"course_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	NResults int    `json:"n_results,omitempty"`
}

type Source struct {
	Type           string  `json:"type"`
	Title          string  `json:"title"`
	Excerpt        string  `json:"excerpt"`
	RelevanceScore float64 `json:"relevance_score"`
	Posted         string  `json:"posted,omitempty"`
	CourseName     string  `json:"course_name,omitempty"`
}

type Answer struct {
	Question    string    `json:"question"`
	Answer      string    `json:"answer"`
	Confidence  float64   `json:"confidence"`
	Sources     []Source  `json:"sources"`
	Explanation string    `json:"explanation"`
	Reason      Reason    `json:"reason"`
	Candidates  int       `json:"candidates"`
	AnsweredAt  time.Time `json:"answered_at"`
}

// IsRefusal reports whether the engine declined to answer.
func (a *Answer) IsRefusal() bool {
	return a.Confidence == 0 && len(a.Sources) == 0
}

type candidate struct {
	document   string
	metadata   vector.Metadata
	similarity float64
}

type Engine struct {
	embedder       Embedder
	store          vector.Store
	recorder       Recorder
	defaultResults int
	now            func() time.Time
}

type Option func(*Engine)

func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

func WithDefaultResults(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.defaultResults = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(embedder Embedder, store vector.Store, opts ...Option) *Engine {
	e := &Engine{
		embedder:       embedder,
		store:          store,
		defaultResults: DefaultResults,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Answer retrieves the closest chunks for the question and answers from the
// best one, or refuses. Refusals are answers, not errors. A vector store
// failure is reported as a refusal for lack of indexed content; a question
// that cannot be embedded is an error.
func (e *Engine) Answer(ctx context.Context, q Question) (*Answer, error) {
	start := time.Now()

	// Same cleaning the embedder applies; nothing left means nothing to search.
	if textproc.Clean(q.Text) == "" {
		return nil, ErrEmptyQuestion
	}

	n := q.NResults
	if n <= 0 {
		n = e.defaultResults
	}
	n = min(n, MaxResults)

	embedding, err := e.embedder.Embed(ctx, q.Text)
	if err != nil {
		metrics.AnswersTotal.WithLabelValues("error").Inc()
		return nil, goerr.Wrap(err, "failed to embed question", goerr.V("course_id", q.CourseID))
	}

	var answer *Answer
	outcome := ""

	results, err := e.store.Query(ctx, embedding, n, vector.Filter{CourseID: q.CourseID})
	switch {
	case err != nil:
		if ctx.Err() != nil {
			return nil, goerr.Wrap(ctx.Err(), "question cancelled")
		}
		logger.Warn("Vector store query failed, refusing",
			zap.Error(err),
			zap.String("course_id", q.CourseID),
		)
		answer = e.refusal(q.Text, ReasonNoIndexedContent)
		outcome = outcomeRetrievalUnavailable
	case results.Len() == 0:
		answer = e.refusal(q.Text, ReasonNoIndexedContent)
	default:
		answer = e.answerFrom(q.Text, results)
	}
	if outcome == "" {
		outcome = string(answer.Reason)
	}

	latency := time.Since(start)
	metrics.AnswersTotal.WithLabelValues(outcome).Inc()
	metrics.AnswerDuration.WithLabelValues(outcome).Observe(latency.Seconds())
	if !answer.IsRefusal() {
		metrics.ConfidenceScore.Observe(answer.Confidence)
	}

	logger.Info("Question answered",
		zap.String("question", truncateRunes(q.Text, 50)),
		zap.String("course_id", q.CourseID),
		zap.String("outcome", outcome),
		zap.Float64("confidence", answer.Confidence),
		zap.Int("sources", len(answer.Sources)),
		zap.Duration("latency", latency),
	)

	if e.recorder != nil {
		if err := e.recorder.RecordAnswer(ctx, q, answer, latency); err != nil {
			logger.Warn("Failed to record answer", zap.Error(err))
		}
	}

	return answer, nil
}

func (e *Engine) answerFrom(question string, results vector.QueryResult) *Answer {
	metrics.RetrievalCandidates.WithLabelValues("retrieved").Observe(float64(results.Len()))

	relevant := make([]candidate, 0, results.Len())
	for i := 0; i < results.Len(); i++ {
		sim := Similarity(results.Distances[i])
		if sim < MinRelevance {
			continue
		}
		relevant = append(relevant, candidate{
			document:   results.Documents[i],
			metadata:   results.Metadatas[i],
			similarity: sim,
		})
	}
	metrics.RetrievalCandidates.WithLabelValues("relevant").Observe(float64(len(relevant)))

	if len(relevant) == 0 {
		a := e.refusal(question, ReasonLowRelevance)
		a.Candidates = results.Len()
		return a
	}

	sims := make([]float64, len(relevant))
	for i, c := range relevant {
		sims[i] = c.similarity
	}
	confidence := Confidence(sims)

	if confidence < MinimumConfidence {
		return e.lowConfidence(question, confidence, relevant, results.Len())
	}

	return &Answer{
		Question:    question,
		Answer:      composeAnswer(relevant[0]),
		Confidence:  confidence,
		Sources:     formatSources(relevant),
		Explanation: explain(relevant, confidence),
		Reason:      ReasonAnswered,
		Candidates:  results.Len(),
		AnsweredAt:  e.now().UTC(),
	}
}

// Similarity converts a store distance into a similarity in [0, 1].
func Similarity(distance float64) float64 {
	return min(1, max(0, 1-distance))
}

// Confidence is the mean of similarities weighted 1/(rank+1), so agreement at
// the top counts for more than agreement further down. sims must be ordered
// best first.
func Confidence(sims []float64) float64 {
	var num, den float64
	for i, s := range sims {
		w := 1 / float64(i+1)
		num += w * s
		den += w
	}
	if den == 0 {
		return 0
	}
	return num / den
}

func (e *Engine) refusal(question string, reason Reason) *Answer {
	a := &Answer{
		Question:   question,
		Confidence: 0,
		Sources:    []Source{},
		Reason:     reason,
		AnsweredAt: e.now().UTC(),
	}
	switch reason {
	case ReasonNoIndexedContent:
		a.Answer = "I don't have any indexed classroom content to answer this question. " +
			"Try syncing your courses first to index assignments and announcements."
		a.Explanation = "There is no indexed classroom content to search, so no answer could be given."
	default:
		a.Answer = "I couldn't find relevant information to answer this question in your classroom materials. " +
			"This question might be outside the scope of your indexed course content."
		a.Explanation = fmt.Sprintf("No indexed classroom material reached the minimum relevance of %.0f%%, so no answer could be given.",
			MinRelevance*100)
	}
	return a
}

func (e *Engine) lowConfidence(question string, confidence float64, relevant []candidate, retrieved int) *Answer {
	pct := confidence * 100
	message := fmt.Sprintf("I found some related content, but I'm not confident enough to give a definitive answer "+
		"(%.0f%% confidence). Here's what I found, but please verify with your instructor:", pct)
	message += "\n\n---\n\n" + truncateRunes(relevant[0].document, HedgeExcerptLimit) + "..."

	top := relevant[:min(hedgeSources, len(relevant))]
	return &Answer{
		Question:   question,
		Answer:     message,
		Confidence: confidence,
		Sources:    formatSources(top),
		Explanation: fmt.Sprintf("Confidence (%.0f%%) is below the minimum threshold of %.0f%%. "+
			"The answer may not be accurate; verify it with your instructor or the course materials.", pct, MinimumConfidence*100),
		Reason:     ReasonLowConfidence,
		Candidates: retrieved,
		AnsweredAt: e.now().UTC(),
	}
}
