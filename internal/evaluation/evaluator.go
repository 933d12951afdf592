// Package evaluation replays a labelled question set through the answer
// engine and measures how well it refuses what the classroom content cannot
// answer and cites what it can.
package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"go.uber.org/zap"

	"github.com/classroom-assistant/backend/internal/rag"
	"github.com/classroom-assistant/backend/pkg/logger"
)

// UserID tags evaluation questions in QA history.
const UserID = "evaluation"

// Answerer is satisfied by *rag.Engine.
type Answerer interface {
	Answer(ctx context.Context, q rag.Question) (*rag.Answer, error)
}

// Embedder is satisfied by *embedding.Generator.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Dataset struct {
	Items []DatasetItem `json:"items"`
}

// DatasetItem is one labelled question. An empty GroundTruth marks a
// question the indexed content cannot answer, so a refusal is expected.
type DatasetItem struct {
	Question       string `json:"question"`
	CourseID       string `json:"course_id,omitempty"`
	GroundTruth    string `json:"ground_truth,omitempty"`
	ExpectedSource string `json:"expected_source,omitempty"`
	Category       string `json:"category,omitempty"`
}

func (i DatasetItem) Answerable() bool {
	return strings.TrimSpace(i.GroundTruth) != ""
}

type ItemResult struct {
	Question   string     `json:"question"`
	Category   string     `json:"category,omitempty"`
	Reason     rag.Reason `json:"reason"`
	Confidence float64    `json:"confidence"`
	Answerable bool       `json:"answerable"`
	// Asserted is true only for confident answers; hedges and refusals
	// assert nothing.
	Asserted   bool     `json:"asserted"`
	SourceHit  *bool    `json:"source_hit,omitempty"`
	Similarity *float64 `json:"similarity,omitempty"`
}

func (r ItemResult) Correct() bool {
	return r.Asserted == r.Answerable
}

type Report struct {
	Total        int `json:"total"`
	Answerable   int `json:"answerable"`
	Unanswerable int `json:"unanswerable"`

	CorrectRefusals int `json:"correct_refusals"`
	// FalseAnswers counts confident answers to unanswerable questions.
	FalseAnswers  int `json:"false_answers"`
	MissedAnswers int `json:"missed_answers"`
	SourceChecks  int `json:"source_checks"`
	SourceHits    int `json:"source_hits"`

	Accuracy      float64 `json:"accuracy"`
	RefusalRate   float64 `json:"refusal_rate"`
	AvgConfidence float64 `json:"avg_confidence"`
	AvgSimilarity float64 `json:"avg_similarity"`

	Items []ItemResult `json:"items"`
}

type Evaluator struct {
	engine   Answerer
	embedder Embedder
}

// NewEvaluator builds an evaluator. embedder may be nil, in which case no
// answer similarity is computed.
func NewEvaluator(engine Answerer, embedder Embedder) *Evaluator {
	return &Evaluator{
		engine:   engine,
		embedder: embedder,
	}
}

func (e *Evaluator) EvaluateItem(ctx context.Context, item DatasetItem) (ItemResult, error) {
	answer, err := e.engine.Answer(ctx, rag.Question{
		Text:     item.Question,
		CourseID: item.CourseID,
		UserID:   UserID,
	})
	if err != nil {
		return ItemResult{}, goerr.Wrap(err, "failed to answer evaluation question", goerr.V("question", item.Question))
	}

	result := ItemResult{
		Question:   item.Question,
		Category:   item.Category,
		Reason:     answer.Reason,
		Confidence: answer.Confidence,
		Answerable: item.Answerable(),
		Asserted:   answer.Reason == rag.ReasonAnswered,
	}

	if item.ExpectedSource != "" {
		hit := false
		for _, s := range answer.Sources {
			if strings.EqualFold(s.Title, item.ExpectedSource) {
				hit = true
				break
			}
		}
		result.SourceHit = &hit
	}

	if e.embedder != nil && result.Answerable && result.Asserted {
		sim, err := e.similarity(ctx, answer.Answer, item.GroundTruth)
		if err != nil {
			logger.Warn("Failed to calculate cosine similarity", zap.Error(err))
		} else {
			result.Similarity = &sim
		}
	}

	return result, nil
}

func (e *Evaluator) Run(ctx context.Context, dataset *Dataset) (*Report, error) {
	logger.Info("Running dataset evaluation", zap.Int("items", len(dataset.Items)))

	report := &Report{
		Total: len(dataset.Items),
		Items: make([]ItemResult, 0, len(dataset.Items)),
	}

	var (
		totalConfidence float64
		totalSimilarity float64
		similarities    int
		correct         int
		refused         int
	)

	for _, item := range dataset.Items {
		result, err := e.EvaluateItem(ctx, item)
		if err != nil {
			return nil, err
		}
		report.Items = append(report.Items, result)

		if result.Answerable {
			report.Answerable++
			if !result.Asserted {
				report.MissedAnswers++
			}
		} else {
			report.Unanswerable++
			if result.Asserted {
				report.FalseAnswers++
			} else {
				report.CorrectRefusals++
			}
		}
		if !result.Asserted {
			refused++
		}
		if result.Correct() {
			correct++
		}
		if result.SourceHit != nil {
			report.SourceChecks++
			if *result.SourceHit {
				report.SourceHits++
			}
		}
		if result.Similarity != nil {
			totalSimilarity += *result.Similarity
			similarities++
		}
		totalConfidence += result.Confidence
	}

	if report.Total > 0 {
		report.Accuracy = float64(correct) / float64(report.Total)
		report.RefusalRate = float64(refused) / float64(report.Total)
		report.AvgConfidence = totalConfidence / float64(report.Total)
	}
	if similarities > 0 {
		report.AvgSimilarity = totalSimilarity / float64(similarities)
	}

	logger.Info("Dataset evaluation completed",
		zap.Int("total", report.Total),
		zap.Int("false_answers", report.FalseAnswers),
		zap.Int("missed_answers", report.MissedAnswers),
		zap.Float64("accuracy", report.Accuracy),
	)

	return report, nil
}

func (e *Evaluator) similarity(ctx context.Context, text1, text2 string) (float64, error) {
	emb1, err := e.embedder.Embed(ctx, text1)
	if err != nil {
		return 0, err
	}

	emb2, err := e.embedder.Embed(ctx, text2)
	if err != nil {
		return 0, err
	}

	return cosineSimilarity(emb1, emb2), nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// LoadDataset decodes a dataset and drops items without a question.
func LoadDataset(data []byte) (*Dataset, error) {
	var dataset Dataset
	if err := json.Unmarshal(data, &dataset); err != nil {
		return nil, goerr.Wrap(err, "failed to unmarshal dataset")
	}

	kept := dataset.Items[:0]
	for _, item := range dataset.Items {
		if strings.TrimSpace(item.Question) != "" {
			kept = append(kept, item)
		}
	}
	dataset.Items = kept

	if len(dataset.Items) == 0 {
		return nil, goerr.New("dataset has no questions")
	}
	return &dataset, nil
}

func GenerateReport(report *Report) string {
	return fmt.Sprintf(`
Evaluation Report
=================

Total Questions: %d (answerable: %d, unanswerable: %d)

Guardrails:
- Correct refusals: %d / %d
- False answers: %d
- Missed answers: %d / %d
- Refusal rate: %.1f%%

Accuracy: %.1f%%
Sources cited as expected: %d / %d
Average confidence: %.3f
Average answer similarity: %.3f
`,
		report.Total, report.Answerable, report.Unanswerable,
		report.CorrectRefusals, report.Unanswerable,
		report.FalseAnswers,
		report.MissedAnswers, report.Answerable,
		report.RefusalRate*100,
		report.Accuracy*100,
		report.SourceHits, report.SourceChecks,
		report.AvgConfidence,
		report.AvgSimilarity,
	)
}
