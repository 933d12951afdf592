package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/classroom-assistant/backend/pkg/circuitbreaker"
)

var (
	AnswerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "classroom_qa_answer_duration_seconds",
			Help:    "Question answering duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"outcome"},
	)

	AnswersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classroom_qa_answers_total",
			Help: "Answers produced, by outcome",
		},
		[]string{"outcome"},
	)

	ConfidenceScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "classroom_qa_confidence_score",
			Help:    "Confidence of non-refused answers",
			Buckets: []float64{0.35, 0.4, 0.5, 0.6, 0.7, 0.75, 0.8, 0.9, 1.0},
		},
	)

	RetrievalCandidates = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "classroom_qa_retrieval_candidates",
			Help:    "Candidates per question before and after the relevance floor",
			Buckets: []float64{0, 1, 2, 3, 5, 10, 20},
		},
		[]string{"stage"},
	)

	ChunksIndexed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classroom_index_chunks_total",
			Help: "Chunks written to the vector store",
		},
		[]string{"source_type"},
	)

	EmbeddingFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classroom_embedding_failures_total",
			Help: "Texts that could not be embedded",
		},
		[]string{"stage"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classroom_cache_hits_total",
			Help: "Cache hits",
		},
		[]string{"cache"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classroom_cache_misses_total",
			Help: "Cache misses",
		},
		[]string{"cache"},
	)

	ScoresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classroom_performance_scores_total",
			Help: "Performance scores computed, by category",
		},
		[]string{"category"},
	)

	ScoreValue = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "classroom_performance_score",
			Help:    "Distribution of computed performance scores",
			Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		},
	)

	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classroom_jobs_total",
			Help: "Background jobs, by kind and final status",
		},
		[]string{"kind", "status"},
	)

	JobsQueued = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "classroom_jobs_queued",
			Help: "Jobs waiting for a worker",
		},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "classroom_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)
)

// RecordBreakerState is an OnStateChange hook for circuit breakers.
func RecordBreakerState(name string, _, to circuitbreaker.State) {
	v := 0.0
	switch to {
	case circuitbreaker.StateHalfOpen:
		v = 1
	case circuitbreaker.StateOpen:
		v = 2
	}
	BreakerState.WithLabelValues(name).Set(v)
}

var initOnce sync.Once

func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(AnswerDuration)
		prometheus.MustRegister(AnswersTotal)
		prometheus.MustRegister(ConfidenceScore)
		prometheus.MustRegister(RetrievalCandidates)
		prometheus.MustRegister(ChunksIndexed)
		prometheus.MustRegister(EmbeddingFailures)
		prometheus.MustRegister(CacheHits)
		prometheus.MustRegister(CacheMisses)
		prometheus.MustRegister(ScoresTotal)
		prometheus.MustRegister(ScoreValue)
		prometheus.MustRegister(JobsTotal)
		prometheus.MustRegister(JobsQueued)
		prometheus.MustRegister(BreakerState)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
