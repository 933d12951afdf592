// Package embedding turns cleaned text into fixed-dimension vectors.
package embedding

import (
	"context"
	"errors"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"go.uber.org/zap"

	"github.com/classroom-assistant/backend/internal/metrics"
	"github.com/classroom-assistant/backend/internal/textproc"
	"github.com/classroom-assistant/backend/pkg/logger"
	"github.com/classroom-assistant/backend/pkg/utils"
)

const DefaultBatchSize = 32

var ErrEmbeddingFailed = goerr.New("embedding failed")

// Model encodes texts into vectors, one per input, in input order.
type Model interface {
	Encode(ctx context.Context, texts []string) ([][]float32, error)
	Name() string
	Dimension() int
}

type Cache interface {
	GetEmbedding(ctx context.Context, key string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, key string, embedding []float32, ttl time.Duration) error
}

type Generator struct {
	model     Model
	cache     Cache
	cacheTTL  time.Duration
	batchSize int
}

type Option func(*Generator)

func WithCache(cache Cache, ttl time.Duration) Option {
	return func(g *Generator) {
		g.cache = cache
		g.cacheTTL = ttl
	}
}

func WithBatchSize(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.batchSize = n
		}
	}
}

func NewGenerator(model Model, opts ...Option) *Generator {
	g := &Generator{
		model:     model,
		batchSize: DefaultBatchSize,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Generator) Dimension() int {
	return g.model.Dimension()
}

// Embed cleans text and encodes it. Text that is empty after cleaning is an
// ErrEmbeddingFailed error, as is any model failure.
func (g *Generator) Embed(ctx context.Context, text string) ([]float32, error) {
	cleaned := textproc.Clean(text)
	if cleaned == "" {
		return nil, goerr.Wrap(ErrEmbeddingFailed, "text is empty after cleaning")
	}

	vectors, err := g.encode(ctx, []string{cleaned})
	if err != nil {
		metrics.EmbeddingFailures.WithLabelValues("single").Inc()
		return nil, goerr.Wrap(errors.Join(ErrEmbeddingFailed, err), "failed to embed text",
			goerr.V("length", len(cleaned)),
		)
	}

	return vectors[0], nil
}

// EmbedBatch returns one vector per input text. Texts that clean to nothing,
// or that fail to encode, get a nil vector at their position. Only a batch in
// which every non-empty text failed is reported as an error. batchSize <= 0
// uses the generator default; the result does not depend on it.
func (g *Generator) EmbedBatch(ctx context.Context, texts []string, batchSize int) ([][]float32, error) {
	if batchSize <= 0 {
		batchSize = g.batchSize
	}

	results := make([][]float32, len(texts))

	type pending struct {
		index int
		text  string
	}
	valid := make([]pending, 0, len(texts))
	for i, text := range texts {
		if cleaned := textproc.Clean(text); cleaned != "" {
			valid = append(valid, pending{index: i, text: cleaned})
		}
	}

	var (
		failed  int
		lastErr error
	)
	for start := 0; start < len(valid); start += batchSize {
		end := min(start+batchSize, len(valid))
		batch := valid[start:end]

		inputs := make([]string, len(batch))
		for i, p := range batch {
			inputs[i] = p.text
		}

		vectors, err := g.encode(ctx, inputs)
		if err == nil {
			for i, p := range batch {
				results[p.index] = vectors[i]
			}
			continue
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, goerr.Wrap(errors.Join(ErrEmbeddingFailed, ctxErr), "batch embedding cancelled")
		}

		logger.Warn("Batch embedding failed, encoding texts individually",
			zap.Error(err),
			zap.Int("batch_size", len(batch)),
		)

		for _, p := range batch {
			vector, err := g.encode(ctx, []string{p.text})
			if err != nil {
				failed++
				lastErr = err
				metrics.EmbeddingFailures.WithLabelValues("batch").Inc()
				logger.Warn("Text could not be embedded", zap.Error(err), zap.Int("index", p.index))
				continue
			}
			results[p.index] = vector[0]
		}
	}

	if len(valid) > 0 && failed == len(valid) {
		return nil, goerr.Wrap(errors.Join(ErrEmbeddingFailed, lastErr), "no text in the batch could be embedded",
			goerr.V("count", failed),
		)
	}

	return results, nil
}

// encode consults the cache before calling the model and checks the shape of
// what comes back.
func (g *Generator) encode(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	keys := make([]string, len(texts))

	var missIdx []int
	for i, text := range texts {
		if g.cache == nil {
			missIdx = append(missIdx, i)
			continue
		}

		keys[i] = utils.HashParts(g.model.Name(), text)
		vector, ok, err := g.cache.GetEmbedding(ctx, keys[i])
		if err != nil {
			logger.Debug("Embedding cache lookup failed", zap.Error(err))
		}
		if ok && len(vector) == g.model.Dimension() {
			metrics.CacheHits.WithLabelValues("embedding").Inc()
			out[i] = vector
			continue
		}
		metrics.CacheMisses.WithLabelValues("embedding").Inc()
		missIdx = append(missIdx, i)
	}

	if len(missIdx) == 0 {
		return out, nil
	}

	inputs := make([]string, len(missIdx))
	for j, i := range missIdx {
		inputs[j] = texts[i]
	}

	vectors, err := g.model.Encode(ctx, inputs)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(inputs) {
		return nil, goerr.New("model returned wrong number of vectors",
			goerr.V("want", len(inputs)),
			goerr.V("got", len(vectors)),
		)
	}

	for j, i := range missIdx {
		if len(vectors[j]) == 0 {
			return nil, goerr.New("model returned an empty vector", goerr.V("index", i))
		}
		out[i] = vectors[j]

		if g.cache != nil {
			if err := g.cache.SetEmbedding(ctx, keys[i], vectors[j], g.cacheTTL); err != nil {
				logger.Debug("Embedding cache write failed", zap.Error(err))
			}
		}
	}

	return out, nil
}
