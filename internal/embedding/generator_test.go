package embedding_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/m-mizutani/gt"

	"github.com/classroom-assistant/backend/internal/embedding"
)

// hashModel produces a deterministic vector from the text bytes.
type hashModel struct {
	mu      sync.Mutex
	calls   [][]string
	failOn  string
	failAll bool
}

func (m *hashModel) Name() string   { return "hash" }
func (m *hashModel) Dimension() int { return 4 }

func (m *hashModel) Encode(_ context.Context, texts []string) ([][]float32, error) {
	m.mu.Lock()
	m.calls = append(m.calls, append([]string(nil), texts...))
	m.mu.Unlock()

	if m.failAll {
		return nil, errors.New("model offline")
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if m.failOn != "" && strings.Contains(text, m.failOn) {
			return nil, errors.New("cannot encode " + text)
		}
		v := make([]float32, 4)
		for j, b := range []byte(text) {
			v[j%4] += float32(b)
		}
		out[i] = v
	}
	return out, nil
}

type mapCache struct {
	mu   sync.Mutex
	data map[string][]float32
	hits int
}

func newMapCache() *mapCache { return &mapCache{data: map[string][]float32{}} }

func (c *mapCache) GetEmbedding(_ context.Context, key string) ([]float32, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	if ok {
		c.hits++
	}
	return v, ok, nil
}

func (c *mapCache) SetEmbedding(_ context.Context, key string, v []float32, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = v
	return nil
}

func TestEmbedCleansBeforeEncoding(t *testing.T) {
	model := &hashModel{}
	g := embedding.NewGenerator(model)

	a, err := g.Embed(context.Background(), "<b>When is HOMEWORK due?</b>")
	gt.NoError(t, err)
	b, err := g.Embed(context.Background(), "when is homework due?")
	gt.NoError(t, err)
	gt.Equal(t, a, b)
	gt.Equal(t, model.calls[0], []string{"when is homework due?"})
}

func TestEmbedRejectsEmptyText(t *testing.T) {
	g := embedding.NewGenerator(&hashModel{})
	_, err := g.Embed(context.Background(), "  <br/> ### ")
	gt.Error(t, err)
	gt.True(t, errors.Is(err, embedding.ErrEmbeddingFailed))
}

func TestEmbedWrapsModelFailure(t *testing.T) {
	g := embedding.NewGenerator(&hashModel{failAll: true})
	_, err := g.Embed(context.Background(), "question")
	gt.True(t, errors.Is(err, embedding.ErrEmbeddingFailed))
}

func TestEmbedBatchKeepsPositions(t *testing.T) {
	g := embedding.NewGenerator(&hashModel{})
	texts := []string{"first text", "", "   ", "fourth text"}

	got, err := g.EmbedBatch(context.Background(), texts, 0)
	gt.NoError(t, err)
	gt.A(t, got).Length(4)
	gt.A(t, got[0]).Length(4)
	gt.A(t, got[1]).Length(0)
	gt.A(t, got[2]).Length(0)
	gt.A(t, got[3]).Length(4)
}

func TestEmbedBatchIndependentOfBatchSize(t *testing.T) {
	texts := []string{"alpha", "beta", "", "gamma", "delta", "epsilon", "zeta"}

	one, err := embedding.NewGenerator(&hashModel{}).EmbedBatch(context.Background(), texts, 1)
	gt.NoError(t, err)
	three, err := embedding.NewGenerator(&hashModel{}).EmbedBatch(context.Background(), texts, 3)
	gt.NoError(t, err)
	all, err := embedding.NewGenerator(&hashModel{}).EmbedBatch(context.Background(), texts, 100)
	gt.NoError(t, err)

	gt.Equal(t, one, three)
	gt.Equal(t, one, all)
}

func TestEmbedBatchIsolatesFailingText(t *testing.T) {
	model := &hashModel{failOn: "poison"}
	g := embedding.NewGenerator(model)

	got, err := g.EmbedBatch(context.Background(), []string{"good one", "poison pill", "good two"}, 10)
	gt.NoError(t, err)
	gt.A(t, got[0]).Length(4)
	gt.A(t, got[1]).Length(0)
	gt.A(t, got[2]).Length(4)
}

func TestEmbedBatchFailsWhenNothingEncodes(t *testing.T) {
	g := embedding.NewGenerator(&hashModel{failAll: true})
	_, err := g.EmbedBatch(context.Background(), []string{"a b", "c d"}, 2)
	gt.True(t, errors.Is(err, embedding.ErrEmbeddingFailed))
}

func TestEmbedUsesCache(t *testing.T) {
	model := &hashModel{}
	cache := newMapCache()
	g := embedding.NewGenerator(model, embedding.WithCache(cache, time.Hour))

	first, err := g.Embed(context.Background(), "Lab report rubric")
	gt.NoError(t, err)
	second, err := g.Embed(context.Background(), "lab report rubric")
	gt.NoError(t, err)

	gt.Equal(t, first, second)
	gt.A(t, model.calls).Length(1)
	gt.Equal(t, cache.hits, 1)
}
