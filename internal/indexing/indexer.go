// Package indexing turns classroom content into embedded chunks and writes
// them to the vector store.
package indexing

import (
	"context"
	"errors"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"go.uber.org/zap"

	"github.com/classroom-assistant/backend/internal/metrics"
	"github.com/classroom-assistant/backend/internal/textproc"
	"github.com/classroom-assistant/backend/internal/vector"
	"github.com/classroom-assistant/backend/pkg/logger"
)

const (
	ContentText = "text"
	ContentHTML = "html"
)

var ErrInvalidDocument = goerr.New("invalid document")

// Embedder is satisfied by *embedding.Generator.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string, batchSize int) ([][]float32, error)
}

// TopicRecorder receives the keywords of every indexed source.
type TopicRecorder interface {
	RecordKeywords(ctx context.Context, source vector.Metadata, keywords []string) error
}

type Chunk struct {
	Text      string
	Embedding []float32
	Metadata  vector.Metadata
}

type Document struct {
	Text        string          `json:"text"`
	ContentType string          `json:"content_type"`
	Metadata    vector.Metadata `json:"metadata"`
}

type Indexer struct {
	chunker   *textproc.Chunker
	embedder  Embedder
	store     vector.Store
	topics    TopicRecorder
	batchSize int
}

type Option func(*Indexer)

func WithTopics(topics TopicRecorder) Option {
	return func(ix *Indexer) { ix.topics = topics }
}

func WithBatchSize(n int) Option {
	return func(ix *Indexer) {
		if n > 0 {
			ix.batchSize = n
		}
	}
}

func NewIndexer(chunker *textproc.Chunker, embedder Embedder, store vector.Store, opts ...Option) *Indexer {
	ix := &Indexer{
		chunker:  chunker,
		embedder: embedder,
		store:    store,
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// Index cleans, chunks and embeds raw text. Chunks whose embedding failed are
// dropped; the survivors keep their original chunk index. Text with nothing
// left after cleaning yields no chunks and no error.
func (ix *Indexer) Index(ctx context.Context, raw string, base vector.Metadata) ([]Chunk, error) {
	cleaned := textproc.Clean(raw)
	if cleaned == "" {
		return []Chunk{}, nil
	}

	texts := ix.chunker.Chunk(cleaned)
	if len(texts) == 0 {
		return []Chunk{}, nil
	}

	embeddings, err := ix.embedder.EmbedBatch(ctx, texts, ix.batchSize)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed chunks",
			goerr.V("source_id", base.SourceID),
			goerr.V("chunks", len(texts)),
		)
	}

	chunks := make([]Chunk, 0, len(texts))
	for i, text := range texts {
		if len(embeddings[i]) == 0 {
			continue
		}
		meta := base
		meta.ChunkIndex = i
		meta.ChunkCount = len(texts)
		meta.Keywords = textproc.ExtractKeywords(text, textproc.DefaultMaxKeywords)
		chunks = append(chunks, Chunk{Text: text, Embedding: embeddings[i], Metadata: meta})
	}

	if dropped := len(texts) - len(chunks); dropped > 0 {
		logger.Warn("Dropped chunks without embeddings",
			zap.String("source_id", base.SourceID),
			zap.Int("dropped", dropped),
			zap.Int("chunks", len(texts)),
		)
	}

	return chunks, nil
}

// IndexContent indexes a document, extracting the visible text of HTML
// content first.
func (ix *Indexer) IndexContent(ctx context.Context, doc Document) (int, error) {
	text := doc.Text
	switch strings.ToLower(doc.ContentType) {
	case "", ContentText:
	case ContentHTML:
		extracted, err := textproc.ExtractHTMLText(doc.Text)
		if err != nil {
			return 0, goerr.Wrap(errors.Join(ErrInvalidDocument, err), "failed to read html document")
		}
		if doc.Metadata.Title == "" {
			doc.Metadata.Title = textproc.ExtractHTMLTitle(doc.Text)
		}
		text = extracted
	default:
		return 0, goerr.Wrap(ErrInvalidDocument, "unsupported content type", goerr.V("content_type", doc.ContentType))
	}
	return ix.IndexDocument(ctx, text, doc.Metadata)
}

// IndexDocument indexes text under the source named by base and returns the
// number of chunks written. Chunk IDs derive from (source type, source id,
// chunk index), so indexing the same source again replaces its chunks, and
// chunks left over from a longer earlier version are removed.
func (ix *Indexer) IndexDocument(ctx context.Context, text string, base vector.Metadata) (int, error) {
	if base.SourceType == "" || base.SourceID == "" {
		return 0, goerr.Wrap(ErrInvalidDocument, "source type and id are required",
			goerr.V("source_type", base.SourceType),
			goerr.V("source_id", base.SourceID),
		)
	}

	chunks, err := ix.Index(ctx, text, base)
	if err != nil {
		return 0, err
	}

	total := 0
	if len(chunks) > 0 {
		total = chunks[0].Metadata.ChunkCount
	}

	records := make([]vector.Record, 0, len(chunks))
	written := make(map[int]struct{}, len(chunks))
	for _, c := range chunks {
		records = append(records, vector.Record{
			ID:        vector.ChunkID(base.SourceType, base.SourceID, c.Metadata.ChunkIndex),
			Embedding: c.Embedding,
			Document:  c.Text,
			Metadata:  c.Metadata,
		})
		written[c.Metadata.ChunkIndex] = struct{}{}
	}

	if len(records) > 0 {
		if err := ix.store.Add(ctx, records); err != nil {
			return 0, goerr.Wrap(err, "failed to write chunks",
				goerr.V("source_id", base.SourceID),
				goerr.V("chunks", len(records)),
			)
		}
	}

	// Chunks that failed to embed this time must not keep serving old text.
	var missing []string
	for i := 0; i < total; i++ {
		if _, ok := written[i]; !ok {
			missing = append(missing, vector.ChunkID(base.SourceType, base.SourceID, i))
		}
	}
	if len(missing) > 0 {
		if err := ix.store.Delete(ctx, missing); err != nil {
			return len(records), goerr.Wrap(err, "failed to delete unembedded chunks", goerr.V("source_id", base.SourceID))
		}
	}

	stale := vector.Filter{SourceType: base.SourceType, SourceID: base.SourceID, MinChunkIndex: &total}
	if err := ix.store.DeleteWhere(ctx, stale); err != nil {
		return len(records), goerr.Wrap(err, "failed to delete stale chunks", goerr.V("source_id", base.SourceID))
	}

	metrics.ChunksIndexed.WithLabelValues(base.SourceType).Add(float64(len(records)))

	if ix.topics != nil && len(chunks) > 0 {
		if err := ix.topics.RecordKeywords(ctx, base, mergeKeywords(chunks)); err != nil {
			logger.Warn("Failed to record topics", zap.Error(err), zap.String("source_id", base.SourceID))
		}
	}

	logger.Info("Document indexed",
		zap.String("source_type", base.SourceType),
		zap.String("source_id", base.SourceID),
		zap.String("course_id", base.CourseID),
		zap.Int("chunks", len(records)),
	)

	return len(records), nil
}

// mergeKeywords unions chunk keywords in first-seen order.
func mergeKeywords(chunks []Chunk) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, c := range chunks {
		for _, kw := range c.Metadata.Keywords {
			if _, ok := seen[kw]; ok {
				continue
			}
			seen[kw] = struct{}{}
			out = append(out, kw)
		}
	}
	return out
}
