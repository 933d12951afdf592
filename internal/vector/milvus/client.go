// Package milvus stores classroom chunks in a Milvus or Zilliz Cloud
// collection using cosine similarity.
package milvus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/classroom-assistant/backend/internal/metrics"
	"github.com/classroom-assistant/backend/internal/vector"
	"github.com/classroom-assistant/backend/pkg/circuitbreaker"
	"github.com/classroom-assistant/backend/pkg/logger"
	"github.com/classroom-assistant/backend/pkg/retry"
)

const (
	fieldID         = "id"
	fieldEmbedding  = "embedding"
	fieldDocument   = "document"
	fieldSourceType = "source_type"
	fieldSourceID   = "source_id"
	fieldCourseID   = "course_id"
	fieldCourseName = "course_name"
	fieldTitle      = "title"
	fieldPostedDate = "posted_date"
	fieldDueDate    = "due_date"
	fieldChunkIndex = "chunk_index"
	fieldChunkCount = "chunk_count"
	fieldKeywords   = "keywords"
)

var outputFields = []string{
	fieldID, fieldDocument, fieldSourceType, fieldSourceID, fieldCourseID, fieldCourseName,
	fieldTitle, fieldPostedDate, fieldDueDate, fieldChunkIndex, fieldChunkCount, fieldKeywords,
}

type Config struct {
	Endpoint       string
	APIKey         string
	CollectionName string
	VectorDim      int
	NList          int
	NProbe         int
}

type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
	nlist          int
	nprobe         int
	cb             *circuitbreaker.CircuitBreaker
	retryConfig    retry.Config
}

func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	c, err := client.NewClient(ctx, client.Config{
		Address: cfg.Endpoint,
		APIKey:  cfg.APIKey,
	})
	if err != nil {
		return nil, goerr.Wrap(errors.Join(vector.ErrUnavailable, err), "failed to create milvus client",
			goerr.V("endpoint", cfg.Endpoint),
		)
	}

	if cfg.NList <= 0 {
		cfg.NList = 128
	}
	if cfg.NProbe <= 0 {
		cfg.NProbe = 16
	}

	logger.Info("Milvus client initialized",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("collection", cfg.CollectionName),
	)

	return &Client{
		client:         c,
		collectionName: cfg.CollectionName,
		vectorDim:      cfg.VectorDim,
		nlist:          cfg.NList,
		nprobe:         cfg.NProbe,
		cb: circuitbreaker.NewCircuitBreaker("milvus", circuitbreaker.Config{
			MaxRequests:      3,
			Interval:         time.Minute,
			Timeout:          20 * time.Second,
			FailureThreshold: 5,
			SuccessThreshold: 1,
			OnStateChange:    metrics.RecordBreakerState,
			Logger:           logger.GetLogger(),
		}),
		retryConfig: retry.Config{
			MaxAttempts:    3,
			InitialDelay:   200 * time.Millisecond,
			MaxDelay:       2 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.1,
			Logger:         logger.GetLogger(),
		},
	}, nil
}

func (m *Client) Close() error {
	return m.client.Close()
}

func varchar(name string, maxLen int) *entity.Field {
	return &entity.Field{
		Name:     name,
		DataType: entity.FieldTypeVarChar,
		TypeParams: map[string]string{
			"max_length": strconv.Itoa(maxLen),
		},
	}
}

// EnsureCollection creates, indexes and loads the collection when missing.
func (m *Client) EnsureCollection(ctx context.Context) error {
	has, err := m.client.HasCollection(ctx, m.collectionName)
	if err != nil {
		return goerr.Wrap(errors.Join(vector.ErrUnavailable, err), "failed to check collection")
	}

	if !has {
		id := varchar(fieldID, 256)
		id.PrimaryKey = true

		schema := &entity.Schema{
			CollectionName: m.collectionName,
			Description:    "Embedded classroom content",
			Fields: []*entity.Field{
				id,
				{
					Name:     fieldEmbedding,
					DataType: entity.FieldTypeFloatVector,
					TypeParams: map[string]string{
						"dim": strconv.Itoa(m.vectorDim),
					},
				},
				varchar(fieldDocument, 65535),
				varchar(fieldSourceType, 32),
				varchar(fieldSourceID, 128),
				varchar(fieldCourseID, 128),
				varchar(fieldCourseName, 512),
				varchar(fieldTitle, 1024),
				varchar(fieldPostedDate, 64),
				varchar(fieldDueDate, 64),
				{Name: fieldChunkIndex, DataType: entity.FieldTypeInt64},
				{Name: fieldChunkCount, DataType: entity.FieldTypeInt64},
				varchar(fieldKeywords, 4096),
			},
		}

		if err := m.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
			return goerr.Wrap(err, "failed to create collection", goerr.V("collection", m.collectionName))
		}

		idx, err := entity.NewIndexIvfFlat(entity.COSINE, m.nlist)
		if err != nil {
			return goerr.Wrap(err, "failed to build index params")
		}
		if err := m.client.CreateIndex(ctx, m.collectionName, fieldEmbedding, idx, false); err != nil {
			return goerr.Wrap(err, "failed to create index")
		}

		logger.Info("Collection created", zap.String("collection", m.collectionName))
	}

	if err := m.client.LoadCollection(ctx, m.collectionName, false); err != nil {
		return goerr.Wrap(errors.Join(vector.ErrUnavailable, err), "failed to load collection")
	}

	return nil
}

func (m *Client) Add(ctx context.Context, records []vector.Record) error {
	if len(records) == 0 {
		return nil
	}

	n := len(records)
	ids := make([]string, n)
	embeddings := make([][]float32, n)
	documents := make([]string, n)
	sourceTypes := make([]string, n)
	sourceIDs := make([]string, n)
	courseIDs := make([]string, n)
	courseNames := make([]string, n)
	titles := make([]string, n)
	postedDates := make([]string, n)
	dueDates := make([]string, n)
	chunkIndexes := make([]int64, n)
	chunkCounts := make([]int64, n)
	keywords := make([]string, n)

	for i, r := range records {
		if len(r.Embedding) != m.vectorDim {
			return goerr.New("vector dimension mismatch",
				goerr.V("id", r.ID),
				goerr.V("want", m.vectorDim),
				goerr.V("got", len(r.Embedding)),
			)
		}

		kw, err := json.Marshal(r.Metadata.Keywords)
		if err != nil {
			return goerr.Wrap(err, "failed to encode keywords", goerr.V("id", r.ID))
		}

		ids[i] = r.ID
		embeddings[i] = r.Embedding
		documents[i] = r.Document
		sourceTypes[i] = r.Metadata.SourceType
		sourceIDs[i] = r.Metadata.SourceID
		courseIDs[i] = r.Metadata.CourseID
		courseNames[i] = r.Metadata.CourseName
		titles[i] = r.Metadata.Title
		postedDates[i] = r.Metadata.PostedDate
		dueDates[i] = r.Metadata.DueDate
		chunkIndexes[i] = int64(r.Metadata.ChunkIndex)
		chunkCounts[i] = int64(r.Metadata.ChunkCount)
		keywords[i] = string(kw)
	}

	err := m.do(ctx, func() error {
		_, err := m.client.Upsert(
			ctx,
			m.collectionName,
			"",
			entity.NewColumnVarChar(fieldID, ids),
			entity.NewColumnFloatVector(fieldEmbedding, m.vectorDim, embeddings),
			entity.NewColumnVarChar(fieldDocument, documents),
			entity.NewColumnVarChar(fieldSourceType, sourceTypes),
			entity.NewColumnVarChar(fieldSourceID, sourceIDs),
			entity.NewColumnVarChar(fieldCourseID, courseIDs),
			entity.NewColumnVarChar(fieldCourseName, courseNames),
			entity.NewColumnVarChar(fieldTitle, titles),
			entity.NewColumnVarChar(fieldPostedDate, postedDates),
			entity.NewColumnVarChar(fieldDueDate, dueDates),
			entity.NewColumnInt64(fieldChunkIndex, chunkIndexes),
			entity.NewColumnInt64(fieldChunkCount, chunkCounts),
			entity.NewColumnVarChar(fieldKeywords, keywords),
		)
		return err
	})
	if err != nil {
		return goerr.Wrap(errors.Join(vector.ErrUnavailable, err), "failed to upsert chunks", goerr.V("count", n))
	}

	if err := m.client.Flush(ctx, m.collectionName, false); err != nil {
		return goerr.Wrap(errors.Join(vector.ErrUnavailable, err), "failed to flush")
	}

	logger.Debug("Chunks upserted into vector store", zap.Int("count", n))
	return nil
}

func (m *Client) Query(ctx context.Context, embedding []float32, n int, filter vector.Filter) (vector.QueryResult, error) {
	result := vector.QueryResult{
		IDs:       []string{},
		Documents: []string{},
		Distances: []float64{},
		Metadatas: []vector.Metadata{},
	}
	if n <= 0 {
		return result, nil
	}

	sp, err := entity.NewIndexIvfFlatSearchParam(m.nprobe)
	if err != nil {
		return result, goerr.Wrap(err, "failed to build search params")
	}

	var searchResults []client.SearchResult
	err = m.do(ctx, func() error {
		var err error
		searchResults, err = m.client.Search(
			ctx,
			m.collectionName,
			[]string{},
			filterExpr(filter),
			outputFields,
			[]entity.Vector{entity.FloatVector(embedding)},
			fieldEmbedding,
			entity.COSINE,
			n,
			sp,
		)
		return err
	})
	if err != nil {
		return result, goerr.Wrap(errors.Join(vector.ErrUnavailable, err), "failed to search")
	}

	for _, sr := range searchResults {
		for i := 0; i < sr.ResultCount; i++ {
			row, err := readRow(sr.Fields, i)
			if err != nil {
				return result, err
			}
			result.IDs = append(result.IDs, row.ID)
			result.Documents = append(result.Documents, row.Document)
			// COSINE scores are similarities in [-1, 1].
			result.Distances = append(result.Distances, 1-float64(sr.Scores[i]))
			result.Metadatas = append(result.Metadatas, row.Metadata)
		}
	}

	logger.Debug("Vector search completed",
		zap.Int("n", n),
		zap.Int("results", result.Len()),
		zap.String("filter", filterExpr(filter)),
	)

	return result, nil
}

func (m *Client) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = strconv.Quote(id)
	}
	return m.deleteExpr(ctx, fmt.Sprintf("%s in [%s]", fieldID, strings.Join(quoted, ", ")))
}

func (m *Client) DeleteWhere(ctx context.Context, filter vector.Filter) error {
	if filter.IsEmpty() {
		return vector.ErrEmptyFilter
	}
	return m.deleteExpr(ctx, filterExpr(filter))
}

func (m *Client) deleteExpr(ctx context.Context, expr string) error {
	err := m.do(ctx, func() error {
		return m.client.Delete(ctx, m.collectionName, "", expr)
	})
	if err != nil {
		return goerr.Wrap(errors.Join(vector.ErrUnavailable, err), "failed to delete", goerr.V("expr", expr))
	}
	logger.Info("Deleted chunks from vector store", zap.String("expr", expr))
	return nil
}

func (m *Client) Count(ctx context.Context) (int, error) {
	var rs client.ResultSet
	err := m.do(ctx, func() error {
		var err error
		rs, err = m.client.Query(ctx, m.collectionName, []string{}, "", []string{"count(*)"})
		return err
	})
	if err != nil {
		return 0, goerr.Wrap(errors.Join(vector.ErrUnavailable, err), "failed to count")
	}

	col := rs.GetColumn("count(*)")
	if col == nil || col.Len() == 0 {
		return 0, nil
	}
	v, err := col.Get(0)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to read count")
	}
	count, ok := v.(int64)
	if !ok {
		return 0, goerr.New("unexpected count type", goerr.V("type", fmt.Sprintf("%T", v)))
	}
	return int(count), nil
}

func (m *Client) do(ctx context.Context, fn func() error) error {
	return m.cb.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, fn)
	})
}

func filterExpr(f vector.Filter) string {
	var clauses []string
	if f.CourseID != "" {
		clauses = append(clauses, fmt.Sprintf("%s == %s", fieldCourseID, strconv.Quote(f.CourseID)))
	}
	if f.SourceType != "" {
		clauses = append(clauses, fmt.Sprintf("%s == %s", fieldSourceType, strconv.Quote(f.SourceType)))
	}
	if f.SourceID != "" {
		clauses = append(clauses, fmt.Sprintf("%s == %s", fieldSourceID, strconv.Quote(f.SourceID)))
	}
	if f.MinChunkIndex != nil {
		clauses = append(clauses, fmt.Sprintf("%s >= %d", fieldChunkIndex, *f.MinChunkIndex))
	}
	return strings.Join(clauses, " && ")
}

type row struct {
	ID       string
	Document string
	Metadata vector.Metadata
}

func readRow(rs client.ResultSet, i int) (row, error) {
	str := func(name string) (string, error) {
		col := rs.GetColumn(name)
		if col == nil {
			return "", nil
		}
		v, err := col.Get(i)
		if err != nil {
			return "", goerr.Wrap(err, "failed to read column", goerr.V("column", name))
		}
		s, _ := v.(string)
		return s, nil
	}
	num := func(name string) (int, error) {
		col := rs.GetColumn(name)
		if col == nil {
			return 0, nil
		}
		v, err := col.Get(i)
		if err != nil {
			return 0, goerr.Wrap(err, "failed to read column", goerr.V("column", name))
		}
		n, _ := v.(int64)
		return int(n), nil
	}

	var (
		r    row
		errs []error
		kw   string
		err  error
	)
	collect := func(dst *string, name string) {
		*dst, err = str(name)
		errs = append(errs, err)
	}
	collect(&r.ID, fieldID)
	collect(&r.Document, fieldDocument)
	collect(&r.Metadata.SourceType, fieldSourceType)
	collect(&r.Metadata.SourceID, fieldSourceID)
	collect(&r.Metadata.CourseID, fieldCourseID)
	collect(&r.Metadata.CourseName, fieldCourseName)
	collect(&r.Metadata.Title, fieldTitle)
	collect(&r.Metadata.PostedDate, fieldPostedDate)
	collect(&r.Metadata.DueDate, fieldDueDate)
	collect(&kw, fieldKeywords)

	r.Metadata.ChunkIndex, err = num(fieldChunkIndex)
	errs = append(errs, err)
	r.Metadata.ChunkCount, err = num(fieldChunkCount)
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return row{}, err
	}

	r.Metadata.Keywords = []string{}
	if kw != "" {
		if err := json.Unmarshal([]byte(kw), &r.Metadata.Keywords); err != nil {
			return row{}, goerr.Wrap(err, "failed to decode keywords", goerr.V("id", r.ID))
		}
	}
	return r, nil
}
