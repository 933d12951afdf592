// Package vector defines the similarity store that holds embedded classroom
// content, and the metadata carried with every stored chunk.
package vector

import (
	"context"
	"fmt"

	"github.com/m-mizutani/goerr/v2"
)

// ErrUnavailable marks store failures such as lost connections or timeouts.
var ErrUnavailable = goerr.New("vector store unavailable")

// ErrEmptyFilter is returned by DeleteWhere when the filter matches everything.
var ErrEmptyFilter = goerr.New("delete filter is empty")

const (
	SourceAssignment   = "assignment"
	SourceAnnouncement = "announcement"
	SourceMaterial     = "material"
)

// Metadata describes where a chunk came from. Dates are ISO-8601 strings.
type Metadata struct {
	SourceType string   `json:"source_type"`
	SourceID   string   `json:"source_id"`
	CourseID   string   `json:"course_id,omitempty"`
	CourseName string   `json:"course_name,omitempty"`
	Title      string   `json:"title,omitempty"`
	PostedDate string   `json:"posted_date,omitempty"`
	DueDate    string   `json:"due_date,omitempty"`
	ChunkIndex int      `json:"chunk_index"`
	ChunkCount int      `json:"chunk_count"`
	Keywords   []string `json:"keywords"`
}

type Record struct {
	ID        string
	Embedding []float32
	Document  string
	Metadata  Metadata
}

// Filter restricts queries and deletes. Zero fields match everything.
type Filter struct {
	CourseID      string
	SourceType    string
	SourceID      string
	MinChunkIndex *int
}

func (f Filter) IsEmpty() bool {
	return f.CourseID == "" && f.SourceType == "" && f.SourceID == "" && f.MinChunkIndex == nil
}

func (f Filter) Matches(m Metadata) bool {
	if f.CourseID != "" && m.CourseID != f.CourseID {
		return false
	}
	if f.SourceType != "" && m.SourceType != f.SourceType {
		return false
	}
	if f.SourceID != "" && m.SourceID != f.SourceID {
		return false
	}
	if f.MinChunkIndex != nil && m.ChunkIndex < *f.MinChunkIndex {
		return false
	}
	return true
}

// QueryResult lists matches best first. Distances are cosine distances
// (1 - cosine similarity), so lower is closer.
type QueryResult struct {
	IDs       []string
	Documents []string
	Distances []float64
	Metadatas []Metadata
}

func (r QueryResult) Len() int {
	return len(r.IDs)
}

// Store is the similarity index used by the indexer and the answer engine.
type Store interface {
	// Add inserts records, replacing any with the same ID.
	Add(ctx context.Context, records []Record) error
	Query(ctx context.Context, embedding []float32, n int, filter Filter) (QueryResult, error)
	Delete(ctx context.Context, ids []string) error
	// DeleteWhere removes every record the filter matches. An empty filter
	// is rejected with ErrEmptyFilter.
	DeleteWhere(ctx context.Context, filter Filter) error
	Count(ctx context.Context) (int, error)
}

// ChunkID is the stable identifier of one chunk of one source, so re-indexing
// a source overwrites its chunks instead of duplicating them.
func ChunkID(sourceType, sourceID string, chunkIndex int) string {
	return fmt.Sprintf("%s_%s_%d", sourceType, sourceID, chunkIndex)
}
