// Package memory is an in-process vector store using brute-force cosine
// similarity. It backs local runs and tests.
package memory

import (
	"context"
	"math"
	"slices"
	"sync"

	"github.com/m-mizutani/goerr/v2"

	"github.com/classroom-assistant/backend/internal/vector"
)

type Store struct {
	mu        sync.RWMutex
	dimension int
	order     []string
	records   map[string]vector.Record
}

func New(dimension int) *Store {
	return &Store{
		dimension: dimension,
		records:   make(map[string]vector.Record),
	}
}

func (s *Store) Add(ctx context.Context, records []vector.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, r := range records {
		if r.ID == "" {
			return goerr.New("record id is required")
		}
		if s.dimension > 0 && len(r.Embedding) != s.dimension {
			return goerr.New("vector dimension mismatch",
				goerr.V("id", r.ID),
				goerr.V("want", s.dimension),
				goerr.V("got", len(r.Embedding)),
			)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		if _, exists := s.records[r.ID]; !exists {
			s.order = append(s.order, r.ID)
		}
		r.Embedding = slices.Clone(r.Embedding)
		r.Metadata.Keywords = slices.Clone(r.Metadata.Keywords)
		s.records[r.ID] = r
	}
	return nil
}

func (s *Store) Query(ctx context.Context, embedding []float32, n int, filter vector.Filter) (vector.QueryResult, error) {
	result := vector.QueryResult{
		IDs:       []string{},
		Documents: []string{},
		Distances: []float64{},
		Metadatas: []vector.Metadata{},
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}
	if n <= 0 {
		return result, nil
	}

	type scored struct {
		id       string
		distance float64
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates := make([]scored, 0, len(s.order))
	for _, id := range s.order {
		r := s.records[id]
		if !filter.Matches(r.Metadata) {
			continue
		}
		candidates = append(candidates, scored{id: id, distance: 1 - cosine(r.Embedding, embedding)})
	}

	slices.SortStableFunc(candidates, func(a, b scored) int {
		switch {
		case a.distance < b.distance:
			return -1
		case a.distance > b.distance:
			return 1
		default:
			return 0
		}
	})

	if len(candidates) > n {
		candidates = candidates[:n]
	}
	for _, c := range candidates {
		r := s.records[c.id]
		result.IDs = append(result.IDs, r.ID)
		result.Documents = append(result.Documents, r.Document)
		result.Distances = append(result.Distances, c.distance)
		result.Metadatas = append(result.Metadatas, r.Metadata)
	}
	return result, nil
}

func (s *Store) Delete(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(func(r vector.Record) bool {
		_, ok := drop[r.ID]
		return ok
	})
	return nil
}

func (s *Store) DeleteWhere(ctx context.Context, filter vector.Filter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if filter.IsEmpty() {
		return vector.ErrEmptyFilter
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(func(r vector.Record) bool {
		return filter.Matches(r.Metadata)
	})
	return nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}

func (s *Store) removeLocked(match func(vector.Record) bool) {
	kept := s.order[:0]
	for _, id := range s.order {
		if match(s.records[id]) {
			delete(s.records, id)
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
}

func cosine(a, b []float32) float64 {
	n := min(len(a), len(b))
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
