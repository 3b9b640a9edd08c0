// Package memory is an in-process rag.VectorStore using brute-force cosine similarity.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/dynoinc/ragflow/rag"
)

// Store keeps points in a map keyed by ID.
type Store struct {
	mu        sync.RWMutex
	dimension int
	points    map[uuid.UUID]rag.Point
}

var _ rag.VectorStore = (*Store)(nil)

// New creates an empty store. A dimension of zero accepts vectors of any length.
func New(dimension int) *Store {
	return &Store{dimension: dimension, points: make(map[uuid.UUID]rag.Point)}
}

// Upsert stores copies of points, replacing existing points with the same ID.
func (s *Store) Upsert(_ context.Context, points []rag.Point) error {
	for _, p := range points {
		if s.dimension > 0 && len(p.Vector) != s.dimension {
			return fmt.Errorf("memory: vector dimension mismatch: got %d, want %d", len(p.Vector), s.dimension)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range points {
		p.Vector = slices.Clone(p.Vector)
		s.points[p.ID] = p
	}
	return nil
}

// Search scores every point and returns the topK best.
func (s *Store) Search(_ context.Context, vector []float32, topK int) ([]rag.ScoredPoint, error) {
	if topK <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	hits := make([]rag.ScoredPoint, 0, len(s.points))
	for _, p := range s.points {
		hits = append(hits, rag.ScoredPoint{ID: p.ID, Score: cosine(vector, p.Vector), Payload: p.Payload})
	}
	s.mu.RUnlock()

	// Ties break on ID so results are stable across calls.
	slices.SortFunc(hits, func(a, b rag.ScoredPoint) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return slices.Compare(a.ID[:], b.ID[:])
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// Len returns the number of stored points.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.points)
}

func cosine(a, b []float32) float32 {
	n := min(len(a), len(b))
	var dot, na, nb float64
	for i := range n {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
