package catalog

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

type memRow struct {
	entry Entry
	vec   []float32
}

// MemoryIndex is a brute-force cosine index kept in process memory.
type MemoryIndex struct {
	dim int

	mu   sync.RWMutex
	rows map[int64]memRow
}

// NewMemoryIndex creates an index of fixed dimension dim. A zero dim adopts
// the size of the first upserted vector.
func NewMemoryIndex(dim int) *MemoryIndex {
	return &MemoryIndex{dim: dim, rows: make(map[int64]memRow)}
}

func (m *MemoryIndex) Dimension() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dim
}

// Upsert stores or replaces the entry with e.ID.
func (m *MemoryIndex) Upsert(_ context.Context, e Entry, vec []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dim == 0 {
		m.dim = len(vec)
	}
	if len(vec) != m.dim {
		return fmt.Errorf("%w: entry %d has %d, index expects %d", ErrDimensionMismatch, e.ID, len(vec), m.dim)
	}
	cp := make([]float32, len(vec))
	copy(cp, vec)
	m.rows[e.ID] = memRow{entry: e, vec: cp}
	return nil
}

// Nearest scans every row in id order and returns the k closest.
func (m *MemoryIndex) Nearest(ctx context.Context, vec []float32, k int) ([]Hit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.dim > 0 && len(vec) != m.dim {
		return nil, fmt.Errorf("%w: query has %d, index expects %d", ErrDimensionMismatch, len(vec), m.dim)
	}

	ids := make([]int64, 0, len(m.rows))
	for id := range m.rows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	hits := make([]Hit, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row := m.rows[id]
		hits = append(hits, Hit{Entry: row.entry, Distance: CosineDistance(vec, row.vec)})
	}
	SortHits(hits)
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Len returns the number of stored entries.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rows)
}

// CosineDistance returns 1 - cos(a, b), computed in float64. A zero vector
// is at distance 1 from everything.
func CosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
