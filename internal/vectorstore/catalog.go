package vectorstore

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/nidhogg/control-tower/internal/catalog"
)

// overFetch widens each search so that equal scores beyond k can still be
// ordered by id.
const overFetch = 4

type searcher interface {
	Search(ctx context.Context, collection string, vector []float32, topK uint64) ([]SearchResult, error)
	Upsert(ctx context.Context, collection string, points ...Point) error
}

// CatalogIndex is a catalog.Index over one Qdrant collection.
type CatalogIndex struct {
	client     searcher
	collection string
	dim        int
	logger     *zap.Logger
}

// NewCatalogIndex creates the collection if needed and returns its index.
func NewCatalogIndex(ctx context.Context, c *Client, collection string, dim int, logger *zap.Logger) (*CatalogIndex, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("qdrant catalog needs a known dimension")
	}
	if err := c.EnsureCollection(ctx, collection, uint64(dim)); err != nil {
		return nil, err
	}
	return newCatalogIndex(c, collection, dim, logger), nil
}

func newCatalogIndex(s searcher, collection string, dim int, logger *zap.Logger) *CatalogIndex {
	return &CatalogIndex{client: s, collection: collection, dim: dim, logger: logger}
}

func (ix *CatalogIndex) Dimension() int { return ix.dim }

func (ix *CatalogIndex) Upsert(ctx context.Context, e catalog.Entry, vec []float32) error {
	if len(vec) != ix.dim {
		return fmt.Errorf("%w: entry %d has %d, index expects %d", catalog.ErrDimensionMismatch, e.ID, len(vec), ix.dim)
	}
	if e.ID < 0 {
		return fmt.Errorf("qdrant point ids must be non-negative, got %d", e.ID)
	}
	return ix.client.Upsert(ctx, ix.collection, Point{
		ID:     uint64(e.ID),
		Vector: vec,
		Payload: map[string]any{
			"part_name":     e.PartName,
			"supplier_name": e.SupplierName,
			"description":   e.Description,
		},
	})
}

// Nearest converts Qdrant cosine similarity to distance (1 - score).
func (ix *CatalogIndex) Nearest(ctx context.Context, vec []float32, k int) ([]catalog.Hit, error) {
	if len(vec) != ix.dim {
		return nil, fmt.Errorf("%w: query has %d, index expects %d", catalog.ErrDimensionMismatch, len(vec), ix.dim)
	}
	if k <= 0 {
		return nil, nil
	}
	results, err := ix.client.Search(ctx, ix.collection, vec, uint64(k*overFetch))
	if err != nil {
		return nil, err
	}

	hits := make([]catalog.Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, catalog.Hit{
			Entry: catalog.Entry{
				ID:           int64(r.ID),
				PartName:     str(r.Payload["part_name"]),
				SupplierName: str(r.Payload["supplier_name"]),
				Description:  str(r.Payload["description"]),
			},
			Distance: 1 - float64(r.Score),
		})
	}
	catalog.SortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	ix.logger.Debug("qdrant search", zap.String("collection", ix.collection), zap.Int("hits", len(hits)))
	return hits, nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
