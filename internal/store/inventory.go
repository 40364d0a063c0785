package store

import (
	"context"
	"fmt"

	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/nidhogg/control-tower/internal/catalog"
)

// InventoryIndex is a catalog.Index over the inventory table. Distances come
// from the pgvector cosine operator.
type InventoryIndex struct {
	db     *Store
	dim    int
	logger *zap.Logger
}

// Inventory returns the catalog index for vectors of size dim.
func (s *Store) Inventory(dim int) *InventoryIndex {
	return &InventoryIndex{db: s, dim: dim, logger: s.logger}
}

func (ix *InventoryIndex) Dimension() int { return ix.dim }

// Upsert inserts or replaces the row with e.ID.
func (ix *InventoryIndex) Upsert(ctx context.Context, e catalog.Entry, vec []float32) error {
	if ix.dim > 0 && len(vec) != ix.dim {
		return fmt.Errorf("%w: entry %d has %d, index expects %d", catalog.ErrDimensionMismatch, e.ID, len(vec), ix.dim)
	}
	_, err := ix.db.db.Exec(ctx, `
		INSERT INTO inventory (id, part_name, supplier_name, description, part_embedding, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (id) DO UPDATE SET
			part_name = EXCLUDED.part_name,
			supplier_name = EXCLUDED.supplier_name,
			description = EXCLUDED.description,
			part_embedding = EXCLUDED.part_embedding,
			updated_at = EXCLUDED.updated_at`,
		e.ID, e.PartName, e.SupplierName, e.Description, pgvector.NewVector(vec),
	)
	if err != nil {
		return fmt.Errorf("upsert inventory %d: %w", e.ID, err)
	}
	return nil
}

// Nearest returns the k rows closest to vec, ties broken by id.
func (ix *InventoryIndex) Nearest(ctx context.Context, vec []float32, k int) ([]catalog.Hit, error) {
	if ix.dim > 0 && len(vec) != ix.dim {
		return nil, fmt.Errorf("%w: query has %d, index expects %d", catalog.ErrDimensionMismatch, len(vec), ix.dim)
	}
	rows, err := ix.db.db.Query(ctx, `
		SELECT id, part_name, supplier_name, description, part_embedding <=> $1 AS distance
		FROM inventory
		WHERE part_embedding IS NOT NULL
		ORDER BY distance, id
		LIMIT $2`,
		pgvector.NewVector(vec), k,
	)
	if err != nil {
		return nil, fmt.Errorf("query inventory: %w", err)
	}
	defer rows.Close()

	var hits []catalog.Hit
	for rows.Next() {
		var h catalog.Hit
		if err := rows.Scan(&h.Entry.ID, &h.Entry.PartName, &h.Entry.SupplierName, &h.Entry.Description, &h.Distance); err != nil {
			return nil, fmt.Errorf("scan inventory: %w", err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate inventory: %w", err)
	}
	ix.logger.Debug("inventory search", zap.Int("hits", len(hits)))
	return hits, nil
}

// Count returns the number of catalog rows.
func (ix *InventoryIndex) Count(ctx context.Context) (int, error) {
	var n int
	if err := ix.db.db.QueryRow(ctx, `SELECT count(*) FROM inventory`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count inventory: %w", err)
	}
	return n, nil
}
