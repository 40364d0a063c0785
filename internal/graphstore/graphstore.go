// Package graphstore keeps the parts catalog as Neo4j nodes with a vector
// index.
package graphstore

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/nidhogg/control-tower/internal/catalog"
)

// IndexName is the vector index over (:Part).embedding.
const IndexName = "part_embeddings"

// Store handles Neo4j operations for the catalog.
type Store struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewStore creates a Neo4j store. An empty user disables authentication.
func NewStore(uri, user, password string, logger *zap.Logger) (*Store, error) {
	auth := neo4j.NoAuth()
	if user != "" {
		auth = neo4j.BasicAuth(user, password, "")
	}
	driver, err := neo4j.NewDriverWithContext(uri, auth)
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &Store{driver: driver, logger: logger}, nil
}

// Close shuts down the Neo4j driver.
func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// Ping verifies the Neo4j connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.driver.VerifyConnectivity(ctx)
}

// EnsureIndex creates the id constraint and the cosine vector index, then
// waits for the index to come online.
func (s *Store) EnsureIndex(ctx context.Context, dim int) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	stmts := []string{
		`CREATE CONSTRAINT part_id IF NOT EXISTS FOR (p:Part) REQUIRE p.id IS UNIQUE`,
		fmt.Sprintf("CREATE VECTOR INDEX %s IF NOT EXISTS FOR (p:Part) ON (p.embedding) "+
			"OPTIONS {indexConfig: {`vector.dimensions`: %d, `vector.similarity_function`: 'cosine'}}", IndexName, dim),
	}
	for _, q := range stmts {
		if _, err := session.Run(ctx, q, nil); err != nil {
			return fmt.Errorf("ensure catalog schema: %w", err)
		}
	}
	if _, err := session.Run(ctx, `CALL db.awaitIndex($name, 60)`, map[string]any{"name": IndexName}); err != nil {
		return fmt.Errorf("await %s: %w", IndexName, err)
	}
	s.logger.Info("Neo4j catalog index ready", zap.String("index", IndexName), zap.Int("dimension", dim))
	return nil
}

// CatalogIndex is a catalog.Index over (:Part) nodes.
type CatalogIndex struct {
	store *Store
	dim   int
}

// Catalog returns the index for vectors of size dim.
func (s *Store) Catalog(dim int) *CatalogIndex {
	return &CatalogIndex{store: s, dim: dim}
}

func (ix *CatalogIndex) Dimension() int { return ix.dim }

func (ix *CatalogIndex) Upsert(ctx context.Context, e catalog.Entry, vec []float32) error {
	if len(vec) != ix.dim {
		return fmt.Errorf("%w: entry %d has %d, index expects %d", catalog.ErrDimensionMismatch, e.ID, len(vec), ix.dim)
	}
	session := ix.store.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MERGE (p:Part {id: $id})
		 SET p.part_name = $partName, p.supplier_name = $supplierName,
		     p.description = $description, p.embedding = $embedding,
		     p.updated_at = datetime()`,
		map[string]any{
			"id":           e.ID,
			"partName":     e.PartName,
			"supplierName": e.SupplierName,
			"description":  e.Description,
			"embedding":    toFloat64s(vec),
		})
	if err != nil {
		return fmt.Errorf("upsert part %d: %w", e.ID, err)
	}
	return nil
}

// Nearest queries the vector index. Neo4j reports cosine similarity as
// (1 + cos) / 2, so distance is 2 - 2*score.
func (ix *CatalogIndex) Nearest(ctx context.Context, vec []float32, k int) ([]catalog.Hit, error) {
	if len(vec) != ix.dim {
		return nil, fmt.Errorf("%w: query has %d, index expects %d", catalog.ErrDimensionMismatch, len(vec), ix.dim)
	}
	session := ix.store.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`CALL db.index.vector.queryNodes($index, $k, $embedding) YIELD node, score
		 RETURN node.id AS id, node.part_name AS part_name,
		        coalesce(node.supplier_name, '') AS supplier_name,
		        coalesce(node.description, '') AS description, score`,
		map[string]any{"index": IndexName, "k": k, "embedding": toFloat64s(vec)})
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", IndexName, err)
	}

	var hits []catalog.Hit
	for result.Next(ctx) {
		rec := result.Record()
		id, _ := rec.Get("id")
		part, _ := rec.Get("part_name")
		supplier, _ := rec.Get("supplier_name")
		desc, _ := rec.Get("description")
		score, _ := rec.Get("score")

		h := catalog.Hit{Distance: scoreToDistance(asFloat(score))}
		h.Entry.ID, _ = id.(int64)
		h.Entry.PartName, _ = part.(string)
		h.Entry.SupplierName, _ = supplier.(string)
		h.Entry.Description, _ = desc.(string)
		hits = append(hits, h)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("read %s results: %w", IndexName, err)
	}
	catalog.SortHits(hits)
	return hits, nil
}

func scoreToDistance(score float64) float64 {
	return 2 - 2*score
}

func asFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int64:
		return float64(x)
	}
	return 0
}

func toFloat64s(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
