package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/control-tower/internal/catalog"
)

type fakeQdrant struct {
	results []SearchResult
	limit   uint64
	points  []Point
}

func (f *fakeQdrant) Search(_ context.Context, _ string, _ []float32, topK uint64) ([]SearchResult, error) {
	f.limit = topK
	return f.results, nil
}

func (f *fakeQdrant) Upsert(_ context.Context, _ string, points ...Point) error {
	f.points = append(f.points, points...)
	return nil
}

func TestCatalogIndexNearest(t *testing.T) {
	fake := &fakeQdrant{results: []SearchResult{
		{ID: 7, Score: 0.5, Payload: map[string]any{"part_name": "Tie B", "supplier_name": "S"}},
		{ID: 3, Score: 0.5, Payload: map[string]any{"part_name": "Tie A", "supplier_name": "S"}},
		{ID: 2, Score: 0.25, Payload: map[string]any{"part_name": "Far"}},
	}}
	ix := newCatalogIndex(fake, "inventory", 3, zap.NewNop())

	hits, err := ix.Nearest(context.Background(), []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), fake.limit)
	require.Len(t, hits, 2)
	assert.Equal(t, int64(3), hits[0].Entry.ID)
	assert.Equal(t, "Tie A", hits[0].Entry.PartName)
	assert.InDelta(t, 0.5, hits[0].Distance, 1e-9)
	assert.Equal(t, int64(7), hits[1].Entry.ID)

	_, err = ix.Nearest(context.Background(), []float32{1, 0}, 1)
	assert.ErrorIs(t, err, catalog.ErrDimensionMismatch)
}

func TestCatalogIndexUpsert(t *testing.T) {
	fake := &fakeQdrant{}
	ix := newCatalogIndex(fake, "inventory", 2, zap.NewNop())

	e := catalog.Entry{ID: 5, PartName: "Widget", SupplierName: "Acme", Description: "steel"}
	require.NoError(t, ix.Upsert(context.Background(), e, []float32{1, 0}))
	require.Len(t, fake.points, 1)
	assert.Equal(t, uint64(5), fake.points[0].ID)
	assert.Equal(t, "Acme", fake.points[0].Payload["supplier_name"])

	assert.ErrorIs(t, ix.Upsert(context.Background(), e, []float32{1}), catalog.ErrDimensionMismatch)
	assert.Error(t, ix.Upsert(context.Background(), catalog.Entry{ID: -1}, []float32{1, 0}))
}

func TestPayloadValues(t *testing.T) {
	in := map[string]any{"s": "x", "i": int64(4), "n": 3, "f": 1.5, "b": true}
	out := fromValues(toValues(in))
	assert.Equal(t, "x", out["s"])
	assert.Equal(t, int64(4), out["i"])
	assert.Equal(t, int64(3), out["n"])
	assert.Equal(t, 1.5, out["f"])
	assert.Equal(t, true, out["b"])
}
