//go:build integration

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"

	"github.com/nidhogg/control-tower/internal/catalog"
)

func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	container, err := tcpg.Run(ctx, "pgvector/pgvector:pg16",
		tcpg.WithDatabase("tower_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

func TestInventoryIndex(t *testing.T) {
	ctx := context.Background()
	s, err := New(ctx, startPostgres(t), zap.NewNop())
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Migrate(ctx, Schema()))
	// applying twice is harmless
	require.NoError(t, s.Migrate(ctx, Schema()))

	ix := s.Inventory(3)
	require.NoError(t, ix.Upsert(ctx, catalog.Entry{ID: 1, PartName: "Hex Bolt M8", SupplierName: "Fastenal"}, []float32{0, 1, 0}))
	require.NoError(t, ix.Upsert(ctx, catalog.Entry{ID: 2, PartName: "Industrial Widget X-9", SupplierName: "Acme Corp"}, []float32{0.98, 0.199, 0}))
	require.NoError(t, ix.Upsert(ctx, catalog.Entry{ID: 3, PartName: "Twin", SupplierName: "Acme Corp"}, []float32{0, 1, 0}))

	n, err := ix.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	hits, err := ix.Nearest(ctx, []float32{1, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "Industrial Widget X-9", hits[0].Entry.PartName)
	assert.InDelta(t, 0.02, hits[0].Distance, 0.001)

	// equal distances come back in id order
	hits, err = ix.Nearest(ctx, []float32{0, 1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, int64(1), hits[0].Entry.ID)
	assert.Equal(t, int64(3), hits[1].Entry.ID)

	_, err = ix.Nearest(ctx, []float32{1, 0}, 1)
	assert.ErrorIs(t, err, catalog.ErrDimensionMismatch)

	m, err := catalog.NewMatcher(fixedEmbedder{}, ix, 1, zap.NewNop())
	require.NoError(t, err)
	match, err := m.FindNearest(ctx, "industrial widget")
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", match.SupplierName)
	assert.Equal(t, "98.0%", catalog.FormatConfidence(match.Confidence))
}

type fixedEmbedder struct{}

func (fixedEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (fixedEmbedder) Dimension() int { return 3 }
