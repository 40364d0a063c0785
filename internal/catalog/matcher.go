package catalog

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Embedder turns text into vectors. embedding.Provider satisfies it.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Matcher embeds a query and returns the closest catalog entry.
type Matcher struct {
	embedder Embedder
	index    Index
	topK     int
	logger   *zap.Logger
}

// NewMatcher checks that the embedder and index agree on dimension when both
// know it. topK below 1 means 1.
func NewMatcher(embedder Embedder, index Index, topK int, logger *zap.Logger) (*Matcher, error) {
	if topK < 1 {
		topK = 1
	}
	ed, id := embedder.Dimension(), index.Dimension()
	if ed > 0 && id > 0 && ed != id {
		return nil, fmt.Errorf("%w: embedder produces %d, index expects %d", ErrDimensionMismatch, ed, id)
	}
	return &Matcher{embedder: embedder, index: index, topK: topK, logger: logger}, nil
}

// FindNearest returns the best match for query.
func (m *Matcher) FindNearest(ctx context.Context, query string) (Match, error) {
	vecs, err := m.embedder.Embed(ctx, []string{query})
	if err != nil {
		return Match{}, fmt.Errorf("%w: embed query: %w", ErrMatch, err)
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return Match{}, fmt.Errorf("%w: embedder returned no vector", ErrMatch)
	}
	vec := vecs[0]
	if d := m.index.Dimension(); d > 0 && len(vec) != d {
		return Match{}, fmt.Errorf("%w: %w: query has %d, index expects %d", ErrMatch, ErrDimensionMismatch, len(vec), d)
	}

	hits, err := m.index.Nearest(ctx, vec, m.topK)
	if err != nil {
		return Match{}, fmt.Errorf("%w: search: %w", ErrMatch, err)
	}
	if len(hits) == 0 {
		return Match{}, fmt.Errorf("%w: %w", ErrMatch, ErrNoCandidates)
	}
	SortHits(hits)

	best := hits[0]
	conf := Confidence(best.Distance)
	m.logger.Info("catalog match",
		zap.String("query", query),
		zap.String("part", best.Entry.PartName),
		zap.Float64("distance", best.Distance),
		zap.Int("candidates", len(hits)))

	return Match{
		PartName:     best.Entry.PartName,
		SupplierName: best.Entry.SupplierName,
		Distance:     best.Distance,
		Confidence:   conf,
	}, nil
}
