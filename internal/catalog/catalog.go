// Package catalog resolves a free-text item description to the nearest
// catalog entry by embedding distance.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrMatch wraps every failure of a nearest-neighbour lookup.
	ErrMatch = errors.New("catalog match failed")
	// ErrNoCandidates means the index returned nothing, usually an empty catalog.
	ErrNoCandidates = errors.New("no catalog candidates")
	// ErrDimensionMismatch is a configuration error: the embedder and the
	// index disagree on vector size.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Entry is one row of the parts catalog.
type Entry struct {
	ID           int64  `json:"id"`
	PartName     string `json:"part_name"`
	SupplierName string `json:"supplier_name"`
	Description  string `json:"description"`
}

// Hit is an entry returned by an index with its cosine distance to the query.
type Hit struct {
	Entry    Entry
	Distance float64
}

// Match is the value handed back to the orchestrator.
type Match struct {
	PartName     string  `json:"part"`
	SupplierName string  `json:"supplier"`
	Distance     float64 `json:"distance"`
	Confidence   float64 `json:"confidence"`
}

// Index is a nearest-neighbour store over catalog embeddings. Distances are
// cosine distances in [0, 2].
type Index interface {
	Nearest(ctx context.Context, vec []float32, k int) ([]Hit, error)
	Upsert(ctx context.Context, e Entry, vec []float32) error
	// Dimension returns the configured vector size, or 0 if unknown.
	Dimension() int
}

// SortHits orders hits by distance, then by catalog id.
func SortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return hits[i].Entry.ID < hits[j].Entry.ID
	})
}

// Confidence maps a cosine distance onto [0, 1].
func Confidence(distance float64) float64 {
	c := 1 - distance
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}

// FormatConfidence renders c as a percentage with one decimal, e.g. "98.0%".
func FormatConfidence(c float64) string {
	return fmt.Sprintf("%.1f%%", c*100)
}

// EmbedText is the text embedded for an entry when seeding an index.
func (e Entry) EmbedText() string {
	if e.Description == "" {
		return e.PartName
	}
	return e.PartName + " " + e.Description
}
