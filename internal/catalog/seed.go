package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"
)

// LoadSeed reads a JSON array of catalog entries. Entries without an id are
// numbered by position, starting at 1.
func LoadSeed(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog seed: %w", err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse catalog seed %s: %w", path, err)
	}
	for i := range entries {
		if entries[i].ID == 0 {
			entries[i].ID = int64(i + 1)
		}
		if entries[i].PartName == "" {
			return nil, fmt.Errorf("catalog seed %s: entry %d has no part_name", path, i)
		}
	}
	return entries, nil
}

// Seed embeds every entry and upserts it into index. It returns the number
// of entries written.
func Seed(ctx context.Context, embedder Embedder, index Index, entries []Entry, logger *zap.Logger) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	texts := make([]string, len(entries))
	for i, e := range entries {
		texts[i] = e.EmbedText()
	}
	vecs, err := embedder.Embed(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed catalog: %w", err)
	}
	if len(vecs) != len(entries) {
		return 0, fmt.Errorf("embed catalog: got %d vectors for %d entries", len(vecs), len(entries))
	}

	for i, e := range entries {
		if err := index.Upsert(ctx, e, vecs[i]); err != nil {
			return i, fmt.Errorf("upsert %q: %w", e.PartName, err)
		}
		logger.Debug("catalog entry seeded", zap.Int64("id", e.ID), zap.String("part", e.PartName))
	}
	logger.Info("catalog seeded", zap.Int("entries", len(entries)))
	return len(entries), nil
}
