// Package embedding turns catalog text and search queries into vectors.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrEmbed wraps every failure to produce a vector.
var ErrEmbed = errors.New("embedding failed")

// Provider generates vector embeddings from text.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Config holds embedding provider configuration.
type Config struct {
	Provider  string `json:"provider"` // "api", "local" or "hash"
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

const defaultHashDimension = 256

// New returns the provider named by cfg.Provider. An empty name selects the
// hash embedder.
func New(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "api", "openai":
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("embedding: api provider needs an endpoint")
		}
		return NewAPIProvider(cfg), nil
	case "local", "ollama":
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("embedding: local provider needs an endpoint")
		}
		return NewLocalProvider(cfg), nil
	case "", "hash":
		dim := cfg.Dimension
		if dim <= 0 {
			dim = defaultHashDimension
		}
		return NewHashProvider(dim), nil
	}
	return nil, fmt.Errorf("embedding: unknown provider %q", cfg.Provider)
}

var httpClient = &http.Client{Timeout: 60 * time.Second}
