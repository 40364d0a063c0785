// Package app assembles the components shared by the control tower binaries
// from a loaded config.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nidhogg/control-tower/internal/catalog"
	"github.com/nidhogg/control-tower/internal/config"
	"github.com/nidhogg/control-tower/internal/embedding"
	"github.com/nidhogg/control-tower/internal/graphstore"
	"github.com/nidhogg/control-tower/internal/provider"
	"github.com/nidhogg/control-tower/internal/store"
	"github.com/nidhogg/control-tower/internal/vectorstore"
	"github.com/nidhogg/control-tower/internal/vision"
)

// DefaultConfigPath is used when neither a flag nor CONFIG_PATH names a file.
const DefaultConfigPath = "configs/tower.json"

// LoadConfig reads .env if present, then the JSON config at path. An empty
// path falls back to CONFIG_PATH and then DefaultConfigPath.
func LoadConfig(path string) (*config.Config, string, error) {
	_ = godotenv.Load()
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = DefaultConfigPath
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, path, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, path, nil
}

// NewLogger builds the development logger at the given level.
func NewLogger(level string) (*zap.Logger, error) {
	zcfg := zap.NewDevelopmentConfig()
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		zcfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return zcfg.Build()
}

// Providers registers every configured LLM provider and binds its roles.
func Providers(cfgs []config.ProviderConfig, logger *zap.Logger) (*provider.Router, error) {
	router := provider.NewRouter(logger)
	var errs []error
	for _, pc := range cfgs {
		p, err := provider.New(provider.ProviderConfig{
			ID:       pc.ID,
			Type:     pc.Type,
			Name:     pc.Name,
			Endpoint: pc.Endpoint,
			APIKey:   pc.APIKey,
			Models:   pc.Models,
			Extra:    pc.Extra,
			Timeout:  pc.Timeout.Std(),
		}, logger)
		if err != nil {
			errs = append(errs, fmt.Errorf("provider %s: %w", pc.ID, err))
			continue
		}
		router.Register(p)
		for _, role := range pc.Roles {
			router.Bind(role, pc.ID)
		}
	}
	return router, errors.Join(errs...)
}

// Embedder builds the configured text embedder.
func Embedder(cfg config.EmbeddingConfig) (embedding.Provider, error) {
	return embedding.New(embedding.Config{
		Provider:  cfg.Provider,
		Endpoint:  cfg.Endpoint,
		Model:     cfg.Model,
		APIKey:    cfg.APIKey,
		Dimension: cfg.Dimension,
	})
}

// Cleanup releases a backend opened by OpenIndex.
type Cleanup func()

// OpenIndex connects the configured catalog backend and prepares its
// schema. dim is the embedding dimension; backends that must size their
// index need it to be known.
func OpenIndex(ctx context.Context, cfg *config.Config, dim int, logger *zap.Logger) (catalog.Index, Cleanup, error) {
	if dim <= 0 {
		dim = cfg.Embedding.Dimension
	}
	logger = logger.With(zap.String("backend", cfg.Catalog.Backend), zap.Int("dimension", dim))

	switch cfg.Catalog.Backend {
	case config.BackendMemory:
		return catalog.NewMemoryIndex(dim), func() {}, nil

	case config.BackendPostgres:
		s, err := store.New(ctx, cfg.Database.Postgres.DSN, logger)
		if err != nil {
			return nil, nil, err
		}
		schema := store.Schema()
		if dir := cfg.Database.Postgres.MigrationsDir; dir != "" {
			schema = os.DirFS(dir)
		}
		if err := s.Migrate(ctx, schema); err != nil {
			s.Close()
			return nil, nil, err
		}
		return s.Inventory(dim), s.Close, nil

	case config.BackendQdrant:
		c, err := vectorstore.NewClient(vectorstore.QdrantConfig{
			Host: cfg.Database.Qdrant.Host,
			Port: cfg.Database.Qdrant.Port,
		})
		if err != nil {
			return nil, nil, err
		}
		ix, err := vectorstore.NewCatalogIndex(ctx, c, cfg.Catalog.Collection, dim, logger)
		if err != nil {
			c.Close()
			return nil, nil, err
		}
		return ix, func() { c.Close() }, nil

	case config.BackendNeo4j:
		if dim <= 0 {
			return nil, nil, errors.New("neo4j catalog needs embedding.dimension")
		}
		g, err := graphstore.NewStore(cfg.Database.Neo4j.URI, cfg.Database.Neo4j.User, cfg.Database.Neo4j.Password, logger)
		if err != nil {
			return nil, nil, err
		}
		cleanup := func() { g.Close(context.Background()) }
		if err := g.Ping(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("neo4j: %w", err)
		}
		if err := g.EnsureIndex(ctx, dim); err != nil {
			cleanup()
			return nil, nil, err
		}
		return g.Catalog(dim), cleanup, nil
	}
	return nil, nil, fmt.Errorf("unknown catalog backend %q", cfg.Catalog.Backend)
}

// LocalMatcher builds the in-process catalog matcher: embedder, backend,
// optional seeding from catalog.seed_file, and the matcher itself.
func LocalMatcher(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*catalog.Matcher, Cleanup, error) {
	emb, err := Embedder(cfg.Embedding)
	if err != nil {
		return nil, nil, err
	}
	index, cleanup, err := OpenIndex(ctx, cfg, emb.Dimension(), logger)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Catalog.SeedFile != "" {
		entries, err := catalog.LoadSeed(cfg.Catalog.SeedFile)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		if _, err := catalog.Seed(ctx, emb, index, entries, logger); err != nil {
			cleanup()
			return nil, nil, err
		}
	}
	m, err := catalog.NewMatcher(emb, index, cfg.Catalog.TopK, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return m, cleanup, nil
}

// LocalAnalyzer builds the model-backed vision analyzer.
func LocalAnalyzer(cfg *config.Config, router *provider.Router, logger *zap.Logger) *vision.ModelAnalyzer {
	return vision.NewModelAnalyzer(router, vision.ModelConfig{
		Role:             cfg.Vision.Role,
		Model:            cfg.Vision.Model,
		StructuringModel: cfg.Vision.StructuringModel,
		MaxImageKB:       cfg.Vision.MaxImageKB,
		MaxRetries:       cfg.Vision.MaxRetries,
		RetryInitial:     cfg.Vision.RetryInitial.Std(),
	}, logger)
}
