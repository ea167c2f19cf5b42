package store

import (
	"context"
	"fmt"

	"github.com/loomlabs/loom/config"
)

// NewFromConfig creates the configured VectorStore backend for a project.
// projectID is the stable identity used for table/collection naming.
func NewFromConfig(ctx context.Context, cfg *config.Config, projectRoot, projectID string) (VectorStore, error) {
	switch cfg.Store.Backend {
	case "", "gob":
		s := NewGOBStore(config.IndexPath(projectRoot))
		if err := s.Load(ctx); err != nil {
			return nil, fmt.Errorf("failed to load local index: %w", err)
		}
		return s, nil

	case "postgres":
		if cfg.Store.Postgres.DSN == "" {
			return nil, fmt.Errorf("postgres backend requires store.postgres.dsn")
		}
		return NewPostgresStore(ctx, cfg.Store.Postgres.DSN, projectID, cfg.Embedder.GetDimensions())

	case "qdrant":
		collection := cfg.Store.Qdrant.Collection
		if collection == "" {
			collection = "loom-" + projectID
		}
		return NewQdrantStore(ctx,
			cfg.Store.Qdrant.Endpoint,
			cfg.Store.Qdrant.Port,
			cfg.Store.Qdrant.APIKey,
			cfg.Store.Qdrant.UseTLS,
			collection,
			cfg.Embedder.GetDimensions(),
		)

	default:
		return nil, fmt.Errorf("unknown store backend: %s", cfg.Store.Backend)
	}
}
