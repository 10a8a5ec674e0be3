package databases

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"manifold/internal/config"
)

// NewManager constructs the vector store backend selected by configuration.
// Supported backends: memory, none, auto, postgres, qdrant.
func NewManager(ctx context.Context, cfg config.VectorConfig) (Manager, error) {
	var m Manager
	switch cfg.Backend {
	case "", "memory":
		m.Vector = NewMemoryVector(cfg.Dimensions)
	case "auto":
		if cfg.QdrantAddr != "" {
			v, err := NewQdrantVector(cfg.QdrantAddr, cfg.Collection, cfg.Dimensions, cfg.Metric)
			if err == nil {
				m.Vector = v
				return m, nil
			}
		}
		if cfg.DSN != "" {
			if p, err := newPgPool(ctx, cfg.DSN); err == nil {
				m.Vector = NewPostgresVector(p, cfg.Dimensions, cfg.Metric)
				return m, nil
			}
		}
		m.Vector = NewMemoryVector(cfg.Dimensions)
	case "qdrant":
		if cfg.QdrantAddr == "" {
			return Manager{}, fmt.Errorf("vector backend qdrant requires an address")
		}
		v, err := NewQdrantVector(cfg.QdrantAddr, cfg.Collection, cfg.Dimensions, cfg.Metric)
		if err != nil {
			return Manager{}, fmt.Errorf("connect qdrant: %w", err)
		}
		m.Vector = v
	case "postgres", "pgvector", "pg":
		if cfg.DSN == "" {
			return Manager{}, fmt.Errorf("vector backend postgres requires a DSN")
		}
		p, err := newPgPool(ctx, cfg.DSN)
		if err != nil {
			return Manager{}, fmt.Errorf("connect postgres (vector): %w", err)
		}
		m.Vector = NewPostgresVector(p, cfg.Dimensions, cfg.Metric)
	case "none", "disabled":
		m.Vector = noopVector{}
	default:
		return Manager{}, fmt.Errorf("unsupported vector backend: %s", cfg.Backend)
	}
	return m, nil
}

type noopVector struct{}

func (noopVector) Upsert(context.Context, string, []float32, map[string]string) error { return nil }
func (noopVector) Delete(context.Context, string) error                               { return nil }
func (noopVector) SimilaritySearch(context.Context, []float32, int, map[string]string) ([]VectorResult, error) {
	return nil, nil
}
func (noopVector) Get(context.Context, string) ([]float32, bool, error) { return nil, false, nil }
func (noopVector) Dimension() int                                       { return 0 }
func (noopVector) Close()                                                {}

func newPgPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 8
	cfg.MinConns = 0
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(cctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
