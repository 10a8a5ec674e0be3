package databases

import "context"

// VectorResult represents a single nearest neighbor lookup result.
type VectorResult struct {
	ID       string
	Score    float64 // Higher is closer by default
	Metadata map[string]string
}

// VectorStore defines the minimum interface for a pluggable vector store.
// Stage 1 writes item vectors into it (its clustering runs in memory), and
// Stage 2 searches it for cross-window topic attachment candidates.
type VectorStore interface {
	Upsert(ctx context.Context, id string, vector []float32, metadata map[string]string) error
	Delete(ctx context.Context, id string) error
	SimilaritySearch(ctx context.Context, vector []float32, k int, filter map[string]string) ([]VectorResult, error)
	// Get returns the stored vector for id, or found=false if no such point
	// exists. Used by Stage 2 to fetch a cluster representative's vector
	// ahead of candidate retrieval.
	Get(ctx context.Context, id string) (vector []float32, found bool, err error)
	Dimension() int
	Close()
}

// Manager holds the concrete vector backend resolved from configuration.
type Manager struct {
	Vector VectorStore
}

// Close releases any underlying connection pool. No-op for the memory backend.
func (m Manager) Close() {
	if m.Vector != nil {
		m.Vector.Close()
	}
}
