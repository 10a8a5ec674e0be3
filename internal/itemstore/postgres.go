package itemstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the pgx-backed Store implementation; the source of truth
// for item status transitions.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wires the pool and ensures the backing tables exist.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	s := &PostgresStore{pool: pool}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return nil, fmt.Errorf("itemstore: create schema: %w", err)
	}
	return s, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS source_items (
  id BIGSERIAL PRIMARY KEY,
  dedup_key TEXT NOT NULL UNIQUE,
  platform TEXT NOT NULL,
  title TEXT NOT NULL,
  summary TEXT,
  url TEXT NOT NULL,
  published_at TIMESTAMPTZ,
  fetched_at TIMESTAMPTZ NOT NULL,
  interactions JSONB,
  raw_heat DOUBLE PRECISION,
  normalized_heat DOUBLE PRECISION,
  window TEXT NOT NULL,
  cluster_id TEXT,
  occurrence_count INT NOT NULL DEFAULT 0,
  status TEXT NOT NULL,
  embedding_ref BIGINT
);
CREATE INDEX IF NOT EXISTS source_items_window_status_idx ON source_items(window, status);
CREATE INDEX IF NOT EXISTS source_items_cluster_idx ON source_items(window, cluster_id) WHERE cluster_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS judgement_logs (
  id BIGSERIAL PRIMARY KEY,
  stage TEXT NOT NULL,
  window TEXT NOT NULL,
  cluster_id TEXT NOT NULL,
  prompt TEXT NOT NULL,
  raw_response TEXT NOT NULL,
  accepted BOOLEAN NOT NULL,
  confidence DOUBLE PRECISION NOT NULL,
  reason TEXT NOT NULL,
  prompt_tokens INT NOT NULL,
  completion_tokens INT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

func (s *PostgresStore) Insert(ctx context.Context, item *SourceItem) error {
	interactions, err := marshalInteractions(item.Interactions)
	if err != nil {
		return err
	}
	row := s.pool.QueryRow(ctx, `
INSERT INTO source_items
  (dedup_key, platform, title, summary, url, published_at, fetched_at, interactions,
   raw_heat, normalized_heat, window, cluster_id, occurrence_count, status, embedding_ref)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
ON CONFLICT (dedup_key) DO UPDATE SET dedup_key = EXCLUDED.dedup_key
RETURNING id`,
		item.DedupKey, item.Platform, item.Title, item.Summary, item.URL, item.PublishedAt,
		item.FetchedAt, interactions, item.RawHeat, item.NormalizedHeat, item.Window,
		item.ClusterID, item.OccurrenceCount, item.Status, item.EmbeddingRef)
	return row.Scan(&item.ID)
}

func (s *PostgresStore) GetItem(ctx context.Context, id int64) (*SourceItem, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, dedup_key, platform, title, summary, url, published_at, fetched_at, interactions,
       raw_heat, normalized_heat, window, cluster_id, occurrence_count, status, embedding_ref
FROM source_items WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items, err := scanItems(rows)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("itemstore: item %d not found", id)
	}
	return items[0], nil
}

func (s *PostgresStore) PendingInWindow(ctx context.Context, window string, status Status) ([]*SourceItem, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, dedup_key, platform, title, summary, url, published_at, fetched_at, interactions,
       raw_heat, normalized_heat, window, cluster_id, occurrence_count, status, embedding_ref
FROM source_items WHERE window = $1 AND status = $2 ORDER BY id`, window, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanItems(rows)
}

func (s *PostgresStore) PendingGlobalClusters(ctx context.Context, window string) (map[string][]*SourceItem, error) {
	items, err := s.PendingInWindow(ctx, window, StatusPendingGlobal)
	if err != nil {
		return nil, err
	}
	out := map[string][]*SourceItem{}
	for _, it := range items {
		if it.ClusterID == nil {
			continue
		}
		out[*it.ClusterID] = append(out[*it.ClusterID], it)
	}
	return out, nil
}

func (s *PostgresStore) SetNormalizedHeat(ctx context.Context, id int64, heat float64) error {
	_, err := s.pool.Exec(ctx, `UPDATE source_items SET normalized_heat = $2 WHERE id = $1`, id, heat)
	return err
}

func (s *PostgresStore) SetCluster(ctx context.Context, id int64, clusterID string, occurrenceCount int, status Status) error {
	_, err := s.pool.Exec(ctx, `
UPDATE source_items SET cluster_id = $2, occurrence_count = $3, status = $4 WHERE id = $1`,
		id, clusterID, occurrenceCount, status)
	return err
}

func (s *PostgresStore) SetEmbeddingRef(ctx context.Context, id int64, embeddingID int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE source_items SET embedding_ref = $2 WHERE id = $1`, id, embeddingID)
	return err
}

func (s *PostgresStore) MarkMerged(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `UPDATE source_items SET status = $2 WHERE id = ANY($1)`, ids, StatusMerged)
	return err
}

func (s *PostgresStore) InsertJudgement(ctx context.Context, log *JudgementLog) error {
	row := s.pool.QueryRow(ctx, `
INSERT INTO judgement_logs
  (stage, window, cluster_id, prompt, raw_response, accepted, confidence, reason, prompt_tokens, completion_tokens)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
RETURNING id`,
		log.Stage, log.Window, log.ClusterID, log.Prompt, log.RawResponse, log.Accepted,
		log.Confidence, log.Reason, log.PromptTokens, log.CompletionTokens)
	return row.Scan(&log.ID)
}

func marshalInteractions(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func scanItems(rows pgx.Rows) ([]*SourceItem, error) {
	var out []*SourceItem
	for rows.Next() {
		it := &SourceItem{}
		var interactions []byte
		if err := rows.Scan(&it.ID, &it.DedupKey, &it.Platform, &it.Title, &it.Summary, &it.URL,
			&it.PublishedAt, &it.FetchedAt, &interactions, &it.RawHeat, &it.NormalizedHeat,
			&it.Window, &it.ClusterID, &it.OccurrenceCount, &it.Status, &it.EmbeddingRef); err != nil {
			return nil, err
		}
		if len(interactions) > 0 {
			if err := json.Unmarshal(interactions, &it.Interactions); err != nil {
				return nil, err
			}
		}
		out = append(out, it)
	}
	return out, rows.Err()
}
