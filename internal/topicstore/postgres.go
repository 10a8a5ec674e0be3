package topicstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the pgx-backed Store implementation.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	s := &PostgresStore{pool: pool}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return nil, fmt.Errorf("topicstore: create schema: %w", err)
	}
	return s, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS topics (
  id BIGSERIAL PRIMARY KEY,
  title_key TEXT NOT NULL,
  first_seen TIMESTAMPTZ NOT NULL,
  last_active TIMESTAMPTZ NOT NULL,
  status TEXT NOT NULL,
  intensity_total INT NOT NULL DEFAULT 0,
  interaction_total DOUBLE PRECISION,
  current_heat_normalized DOUBLE PRECISION,
  category TEXT,
  category_confidence DOUBLE PRECISION,
  category_method TEXT NOT NULL DEFAULT '',
  category_updated_at TIMESTAMPTZ,
  summary_ref BIGINT
);
CREATE INDEX IF NOT EXISTS topics_status_last_active_idx ON topics(status, last_active);

CREATE TABLE IF NOT EXISTS topic_nodes (
  id BIGSERIAL PRIMARY KEY,
  topic_id BIGINT NOT NULL REFERENCES topics(id),
  source_item_id BIGINT NOT NULL,
  appended_at TIMESTAMPTZ NOT NULL,
  UNIQUE(topic_id, source_item_id)
);

CREATE TABLE IF NOT EXISTS period_heats (
  topic_id BIGINT NOT NULL REFERENCES topics(id),
  date DATE NOT NULL,
  window TEXT NOT NULL,
  heat DOUBLE PRECISION NOT NULL,
  item_count INT NOT NULL,
  PRIMARY KEY (topic_id, date, window)
);

CREATE TABLE IF NOT EXISTS summaries (
  id BIGSERIAL PRIMARY KEY,
  topic_id BIGINT NOT NULL REFERENCES topics(id),
  content TEXT NOT NULL,
  key_points JSONB,
  method TEXT NOT NULL,
  generated_at TIMESTAMPTZ NOT NULL,
  provider TEXT NOT NULL,
  model TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS summaries_topic_idx ON summaries(topic_id, generated_at DESC);

CREATE TABLE IF NOT EXISTS embeddings_meta (
  id BIGSERIAL PRIMARY KEY,
  object_type TEXT NOT NULL,
  object_id BIGINT NOT NULL,
  provider TEXT NOT NULL,
  model TEXT NOT NULL,
  vector JSONB NOT NULL,
  UNIQUE(object_type, object_id, provider, model)
);
`

func (s *PostgresStore) CreateTopic(ctx context.Context, t *Topic) error {
	row := s.pool.QueryRow(ctx, `
INSERT INTO topics (title_key, first_seen, last_active, status, intensity_total,
  interaction_total, current_heat_normalized, category, category_confidence,
  category_method, category_updated_at, summary_ref)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
RETURNING id`,
		t.TitleKey, t.FirstSeen, t.LastActive, t.Status, t.IntensityTotal,
		t.InteractionTotal, t.CurrentHeatNormalized, t.Category, t.CategoryConfidence,
		t.CategoryMethod, t.CategoryUpdatedAt, t.SummaryRef)
	return row.Scan(&t.ID)
}

func (s *PostgresStore) GetTopic(ctx context.Context, id int64) (*Topic, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, title_key, first_seen, last_active, status, intensity_total, interaction_total,
       current_heat_normalized, category, category_confidence, category_method,
       category_updated_at, summary_ref
FROM topics WHERE id = $1`, id)
	t, err := scanTopic(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (s *PostgresStore) UpdateTopic(ctx context.Context, t *Topic) error {
	_, err := s.pool.Exec(ctx, `
UPDATE topics SET title_key=$2, first_seen=$3, last_active=$4, status=$5, intensity_total=$6,
  interaction_total=$7, current_heat_normalized=$8, category=$9, category_confidence=$10,
  category_method=$11, category_updated_at=$12, summary_ref=$13
WHERE id=$1`,
		t.ID, t.TitleKey, t.FirstSeen, t.LastActive, t.Status, t.IntensityTotal,
		t.InteractionTotal, t.CurrentHeatNormalized, t.Category, t.CategoryConfidence,
		t.CategoryMethod, t.CategoryUpdatedAt, t.SummaryRef)
	return err
}

func (s *PostgresStore) RecentlyActiveTopics(ctx context.Context, since time.Time, limit int) ([]*Topic, error) {
	if limit <= 0 {
		limit = 3
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, title_key, first_seen, last_active, status, intensity_total, interaction_total,
       current_heat_normalized, category, category_confidence, category_method,
       category_updated_at, summary_ref
FROM topics WHERE status = 'active' AND last_active >= $1
ORDER BY last_active DESC LIMIT $2`, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Topic
	for rows.Next() {
		t, err := scanTopic(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) TopicsByCategorySince(ctx context.Context, category string, since time.Time) ([]*Topic, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, title_key, first_seen, last_active, status, intensity_total, interaction_total,
       current_heat_normalized, category, category_confidence, category_method,
       category_updated_at, summary_ref
FROM topics WHERE category = $1 AND first_seen >= $2`, category, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Topic
	for rows.Next() {
		t, err := scanTopic(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTopic(row rowScanner) (*Topic, error) {
	t := &Topic{}
	if err := row.Scan(&t.ID, &t.TitleKey, &t.FirstSeen, &t.LastActive, &t.Status, &t.IntensityTotal,
		&t.InteractionTotal, &t.CurrentHeatNormalized, &t.Category, &t.CategoryConfidence,
		&t.CategoryMethod, &t.CategoryUpdatedAt, &t.SummaryRef); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *PostgresStore) AddNode(ctx context.Context, node *TopicNode) error {
	row := s.pool.QueryRow(ctx, `
INSERT INTO topic_nodes (topic_id, source_item_id, appended_at) VALUES ($1,$2,$3)
ON CONFLICT (topic_id, source_item_id) DO UPDATE SET appended_at = topic_nodes.appended_at
RETURNING id`, node.TopicID, node.SourceItemID, node.AppendedAt)
	return row.Scan(&node.ID)
}

func (s *PostgresStore) NodesForTopic(ctx context.Context, topicID int64) ([]*TopicNode, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, topic_id, source_item_id, appended_at FROM topic_nodes WHERE topic_id = $1 ORDER BY appended_at`, topicID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*TopicNode
	for rows.Next() {
		n := &TopicNode{}
		if err := rows.Scan(&n.ID, &n.TopicID, &n.SourceItemID, &n.AppendedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertPeriodHeat(ctx context.Context, ph *PeriodHeat) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO period_heats (topic_id, date, window, heat, item_count) VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (topic_id, date, window) DO UPDATE SET heat = EXCLUDED.heat, item_count = EXCLUDED.item_count`,
		ph.TopicID, ph.Date, ph.Window, ph.Heat, ph.ItemCount)
	return err
}

func (s *PostgresStore) InsertSummary(ctx context.Context, sm *Summary) error {
	kp, err := json.Marshal(sm.KeyPoints)
	if err != nil {
		return err
	}
	row := s.pool.QueryRow(ctx, `
INSERT INTO summaries (topic_id, content, key_points, method, generated_at, provider, model)
VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		sm.TopicID, sm.Content, kp, sm.Method, sm.GeneratedAt, sm.Provider, sm.Model)
	return row.Scan(&sm.ID)
}

func (s *PostgresStore) LatestSummary(ctx context.Context, topicID int64) (*Summary, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, topic_id, content, key_points, method, generated_at, provider, model
FROM summaries WHERE topic_id = $1 ORDER BY generated_at DESC LIMIT 1`, topicID)
	sm := &Summary{}
	var kp []byte
	if err := row.Scan(&sm.ID, &sm.TopicID, &sm.Content, &kp, &sm.Method, &sm.GeneratedAt, &sm.Provider, &sm.Model); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(kp) > 0 {
		if err := json.Unmarshal(kp, &sm.KeyPoints); err != nil {
			return nil, err
		}
	}
	return sm, nil
}

func (s *PostgresStore) InsertEmbedding(ctx context.Context, e *Embedding) error {
	vec, err := json.Marshal(e.Vector)
	if err != nil {
		return err
	}
	row := s.pool.QueryRow(ctx, `
INSERT INTO embeddings_meta (object_type, object_id, provider, model, vector)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (object_type, object_id, provider, model) DO UPDATE SET vector = EXCLUDED.vector
RETURNING id`, e.ObjectType, e.ObjectID, e.Provider, e.Model, vec)
	return row.Scan(&e.ID)
}

func (s *PostgresStore) GetEmbedding(ctx context.Context, objType ObjectType, objID int64, provider, model string) (*Embedding, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, object_type, object_id, provider, model, vector
FROM embeddings_meta WHERE object_type=$1 AND object_id=$2 AND provider=$3 AND model=$4`,
		objType, objID, provider, model)
	e := &Embedding{}
	var vec []byte
	if err := row.Scan(&e.ID, &e.ObjectType, &e.ObjectID, &e.Provider, &e.Model, &vec); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(vec, &e.Vector); err != nil {
		return nil, err
	}
	return e, nil
}
