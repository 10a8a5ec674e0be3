package categorymetrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the pgx-backed Store implementation, grounded on
// topicstore.PostgresStore's raw-SQL-over-pgxpool style.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	s := &PostgresStore{pool: pool}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return nil, fmt.Errorf("categorymetrics: create schema: %w", err)
	}
	return s, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS category_day_metrics (
  id BIGSERIAL PRIMARY KEY,
  day DATE NOT NULL,
  category TEXT NOT NULL,
  topics_count INT NOT NULL DEFAULT 0,
  topics_active INT NOT NULL DEFAULT 0,
  topics_ended INT NOT NULL DEFAULT 0,
  avg_length_hours DOUBLE PRECISION,
  max_length_hours DOUBLE PRECISION,
  min_length_hours DOUBLE PRECISION,
  max_length_topic_id BIGINT,
  min_length_topic_id BIGINT,
  intensity_sum BIGINT NOT NULL DEFAULT 0,
  intensity_avg DOUBLE PRECISION,
  UNIQUE(day, category)
);
`

func (s *PostgresStore) UpsertDayMetrics(ctx context.Context, m *CategoryDayMetrics) error {
	row := s.pool.QueryRow(ctx, `
INSERT INTO category_day_metrics (day, category, topics_count, topics_active, topics_ended,
  avg_length_hours, max_length_hours, min_length_hours, max_length_topic_id, min_length_topic_id,
  intensity_sum, intensity_avg)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (day, category) DO UPDATE SET
  topics_count = EXCLUDED.topics_count,
  topics_active = EXCLUDED.topics_active,
  topics_ended = EXCLUDED.topics_ended,
  avg_length_hours = EXCLUDED.avg_length_hours,
  max_length_hours = EXCLUDED.max_length_hours,
  min_length_hours = EXCLUDED.min_length_hours,
  max_length_topic_id = EXCLUDED.max_length_topic_id,
  min_length_topic_id = EXCLUDED.min_length_topic_id,
  intensity_sum = EXCLUDED.intensity_sum,
  intensity_avg = EXCLUDED.intensity_avg
RETURNING id`,
		m.Day, m.Category, m.TopicsCount, m.TopicsActive, m.TopicsEnded,
		m.AvgLengthHours, m.MaxLengthHours, m.MinLengthHours, m.MaxLengthTopicID, m.MinLengthTopicID,
		m.IntensitySum, m.IntensityAvg)
	return row.Scan(&m.ID)
}

func (s *PostgresStore) LatestDayMetrics(ctx context.Context) ([]*CategoryDayMetrics, error) {
	var day time.Time
	err := s.pool.QueryRow(ctx, `SELECT day FROM category_day_metrics ORDER BY day DESC LIMIT 1`).Scan(&day)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
SELECT id, day, category, topics_count, topics_active, topics_ended, avg_length_hours,
       max_length_hours, min_length_hours, max_length_topic_id, min_length_topic_id,
       intensity_sum, intensity_avg
FROM category_day_metrics WHERE day = $1 ORDER BY category`, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*CategoryDayMetrics
	for rows.Next() {
		m := &CategoryDayMetrics{}
		if err := rows.Scan(&m.ID, &m.Day, &m.Category, &m.TopicsCount, &m.TopicsActive, &m.TopicsEnded,
			&m.AvgLengthHours, &m.MaxLengthHours, &m.MinLengthHours, &m.MaxLengthTopicID, &m.MinLengthTopicID,
			&m.IntensitySum, &m.IntensityAvg); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
