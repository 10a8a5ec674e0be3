package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the pgx-backed Store implementation.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	s := &PostgresStore{pool: pool}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return nil, fmt.Errorf("pipeline: create schema: %w", err)
	}
	return s, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS pipeline_runs (
  id BIGSERIAL PRIMARY KEY,
  stage TEXT NOT NULL,
  window TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  started_at TIMESTAMPTZ NOT NULL,
  finished_at TIMESTAMPTZ,
  input_count INT NOT NULL DEFAULT 0,
  output_count INT NOT NULL DEFAULT 0,
  result JSONB,
  error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS pipeline_runs_stage_window_idx ON pipeline_runs(stage, window, started_at DESC);
`

func (s *PostgresStore) Start(ctx context.Context, stage, window string) (*Run, error) {
	run := &Run{Stage: stage, Window: window, Status: StatusRunning, StartedAt: time.Now()}
	row := s.pool.QueryRow(ctx, `
INSERT INTO pipeline_runs (stage, window, status, started_at) VALUES ($1,$2,$3,$4) RETURNING id`,
		run.Stage, run.Window, run.Status, run.StartedAt)
	if err := row.Scan(&run.ID); err != nil {
		return nil, err
	}
	return run, nil
}

func (s *PostgresStore) Finish(ctx context.Context, run *Run, status Status, outputCount int, result map[string]any, errMsg string) error {
	now := time.Now()
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("pipeline: marshal result: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
UPDATE pipeline_runs SET status=$2, finished_at=$3, input_count=$4, output_count=$5, result=$6, error=$7
WHERE id=$1`, run.ID, status, now, run.InputCount, outputCount, resultJSON, errMsg)
	if err != nil {
		return err
	}
	run.Status = status
	run.FinishedAt = &now
	run.OutputCount = outputCount
	run.Result = result
	run.Error = errMsg
	return nil
}
