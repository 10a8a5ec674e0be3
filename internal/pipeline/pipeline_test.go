package pipeline

import (
	"context"
	"errors"
	"testing"
)

func TestWithRunSuccessFinalizesRun(t *testing.T) {
	store := NewMemoryStore()
	run, err := WithRun(context.Background(), store, "period_merge", "2026-07-31_AM",
		func(ctx context.Context, run *Run) (int, map[string]any, error) {
			run.InputCount = 5
			return 3, map[string]any{"cluster_count": 2}, nil
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.Status != StatusSuccess {
		t.Fatalf("expected success, got %s", run.Status)
	}
	got, ok := store.Get(run.ID)
	if !ok {
		t.Fatal("expected run to be persisted")
	}
	if got.OutputCount != 3 || got.Status != StatusSuccess {
		t.Fatalf("unexpected persisted run: %+v", got)
	}
	if got.FinishedAt == nil {
		t.Fatal("expected FinishedAt to be set")
	}
}

func TestWithRunFailurePersistsError(t *testing.T) {
	store := NewMemoryStore()
	run, err := WithRun(context.Background(), store, "global_merge", "2026-07-31_PM",
		func(ctx context.Context, run *Run) (int, map[string]any, error) {
			return 0, nil, errors.New("store failure")
		})
	if err == nil {
		t.Fatal("expected the failure to propagate")
	}
	got, _ := store.Get(run.ID)
	if got.Status != StatusFailed || got.Error == "" {
		t.Fatalf("expected a failed run with an error message, got %+v", got)
	}
}
