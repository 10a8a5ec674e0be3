package stage1

import (
	"context"
	"errors"
	"testing"

	"manifold/internal/itemstore"
	"manifold/internal/llm"
	"manifold/internal/persistence/databases"
)

type fakeEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, ok := f.vectors[t]
		if !ok {
			v = []float32{0, 0, 1}
		}
		out[i] = v
	}
	return out, nil
}

type fakeLLM struct {
	response llm.ChatResponse
	err      error
}

func (f *fakeLLM) Chat(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	if f.err != nil {
		return llm.ChatResponse{}, f.err
	}
	return f.response, nil
}
func (f *fakeLLM) ChatStream(ctx context.Context, req llm.ChatRequest, onDelta func(llm.StreamDelta)) error {
	return errors.New("not implemented")
}
func (f *fakeLLM) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, errors.New("not implemented")
}

func seedItem(t *testing.T, store *itemstore.MemoryStore, window, platform, title string) *itemstore.SourceItem {
	t.Helper()
	it := &itemstore.SourceItem{
		DedupKey: platform + ":" + title,
		Platform: platform,
		Title:    title,
		Window:   window,
		Status:   itemstore.StatusPendingPeriod,
	}
	if err := store.Insert(context.Background(), it); err != nil {
		t.Fatalf("insert: %v", err)
	}
	return it
}

func TestRunEmptyWindowIsNoop(t *testing.T) {
	store := itemstore.NewMemoryStore()
	s := New(store, databases.NewMemoryVector(3), &fakeEmbedder{}, &fakeLLM{}, 3)
	res, err := s.Run(context.Background(), "2026-07-31_AM")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.InputCount != 0 || res.ClusterCount != 0 {
		t.Fatalf("expected a no-op result, got %+v", res)
	}
}

func TestRunLoneItemIsDiscarded(t *testing.T) {
	window := "2026-07-31_AM"
	store := itemstore.NewMemoryStore()
	seedItem(t, store, window, "weibo", "unique story nobody else covered")

	s := New(store, databases.NewMemoryVector(3), &fakeEmbedder{}, &fakeLLM{}, 3)
	res, err := s.Run(context.Background(), window)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Discarded != 1 || res.PendingGlobal != 0 {
		t.Fatalf("expected the lone item discarded, got %+v", res)
	}
}

func TestRunCrossPlatformClusterConfirmedGoesPendingGlobal(t *testing.T) {
	window := "2026-07-31_PM"
	store := itemstore.NewMemoryStore()
	title := "city opens new subway line"
	seedItem(t, store, window, "weibo", title)
	seedItem(t, store, window, "douyin", title)
	seedItem(t, store, window, "toutiao", title)

	embedder := &fakeEmbedder{vectors: map[string][]float32{}}
	llmClient := &fakeLLM{response: llm.ChatResponse{Content: `{"isSameEvent":true,"confidence":0.92,"reason":"same event"}`}}

	s := New(store, databases.NewMemoryVector(3), embedder, llmClient, 3)
	res, err := s.Run(context.Background(), window)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.PendingGlobal != 3 || res.Discarded != 0 {
		t.Fatalf("expected all 3 items pendingGlobal, got %+v", res)
	}

	items, err := store.PendingInWindow(context.Background(), window, itemstore.StatusPendingGlobal)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 pendingGlobal items in store, got %d", len(items))
	}
	clusterID := items[0].ClusterID
	for _, it := range items {
		if it.ClusterID == nil || *it.ClusterID != *clusterID {
			t.Fatalf("expected all items to share a cluster id")
		}
		if it.OccurrenceCount != 3 {
			t.Fatalf("expected occurrence count 3, got %d", it.OccurrenceCount)
		}
	}
}

func TestRunLLMFailureSplitsClusterDefensively(t *testing.T) {
	window := "2026-07-31_EVE"
	store := itemstore.NewMemoryStore()
	title := "breaking news story"
	seedItem(t, store, window, "weibo", title)
	seedItem(t, store, window, "douyin", title)

	embedder := &fakeEmbedder{vectors: map[string][]float32{}}
	llmClient := &fakeLLM{err: errors.New("timeout")}

	s := New(store, databases.NewMemoryVector(3), embedder, llmClient, 3)
	s.Thresholds = Thresholds{Tvec: 0.0, Tjac: 0.0, Nmin: 2}
	res, err := s.Run(context.Background(), window)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Discarded != 2 || res.PendingGlobal != 0 {
		t.Fatalf("expected both items to split into singleton discards, got %+v", res)
	}
	if res.ClusterCount != 2 {
		t.Fatalf("expected 2 clusters after the defensive split, got %d", res.ClusterCount)
	}
	if len(res.Incidents) == 0 {
		t.Fatal("expected an incident to be recorded for the LLM failure")
	}
}

func TestRunEmbeddingFailureDegradesToRandomVectors(t *testing.T) {
	window := "2026-07-31_AM"
	store := itemstore.NewMemoryStore()
	seedItem(t, store, window, "weibo", "a story about something")

	s := New(store, databases.NewMemoryVector(3), &fakeEmbedder{err: errors.New("embedding service down")}, &fakeLLM{}, 3)
	res, err := s.Run(context.Background(), window)
	if err != nil {
		t.Fatalf("expected the stage to degrade gracefully, got error: %v", err)
	}
	if res.InputCount != 1 || res.ClusterCount != 1 {
		t.Fatalf("expected the run to still complete with a singleton cluster, got %+v", res)
	}
}
