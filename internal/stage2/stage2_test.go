package stage2

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"manifold/internal/classifier"
	"manifold/internal/itemstore"
	"manifold/internal/llm"
	"manifold/internal/persistence/databases"
	"manifold/internal/summarizer"
	"manifold/internal/topicstore"
)

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0, 0, 1}
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

type fixedClock struct{ t time.Time }

func (f fixedClock) Now() time.Time { return f.t }

func newHarness(t *testing.T, llmClient llm.Provider, now time.Time) (*Stage, *itemstore.MemoryStore, *topicstore.MemoryStore, databases.VectorStore) {
	t.Helper()
	items := itemstore.NewMemoryStore()
	topics := topicstore.NewMemoryStore()
	vectors := databases.NewMemoryVector(3)
	cls := classifier.New(llmClient)
	summ := summarizer.New(topics, items, llmClient, fakeEmbedder{}, "test", "test-model")
	summ.Vectors = vectors
	s := New(items, topics, vectors, llmClient, cls, summ)
	s.Clock = fixedClock{now}
	return s, items, topics, vectors
}

func seedCluster(t *testing.T, items *itemstore.MemoryStore, window, clusterID, title string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		it := &itemstore.SourceItem{
			DedupKey:        clusterID + ":" + title + ":" + string(rune('a'+i)),
			Platform:        "weibo",
			Title:           title,
			Window:          window,
			Status:          itemstore.StatusPendingGlobal,
			ClusterID:       &clusterID,
			OccurrenceCount: n,
			FetchedAt:       time.Now(),
		}
		if err := items.Insert(context.Background(), it); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
}

func TestRunEmptyWindowIsNoop(t *testing.T) {
	s, _, _, _ := newHarness(t, &fakeLLM{}, time.Now())
	res, err := s.Run(context.Background(), "2026-07-31_AM")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.InputCount != 0 || res.MergeCount != 0 || res.NewCount != 0 {
		t.Fatalf("expected a no-op result, got %+v", res)
	}
}

func TestRunNoCandidatesCreatesNewTopic(t *testing.T) {
	window := "2026-07-31_AM"
	now := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	s, items, topics, _ := newHarness(t, &fakeLLM{}, now)
	seedCluster(t, items, window, "c1", "a brand new story", 2)

	res, err := s.Run(context.Background(), window)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.NewCount != 1 || res.MergeCount != 0 {
		t.Fatalf("expected one new topic, got %+v", res)
	}

	merged, err := items.PendingInWindow(context.Background(), window, itemstore.StatusMerged)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(merged) != 2 {
		t.Fatalf("expected both items merged, got %d", len(merged))
	}

	all, err := topics.RecentlyActiveTopics(context.Background(), time.Time{}, 10)
	if err != nil {
		t.Fatalf("list topics: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected one topic to be created, got %d", len(all))
	}
	if all[0].SummaryRef == nil {
		t.Fatal("expected a placeholder summary to be written for the new topic")
	}
}

func TestRunCandidateMergeAttachesToExistingTopic(t *testing.T) {
	window := "2026-07-31_PM"
	now := time.Date(2026, 7, 31, 18, 0, 0, 0, time.UTC)
	llmClient := &fakeLLM{response: llm.ChatResponse{
		Content: `{"decision":"merge","targetTopicId":1,"confidence":0.9,"reason":"same event continues"}`,
	}}
	s, items, topics, vectors := newHarness(t, llmClient, now)

	topic := &topicstore.Topic{
		TitleKey:   "city opens new subway line",
		FirstSeen:  now.Add(-48 * time.Hour),
		LastActive: now.Add(-6 * time.Hour),
		Status:     topicstore.TopicActive,
	}
	if err := topics.CreateTopic(context.Background(), topic); err != nil {
		t.Fatalf("seed topic: %v", err)
	}
	summary := &topicstore.Summary{
		TopicID:     topic.ID,
		Content:     "the city opened its new subway line to commuters",
		Method:      topicstore.SummaryPlaceholder,
		GeneratedAt: now.Add(-6 * time.Hour),
	}
	if err := topics.InsertSummary(context.Background(), summary); err != nil {
		t.Fatalf("seed summary: %v", err)
	}
	topic.SummaryRef = &summary.ID
	if err := topics.UpdateTopic(context.Background(), topic); err != nil {
		t.Fatalf("link summary: %v", err)
	}
	if err := vectors.Upsert(context.Background(), fmt.Sprintf("topicSummary:%d", summary.ID), []float32{0, 0, 1}, map[string]string{
		"objectType": string(topicstore.ObjectTopicSummary),
		"topicId":    fmt.Sprintf("%d", topic.ID),
	}); err != nil {
		t.Fatalf("seed vector: %v", err)
	}

	seedCluster(t, items, window, "c2", "city opens new subway line extension", 2)
	// Give the cluster representative a vector in the store so candidate
	// retrieval has something to search from.
	clusters, err := items.PendingGlobalClusters(context.Background(), window)
	if err != nil {
		t.Fatalf("load clusters: %v", err)
	}
	rep := clusters["c2"][0]
	if err := vectors.Upsert(context.Background(), sourceItemPointID(rep.ID), []float32{0, 0, 1}, nil); err != nil {
		t.Fatalf("seed rep vector: %v", err)
	}

	s.Ssim = 0.1
	res, err := s.Run(context.Background(), window)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.MergeCount != 1 || res.NewCount != 0 {
		t.Fatalf("expected the cluster to attach to the existing topic, got %+v", res)
	}

	updated, err := topics.GetTopic(context.Background(), topic.ID)
	if err != nil {
		t.Fatalf("get topic: %v", err)
	}
	if updated.IntensityTotal != 2 {
		t.Fatalf("expected intensity total 2, got %d", updated.IntensityTotal)
	}

	merged, err := items.PendingInWindow(context.Background(), window, itemstore.StatusMerged)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(merged) != 2 {
		t.Fatalf("expected both items merged, got %d", len(merged))
	}
}

func TestRunLLMFailureDefaultsToNewTopic(t *testing.T) {
	window := "2026-07-31_EVE"
	now := time.Date(2026, 7, 31, 22, 0, 0, 0, time.UTC)
	s, items, topics, vectors := newHarness(t, &fakeLLM{err: errors.New("timeout")}, now)

	existing := &topicstore.Topic{
		TitleKey:   "some older topic",
		FirstSeen:  now.Add(-48 * time.Hour),
		LastActive: now.Add(-6 * time.Hour),
		Status:     topicstore.TopicActive,
	}
	if err := topics.CreateTopic(context.Background(), existing); err != nil {
		t.Fatalf("seed topic: %v", err)
	}
	if err := vectors.Upsert(context.Background(), "topicSummary:seed", []float32{0, 0, 1}, map[string]string{
		"objectType": string(topicstore.ObjectTopicSummary),
		"topicId":    fmt.Sprintf("%d", existing.ID),
	}); err != nil {
		t.Fatalf("seed vector: %v", err)
	}

	seedCluster(t, items, window, "c3", "an unrelated breaking story", 2)
	clusters, err := items.PendingGlobalClusters(context.Background(), window)
	if err != nil {
		t.Fatalf("load clusters: %v", err)
	}
	rep := clusters["c3"][0]
	if err := vectors.Upsert(context.Background(), sourceItemPointID(rep.ID), []float32{0, 0, 1}, nil); err != nil {
		t.Fatalf("seed rep vector: %v", err)
	}

	s.Ssim = 0.1
	res, err := s.Run(context.Background(), window)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.NewCount != 1 || res.MergeCount != 0 {
		t.Fatalf("expected the LLM failure to default to a new topic, got %+v", res)
	}
	if len(res.Incidents) == 0 {
		t.Fatal("expected an incident to be recorded for the LLM failure")
	}
}

func TestResolveTargetTopicID(t *testing.T) {
	candidates := []int64{41, 57, 103}

	if id, ok := resolveTargetTopicID(float64(57), candidates); !ok || id != 57 {
		t.Fatalf("expected raw id 57 to resolve, got %d ok=%v", id, ok)
	}
	if id, ok := resolveTargetTopicID(float64(2), candidates); !ok || id != 57 {
		t.Fatalf("expected 1-based index 2 to resolve to 57, got %d ok=%v", id, ok)
	}
	if id, ok := resolveTargetTopicID("topic #103", candidates); !ok || id != 103 {
		t.Fatalf("expected numeric substring to resolve to 103, got %d ok=%v", id, ok)
	}
	if _, ok := resolveTargetTopicID("no numbers here", candidates); ok {
		t.Fatal("expected no match for a string with no digits")
	}
}
