package summarizer

import (
	"context"
	"errors"
	"testing"
	"time"

	"manifold/internal/itemstore"
	"manifold/internal/llm"
	"manifold/internal/topicstore"
)

type stubLLM struct {
	response llm.ChatResponse
	err      error
}

func (s *stubLLM) Chat(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	if s.err != nil {
		return llm.ChatResponse{}, s.err
	}
	return s.response, nil
}
func (s *stubLLM) ChatStream(ctx context.Context, req llm.ChatRequest, onDelta func(llm.StreamDelta)) error {
	return errors.New("not implemented")
}
func (s *stubLLM) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, errors.New("not implemented")
}

type stubEmbedder struct{}

func (stubEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

func newTopic(t *testing.T, topics topicstore.Store, titleKey string) *topicstore.Topic {
	t.Helper()
	topic := &topicstore.Topic{TitleKey: titleKey, FirstSeen: time.Now(), LastActive: time.Now(), Status: topicstore.TopicActive}
	if err := topics.CreateTopic(context.Background(), topic); err != nil {
		t.Fatalf("create topic: %v", err)
	}
	return topic
}

func TestPlaceholderWritesTrivialSummary(t *testing.T) {
	topics := topicstore.NewMemoryStore()
	items := itemstore.NewMemoryStore()
	s := New(topics, items, &stubLLM{}, stubEmbedder{}, "test", "test-model")

	topic := newTopic(t, topics, "subway line opens")
	if err := s.Placeholder(context.Background(), topic); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := topics.LatestSummary(context.Background(), topic.ID)
	if err != nil {
		t.Fatalf("load summary: %v", err)
	}
	if got.Method != topicstore.SummaryPlaceholder || got.Content != "subway line opens" {
		t.Fatalf("unexpected placeholder summary: %+v", got)
	}
}

func TestFullSummarySelectsKeyNodesAndParsesResponse(t *testing.T) {
	topics := topicstore.NewMemoryStore()
	items := itemstore.NewMemoryStore()
	s := New(topics, items, &stubLLM{response: llm.ChatResponse{
		Content: `{"summary":"city opened a new subway line today","key_points":["opened today","three new stations"]}`,
	}}, stubEmbedder{}, "test", "test-model")

	topic := newTopic(t, topics, "subway line opens")
	for i := 0; i < 3; i++ {
		it := &itemstore.SourceItem{DedupKey: "k" + string(rune('a'+i)), Platform: "weibo", Title: "subway line opens", Window: "2026-07-31_AM"}
		if err := items.Insert(context.Background(), it); err != nil {
			t.Fatalf("insert item: %v", err)
		}
		if err := topics.AddNode(context.Background(), &topicstore.TopicNode{TopicID: topic.ID, SourceItemID: it.ID, AppendedAt: time.Now()}); err != nil {
			t.Fatalf("add node: %v", err)
		}
	}

	if err := s.Full(context.Background(), topic); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := topics.LatestSummary(context.Background(), topic.ID)
	if err != nil {
		t.Fatalf("load summary: %v", err)
	}
	if got.Method != topicstore.SummaryFull || len(got.KeyPoints) != 2 {
		t.Fatalf("unexpected full summary: %+v", got)
	}
}

func TestIncrementalSkippedBelowThresholds(t *testing.T) {
	topics := topicstore.NewMemoryStore()
	items := itemstore.NewMemoryStore()
	s := New(topics, items, &stubLLM{err: errors.New("should not be called")}, stubEmbedder{}, "test", "test-model")

	topic := newTopic(t, topics, "minor update")
	if err := s.Incremental(context.Background(), topic, 1, time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, err := topics.LatestSummary(context.Background(), topic.ID); err == nil {
		t.Fatalf("expected no summary written below thresholds, got %+v", got)
	}
}
