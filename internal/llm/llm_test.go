package llm

import (
	"context"
	"testing"
	"time"
)

// fakeProvider is a stand-in Provider used to exercise code that only
// depends on the llm.Provider contract, without a network round-trip.
type fakeProvider struct {
	resp         ChatResponse
	err          error
	streamDeltas []string
	embeddings   [][]float32
}

func (f *fakeProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if f.err != nil {
		return ChatResponse{}, f.err
	}
	if len(req.Messages) == 0 {
		return f.resp, nil
	}
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			return ChatResponse{Content: req.Messages[i].Content, FinishReason: "stop"}, nil
		}
	}
	return f.resp, nil
}

func (f *fakeProvider) ChatStream(ctx context.Context, req ChatRequest, onDelta func(StreamDelta)) error {
	if f.err != nil {
		return f.err
	}
	for _, d := range f.streamDeltas {
		onDelta(StreamDelta{Content: d})
		time.Sleep(time.Millisecond)
	}
	onDelta(StreamDelta{FinishReason: "stop"})
	return nil
}

func (f *fakeProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.embeddings != nil {
		return f.embeddings, nil
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(i)}
	}
	return out, nil
}

func TestFakeProviderChat(t *testing.T) {
	p := &fakeProvider{resp: ChatResponse{Content: "ok"}}
	resp, err := p.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "hello"}}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hello" {
		t.Fatalf("expected echo content 'hello', got %q", resp.Content)
	}
}

func TestFakeProviderStream(t *testing.T) {
	p := &fakeProvider{streamDeltas: []string{"a", "b", "c"}}
	var deltas []string
	if err := p.ChatStream(context.Background(), ChatRequest{}, func(d StreamDelta) {
		if d.Content != "" {
			deltas = append(deltas, d.Content)
		}
	}); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if len(deltas) != 3 {
		t.Fatalf("expected 3 deltas got %d", len(deltas))
	}
}

func TestFakeProviderEmbed(t *testing.T) {
	p := &fakeProvider{}
	vecs, err := p.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vecs) != 2 {
		t.Fatalf("expected 2 vectors got %d", len(vecs))
	}
}
