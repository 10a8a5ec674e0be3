package classifier

import (
	"context"
	"errors"
	"testing"

	"manifold/internal/llm"
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

func TestClassifyRulePassMediumKeywordsAndPlatformBias(t *testing.T) {
	c := New(&stubLLM{err: errors.New("should not be called")})
	res, err := c.Classify(context.Background(), "球队夺冠 球队夺冠", "", "hupu")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Category != SportsEsports || res.Method != "rule" {
		t.Fatalf("expected rule-based sportsEsports, got %+v", res)
	}
}

func TestClassifyFallsBackToLLMWhenInconclusive(t *testing.T) {
	c := New(&stubLLM{response: llm.ChatResponse{Content: `{"category":"entertainment","confidence":0.7,"reason":"celebrity gossip"}`}})
	res, err := c.Classify(context.Background(), "ambiguous headline with no keywords", "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Category != Entertainment || res.Method != "llm" {
		t.Fatalf("expected llm-based entertainment, got %+v", res)
	}
}

func TestClassifyDefaultsOnLLMFailure(t *testing.T) {
	c := New(&stubLLM{err: errors.New("timeout")})
	res, err := c.Classify(context.Background(), "ambiguous headline with no keywords", "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Category != CurrentAffairs || res.Method != "default" || res.Confidence != 0.3 {
		t.Fatalf("expected default currentAffairs(0.3), got %+v", res)
	}
}
