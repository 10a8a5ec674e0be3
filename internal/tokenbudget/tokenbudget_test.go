package tokenbudget

import "testing"

func TestTruncateTextKeepsHeadOrTail(t *testing.T) {
	s := "0123456789abcdefghij" // 20 runes
	head := TruncateText(s, 2, true)
	if head != "01234567" {
		t.Fatalf("expected head truncation, got %q", head)
	}
	tail := TruncateText(s, 2, false)
	if tail != "cdefghij" {
		t.Fatalf("expected tail truncation, got %q", tail)
	}
}

func TestTruncateTextNoOpWhenShort(t *testing.T) {
	s := "short"
	if got := TruncateText(s, 100, true); got != s {
		t.Fatalf("expected no-op, got %q", got)
	}
}

func TestAvailableContextSubtractsEverything(t *testing.T) {
	avail := AvailableContext("gpt-4o", 1000, 200, 300)
	want := 128_000 - SafetyMargin - 1000 - 200 - 300
	if avail != want {
		t.Fatalf("got %d want %d", avail, want)
	}
}

func TestAvailableContextNeverNegative(t *testing.T) {
	avail := AvailableContext("gpt-4", 100_000, 0, 0)
	if avail != 0 {
		t.Fatalf("expected 0 when budget exhausted, got %d", avail)
	}
}

func TestOptimizeChunksGreedyFillAndTruncateTail(t *testing.T) {
	chunks := []Chunk{
		{Text: "aaaaaaaa", Score: 0.9}, // 8/4 + 1 = 3 tokens
		{Text: "bbbbbbbb", Score: 0.8}, // 8/4 + 1 = 3 tokens
		{Text: "cccccccccccccccccccc", Score: 0.7}, // 20/4 + 1 = 6 tokens, should be truncated
	}
	out := OptimizeChunks(chunks, 8)
	if len(out) != 3 {
		t.Fatalf("expected all 3 chunks represented (last truncated), got %d", len(out))
	}
	if out[2].Text == chunks[2].Text {
		t.Fatal("expected the overflowing chunk to be truncated")
	}
}

func TestOptimizeChunksZeroBudget(t *testing.T) {
	out := OptimizeChunks([]Chunk{{Text: "x"}}, 0)
	if out != nil {
		t.Fatalf("expected nil for zero budget, got %v", out)
	}
}
