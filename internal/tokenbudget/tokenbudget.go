// Package tokenbudget implements the Token Accountant: heuristic token
// counting, head/tail truncation, and the greedy RAG-context-chunk-filling
// algorithm, all built atop internal/llm's chars/4 estimator and per-model
// context-size table.
package tokenbudget

import (
	"manifold/internal/llm"
)

// Per-task budgets from the prompt-budget table: input prompt / completion
// tokens allotted to each kind of LLM call the pipeline makes.
const (
	PeriodJudgementPrompt     = 2000
	PeriodJudgementCompletion = 300

	GlobalRelationPrompt     = 2500
	GlobalRelationCompletion = 300

	ClassifierPrompt     = 1500
	ClassifierCompletion = 300

	FullSummaryPrompt     = 4000
	FullSummaryCompletion = 1000

	IncrementalSummaryPrompt     = 4000
	IncrementalSummaryCompletion = 1000

	// Per-item textual field caps.
	TitleCap             = 80
	SummaryCap           = 150
	CandidateSummaryCap  = 200
)

// SafetyMargin is subtracted from a model's context window before computing
// how much room remains for retrieval chunks.
const SafetyMargin = 500

// EstimateTokens is the heuristic chars/4 estimator shared with internal/llm.
func EstimateTokens(s string) int { return llm.EstimateTokens(s) }

// EstimateMessages sums EstimateTokens over a message list.
func EstimateMessages(msgs []llm.Message) int { return llm.EstimateTokensForMessages(msgs) }

// TruncateText truncates s to approximately maxTokens tokens (chars/4),
// keeping either the head or the tail.
func TruncateText(s string, maxTokens int, keepHead bool) string {
	if maxTokens <= 0 {
		return ""
	}
	maxChars := maxTokens * 4
	r := []rune(s)
	if len(r) <= maxChars {
		return s
	}
	if keepHead {
		return string(r[:maxChars])
	}
	return string(r[len(r)-maxChars:])
}

// AvailableContext computes how many tokens remain for retrieval chunks once
// the model's context window, a safety margin, the system prompt, the
// query, and the reserved completion budget are accounted for.
func AvailableContext(model string, systemTokens, queryTokens, maxCompletionTokens int) int {
	limit, _ := llm.ContextSize(model)
	available := limit - SafetyMargin - systemTokens - queryTokens - maxCompletionTokens
	if available < 0 {
		return 0
	}
	return available
}

// Chunk is one candidate unit of retrieval context to be greedily packed.
type Chunk struct {
	Text  string
	Score float64
}

// OptimizeChunks greedily fills available tokens with the highest-signal
// chunks, in the order given, truncating the final chunk that would
// overflow the budget instead of dropping it outright.
func OptimizeChunks(chunks []Chunk, available int) []Chunk {
	if available <= 0 {
		return nil
	}
	out := make([]Chunk, 0, len(chunks))
	used := 0
	for _, c := range chunks {
		t := EstimateTokens(c.Text)
		if used+t <= available {
			out = append(out, c)
			used += t
			continue
		}
		remaining := available - used
		if remaining <= 0 {
			break
		}
		out = append(out, Chunk{Text: TruncateText(c.Text, remaining, true), Score: c.Score})
		break
	}
	return out
}
