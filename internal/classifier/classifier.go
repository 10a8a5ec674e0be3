// Package classifier assigns one of three categories to a Topic: a
// keyword-weighted rule pass runs first and only falls back to an LLM call
// when no rule score clears the confidence threshold.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"manifold/internal/llm"
	"manifold/internal/tokenbudget"
)

// Category is one of the three fixed topic categories.
type Category string

const (
	Entertainment Category = "entertainment"
	CurrentAffairs Category = "currentAffairs"
	SportsEsports  Category = "sportsEsports"
)

const (
	strongWeight = 0.15
	mediumWeight = 0.05
	// Trule is the rule-pass confidence cutoff; below it we ask the LLM.
	Trule = 0.6
)

// keywordRule maps one keyword to the category it votes for and whether it
// is a strong or medium signal.
type keywordRule struct {
	category Category
	strong   bool
}

// keywordTable is intentionally small and hand-curated; it exists to catch
// the high-confidence, unambiguous cases cheaply before paying for an LLM
// call.
var keywordTable = map[string]keywordRule{
	"演唱会": {Entertainment, true}, "明星": {Entertainment, true}, "电影": {Entertainment, true},
	"综艺": {Entertainment, true}, "专辑": {Entertainment, false}, "八卦": {Entertainment, false},
	"选举": {CurrentAffairs, true}, "政府": {CurrentAffairs, true}, "外交": {CurrentAffairs, true},
	"政策": {CurrentAffairs, false}, "会议": {CurrentAffairs, false}, "法院": {CurrentAffairs, false},
	"比赛": {SportsEsports, true}, "冠军": {SportsEsports, true}, "联赛": {SportsEsports, true},
	"电竞": {SportsEsports, true}, "夺冠": {SportsEsports, false}, "球队": {SportsEsports, false},
}

// platformBias nudges ambiguous titles toward the category a platform's
// content mix usually skews to.
var platformBias = map[string]map[Category]float64{
	"douyin":  {Entertainment: 0.05},
	"hupu":    {SportsEsports: 0.1},
	"toutiao": {CurrentAffairs: 0.05},
}

// Classifier resolves a topic's category, falling back to an LLM judgement
// when the rule pass is inconclusive.
type Classifier struct {
	LLM   llm.Provider
	Trule float64
}

// New returns a Classifier using the default rule threshold.
func New(provider llm.Provider) *Classifier {
	return &Classifier{LLM: provider, Trule: Trule}
}

// Result is a resolved category with its confidence and provenance.
type Result struct {
	Category   Category
	Confidence float64
	Method     string // "rule" | "llm" | "default"
	Reason     string
}

// Classify scores titleKey (and optionally a short summary) against the
// keyword table, applies the platform bias, and falls back to the LLM when
// no category clears Trule.
func (c *Classifier) Classify(ctx context.Context, titleKey, summary, platform string) (Result, error) {
	scores := map[Category]float64{}
	text := strings.ToLower(titleKey + " " + summary)
	for kw, rule := range keywordTable {
		if strings.Contains(text, strings.ToLower(kw)) {
			if rule.strong {
				scores[rule.category] += strongWeight
			} else {
				scores[rule.category] += mediumWeight
			}
		}
	}
	for cat, bias := range platformBias[platform] {
		scores[cat] += bias
	}

	best, bestScore := pickMax(scores)
	confidence := normalizeConfidence(bestScore)
	threshold := c.Trule
	if threshold <= 0 {
		threshold = Trule
	}
	if bestScore > 0 && confidence >= threshold {
		return Result{Category: best, Confidence: confidence, Method: "rule"}, nil
	}

	res, err := c.classifyWithLLM(ctx, titleKey, summary)
	if err != nil {
		return Result{Category: CurrentAffairs, Confidence: 0.3, Method: "default", Reason: err.Error()}, nil
	}
	return res, nil
}

func pickMax(scores map[Category]float64) (Category, float64) {
	var best Category
	var bestScore float64 = -1
	for cat, score := range scores {
		if score > bestScore {
			best, bestScore = cat, score
		}
	}
	if bestScore < 0 {
		bestScore = 0
	}
	return best, bestScore
}

// normalizeConfidence divides the winning category's score by itself, so
// the winner's confidence is always exactly 1.0 whenever any keyword or
// platform bias matched at all — mirroring `scores[cat] = min(scores[cat]
// / max_score, 1.0)` in the original rule pass, applied to the winner. With
// no match (bestScore 0) confidence stays 0.
func normalizeConfidence(bestScore float64) float64 {
	if bestScore <= 0 {
		return 0
	}
	return 1
}

type llmJudgement struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

func (c *Classifier) classifyWithLLM(ctx context.Context, titleKey, summary string) (Result, error) {
	prompt := fmt.Sprintf(
		"Classify the following news topic into exactly one of: entertainment, currentAffairs, sportsEsports. "+
			"Respond as JSON {\"category\":string,\"confidence\":0-1,\"reason\":string}.\nTitle: %s\nSummary: %s",
		tokenbudget.TruncateText(titleKey, tokenbudget.TitleCap/4, true),
		tokenbudget.TruncateText(summary, tokenbudget.SummaryCap/4, true))

	var resp llm.ChatResponse
	err := llm.WithRetry(ctx, llm.DefaultRetryConfig, func(ctx context.Context) error {
		r, err := c.LLM.Chat(ctx, llm.ChatRequest{
			Messages: []llm.Message{
				{Role: "system", Content: "You are a news topic classifier. Always answer with a single JSON object."},
				{Role: "user", Content: prompt},
			},
			Temperature:    0,
			MaxTokens:      tokenbudget.ClassifierCompletion,
			ResponseFormat: &llm.ResponseFormat{JSON: true},
		})
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	var j llmJudgement
	if err := json.Unmarshal([]byte(resp.Content), &j); err != nil {
		return Result{}, fmt.Errorf("classifier: could not parse LLM response: %w", err)
	}
	cat := Category(j.Category)
	switch cat {
	case Entertainment, CurrentAffairs, SportsEsports:
	default:
		return Result{}, fmt.Errorf("classifier: unknown category %q in LLM response", j.Category)
	}
	return Result{Category: cat, Confidence: j.Confidence, Method: "llm", Reason: j.Reason}, nil
}
