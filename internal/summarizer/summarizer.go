// Package summarizer generates and refreshes a Topic's rolling summary:
// a synchronous placeholder at topic creation, a full LLM summary once a
// topic accumulates enough nodes, and cheap incremental updates afterward.
package summarizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"manifold/internal/itemstore"
	"manifold/internal/llm"
	"manifold/internal/persistence/databases"
	"manifold/internal/tokenbudget"
	"manifold/internal/topicstore"
)

const (
	// MaxContextNodes caps how many source items feed a full summary prompt.
	MaxContextNodes = 15
	// NminUpdate is the minimum count of new nodes since the last summary
	// before an incremental update is attempted.
	NminUpdate = 3
	// Tupdate is the minimum elapsed time since the last summary before an
	// incremental update is attempted, regardless of node count.
	Tupdate = 6 * time.Hour
)

// Embedder produces a vector for arbitrary text, used to embed generated
// summaries for later retrieval.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Summarizer owns the three summary-generation modes.
type Summarizer struct {
	Topics   topicstore.Store
	Items    itemstore.Store
	LLM      llm.Provider
	Embedder Embedder
	Provider string
	Model    string

	// Vectors, when set, mirrors every generated summary's embedding into
	// the Vector Store (objectType: topicSummary) so Stage 2 candidate
	// retrieval can find the topic in the same run it was created.
	Vectors databases.VectorStore
}

func New(topics topicstore.Store, items itemstore.Store, provider llm.Provider, embedder Embedder, providerName, model string) *Summarizer {
	return &Summarizer{Topics: topics, Items: items, LLM: provider, Embedder: embedder, Provider: providerName, Model: model}
}

// Placeholder writes a trivial synchronous summary at topic creation: the
// topic's title key as both the summary body and its sole key point, so the
// topic is immediately retrievable and displayable before the first full
// summary runs.
func (s *Summarizer) Placeholder(ctx context.Context, topic *topicstore.Topic) error {
	summary := &topicstore.Summary{
		TopicID:     topic.ID,
		Content:     topic.TitleKey,
		KeyPoints:   []string{topic.TitleKey},
		Method:      topicstore.SummaryPlaceholder,
		GeneratedAt: topic.FirstSeen,
		Provider:    s.Provider,
		Model:       s.Model,
	}
	if err := s.Topics.InsertSummary(ctx, summary); err != nil {
		return fmt.Errorf("summarizer: insert placeholder summary: %w", err)
	}
	topic.SummaryRef = &summary.ID
	if err := s.Topics.UpdateTopic(ctx, topic); err != nil {
		return fmt.Errorf("summarizer: link placeholder summary: %w", err)
	}
	if s.Embedder != nil {
		s.embedSummary(ctx, summary)
	}
	return nil
}

type fullResponse struct {
	Summary   string   `json:"summary"`
	KeyPoints []string `json:"key_points"`
}

// Full generates a complete summary from a curated subset of the topic's
// nodes: the earliest node (origin), the two nodes with the highest
// interaction counts, and the five most recently appended nodes, deduplicated
// and capped at MaxContextNodes.
func (s *Summarizer) Full(ctx context.Context, topic *topicstore.Topic) error {
	nodes, err := s.Topics.NodesForTopic(ctx, topic.ID)
	if err != nil {
		return fmt.Errorf("summarizer: load nodes: %w", err)
	}
	items, err := s.resolveItems(ctx, nodes)
	if err != nil {
		return err
	}
	keyItems := selectKeyItems(items)

	var b strings.Builder
	fmt.Fprintf(&b, "Summarize the following coverage of one news event into a concise summary and a list of key points. ")
	b.WriteString("Respond as JSON {\"summary\":string,\"key_points\":[string,...]}.\n")
	for i, it := range keyItems {
		summary := ""
		if it.Summary != nil {
			summary = tokenbudget.TruncateText(*it.Summary, tokenbudget.CandidateSummaryCap/4, true)
		}
		fmt.Fprintf(&b, "%d. [%s] %s — %s\n", i+1, it.Platform, it.Title, summary)
	}
	prompt := b.String()

	var resp llm.ChatResponse
	err = llm.WithRetry(ctx, llm.DefaultRetryConfig, func(ctx context.Context) error {
		r, err := s.LLM.Chat(ctx, llm.ChatRequest{
			Messages: []llm.Message{
				{Role: "system", Content: "You write neutral, factual news summaries. Always answer with a single JSON object."},
				{Role: "user", Content: prompt},
			},
			Temperature:    0.2,
			MaxTokens:      tokenbudget.FullSummaryCompletion,
			ResponseFormat: &llm.ResponseFormat{JSON: true},
		})
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return fmt.Errorf("summarizer: full summary call failed: %w", err)
	}

	parsed, perr := parseFullResponse(resp.Content)
	if perr != nil {
		// Raw-fallback: keep the model's text verbatim rather than fail the
		// topic entirely.
		parsed = fullResponse{Summary: strings.TrimSpace(resp.Content)}
	}

	record := &topicstore.Summary{
		TopicID:     topic.ID,
		Content:     parsed.Summary,
		KeyPoints:   parsed.KeyPoints,
		Method:      topicstore.SummaryFull,
		GeneratedAt: topic.LastActive,
		Provider:    s.Provider,
		Model:       s.Model,
	}
	if err := s.Topics.InsertSummary(ctx, record); err != nil {
		return fmt.Errorf("summarizer: insert full summary: %w", err)
	}
	topic.SummaryRef = &record.ID
	if err := s.Topics.UpdateTopic(ctx, topic); err != nil {
		return fmt.Errorf("summarizer: link full summary: %w", err)
	}
	if s.Embedder != nil {
		s.embedSummary(ctx, record)
	}
	return nil
}

type incrementalResponse struct {
	NeedsUpdate     bool     `json:"needs_update"`
	UpdatedSummary  string   `json:"updated_summary"`
	NewKeyPoints    []string `json:"new_key_points"`
	ChangeReason    string   `json:"change_reason"`
}

// Incremental asks the LLM whether newNodeCount new nodes (appended since
// the last summary, sinceLast ago) materially change the existing summary.
// It is a no-op below both NminUpdate and Tupdate.
func (s *Summarizer) Incremental(ctx context.Context, topic *topicstore.Topic, newNodeCount int, sinceLast time.Duration) error {
	if newNodeCount < NminUpdate && sinceLast < Tupdate {
		return nil
	}
	prev, err := s.Topics.LatestSummary(ctx, topic.ID)
	if errors.Is(err, topicstore.ErrNotFound) {
		return s.Full(ctx, topic)
	}
	if err != nil {
		return fmt.Errorf("summarizer: load latest summary: %w", err)
	}

	nodes, err := s.Topics.NodesForTopic(ctx, topic.ID)
	if err != nil {
		return fmt.Errorf("summarizer: load nodes: %w", err)
	}
	items, err := s.resolveItems(ctx, nodes)
	if err != nil {
		return err
	}
	recent := mostRecent(items, newNodeCount)

	var b strings.Builder
	fmt.Fprintf(&b, "Existing summary: %s\n", tokenbudget.TruncateText(prev.Content, tokenbudget.FullSummaryPrompt/8, true))
	b.WriteString("New developments since then:\n")
	for i, it := range recent {
		summary := ""
		if it.Summary != nil {
			summary = tokenbudget.TruncateText(*it.Summary, tokenbudget.CandidateSummaryCap/4, true)
		}
		fmt.Fprintf(&b, "%d. [%s] %s — %s\n", i+1, it.Platform, it.Title, summary)
	}
	b.WriteString("Does this change the summary materially? Respond as JSON " +
		"{\"needs_update\":bool,\"updated_summary\":string,\"new_key_points\":[string,...],\"change_reason\":string}.")
	prompt := b.String()

	var resp llm.ChatResponse
	err = llm.WithRetry(ctx, llm.DefaultRetryConfig, func(ctx context.Context) error {
		r, err := s.LLM.Chat(ctx, llm.ChatRequest{
			Messages: []llm.Message{
				{Role: "system", Content: "You maintain a rolling news summary. Always answer with a single JSON object."},
				{Role: "user", Content: prompt},
			},
			Temperature:    0.2,
			MaxTokens:      tokenbudget.IncrementalSummaryCompletion,
			ResponseFormat: &llm.ResponseFormat{JSON: true},
		})
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return fmt.Errorf("summarizer: incremental call failed: %w", err)
	}

	var parsed incrementalResponse
	if err := json.Unmarshal([]byte(resp.Content), &parsed); err != nil {
		return fmt.Errorf("summarizer: could not parse incremental response: %w", err)
	}
	if !parsed.NeedsUpdate {
		return nil
	}

	record := &topicstore.Summary{
		TopicID:     topic.ID,
		Content:     parsed.UpdatedSummary,
		KeyPoints:   append(append([]string{}, prev.KeyPoints...), parsed.NewKeyPoints...),
		Method:      topicstore.SummaryIncremental,
		GeneratedAt: topic.LastActive,
		Provider:    s.Provider,
		Model:       s.Model,
	}
	if err := s.Topics.InsertSummary(ctx, record); err != nil {
		return fmt.Errorf("summarizer: insert incremental summary: %w", err)
	}
	topic.SummaryRef = &record.ID
	if err := s.Topics.UpdateTopic(ctx, topic); err != nil {
		return fmt.Errorf("summarizer: link incremental summary: %w", err)
	}
	if s.Embedder != nil {
		s.embedSummary(ctx, record)
	}
	return nil
}

func (s *Summarizer) resolveItems(ctx context.Context, nodes []*topicstore.TopicNode) ([]*itemWithAppend, error) {
	out := make([]*itemWithAppend, 0, len(nodes))
	for _, n := range nodes {
		it, err := s.lookupItem(ctx, n.SourceItemID)
		if err != nil || it == nil {
			continue
		}
		out = append(out, &itemWithAppend{SourceItem: it, AppendedAt: n.AppendedAt})
	}
	return out, nil
}

type itemWithAppend struct {
	*itemstore.SourceItem
	AppendedAt time.Time
}

func (s *Summarizer) lookupItem(ctx context.Context, id int64) (*itemstore.SourceItem, error) {
	return s.Items.GetItem(ctx, id)
}

func selectKeyItems(items []*itemWithAppend) []*itemstore.SourceItem {
	if len(items) == 0 {
		return nil
	}
	sorted := append([]*itemWithAppend{}, items...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].AppendedAt.Before(sorted[j].AppendedAt) })

	chosen := map[int64]bool{}
	var out []*itemstore.SourceItem
	add := func(it *itemstore.SourceItem) {
		if it == nil || chosen[it.ID] {
			return
		}
		chosen[it.ID] = true
		out = append(out, it)
	}

	add(sorted[0].SourceItem) // earliest

	byInteractions := append([]*itemWithAppend{}, items...)
	sort.Slice(byInteractions, func(i, j int) bool {
		return interactionScore(byInteractions[i].Interactions) > interactionScore(byInteractions[j].Interactions)
	})
	for i := 0; i < len(byInteractions) && i < 2; i++ {
		add(byInteractions[i].SourceItem)
	}

	byRecency := append([]*itemWithAppend{}, items...)
	sort.Slice(byRecency, func(i, j int) bool { return byRecency[i].AppendedAt.After(byRecency[j].AppendedAt) })
	for i := 0; i < len(byRecency) && i < 5; i++ {
		add(byRecency[i].SourceItem)
	}

	if len(out) > MaxContextNodes {
		out = out[:MaxContextNodes]
	}
	return out
}

func mostRecent(items []*itemWithAppend, n int) []*itemstore.SourceItem {
	sorted := append([]*itemWithAppend{}, items...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].AppendedAt.After(sorted[j].AppendedAt) })
	if n > len(sorted) {
		n = len(sorted)
	}
	out := make([]*itemstore.SourceItem, n)
	for i := 0; i < n; i++ {
		out[i] = sorted[i].SourceItem
	}
	return out
}

func interactionScore(interactions map[string]any) float64 {
	var total float64
	for _, v := range interactions {
		switch n := v.(type) {
		case float64:
			total += n
		case int:
			total += float64(n)
		case int64:
			total += float64(n)
		}
	}
	return total
}

// parseFullResponse applies the same malformed-output recovery chain stage1
// uses: strict JSON, then regex-extracted object, then <think>-tag stripping.
func parseFullResponse(raw string) (fullResponse, error) {
	var r fullResponse
	if err := json.Unmarshal([]byte(raw), &r); err == nil {
		return r, nil
	}
	if obj := extractJSONObject(raw); obj != "" {
		if err := json.Unmarshal([]byte(obj), &r); err == nil {
			return r, nil
		}
	}
	stripped := stripThinkTags(raw)
	if obj := extractJSONObject(stripped); obj != "" {
		if err := json.Unmarshal([]byte(obj), &r); err == nil {
			return r, nil
		}
	}
	return fullResponse{}, fmt.Errorf("summarizer: could not parse full summary response")
}

func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end < start {
		return ""
	}
	return s[start : end+1]
}

func stripThinkTags(s string) string {
	for {
		start := strings.Index(s, "<think>")
		if start == -1 {
			return s
		}
		end := strings.Index(s[start:], "</think>")
		if end == -1 {
			return s[:start]
		}
		s = s[:start] + s[start+end+len("</think>"):]
	}
}

func (s *Summarizer) embedSummary(ctx context.Context, summary *topicstore.Summary) {
	vecs, err := s.Embedder.Embed(ctx, []string{summary.Content})
	if err != nil || len(vecs) == 0 {
		return
	}
	vec := vecs[0]
	_ = s.Topics.InsertEmbedding(ctx, &topicstore.Embedding{
		ObjectType: topicstore.ObjectTopicSummary,
		ObjectID:   summary.ID,
		Provider:   s.Provider,
		Model:      s.Model,
		Vector:     vec,
	})
	if s.Vectors == nil {
		return
	}
	pointID := uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("topicSummary:%d", summary.ID))).String()
	meta := map[string]string{
		"objectType":  string(topicstore.ObjectTopicSummary),
		"objectId":    fmt.Sprintf("%d", summary.ID),
		"topicId":     fmt.Sprintf("%d", summary.TopicID),
		"generatedAt": summary.GeneratedAt.UTC().Format(time.RFC3339),
	}
	_ = s.Vectors.Upsert(ctx, pointID, vec, meta)
}
