// Package stage1 implements the period merge: text-embeds the current
// window's pending items, greedily clusters them by cosine similarity and
// title bigram overlap, asks the LLM to confirm multi-item clusters, and
// writes back cluster ids, occurrence counts, and the pendingGlobal/
// discarded status split.
package stage1

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"

	"github.com/google/uuid"

	"manifold/internal/itemstore"
	"manifold/internal/llm"
	"manifold/internal/persistence/databases"
	"manifold/internal/tokenbudget"
	"manifold/internal/topicstore"
)

// Thresholds bundles the clustering cutoffs. New sets the defaults noted
// below; values assigned afterwards are used as given, zeros included.
type Thresholds struct {
	Tvec float64 // cosine similarity cutoff, default 0.85
	Tjac float64 // title bigram Jaccard cutoff, default 0.6
	Nmin int     // minimum cluster size to survive, default 2
}

// Embedder produces fixed-dimension vectors for arbitrary text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Stage is the period-merge pipeline stage.
type Stage struct {
	Items      itemstore.Store
	Vectors    databases.VectorStore
	Embedder   Embedder
	LLM        llm.Provider
	Thresholds Thresholds
	Dimension  int // vector dimension used for the random-vector degrade path

	// Topics, when set, makes embedItems also persist each item's vector
	// into the durable Embedding table (the authoritative mirror of the
	// Vector Store) and link it via SourceItem.EmbeddingRef. Nil in most
	// existing unit tests, which only exercise clustering behavior.
	Topics            topicstore.Store
	EmbeddingProvider string
	EmbeddingModel    string
}

// New returns a Stage with the default thresholds.
func New(items itemstore.Store, vectors databases.VectorStore, embedder Embedder, provider llm.Provider, dimension int) *Stage {
	return &Stage{
		Items:      items,
		Vectors:    vectors,
		Embedder:   embedder,
		LLM:        provider,
		Thresholds: Thresholds{Tvec: 0.85, Tjac: 0.6, Nmin: 2},
		Dimension:  dimension,
	}
}

// Result summarizes one stage run for the PipelineRun audit row.
type Result struct {
	InputCount     int
	ClusterCount   int
	PendingGlobal  int
	Discarded      int
	Incidents      []string
}

// Run processes every pendingPeriod item in window.
func (s *Stage) Run(ctx context.Context, window string) (*Result, error) {
	items, err := s.Items.PendingInWindow(ctx, window, itemstore.StatusPendingPeriod)
	if err != nil {
		return nil, fmt.Errorf("stage1: load pending items: %w", err)
	}
	res := &Result{InputCount: len(items)}
	if len(items) == 0 {
		return res, nil
	}

	vectors, err := s.embedItems(ctx, items)
	if err != nil {
		return nil, fmt.Errorf("stage1: embed items: %w", err)
	}

	clusters := s.greedyCluster(items, vectors)

	for _, cluster := range clusters {
		confirmed := true
		if len(cluster) > 1 {
			confirmed, err = s.confirmCluster(ctx, window, cluster)
			if err != nil {
				res.Incidents = append(res.Incidents, fmt.Sprintf("judgement call failed for cluster: %v", err))
				confirmed = false
			}
		}
		if !confirmed {
			for _, it := range cluster {
				if err := s.finalizeItem(ctx, it, []*itemstore.SourceItem{it}, res); err != nil {
					return nil, err
				}
			}
			continue
		}
		if err := s.finalizeCluster(ctx, cluster, res); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (s *Stage) embedItems(ctx context.Context, items []*itemstore.SourceItem) (map[int64][]float32, error) {
	texts := make([]string, len(items))
	for i, it := range items {
		texts[i] = embedText(it)
	}

	var vecs [][]float32
	err := llm.WithRetry(ctx, llm.DefaultRetryConfig, func(ctx context.Context) error {
		v, err := s.Embedder.Embed(ctx, texts)
		if err != nil {
			return err
		}
		vecs = v
		return nil
	})
	out := make(map[int64][]float32, len(items))
	if err != nil || len(vecs) != len(items) {
		// Defensive degrade: random unit vectors keep the stage progressing
		// (test/dev only — production embedding outages should alert).
		for _, it := range items {
			out[it.ID] = randomUnitVector(s.Dimension)
		}
	} else {
		for i, it := range items {
			out[it.ID] = vecs[i]
		}
	}

	for _, it := range items {
		vec := out[it.ID]
		meta := map[string]string{
			"objectType":  string(topicstore.ObjectSourceItem),
			"objectId":    fmt.Sprintf("%d", it.ID),
			"platform":    it.Platform,
			"titlePrefix": tokenbudget.TruncateText(it.Title, tokenbudget.TitleCap/4, true),
		}
		pointID := uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("sourceItem:%d", it.ID))).String()
		if s.Vectors != nil {
			if err := s.Vectors.Upsert(ctx, pointID, vec, meta); err != nil {
				return nil, fmt.Errorf("upsert item vector %d: %w", it.ID, err)
			}
		}
		if s.Topics != nil {
			emb := &topicstore.Embedding{
				ObjectType: topicstore.ObjectSourceItem,
				ObjectID:   it.ID,
				Provider:   s.EmbeddingProvider,
				Model:      s.EmbeddingModel,
				Vector:     vec,
			}
			if err := s.Topics.InsertEmbedding(ctx, emb); err != nil {
				return nil, fmt.Errorf("persist embedding row for item %d: %w", it.ID, err)
			}
			if err := s.Items.SetEmbeddingRef(ctx, it.ID, emb.ID); err != nil {
				return nil, fmt.Errorf("link embedding ref for item %d: %w", it.ID, err)
			}
		}
	}
	return out, nil
}

func embedText(it *itemstore.SourceItem) string {
	summary := ""
	if it.Summary != nil {
		summary = *it.Summary
	}
	return strings.TrimSpace(it.Title + " " + summary)
}

func randomUnitVector(dim int) []float32 {
	if dim <= 0 {
		dim = 1
	}
	v := make([]float32, dim)
	var norm float64
	for i := range v {
		x := rand.Float64()*2 - 1
		v[i] = float32(x)
		norm += x * x
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		norm = 1
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v
}

// greedyCluster implements the single-pass greedy clustering: for each
// not-yet-assigned item, seed a cluster and attach any item meeting both the
// cosine and title-Jaccard gates.
func (s *Stage) greedyCluster(items []*itemstore.SourceItem, vectors map[int64][]float32) [][]*itemstore.SourceItem {
	assigned := make(map[int64]bool, len(items))
	var clusters [][]*itemstore.SourceItem
	for _, seed := range items {
		if assigned[seed.ID] {
			continue
		}
		cluster := []*itemstore.SourceItem{seed}
		assigned[seed.ID] = true
		for _, other := range items {
			if assigned[other.ID] {
				continue
			}
			if cosine(vectors[seed.ID], vectors[other.ID]) >= s.Thresholds.Tvec && titleJaccard(seed.Title, other.Title) >= s.Thresholds.Tjac {
				cluster = append(cluster, other)
				assigned[other.ID] = true
			}
		}
		clusters = append(clusters, cluster)
	}
	return clusters
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func titleJaccard(a, b string) float64 {
	ba := bigrams(a)
	bb := bigrams(b)
	if len(ba) == 0 && len(bb) == 0 {
		return 1
	}
	inter := 0
	for g := range ba {
		if bb[g] {
			inter++
		}
	}
	union := len(ba) + len(bb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func bigrams(s string) map[string]bool {
	r := []rune(strings.ToLower(strings.TrimSpace(s)))
	out := map[string]bool{}
	for i := 0; i+1 < len(r); i++ {
		out[string(r[i:i+2])] = true
	}
	if len(r) == 1 {
		out[string(r)] = true
	}
	return out
}

type judgement struct {
	IsSameEvent bool    `json:"isSameEvent"`
	Confidence  float64 `json:"confidence"`
	Reason      string  `json:"reason"`
}

func (s *Stage) confirmCluster(ctx context.Context, window string, cluster []*itemstore.SourceItem) (bool, error) {
	var b strings.Builder
	b.WriteString("Do the following items describe the same real-world event? Respond as JSON {\"isSameEvent\":bool,\"confidence\":0-1,\"reason\":string}.\n")
	for i, it := range cluster {
		summary := ""
		if it.Summary != nil {
			summary = tokenbudget.TruncateText(*it.Summary, tokenbudget.SummaryCap/4, true)
		}
		fmt.Fprintf(&b, "%d. [%s @ %s] %s — %s\n", i+1,
			it.Platform, it.FetchedAt.Format("15:00"),
			tokenbudget.TruncateText(it.Title, tokenbudget.TitleCap/4, true), summary)
	}
	prompt := b.String()

	var resp llm.ChatResponse
	err := llm.WithRetry(ctx, llm.DefaultRetryConfig, func(ctx context.Context) error {
		r, err := s.LLM.Chat(ctx, llm.ChatRequest{
			Messages: []llm.Message{
				{Role: "system", Content: "You are a news deduplication assistant. Always answer with a single JSON object."},
				{Role: "user", Content: prompt},
			},
			Temperature:    0,
			MaxTokens:      tokenbudget.PeriodJudgementCompletion,
			ResponseFormat: &llm.ResponseFormat{JSON: true},
		})
		if err != nil {
			return err
		}
		resp = r
		return nil
	})

	clusterID := uuid.New().String()
	log := &itemstore.JudgementLog{
		Stage:        "period_merge",
		Window:       window,
		ClusterID:    clusterID,
		Prompt:       prompt,
		PromptTokens: tokenbudget.EstimateTokens(prompt),
	}
	if err != nil {
		log.RawResponse = err.Error()
		log.Accepted = false
		_ = s.Items.InsertJudgement(ctx, log)
		return false, err
	}

	j, perr := parseJudgement(resp.Content)
	log.RawResponse = resp.Content
	log.CompletionTokens = tokenbudget.EstimateTokens(resp.Content)
	accepted := perr == nil && j.IsSameEvent && j.Confidence >= 0.8
	log.Accepted = accepted
	if perr == nil {
		log.Confidence = j.Confidence
		log.Reason = j.Reason
	}
	_ = s.Items.InsertJudgement(ctx, log)
	if perr != nil {
		return false, perr
	}
	return accepted, nil
}

// parseJudgement applies the malformed-output recovery chain: strict JSON,
// then regex-extracted object, then <think>-tag stripping.
func parseJudgement(raw string) (judgement, error) {
	var j judgement
	if err := json.Unmarshal([]byte(raw), &j); err == nil {
		return j, nil
	}
	if obj := extractJSONObject(raw); obj != "" {
		if err := json.Unmarshal([]byte(obj), &j); err == nil {
			return j, nil
		}
	}
	stripped := stripThinkTags(raw)
	if obj := extractJSONObject(stripped); obj != "" {
		if err := json.Unmarshal([]byte(obj), &j); err == nil {
			return j, nil
		}
	}
	return judgement{}, fmt.Errorf("stage1: could not parse judgement from response")
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

func (s *Stage) finalizeCluster(ctx context.Context, cluster []*itemstore.SourceItem, res *Result) error {
	clusterID := uuid.New().String()
	status := itemstore.StatusDiscarded
	if len(cluster) >= s.Thresholds.Nmin {
		status = itemstore.StatusPendingGlobal
	}
	res.ClusterCount++
	for _, it := range cluster {
		if err := s.Items.SetCluster(ctx, it.ID, clusterID, len(cluster), status); err != nil {
			return fmt.Errorf("stage1: set cluster for item %d: %w", it.ID, err)
		}
	}
	if status == itemstore.StatusPendingGlobal {
		res.PendingGlobal += len(cluster)
	} else {
		res.Discarded += len(cluster)
	}
	return nil
}

func (s *Stage) finalizeItem(ctx context.Context, it *itemstore.SourceItem, singleton []*itemstore.SourceItem, res *Result) error {
	return s.finalizeCluster(ctx, singleton, res)
}
