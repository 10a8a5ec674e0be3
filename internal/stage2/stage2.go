// Package stage2 implements the global merge: for each surviving pendingGlobal
// cluster from Stage 1, it retrieves nearby existing topics by summary-vector
// similarity (falling back to recency when the store is unavailable or
// nothing clears the similarity gate), asks the LLM to decide attach-or-new,
// and applies the decision — creating a topic or appending nodes to one,
// updating heat and triggering classification and summary generation.
package stage2

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"manifold/internal/classifier"
	"manifold/internal/clock"
	"manifold/internal/itemstore"
	"manifold/internal/llm"
	"manifold/internal/persistence/databases"
	"manifold/internal/summarizer"
	"manifold/internal/tokenbudget"
	"manifold/internal/topicstore"
)

// Stage is the global-merge pipeline stage.
type Stage struct {
	Items      itemstore.Store
	Topics     topicstore.Store
	Vectors    databases.VectorStore
	LLM        llm.Provider
	Classifier *classifier.Classifier
	Summarizer *summarizer.Summarizer
	Clock      clock.Clock

	TopK               int
	Ssim               float64
	Cmerge             float64
	Twindow            time.Duration
	BatchMax           int
	SummaryConcurrency int

	// EmbeddingProvider/Model select which row of the Embedding table to
	// read for a cluster representative's vector when the Vector Store
	// itself doesn't have it (e.g. a degraded/rebuilt index).
	EmbeddingProvider string
	EmbeddingModel    string
}

// New returns a Stage with the default value for every tunable.
func New(items itemstore.Store, topics topicstore.Store, vectors databases.VectorStore, provider llm.Provider, cls *classifier.Classifier, summ *summarizer.Summarizer) *Stage {
	return &Stage{
		Items:              items,
		Topics:             topics,
		Vectors:            vectors,
		LLM:                provider,
		Classifier:         cls,
		Summarizer:         summ,
		Clock:              clock.Real{},
		TopK:               3,
		Ssim:               0.5,
		Cmerge:             0.75,
		Twindow:            180 * 24 * time.Hour,
		BatchMax:           200,
		SummaryConcurrency: 5,
	}
}

// Result summarizes one stage run for the PipelineRun audit row.
type Result struct {
	InputCount     int // clusters observed, before the BatchMax cap
	ProcessedCount int
	MergeCount     int
	NewCount       int
	Incidents      []string
}

func (s *Stage) now() time.Time {
	if s.Clock != nil {
		return s.Clock.Now()
	}
	return time.Now()
}

// Run processes up to BatchMax clusters of pendingGlobal items in window,
// sequentially, to avoid concurrent writes to the same candidate topic.
func (s *Stage) Run(ctx context.Context, window string) (*Result, error) {
	clustersByID, err := s.Items.PendingGlobalClusters(ctx, window)
	if err != nil {
		return nil, fmt.Errorf("stage2: load pending clusters: %w", err)
	}
	res := &Result{InputCount: len(clustersByID)}
	if len(clustersByID) == 0 {
		return res, nil
	}

	windowDate, windowTag, err := parseWindow(window)
	if err != nil {
		return nil, fmt.Errorf("stage2: parse window %q: %w", window, err)
	}

	ids := make([]string, 0, len(clustersByID))
	for id := range clustersByID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if s.BatchMax > 0 && len(ids) > s.BatchMax {
		ids = ids[:s.BatchMax]
	}

	now := s.now()
	var newTopics []*topicstore.Topic
	for _, cid := range ids {
		cluster := append([]*itemstore.SourceItem{}, clustersByID[cid]...)
		sort.Slice(cluster, func(i, j int) bool { return cluster[i].ID < cluster[j].ID })
		rep := cluster[0]
		res.ProcessedCount++

		var candidates []candidate
		if vec, ok := s.representativeVector(ctx, rep); ok {
			candidates = s.retrieveCandidates(ctx, vec, now)
		}
		if len(candidates) == 0 {
			candidates = s.recentFallback(ctx, now)
		}

		var target *topicstore.Topic
		if len(candidates) > 0 {
			target = s.judgeRelation(ctx, window, rep, cluster, candidates, res)
		}

		if target != nil {
			if err := s.attach(ctx, target, cluster, windowDate, windowTag); err != nil {
				res.Incidents = append(res.Incidents, fmt.Sprintf("attach failed for cluster %s: %v", cid, err))
				continue
			}
			res.MergeCount++
			s.classify(ctx, target, mostRecentItem(cluster))
			sinceLast := 24 * time.Hour
			if prev, perr := s.Topics.LatestSummary(ctx, target.ID); perr == nil {
				sinceLast = now.Sub(prev.GeneratedAt)
			}
			if s.Summarizer != nil {
				if err := s.Summarizer.Incremental(ctx, target, len(cluster), sinceLast); err != nil {
					res.Incidents = append(res.Incidents, fmt.Sprintf("incremental summary failed for topic %d: %v", target.ID, err))
				}
			}
			continue
		}

		topic, err := s.createTopic(ctx, cluster, windowDate, windowTag)
		if err != nil {
			res.Incidents = append(res.Incidents, fmt.Sprintf("create topic failed for cluster %s: %v", cid, err))
			continue
		}
		res.NewCount++
		s.classify(ctx, topic, mostRecentItem(cluster))
		if topic.SummaryRef == nil && s.Summarizer != nil {
			if err := s.Summarizer.Placeholder(ctx, topic); err != nil {
				res.Incidents = append(res.Incidents, fmt.Sprintf("placeholder summary failed for topic %d: %v", topic.ID, err))
			}
		}
		newTopics = append(newTopics, topic)
	}

	if s.Summarizer != nil && len(newTopics) > 0 {
		s.fanOutFullSummaries(ctx, newTopics, res)
	}
	return res, nil
}

func parseWindow(window string) (time.Time, string, error) {
	parts := strings.SplitN(window, "_", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("malformed window identifier %q", window)
	}
	date, err := time.Parse("2006-01-02", parts[0])
	if err != nil {
		return time.Time{}, "", err
	}
	switch parts[1] {
	case "AM", "PM", "EVE":
	default:
		return time.Time{}, "", fmt.Errorf("unknown window tag %q", parts[1])
	}
	return date, parts[1], nil
}

// representativeVector fetches the representative item's text-embedding
// vector, preferring the Vector Store (the same point Stage 1 upserted) and
// falling back to the durable Embedding table.
func (s *Stage) representativeVector(ctx context.Context, rep *itemstore.SourceItem) ([]float32, bool) {
	if s.Vectors != nil {
		pointID := sourceItemPointID(rep.ID)
		if vec, found, err := s.Vectors.Get(ctx, pointID); err == nil && found {
			return vec, true
		}
	}
	if s.Topics != nil {
		if emb, err := s.Topics.GetEmbedding(ctx, topicstore.ObjectSourceItem, rep.ID, s.EmbeddingProvider, s.EmbeddingModel); err == nil {
			return emb.Vector, true
		}
	}
	return nil, false
}

func sourceItemPointID(id int64) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("sourceItem:%d", id))).String()
}

type candidate struct {
	Topic *topicstore.Topic
	Score float64
}

// retrieveCandidates queries the Vector Store for topicSummary vectors near
// vec, keeping only active topics whose lastActive is within Twindow and
// whose similarity clears Ssim.
func (s *Stage) retrieveCandidates(ctx context.Context, vec []float32, now time.Time) []candidate {
	if s.Vectors == nil {
		return nil
	}
	oversample := s.TopK * 4
	if oversample < s.TopK {
		oversample = s.TopK
	}
	results, err := s.Vectors.SimilaritySearch(ctx, vec, oversample, map[string]string{
		"objectType": string(topicstore.ObjectTopicSummary),
	})
	if err != nil || len(results) == 0 {
		return nil
	}
	since := now.Add(-s.Twindow)
	var out []candidate
	for _, r := range results {
		if r.Score < s.Ssim {
			continue
		}
		tid, perr := strconv.ParseInt(r.Metadata["topicId"], 10, 64)
		if perr != nil {
			continue
		}
		topic, terr := s.Topics.GetTopic(ctx, tid)
		if terr != nil || topic.Status != topicstore.TopicActive || topic.LastActive.Before(since) {
			continue
		}
		out = append(out, candidate{Topic: topic, Score: r.Score})
		if len(out) >= s.TopK {
			break
		}
	}
	return out
}

// recentFallback degrades candidate retrieval to the topK most recently
// active topics when the Vector Store is unavailable or returned nothing.
func (s *Stage) recentFallback(ctx context.Context, now time.Time) []candidate {
	if s.Topics == nil {
		return nil
	}
	topics, err := s.Topics.RecentlyActiveTopics(ctx, now.Add(-s.Twindow), s.TopK)
	if err != nil {
		return nil
	}
	out := make([]candidate, 0, len(topics))
	for _, t := range topics {
		out = append(out, candidate{Topic: t, Score: 0})
	}
	return out
}

type relationJudgement struct {
	Decision      string `json:"decision"`
	TargetTopicID any    `json:"targetTopicId"`
	Confidence    float64 `json:"confidence"`
	Reason        string `json:"reason"`
}

// judgeRelation builds the structured relation prompt, calls the LLM, and
// resolves the decision to one of candidates. Any call or parse failure
// degrades to nil (caller creates a new topic) rather than propagating an
// error — the cluster must not be lost to a transient LLM outage.
func (s *Stage) judgeRelation(ctx context.Context, window string, rep *itemstore.SourceItem, cluster []*itemstore.SourceItem, candidates []candidate, res *Result) *topicstore.Topic {
	var b strings.Builder
	b.WriteString("Decide whether the new event extends one of the candidate topics, or is new. Respond as JSON " +
		"{\"decision\":\"merge\"|\"new\",\"targetTopicId\":<id>,\"confidence\":0-1,\"reason\":string}.\n")
	repSummary := ""
	if rep.Summary != nil {
		repSummary = tokenbudget.TruncateText(*rep.Summary, tokenbudget.SummaryCap/4, true)
	}
	fmt.Fprintf(&b, "New event: [%s @ %s] %s — %s\n", rep.Platform, window,
		tokenbudget.TruncateText(rep.Title, tokenbudget.TitleCap/4, true), repSummary)
	b.WriteString("Candidates:\n")
	candidateIDs := make([]int64, len(candidates))
	for i, c := range candidates {
		candidateIDs[i] = c.Topic.ID
		summaryText := c.Topic.TitleKey
		if sm, err := s.Topics.LatestSummary(ctx, c.Topic.ID); err == nil {
			summaryText = tokenbudget.TruncateText(sm.Content, tokenbudget.CandidateSummaryCap/4, true)
		}
		hoursActive := s.now().Sub(c.Topic.FirstSeen).Hours()
		fmt.Fprintf(&b, "%d. id=%d lastActive=%s hoursActive=%.1f — %s\n",
			i+1, c.Topic.ID, c.Topic.LastActive.Format(time.RFC3339), hoursActive, summaryText)
	}
	prompt := b.String()

	var resp llm.ChatResponse
	callErr := llm.WithRetry(ctx, llm.DefaultRetryConfig, func(ctx context.Context) error {
		r, err := s.LLM.Chat(ctx, llm.ChatRequest{
			Messages: []llm.Message{
				{Role: "system", Content: "You decide whether a news event extends an existing tracked topic. Always answer with a single JSON object."},
				{Role: "user", Content: prompt},
			},
			Temperature:    0,
			MaxTokens:      tokenbudget.GlobalRelationCompletion,
			ResponseFormat: &llm.ResponseFormat{JSON: true},
		})
		if err != nil {
			return err
		}
		resp = r
		return nil
	})

	clusterID := ""
	if cluster[0].ClusterID != nil {
		clusterID = *cluster[0].ClusterID
	}
	jlog := &itemstore.JudgementLog{
		Stage:        "global_merge",
		Window:       window,
		ClusterID:    clusterID,
		Prompt:       prompt,
		PromptTokens: tokenbudget.EstimateTokens(prompt),
	}
	if callErr != nil {
		jlog.RawResponse = callErr.Error()
		_ = s.Items.InsertJudgement(ctx, jlog)
		res.Incidents = append(res.Incidents, fmt.Sprintf("relation judgement call failed for cluster %s: %v", clusterID, callErr))
		return nil
	}

	j, perr := parseRelation(resp.Content)
	jlog.RawResponse = resp.Content
	jlog.CompletionTokens = tokenbudget.EstimateTokens(resp.Content)
	if perr != nil {
		_ = s.Items.InsertJudgement(ctx, jlog)
		res.Incidents = append(res.Incidents, fmt.Sprintf("relation judgement unparseable for cluster %s: %v", clusterID, perr))
		return nil
	}
	jlog.Confidence = j.Confidence
	jlog.Reason = j.Reason

	if j.Decision != "merge" || j.Confidence < s.Cmerge {
		jlog.Accepted = false
		_ = s.Items.InsertJudgement(ctx, jlog)
		return nil
	}
	tid, ok := resolveTargetTopicID(j.TargetTopicID, candidateIDs)
	jlog.Accepted = ok
	_ = s.Items.InsertJudgement(ctx, jlog)
	if !ok {
		return nil
	}
	for _, c := range candidates {
		if c.Topic.ID == tid {
			return c.Topic
		}
	}
	return nil
}

var digitsRe = regexp.MustCompile(`\d+`)

// resolveTargetTopicID accepts the raw integer id the LLM returned, a
// 1-based index into the candidate list, or a numeric substring of a
// string value (models sometimes answer "topic #2" or "id: 41").
func resolveTargetTopicID(raw any, candidateIDs []int64) (int64, bool) {
	tryNumber := func(n int64) (int64, bool) {
		for _, id := range candidateIDs {
			if id == n {
				return id, true
			}
		}
		if n >= 1 && int(n) <= len(candidateIDs) {
			return candidateIDs[n-1], true
		}
		return 0, false
	}

	switch v := raw.(type) {
	case float64:
		return tryNumber(int64(v))
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return tryNumber(n)
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			if id, ok := tryNumber(n); ok {
				return id, true
			}
		}
		if digits := digitsRe.FindString(v); digits != "" {
			if n, err := strconv.ParseInt(digits, 10, 64); err == nil {
				return tryNumber(n)
			}
		}
		return 0, false
	default:
		return 0, false
	}
}

// parseRelation applies the same malformed-output recovery chain as Stage 1:
// strict JSON, then regex-extracted object, then <think>-tag stripping.
func parseRelation(raw string) (relationJudgement, error) {
	var j relationJudgement
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
	return relationJudgement{}, fmt.Errorf("stage2: could not parse relation judgement from response")
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

// attach creates a TopicNode for every item in cluster, bumps intensity and
// lastActive, recomputes the window's mean heat, and flips the cluster's
// items to merged.
func (s *Stage) attach(ctx context.Context, topic *topicstore.Topic, cluster []*itemstore.SourceItem, windowDate time.Time, windowTag string) error {
	ids := make([]int64, 0, len(cluster))
	maxFetched := topic.LastActive
	var heatSum float64
	heatCount := 0
	for _, it := range cluster {
		ids = append(ids, it.ID)
		if it.FetchedAt.After(maxFetched) {
			maxFetched = it.FetchedAt
		}
		if it.NormalizedHeat != nil {
			heatSum += *it.NormalizedHeat
			heatCount++
		}
		if err := s.Topics.AddNode(ctx, &topicstore.TopicNode{TopicID: topic.ID, SourceItemID: it.ID, AppendedAt: it.FetchedAt}); err != nil {
			return fmt.Errorf("add node for item %d: %w", it.ID, err)
		}
	}
	meanHeat := 0.0
	if heatCount > 0 {
		meanHeat = heatSum / float64(heatCount)
	}
	topic.LastActive = maxFetched
	topic.IntensityTotal += len(cluster)
	topic.CurrentHeatNormalized = &meanHeat
	if err := s.Topics.UpdateTopic(ctx, topic); err != nil {
		return fmt.Errorf("update topic %d: %w", topic.ID, err)
	}
	if err := s.Topics.UpsertPeriodHeat(ctx, &topicstore.PeriodHeat{
		TopicID: topic.ID, Date: windowDate, Window: windowTag, Heat: meanHeat, ItemCount: len(cluster),
	}); err != nil {
		return fmt.Errorf("upsert period heat for topic %d: %w", topic.ID, err)
	}
	return s.Items.MarkMerged(ctx, ids)
}

// createTopic seeds a brand-new topic from a cluster with no satisfactory
// candidate.
func (s *Stage) createTopic(ctx context.Context, cluster []*itemstore.SourceItem, windowDate time.Time, windowTag string) (*topicstore.Topic, error) {
	rep := cluster[0]
	first, last := rep.FetchedAt, rep.FetchedAt
	var heatSum float64
	heatCount := 0
	for _, it := range cluster {
		if it.FetchedAt.Before(first) {
			first = it.FetchedAt
		}
		if it.FetchedAt.After(last) {
			last = it.FetchedAt
		}
		if it.NormalizedHeat != nil {
			heatSum += *it.NormalizedHeat
			heatCount++
		}
	}
	meanHeat := 0.0
	if heatCount > 0 {
		meanHeat = heatSum / float64(heatCount)
	}
	topic := &topicstore.Topic{
		TitleKey:              rep.Title,
		FirstSeen:             first,
		LastActive:            last,
		Status:                topicstore.TopicActive,
		IntensityTotal:        len(cluster),
		CurrentHeatNormalized: &meanHeat,
		CategoryMethod:        topicstore.CategoryDefault,
	}
	if err := s.Topics.CreateTopic(ctx, topic); err != nil {
		return nil, fmt.Errorf("create topic: %w", err)
	}
	ids := make([]int64, 0, len(cluster))
	for _, it := range cluster {
		ids = append(ids, it.ID)
		if err := s.Topics.AddNode(ctx, &topicstore.TopicNode{TopicID: topic.ID, SourceItemID: it.ID, AppendedAt: it.FetchedAt}); err != nil {
			return nil, fmt.Errorf("add node for item %d: %w", it.ID, err)
		}
	}
	if err := s.Topics.UpsertPeriodHeat(ctx, &topicstore.PeriodHeat{
		TopicID: topic.ID, Date: windowDate, Window: windowTag, Heat: meanHeat, ItemCount: len(cluster),
	}); err != nil {
		return nil, fmt.Errorf("upsert period heat for topic %d: %w", topic.ID, err)
	}
	if err := s.Items.MarkMerged(ctx, ids); err != nil {
		return nil, fmt.Errorf("mark merged: %w", err)
	}
	return topic, nil
}

// mostRecentItem returns the item with the latest FetchedAt in cluster, so
// classify sees the newest summary and platform for a topic that has
// accumulated several items across windows.
func mostRecentItem(cluster []*itemstore.SourceItem) *itemstore.SourceItem {
	rep := cluster[0]
	for _, it := range cluster[1:] {
		if it.FetchedAt.After(rep.FetchedAt) {
			rep = it
		}
	}
	return rep
}

// classify runs the rule/LLM classifier against topic, using rep's summary
// and platform alongside the topic's title, and writes back its category
// fields. Failure never rolls back attachment.
func (s *Stage) classify(ctx context.Context, topic *topicstore.Topic, rep *itemstore.SourceItem) {
	if s.Classifier == nil {
		return
	}
	summary := ""
	platform := ""
	if rep != nil {
		platform = rep.Platform
		if rep.Summary != nil {
			summary = *rep.Summary
		}
	}
	res, err := s.Classifier.Classify(ctx, topic.TitleKey, summary, platform)
	if err != nil {
		return
	}
	cat := string(res.Category)
	now := s.now()
	conf := res.Confidence
	topic.Category = &cat
	topic.CategoryConfidence = &conf
	topic.CategoryMethod = topicstore.CategoryMethod(res.Method)
	topic.CategoryUpdatedAt = &now
	_ = s.Topics.UpdateTopic(ctx, topic)
}

// fanOutFullSummaries generates full summaries for newly-created topics at
// bounded concurrency; each goroutine drives its own Summarizer.Full call
// independently of its peers so one failure doesn't poison the batch.
func (s *Stage) fanOutFullSummaries(ctx context.Context, topics []*topicstore.Topic, res *Result) {
	concurrency := s.SummaryConcurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, topic := range topics {
		wg.Add(1)
		sem <- struct{}{}
		go func(t *topicstore.Topic) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := s.Summarizer.Full(ctx, t); err != nil {
				mu.Lock()
				res.Incidents = append(res.Incidents, fmt.Sprintf("full summary failed for topic %d: %v", t.ID, err))
				mu.Unlock()
			}
		}(topic)
	}
	wg.Wait()
}
