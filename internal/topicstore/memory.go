package topicstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests.
type MemoryStore struct {
	mu          sync.Mutex
	topics      map[int64]*Topic
	nodes       map[int64]*TopicNode
	periodHeats map[string]*PeriodHeat
	summaries   map[int64][]*Summary
	embeddings  map[string]*Embedding
	nextTopic   int64
	nextNode    int64
	nextSummary int64
	nextEmb     int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		topics:      map[int64]*Topic{},
		nodes:       map[int64]*TopicNode{},
		periodHeats: map[string]*PeriodHeat{},
		summaries:   map[int64][]*Summary{},
		embeddings:  map[string]*Embedding{},
	}
}

func (s *MemoryStore) CreateTopic(ctx context.Context, t *Topic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTopic++
	t.ID = s.nextTopic
	cp := *t
	s.topics[t.ID] = &cp
	return nil
}

func (s *MemoryStore) GetTopic(ctx context.Context, id int64) (*Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.topics[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) UpdateTopic(ctx context.Context, t *Topic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.topics[t.ID]; !ok {
		return fmt.Errorf("topicstore: topic %d not found", t.ID)
	}
	cp := *t
	s.topics[t.ID] = &cp
	return nil
}

func (s *MemoryStore) RecentlyActiveTopics(ctx context.Context, since time.Time, limit int) ([]*Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 3
	}
	var out []*Topic
	for _, t := range s.topics {
		if t.Status == TopicActive && !t.LastActive.Before(since) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActive.After(out[j].LastActive) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) TopicsByCategorySince(ctx context.Context, category string, since time.Time) ([]*Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Topic
	for _, t := range s.topics {
		if t.Category != nil && *t.Category == category && !t.FirstSeen.Before(since) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) AddNode(ctx context.Context, node *TopicNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.nodes {
		if n.TopicID == node.TopicID && n.SourceItemID == node.SourceItemID {
			node.ID = n.ID
			return nil
		}
	}
	s.nextNode++
	node.ID = s.nextNode
	cp := *node
	s.nodes[node.ID] = &cp
	return nil
}

func (s *MemoryStore) NodesForTopic(ctx context.Context, topicID int64) ([]*TopicNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*TopicNode
	for _, n := range s.nodes {
		if n.TopicID == topicID {
			cp := *n
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppendedAt.Before(out[j].AppendedAt) })
	return out, nil
}

func periodHeatKey(topicID int64, date time.Time, window string) string {
	return fmt.Sprintf("%d:%s:%s", topicID, date.Format("2006-01-02"), window)
}

func (s *MemoryStore) UpsertPeriodHeat(ctx context.Context, ph *PeriodHeat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ph
	s.periodHeats[periodHeatKey(ph.TopicID, ph.Date, ph.Window)] = &cp
	return nil
}

// PeriodHeatFor returns the stored row for (topicID, date, window), for
// test assertions.
func (s *MemoryStore) PeriodHeatFor(topicID int64, date time.Time, window string) (*PeriodHeat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ph, ok := s.periodHeats[periodHeatKey(topicID, date, window)]
	return ph, ok
}

func (s *MemoryStore) InsertSummary(ctx context.Context, sm *Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSummary++
	sm.ID = s.nextSummary
	cp := *sm
	s.summaries[sm.TopicID] = append(s.summaries[sm.TopicID], &cp)
	return nil
}

func (s *MemoryStore) LatestSummary(ctx context.Context, topicID int64) (*Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.summaries[topicID]
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	latest := list[0]
	for _, sm := range list[1:] {
		if sm.GeneratedAt.After(latest.GeneratedAt) {
			latest = sm
		}
	}
	cp := *latest
	return &cp, nil
}

func embeddingKey(objType ObjectType, objID int64, provider, model string) string {
	return fmt.Sprintf("%s:%d:%s:%s", objType, objID, provider, model)
}

func (s *MemoryStore) InsertEmbedding(ctx context.Context, e *Embedding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextEmb++
	e.ID = s.nextEmb
	cp := *e
	s.embeddings[embeddingKey(e.ObjectType, e.ObjectID, e.Provider, e.Model)] = &cp
	return nil
}

func (s *MemoryStore) GetEmbedding(ctx context.Context, objType ObjectType, objID int64, provider, model string) (*Embedding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.embeddings[embeddingKey(objType, objID, provider, model)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}
