package itemstore

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-process Store used by tests and by Stage 1/Stage 2
// unit tests that don't need a real Postgres instance.
type MemoryStore struct {
	mu        sync.Mutex
	items     map[int64]*SourceItem
	judgments []*JudgementLog
	nextID    int64
	nextJID   int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: map[int64]*SourceItem{}}
}

func (s *MemoryStore) Insert(ctx context.Context, item *SourceItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	item.ID = s.nextID
	cp := *item
	s.items[item.ID] = &cp
	return nil
}

func (s *MemoryStore) GetItem(ctx context.Context, id int64) (*SourceItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("itemstore: item %d not found", id)
	}
	cp := *it
	return &cp, nil
}

func (s *MemoryStore) PendingInWindow(ctx context.Context, window string, status Status) ([]*SourceItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*SourceItem
	for _, it := range s.items {
		if it.Window == window && it.Status == status {
			cp := *it
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) PendingGlobalClusters(ctx context.Context, window string) (map[string][]*SourceItem, error) {
	items, err := s.PendingInWindow(ctx, window, StatusPendingGlobal)
	if err != nil {
		return nil, err
	}
	out := map[string][]*SourceItem{}
	for _, it := range items {
		if it.ClusterID == nil {
			continue
		}
		out[*it.ClusterID] = append(out[*it.ClusterID], it)
	}
	return out, nil
}

func (s *MemoryStore) SetNormalizedHeat(ctx context.Context, id int64, heat float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return fmt.Errorf("itemstore: item %d not found", id)
	}
	it.NormalizedHeat = &heat
	return nil
}

func (s *MemoryStore) SetCluster(ctx context.Context, id int64, clusterID string, occurrenceCount int, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return fmt.Errorf("itemstore: item %d not found", id)
	}
	it.ClusterID = &clusterID
	it.OccurrenceCount = occurrenceCount
	it.Status = status
	return nil
}

func (s *MemoryStore) SetEmbeddingRef(ctx context.Context, id int64, embeddingID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return fmt.Errorf("itemstore: item %d not found", id)
	}
	it.EmbeddingRef = &embeddingID
	return nil
}

func (s *MemoryStore) MarkMerged(ctx context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if it, ok := s.items[id]; ok {
			it.Status = StatusMerged
		}
	}
	return nil
}

func (s *MemoryStore) InsertJudgement(ctx context.Context, log *JudgementLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextJID++
	log.ID = s.nextJID
	s.judgments = append(s.judgments, log)
	return nil
}

// Get returns a copy of the item for assertions in tests.
func (s *MemoryStore) Get(id int64) (*SourceItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return nil, false
	}
	cp := *it
	return &cp, true
}

// Judgements returns all recorded judgement log rows, for test assertions.
func (s *MemoryStore) Judgements() []*JudgementLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*JudgementLog, len(s.judgments))
	copy(out, s.judgments)
	return out
}
