package categorymetrics

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests, mirroring
// topicstore.MemoryStore's copy-on-write map style.
type MemoryStore struct {
	mu    sync.Mutex
	byKey map[string]*CategoryDayMetrics
	next  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byKey: map[string]*CategoryDayMetrics{}}
}

func dayKey(day time.Time, category string) string {
	return day.Format("2006-01-02") + ":" + category
}

func (s *MemoryStore) UpsertDayMetrics(ctx context.Context, m *CategoryDayMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := dayKey(m.Day, m.Category)
	if existing, ok := s.byKey[key]; ok {
		m.ID = existing.ID
	} else {
		s.next++
		m.ID = s.next
	}
	cp := *m
	s.byKey[key] = &cp
	return nil
}

func (s *MemoryStore) LatestDayMetrics(ctx context.Context) ([]*CategoryDayMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest time.Time
	for _, m := range s.byKey {
		if m.Day.After(latest) {
			latest = m.Day
		}
	}
	if latest.IsZero() {
		return nil, nil
	}
	var out []*CategoryDayMetrics
	for _, m := range s.byKey {
		if m.Day.Equal(latest) {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out, nil
}
