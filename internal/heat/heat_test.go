package heat

import (
	"context"
	"math"
	"testing"
	"time"

	"manifold/internal/itemstore"
)

func heatPtr(v float64) *float64 { return &v }

func seedItem(t *testing.T, store *itemstore.MemoryStore, platform string, rawHeat *float64) *itemstore.SourceItem {
	t.Helper()
	it := &itemstore.SourceItem{
		DedupKey:  platform + ":" + time.Now().Format(time.RFC3339Nano),
		Platform:  platform,
		Title:     "t",
		URL:       "https://example.com",
		FetchedAt: time.Now(),
		Window:    "2025-11-07_AM",
		RawHeat:   rawHeat,
		Status:    itemstore.StatusPendingPeriod,
	}
	if err := store.Insert(context.Background(), it); err != nil {
		t.Fatalf("insert: %v", err)
	}
	return it
}

func TestNormalizeSingleItemSumsToOne(t *testing.T) {
	store := itemstore.NewMemoryStore()
	it := seedItem(t, store, "weibo", heatPtr(100))

	out, err := Normalize(context.Background(), store, "2025-11-07_AM", nil)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if math.Abs(out[it.ID]-1.0) > 1e-9 {
		t.Fatalf("expected normalized heat 1.0 for lone item, got %v", out[it.ID])
	}
}

func TestNormalizeWindowSumsToOne(t *testing.T) {
	store := itemstore.NewMemoryStore()
	a := seedItem(t, store, "weibo", heatPtr(100))
	b := seedItem(t, store, "weibo", heatPtr(10))
	c := seedItem(t, store, "hupu", nil)

	out, err := Normalize(context.Background(), store, "2025-11-07_AM", map[string]float64{"hupu": 0.3})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	sum := out[a.ID] + out[b.ID] + out[c.ID]
	if math.Abs(sum-1.0) > 1e-9 {
		t.Fatalf("expected window heat to sum to 1.0, got %v", sum)
	}
	if out[a.ID] <= out[b.ID] {
		t.Fatalf("higher raw heat should normalize higher: a=%v b=%v", out[a.ID], out[b.ID])
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	store := itemstore.NewMemoryStore()
	seedItem(t, store, "weibo", heatPtr(100))
	seedItem(t, store, "weibo", heatPtr(10))

	first, err := Normalize(context.Background(), store, "2025-11-07_AM", nil)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	// normalized heat is persisted but status is unchanged, so a second pass
	// over the same window recomputes identical values.
	second, err := Normalize(context.Background(), store, "2025-11-07_AM", nil)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	for id, v := range first {
		if second[id] != v {
			t.Fatalf("expected bitwise-identical replay for item %d: %v != %v", id, v, second[id])
		}
	}
}

func TestNormalizeEmptyWindow(t *testing.T) {
	store := itemstore.NewMemoryStore()
	out, err := Normalize(context.Background(), store, "2025-11-07_AM", nil)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected empty result for empty window, got %v", out)
	}
}
