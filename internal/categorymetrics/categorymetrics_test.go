package categorymetrics

import (
	"context"
	"testing"
	"time"

	"manifold/internal/topicstore"
)

func strPtr(s string) *string { return &s }

func TestRecomputeAggregatesPerCategory(t *testing.T) {
	topics := topicstore.NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 8, 2, 3, 0, 0, 0, time.UTC)

	seed := []*topicstore.Topic{
		{
			TitleKey:       "a",
			Category:       strPtr("sportsEsports"),
			Status:         topicstore.TopicActive,
			FirstSeen:      now.Add(-48 * time.Hour),
			LastActive:     now.Add(-24 * time.Hour),
			IntensityTotal: 10,
		},
		{
			TitleKey:       "b",
			Category:       strPtr("sportsEsports"),
			Status:         topicstore.TopicEnded,
			FirstSeen:      now.Add(-72 * time.Hour),
			LastActive:     now.Add(-12 * time.Hour),
			IntensityTotal: 20,
		},
		{
			TitleKey:       "c",
			Category:       strPtr("entertainment"),
			Status:         topicstore.TopicActive,
			FirstSeen:      now.Add(-10 * time.Hour),
			LastActive:     now.Add(-5 * time.Hour),
			IntensityTotal: 5,
		},
	}
	for _, tp := range seed {
		if err := topics.CreateTopic(ctx, tp); err != nil {
			t.Fatalf("seed topic: %v", err)
		}
	}

	metrics := NewMemoryStore()
	rec := New(topics, metrics)

	res, err := rec.Recompute(ctx, now)
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if len(res.Items) != len(Categories) {
		t.Fatalf("expected one row per category, got %d", len(res.Items))
	}

	var sports *CategoryDayMetrics
	for _, m := range res.Items {
		if m.Category == "sportsEsports" {
			sports = m
		}
	}
	if sports == nil {
		t.Fatal("missing sportsEsports row")
	}
	if sports.TopicsCount != 2 || sports.TopicsActive != 1 || sports.TopicsEnded != 1 {
		t.Fatalf("unexpected counts: %+v", sports)
	}
	if sports.IntensitySum != 30 {
		t.Fatalf("expected intensity sum 30, got %d", sports.IntensitySum)
	}
	// topic a: 24h, topic b: 60h -> avg 42h
	if sports.AvgLengthHours != 42 {
		t.Fatalf("expected avg length 42h, got %v", sports.AvgLengthHours)
	}
	if sports.MaxLengthHours != 60 || sports.MinLengthHours != 24 {
		t.Fatalf("unexpected min/max hours: %+v", sports)
	}

	latest, err := metrics.LatestDayMetrics(ctx)
	if err != nil {
		t.Fatalf("LatestDayMetrics: %v", err)
	}
	if len(latest) != len(Categories) {
		t.Fatalf("expected %d persisted rows, got %d", len(Categories), len(latest))
	}
}

func TestRecomputeEmptyCategoryYieldsZeroRow(t *testing.T) {
	topics := topicstore.NewMemoryStore()
	metrics := NewMemoryStore()
	rec := New(topics, metrics)

	res, err := rec.Recompute(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	for _, m := range res.Items {
		if m.TopicsCount != 0 || m.AvgLengthHours != 0 {
			t.Fatalf("expected zero-valued row for empty category, got %+v", m)
		}
	}
}

func TestRecomputeExcludesTopicsOutsideWindow(t *testing.T) {
	topics := topicstore.NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 8, 2, 3, 0, 0, 0, time.UTC)

	old := &topicstore.Topic{
		TitleKey:       "old",
		Category:       strPtr("currentAffairs"),
		Status:         topicstore.TopicEnded,
		FirstSeen:      now.AddDate(-2, 0, 0),
		LastActive:     now.AddDate(-2, 0, 1),
		IntensityTotal: 99,
	}
	if err := topics.CreateTopic(ctx, old); err != nil {
		t.Fatalf("seed topic: %v", err)
	}

	metrics := NewMemoryStore()
	rec := New(topics, metrics)
	res, err := rec.Recompute(ctx, now)
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	for _, m := range res.Items {
		if m.Category == "currentAffairs" && m.TopicsCount != 0 {
			t.Fatalf("expected old topic excluded by window, got %+v", m)
		}
	}
}

func TestLengthDisplayFormatsDaysAndHours(t *testing.T) {
	cases := map[float64]string{
		0:    "0天0小时",
		5:    "0天5小时",
		26:   "1天2小时",
		48.9: "2天0小时",
	}
	for hours, want := range cases {
		if got := LengthDisplay(hours); got != want {
			t.Errorf("LengthDisplay(%v) = %q, want %q", hours, got, want)
		}
	}
}
