// Package categorymetrics computes the nightly per-category rollup: each
// category's topic counts, echo-duration (first_seen..last_active) stats,
// and intensity totals over a trailing window, persisted one row per
// (day, category) so a read path can serve the latest precomputed numbers
// without re-scanning the topic store. Ported from the original's
// CategoryMetricsService (category_metrics_service.py), which computes the
// same rollup per request instead of on a schedule.
package categorymetrics

import (
	"context"
	"fmt"
	"math"
	"time"

	"manifold/internal/topicstore"
)

// Categories lists the three fixed categories the classifier ever assigns,
// mirroring classifier.Category's values (kept as plain strings here to
// avoid importing the classifier package for three constants).
var Categories = []string{"entertainment", "currentAffairs", "sportsEsports"}

// DefaultWindowDays matches the original service's 365-day lookback.
const DefaultWindowDays = 365

// CategoryDayMetrics is one day's rollup for one category. Unique on
// (Day, Category); overwritten on recompute, not summed, like PeriodHeat.
type CategoryDayMetrics struct {
	ID                int64
	Day               time.Time
	Category          string
	TopicsCount       int
	TopicsActive      int
	TopicsEnded       int
	AvgLengthHours    float64
	MaxLengthHours    float64
	MinLengthHours    float64
	MaxLengthTopicID  *int64
	MinLengthTopicID  *int64
	IntensitySum      int64
	IntensityAvg      float64
}

// LengthDisplay renders an hours value as the original's "N天N小时" format.
func LengthDisplay(hours float64) string {
	if hours <= 0 {
		return "0天0小时"
	}
	days := int(hours) / 24
	remaining := int(hours) % 24
	return fmt.Sprintf("%d天%d小时", days, remaining)
}

// Store persists CategoryDayMetrics rows.
type Store interface {
	// UpsertDayMetrics writes or overwrites the row for (m.Day, m.Category).
	UpsertDayMetrics(ctx context.Context, m *CategoryDayMetrics) error
	// LatestDayMetrics returns every category's row for the most recent day
	// present, or nil if no rollup has ever run — the get_latest_precomputed_metrics
	// read path.
	LatestDayMetrics(ctx context.Context) ([]*CategoryDayMetrics, error)
}

// Recomputer drives the rollup against the topic store and persists it via
// Metrics.
type Recomputer struct {
	Topics     topicstore.Store
	Metrics    Store
	WindowDays int // default 365 when zero
}

// New builds a Recomputer with the default window.
func New(topics topicstore.Store, metrics Store) *Recomputer {
	return &Recomputer{Topics: topics, Metrics: metrics, WindowDays: DefaultWindowDays}
}

// Result summarizes one recompute invocation for the PipelineRun audit row.
type Result struct {
	Day   time.Time
	Items []*CategoryDayMetrics
}

// Recompute rolls up every category's topics with firstSeen within the
// trailing WindowDays of now, and persists one row per category for today
// (UTC midnight). Re-running on the same day overwrites the same rows,
// matching the rebuild-by-day semantics of the original's recompute_and_save_metrics.
func (r *Recomputer) Recompute(ctx context.Context, now time.Time) (*Result, error) {
	windowDays := r.WindowDays
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}
	day := now.UTC().Truncate(24 * time.Hour)
	since := day.AddDate(0, 0, -windowDays)

	res := &Result{Day: day}
	for _, category := range Categories {
		topics, err := r.Topics.TopicsByCategorySince(ctx, category, since)
		if err != nil {
			return nil, fmt.Errorf("categorymetrics: load topics for %s: %w", category, err)
		}
		m := computeMetrics(day, category, topics)
		if err := r.Metrics.UpsertDayMetrics(ctx, m); err != nil {
			return nil, fmt.Errorf("categorymetrics: save %s: %w", category, err)
		}
		res.Items = append(res.Items, m)
	}
	return res, nil
}

// computeMetrics reproduces _compute_category_metrics: echo-duration
// avg/max/min is averaged over only the topics with both firstSeen and
// lastActive set (not topicsCount), exactly as the original divides by
// len(lengths) rather than topics_count.
func computeMetrics(day time.Time, category string, topics []*topicstore.Topic) *CategoryDayMetrics {
	m := &CategoryDayMetrics{Day: day, Category: category, TopicsCount: len(topics)}
	if len(topics) == 0 {
		return m
	}

	var lengthSum float64
	var haveLength bool
	var maxHours, minHours float64
	var maxID, minID int64

	for _, t := range topics {
		switch t.Status {
		case topicstore.TopicActive:
			m.TopicsActive++
		case topicstore.TopicEnded:
			m.TopicsEnded++
		}
		m.IntensitySum += int64(t.IntensityTotal)

		if t.FirstSeen.IsZero() || t.LastActive.IsZero() {
			continue
		}
		hours := t.LastActive.Sub(t.FirstSeen).Hours()
		lengthSum += hours
		if !haveLength || hours > maxHours {
			maxHours, maxID = hours, t.ID
		}
		if !haveLength || hours < minHours {
			minHours, minID = hours, t.ID
		}
		haveLength = true
	}

	if haveLength {
		lengthCount := 0
		for _, t := range topics {
			if !t.FirstSeen.IsZero() && !t.LastActive.IsZero() {
				lengthCount++
			}
		}
		m.AvgLengthHours = round2(lengthSum / float64(lengthCount))
		m.MaxLengthHours = round2(maxHours)
		m.MinLengthHours = round2(minHours)
		m.MaxLengthTopicID = &maxID
		m.MinLengthTopicID = &minID
	}

	m.IntensityAvg = round2(float64(m.IntensitySum) / float64(m.TopicsCount))
	return m
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
