// Package heat implements the per-window heat normalizer: per-platform
// min-max scaling, platform-weight multiplication, and a final
// window-wide renormalization so the window's total heat sums to 1.0.
package heat

import (
	"context"
	"fmt"

	"manifold/internal/itemstore"
)

// DefaultHeat is assigned when a platform group has no usable rawHeat at
// all, or to individual items with a null rawHeat inside a group that does.
const DefaultHeat = 0.5

// Normalize computes normalizedHeat for every pendingPeriod item in window,
// persists it via store, and returns the id->heat map it wrote. Replaying
// the same window recomputes identical values (idempotent).
func Normalize(ctx context.Context, store itemstore.Store, window string, platformWeights map[string]float64) (map[int64]float64, error) {
	items, err := store.PendingInWindow(ctx, window, itemstore.StatusPendingPeriod)
	if err != nil {
		return nil, fmt.Errorf("heat: load pending items: %w", err)
	}
	if len(items) == 0 {
		return map[int64]float64{}, nil
	}

	byPlatform := map[string][]*itemstore.SourceItem{}
	for _, it := range items {
		byPlatform[it.Platform] = append(byPlatform[it.Platform], it)
	}

	weightSum := 0.0
	resolvedWeight := make(map[string]float64, len(byPlatform))
	for platform := range byPlatform {
		w := platformWeights[platform]
		if w == 0 {
			w = 1.0
		}
		resolvedWeight[platform] = w
		weightSum += w
	}
	if weightSum == 0 {
		weightSum = 1.0
	}

	raw := make(map[int64]float64, len(items))
	for platform, group := range byPlatform {
		minV, maxV, anyHeat := minMax(group)
		for _, it := range group {
			var v float64
			switch {
			case !anyHeat || it.RawHeat == nil:
				v = DefaultHeat
			case maxV == minV:
				v = DefaultHeat
			default:
				v = (*it.RawHeat - minV) / (maxV - minV)
			}
			raw[it.ID] = v * (resolvedWeight[platform] / weightSum)
		}
	}

	total := 0.0
	for _, v := range raw {
		total += v
	}
	out := make(map[int64]float64, len(raw))
	for id, v := range raw {
		final := DefaultHeat
		if total > 0 {
			final = v / total
		}
		out[id] = final
	}

	for id, v := range out {
		if err := store.SetNormalizedHeat(ctx, id, v); err != nil {
			return nil, fmt.Errorf("heat: persist normalized heat for item %d: %w", id, err)
		}
	}
	return out, nil
}

func minMax(group []*itemstore.SourceItem) (min, max float64, anyHeat bool) {
	first := true
	for _, it := range group {
		if it.RawHeat == nil {
			continue
		}
		anyHeat = true
		v := *it.RawHeat
		if first {
			min, max = v, v
			first = false
			continue
		}
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, max, anyHeat
}
