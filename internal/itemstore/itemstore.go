// Package itemstore holds the append-only table of crawled items and their
// monotonic status machine, plus the judgement log Stage 1 writes to for
// every clustering LLM call.
package itemstore

import (
	"context"
	"time"
)

// Status is a SourceItem's position in the monotonic pipeline state machine:
// pendingPeriod -> {pendingGlobal, discarded} -> merged. No item ever moves
// backward.
type Status string

const (
	StatusPendingPeriod Status = "pendingPeriod"
	StatusPendingGlobal Status = "pendingGlobal"
	StatusDiscarded     Status = "discarded"
	StatusMerged        Status = "merged"
)

// SourceItem is one crawled row. DedupKey is platform:urlHash:runId, unique
// per ingestion run rather than per URL, so the same URL across runs yields
// distinct rows and longitudinal heat tracking is possible.
type SourceItem struct {
	ID             int64
	DedupKey       string
	Platform       string
	Title          string
	Summary        *string
	URL            string
	PublishedAt    *time.Time
	FetchedAt      time.Time
	Interactions   map[string]any
	RawHeat        *float64
	NormalizedHeat *float64

	Window          string
	ClusterID       *string
	OccurrenceCount int
	Status          Status

	EmbeddingRef *int64
}

// JudgementLog records one LLM clustering or relation-judgement call,
// independent of whether it was accepted, for later audit.
type JudgementLog struct {
	ID               int64
	Stage            string // "period_merge" | "global_merge"
	Window           string
	ClusterID        string
	Prompt           string
	RawResponse      string
	Accepted         bool
	Confidence       float64
	Reason           string
	PromptTokens     int
	CompletionTokens int
	CreatedAt        time.Time
}

// Store persists SourceItems and judgement log rows. Every method takes a
// context and returns an error last.
type Store interface {
	Insert(ctx context.Context, item *SourceItem) error
	GetItem(ctx context.Context, id int64) (*SourceItem, error)
	PendingInWindow(ctx context.Context, window string, status Status) ([]*SourceItem, error)
	PendingGlobalClusters(ctx context.Context, window string) (map[string][]*SourceItem, error)

	SetNormalizedHeat(ctx context.Context, id int64, heat float64) error
	SetCluster(ctx context.Context, id int64, clusterID string, occurrenceCount int, status Status) error
	SetEmbeddingRef(ctx context.Context, id int64, embeddingID int64) error
	MarkMerged(ctx context.Context, ids []int64) error

	InsertJudgement(ctx context.Context, log *JudgementLog) error
}
