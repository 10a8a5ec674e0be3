// Package topicstore holds persistent Topics, their constituent TopicNodes,
// per-window PeriodHeat snapshots, rolling Summaries, and the Embedding
// table, the authoritative copy of the vectors indexed in the Vector Store.
package topicstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by GetTopic and LatestSummary when no matching row
// exists; callers use it to distinguish "nothing yet" from a real failure.
var ErrNotFound = errors.New("topicstore: not found")

type TopicStatus string

const (
	TopicActive TopicStatus = "active"
	TopicEnded  TopicStatus = "ended"
)

type CategoryMethod string

const (
	CategoryRule    CategoryMethod = "rule"
	CategoryLLM     CategoryMethod = "llm"
	CategoryDefault CategoryMethod = "default"
	CategoryManual  CategoryMethod = "manual"
)

// Topic is a persistent event accumulating clusters from multiple windows
// over days or weeks. Created by Stage 2 when a cluster has no satisfactory
// candidate; mutated only by Stage 2 (attachment) or by the classifier and
// summarizer (derived fields).
type Topic struct {
	ID                    int64
	TitleKey              string
	FirstSeen             time.Time
	LastActive            time.Time
	Status                TopicStatus
	IntensityTotal        int
	InteractionTotal      *float64
	CurrentHeatNormalized *float64
	Category              *string
	CategoryConfidence    *float64
	CategoryMethod        CategoryMethod
	CategoryUpdatedAt     *time.Time
	SummaryRef            *int64
}

// TopicNode links a topic to one source item. Created at Stage 2
// attachment; never updated.
type TopicNode struct {
	ID           int64
	TopicID      int64
	SourceItemID int64
	AppendedAt   time.Time
}

// PeriodHeat records one window's aggregated normalized heat and source
// count for a topic. Unique on (topicID, date, window); overwritten, not
// summed, on replay since Stage 2 recomputes from the full cluster.
type PeriodHeat struct {
	TopicID   int64
	Date      time.Time
	Window    string
	Heat      float64
	ItemCount int
}

type SummaryMethod string

const (
	SummaryFull        SummaryMethod = "full"
	SummaryIncremental SummaryMethod = "incremental"
	SummaryPlaceholder SummaryMethod = "placeholder"
)

// Summary is one generation of a topic's rolling summary. A topic's
// SummaryRef points at the latest row; older rows are retained as history.
type Summary struct {
	ID          int64
	TopicID     int64
	Content     string
	KeyPoints   []string
	Method      SummaryMethod
	GeneratedAt time.Time
	Provider    string
	Model       string
}

type ObjectType string

const (
	ObjectSourceItem    ObjectType = "sourceItem"
	ObjectTopicSummary  ObjectType = "topicSummary"
)

// Embedding is the relational, authoritative mirror of one Vector Store
// entry.
type Embedding struct {
	ID         int64
	ObjectType ObjectType
	ObjectID   int64
	Provider   string
	Model      string
	Vector     []float32
}

// Store persists topics and their associated rows. Every method takes a
// context and returns an error last.
type Store interface {
	CreateTopic(ctx context.Context, t *Topic) error
	GetTopic(ctx context.Context, id int64) (*Topic, error)
	UpdateTopic(ctx context.Context, t *Topic) error
	RecentlyActiveTopics(ctx context.Context, since time.Time, limit int) ([]*Topic, error)
	// TopicsByCategorySince returns every topic in category with firstSeen
	// at or after since — the category-metrics rollup's input query.
	TopicsByCategorySince(ctx context.Context, category string, since time.Time) ([]*Topic, error)

	AddNode(ctx context.Context, node *TopicNode) error
	NodesForTopic(ctx context.Context, topicID int64) ([]*TopicNode, error)

	UpsertPeriodHeat(ctx context.Context, ph *PeriodHeat) error

	InsertSummary(ctx context.Context, s *Summary) error
	LatestSummary(ctx context.Context, topicID int64) (*Summary, error)

	InsertEmbedding(ctx context.Context, e *Embedding) error
	// GetEmbedding returns the stored vector for (objType, objID, provider,
	// model), or ErrNotFound if no row exists.
	GetEmbedding(ctx context.Context, objType ObjectType, objID int64, provider, model string) (*Embedding, error)
}
