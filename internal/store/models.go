// Package store provides the durable single-writer relational store for
// memoryd: memories, audits, thread summaries, user profiles, and the
// embedding work queue, backed by SQLite (WAL mode) with an FTS5 index
// and a sqlite-vec virtual table for nearest-neighbor embedding lookups.
package store

// Tier is the coarse retention class of a Memory.
type Tier string

const (
	TierOne   Tier = "T1" // cross-thread-worthy: identity, durable facts
	TierTwo   Tier = "T2" // preferences / goals
	TierThree Tier = "T3" // general
)

// Memory is a stored fact, as specified in spec.md §3.
type Memory struct {
	ID                 string
	UserID             string
	ThreadID           string // thread of origin
	Content            string
	Entities           []string          // optional serialized list
	Priority           float64
	Confidence         float64
	RedactionMap       map[string]string // optional reversible mapping
	Tier               Tier
	SourceThreadID     string
	Repeats            int
	ThreadSet          []string // set of thread ids this memory was observed in
	LastSeenTs         int64
	CreatedAt          int64
	UpdatedAt          int64
	DeletedAt          *int64
	Embedding          []float32
	EmbeddingUpdatedAt *int64
	// DecayWeeksApplied is the floor(ageWeeks) value the retention engine
	// last decayed against; it lets decay be idempotent within the same
	// week without bumping UpdatedAt (spec.md §9 "decay idempotence").
	DecayWeeksApplied int
}

// IsLive reports whether the memory is visible to recall/list/FTS.
func (m *Memory) IsLive() bool { return m.DeletedAt == nil }

// MemoryAudit records one audit run over a thread.
type MemoryAudit struct {
	ID         string
	UserID     string
	ThreadID   string
	StartMsgID string
	EndMsgID   string
	TokenCount int
	Score      float64
	Saved      int
	CreatedAt  int64
}

// ThreadSummary is an optional LLM-produced summary per thread.
type ThreadSummary struct {
	ThreadID  string
	UserID    string
	Summary   string
	UpdatedAt int64
	Deleted   bool
}

// UserProfile is the derived per-user profile blob, cached in the store so
// a cold-started process does not have to rebuild it before first serving
// GET /v1/profile.
type UserProfile struct {
	UserID      string
	ProfileJSON string
	LastUpdated int64
}

// EmbeddingQueueItem is a persistent queue row for deferred embedding
// generation, used when the embedding provider is unavailable or not
// configured at write time.
type EmbeddingQueueItem struct {
	ID          string
	MemoryID    string
	Content     string
	RetryCount  int
	CreatedAt   int64
	ProcessedAt *int64
	Error       string
}

// ListMemoriesParams filters the memory list endpoint.
type ListMemoriesParams struct {
	UserID         string
	ThreadID       string
	MinPriority    float64
	HasMinPriority bool
	IncludeDeleted bool
	Limit          int
	Offset         int
}
