package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStoreWithDSN(":memory:", 4)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleMemory(id, userID, threadID string, now int64) *Memory {
	return &Memory{
		ID:         id,
		UserID:     userID,
		ThreadID:   threadID,
		Content:    "prefers dark mode in all editors",
		Priority:   0.7,
		Confidence: 0.8,
		Tier:       TierTwo,
		Repeats:    1,
		ThreadSet:  []string{threadID},
		LastSeenTs: now,
		CreatedAt:  now,
		UpdatedAt:  now,
		Embedding:  []float32{0.1, 0.2, 0.3, 0.4},
	}
}

func TestCreateAndGetMemory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := sampleMemory("mem1", "user1", "thread1", 1000)
	require.NoError(t, s.CreateMemory(ctx, m))

	got, err := s.GetMemory(ctx, "user1", "mem1")
	require.NoError(t, err)
	require.Equal(t, m.Content, got.Content)
	require.Equal(t, []string{"thread1"}, got.ThreadSet)
	require.Len(t, got.Embedding, 4)
}

func TestGetMemoryWrongUserNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateMemory(ctx, sampleMemory("mem1", "user1", "thread1", 1000)))

	_, err := s.GetMemory(ctx, "user2", "mem1")
	require.Error(t, err)
}

func TestUpdateMemoryResyncsFTS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := sampleMemory("mem1", "user1", "thread1", 1000)
	require.NoError(t, s.CreateMemory(ctx, m))

	hits, err := s.FTSSearch(ctx, "user1", "dark", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	m.Content = "switched entirely to a light theme"
	m.UpdatedAt = 2000
	require.NoError(t, s.UpdateMemory(ctx, m))

	hits, err = s.FTSSearch(ctx, "user1", "dark", 10)
	require.NoError(t, err)
	require.Empty(t, hits)

	hits, err = s.FTSSearch(ctx, "user1", "theme", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
}

func TestSoftDeleteRemovesFromFTSAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateMemory(ctx, sampleMemory("mem1", "user1", "thread1", 1000)))
	require.NoError(t, s.SoftDeleteMemory(ctx, "user1", "mem1", 2000))

	_, total, err := s.ListMemories(ctx, ListMemoriesParams{UserID: "user1"})
	require.NoError(t, err)
	require.Equal(t, 0, total)

	hits, err := s.FTSSearch(ctx, "user1", "dark", 10)
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestListMemoriesFiltersByThreadAndPriority(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := sampleMemory("mem1", "user1", "threadA", 1000)
	a.Priority = 0.9
	b := sampleMemory("mem2", "user1", "threadB", 1001)
	b.Priority = 0.2
	require.NoError(t, s.CreateMemory(ctx, a))
	require.NoError(t, s.CreateMemory(ctx, b))

	list, total, err := s.ListMemories(ctx, ListMemoriesParams{UserID: "user1", ThreadID: "threadA"})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, "mem1", list[0].ID)

	list, total, err = s.ListMemories(ctx, ListMemoriesParams{UserID: "user1", HasMinPriority: true, MinPriority: 0.5})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, "mem1", list[0].ID)
}

func TestExportImportRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateMemory(ctx, sampleMemory("mem1", "user1", "thread1", 1000)))
	require.NoError(t, s.CreateAudit(ctx, &MemoryAudit{
		ID: "audit1", UserID: "user1", ThreadID: "thread1", TokenCount: 120, Score: 0.7, Saved: 1, CreatedAt: 1500,
	}))

	data, err := s.Export(ctx, "user1", 9999)
	require.NoError(t, err)
	require.NoError(t, s.SoftDeleteMemory(ctx, "user1", "mem1", 2000))

	require.NoError(t, s.Import(ctx, "user1", data))

	got, err := s.GetMemory(ctx, "user1", "mem1")
	require.NoError(t, err)
	require.True(t, got.IsLive())
}

func TestEmbeddingQueueRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnqueueEmbeddingItem(ctx, &EmbeddingQueueItem{
		ID: "q1", MemoryID: "mem1", Content: "hello", CreatedAt: 1000,
	}))

	items, err := s.NextEmbeddingQueueItems(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)

	require.NoError(t, s.MarkEmbeddingProcessed(ctx, "q1", 2000, ""))

	items, err = s.NextEmbeddingQueueItems(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, items)
}
