package embedding

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kittclouds/memoryd/internal/capability"
	"github.com/kittclouds/memoryd/internal/store"
)

type fakeEmbeddingStore struct {
	embeddings map[string][]float32
	queue      map[string]*store.EmbeddingQueueItem
}

func newFakeEmbeddingStore() *fakeEmbeddingStore {
	return &fakeEmbeddingStore{
		embeddings: map[string][]float32{},
		queue:      map[string]*store.EmbeddingQueueItem{},
	}
}

func (f *fakeEmbeddingStore) SetEmbedding(ctx context.Context, memoryID string, vec []float32, now int64) error {
	f.embeddings[memoryID] = vec
	return nil
}

func (f *fakeEmbeddingStore) EnqueueEmbeddingItem(ctx context.Context, item *store.EmbeddingQueueItem) error {
	cp := *item
	f.queue[item.ID] = &cp
	return nil
}

func (f *fakeEmbeddingStore) NextEmbeddingQueueItems(ctx context.Context, limit int) ([]*store.EmbeddingQueueItem, error) {
	var out []*store.EmbeddingQueueItem
	for _, it := range f.queue {
		if it.ProcessedAt == nil {
			out = append(out, it)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeEmbeddingStore) MarkEmbeddingProcessed(ctx context.Context, id string, now int64, errMsg string) error {
	it, ok := f.queue[id]
	if !ok {
		return nil
	}
	if errMsg == "" {
		n := now
		it.ProcessedAt = &n
		return nil
	}
	it.RetryCount++
	it.Error = errMsg
	return nil
}

func (f *fakeEmbeddingStore) FinalizeEmbeddingItem(ctx context.Context, id string, now int64, errMsg string) error {
	it, ok := f.queue[id]
	if !ok {
		return nil
	}
	n := now
	it.ProcessedAt = &n
	it.RetryCount++
	it.Error = errMsg
	return nil
}

type failingProvider struct{ dim int }

func (f failingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.New("provider down")
}

func (f failingProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, errors.New("provider down")
}

func (f failingProvider) Dim() int { return f.dim }

// TestWorkerFinalizesAfterMaxRetries exercises the spec.md §4.6 requirement
// that a queue item which keeps failing is eventually marked processed
// (with an error) instead of looping forever.
func TestWorkerFinalizesAfterMaxRetries(t *testing.T) {
	st := newFakeEmbeddingStore()
	svc := New(failingProvider{dim: 4}, capability.NewMemoryKV(), st, 4)
	ctx := context.Background()

	require.NoError(t, st.EnqueueEmbeddingItem(ctx, &store.EmbeddingQueueItem{
		ID: "q1", MemoryID: "mem1", Content: "hello world", CreatedAt: 1000,
	}))

	for i := 0; i < maxRetries; i++ {
		svc.RunWorkerOnce(ctx, int64(1000+i))
		item := st.queue["q1"]
		require.Nil(t, item.ProcessedAt, "item must remain pending while under the retry budget")
	}

	svc.RunWorkerOnce(ctx, 9999)
	item := st.queue["q1"]
	require.NotNil(t, item.ProcessedAt, "item must be finalized once retries are exhausted")
	require.NotEmpty(t, item.Error)

	// A further tick must not pick the finalized item back up.
	items, err := st.NextEmbeddingQueueItems(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestGetOrGenerateQueuesOnFailure(t *testing.T) {
	st := newFakeEmbeddingStore()
	svc := New(failingProvider{dim: 4}, capability.NewMemoryKV(), st, 4)
	ctx := context.Background()

	vec := svc.GetOrGenerate(ctx, "mem1", nil, "some content", 1000)
	require.Nil(t, vec)
	require.Len(t, st.queue, 1)
}

func TestGetOrGeneratePrefersExisting(t *testing.T) {
	st := newFakeEmbeddingStore()
	svc := New(failingProvider{dim: 4}, capability.NewMemoryKV(), st, 4)
	ctx := context.Background()

	existing := []float32{0.1, 0.2, 0.3, 0.4}
	vec := svc.GetOrGenerate(ctx, "mem1", existing, "some content", 1000)
	require.Equal(t, existing, vec)
	require.Empty(t, st.queue)
}
