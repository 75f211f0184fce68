package engine

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kittclouds/memoryd/internal/store"
)

type fakeStore struct {
	byID map[string]*store.Memory
}

func newFakeStore(mems ...*store.Memory) *fakeStore {
	fs := &fakeStore{byID: map[string]*store.Memory{}}
	for _, m := range mems {
		fs.byID[m.ID] = m
	}
	return fs
}

func (f *fakeStore) CreateMemory(ctx context.Context, m *store.Memory) error {
	f.byID[m.ID] = m
	return nil
}

func (f *fakeStore) GetMemory(ctx context.Context, userID, id string) (*store.Memory, error) {
	m, ok := f.byID[id]
	if !ok || m.UserID != userID {
		return nil, sql.ErrNoRows
	}
	return m, nil
}

func (f *fakeStore) UpdateMemory(ctx context.Context, m *store.Memory) error {
	f.byID[m.ID] = m
	return nil
}

func (f *fakeStore) SoftDeleteMemory(ctx context.Context, userID, id string, now int64) error {
	if m, ok := f.byID[id]; ok {
		m.DeletedAt = &now
	}
	return nil
}

func (f *fakeStore) ListMemories(ctx context.Context, p store.ListMemoriesParams) ([]*store.Memory, int, error) {
	var out []*store.Memory
	for _, m := range f.byID {
		if m.UserID == p.UserID {
			out = append(out, m)
		}
	}
	return out, len(out), nil
}

func (f *fakeStore) LiveMemoriesWithEmbeddings(ctx context.Context, userID string, limit int) ([]*store.Memory, error) {
	var out []*store.Memory
	for _, m := range f.byID {
		if m.UserID == userID && m.IsLive() && len(m.Embedding) > 0 {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) RecentLiveMemories(ctx context.Context, userID string, limit int) ([]*store.Memory, error) {
	var out []*store.Memory
	for _, m := range f.byID {
		if m.UserID == userID && m.IsLive() {
			out = append(out, m)
		}
	}
	return out, nil
}

func TestCreateOrSupercedeCreatesWhenNoMatch(t *testing.T) {
	fs := newFakeStore()
	eng := New(fs, nil, nil)

	m, superceded, err := eng.CreateOrSupercede(context.Background(), CreateInput{
		UserID: "u1", ThreadID: "t1", Content: "I live in Seattle", Priority: 0.8, Confidence: 0.8, Now: 1000,
	})
	require.NoError(t, err)
	require.False(t, superceded)
	require.Equal(t, "I live in Seattle", m.Content)
}

func TestCreateOrSupercedeMergesSimilarRestatement(t *testing.T) {
	fs := newFakeStore()
	eng := New(fs, nil, nil)
	ctx := context.Background()

	first, _, err := eng.CreateOrSupercede(ctx, CreateInput{
		UserID: "u1", ThreadID: "t1", Content: "my favorite color is blue", Priority: 0.5, Confidence: 0.5, Now: 1000,
	})
	require.NoError(t, err)

	second, superceded, err := eng.CreateOrSupercede(ctx, CreateInput{
		UserID: "u1", ThreadID: "t2", Content: "my favorite color is green", Priority: 0.9, Confidence: 0.9, Now: 2000,
	})
	require.NoError(t, err)
	require.True(t, superceded)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, "my favorite color is green", second.Content)
	require.Equal(t, 2, second.Repeats)
	require.ElementsMatch(t, []string{"t1", "t2"}, second.ThreadSet)
}

func TestSupercedeKeepsHigherPriority(t *testing.T) {
	fs := newFakeStore()
	eng := New(fs, nil, nil)
	ctx := context.Background()

	eng.CreateOrSupercede(ctx, CreateInput{
		UserID: "u1", ThreadID: "t1", Content: "my favorite color is blue", Priority: 0.9, Confidence: 0.9, Now: 1000,
	})
	m, _, err := eng.CreateOrSupercede(ctx, CreateInput{
		UserID: "u1", ThreadID: "t2", Content: "my favorite color is green", Priority: 0.2, Confidence: 0.2, Now: 2000,
	})
	require.NoError(t, err)
	require.Equal(t, 0.9, m.Priority)
}

func TestUnrelatedContentDoesNotMerge(t *testing.T) {
	fs := newFakeStore()
	eng := New(fs, nil, nil)
	ctx := context.Background()

	eng.CreateOrSupercede(ctx, CreateInput{
		UserID: "u1", ThreadID: "t1", Content: "my favorite color is blue", Priority: 0.5, Confidence: 0.5, Now: 1000,
	})
	_, superceded, err := eng.CreateOrSupercede(ctx, CreateInput{
		UserID: "u1", ThreadID: "t1", Content: "I work as a backend engineer at a startup", Priority: 0.5, Confidence: 0.5, Now: 1000,
	})
	require.NoError(t, err)
	require.False(t, superceded)
}

func TestPatchUpdatesContentAndResetsDecayAnchor(t *testing.T) {
	fs := newFakeStore()
	eng := New(fs, nil, nil)
	ctx := context.Background()

	m, _, err := eng.CreateOrSupercede(ctx, CreateInput{
		UserID: "u1", ThreadID: "t1", Content: "original content", Priority: 0.5, Confidence: 0.5, Now: 1000,
	})
	require.NoError(t, err)
	m.DecayWeeksApplied = 4

	newContent := "edited content"
	patched, err := eng.Patch(ctx, "u1", m.ID, PatchInput{Content: &newContent, Now: 2000})
	require.NoError(t, err)
	require.Equal(t, "edited content", patched.Content)
	require.Equal(t, 0, patched.DecayWeeksApplied)
}

func TestPatchSoftDelete(t *testing.T) {
	fs := newFakeStore()
	eng := New(fs, nil, nil)
	ctx := context.Background()

	m, _, err := eng.CreateOrSupercede(ctx, CreateInput{
		UserID: "u1", ThreadID: "t1", Content: "delete me", Priority: 0.5, Confidence: 0.5, Now: 1000,
	})
	require.NoError(t, err)

	deleted := true
	patched, err := eng.Patch(ctx, "u1", m.ID, PatchInput{Deleted: &deleted, Now: 2000})
	require.NoError(t, err)
	require.NotNil(t, patched.DeletedAt)
}

func TestCrossThreadObserveBumpsRepeatsAndThreadSet(t *testing.T) {
	fs := newFakeStore()
	eng := New(fs, nil, nil)
	ctx := context.Background()

	m, _, err := eng.CreateOrSupercede(ctx, CreateInput{
		UserID: "u1", ThreadID: "t1", Content: "observed memory", Priority: 0.5, Confidence: 0.5, Now: 1000,
	})
	require.NoError(t, err)

	observed, err := eng.CrossThreadObserve(ctx, "u1", m.ID, "t2", 2000)
	require.NoError(t, err)
	require.Equal(t, 2, observed.Repeats)
	require.ElementsMatch(t, []string{"t1", "t2"}, observed.ThreadSet)
}

func TestOnChangeNotifiesOnlyForT1AndT2(t *testing.T) {
	fs := newFakeStore()
	var notified []store.Tier
	eng := New(fs, nil, func(userID string, tier store.Tier) { notified = append(notified, tier) })
	ctx := context.Background()

	eng.CreateOrSupercede(ctx, CreateInput{
		UserID: "u1", ThreadID: "t1", Content: "a T3 memory, no explicit tier", Priority: 0.5, Confidence: 0.5, Tier: store.TierThree, Now: 1000,
	})
	eng.CreateOrSupercede(ctx, CreateInput{
		UserID: "u1", ThreadID: "t1", Content: "a T1 memory", Priority: 0.5, Confidence: 0.5, Tier: store.TierOne, Explicit: true, Now: 1000,
	})
	require.Equal(t, []store.Tier{store.TierOne}, notified)
}
