package profile

import (
	"context"
	"testing"

	"github.com/kittclouds/memoryd/internal/capability"
	"github.com/kittclouds/memoryd/internal/store"
)

type fakeStore struct {
	mems      []*store.Memory
	upserts   int
}

func (f *fakeStore) TopLiveMemoriesByPriority(ctx context.Context, userID string, limit int) ([]*store.Memory, error) {
	return f.mems, nil
}

func (f *fakeStore) UpsertUserProfile(ctx context.Context, p *store.UserProfile) error {
	f.upserts++
	return nil
}

func (f *fakeStore) GetUserProfile(ctx context.Context, userID string) (*store.UserProfile, error) {
	return nil, nil
}

func mem(tier store.Tier, priority float64, content string) *store.Memory {
	return &store.Memory{Tier: tier, Priority: priority, Content: content}
}

func TestGetReturnsNilForZeroT1T2Memories(t *testing.T) {
	fs := &fakeStore{mems: []*store.Memory{mem(store.TierThree, 0.5, "I like pizza on fridays")}}
	b := New(fs, capability.NewMemoryKV())
	p, err := b.Get(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p != nil {
		t.Fatalf("expected nil profile, got %+v", p)
	}
}

func TestGetAggregatesTechStackAndExpertise(t *testing.T) {
	fs := &fakeStore{mems: []*store.Memory{
		mem(store.TierOne, 0.9, "I work as a backend engineer, I architected our go services"),
		mem(store.TierOne, 0.8, "I built the go and postgres pipeline at my last job"),
		mem(store.TierTwo, 0.7, "I prefer distributed systems work over frontend"),
	}}
	b := New(fs, capability.NewMemoryKV())
	p, err := b.Get(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p == nil {
		t.Fatal("expected non-nil profile")
	}
	if len(p.TechStack) == 0 {
		t.Fatal("expected non-empty tech stack")
	}
	if p.ExpertiseLevel != "expert" {
		t.Fatalf("expected expert, got %s", p.ExpertiseLevel)
	}
	if fs.upserts != 1 {
		t.Fatalf("expected profile to be persisted once, got %d upserts", fs.upserts)
	}
}

func TestGetUsesCacheOnSecondCall(t *testing.T) {
	fs := &fakeStore{mems: []*store.Memory{
		mem(store.TierOne, 0.9, "my name is Alex and I work as a data engineer"),
	}}
	kv := capability.NewMemoryKV()
	b := New(fs, kv)
	ctx := context.Background()

	if _, err := b.Get(ctx, "u1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	fs.mems = nil // would make a rebuild return nil
	p, err := b.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p == nil {
		t.Fatal("expected cached profile to survive store going empty")
	}
}

func TestInvalidateForcesRebuild(t *testing.T) {
	fs := &fakeStore{mems: []*store.Memory{
		mem(store.TierOne, 0.9, "my name is Alex"),
	}}
	kv := capability.NewMemoryKV()
	b := New(fs, kv)
	ctx := context.Background()

	if _, err := b.Get(ctx, "u1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	b.Invalidate(ctx, "u1")
	fs.mems = nil
	p, err := b.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p != nil {
		t.Fatal("expected rebuild after invalidate to reflect empty store")
	}
}
