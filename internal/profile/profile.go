// Package profile implements the ProfileBuilder (C11): aggregates a user's
// tier-1/2 memories into a tech-stack/domain-interest/expertise/
// communication-style summary, cached for an hour.
package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/coregx/ahocorasick"

	"github.com/kittclouds/memoryd/internal/capability"
	"github.com/kittclouds/memoryd/internal/store"
)

const (
	cacheTTL  = time.Hour
	topN      = 100
	minCommunicationStyleMemories = 3
)

var techStackCues = []string{
	"go", "golang", "python", "typescript", "javascript", "rust", "java",
	"react", "vue", "svelte", "postgres", "postgresql", "mysql", "sqlite",
	"redis", "kafka", "docker", "kubernetes", "aws", "gcp", "azure",
	"terraform", "graphql", "grpc",
}

var domainInterestCues = []string{
	"machine learning", "distributed systems", "backend", "frontend",
	"devops", "security", "data engineering", "mobile development",
	"game development", "embedded systems",
}

var expertCues = []string{
	"i architected", "i built", "i maintain", "years of experience",
	"senior", "lead", "i designed", "i optimized",
}

var beginnerCues = []string{
	"i'm new to", "just started learning", "beginner", "still learning",
	"i'm trying to understand", "first time",
}

var conciseCues = []string{"just tell me", "tl;dr", "short answer", "quick question", "brief"}
var detailedCues = []string{"explain in detail", "walk me through", "deep dive", "thorough explanation", "step by step"}

func buildAutomaton(phrases []string) *ahocorasick.Automaton {
	ac, err := ahocorasick.NewBuilder().
		AddStrings(phrases).
		SetMatchKind(ahocorasick.LeftmostLongest).
		SetPrefilter(true).
		Build()
	if err != nil {
		panic("profile: cue automaton build: " + err.Error())
	}
	return ac
}

var (
	techStackAutomaton      = buildAutomaton(techStackCues)
	domainInterestAutomaton = buildAutomaton(domainInterestCues)
	expertAutomaton         = buildAutomaton(expertCues)
	beginnerAutomaton       = buildAutomaton(beginnerCues)
	conciseAutomaton        = buildAutomaton(conciseCues)
	detailedAutomaton       = buildAutomaton(detailedCues)
)

// Profile is the derived per-user summary, serialized into
// store.UserProfile.ProfileJSON.
type Profile struct {
	TechStack          []string `json:"techStack"`
	DomainInterests    []string `json:"domainInterests"`
	ExpertiseLevel     string   `json:"expertiseLevel"`
	CommunicationStyle string   `json:"communicationStyle,omitempty"`
	MemoryCount        int      `json:"memoryCount"`
}

// Store is the slice of store.SQLiteStore the ProfileBuilder needs.
type Store interface {
	TopLiveMemoriesByPriority(ctx context.Context, userID string, limit int) ([]*store.Memory, error)
	UpsertUserProfile(ctx context.Context, p *store.UserProfile) error
	GetUserProfile(ctx context.Context, userID string) (*store.UserProfile, error)
}

type cacheEntry struct {
	profile   *Profile
	expiresAt time.Time
}

// Builder is the ProfileBuilder (C11). Its in-process cache mirrors C6's
// cache.KV shape but keeps the decoded Profile rather than a string, since
// callers need the struct, not its JSON form, on a cache hit.
type Builder struct {
	store Store
	cache capability.KV
}

// New builds a ProfileBuilder against the given store and cache.
func New(st Store, cache capability.KV) *Builder {
	return &Builder{store: st, cache: cache}
}

func cacheKey(userID string) string { return "profile:" + userID }

// Get returns the cached or freshly built profile for userID, or nil if the
// user has zero T1/T2 memories (spec.md §9: null only in that case, never a
// populated-with-empty-fields profile).
func (b *Builder) Get(ctx context.Context, userID string) (*Profile, error) {
	if raw, ok, err := b.cache.Get(ctx, cacheKey(userID)); err == nil && ok {
		var p Profile
		if err := json.Unmarshal([]byte(raw), &p); err == nil {
			return &p, nil
		}
	}

	p, err := b.build(ctx, userID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, nil
	}

	encoded, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("profile: marshal: %w", err)
	}
	_ = b.cache.Set(ctx, cacheKey(userID), string(encoded), cacheTTL)
	_ = b.store.UpsertUserProfile(ctx, &store.UserProfile{
		UserID:      userID,
		ProfileJSON: string(encoded),
		LastUpdated: time.Now().Unix(),
	})
	return p, nil
}

// Invalidate drops the cached profile for userID; wired as the
// MemoryEngine's onChange hook so the next Get rebuilds from scratch.
func (b *Builder) Invalidate(ctx context.Context, userID string) {
	_ = b.cache.Del(ctx, cacheKey(userID))
}

func (b *Builder) build(ctx context.Context, userID string) (*Profile, error) {
	mems, err := b.store.TopLiveMemoriesByPriority(ctx, userID, topN)
	if err != nil {
		return nil, fmt.Errorf("profile: load memories: %w", err)
	}

	var t1t2 []*store.Memory
	for _, m := range mems {
		if m.Tier == store.TierOne || m.Tier == store.TierTwo {
			t1t2 = append(t1t2, m)
		}
	}
	if len(t1t2) == 0 {
		return nil, nil
	}

	techScore := make(map[string]float64)
	domainSeen := make(map[string]bool)
	var domains []string
	expertHits, beginnerHits := 0, 0
	conciseHits, detailedHits := 0, 0

	for _, m := range t1t2 {
		lower := strings.ToLower(m.Content)

		for _, match := range techStackAutomaton.FindAllOverlapping([]byte(lower)) {
			cue := lower[match.Start:match.End]
			techScore[cue] += m.Priority
		}

		if m.Tier == store.TierTwo {
			for _, match := range domainInterestAutomaton.FindAllOverlapping([]byte(lower)) {
				cue := lower[match.Start:match.End]
				if !domainSeen[cue] {
					domainSeen[cue] = true
					domains = append(domains, cue)
				}
			}
		}

		if len(expertAutomaton.FindAllOverlapping([]byte(lower))) > 0 {
			expertHits++
		}
		if len(beginnerAutomaton.FindAllOverlapping([]byte(lower))) > 0 {
			beginnerHits++
		}
		if len(conciseAutomaton.FindAllOverlapping([]byte(lower))) > 0 {
			conciseHits++
		}
		if len(detailedAutomaton.FindAllOverlapping([]byte(lower))) > 0 {
			detailedHits++
		}
	}

	techStack := rankedKeys(techScore)

	n := float64(len(t1t2))
	expertiseLevel := "intermediate"
	switch {
	case float64(expertHits)/n >= 0.3:
		expertiseLevel = "expert"
	case float64(beginnerHits)/n >= 0.3:
		expertiseLevel = "beginner"
	}

	var communicationStyle string
	if len(t1t2) >= minCommunicationStyleMemories {
		switch {
		case conciseHits > detailedHits:
			communicationStyle = "concise"
		case detailedHits > conciseHits:
			communicationStyle = "detailed"
		}
	}

	return &Profile{
		TechStack:          techStack,
		DomainInterests:    domains,
		ExpertiseLevel:      expertiseLevel,
		CommunicationStyle: communicationStyle,
		MemoryCount:        len(t1t2),
	}, nil
}

func rankedKeys(scores map[string]float64) []string {
	type kv struct {
		k string
		v float64
	}
	pairs := make([]kv, 0, len(scores))
	for k, v := range scores {
		pairs = append(pairs, kv{k, v})
	}
	for i := 1; i < len(pairs); i++ {
		for j := i; j > 0 && pairs[j].v > pairs[j-1].v; j-- {
			pairs[j], pairs[j-1] = pairs[j-1], pairs[j]
		}
	}
	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = p.k
	}
	return out
}
