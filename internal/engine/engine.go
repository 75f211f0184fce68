// Package engine implements the MemoryEngine (C7): CRUD over memories plus
// the dedup/supercede algorithm, cross-thread observation, and FTS sync.
package engine

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/kittclouds/memoryd/internal/apperr"
	"github.com/kittclouds/memoryd/internal/scoring"
	"github.com/kittclouds/memoryd/internal/store"
)

const (
	supercedeThreshold = 0.75 // tau
	duplicateThreshold = 0.85 // embedding cosine match threshold
	recentScanLimit    = 50
)

// Store is the slice of store.SQLiteStore the MemoryEngine needs.
type Store interface {
	CreateMemory(ctx context.Context, m *store.Memory) error
	GetMemory(ctx context.Context, userID, id string) (*store.Memory, error)
	UpdateMemory(ctx context.Context, m *store.Memory) error
	SoftDeleteMemory(ctx context.Context, userID, id string, now int64) error
	ListMemories(ctx context.Context, p store.ListMemoriesParams) ([]*store.Memory, int, error)
	LiveMemoriesWithEmbeddings(ctx context.Context, userID string, limit int) ([]*store.Memory, error)
	RecentLiveMemories(ctx context.Context, userID string, limit int) ([]*store.Memory, error)
}

// Embedder is the narrow slice of the embedding service the engine needs
// to find a candidate's nearest live memory.
type Embedder interface {
	Generate(ctx context.Context, text string) ([]float32, error)
}

// Engine is the MemoryEngine (C7).
type Engine struct {
	store    Store
	embedder Embedder
	onChange func(userID string, tier store.Tier) // ProfileBuilder cache invalidation hook
}

// New builds a MemoryEngine. onChange, if non-nil, is called after every
// create/supercede/cross-thread-observe touching a T1 or T2 memory, so the
// ProfileBuilder can invalidate its cache.
func New(st Store, embedder Embedder, onChange func(userID string, tier store.Tier)) *Engine {
	return &Engine{store: st, embedder: embedder, onChange: onChange}
}

func (e *Engine) notify(userID string, tier store.Tier) {
	if e.onChange != nil && (tier == store.TierOne || tier == store.TierTwo) {
		e.onChange(userID, tier)
	}
}

// CreateInput describes a candidate memory write, from either the audit
// path or an explicit POST /v1/memories.
type CreateInput struct {
	UserID       string
	ThreadID     string
	Content      string
	Priority     float64
	Confidence   float64
	Tier         store.Tier // zero value means "let the classifier decide"
	Explicit     bool       // true for POST /v1/memories (defaults to T1)
	Now          int64
	RedactionMap map[string]string // placeholder -> original value, for owner-visible un-redaction
}

// CreateOrSupercede implements spec.md §4.7's similarity/supercede
// algorithm: find a matching live memory for the user and update it in
// place, or insert a new row.
func (e *Engine) CreateOrSupercede(ctx context.Context, in CreateInput) (*store.Memory, bool, error) {
	tier := in.Tier
	if tier == "" {
		if in.Explicit {
			tier = store.TierOne
		} else {
			tier = store.TierThree
		}
	}

	match, err := e.findMatch(ctx, in.UserID, in.Content)
	if err != nil {
		return nil, false, err
	}

	if match != nil {
		superceded, err := e.supercede(ctx, match, in)
		if err != nil {
			return nil, false, err
		}
		e.notify(in.UserID, superceded.Tier)
		return superceded, true, nil
	}

	m := &store.Memory{
		ID:           uuid.NewString(),
		UserID:       in.UserID,
		ThreadID:     in.ThreadID,
		Content:      in.Content,
		Priority:     in.Priority,
		Confidence:   in.Confidence,
		Tier:         tier,
		Repeats:      1,
		ThreadSet:    []string{in.ThreadID},
		LastSeenTs:   in.Now,
		CreatedAt:    in.Now,
		UpdatedAt:    in.Now,
		RedactionMap: in.RedactionMap,
	}
	if e.embedder != nil {
		if v, err := e.embedder.Generate(ctx, in.Content); err == nil {
			m.Embedding = v
			m.EmbeddingUpdatedAt = &in.Now
		}
	}
	if err := e.store.CreateMemory(ctx, m); err != nil {
		return nil, false, fmt.Errorf("engine: create memory: %w", err)
	}
	e.notify(in.UserID, m.Tier)
	return m, false, nil
}

func (e *Engine) supercede(ctx context.Context, existing *store.Memory, in CreateInput) (*store.Memory, error) {
	existing.Content = in.Content
	existing.RedactionMap = in.RedactionMap
	existing.UpdatedAt = in.Now
	existing.DecayWeeksApplied = 0
	existing.LastSeenTs = in.Now
	existing.Repeats++
	if !containsString(existing.ThreadSet, in.ThreadID) {
		existing.ThreadSet = append(existing.ThreadSet, in.ThreadID)
	}
	if in.Priority > existing.Priority {
		existing.Priority = in.Priority
	}
	if in.Explicit && in.Tier != "" {
		existing.Tier = in.Tier
	}
	if e.embedder != nil {
		if v, err := e.embedder.Generate(ctx, in.Content); err == nil {
			existing.Embedding = v
			existing.EmbeddingUpdatedAt = &in.Now
		}
	}
	if err := e.store.UpdateMemory(ctx, existing); err != nil {
		return nil, fmt.Errorf("engine: supercede: %w", err)
	}
	return existing, nil
}

// findMatch runs the three-step similarity search of spec.md §4.7.
func (e *Engine) findMatch(ctx context.Context, userID, content string) (*store.Memory, error) {
	if e.embedder != nil {
		if candidateVec, err := e.embedder.Generate(ctx, content); err == nil {
			pool, err := e.store.LiveMemoriesWithEmbeddings(ctx, userID, 100)
			if err == nil {
				if best := nearestByCosine(candidateVec, pool); best != nil {
					return best, nil
				}
			}
		}
	}

	pool, err := e.store.RecentLiveMemories(ctx, userID, recentScanLimit)
	if err != nil {
		return nil, fmt.Errorf("engine: recent memories: %w", err)
	}

	candidateTopic := detectTopic(content)
	if candidateTopic != "" {
		for _, m := range pool {
			if detectTopic(m.Content) == candidateTopic {
				if textualSimilarity(content, m.Content) >= supercedeThreshold {
					return m, nil
				}
			}
		}
	}

	var best *store.Memory
	bestScore := 0.0
	for _, m := range pool {
		s := textualSimilarity(content, m.Content)
		if s >= supercedeThreshold && s > bestScore {
			best, bestScore = m, s
		}
	}
	return best, nil
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func nearestByCosine(query []float32, pool []*store.Memory) *store.Memory {
	var best *store.Memory
	bestSim := -1.0
	for _, m := range pool {
		sim := cosine(query, m.Embedding)
		if sim > bestSim {
			best, bestSim = m, sim
		}
	}
	if bestSim >= duplicateThreshold {
		return best
	}
	return nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

var topicPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)my (\w+(?:\s\w+){0,2}) is (.+)`),
	regexp.MustCompile(`(?i)^i (am|work as|live in|prefer|like|love|hate|want to|plan to) (.+)`),
}

// detectTopic extracts a coarse "subject" from content using the regex
// topic detector required by spec.md §4.7 when no embedder is available.
// Two candidate memories sharing a topic are considered comparable even
// if their exact wording differs ("my favorite color is blue" / "...is
// green" share the topic "favorite color").
func DetectTopicForDedup(content string) string { return detectTopic(content) }

func detectTopic(content string) string {
	for _, re := range topicPatterns {
		if m := re.FindStringSubmatch(content); m != nil {
			return strings.ToLower(strings.TrimSpace(m[1]))
		}
	}
	return ""
}

// textualSimilarity implements spec.md §4.7's fallback scoring: exact
// match = 1.0, containment = 0.9, else a 0.7*Jaccard-keyword +
// 0.3*length-ratio blend.
func textualSimilarity(a, b string) float64 {
	la, lb := strings.ToLower(strings.TrimSpace(a)), strings.ToLower(strings.TrimSpace(b))
	if la == lb {
		return 1.0
	}
	if strings.Contains(la, lb) || strings.Contains(lb, la) {
		return 0.9
	}

	wa := tokenSet(la)
	wb := tokenSet(lb)
	jaccard := jaccardSimilarity(wa, wb)

	lenA, lenB := len(la), len(lb)
	lengthRatio := 1.0
	if lenA != 0 || lenB != 0 {
		longer, shorter := float64(lenA), float64(lenB)
		if longer < shorter {
			longer, shorter = shorter, longer
		}
		if longer > 0 {
			lengthRatio = shorter / longer
		}
	}

	return 0.7*jaccard + 0.3*lengthRatio
}

func tokenSet(s string) map[string]struct{} {
	fields := strings.Fields(s)
	out := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		out[f] = struct{}{}
	}
	return out
}

func jaccardSimilarity(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// CrossThreadObserve appends threadID to an existing memory's threadSet
// (if new), bumps repeats, and updates lastSeenTs/updatedAt.
func (e *Engine) CrossThreadObserve(ctx context.Context, userID, memoryID, threadID string, now int64) (*store.Memory, error) {
	m, err := e.store.GetMemory(ctx, userID, memoryID)
	if err != nil {
		return nil, apperr.NotFound("memory not found")
	}
	if !containsString(m.ThreadSet, threadID) {
		m.ThreadSet = append(m.ThreadSet, threadID)
	}
	m.Repeats++
	m.LastSeenTs = now
	m.UpdatedAt = now
	m.DecayWeeksApplied = 0
	if err := e.store.UpdateMemory(ctx, m); err != nil {
		return nil, fmt.Errorf("engine: cross-thread observe: %w", err)
	}
	e.notify(userID, m.Tier)
	return m, nil
}

// Get fetches a single memory scoped to userID.
func (e *Engine) Get(ctx context.Context, userID, id string) (*store.Memory, error) {
	m, err := e.store.GetMemory(ctx, userID, id)
	if err != nil {
		return nil, apperr.NotFound("memory not found")
	}
	return m, nil
}

// List returns a page of a user's memories.
func (e *Engine) List(ctx context.Context, p store.ListMemoriesParams) ([]*store.Memory, int, error) {
	return e.store.ListMemories(ctx, p)
}

// PatchInput describes a PATCH /v1/memories/:id request.
type PatchInput struct {
	Content  *string
	Priority *float64
	Deleted  *bool
	Now      int64
}

// Patch updates content/priority or soft-deletes a memory. Content
// updates re-sync FTS and re-enqueue embedding generation (handled by the
// caller via the returned memory's content).
func (e *Engine) Patch(ctx context.Context, userID, id string, p PatchInput) (*store.Memory, error) {
	m, err := e.store.GetMemory(ctx, userID, id)
	if err != nil {
		return nil, apperr.NotFound("memory not found")
	}

	if p.Deleted != nil && *p.Deleted {
		if err := e.store.SoftDeleteMemory(ctx, userID, id, p.Now); err != nil {
			return nil, fmt.Errorf("engine: patch delete: %w", err)
		}
		now := p.Now
		m.DeletedAt = &now
		return m, nil
	}

	changed := false
	if p.Content != nil && *p.Content != m.Content {
		m.Content = *p.Content
		m.Embedding = nil
		m.EmbeddingUpdatedAt = nil
		if e.embedder != nil {
			if v, err := e.embedder.Generate(ctx, m.Content); err == nil {
				m.Embedding = v
				m.EmbeddingUpdatedAt = &p.Now
			}
		}
		changed = true
	}
	if p.Priority != nil {
		m.Priority = *p.Priority
		changed = true
	}
	if changed {
		m.UpdatedAt = p.Now
		m.DecayWeeksApplied = 0
		if err := e.store.UpdateMemory(ctx, m); err != nil {
			return nil, fmt.Errorf("engine: patch update: %w", err)
		}
		e.notify(userID, m.Tier)
	}
	return m, nil
}

// DetectTierFromScorer exposes scoring.Tier -> store.Tier conversion so
// callers assembling a CreateInput from a Scorer result don't need to
// duplicate the mapping.
func DetectTierFromScorer(t scoring.Tier) store.Tier {
	return store.Tier(t)
}
