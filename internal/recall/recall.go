// Package recall implements the RecallEngine (C10): deadline-bounded
// hybrid search (semantic + keyword/FTS), re-ranking, and post-dedup.
package recall

import (
	"context"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/kittclouds/memoryd/internal/engine"
	"github.com/kittclouds/memoryd/internal/query"
	"github.com/kittclouds/memoryd/internal/store"
)

const (
	minMaxItems   = 1
	maxMaxItems   = 20
	minDeadlineMs = 1
	maxDeadlineMs = 500

	semanticDedupThreshold = 0.85
	semanticCandidatePool  = 100
)

// SearchType reports which retrieval path actually contributed results.
type SearchType string

const (
	SearchHybrid  SearchType = "hybrid"
	SearchKeyword SearchType = "keyword"
)

// Embedder is the narrow embedding slice RecallEngine needs for the
// semantic pass.
type Embedder interface {
	Generate(ctx context.Context, text string) ([]float32, error)
}

// Store is the slice of store.SQLiteStore the recall engine needs.
type Store interface {
	LiveMemoriesWithEmbeddings(ctx context.Context, userID string, limit int) ([]*store.Memory, error)
	FTSSearch(ctx context.Context, userID, ftsQuery string, limit int) ([]store.FTSHit, error)
	LikeSearch(ctx context.Context, userID string, terms []string, limit int) ([]*store.Memory, error)
	GetMemoriesByIDs(ctx context.Context, userID string, ids []string) ([]*store.Memory, error)
	NearestVectors(ctx context.Context, userID string, query []float32, k int) ([]store.VectorHit, error)
}

// Request is a recall call's parameters, already clamped.
type Request struct {
	UserID       string
	ThreadID     string
	Query        string
	MaxItems     int
	DeadlineMs   int
	ExpansionMode query.ExpansionMode
}

// Clamp bounds MaxItems to [1,20] and DeadlineMs to [1,500], per spec.md §6.
func (r *Request) Clamp() {
	if r.MaxItems < minMaxItems {
		r.MaxItems = 5
	}
	if r.MaxItems > maxMaxItems {
		r.MaxItems = maxMaxItems
	}
	if r.DeadlineMs < minDeadlineMs {
		r.DeadlineMs = 200
	}
	if r.DeadlineMs > maxDeadlineMs {
		r.DeadlineMs = maxDeadlineMs
	}
}

// Result is one ranked memory in a recall response.
type Result struct {
	Memory *store.Memory
	Score  float64
}

// Response is the full recall result.
type Response struct {
	Memories   []Result
	Count      int
	ElapsedMs  int64
	TimedOut   bool
	SearchType SearchType
}

// Engine is the RecallEngine (C10).
type Engine struct {
	store    Store
	embedder Embedder
}

// New builds a RecallEngine.
func New(st Store, embedder Embedder) *Engine {
	return &Engine{store: st, embedder: embedder}
}

type scored struct {
	memory       *store.Memory
	sem          float64
	kw           float64
	phraseBoost  float64
	posBoost     float64
}

// Recall runs the full hybrid algorithm of spec.md §4.10, bounded by
// req.DeadlineMs.
func (e *Engine) Recall(ctx context.Context, req Request) Response {
	req.Clamp()
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, time.Duration(req.DeadlineMs)*time.Millisecond)
	defer cancel()

	params := query.ParamsFor(req.ExpansionMode)
	processed := query.Process(req.Query)

	candidates := make(map[string]*scored)
	searchType := SearchKeyword

	// Semantic pass: prefer the vec0 k-NN index (sqlite-vec) to narrow the
	// candidate set before scoring; fall back to an in-process cosine scan
	// over every embedded memory when vec0 errors (e.g. extension not
	// loaded), per spec.md's required LIKE-fallback-style resilience.
	if e.embedder != nil && strings.TrimSpace(req.Query) != "" {
		if qvec, err := e.embedder.Generate(ctx, req.Query); err == nil {
			pool, err := e.vectorCandidates(ctx, req.UserID, qvec)
			if err == nil {
				for _, m := range pool {
					if ctx.Err() != nil {
						break
					}
					sim := cosineSim(qvec, m.Embedding)
					if sim >= params.SemanticThreshold {
						candidates[m.ID] = &scored{memory: m, sem: sim}
						searchType = SearchHybrid
					}
				}
			}
		}
	}

	// Keyword pass.
	if ctx.Err() == nil {
		ftsQuery := query.FTSQuery(processed)
		limit := req.MaxItems * 4
		if ftsQuery != "" {
			if hits, err := e.store.FTSSearch(ctx, req.UserID, ftsQuery, limit); err == nil {
				if len(hits) == 0 {
					e.likeFallback(ctx, req, processed, candidates, limit)
				} else {
					e.mergeFTSHits(ctx, req, hits, candidates)
				}
			} else {
				e.likeFallback(ctx, req, processed, candidates, limit)
			}
		}
	}

	timedOut := ctx.Err() != nil

	results := make([]*scored, 0, len(candidates))
	for _, c := range candidates {
		results = append(results, c)
	}

	for _, c := range results {
		c.phraseBoost = phraseBoost(processed, c.memory.Content)
		c.posBoost = positionBoost(processed, c.memory.Content)
	}

	now := time.Now()
	out := make([]ranked, 0, len(results))
	for _, c := range results {
		combined := c.sem*params.WeightSemantic + c.kw*params.WeightKeyword
		boosted := combined * c.phraseBoost * c.posBoost * tierBoost(c.memory.Tier) * priorityBoost(c.memory.Priority) * recencyBoost(c.memory, now)
		if boosted > 1.0 {
			boosted = 1.0
		}
		if req.ExpansionMode == query.ModeStrict && c.sem > 0 && c.kw == 0 {
			continue // strict mode rejects memories with no keyword/phrase overlap
		}
		// A candidate surfaced by keyword overlap alone (kw > 0) still passes
		// strict mode even when the overlap is a single incidental term; this
		// filter only guards the semantic-only path above.
		out = append(out, ranked{m: c.memory, score: boosted})
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.score != b.score {
			return a.score > b.score
		}
		aRecent := now.Sub(time.Unix(a.m.UpdatedAt, 0)) < 24*time.Hour
		bRecent := now.Sub(time.Unix(b.m.UpdatedAt, 0)) < 24*time.Hour
		if aRecent != bRecent {
			return aRecent
		}
		if a.m.UpdatedAt != b.m.UpdatedAt {
			return a.m.UpdatedAt > b.m.UpdatedAt
		}
		if a.m.Tier != b.m.Tier {
			return tierRank(a.m.Tier) < tierRank(b.m.Tier)
		}
		return a.m.Priority > b.m.Priority
	})

	out = filterIncomplete(out)
	out = dedup(out)

	if len(out) > req.MaxItems {
		out = out[:req.MaxItems]
	}

	final := make([]Result, len(out))
	for i, r := range out {
		final[i] = Result{Memory: r.m, Score: r.score}
	}

	return Response{
		Memories:   final,
		Count:      len(final),
		ElapsedMs:  time.Since(start).Milliseconds(),
		TimedOut:   timedOut,
		SearchType: searchType,
	}
}

// ranked is a candidate memory paired with its final, boosted score.
type ranked struct {
	m     *store.Memory
	score float64
}

// mergeFTSHits folds FTS hits into candidates: hits already present in the
// semantic pass get their keyword score attached, and hits seen only here
// are hydrated into full memories via a batch id lookup.
func (e *Engine) mergeFTSHits(ctx context.Context, req Request, hits []store.FTSHit, candidates map[string]*scored) {
	rankByID := make(map[string]float64, len(hits))
	var missingIDs []string
	for _, h := range hits {
		rankByID[h.MemoryID] = normalizeRank(h.Rank)
		if _, ok := candidates[h.MemoryID]; !ok {
			missingIDs = append(missingIDs, h.MemoryID)
		}
	}
	for id, kw := range rankByID {
		if c, ok := candidates[id]; ok {
			c.kw = kw
		}
	}

	if len(missingIDs) == 0 {
		return
	}
	mems, err := e.store.GetMemoriesByIDs(ctx, req.UserID, missingIDs)
	if err != nil {
		return // best-effort: keyword-only candidates we can't hydrate are simply dropped
	}
	for _, m := range mems {
		candidates[m.ID] = &scored{memory: m, kw: rankByID[m.ID]}
	}
}

// vectorCandidates tries the vec0 nearest-neighbor index first and hydrates
// the hits into full memories (embeddings included, needed for the cosine
// threshold check the caller applies); on any vec0 error it falls back to
// scanning every live embedded memory for the user.
func (e *Engine) vectorCandidates(ctx context.Context, userID string, qvec []float32) ([]*store.Memory, error) {
	hits, err := e.store.NearestVectors(ctx, userID, qvec, semanticCandidatePool)
	if err != nil || len(hits) == 0 {
		return e.store.LiveMemoriesWithEmbeddings(ctx, userID, semanticCandidatePool)
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.MemoryID
	}
	mems, err := e.store.GetMemoriesByIDs(ctx, userID, ids)
	if err != nil || len(mems) == 0 {
		return e.store.LiveMemoriesWithEmbeddings(ctx, userID, semanticCandidatePool)
	}
	return mems, nil
}

func (e *Engine) likeFallback(ctx context.Context, req Request, processed query.Processed, candidates map[string]*scored, limit int) {
	terms := processed.SearchTerms
	if len(terms) == 0 {
		return
	}
	mems, err := e.store.LikeSearch(ctx, req.UserID, terms, limit)
	if err != nil {
		return
	}
	for _, m := range mems {
		kwScore := likeRelevance(terms, m.Content)
		if c, ok := candidates[m.ID]; ok {
			c.kw = kwScore
		} else {
			candidates[m.ID] = &scored{memory: m, kw: kwScore}
		}
	}
}

func likeRelevance(terms []string, content string) float64 {
	lower := strings.ToLower(content)
	matches := 0
	for _, t := range terms {
		if strings.Contains(lower, strings.ToLower(t)) {
			matches++
		}
	}
	if len(terms) == 0 {
		return 0
	}
	return float64(matches) / float64(len(terms))
}

func normalizeRank(bm25Rank float64) float64 {
	// bm25() returns a negative-is-better score; fold it into [0,1].
	s := 1.0 / (1.0 + math.Abs(bm25Rank))
	if s > 1 {
		s = 1
	}
	return s
}

func cosineSim(a, b []float32) float64 {
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

func phraseBoost(p query.Processed, content string) float64 {
	lower := strings.ToLower(content)
	best := 1.0
	for _, ph := range p.Phrases {
		if lower == strings.ToLower(ph) {
			return 2.0
		}
		if strings.Contains(lower, strings.ToLower(ph)) {
			if 1.5 > best {
				best = 1.5
			}
		}
	}
	for _, kw := range p.Keywords {
		if strings.Contains(lower, strings.ToLower(kw)) && best < 1.2 {
			best = 1.2
		}
	}
	return best
}

func positionBoost(p query.Processed, content string) float64 {
	lower := strings.ToLower(content)
	var positions []int
	for _, term := range p.SearchTerms {
		idx := strings.Index(lower, strings.ToLower(term))
		if idx >= 0 {
			positions = append(positions, idx)
		}
	}
	if len(positions) == 0 {
		return 1.0
	}
	sum := 0
	for _, p := range positions {
		sum += p
	}
	avg := float64(sum) / float64(len(positions))
	ratio := avg / math.Max(1, float64(len(content)))
	switch {
	case ratio < 0.25:
		return 1.5
	case ratio < 0.5:
		return 1.2
	default:
		return 1.0
	}
}

func tierBoost(t store.Tier) float64 {
	switch t {
	case store.TierOne:
		return 1.2
	case store.TierTwo:
		return 1.1
	default:
		return 1.0
	}
}

func tierRank(t store.Tier) int {
	switch t {
	case store.TierOne:
		return 0
	case store.TierTwo:
		return 1
	default:
		return 2
	}
}

func priorityBoost(p float64) float64 {
	switch {
	case p >= 0.9:
		return 1.2
	case p >= 0.8:
		return 1.1
	case p >= 0.7:
		return 1.05
	default:
		return 1.0
	}
}

func recencyBoost(m *store.Memory, now time.Time) float64 {
	age := now.Sub(time.Unix(m.UpdatedAt, 0))
	switch {
	case age < 24*time.Hour:
		return 1.1
	case age < 7*24*time.Hour:
		return 1.05
	default:
		return 1.0
	}
}

var favoriteTopicRe = regexp.MustCompile(`(?i)^my favorite ([a-z ]+)$`)

func filterIncomplete(in []ranked) []ranked {
	out := in[:0]
	for _, r := range in {
		if isIncompleteFavorite(strings.TrimSpace(r.m.Content)) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// isIncompleteFavorite reports whether content is a bare "my favorite <X>"
// with no value attached (spec.md §4.10 step 8, example S2: "my favorite
// color" is incomplete, "my favorite color is blue" is not). RE2 has no
// negative lookahead, so the verb check is a separate word scan rather
// than folded into the regex itself.
func isIncompleteFavorite(content string) bool {
	m := favoriteTopicRe.FindStringSubmatch(content)
	if m == nil {
		return false
	}
	for _, w := range strings.Fields(m[1]) {
		switch strings.ToLower(w) {
		case "is", "are", "was", "were":
			return false
		}
	}
	return true
}

func dedup(in []ranked) []ranked {
	seenTopic := make(map[string]bool)
	var byTopic []ranked
	for _, r := range in {
		topic := engine.DetectTopicForDedup(r.m.Content)
		if topic == "" {
			byTopic = append(byTopic, r)
			continue
		}
		if seenTopic[topic] {
			continue
		}
		seenTopic[topic] = true
		byTopic = append(byTopic, r)
	}

	var out []ranked
	for _, r := range byTopic {
		duplicate := false
		for i, kept := range out {
			if r.m.Embedding != nil && kept.m.Embedding != nil {
				if cosineSim(r.m.Embedding, kept.m.Embedding) >= semanticDedupThreshold {
					if shouldReplace(kept.m, r.m) {
						out[i] = r
					}
					duplicate = true
					break
				}
			}
		}
		if !duplicate {
			out = append(out, r)
		}
	}
	return out
}

// shouldReplace implements the shouldKeepMemory tie-break of spec.md
// §4.10 step 9: tier > update-language > priority-gap > recency.
func shouldReplace(existing, candidate *store.Memory) bool {
	if tierRank(candidate.Tier) != tierRank(existing.Tier) {
		return tierRank(candidate.Tier) < tierRank(existing.Tier)
	}
	if candidate.Priority != existing.Priority {
		return candidate.Priority > existing.Priority
	}
	return candidate.UpdatedAt > existing.UpdatedAt
}
