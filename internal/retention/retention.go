// Package retention implements the RetentionEngine (C8): periodic decay,
// TTL expiry, and tier promotion/demotion over every live memory.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kittclouds/memoryd/internal/store"
)

type tierRule struct {
	ttlDays      float64
	decayPerWeek float64
	demoteFloor  float64 // 0 means "no demotion floor" (T3, per spec.md §9)
	decayFloor   float64 // lowest priority decay may bring this tier's memories to
}

var rules = map[store.Tier]tierRule{
	store.TierOne:   {ttlDays: 120, decayPerWeek: 0.01, demoteFloor: 0.35, decayFloor: 0},
	store.TierTwo:   {ttlDays: 365, decayPerWeek: 0.005, demoteFloor: 0.50, decayFloor: 0},
	// T3 demotion is a no-op (no lower tier exists); 0.30 is used only as a
	// decay clamp per spec.md §9 Open Question.
	store.TierThree: {ttlDays: 90, decayPerWeek: 0.02, demoteFloor: 0, decayFloor: 0.30},
}

const (
	promoteThreadSetSize = 2
	promoteRepeats       = 2
)

// Store is the slice of store.SQLiteStore the retention engine needs.
type Store interface {
	AllUserIDsWithLiveMemories(ctx context.Context) ([]string, error)
	LiveMemoriesForRetention(ctx context.Context, userID string) ([]*store.Memory, error)
	UpdateMemory(ctx context.Context, m *store.Memory) error
	SoftDeleteMemory(ctx context.Context, userID, id string, now int64) error
}

// Engine is the RetentionEngine (C8).
type Engine struct {
	store Store
}

// New builds a RetentionEngine.
func New(st Store) *Engine {
	return &Engine{store: st}
}

// RunOnce applies the tier decay/TTL/promotion/demotion table to every
// live memory for every user. It is idempotent modulo time: because decay
// is computed from floor(ageWeeks) against the memory's existing
// updatedAt, running this twice inside the same week changes nothing
// beyond the first pass (spec.md §9 "Decay idempotence").
func (e *Engine) RunOnce(ctx context.Context, now time.Time) {
	users, err := e.store.AllUserIDsWithLiveMemories(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("retention: failed to list users")
		return
	}
	for _, userID := range users {
		mems, err := e.store.LiveMemoriesForRetention(ctx, userID)
		if err != nil {
			log.Warn().Str("userId", userID).Err(err).Msg("retention: failed to list memories")
			continue
		}
		for _, m := range mems {
			if err := e.applyOne(ctx, m, now); err != nil {
				log.Warn().Str("memoryId", m.ID).Err(err).Msg("retention: failed to apply rule")
			}
		}
	}
}

func (e *Engine) applyOne(ctx context.Context, m *store.Memory, now time.Time) error {
	rule, ok := rules[m.Tier]
	if !ok {
		rule = rules[store.TierThree]
	}

	createdAt := time.Unix(m.CreatedAt, 0)
	ageDays := now.Sub(createdAt).Hours() / 24

	if ageDays > rule.ttlDays {
		nowUnix := now.Unix()
		if err := e.store.SoftDeleteMemory(ctx, m.UserID, m.ID, nowUnix); err != nil {
			return fmt.Errorf("retention: ttl expire %s: %w", m.ID, err)
		}
		return nil
	}

	updatedAt := time.Unix(m.UpdatedAt, 0)
	ageWeeks := now.Sub(updatedAt).Hours() / 24 / 7
	weeksElapsed := int(ageWeeks)

	dirty := false
	// Decay only the weeks not yet accounted for by DecayWeeksApplied, so a
	// second RunOnce call inside the same week (same floor(ageWeeks), same
	// UpdatedAt) finds newWeeks == 0 and is a no-op, per spec.md §9. A
	// memory already at or below its tier's decay floor needs no further
	// decay (the floor stabilizes, it never pulls priority back up).
	if newWeeks := weeksElapsed - m.DecayWeeksApplied; newWeeks > 0 && rule.decayPerWeek > 0 && m.Priority > rule.decayFloor {
		decayed := m.Priority - rule.decayPerWeek*float64(newWeeks)
		if decayed < rule.decayFloor {
			decayed = rule.decayFloor
		}
		m.Priority = decayed
		m.DecayWeeksApplied = weeksElapsed
		dirty = true
	}

	promoted := false
	if m.Tier == store.TierThree && len(m.ThreadSet) >= promoteThreadSetSize && m.Repeats >= promoteRepeats {
		m.Tier = store.TierOne
		m.UpdatedAt = now.Unix()
		m.DecayWeeksApplied = 0
		promoted = true
		dirty = true
	}

	if !promoted && rule.demoteFloor > 0 && m.Priority < rule.demoteFloor {
		m.Tier = store.TierThree
		m.UpdatedAt = now.Unix()
		m.DecayWeeksApplied = 0
		dirty = true
	}

	if !dirty {
		return nil
	}

	// Per spec.md §9, updatedAt is bumped only by promotion/demotion/
	// supercede/patch, never by decay alone; the two branches above
	// already set it when they fire, so a decay-only mutation leaves it
	// untouched.
	if err := e.store.UpdateMemory(ctx, m); err != nil {
		return fmt.Errorf("retention: update %s: %w", m.ID, err)
	}
	return nil
}
