// Package audit runs the pipeline spec.md §2 calls the "audit path": a
// triggered pass over a thread's buffered turns that redacts, scores, and
// classifies each one, handing whatever clears the quality bar to the
// MemoryEngine for supercede-or-create.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/kittclouds/memoryd/internal/cadence"
	"github.com/kittclouds/memoryd/internal/engine"
	"github.com/kittclouds/memoryd/internal/redact"
	"github.com/kittclouds/memoryd/internal/scoring"
	"github.com/kittclouds/memoryd/internal/store"
)

const qualityThreshold = 0.65

// Engine is the slice of the MemoryEngine the audit runner needs.
type Engine interface {
	CreateOrSupercede(ctx context.Context, in engine.CreateInput) (*store.Memory, bool, error)
}

// Store is the slice of store.SQLiteStore the audit runner needs.
type Store interface {
	CreateAudit(ctx context.Context, a *store.MemoryAudit) error
}

// Runner wires the redaction filter, scorer/classifier, and memory engine
// into one audit pass.
type Runner struct {
	cadence   *cadence.Tracker
	redactor  *redact.Filter
	scorer    *scoring.Classifier
	engine    Engine
	store     Store
}

// New builds an audit Runner.
func New(tracker *cadence.Tracker, engine Engine, st Store) *Runner {
	return &Runner{
		cadence:  tracker,
		redactor: redact.New(),
		scorer:   scoring.New(),
		engine:   engine,
		store:    st,
	}
}

// Run scores every buffered turn for (userId, threadId), redacts and
// persists the ones that clear QUALITY_THRESHOLD, records a MemoryAudit
// row, and resets the cadence window. Returns the number of memories
// saved.
func (r *Runner) Run(ctx context.Context, userID, threadID string, now time.Time) (int, error) {
	turns := r.cadence.TurnsForAudit(userID, threadID)
	if len(turns) == 0 {
		r.cadence.MarkAuditComplete(userID, threadID, now)
		return 0, nil
	}

	windowStart := turns[0].Ts
	windowSeconds := now.Sub(windowStart).Seconds()
	if windowSeconds <= 0 {
		windowSeconds = 1
	}

	saved := 0
	tokenCount := 0
	for _, bt := range turns {
		secondsIn := bt.Ts.Sub(windowStart).Seconds()
		role := scoring.RoleAssistant
		if bt.Role == string(scoring.RoleUser) {
			role = scoring.RoleUser
		}

		score := r.scorer.QualityScore(scoring.Turn{
			Role:              role,
			Content:           bt.Content,
			SecondsIntoWindow: secondsIn,
			WindowSeconds:     windowSeconds,
		})
		tokenCount += len(bt.Content) / 4 // rough token estimate for the audit record only

		if score < qualityThreshold {
			continue
		}

		redacted, mapping := r.redactor.Redact(bt.Content)
		if r.redactor.IsAllRedacted(redacted, mapping) {
			r.cadence.RecordRejection()
			continue
		}

		tier := store.Tier(r.scorer.DetectTier(scoring.Turn{Role: role, Content: bt.Content}))

		_, _, err := r.engine.CreateOrSupercede(ctx, engine.CreateInput{
			UserID:       userID,
			ThreadID:     threadID,
			Content:      redacted,
			Priority:     score,
			Confidence:   score,
			Tier:         tier,
			Explicit:     false,
			Now:          now.Unix(),
			RedactionMap: mapping,
		})
		if err != nil {
			return saved, fmt.Errorf("audit: save memory: %w", err)
		}
		saved++
	}

	audit := &store.MemoryAudit{
		ID:         auditID(userID, threadID, now),
		UserID:     userID,
		ThreadID:   threadID,
		StartMsgID: "",
		EndMsgID:   "",
		TokenCount: tokenCount,
		Score:      0,
		Saved:      saved,
		CreatedAt:  now.Unix(),
	}
	if err := r.store.CreateAudit(ctx, audit); err != nil {
		return saved, fmt.Errorf("audit: record audit: %w", err)
	}

	r.cadence.MarkAuditComplete(userID, threadID, now)
	return saved, nil
}

func auditID(userID, threadID string, now time.Time) string {
	return fmt.Sprintf("audit_%s_%s_%d", userID, threadID, now.UnixNano())
}
