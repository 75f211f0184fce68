// Package cadence tracks per-(user,thread) message counters and decides
// when a thread is due for a memory audit.
package cadence

import (
	"sync"
	"time"
)

const (
	msgThreshold   = 6
	tokenThreshold = 1500
	windowDuration = 3 * time.Minute
	debounce       = 30 * time.Second
	idleTTL        = 24 * time.Hour

	maxBufferedTurns = 50 // bounds the audit handler's scan, matching the supercede engine's recentScanLimit
)

// BufferedTurn is one message observed in a window, kept around only long
// enough for the audit job that the window triggers to score it; spec.md
// names no message store, so this buffer is the minimal state an audit
// pass needs beyond the counters themselves.
type BufferedTurn struct {
	Role    string
	Content string
	Ts      time.Time
}

// State is the in-memory cadence counter for one (userId, threadId) pair.
// It is never persisted: a process restart simply starts a fresh window,
// which is intentional (spec.md §4.4 — durability here would bound
// throughput without a correctness gain).
type State struct {
	MsgCount      int
	TokenCount    int
	FirstMsgTime  time.Time
	LastMsgTime   time.Time
	LastAuditTime time.Time
	Turns         []BufferedTurn
}

type key struct {
	userID, threadID string
}

// Tracker is the CadenceTracker (C4): a concurrent map keyed by
// (userId, threadId) with single-writer-per-key discipline, since only the
// gateway records messages for a given key.
type Tracker struct {
	mu         sync.Mutex
	states     map[key]*State
	rejections int
}

// New builds an empty CadenceTracker.
func New() *Tracker {
	return &Tracker{states: make(map[key]*State)}
}

// RecordMessage updates counters for (userId, threadId), buffers the turn
// for the eventual audit pass, and reports whether an audit should fire
// now.
func (t *Tracker) RecordMessage(userID, threadID, role, content string, inputTok, outputTok int, ts time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{userID, threadID}
	st, ok := t.states[k]
	if !ok {
		st = &State{FirstMsgTime: ts}
		t.states[k] = st
	}
	st.MsgCount++
	st.TokenCount += inputTok + outputTok
	st.LastMsgTime = ts
	if st.FirstMsgTime.IsZero() {
		st.FirstMsgTime = ts
	}
	st.Turns = append(st.Turns, BufferedTurn{Role: role, Content: content, Ts: ts})
	if len(st.Turns) > maxBufferedTurns {
		st.Turns = st.Turns[len(st.Turns)-maxBufferedTurns:]
	}

	triggered := st.MsgCount >= msgThreshold ||
		st.TokenCount >= tokenThreshold ||
		ts.Sub(st.FirstMsgTime) >= windowDuration

	if !triggered {
		return false
	}
	if !st.LastAuditTime.IsZero() && ts.Sub(st.LastAuditTime) < debounce {
		return false
	}
	return true
}

// MarkAuditComplete zeroes counters for (userId, threadId) and resets the
// window clock.
func (t *Tracker) MarkAuditComplete(userID, threadID string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{userID, threadID}
	st, ok := t.states[k]
	if !ok {
		st = &State{}
		t.states[k] = st
	}
	st.MsgCount = 0
	st.TokenCount = 0
	st.LastAuditTime = now
	st.FirstMsgTime = now
	st.Turns = nil
}

// TurnsForAudit returns a snapshot of the buffered turns for (userId,
// threadId), for the audit job handler to score. Empty if no state exists.
func (t *Tracker) TurnsForAudit(userID, threadID string) []BufferedTurn {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[key{userID, threadID}]
	if !ok {
		return nil
	}
	out := make([]BufferedTurn, len(st.Turns))
	copy(out, st.Turns)
	return out
}

// Sweep drops thread states that have been idle for more than 24h,
// returning the number of states dropped. Intended to run on a background
// ticker.
func (t *Tracker) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	dropped := 0
	for k, st := range t.states {
		last := st.LastMsgTime
		if last.IsZero() {
			last = st.FirstMsgTime
		}
		if now.Sub(last) > idleTTL {
			delete(t.states, k)
			dropped++
		}
	}
	return dropped
}

// Snapshot returns a copy of the current state for (userId, threadId), for
// diagnostics; ok is false if no state exists yet.
func (t *Tracker) Snapshot(userID, threadID string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[key{userID, threadID}]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// Len reports the number of tracked (userId, threadId) pairs.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.states)
}

// RecordRejection counts one piece of candidate content turned away before
// it reached the MemoryEngine, from either the explicit POST /v1/memories
// path or the audit path, for GET /v1/metrics.
func (t *Tracker) RecordRejection() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rejections++
}

// Rejections reports the total rejection count since process start.
func (t *Tracker) Rejections() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rejections
}
