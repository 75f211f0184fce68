package cadence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecordMessageTriggersOnMessageThreshold(t *testing.T) {
	tr := New()
	now := time.Now()

	var triggered bool
	for i := 0; i < msgThreshold; i++ {
		triggered = tr.RecordMessage("u1", "t1", "user", "hello there", 10, 0, now.Add(time.Duration(i)*time.Second))
	}
	require.True(t, triggered)
}

func TestRecordMessageTriggersOnTokenThreshold(t *testing.T) {
	tr := New()
	now := time.Now()
	triggered := tr.RecordMessage("u1", "t1", "user", "a big turn", tokenThreshold, 0, now)
	require.True(t, triggered)
}

func TestRecordMessageDebouncesRepeatedTriggers(t *testing.T) {
	tr := New()
	now := time.Now()

	for i := 0; i < msgThreshold; i++ {
		tr.RecordMessage("u1", "t1", "user", "hello there", 10, 0, now.Add(time.Duration(i)*time.Second))
	}
	tr.MarkAuditComplete("u1", "t1", now)

	// Immediately re-triggering within the debounce window should not fire again.
	triggered := tr.RecordMessage("u1", "t1", "user", "hello again", 10, 0, now.Add(time.Second))
	for i := 0; i < msgThreshold-1; i++ {
		triggered = tr.RecordMessage("u1", "t1", "user", "hello again", 10, 0, now.Add(time.Duration(i+2)*time.Second))
	}
	require.False(t, triggered)
}

func TestMarkAuditCompleteClearsBufferedTurns(t *testing.T) {
	tr := New()
	now := time.Now()
	tr.RecordMessage("u1", "t1", "user", "hello there", 10, 0, now)

	tr.MarkAuditComplete("u1", "t1", now)
	require.Empty(t, tr.TurnsForAudit("u1", "t1"))
}

func TestTurnsForAuditReturnsBufferedContent(t *testing.T) {
	tr := New()
	now := time.Now()
	tr.RecordMessage("u1", "t1", "user", "first turn", 10, 0, now)
	tr.RecordMessage("u1", "t1", "assistant", "second turn", 0, 10, now.Add(time.Second))

	turns := tr.TurnsForAudit("u1", "t1")
	require.Len(t, turns, 2)
	require.Equal(t, "first turn", turns[0].Content)
	require.Equal(t, "second turn", turns[1].Content)
}

func TestBufferedTurnsAreBoundedByMaxBufferedTurns(t *testing.T) {
	tr := New()
	now := time.Now()
	for i := 0; i < maxBufferedTurns+10; i++ {
		tr.RecordMessage("u1", "t1", "user", "turn", 1, 0, now.Add(time.Duration(i)*time.Millisecond))
	}
	require.Len(t, tr.TurnsForAudit("u1", "t1"), maxBufferedTurns)
}

func TestSweepDropsIdleStates(t *testing.T) {
	tr := New()
	now := time.Now()
	tr.RecordMessage("u1", "t1", "user", "hello", 1, 0, now)

	dropped := tr.Sweep(now.Add(idleTTL + time.Minute))
	require.Equal(t, 1, dropped)
	require.Equal(t, 0, tr.Len())
}

func TestSweepKeepsActiveStates(t *testing.T) {
	tr := New()
	now := time.Now()
	tr.RecordMessage("u1", "t1", "user", "hello", 1, 0, now)

	dropped := tr.Sweep(now.Add(time.Hour))
	require.Equal(t, 0, dropped)
	require.Equal(t, 1, tr.Len())
}
