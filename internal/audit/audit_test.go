package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kittclouds/memoryd/internal/cadence"
	"github.com/kittclouds/memoryd/internal/engine"
	"github.com/kittclouds/memoryd/internal/store"
)

type fakeEngine struct {
	saved []engine.CreateInput
}

func (f *fakeEngine) CreateOrSupercede(ctx context.Context, in engine.CreateInput) (*store.Memory, bool, error) {
	f.saved = append(f.saved, in)
	return &store.Memory{ID: "m1", UserID: in.UserID, Content: in.Content}, false, nil
}

type fakeStore struct {
	audits []*store.MemoryAudit
}

func (f *fakeStore) CreateAudit(ctx context.Context, a *store.MemoryAudit) error {
	f.audits = append(f.audits, a)
	return nil
}

func TestRunSavesHighQualityTurnsAndRecordsAudit(t *testing.T) {
	tracker := cadence.New()
	fe := &fakeEngine{}
	fs := &fakeStore{}
	r := New(tracker, fe, fs)

	base := time.Unix(1_700_000_000, 0)
	tracker.RecordMessage("u1", "t1", "user", "my name is Alex and my favorite programming language is Go", 20, 0, base)
	tracker.RecordMessage("u1", "t1", "assistant", "ok", 0, 2, base.Add(time.Second))

	saved, err := r.Run(context.Background(), "u1", "t1", base.Add(2*time.Second))
	require.NoError(t, err)
	require.Equal(t, 1, saved)
	require.Len(t, fe.saved, 1)
	require.Equal(t, "u1", fe.saved[0].UserID)
	require.Len(t, fs.audits, 1)
	require.Equal(t, 1, fs.audits[0].Saved)
}

func TestRunSkipsTurnsBelowQualityThreshold(t *testing.T) {
	tracker := cadence.New()
	fe := &fakeEngine{}
	fs := &fakeStore{}
	r := New(tracker, fe, fs)

	base := time.Unix(1_700_000_000, 0)
	tracker.RecordMessage("u1", "t1", "assistant", "ok", 0, 1, base)

	saved, err := r.Run(context.Background(), "u1", "t1", base.Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, 0, saved)
	require.Empty(t, fe.saved)
}

func TestRunSkipsBarePIITurn(t *testing.T) {
	tracker := cadence.New()
	fe := &fakeEngine{}
	fs := &fakeStore{}
	r := New(tracker, fe, fs)

	base := time.Unix(1_700_000_000, 0)
	tracker.RecordMessage("u1", "t1", "user", "jane.doe@example.com", 10, 0, base)

	_, err := r.Run(context.Background(), "u1", "t1", base.Add(time.Second))
	require.NoError(t, err)
	require.Empty(t, fe.saved)
}

func TestRunWithNoBufferedTurnsStillMarksAuditComplete(t *testing.T) {
	tracker := cadence.New()
	fe := &fakeEngine{}
	fs := &fakeStore{}
	r := New(tracker, fe, fs)

	saved, err := r.Run(context.Background(), "u1", "t1", time.Unix(1_700_000_000, 0))
	require.NoError(t, err)
	require.Equal(t, 0, saved)
	require.Empty(t, fs.audits)
}

func TestRunClearsBufferAfterCompletion(t *testing.T) {
	tracker := cadence.New()
	fe := &fakeEngine{}
	fs := &fakeStore{}
	r := New(tracker, fe, fs)

	base := time.Unix(1_700_000_000, 0)
	tracker.RecordMessage("u1", "t1", "user", "my name is Alex and my favorite programming language is Go", 20, 0, base)

	_, err := r.Run(context.Background(), "u1", "t1", base.Add(time.Second))
	require.NoError(t, err)

	require.Empty(t, tracker.TurnsForAudit("u1", "t1"))
}
