package jobqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEnqueueProcessesRegisteredHandler(t *testing.T) {
	q := New()
	defer q.Stop()

	var got atomic.Value
	done := make(chan struct{})
	q.Register(TypeAudit, func(ctx context.Context, payload any) error {
		got.Store(payload)
		close(done)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	q.Enqueue(TypeAudit, "hello")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
	require.Equal(t, "hello", got.Load())
}

func TestHigherPriorityJobRunsFirst(t *testing.T) {
	q := New()
	defer q.Stop()

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	wg.Add(2)

	record := func(name string) Handler {
		return func(ctx context.Context, payload any) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			wg.Done()
			return nil
		}
	}
	q.Register(TypeAudit, record("audit"))
	q.Register(TypeResearch, record("research"))

	// Enqueue the lower-priority job first; the queue should still
	// reorder so the higher-priority (audit) job is processed first,
	// since both land on the heap before Run starts draining it.
	q.Enqueue(TypeResearch, nil)
	q.Enqueue(TypeAudit, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	wg.Wait()
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"audit", "research"}, order)
}

func TestFailedJobRetriesThenExhausts(t *testing.T) {
	q := New()
	defer q.Stop()

	var attempts int32
	done := make(chan struct{})
	q.Register(TypeAudit, func(ctx context.Context, payload any) error {
		n := atomic.AddInt32(&attempts, 1)
		if n >= maxRetries+1 {
			close(done)
		}
		return errors.New("boom")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	q.Enqueue(TypeAudit, nil)

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("job did not exhaust retries in time")
	}

	counters := q.Counters()
	require.Equal(t, int64(1), counters.Failed)
}

func TestWriteBatchJobsStageUntilFlush(t *testing.T) {
	q := New()
	defer q.Stop()

	processed := make(chan struct{}, 1)
	q.Register(TypeWriteBatch, func(ctx context.Context, payload any) error {
		processed <- struct{}{}
		return nil
	})

	q.Enqueue(TypeWriteBatch, "batched")
	// Before a flush, the job sits in staging, not the heap.
	require.Equal(t, 1, q.Counters().QueueDepth)

	q.FlushStagingNow()
	require.Equal(t, 1, q.Counters().QueueDepth)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	select {
	case <-processed:
	case <-time.After(2 * time.Second):
		t.Fatal("batched job never processed")
	}
}

func TestCountersReflectEnqueuedAndProcessed(t *testing.T) {
	q := New()
	defer q.Stop()

	done := make(chan struct{})
	q.Register(TypeAudit, func(ctx context.Context, payload any) error {
		close(done)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	q.Enqueue(TypeAudit, nil)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job never processed")
	}

	// Allow process() to finish updating counters after closing done.
	time.Sleep(50 * time.Millisecond)
	counters := q.Counters()
	require.Equal(t, int64(1), counters.Enqueued)
	require.Equal(t, int64(1), counters.Processed)
}
