// Package jobqueue is the in-process priority queue that coordinates
// audit, embedding, and research work: a single serial worker, per-type
// handlers, write-behind batching for low-priority jobs, and bounded
// retry with backoff.
package jobqueue

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Type names a job kind; handlers are registered per type.
type Type string

const (
	TypeAudit      Type = "audit"
	TypeResearch   Type = "research"
	TypeWriteBatch Type = "write-batch"
)

func priorityFor(t Type) int {
	switch t {
	case TypeAudit:
		return 10
	case TypeResearch:
		return 5
	case TypeWriteBatch:
		return 0
	default:
		return 0
	}
}

const (
	batchWindow = 300 * time.Millisecond
	maxRetries  = 3
)

// Job is one unit of work.
type Job struct {
	ID        string
	Type      Type
	Priority  int
	Payload   any
	CreatedAt time.Time
	Attempts  int
}

// Handler processes one job's payload. A returned error causes a retry
// (up to MAX_RETRIES) with attempt*1000ms backoff.
type Handler func(ctx context.Context, payload any) error

// Counters is the queue's exported metrics snapshot, computed over the
// most recent 1000 completions.
type Counters struct {
	Enqueued     int64
	Processed    int64
	Failed       int64
	QueueDepth   int
	AvgLatencyMs float64
	P95LatencyMs float64
}

// jobHeap is a max-heap on Priority, tie-broken by CreatedAt (FIFO within
// the same priority).
type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].CreatedAt.Before(h[j].CreatedAt)
}
func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)   { *h = append(*h, x.(*Job)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Queue is the JobQueue (C5).
type Queue struct {
	mu       sync.Mutex
	queue    jobHeap
	staging  []*Job
	handlers map[Type]Handler

	enqueued  int64
	processed int64
	failed    int64

	recent   []completionRecord
	notifyCh chan struct{}

	stopBatch chan struct{}
	doneBatch chan struct{}
}

type completionRecord struct {
	latencyMs float64
	ok        bool
}

// New builds an empty job queue and starts its write-behind batch timer.
func New() *Queue {
	q := &Queue{
		handlers:  make(map[Type]Handler),
		notifyCh:  make(chan struct{}, 1),
		stopBatch: make(chan struct{}),
		doneBatch: make(chan struct{}),
	}
	heap.Init(&q.queue)
	go q.runBatchTimer()
	return q
}

// Register installs the handler for a job type. Must be called before
// jobs of that type are enqueued.
func (q *Queue) Register(t Type, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[t] = h
}

// Enqueue adds a job. write-batch jobs land in the staging buffer and are
// flushed together on the next batch tick; other types go straight onto
// the priority queue.
func (q *Queue) Enqueue(t Type, payload any) string {
	j := &Job{
		ID:        uuid.NewString(),
		Type:      t,
		Priority:  priorityFor(t),
		Payload:   payload,
		CreatedAt: time.Now(),
	}

	q.mu.Lock()
	q.enqueued++
	if t == TypeWriteBatch {
		q.staging = append(q.staging, j)
	} else {
		heap.Push(&q.queue, j)
	}
	q.mu.Unlock()

	q.wake()
	return j.ID
}

func (q *Queue) wake() {
	select {
	case q.notifyCh <- struct{}{}:
	default:
	}
}

func (q *Queue) runBatchTimer() {
	ticker := time.NewTicker(batchWindow)
	defer ticker.Stop()
	defer close(q.doneBatch)
	for {
		select {
		case <-q.stopBatch:
			return
		case <-ticker.C:
			q.flushStaging()
		}
	}
}

func (q *Queue) flushStaging() {
	q.mu.Lock()
	if len(q.staging) == 0 {
		q.mu.Unlock()
		return
	}
	batch := q.staging
	q.staging = nil
	for _, j := range batch {
		heap.Push(&q.queue, j)
	}
	q.mu.Unlock()
	q.wake()
}

// Run processes jobs serially until ctx is canceled. It is the queue's
// single worker goroutine, started once by main().
func (q *Queue) Run(ctx context.Context) {
	for {
		j, ok := q.popNext()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-q.notifyCh:
				continue
			case <-time.After(batchWindow):
				continue
			}
		}
		q.process(ctx, j)
	}
}

func (q *Queue) popNext() (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.queue.Len() == 0 {
		return nil, false
	}
	return heap.Pop(&q.queue).(*Job), true
}

func (q *Queue) process(ctx context.Context, j *Job) {
	start := time.Now()

	q.mu.Lock()
	h, ok := q.handlers[j.Type]
	q.mu.Unlock()

	if !ok {
		log.Warn().Str("jobType", string(j.Type)).Msg("jobqueue: no handler registered, dropping job")
		q.recordCompletion(time.Since(start), false)
		return
	}

	err := h(ctx, j.Payload)
	elapsed := time.Since(start)

	if err == nil {
		q.mu.Lock()
		q.processed++
		q.mu.Unlock()
		q.recordCompletion(elapsed, true)
		return
	}

	j.Attempts++
	if j.Attempts > maxRetries {
		q.mu.Lock()
		q.failed++
		q.mu.Unlock()
		q.recordCompletion(elapsed, false)
		log.Warn().Str("jobId", j.ID).Str("jobType", string(j.Type)).Int("attempts", j.Attempts).Err(err).
			Msg("jobqueue: job failed permanently")
		return
	}

	backoff := time.Duration(j.Attempts) * time.Second
	log.Warn().Str("jobId", j.ID).Str("jobType", string(j.Type)).Int("attempts", j.Attempts).
		Dur("backoff", backoff).Err(err).Msg("jobqueue: retrying job")

	go func() {
		select {
		case <-ctx.Done():
		case <-time.After(backoff):
			q.mu.Lock()
			heap.Push(&q.queue, j)
			q.mu.Unlock()
			q.wake()
		}
	}()
}

func (q *Queue) recordCompletion(latency time.Duration, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.recent = append(q.recent, completionRecord{latencyMs: float64(latency.Microseconds()) / 1000.0, ok: ok})
	if len(q.recent) > 1000 {
		q.recent = q.recent[len(q.recent)-1000:]
	}
}

// Stop halts the batch-flush timer. Callers should Stop the context passed
// to Run separately to halt the worker.
func (q *Queue) Stop() {
	close(q.stopBatch)
	<-q.doneBatch
}

// FlushStagingNow forces an immediate write-behind flush, used on
// shutdown so staged jobs are not lost mid-window.
func (q *Queue) FlushStagingNow() {
	q.flushStaging()
}

// Counters returns the queue's current metrics snapshot.
func (q *Queue) Counters() Counters {
	q.mu.Lock()
	defer q.mu.Unlock()

	depth := q.queue.Len() + len(q.staging)

	var avg, p95 float64
	if n := len(q.recent); n > 0 {
		sum := 0.0
		lat := make([]float64, n)
		for i, r := range q.recent {
			sum += r.latencyMs
			lat[i] = r.latencyMs
		}
		avg = sum / float64(n)
		sort.Float64s(lat)
		idx := int(float64(n) * 0.95)
		if idx >= n {
			idx = n - 1
		}
		p95 = lat[idx]
	}

	return Counters{
		Enqueued:     q.enqueued,
		Processed:    q.processed,
		Failed:       q.failed,
		QueueDepth:   depth,
		AvgLatencyMs: avg,
		P95LatencyMs: p95,
	}
}
