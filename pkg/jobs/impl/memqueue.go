package impl

import (
	"context"
	"fmt"
	"sync"

	"github.com/wyvernlabs/go-orderbook/pkg/jobs"
)

// MemQueue is an in-process jobs.Queue with the same dedup semantics as the
// Redis queue but no durability. Jobs run synchronously on Drain, which makes
// end-to-end engine flows deterministic in tests.
type MemQueue struct {
	name string

	lock    sync.Mutex
	pending []jobs.Job
	dedup   map[string]struct{}
	handler jobs.Handler
}

var _ jobs.Queue = (*MemQueue)(nil)

// NewMem returns an empty in-process queue.
func NewMem(name string) *MemQueue {
	return &MemQueue{
		name:  name,
		dedup: map[string]struct{}{},
	}
}

// Name implements jobs.Queue.
func (q *MemQueue) Name() string {
	return q.name
}

// Enqueue implements jobs.Queue.
func (q *MemQueue) Enqueue(_ context.Context, id string, payload []byte) error {
	q.lock.Lock()
	defer q.lock.Unlock()

	if _, ok := q.dedup[id]; ok {
		return jobs.ErrDuplicate
	}
	q.dedup[id] = struct{}{}
	q.pending = append(q.pending, jobs.Job{ID: id, Payload: payload, Attempt: 1})
	return nil
}

// Start implements jobs.Queue.
func (q *MemQueue) Start(handler jobs.Handler) error {
	q.lock.Lock()
	defer q.lock.Unlock()

	if q.handler != nil {
		return fmt.Errorf("already started")
	}
	q.handler = handler
	return nil
}

// Stop implements jobs.Queue.
func (q *MemQueue) Stop() {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.handler = nil
}

// Drain synchronously runs every pending job, including jobs enqueued while
// draining, and returns the number of executions.
func (q *MemQueue) Drain(ctx context.Context) (int, error) {
	executed := 0
	for {
		q.lock.Lock()
		if len(q.pending) == 0 || q.handler == nil {
			q.lock.Unlock()
			return executed, nil
		}
		job := q.pending[0]
		q.pending = q.pending[1:]
		delete(q.dedup, job.ID)
		handler := q.handler
		q.lock.Unlock()

		if err := handler(ctx, job); err != nil {
			return executed, fmt.Errorf("running job %s: %s", job.ID, err)
		}
		executed++
	}
}

// Len returns the number of queued jobs.
func (q *MemQueue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.pending)
}
