package control

import (
	"context"
	"sync"

	"github.com/zeon-infra/vm-refiller/pkg/domain"
)

// CloneQueue is an unbounded FIFO of domain.CloneTask values (spec section
// 3): ordering is first-in-first-out but cross-worker ordering is not a
// correctness requirement, only fairness. It also tracks unfinished items
// so Supervisor can Join() a full drain on shutdown, mirroring Python's
// queue.Queue.join()/task_done() pair that the original control loop uses.
type CloneQueue struct {
	mu         sync.Mutex
	notEmpty   *sync.Cond
	items      []domain.CloneTask
	unfinished int
	allDone    *sync.Cond
}

// NewCloneQueue constructs an empty queue.
func NewCloneQueue() *CloneQueue {
	q := &CloneQueue{}
	q.notEmpty = sync.NewCond(&q.mu)
	q.allDone = sync.NewCond(&q.mu)
	return q
}

// Put enqueues a task. Every Put must be matched by exactly one later
// TaskDone, or Join will never return.
func (q *CloneQueue) Put(t domain.CloneTask) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, t)
	q.unfinished++
	q.notEmpty.Signal()
}

// Get blocks until a task is available or ctx is cancelled.
func (q *CloneQueue) Get(ctx context.Context) (domain.CloneTask, bool) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.notEmpty.Broadcast()
			q.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		if ctx.Err() != nil {
			return domain.CloneTask{}, false
		}
		q.notEmpty.Wait()
	}
	if ctx.Err() != nil && len(q.items) == 0 {
		return domain.CloneTask{}, false
	}
	t := q.items[0]
	q.items = q.items[1:]
	return t, true
}

// TaskDone marks one previously-Get task as fully processed. Must be
// called exactly once per Get, regardless of the outcome (spec 4.6's
// invariant: every put is eventually matched by one task_done).
func (q *CloneQueue) TaskDone() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.unfinished > 0 {
		q.unfinished--
	}
	if q.unfinished == 0 {
		q.allDone.Broadcast()
	}
}

// Join blocks until every Put task has had a matching TaskDone, i.e. the
// queue is fully drained — used by Supervisor on shutdown (spec 4.9).
func (q *CloneQueue) Join() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.unfinished > 0 {
		q.allDone.Wait()
	}
}

// Len reports the number of tasks currently buffered (not yet Get).
func (q *CloneQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
