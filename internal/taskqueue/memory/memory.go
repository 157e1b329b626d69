// Package memory is the in-process Queue adapter used by the test harness
// and unit tests. Visibility is modeled with a per-queue slice scanned on
// Dequeue; production traffic uses the redis adapter instead.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/pborman/uuid"

	"github.com/adx-core/woc/internal/taskqueue"
)

type entry struct {
	task      taskqueue.Task
	visibleAt time.Time
	leaseID   string
}

// Queue is a mutex-guarded, single-process implementation of
// taskqueue.Queue. FIFO is a best-effort goal: Dequeue scans in enqueue
// order and returns the first currently-visible entry, matching the
// "FIFO is a goal, not a guarantee" language of spec.md §4.2.
type Queue struct {
	mu     sync.Mutex
	queues map[string][]*entry
	leases map[string]*entry // taskID -> entry, for Ack/Nack/ExtendVisibility
}

var _ taskqueue.Queue = (*Queue)(nil)

func New() *Queue {
	return &Queue{queues: make(map[string][]*entry), leases: make(map[string]*entry)}
}

func (q *Queue) Enqueue(ctx context.Context, queue string, task taskqueue.Task, notBefore time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if task.ID == "" {
		task.ID = uuid.New()
	}
	if notBefore.IsZero() {
		notBefore = time.Now()
	}
	e := &entry{task: task, visibleAt: notBefore}
	q.queues[queue] = append(q.queues[queue], e)
	q.leases[task.ID] = e
	return nil
}

func (q *Queue) Dequeue(ctx context.Context, queue string, visibility time.Duration) (*taskqueue.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	for _, e := range q.queues[queue] {
		// visibleAt doubles as "not before" on first enqueue and as the
		// lease deadline once dequeued; either way, not-yet-visible means
		// skip. A lapsed lease (no Ack/Nack before the deadline) becomes
		// visible again here, which is the at-least-once redelivery path.
		if e.visibleAt.After(now) {
			continue
		}
		e.leaseID = uuid.New()
		e.visibleAt = now.Add(visibility)
		e.task.Attempt++
		t := e.task
		return &t, nil
	}
	return nil, nil
}

func (q *Queue) ExtendVisibility(ctx context.Context, queue string, taskID string, extension time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.leases[taskID]; ok {
		e.visibleAt = time.Now().Add(extension)
	}
	return nil
}

func (q *Queue) Ack(ctx context.Context, queue string, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.leases, taskID)
	entries := q.queues[queue]
	for i, e := range entries {
		if e.task.ID == taskID {
			q.queues[queue] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	return nil
}

func (q *Queue) Nack(ctx context.Context, queue string, taskID string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.leases[taskID]; ok {
		e.leaseID = ""
		e.visibleAt = time.Now().Add(delay)
	}
	return nil
}
