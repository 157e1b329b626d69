// Package taskqueue implements C2: named, at-least-once FIFO-goal queues of
// workflow and activity tasks, with visibility timeouts (spec.md §4.2).
package taskqueue

import (
	"context"
	"time"
)

// Kind distinguishes a workflow task from an activity task so a single
// queue implementation can back both C3 and C4 pollers.
type Kind string

const (
	KindWorkflow Kind = "workflow"
	KindActivity Kind = "activity"
)

// Task is the in-queue record pointing at the history event that produced
// it (spec.md §3 ActivityTask/WorkflowTask).
type Task struct {
	ID         string
	Kind       Kind
	WorkflowID string
	RunID      string
	SeqRef     int64 // the ActivityScheduled/WorkflowTaskScheduled event this task refers to

	// ActivityID is set only for KindActivity tasks.
	ActivityID string

	// Attempt is the delivery attempt count maintained by the queue, not to
	// be confused with the activity's own retry attempt recorded in history.
	Attempt int

	EnqueuedAt time.Time
}

// Queue is one named FIFO-goal queue of tasks.
type Queue interface {
	// Enqueue makes task visible for dequeue at notBefore (or immediately,
	// if notBefore is zero).
	Enqueue(ctx context.Context, queue string, task Task, notBefore time.Time) error

	// Dequeue returns the next visible task and hides it from other workers
	// for visibility; callers must Ack, Nack, or ExtendVisibility before it
	// expires or the task becomes visible again (at-least-once delivery).
	// Returns (nil, nil) if no task is currently visible.
	Dequeue(ctx context.Context, queue string, visibility time.Duration) (*Task, error)

	// ExtendVisibility pushes out the visibility deadline of an in-flight
	// task, used by long activities between heartbeats.
	ExtendVisibility(ctx context.Context, queue string, taskID string, extension time.Duration) error

	// Ack permanently removes a task after successful processing.
	Ack(ctx context.Context, queue string, taskID string) error

	// Nack makes a task visible again immediately (or after delay), for
	// explicit "try someone else now" signaling; distinct from simply
	// letting the visibility timeout lapse.
	Nack(ctx context.Context, queue string, taskID string, delay time.Duration) error
}
