// Package saga implements C5, the compensation coordinator: bookkeeping of
// activities the workflow author marked compensable, and the reverse-order
// compensating phase run once a workflow fails (spec.md §4.5).
//
// Compensations are ordinary activities from the dispatcher's point of view
// (internal/dispatcher's Worker already branches on CompensationScheduled
// history events); this package only owns the sequencing: deciding which
// compensation to schedule next and recognizing when the phase is done.
package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/adx-core/woc/internal/core"
	"github.com/adx-core/woc/internal/eventlog"
	"github.com/adx-core/woc/internal/payload"
	"github.com/adx-core/woc/internal/taskqueue"
)

// Entry is one registered compensation, in the order register_compensation
// was called by the workflow function. Input/InputMeta are the already-
// encoded payload bytes captured on the CompensationRegistered event, carried
// through verbatim rather than round-tripped through a DataConverter a
// second time.
type Entry struct {
	Index                int
	ActivityID           string // synthetic id, e.g. "comp-0"
	CompensationActivity string
	Input                []byte
	InputMeta            map[string][]byte
	RetryPolicy          core.RetryPolicy
	Timeouts             core.ActivityTimeouts
}

// activityID is the scheme the scheduler and the dispatcher both rely on to
// correlate a CompensationScheduled event with its eventual terminal event.
func activityID(index int) string {
	return fmt.Sprintf("comp-%d", index)
}

// ActivityID exported for callers (the scheduler) building an Entry before
// RegisterCompensation has assigned it an index.
func ActivityID(index int) string { return activityID(index) }

// EntriesFromHistory reconstructs the ordered list of compensations
// registered so far by scanning CompensationRegistered events, so a replay
// recovers the exact same list deterministically.
func EntriesFromHistory(hist *core.History) []Entry {
	var entries []Entry
	for _, e := range hist.Events {
		if e.Kind != core.EventCompensationRegistered {
			continue
		}
		entries = append(entries, Entry{
			Index:                e.Payload.CompensationIndex,
			ActivityID:           activityID(e.Payload.CompensationIndex),
			CompensationActivity: e.Payload.CompensationActivity,
			Input:                e.Payload.CompensationInput,
			InputMeta:            e.Payload.CompensationInputMeta,
			RetryPolicy:          e.Payload.RetryPolicy,
		})
	}
	return entries
}

// Coordinator drives the compensating sub-state of a failed workflow
// (spec.md §4.5 steps 1-5), one step per invocation of Advance so it composes
// with the scheduler's task-at-a-time replay loop instead of blocking a
// worker thread across the whole phase.
type Coordinator struct {
	store     eventlog.Store
	queue     taskqueue.Queue
	converter payload.DataConverter
}

func NewCoordinator(store eventlog.Store, queue taskqueue.Queue, converter payload.DataConverter) *Coordinator {
	return &Coordinator{store: store, queue: queue, converter: converter}
}

// Result summarizes one entry's outcome, accumulated into the final
// WorkflowFailed's CompensationsSummary (spec.md §4.5 step 5).
type Result = core.CompensationResult

// Status reports how far the compensating phase has progressed after
// inspecting hist.
type Status struct {
	// Done is true once every registered entry has a terminal event.
	Done bool
	// Results is in reverse-registration order, matching P6.
	Results []Result
}

// Advance inspects hist for a workflow that has entered the compensating
// phase (i.e. an ActivityFailed/TimeoutError/etc. triggered an uncaught
// workflow error) and schedules the next not-yet-scheduled compensation, in
// reverse order of CompensationRegistered. It is idempotent: calling it again
// before the just-scheduled compensation resolves is a no-op.
func (c *Coordinator) Advance(ctx context.Context, queueName string, workflowID, runID string, hist *core.History) (Status, error) {
	entries := EntriesFromHistory(hist)
	// reverse order per P6.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}

	scheduledIdx := map[int]*core.Event{}
	terminalIdx := map[int]core.Event{}
	for i := range hist.Events {
		e := hist.Events[i]
		switch e.Kind {
		case core.EventCompensationScheduled:
			scheduledIdx[e.Payload.CompensationIndex] = &hist.Events[i]
		case core.EventCompensationCompleted, core.EventCompensationFailed:
			terminalIdx[e.Payload.CompensationIndex] = e
		}
	}

	var results []Result
	for _, entry := range entries {
		if term, ok := terminalIdx[entry.Index]; ok {
			results = append(results, Result{
				ActivityID: entry.ActivityID,
				Succeeded:  term.Kind == core.EventCompensationCompleted,
				Error:      term.Payload.ErrorMessage,
			})
			continue
		}
		if _, ok := scheduledIdx[entry.Index]; ok {
			// Already in flight; wait for its terminal event.
			return Status{Done: false, Results: results}, nil
		}
		// Not yet scheduled: this is the next one to run.
		return Status{Done: false, Results: results}, c.schedule(ctx, queueName, workflowID, runID, hist, entry)
	}
	return Status{Done: true, Results: results}, nil
}

func (c *Coordinator) schedule(ctx context.Context, queueName, workflowID, runID string, hist *core.History, entry Entry) error {
	tail := hist.Tail()
	ev := core.Event{
		Kind: core.EventCompensationScheduled,
		Payload: core.EventPayload{
			ActivityID:            entry.ActivityID,
			CompensationIndex:     entry.Index,
			CompensationActivity:  entry.CompensationActivity,
			CompensationInput:     entry.Input,
			CompensationInputMeta: entry.InputMeta,
			RetryPolicy:           entry.RetryPolicy,
			Timeouts:              entry.Timeouts,
		},
	}
	if err := c.store.Append(ctx, workflowID, runID, tail+1, []core.Event{ev}); err != nil && !core.IsConcurrentAppend(err) {
		return err
	}
	return c.queue.Enqueue(ctx, queueName, taskqueue.Task{
		Kind:       taskqueue.KindActivity,
		WorkflowID: workflowID,
		RunID:      runID,
		SeqRef:     tail + 1,
		ActivityID: entry.ActivityID,
	}, time.Time{})
}
