// The MIT License
//
// Copyright (c) 2020 Temporal Technologies Inc.  All rights reserved.
//
// Copyright (c) 2020 Uber Technologies, Inc.
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/adx-core/woc/internal/core"
	eventlogmem "github.com/adx-core/woc/internal/eventlog/memory"
	"github.com/adx-core/woc/internal/payload"
	"github.com/adx-core/woc/internal/taskqueue"
	taskqueuemem "github.com/adx-core/woc/internal/taskqueue/memory"
)

const testQueue = "test-queue"

func newTestWorker(t *testing.T, reg *Registry) (*Worker, *eventlogmem.Store, *taskqueuemem.Queue) {
	t.Helper()
	store := eventlogmem.New()
	queue := taskqueuemem.New()
	w := NewWorker(Options{Store: store, Queue: queue, Registry: reg})
	return w, store, queue
}

func scheduleActivity(t *testing.T, store *eventlogmem.Store, workflowID, runID, activityID, activityType string, policy core.RetryPolicy) {
	t.Helper()
	inputPayloads, err := payload.DefaultDataConverter.ToPayloads("hello")
	require.NoError(t, err)
	items := inputPayloads.GetPayloads()
	require.NoError(t, store.Append(context.Background(), workflowID, runID, 1, []core.Event{
		{
			Kind: core.EventActivityScheduled,
			Payload: core.EventPayload{
				ActivityID: activityID, ActivityType: activityType,
				Input: items[0].GetData(), InputMeta: items[0].GetMetadata(),
				Timeouts:    core.ActivityTimeouts{StartToClose: time.Second},
				RetryPolicy: policy,
			},
		},
	}))
}

func TestProcessTaskCompletesActivity(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Registration{Name: "greet", Handler: func(ctx context.Context, input interface{}) (interface{}, error) {
		return "world", nil
	}})
	w, store, queue := newTestWorker(t, reg)

	scheduleActivity(t, store, "wf-1", "run-1", "act-1", "greet", core.DefaultRetryPolicy())
	require.NoError(t, queue.Enqueue(context.Background(), testQueue, taskqueue.Task{
		Kind: taskqueue.KindActivity, WorkflowID: "wf-1", RunID: "run-1", ActivityID: "act-1",
	}, time.Time{}))

	task, err := queue.Dequeue(context.Background(), testQueue, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, task)

	require.NoError(t, w.ProcessTask(context.Background(), testQueue, *task))

	hist, err := store.ReadRange(context.Background(), "wf-1", "run-1", 1, 0)
	require.NoError(t, err)
	require.Len(t, hist.Events, 3) // ActivityScheduled, ActivityStarted, ActivityCompleted
	last := hist.Events[len(hist.Events)-1]
	require.Equal(t, core.EventActivityCompleted, last.Kind)

	var out string
	ps := &payload.Payloads{Payloads: []*payload.Payload{{Data: last.Payload.Result, Metadata: last.Payload.ResultMeta}}}
	require.NoError(t, payload.DefaultDataConverter.FromPayloads(ps, &out))
	require.Equal(t, "world", out)
}

func TestProcessTaskNonRetryableFailureStopsImmediately(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Registration{Name: "always_fails", Handler: func(ctx context.Context, input interface{}) (interface{}, error) {
		return nil, errors.New("boom")
	}})
	w, store, queue := newTestWorker(t, reg)

	policy := core.RetryPolicy{InitialInterval: time.Millisecond, BackoffCoefficient: 2, MaxInterval: time.Second, NonRetryableErrorKinds: []string{"*errors.errorString"}}
	scheduleActivity(t, store, "wf-2", "run-1", "act-1", "always_fails", policy)
	require.NoError(t, queue.Enqueue(context.Background(), testQueue, taskqueue.Task{
		Kind: taskqueue.KindActivity, WorkflowID: "wf-2", RunID: "run-1", ActivityID: "act-1",
	}, time.Time{}))

	task, err := queue.Dequeue(context.Background(), testQueue, time.Minute)
	require.NoError(t, err)
	require.NoError(t, w.ProcessTask(context.Background(), testQueue, *task))

	hist, err := store.ReadRange(context.Background(), "wf-2", "run-1", 1, 0)
	require.NoError(t, err)
	last := hist.Events[len(hist.Events)-1]
	require.Equal(t, core.EventActivityFailed, last.Kind)
	require.True(t, last.Payload.NonRetryable)
}

func TestProcessTaskRetryableFailureSchedulesRetryAndNacks(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Registration{Name: "flaky", Handler: func(ctx context.Context, input interface{}) (interface{}, error) {
		return nil, errors.New("try again")
	}})
	w, store, queue := newTestWorker(t, reg)

	scheduleActivity(t, store, "wf-3", "run-1", "act-1", "flaky", core.DefaultRetryPolicy())
	require.NoError(t, queue.Enqueue(context.Background(), testQueue, taskqueue.Task{
		Kind: taskqueue.KindActivity, WorkflowID: "wf-3", RunID: "run-1", ActivityID: "act-1",
	}, time.Time{}))

	task, err := queue.Dequeue(context.Background(), testQueue, time.Minute)
	require.NoError(t, err)
	require.NoError(t, w.ProcessTask(context.Background(), testQueue, *task))

	hist, err := store.ReadRange(context.Background(), "wf-3", "run-1", 1, 0)
	require.NoError(t, err)
	last := hist.Events[len(hist.Events)-1]
	require.Equal(t, core.EventActivityRetryScheduled, last.Kind)
	require.Equal(t, int32(2), last.Payload.Attempt)

	// The task was nacked, not acked: it is not immediately redeliverable.
	redelivered, err := queue.Dequeue(context.Background(), testQueue, time.Minute)
	require.NoError(t, err)
	require.Nil(t, redelivered)
}

func TestProcessTaskDuplicateDeliveryAcksSilently(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Registration{Name: "greet", Handler: func(ctx context.Context, input interface{}) (interface{}, error) {
		return "ok", nil
	}})
	w, store, queue := newTestWorker(t, reg)
	scheduleActivity(t, store, "wf-4", "run-1", "act-1", "greet", core.DefaultRetryPolicy())
	require.NoError(t, store.Append(context.Background(), "wf-4", "run-1", 2, []core.Event{
		{Kind: core.EventActivityCompleted, Payload: core.EventPayload{ActivityID: "act-1"}},
	}))

	require.NoError(t, queue.Enqueue(context.Background(), testQueue, taskqueue.Task{
		Kind: taskqueue.KindActivity, WorkflowID: "wf-4", RunID: "run-1", ActivityID: "act-1",
	}, time.Time{}))
	task, err := queue.Dequeue(context.Background(), testQueue, time.Minute)
	require.NoError(t, err)
	require.NoError(t, w.ProcessTask(context.Background(), testQueue, *task))

	hist, err := store.ReadRange(context.Background(), "wf-4", "run-1", 1, 0)
	require.NoError(t, err)
	require.Len(t, hist.Events, 2) // unchanged: no duplicate ActivityStarted/Completed appended
}

func TestProcessTaskUnregisteredActivityTypeFailsNonRetryable(t *testing.T) {
	reg := NewRegistry()
	w, store, queue := newTestWorker(t, reg)
	scheduleActivity(t, store, "wf-5", "run-1", "act-1", "nonexistent", core.DefaultRetryPolicy())
	require.NoError(t, queue.Enqueue(context.Background(), testQueue, taskqueue.Task{
		Kind: taskqueue.KindActivity, WorkflowID: "wf-5", RunID: "run-1", ActivityID: "act-1",
	}, time.Time{}))
	task, err := queue.Dequeue(context.Background(), testQueue, time.Minute)
	require.NoError(t, err)
	require.NoError(t, w.ProcessTask(context.Background(), testQueue, *task))

	hist, err := store.ReadRange(context.Background(), "wf-5", "run-1", 1, 0)
	require.NoError(t, err)
	last := hist.Events[len(hist.Events)-1]
	require.Equal(t, core.EventActivityFailed, last.Kind)
	require.Equal(t, "UnregisteredActivityType", last.Payload.ErrorKind)
}

// TestProcessTaskObservesCancellationRequestedMidExecution verifies a running
// handler's activity.IsCancelled(ctx) flips true once a CancelRequested event
// lands in the owning workflow's history while the handler is still running,
// not just when dispatch first checked (the cancelled callback must poll
// live history, not a constant captured at start).
func TestProcessTaskObservesCancellationRequestedMidExecution(t *testing.T) {
	observed := make(chan bool, 1)
	reg := NewRegistry()
	reg.Register(Registration{Name: "watches_cancellation", Handler: func(ctx context.Context, input interface{}) (interface{}, error) {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if IsCancelled(ctx) {
				observed <- true
				return "cancelled", nil
			}
			time.Sleep(50 * time.Millisecond)
		}
		observed <- false
		return "not-cancelled", nil
	}})
	w, store, queue := newTestWorker(t, reg)

	inputPayloads, err := payload.DefaultDataConverter.ToPayloads("hello")
	require.NoError(t, err)
	items := inputPayloads.GetPayloads()
	require.NoError(t, store.Append(context.Background(), "wf-6", "run-1", 1, []core.Event{
		{
			Kind: core.EventActivityScheduled,
			Payload: core.EventPayload{
				ActivityID: "act-1", ActivityType: "watches_cancellation",
				Input: items[0].GetData(), InputMeta: items[0].GetMetadata(),
				Timeouts:    core.ActivityTimeouts{StartToClose: 5 * time.Second},
				RetryPolicy: core.DefaultRetryPolicy(),
			},
		},
	}))
	require.NoError(t, queue.Enqueue(context.Background(), testQueue, taskqueue.Task{
		Kind: taskqueue.KindActivity, WorkflowID: "wf-6", RunID: "run-1", ActivityID: "act-1",
	}, time.Time{}))

	go func() {
		time.Sleep(200 * time.Millisecond)
		tail, err := store.Tail(context.Background(), "wf-6", "run-1")
		require.NoError(t, err)
		require.NoError(t, store.Append(context.Background(), "wf-6", "run-1", tail+1, []core.Event{
			{Kind: core.EventCancelRequested, Payload: core.EventPayload{Reason: "user requested"}},
		}))
	}()

	task, err := queue.Dequeue(context.Background(), testQueue, time.Minute)
	require.NoError(t, err)
	require.NoError(t, w.ProcessTask(context.Background(), testQueue, *task))

	require.True(t, <-observed, "handler must observe cancellation before its deadline")

	hist, err := store.ReadRange(context.Background(), "wf-6", "run-1", 1, 0)
	require.NoError(t, err)
	last := hist.Events[len(hist.Events)-1]
	require.Equal(t, core.EventActivityCompleted, last.Kind)
	var out string
	ps := &payload.Payloads{Payloads: []*payload.Payload{{Data: last.Payload.Result, Metadata: last.Payload.ResultMeta}}}
	require.NoError(t, payload.DefaultDataConverter.FromPayloads(ps, &out))
	require.Equal(t, "cancelled", out)
}

func TestRegistryLookup(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Registration{Name: "a", Handler: func(ctx context.Context, input interface{}) (interface{}, error) { return nil, nil }})
	_, ok := reg.Lookup("a")
	require.True(t, ok)
	_, ok = reg.Lookup("missing")
	require.False(t, ok)
}
