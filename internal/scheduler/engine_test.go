package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/adx-core/woc/internal/core"
	"github.com/adx-core/woc/internal/coroutine"
	eventlogmem "github.com/adx-core/woc/internal/eventlog/memory"
	"github.com/adx-core/woc/internal/payload"
	"github.com/adx-core/woc/internal/taskqueue"
	taskqueuemem "github.com/adx-core/woc/internal/taskqueue/memory"
)

// activityResultString decodes an ExecuteActivity Future's DecodedResult into
// a string. Production workflow code never does this by hand: the public
// workflow package's Future wrapper performs the same decode at the author
// boundary. This package's own tests sit below that wrapper.
func activityResultString(ctx Context, f coroutine.Future) (string, error) {
	var raw interface{}
	if err := f.Get(ctx, &raw); err != nil {
		return "", err
	}
	dr, ok := raw.(DecodedResult)
	if !ok {
		return "", nil
	}
	var out string
	ps := &payload.Payloads{Payloads: []*payload.Payload{{Data: dr.Data(), Metadata: dr.Meta()}}}
	if err := payload.DefaultDataConverter.FromPayloads(ps, &out); err != nil {
		return "", err
	}
	return out, nil
}

const testQueue = "wf-queue"

type testHarness struct {
	store *eventlogmem.Store
	queue *taskqueuemem.Queue
	reg   *Registry
}

func newTestHarness() *testHarness {
	return &testHarness{store: eventlogmem.New(), queue: taskqueuemem.New(), reg: NewRegistry()}
}

func (h *testHarness) engine() *Engine {
	return NewEngine(Options{Store: h.store, Queue: h.queue, Registry: h.reg})
}

func (h *testHarness) start(t *testing.T, workflowID, runID, workflowType string, input interface{}) {
	t.Helper()
	inputPayloads, err := payload.DefaultDataConverter.ToPayloads(input)
	require.NoError(t, err)
	var data []byte
	var meta map[string][]byte
	if ps := inputPayloads.GetPayloads(); len(ps) > 0 {
		data, meta = ps[0].GetData(), ps[0].GetMetadata()
	}
	require.NoError(t, h.store.ClaimRun(context.Background(), workflowID, runID, core.IDReusePolicyAllowDuplicate))
	require.NoError(t, h.store.Append(context.Background(), workflowID, runID, 1, []core.Event{
		{Kind: core.EventWorkflowStarted, Payload: core.EventPayload{WorkflowType: workflowType, TaskQueue: testQueue, Input: data, InputMeta: meta}},
	}))
	require.NoError(t, h.queue.Enqueue(context.Background(), testQueue, taskqueue.Task{
		Kind: taskqueue.KindWorkflow, WorkflowID: workflowID, RunID: runID,
	}, time.Time{}))
}

func (h *testHarness) dequeueWorkflowTask(t *testing.T) taskqueue.Task {
	t.Helper()
	task, err := h.queue.Dequeue(context.Background(), testQueue, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, task)
	return *task
}

func (h *testHarness) history(t *testing.T, workflowID, runID string) *core.History {
	t.Helper()
	hist, err := h.store.ReadRange(context.Background(), workflowID, runID, 1, 0)
	require.NoError(t, err)
	return hist
}

func TestEngineCompletesWorkflowWithNoCommands(t *testing.T) {
	h := newTestHarness()
	h.reg.Register(Registration{WorkflowType: "noop", Func: func(ctx Context, input interface{}) (interface{}, error) {
		return "done", nil
	}})
	h.start(t, "wf-1", "run-1", "noop", nil)
	e := h.engine()

	task := h.dequeueWorkflowTask(t)
	require.NoError(t, e.ProcessTask(context.Background(), testQueue, task))

	hist := h.history(t, "wf-1", "run-1")
	last := hist.Events[len(hist.Events)-1]
	require.Equal(t, core.EventWorkflowCompleted, last.Kind)

	var out string
	ps := &payload.Payloads{Payloads: []*payload.Payload{{Data: last.Payload.Result, Metadata: last.Payload.ResultMeta}}}
	require.NoError(t, payload.DefaultDataConverter.FromPayloads(ps, &out))
	require.Equal(t, "done", out)
}

func TestEngineExecutesActivityAcrossTwoTurns(t *testing.T) {
	h := newTestHarness()
	h.reg.Register(Registration{WorkflowType: "one_activity", Func: func(ctx Context, input interface{}) (interface{}, error) {
		return activityResultString(ctx, ExecuteActivity(ctx, "greet", input, ActivityOptions{}))
	}})
	h.start(t, "wf-2", "run-1", "one_activity", "world")
	e := h.engine()

	task := h.dequeueWorkflowTask(t)
	require.NoError(t, e.ProcessTask(context.Background(), testQueue, task))

	hist := h.history(t, "wf-2", "run-1")
	require.Equal(t, core.EventActivityScheduled, hist.Events[len(hist.Events)-1].Kind)
	require.False(t, hist.Events[len(hist.Events)-1].Kind.IsClose())

	// Simulate the activity completing out of band.
	scheduled := hist.Events[len(hist.Events)-1]
	resultPayloads, err := payload.DefaultDataConverter.ToPayloads("hello world")
	require.NoError(t, err)
	items := resultPayloads.GetPayloads()
	require.NoError(t, h.store.Append(context.Background(), "wf-2", "run-1", hist.Tail()+1, []core.Event{
		{Kind: core.EventActivityCompleted, Payload: core.EventPayload{
			ActivityID: scheduled.Payload.ActivityID, ScheduledEventID: scheduled.Seq,
			Result: items[0].GetData(), ResultMeta: items[0].GetMetadata(),
		}},
	}))
	require.NoError(t, h.queue.Enqueue(context.Background(), testQueue, taskqueue.Task{
		Kind: taskqueue.KindWorkflow, WorkflowID: "wf-2", RunID: "run-1",
	}, time.Time{}))

	task = h.dequeueWorkflowTask(t)
	require.NoError(t, e.ProcessTask(context.Background(), testQueue, task))

	hist = h.history(t, "wf-2", "run-1")
	last := hist.Events[len(hist.Events)-1]
	require.Equal(t, core.EventWorkflowCompleted, last.Kind)
	var out string
	ps := &payload.Payloads{Payloads: []*payload.Payload{{Data: last.Payload.Result, Metadata: last.Payload.ResultMeta}}}
	require.NoError(t, payload.DefaultDataConverter.FromPayloads(ps, &out))
	require.Equal(t, "hello world", out)
}

func TestEngineDetectsNonDeterminism(t *testing.T) {
	h := newTestHarness()
	h.reg.Register(Registration{WorkflowType: "renamed_activity", Func: func(ctx Context, input interface{}) (interface{}, error) {
		// Code now requests "step_two" where history recorded "step_one" at
		// the same ordinal position: a deploy that reordered/renamed an
		// ExecuteActivity call without a patched() guard.
		return nil, ExecuteActivity(ctx, "step_two", input, ActivityOptions{}).Get(ctx, nil)
	}})
	h.start(t, "wf-3", "run-1", "renamed_activity", "x")
	e := h.engine()

	// Pre-seed history as if "step_one" had already been scheduled.
	require.NoError(t, h.store.Append(context.Background(), "wf-3", "run-1", 2, []core.Event{
		{Kind: core.EventActivityScheduled, Payload: core.EventPayload{ActivityID: "act-1", ActivityType: "step_one"}},
	}))

	task := h.dequeueWorkflowTask(t)
	err := e.ProcessTask(context.Background(), testQueue, task)
	require.Error(t, err)
	require.True(t, core.IsNonDeterminism(err))

	hist := h.history(t, "wf-3", "run-1")
	require.Len(t, hist.Events, 2, "a parked execution's history is left untouched")
}

func TestEngineSagaCompensatesInReverseOrderOnFailure(t *testing.T) {
	h := newTestHarness()
	h.reg.Register(Registration{WorkflowType: "two_step_saga", Func: func(ctx Context, input interface{}) (interface{}, error) {
		if err := ExecuteActivity(ctx, "step_a", input, ActivityOptions{}).Get(ctx, nil); err != nil {
			return nil, err
		}
		RegisterCompensation(ctx, "undo_a", input, core.DefaultRetryPolicy())

		if err := ExecuteActivity(ctx, "step_b", input, ActivityOptions{}).Get(ctx, nil); err != nil {
			return nil, err
		}
		RegisterCompensation(ctx, "undo_b", input, core.DefaultRetryPolicy())

		return nil, ExecuteActivity(ctx, "step_c", input, ActivityOptions{}).Get(ctx, nil)
	}})
	h.start(t, "wf-4", "run-1", "two_step_saga", "x")
	e := h.engine()

	// Turn 1: schedules step_a.
	task := h.dequeueWorkflowTask(t)
	require.NoError(t, e.ProcessTask(context.Background(), testQueue, task))
	completeActivity(t, h, "step_a")

	// Turn 2: step_a resolved, registers undo_a, schedules step_b.
	task = h.dequeueWorkflowTask(t)
	require.NoError(t, e.ProcessTask(context.Background(), testQueue, task))
	completeActivity(t, h, "step_b")

	// Turn 3: step_b resolved, registers undo_b, schedules step_c which fails.
	task = h.dequeueWorkflowTask(t)
	require.NoError(t, e.ProcessTask(context.Background(), testQueue, task))
	failActivity(t, h, "step_c", "boom")

	// Turn 4: step_c failed, workflow returns an error; saga schedules undo_b first.
	task = h.dequeueWorkflowTask(t)
	require.NoError(t, e.ProcessTask(context.Background(), testQueue, task))
	hist := h.history(t, "wf-4", "run-1")
	last := hist.Events[len(hist.Events)-1]
	require.Equal(t, core.EventCompensationScheduled, last.Kind)
	require.Equal(t, "undo_b", last.Payload.CompensationActivity)
	completeCompensation(t, h, last.Payload.ActivityID, last.Payload.CompensationIndex)

	// Turn 5: undo_b done, saga schedules undo_a.
	task = h.dequeueWorkflowTask(t)
	require.NoError(t, e.ProcessTask(context.Background(), testQueue, task))
	hist = h.history(t, "wf-4", "run-1")
	last = hist.Events[len(hist.Events)-1]
	require.Equal(t, core.EventCompensationScheduled, last.Kind)
	require.Equal(t, "undo_a", last.Payload.CompensationActivity)
	completeCompensation(t, h, last.Payload.ActivityID, last.Payload.CompensationIndex)

	// Turn 6: undo_a done, saga reports Done, WorkflowFailed appended.
	task = h.dequeueWorkflowTask(t)
	require.NoError(t, e.ProcessTask(context.Background(), testQueue, task))
	hist = h.history(t, "wf-4", "run-1")
	last = hist.Events[len(hist.Events)-1]
	require.Equal(t, core.EventWorkflowFailed, last.Kind)
	require.Len(t, last.Payload.CompensationsSummary, 2)
	require.True(t, last.Payload.CompensationsSummary[0].Succeeded)
	require.True(t, last.Payload.CompensationsSummary[1].Succeeded)
}

func completeActivity(t *testing.T, h *testHarness, activityType string) {
	t.Helper()
	hist := h.history(t, "wf-4", "run-1")
	var scheduled core.Event
	for _, e := range hist.Events {
		if e.Kind == core.EventActivityScheduled && e.Payload.ActivityType == activityType {
			scheduled = e
		}
	}
	require.NotEmpty(t, scheduled.Payload.ActivityID, "activity %s was never scheduled", activityType)
	require.NoError(t, h.store.Append(context.Background(), "wf-4", "run-1", hist.Tail()+1, []core.Event{
		{Kind: core.EventActivityCompleted, Payload: core.EventPayload{ActivityID: scheduled.Payload.ActivityID, ScheduledEventID: scheduled.Seq}},
	}))
	require.NoError(t, h.queue.Enqueue(context.Background(), testQueue, taskqueue.Task{Kind: taskqueue.KindWorkflow, WorkflowID: "wf-4", RunID: "run-1"}, time.Time{}))
}

func failActivity(t *testing.T, h *testHarness, activityType, message string) {
	t.Helper()
	hist := h.history(t, "wf-4", "run-1")
	var scheduled core.Event
	for _, e := range hist.Events {
		if e.Kind == core.EventActivityScheduled && e.Payload.ActivityType == activityType {
			scheduled = e
		}
	}
	require.NotEmpty(t, scheduled.Payload.ActivityID, "activity %s was never scheduled", activityType)
	require.NoError(t, h.store.Append(context.Background(), "wf-4", "run-1", hist.Tail()+1, []core.Event{
		{Kind: core.EventActivityFailed, Payload: core.EventPayload{
			ActivityID: scheduled.Payload.ActivityID, ScheduledEventID: scheduled.Seq,
			ErrorKind: "boom", ErrorMessage: message, NonRetryable: true,
		}},
	}))
	require.NoError(t, h.queue.Enqueue(context.Background(), testQueue, taskqueue.Task{Kind: taskqueue.KindWorkflow, WorkflowID: "wf-4", RunID: "run-1"}, time.Time{}))
}

func completeCompensation(t *testing.T, h *testHarness, activityID string, index int) {
	t.Helper()
	hist := h.history(t, "wf-4", "run-1")
	require.NoError(t, h.store.Append(context.Background(), "wf-4", "run-1", hist.Tail()+1, []core.Event{
		{Kind: core.EventCompensationCompleted, Payload: core.EventPayload{ActivityID: activityID, CompensationIndex: index}},
	}))
	require.NoError(t, h.queue.Enqueue(context.Background(), testQueue, taskqueue.Task{Kind: taskqueue.KindWorkflow, WorkflowID: "wf-4", RunID: "run-1"}, time.Time{}))
}

func TestEngineContinueAsNewStartsFreshRunSameWorkflowID(t *testing.T) {
	h := newTestHarness()
	h.reg.Register(Registration{WorkflowType: "loops", Func: func(ctx Context, input interface{}) (interface{}, error) {
		return nil, ContinueAsNew(ctx, "next-input")
	}})
	h.start(t, "wf-5", "run-1", "loops", "first-input")
	e := h.engine()

	task := h.dequeueWorkflowTask(t)
	require.NoError(t, e.ProcessTask(context.Background(), testQueue, task))

	hist := h.history(t, "wf-5", "run-1")
	last := hist.Events[len(hist.Events)-1]
	require.Equal(t, core.EventWorkflowContinuedAsNew, last.Kind)

	runID, status, found, err := h.store.LatestRun(context.Background(), "wf-5")
	require.NoError(t, err)
	require.True(t, found)
	require.NotEqual(t, "run-1", runID)
	require.Equal(t, core.StatusRunning, status)

	newTask, err := h.queue.Dequeue(context.Background(), testQueue, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, newTask)
	require.Equal(t, runID, newTask.RunID)
}

func TestEngineQueryReplaysWithoutMutatingHistory(t *testing.T) {
	h := newTestHarness()
	h.reg.Register(Registration{WorkflowType: "queryable", Func: func(ctx Context, input interface{}) (interface{}, error) {
		SetQueryHandler(ctx, "state", func(interface{}) (interface{}, error) { return "blocked", nil })
		var out string
		return nil, ExecuteActivity(ctx, "wait_forever", input, ActivityOptions{}).Get(ctx, &out)
	}})
	h.start(t, "wf-6", "run-1", "queryable", "x")
	e := h.engine()

	task := h.dequeueWorkflowTask(t)
	require.NoError(t, e.ProcessTask(context.Background(), testQueue, task))

	result, err := e.Query(context.Background(), "wf-6", "run-1", "state", nil)
	require.NoError(t, err)
	require.Equal(t, "blocked", result)

	hist := h.history(t, "wf-6", "run-1")
	var queryAnswered int
	for _, ev := range hist.Events {
		if ev.Kind == core.EventQueryAnswered {
			queryAnswered++
		}
	}
	require.Equal(t, 1, queryAnswered, "Query appends an audit record but no command/close event")
}
