package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/adx-core/woc/internal/core"
	eventlogmem "github.com/adx-core/woc/internal/eventlog/memory"
	"github.com/adx-core/woc/internal/scheduler"
	taskqueuemem "github.com/adx-core/woc/internal/taskqueue/memory"
)

const testQueue = "client-queue"

type harness struct {
	store  *eventlogmem.Store
	queue  *taskqueuemem.Queue
	engine *scheduler.Engine
	client *Client
}

func newHarness(reg *scheduler.Registry) *harness {
	store := eventlogmem.New()
	queue := taskqueuemem.New()
	engine := scheduler.NewEngine(scheduler.Options{Store: store, Queue: queue, Registry: reg})
	c := New(Options{Store: store, Queue: queue, Engine: engine})
	return &harness{store: store, queue: queue, engine: engine, client: c}
}

// runWorkflowTask drives one pending workflow task through the engine, the
// in-process stand-in for a worker polling the same queue the client enqueues
// to.
func (h *harness) runWorkflowTask(t *testing.T) {
	t.Helper()
	task, err := h.queue.Dequeue(context.Background(), testQueue, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, task, "expected a pending workflow task")
	require.NoError(t, h.engine.ProcessTask(context.Background(), testQueue, *task))
}

func TestStartEnqueuesWorkflowTaskAndAppendsHistory(t *testing.T) {
	reg := scheduler.NewRegistry()
	reg.Register(scheduler.Registration{WorkflowType: "noop", Func: func(ctx scheduler.Context, input interface{}) (interface{}, error) {
		return "done", nil
	}})
	h := newHarness(reg)

	runID, err := h.client.Start(context.Background(), "wf-1", "noop", "x", StartOptions{TaskQueue: testQueue})
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	hist, err := h.store.ReadRange(context.Background(), "wf-1", runID, 1, 0)
	require.NoError(t, err)
	require.Len(t, hist.Events, 1)
	require.Equal(t, core.EventWorkflowStarted, hist.Events[0].Kind)

	task, err := h.queue.Dequeue(context.Background(), testQueue, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, task)
	require.Equal(t, runID, task.RunID)
}

func TestStartRejectsDuplicateByDefault(t *testing.T) {
	reg := scheduler.NewRegistry()
	reg.Register(scheduler.Registration{WorkflowType: "noop", Func: func(ctx scheduler.Context, input interface{}) (interface{}, error) {
		return nil, nil
	}})
	h := newHarness(reg)

	_, err := h.client.Start(context.Background(), "wf-2", "noop", nil, StartOptions{TaskQueue: testQueue})
	require.NoError(t, err)

	_, err = h.client.Start(context.Background(), "wf-2", "noop", nil, StartOptions{TaskQueue: testQueue})
	require.Error(t, err)
	var exists *core.ExecutionAlreadyExistsError
	require.ErrorAs(t, err, &exists)
}

func TestStartAllowsDuplicateWhenPolicySaysSo(t *testing.T) {
	reg := scheduler.NewRegistry()
	reg.Register(scheduler.Registration{WorkflowType: "noop", Func: func(ctx scheduler.Context, input interface{}) (interface{}, error) {
		return nil, nil
	}})
	h := newHarness(reg)

	_, err := h.client.Start(context.Background(), "wf-3", "noop", nil, StartOptions{TaskQueue: testQueue})
	require.NoError(t, err)

	secondRunID, err := h.client.Start(context.Background(), "wf-3", "noop", nil, StartOptions{
		TaskQueue: testQueue, IDReusePolicy: core.IDReusePolicyAllowDuplicate,
	})
	require.NoError(t, err)
	require.NotEmpty(t, secondRunID)
}

func TestGetResultNonBlockingReturnsErrStillRunning(t *testing.T) {
	reg := scheduler.NewRegistry()
	reg.Register(scheduler.Registration{WorkflowType: "waits", Func: func(ctx scheduler.Context, input interface{}) (interface{}, error) {
		return nil, scheduler.ExecuteActivity(ctx, "never_completes", input, scheduler.ActivityOptions{}).Get(ctx, nil)
	}})
	h := newHarness(reg)

	_, err := h.client.Start(context.Background(), "wf-4", "waits", nil, StartOptions{TaskQueue: testQueue})
	require.NoError(t, err)
	h.runWorkflowTask(t)

	_, err = h.client.GetResult(context.Background(), "wf-4", false, 0)
	require.ErrorIs(t, err, ErrStillRunning)
}

func TestGetResultReturnsCompletedValue(t *testing.T) {
	reg := scheduler.NewRegistry()
	reg.Register(scheduler.Registration{WorkflowType: "echo", Func: func(ctx scheduler.Context, input interface{}) (interface{}, error) {
		return input, nil
	}})
	h := newHarness(reg)

	_, err := h.client.Start(context.Background(), "wf-5", "echo", "payload-5", StartOptions{TaskQueue: testQueue})
	require.NoError(t, err)
	h.runWorkflowTask(t)

	out, err := h.client.GetResult(context.Background(), "wf-5", false, 0)
	require.NoError(t, err)
	require.Equal(t, "payload-5", out)
}

func TestGetResultSurfacesWorkflowFailedError(t *testing.T) {
	reg := scheduler.NewRegistry()
	reg.Register(scheduler.Registration{WorkflowType: "fails", Func: func(ctx scheduler.Context, input interface{}) (interface{}, error) {
		return nil, &core.ValidationError{Message: "bad input"}
	}})
	h := newHarness(reg)

	_, err := h.client.Start(context.Background(), "wf-6", "fails", nil, StartOptions{TaskQueue: testQueue})
	require.NoError(t, err)
	h.runWorkflowTask(t)

	_, err = h.client.GetResult(context.Background(), "wf-6", false, 0)
	require.Error(t, err)
	var wfErr *core.WorkflowFailedError
	require.ErrorAs(t, err, &wfErr)
	require.Contains(t, wfErr.Message, "bad input")
}

func TestSignalAppendsEventAndWakesBlockedExecution(t *testing.T) {
	reg := scheduler.NewRegistry()
	reg.Register(scheduler.Registration{WorkflowType: "signaled", Func: func(ctx scheduler.Context, input interface{}) (interface{}, error) {
		ch := scheduler.GetSignalChannel(ctx, "go")
		var v interface{}
		ch.Receive(ctx, &v)
		return v, nil
	}})
	h := newHarness(reg)

	_, err := h.client.Start(context.Background(), "wf-7", "signaled", nil, StartOptions{TaskQueue: testQueue})
	require.NoError(t, err)
	h.runWorkflowTask(t)

	require.NoError(t, h.client.Signal(context.Background(), "wf-7", "go", "proceed"))

	task, err := h.queue.Dequeue(context.Background(), testQueue, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, task, "Signal must re-enqueue a workflow task to wake the blocked execution")

	hist, err := h.store.ReadRange(context.Background(), "wf-7", task.RunID, 1, 0)
	require.NoError(t, err)
	var sawSignal bool
	for _, e := range hist.Events {
		if e.Kind == core.EventSignalReceived && e.Payload.SignalName == "go" {
			sawSignal = true
		}
	}
	require.True(t, sawSignal)
}

func TestCancelAppendsCancelRequestedAndWakes(t *testing.T) {
	reg := scheduler.NewRegistry()
	reg.Register(scheduler.Registration{WorkflowType: "cancellable", Func: func(ctx scheduler.Context, input interface{}) (interface{}, error) {
		return nil, scheduler.ExecuteActivity(ctx, "long_running", input, scheduler.ActivityOptions{}).Get(ctx, nil)
	}})
	h := newHarness(reg)

	_, err := h.client.Start(context.Background(), "wf-8", "cancellable", nil, StartOptions{TaskQueue: testQueue})
	require.NoError(t, err)
	h.runWorkflowTask(t)

	require.NoError(t, h.client.Cancel(context.Background(), "wf-8", "user requested"))

	task, err := h.queue.Dequeue(context.Background(), testQueue, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, task)

	hist, err := h.store.ReadRange(context.Background(), "wf-8", task.RunID, 1, 0)
	require.NoError(t, err)
	last := hist.Events[len(hist.Events)-1]
	require.Equal(t, core.EventCancelRequested, last.Kind)
	require.Equal(t, "user requested", last.Payload.Reason)
}

func TestSignalAgainstClosedExecutionFails(t *testing.T) {
	reg := scheduler.NewRegistry()
	reg.Register(scheduler.Registration{WorkflowType: "noop", Func: func(ctx scheduler.Context, input interface{}) (interface{}, error) {
		return nil, nil
	}})
	h := newHarness(reg)

	_, err := h.client.Start(context.Background(), "wf-9", "noop", nil, StartOptions{TaskQueue: testQueue})
	require.NoError(t, err)
	h.runWorkflowTask(t)

	err = h.client.Signal(context.Background(), "wf-9", "go", nil)
	require.Error(t, err)
	var closed *core.ExecutionClosedError
	require.ErrorAs(t, err, &closed)
}

func TestDescribeReportsProgressAndPendingActivities(t *testing.T) {
	reg := scheduler.NewRegistry()
	reg.Register(scheduler.Registration{WorkflowType: "tracked", Func: func(ctx scheduler.Context, input interface{}) (interface{}, error) {
		scheduler.ReportProgress(ctx, "step-one", 1, 3)
		return nil, scheduler.ExecuteActivity(ctx, "slow_activity", input, scheduler.ActivityOptions{}).Get(ctx, nil)
	}})
	h := newHarness(reg)

	runID, err := h.client.Start(context.Background(), "wf-10", "tracked", nil, StartOptions{TaskQueue: testQueue})
	require.NoError(t, err)
	h.runWorkflowTask(t)

	desc, err := h.client.Describe(context.Background(), "wf-10")
	require.NoError(t, err)
	require.Equal(t, runID, desc.RunID)
	require.Equal(t, core.StatusRunning, desc.Status)
	require.NotNil(t, desc.Progress)
	require.Equal(t, "step-one", desc.Progress.StepName)
	require.Len(t, desc.PendingActivities, 1)
	require.Equal(t, "slow_activity", desc.PendingActivities[0].ActivityType)
}

func TestStartWithCronScheduleRegistersRecurringStartWithoutRunningImmediately(t *testing.T) {
	reg := scheduler.NewRegistry()
	reg.Register(scheduler.Registration{WorkflowType: "scheduled", Func: func(ctx scheduler.Context, input interface{}) (interface{}, error) {
		return nil, nil
	}})
	h := newHarness(reg)
	defer h.client.Stop()

	runID, err := h.client.Start(context.Background(), "wf-cron", "scheduled", nil, StartOptions{
		TaskQueue: testQueue, CronSchedule: "0 0 1 1 *",
	})
	require.NoError(t, err)
	require.Empty(t, runID, "a cron-scheduled Start registers a recurring schedule rather than starting an execution immediately")

	task, err := h.queue.Dequeue(context.Background(), testQueue, time.Minute)
	require.NoError(t, err)
	require.Nil(t, task, "no execution should be enqueued before the cron schedule next fires")
}

func TestStartWithInvalidCronScheduleReturnsError(t *testing.T) {
	reg := scheduler.NewRegistry()
	h := newHarness(reg)
	defer h.client.Stop()

	_, err := h.client.Start(context.Background(), "wf-cron-2", "scheduled", nil, StartOptions{
		TaskQueue: testQueue, CronSchedule: "not a cron expression",
	})
	require.Error(t, err)
}

func TestStartWithCronScheduleReplacesPriorScheduleForSameWorkflowID(t *testing.T) {
	reg := scheduler.NewRegistry()
	h := newHarness(reg)
	defer h.client.Stop()

	_, err := h.client.Start(context.Background(), "wf-cron-3", "scheduled", nil, StartOptions{
		TaskQueue: testQueue, CronSchedule: "0 0 1 1 *",
	})
	require.NoError(t, err)

	// Registering a second schedule for the same workflow_id must replace the
	// first rather than accumulate a second cron entry.
	_, err = h.client.Start(context.Background(), "wf-cron-3", "scheduled", nil, StartOptions{
		TaskQueue: testQueue, CronSchedule: "0 0 2 1 *",
	})
	require.NoError(t, err)
	require.Len(t, h.client.cronEntries, 1)
}

func TestQueryDelegatesToEngine(t *testing.T) {
	reg := scheduler.NewRegistry()
	reg.Register(scheduler.Registration{WorkflowType: "queryable", Func: func(ctx scheduler.Context, input interface{}) (interface{}, error) {
		scheduler.SetQueryHandler(ctx, "state", func(interface{}) (interface{}, error) { return "waiting", nil })
		return nil, scheduler.ExecuteActivity(ctx, "slow", input, scheduler.ActivityOptions{}).Get(ctx, nil)
	}})
	h := newHarness(reg)

	_, err := h.client.Start(context.Background(), "wf-11", "queryable", nil, StartOptions{TaskQueue: testQueue})
	require.NoError(t, err)
	h.runWorkflowTask(t)

	result, err := h.client.Query(context.Background(), "wf-11", "state", nil)
	require.NoError(t, err)
	require.Equal(t, "waiting", result)
}
