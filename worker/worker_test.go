package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/adx-core/woc/activity"
	"github.com/adx-core/woc/client"
	eventlogmem "github.com/adx-core/woc/internal/eventlog/memory"
	"github.com/adx-core/woc/internal/scheduler"
	taskqueuemem "github.com/adx-core/woc/internal/taskqueue/memory"
	"github.com/adx-core/woc/workflow"
)

const testQueue = "worker-queue"

func TestRegisterActivityPanicsOnDuplicate(t *testing.T) {
	w := New(testQueue, Options{Store: eventlogmem.New(), Queue: taskqueuemem.New()})
	w.RegisterActivity("greet", func(ctx context.Context, input interface{}) (interface{}, error) { return nil, nil }, RegisterActivityOptions{})
	require.Panics(t, func() {
		w.RegisterActivity("greet", func(ctx context.Context, input interface{}) (interface{}, error) { return nil, nil }, RegisterActivityOptions{})
	})
}

func TestRegisterWorkflowPanicsOnDuplicate(t *testing.T) {
	w := New(testQueue, Options{Store: eventlogmem.New(), Queue: taskqueuemem.New()})
	w.RegisterWorkflow("greet_wf", func(ctx scheduler.Context, input interface{}) (interface{}, error) { return nil, nil }, RegisterWorkflowOptions{})
	require.Panics(t, func() {
		w.RegisterWorkflow("greet_wf", func(ctx scheduler.Context, input interface{}) (interface{}, error) { return nil, nil }, RegisterWorkflowOptions{})
	})
}

func TestStartIsIdempotentAndExposesEngine(t *testing.T) {
	w := New(testQueue, Options{Store: eventlogmem.New(), Queue: taskqueuemem.New()})
	require.NoError(t, w.Start())
	require.NoError(t, w.Start(), "starting an already-running worker is a no-op")
	require.NotNil(t, w.Engine())
	w.Stop()
	w.Stop() // idempotent
}

func TestWorkerRunsWorkflowAndActivityEndToEnd(t *testing.T) {
	store := eventlogmem.New()
	queue := taskqueuemem.New()
	w := New(testQueue, Options{Store: store, Queue: queue, PollVisibility: 20 * time.Millisecond})

	w.RegisterActivity("greet", func(ctx context.Context, input interface{}) (interface{}, error) {
		var name string
		if err := activity.DecodeInput(input, &name); err != nil {
			return nil, err
		}
		activity.RecordHeartbeat(ctx, "greeting "+name)
		return "hello " + name, nil
	}, RegisterActivityOptions{})
	w.RegisterWorkflow("greeter", func(ctx scheduler.Context, input interface{}) (interface{}, error) {
		var name string
		if err := workflow.DecodeInput(input, &name); err != nil {
			return nil, err
		}
		var out string
		err := workflow.ExecuteActivity(ctx, "greet", name, workflow.ActivityOptions{}).Get(ctx, &out)
		return out, err
	}, RegisterWorkflowOptions{})

	require.NoError(t, w.Start())
	defer w.Stop()

	c := client.New(client.Options{Store: store, Queue: queue, Engine: w.Engine()})
	_, err := c.Start(context.Background(), "wf-1", "greeter", "world", client.StartOptions{TaskQueue: testQueue})
	require.NoError(t, err)

	result, err := c.GetResult(context.Background(), "wf-1", true, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, "hello world", result)
}
