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

// Package testsuite provides an in-process harness for exercising a
// workflow/activity pair without a real task queue poller: one
// TestWorkflowEnvironment wires an in-memory event log and task queue to a
// scheduler.Engine and dispatcher.Worker, then drains that one queue's
// workflow and activity tasks synchronously from the calling goroutine,
// following the shape of the
// teacher's WorkflowTestSuite (register, execute, assert).
package testsuite

import (
	"context"
	"fmt"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/adx-core/woc/internal/core"
	"github.com/adx-core/woc/internal/dispatcher"
	eventlogmem "github.com/adx-core/woc/internal/eventlog/memory"
	"github.com/adx-core/woc/internal/payload"
	"github.com/adx-core/woc/internal/scheduler"
	"github.com/adx-core/woc/internal/taskqueue"
	taskqueuemem "github.com/adx-core/woc/internal/taskqueue/memory"
	"github.com/adx-core/woc/internal/versioning"
)

const defaultTaskQueue = "test-task-queue"

// WorkflowTestSuite is the entry point, mirroring the teacher's
// WorkflowTestSuite: call NewTestWorkflowEnvironment per test case.
type WorkflowTestSuite struct {
	Converter payload.DataConverter
}

func (s *WorkflowTestSuite) NewTestWorkflowEnvironment() *TestWorkflowEnvironment {
	converter := s.Converter
	if converter == nil {
		converter = payload.DefaultDataConverter
	}
	return &TestWorkflowEnvironment{
		converter:  converter,
		store:      eventlogmem.New(),
		queue:      taskqueuemem.New(),
		activities: dispatcher.NewRegistry(),
		workflows:  scheduler.NewRegistry(),
		mocks:      &mock.Mock{},
	}
}

// TestWorkflowEnvironment drives exactly one workflow execution to
// completion against real activity handlers (or mocks registered via
// OnActivity), replaying through the same scheduler.Engine and
// dispatcher.Worker production code uses.
//
// Timers are still anchored to wall-clock time (the engine's
// fireDueTimers scans real time.Now()), so a test with an hours-long
// Sleep will actually wait; this environment does not substitute a mock
// clock the way the teacher's does, since nothing else in this engine
// threads a clock abstraction through the replay path. Keep timer
// durations in tests short.
type TestWorkflowEnvironment struct {
	converter  payload.DataConverter
	store      *eventlogmem.Store
	queue      *taskqueuemem.Queue
	activities *dispatcher.Registry
	workflows  *scheduler.Registry
	mocks      *mock.Mock
	mockTypes  map[string]bool

	workflowID string
	runID      string

	result    interface{}
	resultErr error
	done      bool
}

// RegisterActivity registers a real activity handler under activityType.
func (e *TestWorkflowEnvironment) RegisterActivity(activityType string, fn dispatcher.Handler) {
	e.activities.Register(dispatcher.Registration{Name: activityType, Handler: fn, DefaultRetry: core.DefaultRetryPolicy()})
}

// OnActivity stubs activityType with a mock handler driven by
// testify/mock expectations set up on Mock(), the way the teacher's
// env.OnActivity does for isolating a workflow under test from its real
// activities.
func (e *TestWorkflowEnvironment) OnActivity(activityType string, fn dispatcher.Handler) *mock.Call {
	if e.mockTypes == nil {
		e.mockTypes = map[string]bool{}
	}
	e.mockTypes[activityType] = true
	e.activities.Register(dispatcher.Registration{Name: activityType, Handler: fn, DefaultRetry: core.DefaultRetryPolicy()})
	return e.mocks.On(activityType)
}

// Mock exposes the underlying testify Mock for OnActivity expectation
// setup (.Return(...), .Times(n), assertions via AssertExpectations).
func (e *TestWorkflowEnvironment) Mock() *mock.Mock { return e.mocks }

// RegisterWorkflow registers the workflow function under test (and any
// child workflow types it depends on).
func (e *TestWorkflowEnvironment) RegisterWorkflow(workflowType string, fn scheduler.WorkflowFunc, changes *versioning.ChangeRegistry, version versioning.Version) {
	e.workflows.Register(scheduler.Registration{WorkflowType: workflowType, Func: fn, DefaultVersion: version, Changes: changes})
}

// ExecuteWorkflow starts workflowType with input and drains every task it
// produces (and every activity task those turns enqueue) until the
// execution closes, capturing its outcome for Result/Error.
func (e *TestWorkflowEnvironment) ExecuteWorkflow(workflowType string, input interface{}) error {
	ctx := context.Background()
	e.workflowID = "test-workflow"
	e.runID = "test-run-1"

	inputData, inputMeta, err := encodeOne(e.converter, input)
	if err != nil {
		return fmt.Errorf("testsuite: encode input: %w", err)
	}
	if err := e.store.ClaimRun(ctx, e.workflowID, e.runID, core.IDReusePolicyAllowDuplicate); err != nil {
		return err
	}
	var versionStamp string
	if reg, ok := e.workflows.Lookup(workflowType); ok {
		versionStamp = reg.DefaultVersion.String()
	}
	startEvent := core.Event{
		Kind: core.EventWorkflowStarted,
		Payload: core.EventPayload{
			WorkflowType: workflowType, TaskQueue: defaultTaskQueue,
			Input: inputData, InputMeta: inputMeta, VersionStamp: versionStamp,
		},
	}
	if err := e.store.Append(ctx, e.workflowID, e.runID, 1, []core.Event{startEvent}); err != nil {
		return err
	}
	if err := e.queue.Enqueue(ctx, defaultTaskQueue, taskqueue.Task{
		Kind: taskqueue.KindWorkflow, WorkflowID: e.workflowID, RunID: e.runID,
	}, time.Time{}); err != nil {
		return err
	}

	engine := scheduler.NewEngine(scheduler.Options{Store: e.store, Queue: e.queue, Registry: e.workflows, Converter: e.converter})
	worker := dispatcher.NewWorker(dispatcher.Options{Store: e.store, Queue: e.queue, Registry: e.activities, Converter: e.converter})

	const maxTurns = 10000
	for turn := 0; turn < maxTurns; turn++ {
		progressed := false

		if task, _ := e.queue.Dequeue(ctx, defaultTaskQueue, 30*time.Second); task != nil {
			progressed = true
			switch task.Kind {
			case taskqueue.KindWorkflow:
				if err := engine.ProcessTask(ctx, defaultTaskQueue, *task); err != nil {
					e.resultErr = err
					e.done = true
					return e.finish()
				}
			case taskqueue.KindActivity:
				if err := worker.ProcessTask(ctx, defaultTaskQueue, *task); err != nil {
					return fmt.Errorf("testsuite: activity task failed: %w", err)
				}
			}
		}

		if status, closed := e.checkClosed(ctx); closed {
			e.done = true
			return e.applyOutcome(ctx, status)
		}

		if !progressed {
			time.Sleep(5 * time.Millisecond)
		}
	}
	return fmt.Errorf("testsuite: workflow did not close within %d turns", maxTurns)
}

func (e *TestWorkflowEnvironment) checkClosed(ctx context.Context) (core.Status, bool) {
	_, status, found, err := e.store.LatestRun(ctx, e.workflowID)
	if err != nil || !found {
		return core.StatusUnspecified, false
	}
	return status, status.IsTerminal()
}

func (e *TestWorkflowEnvironment) applyOutcome(ctx context.Context, status core.Status) error {
	hist, err := e.store.ReadRange(ctx, e.workflowID, e.runID, 1, 0)
	if err != nil {
		return err
	}
	last := hist.Events[len(hist.Events)-1]
	switch last.Kind {
	case core.EventWorkflowCompleted:
		var out interface{}
		ps := &payload.Payloads{Payloads: []*payload.Payload{{Data: last.Payload.Result, Metadata: last.Payload.ResultMeta}}}
		_ = e.converter.FromPayloads(ps, &out)
		e.result = out
	case core.EventWorkflowFailed:
		e.resultErr = &core.WorkflowFailedError{
			WorkflowID: e.workflowID, RunID: e.runID,
			Kind: last.Payload.ErrorKind, Message: last.Payload.ErrorMessage,
			CompensationsSummary: last.Payload.CompensationsSummary,
		}
	}
	return e.finish()
}

func (e *TestWorkflowEnvironment) finish() error { return nil }

// IsWorkflowCompleted reports whether ExecuteWorkflow observed a close
// event (successful or not).
func (e *TestWorkflowEnvironment) IsWorkflowCompleted() bool { return e.done }

// GetWorkflowError returns the terminal error, if the execution failed.
func (e *TestWorkflowEnvironment) GetWorkflowError() error { return e.resultErr }

// GetWorkflowResult decodes the execution's successful result into
// valuePtr.
func (e *TestWorkflowEnvironment) GetWorkflowResult(valuePtr interface{}) error {
	if e.resultErr != nil {
		return e.resultErr
	}
	ps, err := e.converter.ToPayloads(e.result)
	if err != nil {
		return err
	}
	return e.converter.FromPayloads(ps, valuePtr)
}

func encodeOne(converter payload.DataConverter, v interface{}) ([]byte, map[string][]byte, error) {
	if v == nil {
		return nil, nil, nil
	}
	ps, err := converter.ToPayloads(v)
	if err != nil {
		return nil, nil, err
	}
	if items := ps.GetPayloads(); len(items) > 0 {
		return items[0].GetData(), items[0].GetMetadata(), nil
	}
	return nil, nil, nil
}
