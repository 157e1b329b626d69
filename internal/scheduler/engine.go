// Package scheduler implements C4, the workflow scheduler / replay engine:
// given a workflow task, it rehydrates an execution's state by deterministic
// replay of its event log, runs the registered workflow function to its next
// decision point, and applies the resulting commands (spec.md §4.4).
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/pborman/uuid"
	"go.uber.org/zap"

	"github.com/adx-core/woc/internal/common/metrics"
	"github.com/adx-core/woc/internal/core"
	"github.com/adx-core/woc/internal/coroutine"
	"github.com/adx-core/woc/internal/eventlog"
	"github.com/adx-core/woc/internal/payload"
	"github.com/adx-core/woc/internal/saga"
	"github.com/adx-core/woc/internal/taskqueue"
	"github.com/adx-core/woc/internal/versioning"
)

// WorkflowFunc is the author-facing workflow ABI: input/output are opaque,
// decoded/encoded at the boundary by the Engine's DataConverter.
type WorkflowFunc func(ctx Context, input interface{}) (interface{}, error)

// Registration pairs a workflow type with its function and versioning.
type Registration struct {
	WorkflowType   string
	Func           WorkflowFunc
	DefaultVersion versioning.Version
	Changes        *versioning.ChangeRegistry
	// StepTotalHint backs describe()'s progress.steps_total (§6); zero means
	// "unknown", matching an author who hasn't called ReportProgress.
	StepTotalHint int
}

// Registry holds registered workflow types, mirroring dispatcher.Registry's
// role for activities.
type Registry struct {
	workflows map[string]Registration
}

func NewRegistry() *Registry { return &Registry{workflows: make(map[string]Registration)} }

func (r *Registry) Register(reg Registration) {
	if reg.WorkflowType == "" {
		panic("scheduler: workflow registered with empty type")
	}
	if reg.Changes == nil {
		reg.Changes = versioning.NewChangeRegistry()
	}
	if _, exists := r.workflows[reg.WorkflowType]; exists {
		panic(fmt.Sprintf("scheduler: workflow type %q already registered", reg.WorkflowType))
	}
	r.workflows[reg.WorkflowType] = reg
}

func (r *Registry) Lookup(workflowType string) (Registration, bool) {
	reg, ok := r.workflows[workflowType]
	return reg, ok
}

// Engine drives the replay algorithm for one task queue's worth of workflow
// tasks, analogous to dispatcher.Worker for activity tasks.
type Engine struct {
	store        eventlog.Store
	queue        taskqueue.Queue
	registry     *Registry
	converter    payload.DataConverter
	saga         *saga.Coordinator
	logger       *zap.Logger
	metricsScope *metrics.TaggedScope
}

// Options configures an Engine.
type Options struct {
	Store        eventlog.Store
	Queue        taskqueue.Queue
	Registry     *Registry
	Converter    payload.DataConverter
	Logger       *zap.Logger
	MetricsScope *metrics.TaggedScope
}

func NewEngine(opts Options) *Engine {
	converter := opts.Converter
	if converter == nil {
		converter = payload.DefaultDataConverter
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	scope := metrics.NewTaggedScope(nil)
	if opts.MetricsScope != nil {
		scope = opts.MetricsScope
	}
	return &Engine{
		store:        opts.Store,
		queue:        opts.Queue,
		registry:     opts.Registry,
		converter:    converter,
		saga:         saga.NewCoordinator(opts.Store, opts.Queue, converter),
		logger:       logger,
		metricsScope: scope,
	}
}

// Run polls queueName for workflow tasks until ctx is cancelled or
// shutdownC fires, matching dispatcher.Worker.Run's shape.
func (e *Engine) Run(ctx context.Context, queueName string, visibility time.Duration, shutdownC <-chan struct{}) error {
	for {
		select {
		case <-shutdownC:
			return ctx.Err()
		default:
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		task, err := e.queue.Dequeue(ctx, queueName, visibility)
		if err != nil {
			e.logger.Warn("dequeue failed", zap.Error(err))
			continue
		}
		if task == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		if err := e.ProcessTask(ctx, queueName, *task); err != nil {
			e.logger.Error("process workflow task failed",
				zap.String("workflow_id", task.WorkflowID), zap.String("run_id", task.RunID), zap.Error(err))
		}
	}
}

// ProcessTask implements spec.md §4.4's replay algorithm end to end for one
// workflow task: read history, replay to the next decision point, apply the
// turn's output.
func (e *Engine) ProcessTask(ctx context.Context, queueName string, task taskqueue.Task) error {
	hist, err := e.store.ReadRange(ctx, task.WorkflowID, task.RunID, 1, 0)
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}
	if len(hist.Events) > 0 && hist.Events[len(hist.Events)-1].Kind.IsClose() {
		// Duplicate wakeup against an already-closed execution: ack silently.
		return e.queue.Ack(ctx, queueName, task.ID)
	}

	if appended, err := e.fireDueTimers(ctx, hist); err != nil {
		return err
	} else if appended {
		hist, err = e.store.ReadRange(ctx, task.WorkflowID, task.RunID, 1, 0)
		if err != nil {
			return fmt.Errorf("re-read history after timer fire: %w", err)
		}
	}

	started := hist.Events[0]
	reg, ok := e.registry.Lookup(started.Payload.WorkflowType)
	if !ok {
		if err := e.appendClose(ctx, hist, core.Event{
			Kind: core.EventWorkflowFailed,
			Payload: core.EventPayload{
				ErrorKind: "UnregisteredWorkflowType",
				ErrorMessage: fmt.Sprintf("no workflow function registered for type %q", started.Payload.WorkflowType),
			},
		}); err != nil {
			return err
		}
		return e.queue.Ack(ctx, queueName, task.ID)
	}

	scope := e.metricsScope.GetWorkflowScope("", reg.WorkflowType, queueName)
	scope.Counter(metrics.DecisionTaskStarted).Inc(1)
	start := time.Now()

	result, rerr, env := e.replay(hist, reg, false)
	scope.Timer(metrics.ReplayLatency).Record(time.Since(start))

	if env.nondeterminism != nil {
		scope.Counter(metrics.NonDeterminismDetected).Inc(1)
		e.logger.Error("non-determinism detected, execution parked", zap.Error(env.nondeterminism),
			zap.String("workflow_id", task.WorkflowID), zap.String("run_id", task.RunID))
		// Per spec.md §4.4: event log untouched, execution parked. We
		// deliberately do not ack, so the task is redelivered after its
		// visibility timeout lapses until an operator intervenes.
		return env.nondeterminism
	}

	if !result.done {
		// Still awaiting activities/timers/signals: apply only the new
		// commands this turn produced, if any.
		if len(env.pendingEvents) == 0 {
			scope.Counter(metrics.DecisionTaskCompleted).Inc(1)
			return e.queue.Ack(ctx, queueName, task.ID)
		}
		if err := e.applyTurn(ctx, hist, env); err != nil {
			return err
		}
		scope.Counter(metrics.DecisionTaskCompleted).Inc(1)
		return e.queue.Ack(ctx, queueName, task.ID)
	}

	// The function returned. Apply whatever new commands it issued en route
	// (e.g. RegisterCompensation calls right before the failing activity)
	// before handling completion/failure.
	if len(env.pendingEvents) > 0 {
		if err := e.applyTurn(ctx, hist, env); err != nil {
			return err
		}
		hist, err = e.store.ReadRange(ctx, task.WorkflowID, task.RunID, 1, 0)
		if err != nil {
			return fmt.Errorf("re-read history after turn: %w", err)
		}
	}

	if env.continueAsNew != nil {
		return e.continueAsNew(ctx, queueName, task, hist, reg, env)
	}

	if rerr == nil {
		scope.Counter(metrics.DecisionTaskCompleted).Inc(1)
		return e.completeWorkflow(ctx, queueName, task, hist, result.value)
	}

	scope.Counter(metrics.DecisionTaskFailed).Inc(1)
	return e.failWorkflow(ctx, queueName, task, hist, rerr)
}

// fireDueTimers appends TimerFired for any TimerStarted whose fire_at has
// passed and which has no TimerFired/TimerCancelled yet.
func (e *Engine) fireDueTimers(ctx context.Context, hist *core.History) (bool, error) {
	fired := map[string]bool{}
	cancelled := map[string]bool{}
	var due []core.Event
	now := time.Now()
	for _, ev := range hist.Events {
		switch ev.Kind {
		case core.EventTimerFired:
			fired[ev.Payload.TimerID] = true
		case core.EventTimerCancelled:
			cancelled[ev.Payload.TimerID] = true
		}
	}
	for _, ev := range hist.Events {
		if ev.Kind != core.EventTimerStarted {
			continue
		}
		if fired[ev.Payload.TimerID] || cancelled[ev.Payload.TimerID] {
			continue
		}
		if now.Before(ev.Payload.FireAt) {
			continue
		}
		due = append(due, core.Event{Kind: core.EventTimerFired, Payload: core.EventPayload{TimerID: ev.Payload.TimerID}})
	}
	if len(due) == 0 {
		return false, nil
	}
	tail := hist.Tail()
	if err := e.store.Append(ctx, hist.WorkflowID, hist.RunID, tail+1, due); err != nil && !core.IsConcurrentAppend(err) {
		return false, err
	}
	return true, nil
}

type replayResult struct {
	done  bool
	value interface{}
}

// replay runs reg.Func to its next block point (or completion) inside a
// fresh coroutine dispatcher, returning whatever the function returned if it
// finished, or done=false if it's still blocked awaiting a command.
func (e *Engine) replay(hist *core.History, reg Registration, queryMode bool) (replayResult, error, *environment) {
	env, err := newEnvironment(hist, e.converter, reg.Changes, queryMode)
	if err != nil {
		return replayResult{}, err, &environment{nondeterminism: err}
	}

	var input interface{}
	started := hist.Events[0]
	inputPayloads := &payload.Payloads{Payloads: []*payload.Payload{{Data: started.Payload.Input, Metadata: started.Payload.InputMeta}}}
	_ = e.converter.FromPayloads(inputPayloads, &input)

	var outValue interface{}
	var outErr error
	finished := false

	root := func(ctx coroutine.Context) {
		wfCtx := withEnvironment(ctx, env)
		defer func() {
			if r := recover(); r != nil {
				outErr = fmt.Errorf("workflow panic: %v", r)
				finished = true
			}
		}()
		outValue, outErr = reg.Func(wfCtx, input)
		finished = true
	}

	d, _ := coroutine.New(coroutine.Background(), root)
	if derr := d.ExecuteUntilAllBlocked(); derr != nil {
		if env.nondeterminism == nil {
			env.nondeterminism = derr
		}
	}
	d.Close()

	if !finished {
		return replayResult{done: false}, nil, env
	}
	return replayResult{done: true, value: outValue}, outErr, env
}

// applyTurn appends WorkflowTaskCompleted plus every new command event this
// turn produced, in one atomic append, then enqueues the corresponding tasks
// (spec.md §4.4 step 4).
func (e *Engine) applyTurn(ctx context.Context, hist *core.History, env *environment) error {
	tail := hist.Tail()
	events := append([]core.Event{{Kind: core.EventWorkflowTaskCompleted}}, env.pendingEvents...)
	if err := e.store.Append(ctx, hist.WorkflowID, hist.RunID, tail+1, events); err != nil && !core.IsConcurrentAppend(err) {
		return err
	}
	for _, t := range env.pendingTasks {
		if err := e.queue.Enqueue(ctx, t.queue, t.task, t.notBefore); err != nil {
			return err
		}
	}
	for _, c := range env.pendingChildStarts {
		if err := e.startChild(ctx, hist, c); err != nil {
			e.logger.Error("failed to start child workflow",
				zap.String("child_workflow_id", c.childWorkflowID), zap.Error(err))
		}
	}
	return nil
}

// startChild claims and starts an independent execution for a scheduled
// child workflow, recording the parent linkage on its WorkflowStarted event
// so notifyParent can relay its eventual close back (spec.md §4.4 child
// workflows). A failure here (e.g. workflow_id collision) is logged rather
// than propagated: the parent's own turn already committed, so ExecuteChild-
// Workflow's Future simply never resolves for this child, the same
// observable failure mode as a worker that never polls its task queue.
func (e *Engine) startChild(ctx context.Context, parentHist *core.History, c pendingChildStart) error {
	childRunID := uuid.New()
	if err := e.store.ClaimRun(ctx, c.childWorkflowID, childRunID, core.IDReusePolicyReject); err != nil {
		return err
	}
	startEvent := core.Event{
		Kind: core.EventWorkflowStarted,
		Payload: core.EventPayload{
			WorkflowType: c.workflowType, TaskQueue: c.taskQueue,
			Input: c.input, InputMeta: c.inputMeta,
			ChildWorkflowID:  c.correlationID,
			ParentWorkflowID: parentHist.WorkflowID,
			ParentRunID:      parentHist.RunID,
			ParentTaskQueue:  parentHist.Events[0].Payload.TaskQueue,
		},
	}
	if err := e.store.Append(ctx, c.childWorkflowID, childRunID, 1, []core.Event{startEvent}); err != nil {
		return err
	}
	if err := e.store.SetStatus(ctx, c.childWorkflowID, childRunID, core.StatusRunning); err != nil {
		return err
	}
	return e.queue.Enqueue(ctx, c.taskQueue, taskqueue.Task{
		Kind: taskqueue.KindWorkflow, WorkflowID: c.childWorkflowID, RunID: childRunID,
	}, time.Time{})
}

// notifyParent relays a just-closed child execution's outcome back onto its
// parent's history as ChildWorkflowCompleted/ChildWorkflowFailed and wakes
// the parent's workflow task, if hist was started as a child (its
// WorkflowStarted carries ParentWorkflowID). A no-op for ordinary
// executions.
func (e *Engine) notifyParent(ctx context.Context, hist *core.History, closeEvent core.Event) error {
	started := hist.Events[0]
	if started.Payload.ParentWorkflowID == "" {
		return nil
	}

	var childEvent core.Event
	switch closeEvent.Kind {
	case core.EventWorkflowCompleted:
		childEvent = core.Event{
			Kind: core.EventChildWorkflowCompleted,
			Payload: core.EventPayload{
				ChildWorkflowID: started.Payload.ChildWorkflowID,
				Result:          closeEvent.Payload.Result, ResultMeta: closeEvent.Payload.ResultMeta,
			},
		}
	case core.EventWorkflowFailed, core.EventWorkflowCancelled, core.EventWorkflowTimedOut:
		childEvent = core.Event{
			Kind: core.EventChildWorkflowFailed,
			Payload: core.EventPayload{
				ChildWorkflowID: started.Payload.ChildWorkflowID,
				ErrorKind:       closeEvent.Payload.ErrorKind, ErrorMessage: closeEvent.Payload.ErrorMessage,
			},
		}
	default:
		return nil
	}

	parentWorkflowID, parentRunID := started.Payload.ParentWorkflowID, started.Payload.ParentRunID
	tail, err := e.store.Tail(ctx, parentWorkflowID, parentRunID)
	if err != nil {
		return err
	}
	if err := e.store.Append(ctx, parentWorkflowID, parentRunID, tail+1, []core.Event{childEvent}); err != nil && !core.IsConcurrentAppend(err) {
		return err
	}
	return e.queue.Enqueue(ctx, started.Payload.ParentTaskQueue, taskqueue.Task{
		Kind: taskqueue.KindWorkflow, WorkflowID: parentWorkflowID, RunID: parentRunID,
	}, time.Time{})
}

func (e *Engine) completeWorkflow(ctx context.Context, queueName string, task taskqueue.Task, hist *core.History, value interface{}) error {
	outPayloads, err := e.converter.ToPayloads(value)
	var data []byte
	var meta map[string][]byte
	if err == nil {
		if ps := outPayloads.GetPayloads(); len(ps) > 0 {
			data, meta = ps[0].GetData(), ps[0].GetMetadata()
		}
	}
	closeEvent := core.Event{
		Kind:    core.EventWorkflowCompleted,
		Payload: core.EventPayload{Result: data, ResultMeta: meta},
	}
	if err := e.appendClose(ctx, hist, closeEvent); err != nil {
		return err
	}
	if err := e.store.SetStatus(ctx, hist.WorkflowID, hist.RunID, core.StatusCompleted); err != nil {
		return err
	}
	if err := e.notifyParent(ctx, hist, closeEvent); err != nil {
		e.logger.Error("failed to notify parent of child workflow completion",
			zap.String("workflow_id", hist.WorkflowID), zap.Error(err))
	}
	return e.queue.Ack(ctx, queueName, task.ID)
}

// failWorkflow drives the compensating sub-state (spec.md §4.5) one step per
// call; once the saga coordinator reports Done, it appends the terminal
// WorkflowFailed carrying the compensation summary.
func (e *Engine) failWorkflow(ctx context.Context, queueName string, task taskqueue.Task, hist *core.History, workflowErr error) error {
	status, err := e.saga.Advance(ctx, queueName, hist.WorkflowID, hist.RunID, hist)
	if err != nil {
		return err
	}
	if !status.Done {
		return e.queue.Ack(ctx, queueName, task.ID)
	}

	closeEvent := core.Event{
		Kind: core.EventWorkflowFailed,
		Payload: core.EventPayload{
			ErrorKind:            fmt.Sprintf("%T", workflowErr),
			ErrorMessage:         workflowErr.Error(),
			CompensationsSummary: status.Results,
		},
	}
	if err := e.appendClose(ctx, hist, closeEvent); err != nil {
		return err
	}
	if err := e.store.SetStatus(ctx, hist.WorkflowID, hist.RunID, core.StatusFailed); err != nil {
		return err
	}
	if err := e.notifyParent(ctx, hist, closeEvent); err != nil {
		e.logger.Error("failed to notify parent of child workflow failure",
			zap.String("workflow_id", hist.WorkflowID), zap.Error(err))
	}
	return e.queue.Ack(ctx, queueName, task.ID)
}

func (e *Engine) appendClose(ctx context.Context, hist *core.History, ev core.Event) error {
	tail, err := e.store.Tail(ctx, hist.WorkflowID, hist.RunID)
	if err != nil {
		return err
	}
	if err := e.store.Append(ctx, hist.WorkflowID, hist.RunID, tail+1, []core.Event{ev}); err != nil && !core.IsConcurrentAppend(err) {
		return err
	}
	return nil
}

// continueAsNew closes the current run with WorkflowContinuedAsNew and
// starts a fresh run sharing the same workflow_id, per spec.md §4.4.
func (e *Engine) continueAsNew(ctx context.Context, queueName string, task taskqueue.Task, hist *core.History, reg Registration, env *environment) error {
	if err := e.appendClose(ctx, hist, core.Event{Kind: core.EventWorkflowContinuedAsNew}); err != nil {
		return err
	}
	if err := e.store.SetStatus(ctx, hist.WorkflowID, hist.RunID, core.StatusContinuedAsNew); err != nil {
		return err
	}

	newRunID := fmt.Sprintf("%s-%d", hist.RunID, time.Now().UnixNano())
	if err := e.store.ClaimRun(ctx, hist.WorkflowID, newRunID, core.IDReusePolicyAllowDuplicate); err != nil {
		return err
	}
	inputPayloads, err := e.converter.ToPayloads(env.continueAsNew.input)
	var data []byte
	var meta map[string][]byte
	if err == nil {
		if ps := inputPayloads.GetPayloads(); len(ps) > 0 {
			data, meta = ps[0].GetData(), ps[0].GetMetadata()
		}
	}
	startEvent := core.Event{
		Kind: core.EventWorkflowStarted,
		Payload: core.EventPayload{
			WorkflowType: reg.WorkflowType, TaskQueue: queueName,
			Input: data, InputMeta: meta, VersionStamp: reg.DefaultVersion.String(),
		},
	}
	if err := e.store.Append(ctx, hist.WorkflowID, newRunID, 1, []core.Event{startEvent}); err != nil {
		return err
	}
	if err := e.queue.Enqueue(ctx, queueName, taskqueue.Task{
		Kind: taskqueue.KindWorkflow, WorkflowID: hist.WorkflowID, RunID: newRunID,
	}, time.Time{}); err != nil {
		return err
	}
	return e.queue.Ack(ctx, queueName, task.ID)
}

// Query replays a workflow read-only up to its current blocked point and
// invokes its registered query handler, appending only a QueryAnswered audit
// record (spec.md §4.4 "Queries").
func (e *Engine) Query(ctx context.Context, workflowID, runID, queryName string, input interface{}) (interface{}, error) {
	hist, err := e.store.ReadRange(ctx, workflowID, runID, 1, 0)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	started := hist.Events[0]
	reg, ok := e.registry.Lookup(started.Payload.WorkflowType)
	if !ok {
		return nil, fmt.Errorf("scheduler: no workflow function registered for type %q", started.Payload.WorkflowType)
	}

	_, _, env := e.replay(hist, reg, true)
	if env.nondeterminism != nil {
		return nil, env.nondeterminism
	}
	handler, ok := env.queryHandlers[queryName]
	if !ok {
		return nil, fmt.Errorf("scheduler: no query handler %q registered", queryName)
	}
	result, err := handler(input)

	tail := hist.Tail()
	_ = e.store.Append(ctx, workflowID, runID, tail+1, []core.Event{{
		Kind:    core.EventQueryAnswered,
		Payload: core.EventPayload{QueryName: queryName},
	}})
	return result, err
}
