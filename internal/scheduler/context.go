package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/adx-core/woc/internal/core"
	"github.com/adx-core/woc/internal/coroutine"
	"github.com/adx-core/woc/internal/saga"
	"github.com/adx-core/woc/internal/taskqueue"
)

// Context is the workflow function's handle onto its dispatch environment.
// It is a coroutine.Context, so it composes with coroutine.Go/Await/Channel/
// Selector; the environment itself rides along as a context value.
type Context = coroutine.Context

type environmentKeyType struct{}

var environmentKey = environmentKeyType{}

func withEnvironment(ctx coroutine.Context, env *environment) Context {
	return ctx.WithValue(environmentKey, env)
}

func envFromContext(ctx Context) *environment {
	env, _ := ctx.Value(environmentKey).(*environment)
	if env == nil {
		panic("scheduler: context was not produced by the workflow scheduler")
	}
	return env
}

// ActivityOptions configures one ExecuteActivity call; zero values fall back
// to the activity type's registration defaults in internal/dispatcher.
type ActivityOptions struct {
	TaskQueue   string
	Timeouts    core.ActivityTimeouts
	RetryPolicy core.RetryPolicy
}

// ExecuteActivity schedules activityType with input, returning a Future the
// workflow function awaits via Future.Get. Calling it again on replay with
// the same ordinal position resolves immediately from history; calling it
// for the first time past the end of history emits a new ActivityScheduled
// command (spec.md §4.4 step 3).
func ExecuteActivity(ctx Context, activityType string, input interface{}, opts ActivityOptions) coroutine.Future {
	env := envFromContext(ctx)
	f, settable := coroutine.NewFuture(ctx)
	idx := env.activityIdx
	env.activityIdx++

	if idx < len(env.activityEvents) {
		e := env.activityEvents[idx]
		if e.Payload.ActivityType != activityType {
			env.raiseNonDeterminism(e.Seq, core.EventActivityScheduled, fmt.Sprintf("ExecuteActivity(%s)", activityType),
				fmt.Sprintf("position %d scheduled %q historically, code now requests %q", idx, e.Payload.ActivityType, activityType))
			settable.SetError(env.nondeterminism)
			return f
		}
		if term, ok := env.terminalByActivityID[e.Payload.ActivityID]; ok {
			resolveActivityFuture(settable, term)
		}
		return f
	}

	if env.queryMode {
		settable.SetError(fmt.Errorf("scheduler: query replay reached a new ExecuteActivity command"))
		return f
	}
	env.markNewCommand()
	activityID := fmt.Sprintf("act-%d", idx+1)
	inputPayloads, err := env.converter.ToPayloads(input)
	if err != nil {
		settable.SetError(fmt.Errorf("encode activity input: %w", err))
		return f
	}
	var data []byte
	var meta map[string][]byte
	if ps := inputPayloads.GetPayloads(); len(ps) > 0 {
		data, meta = ps[0].GetData(), ps[0].GetMetadata()
	}
	queue := opts.TaskQueue
	if queue == "" {
		queue = env.taskQueue
	}
	env.pendingEvents = append(env.pendingEvents, core.Event{
		Kind: core.EventActivityScheduled,
		Payload: core.EventPayload{
			ActivityID: activityID, ActivityType: activityType, Attempt: 1,
			Input: data, InputMeta: meta, Timeouts: opts.Timeouts, RetryPolicy: opts.RetryPolicy,
			WorkflowType: env.workflowType,
		},
	})
	env.pendingTasks = append(env.pendingTasks, scheduledTask{
		queue: queue,
		task: taskqueue.Task{
			Kind: taskqueue.KindActivity, WorkflowID: env.workflowID, RunID: env.runID, ActivityID: activityID,
		},
	})
	return f
}

func resolveActivityFuture(settable coroutine.Settable, term core.Event) {
	switch term.Kind {
	case core.EventActivityCompleted:
		settable.SetValue(DecodedResult{data: term.Payload.Result, meta: term.Payload.ResultMeta})
	case core.EventActivityFailed:
		settable.SetError(core.NewActivityFailedError(term.Payload.ActivityID, "", term.Payload.ErrorKind, !term.Payload.NonRetryable, errors.New(term.Payload.ErrorMessage)))
	case core.EventActivityTimedOut:
		settable.SetError(&core.TimeoutError{ActivityID: term.Payload.ActivityID, Kind: core.TimeoutKind(term.Payload.TimeoutKind)})
	case core.EventActivityCancelled:
		settable.SetError(&core.CanceledError{Reason: "activity cancelled"})
	}
}

// DecodedResult is the opaque value an activity Future resolves to; the
// workflow package's Future wrapper decodes it into a concrete type via its
// own DataConverter at the public-API boundary.
type DecodedResult struct {
	data []byte
	meta map[string][]byte
}

func (d DecodedResult) Data() []byte            { return d.data }
func (d DecodedResult) Meta() map[string][]byte { return d.meta }

// ChildWorkflowOptions configures one ExecuteChildWorkflow call.
type ChildWorkflowOptions struct {
	TaskQueue string
}

// ExecuteChildWorkflow starts workflowType as an independent execution with
// its own workflow_id/run_id and returns a Future that resolves once that
// execution closes (spec.md §4.4 child workflows). If workflowID is empty,
// one is derived from the parent's workflow_id and this call's ordinal
// position. Like ExecuteActivity, replay matches this call against history
// by its position among ExecuteChildWorkflow calls in this function; the
// engine claims and starts the child run once this turn's commands are
// applied (see Engine.startChild), and the child's eventual close is relayed
// back as ChildWorkflowCompleted/ChildWorkflowFailed on this history.
func ExecuteChildWorkflow(ctx Context, workflowID, workflowType string, input interface{}, opts ChildWorkflowOptions) coroutine.Future {
	env := envFromContext(ctx)
	f, settable := coroutine.NewFuture(ctx)
	idx := env.childIdx
	env.childIdx++

	if idx < len(env.childEvents) {
		e := env.childEvents[idx]
		if e.Payload.WorkflowType != workflowType {
			env.raiseNonDeterminism(e.Seq, core.EventChildWorkflowScheduled, fmt.Sprintf("ExecuteChildWorkflow(%s)", workflowType),
				fmt.Sprintf("position %d scheduled child workflow type %q historically, code now requests %q", idx, e.Payload.WorkflowType, workflowType))
			settable.SetError(env.nondeterminism)
			return f
		}
		if term, ok := env.childTerminalByID[e.Payload.ChildWorkflowID]; ok {
			resolveChildFuture(settable, term)
		}
		return f
	}

	if env.queryMode {
		settable.SetError(fmt.Errorf("scheduler: query replay reached a new ExecuteChildWorkflow command"))
		return f
	}
	env.markNewCommand()
	correlationID := fmt.Sprintf("child-%d", idx+1)
	if workflowID == "" {
		workflowID = fmt.Sprintf("%s-%s", env.workflowID, correlationID)
	}
	inputPayloads, err := env.converter.ToPayloads(input)
	if err != nil {
		settable.SetError(fmt.Errorf("encode child workflow input: %w", err))
		return f
	}
	var data []byte
	var meta map[string][]byte
	if ps := inputPayloads.GetPayloads(); len(ps) > 0 {
		data, meta = ps[0].GetData(), ps[0].GetMetadata()
	}
	queue := opts.TaskQueue
	if queue == "" {
		queue = env.taskQueue
	}
	env.pendingEvents = append(env.pendingEvents, core.Event{
		Kind: core.EventChildWorkflowScheduled,
		Payload: core.EventPayload{
			ChildWorkflowID: correlationID, WorkflowType: workflowType, TaskQueue: queue,
			Input: data, InputMeta: meta,
		},
	})
	env.pendingChildStarts = append(env.pendingChildStarts, pendingChildStart{
		childWorkflowID: workflowID,
		correlationID:   correlationID,
		workflowType:    workflowType,
		taskQueue:       queue,
		input:           data,
		inputMeta:       meta,
	})
	return f
}

func resolveChildFuture(settable coroutine.Settable, term core.Event) {
	switch term.Kind {
	case core.EventChildWorkflowCompleted:
		settable.SetValue(DecodedResult{data: term.Payload.Result, meta: term.Payload.ResultMeta})
	case core.EventChildWorkflowFailed:
		settable.SetError(fmt.Errorf("child workflow %s failed: %s: %s",
			term.Payload.ChildWorkflowID, term.Payload.ErrorKind, term.Payload.ErrorMessage))
	}
}

// NewTimer starts a durable timer that fires fire_at = Now(ctx) + d. The
// returned Future resolves once the corresponding TimerFired event appears
// in history.
func NewTimer(ctx Context, d time.Duration) coroutine.Future {
	env := envFromContext(ctx)
	f, settable := coroutine.NewFuture(ctx)
	idx := env.timerIdx
	env.timerIdx++

	if idx < len(env.timerEvents) {
		e := env.timerEvents[idx]
		if _, fired := env.timerFiredByID[e.Payload.TimerID]; fired {
			settable.SetValue(nil)
		} else if env.timerCancelledByID[e.Payload.TimerID] {
			settable.SetError(&core.CanceledError{Reason: "timer cancelled"})
		}
		return f
	}

	if env.queryMode {
		settable.SetError(fmt.Errorf("scheduler: query replay reached a new NewTimer command"))
		return f
	}
	env.markNewCommand()
	timerID := fmt.Sprintf("timer-%d", idx+1)
	fireAt := env.now.Add(d)
	env.pendingEvents = append(env.pendingEvents, core.Event{
		Kind:    core.EventTimerStarted,
		Payload: core.EventPayload{TimerID: timerID, FireAt: fireAt},
	})
	env.pendingTasks = append(env.pendingTasks, scheduledTask{
		queue:     env.taskQueue,
		task:      taskqueue.Task{Kind: taskqueue.KindWorkflow, WorkflowID: env.workflowID, RunID: env.runID},
		notBefore: fireAt,
	})
	return f
}

// Sleep blocks the calling coroutine until a timer of duration d fires.
func Sleep(ctx Context, d time.Duration) error {
	return NewTimer(ctx, d).Get(ctx, nil)
}

// GetSignalChannel returns the channel signals named `name` are delivered
// on, pre-populated with every such signal already in history (O2: replay
// observes the same delivery order every time).
func GetSignalChannel(ctx Context, name string) coroutine.Channel {
	env := envFromContext(ctx)
	ch := coroutine.NewBufferedChannel(ctx, len(env.signalMailbox[name])+1)
	for _, v := range env.signalMailbox[name] {
		ch.SendAsync(v)
	}
	return ch
}

// RegisterCompensation records a compensation the saga coordinator will run,
// in reverse order, if the workflow ultimately fails (spec.md §4.5).
// Compensations registered are appended as CompensationRegistered commands
// immediately; they do not block the workflow function.
func RegisterCompensation(ctx Context, compensationActivity string, input interface{}, policy core.RetryPolicy) {
	env := envFromContext(ctx)
	idx := env.compIdx
	env.compIdx++

	if idx < len(env.compEvents) {
		return // already recorded on a prior turn
	}
	if env.queryMode {
		return
	}
	env.markNewCommand()
	env.pendingEvents = append(env.pendingEvents, core.Event{
		Kind: core.EventCompensationRegistered,
		Payload: core.EventPayload{
			ActivityID:           saga.ActivityID(idx),
			CompensationIndex:    idx,
			CompensationActivity: compensationActivity,
			RetryPolicy:          policy,
		},
	})
	// the compensation's own input is carried by re-deriving it from this
	// event at compensating time is not possible without storing it, so it
	// rides along on the same event via CompensationInput/InputMeta.
	encodeCompensationInput(env, idx, input)
}

func encodeCompensationInput(env *environment, idx int, input interface{}) {
	ps, err := env.converter.ToPayloads(input)
	if err != nil {
		return
	}
	var data []byte
	var meta map[string][]byte
	if p := ps.GetPayloads(); len(p) > 0 {
		data, meta = p[0].GetData(), p[0].GetMetadata()
	}
	last := len(env.pendingEvents) - 1
	env.pendingEvents[last].Payload.CompensationInput = data
	env.pendingEvents[last].Payload.CompensationInputMeta = meta
}

// IsReplaying reports whether the current turn is still reconstructing state
// from history rather than producing brand new commands.
func IsReplaying(ctx Context) bool {
	return envFromContext(ctx).replaying
}

// Now returns the engine's deterministic virtual clock, pinned to the
// timestamp of the last event processed this turn (spec.md §4.4 step 2).
func Now(ctx Context) time.Time {
	return envFromContext(ctx).now
}

// IsCancelled reports whether a CancelRequested event has been recorded.
func IsCancelled(ctx Context) bool {
	return envFromContext(ctx).cancelled
}

// Patched implements C7's patched(change_id) guard.
func Patched(ctx Context, changeID string) bool {
	env := envFromContext(ctx)
	return env.changes.Patched(env.version, changeID)
}

// SetQueryHandler installs handler under name so a later Query call that
// replays this workflow to its blocked point can invoke it.
func SetQueryHandler(ctx Context, name string, handler func(input interface{}) (interface{}, error)) {
	envFromContext(ctx).queryHandlers[name] = handler
}

// ReportProgress appends a lightweight ProgressReported event the first time
// the workflow function reaches this call; like every other command it is
// matched positionally against history so replays don't re-emit it.
func ReportProgress(ctx Context, stepName string, index, total int) {
	env := envFromContext(ctx)
	idx := env.progressIdx
	env.progressIdx++
	if idx < env.progressCount {
		return // already recorded on a prior turn
	}
	if env.queryMode {
		return
	}
	env.markNewCommand()
	env.pendingEvents = append(env.pendingEvents, core.Event{
		Kind:    core.EventProgressReported,
		Payload: core.EventPayload{StepName: stepName, StepIndex: index, StepTotal: total},
	})
}

// ContinueAsNew requests that the current run close with
// WorkflowContinuedAsNew and a fresh run start with input, bounding history
// size for long-running loops (spec.md §4.4 "Continue-as-new").
func ContinueAsNew(ctx Context, input interface{}) error {
	env := envFromContext(ctx)
	if env.queryMode {
		return fmt.Errorf("scheduler: continue-as-new is not valid during a query replay")
	}
	env.continueAsNew = &continueAsNewRequest{input: input}
	return nil
}
