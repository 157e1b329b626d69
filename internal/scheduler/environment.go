package scheduler

import (
	"fmt"
	"time"

	"github.com/adx-core/woc/internal/core"
	"github.com/adx-core/woc/internal/coroutine"
	"github.com/adx-core/woc/internal/payload"
	"github.com/adx-core/woc/internal/taskqueue"
	"github.com/adx-core/woc/internal/versioning"
)

// scheduledTask is a task.Enqueue call the environment accumulated this turn,
// applied atomically with the events that produced it once the workflow
// function blocks or completes (spec.md §4.4 step 4).
type scheduledTask struct {
	queue     string
	task      taskqueue.Task
	notBefore time.Time
}

// pendingChildStart is a ExecuteChildWorkflow call this turn issued: unlike
// scheduledTask (an enqueue against the same execution's task queue), it
// requires claiming and starting a brand-new execution, so the engine
// applies it separately once the turn's own events are appended.
type pendingChildStart struct {
	childWorkflowID string // caller-chosen or engine-generated workflow_id
	correlationID   string // ChildWorkflowID used to correlate back to the parent
	workflowType    string
	taskQueue       string
	input           []byte
	inputMeta       map[string][]byte
}

// environment is the "dispatch environment" of spec.md §4.4 step 2: the
// deterministic state a single replay of a workflow function is built
// against. One environment serves exactly one call to Engine.replay (whether
// from ProcessTask or Query); it is never reused across tasks.
type environment struct {
	workflowID, runID, workflowType, taskQueue string
	version                                    versioning.Version
	changes                                    *versioning.ChangeRegistry
	converter                                  payload.DataConverter
	now                                        time.Time
	cancelled                                  bool
	queryMode                                  bool
	replaying                                  bool

	activityEvents []core.Event
	activityIdx    int
	timerEvents    []core.Event
	timerIdx       int
	childEvents    []core.Event
	childIdx       int
	compEvents     []core.Event
	compIdx        int
	progressCount  int
	progressIdx    int

	terminalByActivityID map[string]core.Event
	timerFiredByID       map[string]core.Event
	timerCancelledByID   map[string]bool
	childTerminalByID    map[string]core.Event

	signalMailbox map[string][]interface{} // name -> decoded payloads, in history order

	queryHandlers map[string]func(input interface{}) (interface{}, error)

	pendingEvents      []core.Event
	pendingTasks       []scheduledTask
	pendingChildStarts []pendingChildStart

	nondeterminism error
	continueAsNew  *continueAsNewRequest
}

type continueAsNewRequest struct {
	input interface{}
}

// newEnvironment scans hist once, bucketing events by command kind so
// matching a command to its historical counterpart is an O(1) index bump
// rather than a rescan per command.
func newEnvironment(hist *core.History, converter payload.DataConverter, changes *versioning.ChangeRegistry, queryMode bool) (*environment, error) {
	if len(hist.Events) == 0 {
		return nil, fmt.Errorf("scheduler: empty history")
	}
	started := hist.Events[0]
	if started.Kind != core.EventWorkflowStarted {
		return nil, fmt.Errorf("scheduler: history does not begin with WorkflowStarted")
	}
	v, err := versioning.Parse(started.Payload.VersionStamp)
	if err != nil {
		return nil, err
	}

	env := &environment{
		workflowID:           hist.WorkflowID,
		runID:                hist.RunID,
		workflowType:         started.Payload.WorkflowType,
		taskQueue:            started.Payload.TaskQueue,
		version:              v,
		changes:              changes,
		converter:            converter,
		now:                  started.Timestamp,
		queryMode:            queryMode,
		replaying:            true,
		terminalByActivityID: map[string]core.Event{},
		timerFiredByID:       map[string]core.Event{},
		timerCancelledByID:   map[string]bool{},
		childTerminalByID:    map[string]core.Event{},
		signalMailbox:        map[string][]interface{}{},
		queryHandlers:        map[string]func(interface{}) (interface{}, error){},
	}

	for _, e := range hist.Events {
		if e.Timestamp.After(env.now) {
			env.now = e.Timestamp
		}
		switch e.Kind {
		case core.EventActivityScheduled:
			env.activityEvents = append(env.activityEvents, e)
		case core.EventActivityCompleted, core.EventActivityFailed, core.EventActivityTimedOut, core.EventActivityCancelled:
			env.terminalByActivityID[e.Payload.ActivityID] = e
		case core.EventTimerStarted:
			env.timerEvents = append(env.timerEvents, e)
		case core.EventTimerFired:
			env.timerFiredByID[e.Payload.TimerID] = e
		case core.EventTimerCancelled:
			env.timerCancelledByID[e.Payload.TimerID] = true
		case core.EventChildWorkflowScheduled:
			env.childEvents = append(env.childEvents, e)
		case core.EventChildWorkflowCompleted, core.EventChildWorkflowFailed:
			env.childTerminalByID[e.Payload.ChildWorkflowID] = e
		case core.EventCompensationRegistered:
			env.compEvents = append(env.compEvents, e)
		case core.EventSignalReceived:
			var v interface{}
			payloads := &payload.Payloads{Payloads: []*payload.Payload{{Data: e.Payload.Input, Metadata: e.Payload.InputMeta}}}
			if err := converter.FromPayloads(payloads, &v); err == nil {
				env.signalMailbox[e.Payload.SignalName] = append(env.signalMailbox[e.Payload.SignalName], v)
			}
		case core.EventCancelRequested:
			env.cancelled = true
		case core.EventProgressReported:
			env.progressCount++
		}
	}
	return env, nil
}

// raiseNonDeterminism records the first determinism violation observed; the
// workflow function is allowed to keep running to completion (so a single
// run can still surface further author-code bugs in logs), but the engine
// discards all output and returns this error instead of applying anything.
func (env *environment) raiseNonDeterminism(seq int64, expected core.EventKind, observed, detail string) {
	if env.nondeterminism != nil {
		return
	}
	env.nondeterminism = &core.NonDeterminismDetectedError{
		WorkflowID: env.workflowID, RunID: env.runID,
		Seq: seq, ExpectedKind: expected, ObservedKind: observed, Detail: detail,
	}
}

func (env *environment) markNewCommand() {
	env.replaying = false
}
