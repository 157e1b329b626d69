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
	"fmt"
	"time"

	"github.com/pborman/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/adx-core/woc/internal/common/metrics"
	"github.com/adx-core/woc/internal/core"
	"github.com/adx-core/woc/internal/eventlog"
	"github.com/adx-core/woc/internal/payload"
	"github.com/adx-core/woc/internal/taskqueue"
)

// basePoller is the activity dispatcher's shutdown plumbing, following the
// teacher's basePoller split. The workflow scheduler's Engine.Run does not
// use it; it takes its shutdown channel as a parameter.
type basePoller struct {
	shutdownC <-chan struct{}
}

func (b *basePoller) stopped() bool {
	select {
	case <-b.shutdownC:
		return true
	default:
		return false
	}
}

// Worker polls one task queue for activity tasks and executes them against
// a Registry, per spec.md §4.3's run_worker contract.
type Worker struct {
	basePoller
	queue        taskqueue.Queue
	store        eventlog.Store
	registry     *Registry
	converter    payload.DataConverter
	logger       *zap.Logger
	metricsScope *metrics.TaggedScope
	identity     string
	limiter      *rate.Limiter
	inFlight     atomic.Int64
}

// Options configures a Worker. ActivitiesPerSecond <= 0 disables the rate
// limit, matching the teacher's "unbounded unless configured" default.
type Options struct {
	Queue               taskqueue.Queue
	Store               eventlog.Store
	Registry            *Registry
	Converter           payload.DataConverter
	Logger              *zap.Logger
	MetricsScope        *metrics.TaggedScope
	ActivitiesPerSecond float64
	ShutdownC           <-chan struct{}
}

// NewWorker builds a Worker from opts, defaulting Converter/Logger/
// MetricsScope the way worker.New does for the rest of the host process.
func NewWorker(opts Options) *Worker {
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
	var limiter *rate.Limiter
	if opts.ActivitiesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.ActivitiesPerSecond), int(opts.ActivitiesPerSecond)+1)
	}
	return &Worker{
		basePoller:   basePoller{shutdownC: opts.ShutdownC},
		queue:        opts.Queue,
		store:        opts.Store,
		registry:     opts.Registry,
		converter:    converter,
		logger:       logger,
		metricsScope: scope,
		identity:     uuid.New(),
		limiter:      limiter,
	}
}

// Run polls queueName until ctx is cancelled or the worker's shutdown
// channel fires, dispatching each dequeued activity task to ProcessTask.
func (w *Worker) Run(ctx context.Context, queueName string, visibility time.Duration) error {
	for {
		if w.stopped() || ctx.Err() != nil {
			return ctx.Err()
		}
		if w.limiter != nil {
			if err := w.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		task, err := w.queue.Dequeue(ctx, queueName, visibility)
		if err != nil {
			w.logger.Warn("dequeue failed", zap.Error(err))
			continue
		}
		if task == nil {
			w.metricsScope.Counter(metrics.TaskDequeueEmpty).Inc(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		w.metricsScope.Counter(metrics.TaskDequeued).Inc(1)
		w.inFlight.Inc()
		if err := w.ProcessTask(ctx, queueName, *task); err != nil {
			w.logger.Error("process activity task failed", zap.String("activity_id", task.ActivityID), zap.Error(err))
		}
		w.inFlight.Dec()
	}
}

// ProcessTask implements the single-task half of spec.md §4.3: idempotency
// check, ActivityStarted, invoke, classify outcome, append, ack/requeue.
func (w *Worker) ProcessTask(ctx context.Context, queueName string, task taskqueue.Task) error {
	hist, err := w.store.ReadRange(ctx, task.WorkflowID, task.RunID, 1, 0)
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}

	scheduled, isComp, terminal := findSchedulingEvent(hist, task.ActivityID)
	if scheduled == nil {
		// The scheduling event this task pointed to is gone (e.g. the run
		// was reset); nothing useful to do but drop the delivery.
		return w.queue.Ack(ctx, queueName, task.ID)
	}
	if terminal {
		// Duplicate delivery of an already-resolved activity: ack silently.
		return w.queue.Ack(ctx, queueName, task.ID)
	}
	if !isComp && cancelRequested(hist, scheduled.Payload.ActivityID) {
		return w.appendAndAck(ctx, queueName, task, core.Event{
			Kind:    core.EventActivityCancelled,
			Payload: core.EventPayload{ActivityID: task.ActivityID, ScheduledEventID: scheduled.Seq},
		})
	}

	activityType := scheduled.Payload.ActivityType
	inputData, inputMeta := scheduled.Payload.Input, scheduled.Payload.InputMeta
	if isComp {
		activityType = scheduled.Payload.CompensationActivity
		inputData, inputMeta = scheduled.Payload.CompensationInput, scheduled.Payload.CompensationInputMeta
	}

	reg, ok := w.registry.Lookup(activityType)
	if !ok {
		return w.failActivity(ctx, queueName, task, scheduled, isComp, "UnregisteredActivityType",
			fmt.Sprintf("no handler registered for activity type %q", activityType), true)
	}

	attempt := task.Attempt
	if attempt < 1 {
		attempt = 1
	}

	scope := w.metricsScope.GetActivityScope("", scheduled.Payload.WorkflowType, activityType, queueName)
	if !isComp {
		if err := w.appendEvent(ctx, task.WorkflowID, task.RunID, core.Event{
			Kind: core.EventActivityStarted,
			Payload: core.EventPayload{
				ActivityID: task.ActivityID, ActivityType: activityType,
				Attempt: int32(attempt), ScheduledEventID: scheduled.Seq,
			},
		}); err != nil && !core.IsConcurrentAppend(err) {
			return err
		}
	}

	timeouts := scheduled.Payload.Timeouts
	if timeouts == (core.ActivityTimeouts{}) {
		timeouts = reg.DefaultTimeouts
	}
	policy := scheduled.Payload.RetryPolicy
	if policy.InitialInterval == 0 && policy.BackoffCoefficient == 0 && policy.MaxInterval == 0 &&
		policy.MaxAttempts == 0 && len(policy.NonRetryableErrorKinds) == 0 {
		policy = reg.DefaultRetry
	}

	var input interface{}
	inputPayloads := &payload.Payloads{Payloads: []*payload.Payload{{Metadata: inputMeta, Data: inputData}}}
	if err := w.converter.FromPayloads(inputPayloads, &input); err != nil {
		return w.failActivity(ctx, queueName, task, scheduled, isComp, "PayloadDecodeError", err.Error(), true)
	}

	runCtx, cancel := context.WithTimeout(ctx, effectiveTimeout(timeouts))
	defer cancel()

	heartbeatAt := atomic.NewTime(time.Now())
	cancelledFlag := atomic.NewBool(!isComp && cancelRequested(hist, scheduled.Payload.ActivityID))
	runCtx = WithActivityContext(runCtx, &activityContext{
		info: Info{
			WorkflowID: task.WorkflowID, RunID: task.RunID, ActivityID: task.ActivityID,
			ActivityType: activityType, Attempt: int32(attempt),
		},
		heartbeat: func(details ...interface{}) { heartbeatAt.Store(time.Now()) },
		cancelled: cancelledFlag.Load,
	})

	start := time.Now()
	scope.Counter(metrics.ActivityStarted).Inc(1)
	result, callErr := w.invoke(runCtx, reg.Handler, input, timeouts.Heartbeat, heartbeatAt, task.WorkflowID, task.RunID, task.ActivityID, cancelledFlag, isComp)
	scope.Timer(metrics.ActivityExecutionLatency).Record(time.Since(start))

	if callErr == nil {
		outPayloads, err := w.converter.ToPayloads(result)
		if err != nil {
			return w.failActivity(ctx, queueName, task, scheduled, isComp, "PayloadEncodeError", err.Error(), true)
		}
		var out *payload.Payload
		if ps := outPayloads.GetPayloads(); len(ps) > 0 {
			out = ps[0]
		} else {
			out = &payload.Payload{}
		}
		scope.Counter(metrics.ActivityCompleted).Inc(1)
		kind := core.EventActivityCompleted
		if isComp {
			kind = core.EventCompensationCompleted
		}
		return w.appendAndAck(ctx, queueName, task, core.Event{
			Kind: kind,
			Payload: core.EventPayload{
				ActivityID: task.ActivityID, ScheduledEventID: scheduled.Seq,
				Result: out.GetData(), ResultMeta: out.GetMetadata(),
			},
		})
	}

	if callErr == errActivityTimedOut {
		if isComp {
			if isNonRetryable(policy, "Timeout", int32(attempt)) {
				return w.failActivity(ctx, queueName, task, scheduled, isComp, "Timeout", "compensation start_to_close timeout exceeded", true)
			}
			scope.Counter(metrics.ActivityRetried).Inc(1)
			return w.queue.Nack(ctx, queueName, task.ID, nextAttemptDelay(policy, int32(attempt), true))
		}
		scope.Counter(metrics.ActivityTimedOut).Inc(1)
		return w.appendAndAck(ctx, queueName, task, core.Event{
			Kind: core.EventActivityTimedOut,
			Payload: core.EventPayload{ActivityID: task.ActivityID, ScheduledEventID: scheduled.Seq, TimeoutKind: string(core.TimeoutStartToClose)},
		})
	}

	errKind := fmt.Sprintf("%T", callErr)
	if isNonRetryable(policy, errKind, int32(attempt)) {
		scope.Counter(metrics.ActivityFailed).Inc(1)
		return w.failActivity(ctx, queueName, task, scheduled, isComp, errKind, callErr.Error(), true)
	}

	scope.Counter(metrics.ActivityRetried).Inc(1)
	delay := nextAttemptDelay(policy, int32(attempt), true)
	if isComp {
		// No dedicated CompensationRetryScheduled event kind (spec.md §3):
		// a retryable compensation failure is simply requeued with delay.
		return w.queue.Nack(ctx, queueName, task.ID, delay)
	}
	if err := w.appendEvent(ctx, task.WorkflowID, task.RunID, core.Event{
		Kind: core.EventActivityRetryScheduled,
		Payload: core.EventPayload{
			ActivityID: task.ActivityID, ScheduledEventID: scheduled.Seq,
			Attempt: int32(attempt) + 1, NotBefore: time.Now().Add(delay),
			ErrorKind: errKind, ErrorMessage: callErr.Error(),
		},
	}); err != nil && !core.IsConcurrentAppend(err) {
		return err
	}
	return w.queue.Nack(ctx, queueName, task.ID, delay)
}

var errActivityTimedOut = fmt.Errorf("activity start_to_close timeout exceeded")

// invoke runs handler in its own goroutine so a StartToClose/Heartbeat
// timeout can be observed without killing the handler's process, per
// spec.md §4.3's "does not kill the process" heartbeat semantics. While the
// handler runs, it also re-polls history once per tick for a CancelRequested
// event and latches cancelledFlag so activity.IsCancelled can observe a
// cancellation that arrives mid-execution, not just at dispatch time; a
// handler decides for itself whether and when to act on it. Compensations
// are not cancellable (isComp), matching the pre-dispatch check above.
func (w *Worker) invoke(ctx context.Context, handler Handler, input interface{}, heartbeatTimeout time.Duration, heartbeatAt *atomic.Time, workflowID, runID, activityID string, cancelledFlag *atomic.Bool, isComp bool) (interface{}, error) {
	type outcome struct {
		result interface{}
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("activity panic: %v", r)}
			}
		}()
		result, err := handler(ctx, input)
		done <- outcome{result: result, err: err}
	}()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case o := <-done:
			return o.result, o.err
		case <-ctx.Done():
			return nil, errActivityTimedOut
		case <-ticker.C:
			if heartbeatTimeout > 0 && time.Since(heartbeatAt.Load()) > heartbeatTimeout {
				return nil, errActivityTimedOut
			}
			if !isComp && !cancelledFlag.Load() {
				if hist, err := w.store.ReadRange(ctx, workflowID, runID, 1, 0); err == nil && cancelRequested(hist, activityID) {
					cancelledFlag.Store(true)
				}
			}
		}
	}
}

func effectiveTimeout(t core.ActivityTimeouts) time.Duration {
	if t.StartToClose > 0 {
		return t.StartToClose
	}
	if t.ScheduleToClose > 0 {
		return t.ScheduleToClose
	}
	return 10 * time.Minute
}

func (w *Worker) appendEvent(ctx context.Context, workflowID, runID string, ev core.Event) error {
	tail, err := w.store.Tail(ctx, workflowID, runID)
	if err != nil {
		return err
	}
	return w.store.Append(ctx, workflowID, runID, tail+1, []core.Event{ev})
}

func (w *Worker) appendAndAck(ctx context.Context, queueName string, task taskqueue.Task, ev core.Event) error {
	if err := w.appendEvent(ctx, task.WorkflowID, task.RunID, ev); err != nil && !core.IsConcurrentAppend(err) {
		return err
	}
	return w.queue.Ack(ctx, queueName, task.ID)
}

// failActivity appends the terminal failure event appropriate to the kind of
// work (ActivityFailed or CompensationFailed) and acks the task. nonRetryable
// only affects the ActivityFailed payload's flag; compensations have no such
// flag (their failure is always terminal once reached here).
func (w *Worker) failActivity(ctx context.Context, queueName string, task taskqueue.Task, scheduled *core.Event, isComp bool, kind, message string, nonRetryable bool) error {
	ev := core.Event{
		Payload: core.EventPayload{
			ActivityID: task.ActivityID, ScheduledEventID: scheduled.Seq,
			ErrorKind: kind, ErrorMessage: message, NonRetryable: nonRetryable,
		},
	}
	if isComp {
		ev.Kind = core.EventCompensationFailed
	} else {
		ev.Kind = core.EventActivityFailed
	}
	return w.appendAndAck(ctx, queueName, task, ev)
}

// findSchedulingEvent returns the ActivityScheduled or CompensationScheduled
// event for activityID (distinguished by isComp), and whether a terminal
// event already follows it, implementing the at-least-once idempotency check
// of §4.3 for both ordinary activities and saga compensations.
func findSchedulingEvent(hist *core.History, activityID string) (scheduled *core.Event, isComp bool, terminal bool) {
	for i := range hist.Events {
		e := &hist.Events[i]
		if e.Payload.ActivityID != activityID {
			continue
		}
		switch e.Kind {
		case core.EventActivityScheduled:
			scheduled, isComp = e, false
			continue
		case core.EventCompensationScheduled:
			scheduled, isComp = e, true
			continue
		}
		if scheduled == nil {
			continue
		}
		switch e.Kind {
		case core.EventActivityCompleted, core.EventActivityFailed, core.EventActivityCancelled, core.EventActivityTimedOut,
			core.EventCompensationCompleted, core.EventCompensationFailed:
			terminal = true
		}
	}
	return scheduled, isComp, terminal
}

// cancelRequested reports whether a CancelRequested event for the owning
// execution has been recorded since activityID was scheduled.
func cancelRequested(hist *core.History, activityID string) bool {
	scheduled := false
	for _, e := range hist.Events {
		if e.Kind == core.EventActivityScheduled && e.Payload.ActivityID == activityID {
			scheduled = true
		}
		if scheduled && e.Kind == core.EventCancelRequested {
			return true
		}
	}
	return false
}
