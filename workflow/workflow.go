// Package workflow is the author-facing API for writing workflow functions:
// scheduling activities, starting timers, awaiting signals, registering
// compensations, and the coroutine primitives (Go, Sleep) a deterministic
// workflow function is built from (spec.md §4.4, §4.5).
//
// A workflow function has the shape:
//
//	func(ctx workflow.Context, input MyInput) (MyOutput, error)
//
// registered with worker.RegisterWorkflow. Everything in this package must
// only be called from within such a function (or a coroutine spawned by
// workflow.Go from within one); calling it elsewhere panics.
package workflow

import (
	"time"

	"github.com/adx-core/woc/internal/core"
	"github.com/adx-core/woc/internal/coroutine"
	"github.com/adx-core/woc/internal/payload"
	"github.com/adx-core/woc/internal/scheduler"
)

// Context is a workflow function's handle onto its execution; it carries
// cancellation, coroutine-local values, and the deterministic dispatch
// environment that ties commands to history.
type Context = scheduler.Context

// Future represents the eventual result of ExecuteActivity or NewTimer.
type Future interface {
	// Get blocks until the future resolves, decoding its value into
	// valuePtr (ignored for timers, which never carry a value).
	Get(ctx Context, valuePtr interface{}) error
	IsReady() bool
}

type future struct {
	inner     coroutine.Future
	converter payload.DataConverter
}

func (f *future) Get(ctx Context, valuePtr interface{}) error {
	var raw interface{}
	if err := f.inner.Get(ctx, &raw); err != nil {
		return err
	}
	if valuePtr == nil {
		return nil
	}
	dr, ok := raw.(scheduler.DecodedResult)
	if !ok {
		return nil
	}
	payloads := &payload.Payloads{Payloads: []*payload.Payload{{Data: dr.Data(), Metadata: dr.Meta()}}}
	return f.converter.FromPayloads(payloads, valuePtr)
}

func (f *future) IsReady() bool { return f.inner.IsReady() }

// ActivityOptions configures one ExecuteActivity call.
type ActivityOptions = scheduler.ActivityOptions

// ExecuteActivity schedules activityType with input and returns a Future.
// Future.Get decodes its target with payload.DefaultDataConverter; a
// converter configured on the worker process is not used here.
func ExecuteActivity(ctx Context, activityType string, input interface{}, opts ActivityOptions) Future {
	return &future{inner: scheduler.ExecuteActivity(ctx, activityType, input, opts), converter: payload.DefaultDataConverter}
}

// NewTimer starts a durable timer firing after d.
func NewTimer(ctx Context, d time.Duration) Future {
	return &future{inner: scheduler.NewTimer(ctx, d), converter: payload.DefaultDataConverter}
}

// ChildWorkflowOptions configures one ExecuteChildWorkflow call.
type ChildWorkflowOptions = scheduler.ChildWorkflowOptions

// ExecuteChildWorkflow starts workflowType as an independent child execution
// and returns a Future resolving once it closes (spec.md §4.4 child
// workflows). An empty workflowID derives one from the parent's workflow_id
// and this call's ordinal position.
func ExecuteChildWorkflow(ctx Context, workflowID, workflowType string, input interface{}, opts ChildWorkflowOptions) Future {
	return &future{inner: scheduler.ExecuteChildWorkflow(ctx, workflowID, workflowType, input, opts), converter: payload.DefaultDataConverter}
}

// Sleep blocks the calling coroutine for d, as measured by the engine's
// deterministic virtual clock.
func Sleep(ctx Context, d time.Duration) error {
	return scheduler.Sleep(ctx, d)
}

// Go spawns f as a child coroutine of the current workflow execution.
func Go(ctx Context, f func(ctx Context)) {
	coroutine.Go(ctx, f)
}

// GoNamed is Go with an explicit name surfaced in diagnostics.
func GoNamed(ctx Context, name string, f func(ctx Context)) {
	coroutine.GoNamed(ctx, name, f)
}

// NewSelector returns a Selector for awaiting the first-ready of several
// channels/futures, the deterministic analogue of a select statement.
func NewSelector(ctx Context) coroutine.Selector {
	return coroutine.NewSelector(ctx)
}

// GetSignalChannel returns the channel named signals are delivered on.
func GetSignalChannel(ctx Context, name string) coroutine.Channel {
	return scheduler.GetSignalChannel(ctx, name)
}

// RegisterCompensation records compensationActivity(input) to run, in
// reverse registration order, if this execution ultimately fails.
func RegisterCompensation(ctx Context, compensationActivity string, input interface{}, policy core.RetryPolicy) {
	scheduler.RegisterCompensation(ctx, compensationActivity, input, policy)
}

// IsReplaying reports whether the current call is replaying history rather
// than executing a brand new decision. Workflow code must not branch on this
// except for side-effect-free concerns like suppressing duplicate logging.
func IsReplaying(ctx Context) bool {
	return scheduler.IsReplaying(ctx)
}

// Now returns the engine's deterministic virtual clock.
func Now(ctx Context) time.Time {
	return scheduler.Now(ctx)
}

// IsCancelled reports whether a cancellation has been requested for this
// execution.
func IsCancelled(ctx Context) bool {
	return scheduler.IsCancelled(ctx)
}

// Patched is the C7 guard primitive: returns false on replays of histories
// started before changeID was introduced, true thereafter.
func Patched(ctx Context, changeID string) bool {
	return scheduler.Patched(ctx, changeID)
}

// SetQueryHandler installs a read-only query handler under name.
func SetQueryHandler(ctx Context, name string, handler func(input interface{}) (interface{}, error)) {
	scheduler.SetQueryHandler(ctx, name, handler)
}

// ContinueAsNew closes the current run and starts a fresh run with input
// under the same workflow_id, bounding history size for long-running loops.
func ContinueAsNew(ctx Context, input interface{}) error {
	return scheduler.ContinueAsNew(ctx, input)
}

// ReportProgress appends a lightweight ProgressReported event, backing
// Client.Describe's progress reporting (spec.md §6).
func ReportProgress(ctx Context, stepName string, index, total int) {
	scheduler.ReportProgress(ctx, stepName, index, total)
}

// DecodeInput recovers a concrete value from the raw interface{} a
// workflow function receives: the engine decodes every input payload
// into an untyped interface{} before dispatch, so structs arrive as
// map[string]interface{}. DecodeInput round-trips raw through
// payload.DefaultDataConverter into valuePtr; a converter configured on
// the worker process is not used here.
func DecodeInput(raw interface{}, valuePtr interface{}) error {
	payloads, err := payload.DefaultDataConverter.ToPayloads(raw)
	if err != nil {
		return err
	}
	return payload.DefaultDataConverter.FromPayloads(payloads, valuePtr)
}
