// Package client is C6, the submission API: start/signal/cancel/query/
// get_result/describe, the surface a gateway or frontend process calls
// against (spec.md §4.6).
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pborman/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/adx-core/woc/internal/common/metrics"
	"github.com/adx-core/woc/internal/core"
	"github.com/adx-core/woc/internal/eventlog"
	"github.com/adx-core/woc/internal/payload"
	"github.com/adx-core/woc/internal/scheduler"
	"github.com/adx-core/woc/internal/taskqueue"
)

// StartOptions configures a Start call.
type StartOptions struct {
	TaskQueue      string
	UserContext    interface{}
	TenantContext  interface{}
	Version        string
	IDReusePolicy  core.IDReusePolicy
	CronSchedule   string
}

// PendingActivity summarizes one in-flight activity for Describe's
// pending_activities (§4.6).
type PendingActivity struct {
	ActivityID   string
	ActivityType string
	Attempt      int32
}

// Progress is the most recent ReportProgress call observed in history.
type Progress struct {
	StepName string
	Index    int
	Total    int
}

// ExecutionDescription answers describe(workflow_id).
type ExecutionDescription struct {
	WorkflowID        string
	RunID             string
	Status            core.Status
	Version           string
	StartTime         time.Time
	CloseTime         time.Time
	Progress          *Progress
	PendingActivities []PendingActivity
}

// API is the C6 surface, extracted so callers can depend on an interface
// (and the mocks package can stand in for it in tests) rather than the
// concrete Client.
type API interface {
	Start(ctx context.Context, workflowID, workflowType string, input interface{}, opts StartOptions) (runID string, err error)
	Signal(ctx context.Context, workflowID, name string, payload interface{}) error
	Cancel(ctx context.Context, workflowID, reason string) error
	Query(ctx context.Context, workflowID, queryName string, payload interface{}) (interface{}, error)
	GetResult(ctx context.Context, workflowID string, blocking bool, timeout time.Duration) (interface{}, error)
	Describe(ctx context.Context, workflowID string) (ExecutionDescription, error)
}

// Client is the concrete C6 implementation, backed directly by the event log
// store and task queue rather than a network transport (spec.md's gateway
// links this package in-process; a future gRPC facade would wrap it, not
// replace it).
type Client struct {
	store     eventlog.Store
	queue     taskqueue.Queue
	engine    *scheduler.Engine
	converter payload.DataConverter
	logger    *zap.Logger
	scope     *metrics.TaggedScope

	cronMu      sync.Mutex
	cron        *cron.Cron
	cronEntries map[string]cron.EntryID
}

// Options configures a Client.
type Options struct {
	Store     eventlog.Store
	Queue     taskqueue.Queue
	Engine    *scheduler.Engine
	Converter payload.DataConverter
	Logger    *zap.Logger
	Scope     *metrics.TaggedScope
}

var _ API = (*Client)(nil)

func New(opts Options) *Client {
	converter := opts.Converter
	if converter == nil {
		converter = payload.DefaultDataConverter
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	scope := opts.Scope
	if scope == nil {
		scope = metrics.NewTaggedScope(nil)
	}
	c := &Client{
		store: opts.Store, queue: opts.Queue, engine: opts.Engine, converter: converter, logger: logger, scope: scope,
		cron:        cron.New(),
		cronEntries: map[string]cron.EntryID{},
	}
	c.cron.Start()
	return c
}

// Stop halts any cron-scheduled recurring starts registered on this Client
// (§3 domain stack's scheduled-workflows feature). It does not affect
// executions already started or their task queues.
func (c *Client) Stop() {
	<-c.cron.Stop().Done()
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

// Start claims a new run for workflowID and appends its WorkflowStarted
// event, enqueuing the first workflow task (spec.md §4.6 start). When
// opts.CronSchedule is set, Start instead registers a recurring schedule
// (§3 domain stack) and returns immediately with an empty runID: each tick
// produces its own independent execution via startNow.
func (c *Client) Start(ctx context.Context, workflowID, workflowType string, input interface{}, opts StartOptions) (runID string, err error) {
	if opts.CronSchedule != "" {
		return c.startCron(workflowID, workflowType, input, opts)
	}
	return c.startNow(ctx, workflowID, workflowType, input, opts)
}

// startCron parses opts.CronSchedule (standard 5-field cron) and registers
// a robfig/cron entry that calls startNow on every tick, each producing a
// fresh run_id, consistent with the Ownership rule that nothing outlives
// one execution's task. A workflowID carries at most one active schedule;
// registering a new one for the same workflowID replaces the prior entry.
func (c *Client) startCron(workflowID, workflowType string, input interface{}, opts StartOptions) (string, error) {
	schedule, err := cron.ParseStandard(opts.CronSchedule)
	if err != nil {
		return "", fmt.Errorf("client: parse cron_schedule %q: %w", opts.CronSchedule, err)
	}

	tickOpts := opts
	tickOpts.CronSchedule = ""
	tickOpts.IDReusePolicy = core.IDReusePolicyAllowDuplicate

	c.cronMu.Lock()
	defer c.cronMu.Unlock()
	if prev, ok := c.cronEntries[workflowID]; ok {
		c.cron.Remove(prev)
	}
	c.cronEntries[workflowID] = c.cron.Schedule(schedule, cron.FuncJob(func() {
		runID, err := c.startNow(context.Background(), workflowID, workflowType, input, tickOpts)
		if err != nil {
			c.logger.Error("cron tick failed to start workflow",
				zap.String("workflow_id", workflowID), zap.Error(err))
			return
		}
		c.logger.Info("cron tick started workflow",
			zap.String("workflow_id", workflowID), zap.String("run_id", runID))
	}))
	c.scope.Counter(metrics.ClientStart).Inc(1)
	return "", nil
}

// startNow claims a new run for workflowID and appends its WorkflowStarted
// event, enqueuing the first workflow task (spec.md §4.6 start).
func (c *Client) startNow(ctx context.Context, workflowID, workflowType string, input interface{}, opts StartOptions) (runID string, err error) {
	c.scope.Counter(metrics.ClientStart).Inc(1)

	if existingRunID, status, found, lerr := c.store.LatestRun(ctx, workflowID); lerr == nil && found {
		if !status.IsTerminal() && opts.IDReusePolicy != core.IDReusePolicyAllowDuplicate {
			return "", &core.ExecutionAlreadyExistsError{WorkflowID: workflowID, RunID: existingRunID}
		}
	}

	runID = uuid.New()
	if err := c.store.ClaimRun(ctx, workflowID, runID, opts.IDReusePolicy); err != nil {
		return "", err
	}

	inputData, inputMeta, err := encodeOne(c.converter, input)
	if err != nil {
		return "", fmt.Errorf("client: encode input: %w", err)
	}
	userData, _, err := encodeOne(c.converter, opts.UserContext)
	if err != nil {
		return "", fmt.Errorf("client: encode user context: %w", err)
	}
	tenantData, _, err := encodeOne(c.converter, opts.TenantContext)
	if err != nil {
		return "", fmt.Errorf("client: encode tenant context: %w", err)
	}

	queueName := opts.TaskQueue
	startEvent := core.Event{
		Kind: core.EventWorkflowStarted,
		Payload: core.EventPayload{
			WorkflowType:  workflowType,
			TaskQueue:     queueName,
			Input:         inputData,
			InputMeta:     inputMeta,
			UserContext:   userData,
			TenantContext: tenantData,
			VersionStamp:  opts.Version,
		},
	}
	if err := c.store.Append(ctx, workflowID, runID, 1, []core.Event{startEvent}); err != nil {
		return "", err
	}
	if err := c.store.SetStatus(ctx, workflowID, runID, core.StatusRunning); err != nil {
		return "", err
	}
	if err := c.queue.Enqueue(ctx, queueName, taskqueue.Task{
		Kind: taskqueue.KindWorkflow, WorkflowID: workflowID, RunID: runID,
	}, time.Time{}); err != nil {
		return "", err
	}
	return runID, nil
}

// Signal appends a SignalReceived event and wakes the execution's workflow
// task (spec.md §4.6 signal).
func (c *Client) Signal(ctx context.Context, workflowID, name string, payload interface{}) error {
	c.scope.Counter(metrics.ClientSignal).Inc(1)
	runID, hist, err := c.readOpenExecution(ctx, workflowID)
	if err != nil {
		return err
	}
	data, meta, err := encodeOne(c.converter, payload)
	if err != nil {
		return fmt.Errorf("client: encode signal payload: %w", err)
	}
	tail := hist.Tail()
	event := core.Event{
		Kind: core.EventSignalReceived,
		Payload: core.EventPayload{
			SignalName: name,
			Input:      data,
			InputMeta:  meta,
		},
	}
	if err := c.store.Append(ctx, workflowID, runID, tail+1, []core.Event{event}); err != nil && !core.IsConcurrentAppend(err) {
		return err
	}
	return c.wake(ctx, workflowID, runID)
}

// Cancel appends a CancelRequested event and wakes the workflow task
// (spec.md §4.6 cancel).
func (c *Client) Cancel(ctx context.Context, workflowID, reason string) error {
	c.scope.Counter(metrics.ClientCancel).Inc(1)
	runID, hist, err := c.readOpenExecution(ctx, workflowID)
	if err != nil {
		return err
	}
	tail := hist.Tail()
	event := core.Event{Kind: core.EventCancelRequested, Payload: core.EventPayload{Reason: reason}}
	if err := c.store.Append(ctx, workflowID, runID, tail+1, []core.Event{event}); err != nil && !core.IsConcurrentAppend(err) {
		return err
	}
	return c.wake(ctx, workflowID, runID)
}

// Query synchronously replays the execution to its current blocked point and
// invokes the named query handler (spec.md §4.6 query).
func (c *Client) Query(ctx context.Context, workflowID, queryName string, payload interface{}) (interface{}, error) {
	c.scope.Counter(metrics.ClientQuery).Inc(1)
	runID, _, err := c.readOpenExecution(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return c.engine.Query(ctx, workflowID, runID, queryName, payload)
}

// GetResult returns the execution's outcome. With blocking=false, it
// returns ErrStillRunning immediately if the execution hasn't closed; with
// blocking=true, it polls until close or timeout elapses (spec.md §4.6
// get_result).
func (c *Client) GetResult(ctx context.Context, workflowID string, blocking bool, timeout time.Duration) (interface{}, error) {
	c.scope.Counter(metrics.ClientGetResult).Inc(1)
	deadline := time.Now().Add(timeout)
	for {
		runID, status, found, err := c.store.LatestRun(ctx, workflowID)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, &core.ExecutionNotFoundError{WorkflowID: workflowID}
		}
		if status.IsTerminal() {
			return c.decodeOutcome(ctx, workflowID, runID, status)
		}
		if !blocking {
			return nil, ErrStillRunning
		}
		if timeout > 0 && time.Now().After(deadline) {
			return nil, ErrStillRunning
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// ErrStillRunning is returned by GetResult when the execution has not
// closed and the caller did not ask to block (or its deadline elapsed).
var ErrStillRunning = fmt.Errorf("client: workflow still running")

func (c *Client) decodeOutcome(ctx context.Context, workflowID, runID string, status core.Status) (interface{}, error) {
	hist, err := c.store.ReadRange(ctx, workflowID, runID, 1, 0)
	if err != nil {
		return nil, err
	}
	last := hist.Events[len(hist.Events)-1]
	switch last.Kind {
	case core.EventWorkflowCompleted:
		var out interface{}
		ps := &payload.Payloads{Payloads: []*payload.Payload{{Data: last.Payload.Result, Metadata: last.Payload.ResultMeta}}}
		if err := c.converter.FromPayloads(ps, &out); err != nil {
			return nil, err
		}
		return out, nil
	case core.EventWorkflowFailed:
		return nil, &core.WorkflowFailedError{
			WorkflowID: workflowID, RunID: runID,
			Kind: last.Payload.ErrorKind, Message: last.Payload.ErrorMessage,
			CompensationsSummary: last.Payload.CompensationsSummary,
		}
	case core.EventWorkflowContinuedAsNew:
		newRunID, _, found, err := c.store.LatestRun(ctx, workflowID)
		if err != nil {
			return nil, err
		}
		if found && newRunID != runID {
			return c.GetResult(ctx, workflowID, true, 0)
		}
		return nil, fmt.Errorf("client: workflow continued-as-new but no successor run found")
	default:
		return nil, fmt.Errorf("client: execution closed with unexpected terminal kind %v", last.Kind)
	}
}

// Describe answers describe(workflow_id) (spec.md §4.6).
func (c *Client) Describe(ctx context.Context, workflowID string) (ExecutionDescription, error) {
	runID, status, found, err := c.store.LatestRun(ctx, workflowID)
	if err != nil {
		return ExecutionDescription{}, err
	}
	if !found {
		return ExecutionDescription{}, &core.ExecutionNotFoundError{WorkflowID: workflowID}
	}
	hist, err := c.store.ReadRange(ctx, workflowID, runID, 1, 0)
	if err != nil {
		return ExecutionDescription{}, err
	}
	started := hist.Events[0]
	desc := ExecutionDescription{
		WorkflowID: workflowID,
		RunID:      runID,
		Status:     status,
		Version:    started.Payload.VersionStamp,
		StartTime:  started.Timestamp,
	}

	scheduledByID := map[string]core.Event{}
	terminal := map[string]bool{}
	for _, e := range hist.Events {
		switch e.Kind {
		case core.EventActivityScheduled:
			scheduledByID[e.Payload.ActivityID] = e
		case core.EventActivityCompleted, core.EventActivityFailed, core.EventActivityTimedOut, core.EventActivityCancelled:
			terminal[e.Payload.ActivityID] = true
		case core.EventProgressReported:
			desc.Progress = &Progress{StepName: e.Payload.StepName, Index: e.Payload.StepIndex, Total: e.Payload.StepTotal}
		case core.EventWorkflowCompleted, core.EventWorkflowFailed, core.EventWorkflowContinuedAsNew:
			desc.CloseTime = e.Timestamp
		}
	}
	for id, e := range scheduledByID {
		if terminal[id] {
			continue
		}
		desc.PendingActivities = append(desc.PendingActivities, PendingActivity{
			ActivityID: id, ActivityType: e.Payload.ActivityType, Attempt: e.Payload.Attempt,
		})
	}
	return desc, nil
}

// readOpenExecution resolves workflowID to its latest run and fails fast if
// that run does not exist or has already closed (I5), the shared precondition
// of Signal/Cancel/Query.
func (c *Client) readOpenExecution(ctx context.Context, workflowID string) (runID string, hist *core.History, err error) {
	runID, status, found, err := c.store.LatestRun(ctx, workflowID)
	if err != nil {
		return "", nil, err
	}
	if !found {
		return "", nil, &core.ExecutionNotFoundError{WorkflowID: workflowID}
	}
	if status.IsTerminal() {
		return "", nil, &core.ExecutionClosedError{WorkflowID: workflowID, RunID: runID}
	}
	hist, err = c.store.ReadRange(ctx, workflowID, runID, 1, 0)
	if err != nil {
		return "", nil, err
	}
	return runID, hist, nil
}

// wake re-enqueues a workflow task for runID so the engine observes the
// event just appended on its next poll, mirroring how a timer fire or
// activity completion wakes the scheduler.
func (c *Client) wake(ctx context.Context, workflowID, runID string) error {
	hist, err := c.store.ReadRange(ctx, workflowID, runID, 1, 0)
	if err != nil {
		return err
	}
	return c.queue.Enqueue(ctx, hist.Events[0].Payload.TaskQueue, taskqueue.Task{
		Kind: taskqueue.KindWorkflow, WorkflowID: workflowID, RunID: runID,
	}, time.Time{})
}
