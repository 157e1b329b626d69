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

// Package worker manages the lifecycle of one host process's pollers: an
// activity dispatcher (C3) and a workflow scheduler (C4) sharing a task
// queue and event log, running the activity/workflow functions this process
// has registered.
package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/adx-core/woc/internal/common/metrics"
	"github.com/adx-core/woc/internal/core"
	"github.com/adx-core/woc/internal/dispatcher"
	"github.com/adx-core/woc/internal/eventlog"
	"github.com/adx-core/woc/internal/payload"
	"github.com/adx-core/woc/internal/scheduler"
	"github.com/adx-core/woc/internal/taskqueue"
	"github.com/adx-core/woc/internal/versioning"
)

// Worker represents objects that can be started and stopped.
type Worker interface {
	// RegisterActivity registers fn under activityType. Must be called
	// before Start.
	RegisterActivity(activityType string, fn dispatcher.Handler, opts RegisterActivityOptions)
	// RegisterWorkflow registers fn under workflowType. Must be called
	// before Start.
	RegisterWorkflow(workflowType string, fn scheduler.WorkflowFunc, opts RegisterWorkflowOptions)
	// Start starts the worker in a non-blocking fashion.
	Start() error
	// Run is a blocking start; it returns when Stop is called.
	Run() error
	// Stop cleans up any resources opened by the worker.
	Stop()
	// Engine exposes the workflow scheduler backing this worker, so a
	// client.Client sharing the process can serve Query without a hop.
	Engine() *scheduler.Engine
}

// Options configures a worker process.
type Options struct {
	Store               eventlog.Store
	Queue               taskqueue.Queue
	Converter           payload.DataConverter
	Logger              *zap.Logger
	MetricsScope        *metrics.TaggedScope
	ActivitiesPerSecond float64
	PollVisibility      time.Duration
}

func (o Options) withDefaults() Options {
	if o.Converter == nil {
		o.Converter = payload.DefaultDataConverter
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.MetricsScope == nil {
		o.MetricsScope = metrics.NewTaggedScope(nil)
	}
	if o.PollVisibility <= 0 {
		o.PollVisibility = 30 * time.Second
	}
	return o
}

// RegisterActivityOptions configures one activity type's retry/timeout
// defaults, applied whenever a scheduling call site doesn't override them.
type RegisterActivityOptions struct {
	DefaultTimeouts core.ActivityTimeouts
	DefaultRetry    core.RetryPolicy
}

// RegisterWorkflowOptions configures one workflow type's versioning.
type RegisterWorkflowOptions struct {
	DefaultVersion versioning.Version
	Changes        *versioning.ChangeRegistry
	StepTotalHint  int
}

// worker is the concrete Worker implementation: one activity Registry, one
// workflow Registry, and a dispatcher.Worker + scheduler.Engine pair polling
// the same task queue (spec.md §4.3/§4.4's run_worker contract).
type worker struct {
	opts      Options
	taskQueue string

	activities *dispatcher.Registry
	workflows  *scheduler.Registry

	dispatcherWorker *dispatcher.Worker
	engine           *scheduler.Engine

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a worker that will poll taskQueue once Start is called.
// Activities and workflows must be registered via RegisterActivity /
// RegisterWorkflow before Start.
func New(taskQueue string, opts Options) Worker {
	return &worker{
		opts:       opts.withDefaults(),
		taskQueue:  taskQueue,
		activities: dispatcher.NewRegistry(),
		workflows:  scheduler.NewRegistry(),
	}
}

// RegisterActivity registers fn under activityType, panicking on a
// duplicate registration the same way dispatcher.Registry.Register does for
// a programmer error caught at worker-startup time rather than at run time.
func (w *worker) RegisterActivity(activityType string, fn dispatcher.Handler, opts RegisterActivityOptions) {
	w.activities.Register(dispatcher.Registration{
		Name:            activityType,
		Handler:         fn,
		DefaultTimeouts: opts.DefaultTimeouts,
		DefaultRetry:    opts.DefaultRetry,
	})
}

// RegisterWorkflow registers fn under workflowType.
func (w *worker) RegisterWorkflow(workflowType string, fn scheduler.WorkflowFunc, opts RegisterWorkflowOptions) {
	w.workflows.Register(scheduler.Registration{
		WorkflowType:   workflowType,
		Func:           fn,
		DefaultVersion: opts.DefaultVersion,
		Changes:        opts.Changes,
		StepTotalHint:  opts.StepTotalHint,
	})
}

func (w *worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	w.dispatcherWorker = dispatcher.NewWorker(dispatcher.Options{
		Queue:               w.opts.Queue,
		Store:               w.opts.Store,
		Registry:            w.activities,
		Converter:           w.opts.Converter,
		Logger:              w.opts.Logger,
		MetricsScope:        w.opts.MetricsScope,
		ActivitiesPerSecond: w.opts.ActivitiesPerSecond,
	})
	w.engine = scheduler.NewEngine(scheduler.Options{
		Store:        w.opts.Store,
		Queue:        w.opts.Queue,
		Registry:     w.workflows,
		Converter:    w.opts.Converter,
		Logger:       w.opts.Logger,
		MetricsScope: w.opts.MetricsScope,
	})

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.running = true

	w.wg.Add(2)
	go func() {
		defer w.wg.Done()
		if err := w.dispatcherWorker.Run(ctx, w.taskQueue, w.opts.PollVisibility); err != nil && ctx.Err() == nil {
			w.opts.Logger.Error("activity poller exited", zap.Error(err))
		}
	}()
	go func() {
		defer w.wg.Done()
		if err := w.engine.Run(ctx, w.taskQueue, w.opts.PollVisibility, ctx.Done()); err != nil && ctx.Err() == nil {
			w.opts.Logger.Error("workflow poller exited", zap.Error(err))
		}
	}()
	return nil
}

// Run is a blocking Start: it returns once Stop is called from another
// goroutine.
func (w *worker) Run() error {
	if err := w.Start(); err != nil {
		return err
	}
	w.wg.Wait()
	return nil
}

func (w *worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.cancel()
	w.running = false
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *worker) Engine() *scheduler.Engine { return w.engine }
