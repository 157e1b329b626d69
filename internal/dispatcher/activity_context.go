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

// Package dispatcher implements C3: registering activity handlers and
// running the poll/execute/report loop against a task queue, per
// spec.md §4.3.
package dispatcher

import (
	"context"

	"github.com/adx-core/woc/internal/core"
)

// Info carries the execution identity and attempt bookkeeping a handler
// needs, mirroring the teacher's ActivityInfo the way it is threaded
// through activity.Context.
type Info struct {
	WorkflowID   string
	RunID        string
	ActivityID   string
	ActivityType string
	TenantID     string
	Attempt      int32
}

// HeartbeatFunc lets a running handler report liveness and optional
// progress details; the dispatcher resets the heartbeat_timeout deadline
// each time it's called.
type HeartbeatFunc func(details ...interface{})

type activityContextKey struct{}

// activityContext is installed into the context.Context passed to a
// handler so Context-package-style accessors (GetInfo, RecordHeartbeat,
// IsCancelled) can recover it without threading extra parameters through
// every handler signature.
type activityContext struct {
	info      Info
	heartbeat HeartbeatFunc
	cancelled func() bool
}

// WithActivityContext installs ac into ctx for GetInfo/RecordHeartbeat/
// IsCancelled to recover later.
func WithActivityContext(ctx context.Context, ac *activityContext) context.Context {
	return context.WithValue(ctx, activityContextKey{}, ac)
}

func fromContext(ctx context.Context) *activityContext {
	ac, _ := ctx.Value(activityContextKey{}).(*activityContext)
	return ac
}

// GetInfo returns the Info attached to ctx by the dispatcher, or the zero
// Info if ctx was not produced by a handler invocation.
func GetInfo(ctx context.Context) Info {
	if ac := fromContext(ctx); ac != nil {
		return ac.info
	}
	return Info{}
}

// RecordHeartbeat reports handler liveness; a no-op outside a handler
// invocation (e.g. in a unit test calling the function directly).
func RecordHeartbeat(ctx context.Context, details ...interface{}) {
	if ac := fromContext(ctx); ac != nil && ac.heartbeat != nil {
		ac.heartbeat(details...)
	}
}

// IsCancelled reports whether the workflow issued a cancellation signal
// for this activity's execution.
func IsCancelled(ctx context.Context) bool {
	if ac := fromContext(ctx); ac != nil && ac.cancelled != nil {
		return ac.cancelled()
	}
	return false
}

// Handler is the author-facing activity function ABI: input/output are
// opaque payloads, converted at the boundary by the dispatcher's
// DataConverter so handler code deals in plain Go values.
type Handler func(ctx context.Context, input interface{}) (interface{}, error)

// Registration pairs a Handler with the defaults applied when a scheduled
// activity didn't override them.
type Registration struct {
	Name            string
	Handler         Handler
	DefaultTimeouts core.ActivityTimeouts
	DefaultRetry    core.RetryPolicy
}
