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

// Package core holds the wire-level data model shared by every other internal
// package: executions, history events, tasks and retry policy. Nothing in
// here talks to a store or a queue; it is the vocabulary the rest of the
// engine is built from.
package core

import (
	"time"
)

// Status is the lifecycle state of a WorkflowExecution.
type Status int32

const (
	StatusUnspecified Status = iota
	StatusRunning
	StatusCompleted
	StatusFailed
	StatusCancelled
	StatusTimedOut
	StatusContinuedAsNew
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "Running"
	case StatusCompleted:
		return "Completed"
	case StatusFailed:
		return "Failed"
	case StatusCancelled:
		return "Cancelled"
	case StatusTimedOut:
		return "TimedOut"
	case StatusContinuedAsNew:
		return "ContinuedAsNew"
	default:
		return "Unspecified"
	}
}

// IsTerminal reports whether the status is a closed, immutable status (I5).
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut, StatusContinuedAsNew:
		return true
	default:
		return false
	}
}

// WorkflowExecution identifies one attempt of a workflow, uniquely by
// (WorkflowID, RunID). WorkflowID is caller chosen; RunID is engine
// generated per attempt.
type WorkflowExecution struct {
	WorkflowID     string
	RunID          string
	WorkflowType   string
	TaskQueue      string
	Input          []byte
	InputMeta      map[string][]byte
	UserContext    []byte
	TenantContext  []byte
	Status         Status
	StartTime      time.Time
	CloseTime      time.Time
	Result         []byte
	ResultMeta     map[string][]byte
	ExecutionError *ExecutionFailure
	VersionStamp   string

	// CronSchedule, when non-empty, marks this WorkflowID as a recurring
	// start: each tick produces a fresh RunID. See SPEC_FULL.md domain stack.
	CronSchedule string
}

// ExecutionFailure is the terminal error summary stored on a closed
// execution, including saga compensation results (§7 WorkflowFailed).
type ExecutionFailure struct {
	Kind                 string
	Message              string
	CompensationsSummary []CompensationResult
}

// CompensationResult records the outcome of one compensation attempted by
// the saga coordinator (C5) during the compensating phase.
type CompensationResult struct {
	ActivityID string
	Succeeded  bool
	Error      string
}

// RetryPolicy governs activity (and compensation) retry behavior (§3).
type RetryPolicy struct {
	InitialInterval        time.Duration
	BackoffCoefficient     float64
	MaxInterval            time.Duration
	MaxAttempts            int32
	NonRetryableErrorKinds []string
}

// DefaultRetryPolicy mirrors the conservative defaults used across the
// platform's activities absent an explicit per-activity-type override.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaxInterval:        100 * time.Second,
		MaxAttempts:        0, // 0 == unlimited; elapsed schedule_to_close time does not stop retries
	}
}

// ActivityTimeouts bundles the three independently enforced tiers plus the
// heartbeat timeout (§5 Timeouts).
type ActivityTimeouts struct {
	ScheduleToStart time.Duration
	StartToClose    time.Duration
	ScheduleToClose time.Duration
	Heartbeat       time.Duration
}

// IDReusePolicy controls whether Client.Start may reuse a WorkflowID that
// has a closed (or, for AllowDuplicate, even running) prior execution.
type IDReusePolicy int32

const (
	// IDReusePolicyReject refuses Start if any execution with the same
	// WorkflowID is currently running.
	IDReusePolicyReject IDReusePolicy = iota
	// IDReusePolicyAllowDuplicate always starts a new run, regardless of
	// whether a prior run is active.
	IDReusePolicyAllowDuplicate
)
