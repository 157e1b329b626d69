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

package core

import (
	"errors"
	"fmt"
)

// This file implements the engine-visible error taxonomy of spec.md §7. It
// follows the shape of a Temporal-style error hierarchy: every error embeds
// woCError so a consumer can always recover the innermost cause via
// errors.Unwrap/errors.As, the same pattern the workflow author uses to
// branch on ActivityError / TimeoutError / CanceledError.

type woCError struct{}

func (woCError) isWoCError() {}

type (
	// ValidationError rejects bad input to Start/Signal synchronously.
	ValidationError struct {
		woCError
		Message string
	}

	// ExecutionNotFoundError is returned when an operation names a
	// (workflow_id[, run_id]) with no matching execution.
	ExecutionNotFoundError struct {
		woCError
		WorkflowID string
		RunID      string
	}

	// ExecutionAlreadyExistsError is returned by Start when a running
	// execution for the WorkflowID exists and IDReusePolicy is Reject.
	ExecutionAlreadyExistsError struct {
		woCError
		WorkflowID string
		RunID      string
	}

	// ExecutionClosedError is returned when Signal/Cancel/Query target an
	// execution that already has a close event (I5).
	ExecutionClosedError struct {
		woCError
		WorkflowID string
		RunID      string
	}

	// ConcurrentAppendError signals the CAS primitive rejected an append
	// because ExpectedNextSeq did not match the store's tail+1 (I2). It is
	// retried transparently by callers; it is not surfaced to workflow code.
	ConcurrentAppendError struct {
		woCError
		WorkflowID      string
		RunID           string
		ExpectedNextSeq int64
		ActualNextSeq   int64
	}

	// ArchivedError is returned by reads against a retained-then-archived
	// execution whose history has moved to cold storage (§4.1 Retention).
	ArchivedError struct {
		woCError
		WorkflowID string
		RunID      string
	}

	// NonDeterminismDetectedError is raised when a replayed command does
	// not match the historical event at the same position. The event log is
	// left untouched; the execution is parked for operator intervention.
	NonDeterminismDetectedError struct {
		woCError
		WorkflowID   string
		RunID        string
		Seq          int64
		ExpectedKind EventKind
		ObservedKind string
		Detail       string
	}

	// ActivityFailedError surfaces a terminal activity outcome to the
	// workflow function at the await site. Retryable means the dispatcher
	// would have retried had attempts/timeouts not been exhausted.
	ActivityFailedError struct {
		woCError
		ActivityID   string
		ActivityType string
		Kind         string
		Retryable    bool
		cause        error
	}

	// TimeoutKind distinguishes which of the four independently enforced
	// tiers fired first (§5 Timeouts).
	TimeoutKind string

	// TimeoutError is propagated exactly like ActivityFailedError (§7).
	TimeoutError struct {
		woCError
		ActivityID string
		Kind       TimeoutKind
	}

	// CanceledError is returned to the caller of an operation whose target
	// execution or activity was cancelled.
	CanceledError struct {
		woCError
		Reason string
	}

	// WorkflowFailedError is the terminal error surfaced by get_result once
	// the saga coordinator's compensating phase has completed.
	WorkflowFailedError struct {
		woCError
		WorkflowID           string
		RunID                string
		Kind                 string
		Message              string
		CompensationsSummary []CompensationResult
	}

	// StorageUnavailableError is engine-level; callers back off and retry.
	StorageUnavailableError struct {
		woCError
		cause error
	}
)

const (
	TimeoutScheduleToStart TimeoutKind = "ScheduleToStart"
	TimeoutStartToClose    TimeoutKind = "StartToClose"
	TimeoutScheduleToClose TimeoutKind = "ScheduleToClose"
	TimeoutHeartbeat       TimeoutKind = "Heartbeat"
)

func (e *ValidationError) Error() string { return "validation error: " + e.Message }

func (e *ExecutionNotFoundError) Error() string {
	return fmt.Sprintf("execution not found (workflow_id=%s run_id=%s)", e.WorkflowID, e.RunID)
}

func (e *ExecutionAlreadyExistsError) Error() string {
	return fmt.Sprintf("execution already exists (workflow_id=%s run_id=%s)", e.WorkflowID, e.RunID)
}

func (e *ExecutionClosedError) Error() string {
	return fmt.Sprintf("execution closed (workflow_id=%s run_id=%s)", e.WorkflowID, e.RunID)
}

func (e *ConcurrentAppendError) Error() string {
	return fmt.Sprintf("concurrent append (workflow_id=%s run_id=%s expected_next_seq=%d actual_next_seq=%d)",
		e.WorkflowID, e.RunID, e.ExpectedNextSeq, e.ActualNextSeq)
}

func (e *ArchivedError) Error() string {
	return fmt.Sprintf("execution archived (workflow_id=%s run_id=%s)", e.WorkflowID, e.RunID)
}

func (e *NonDeterminismDetectedError) Error() string {
	return fmt.Sprintf("non-determinism detected (workflow_id=%s run_id=%s seq=%d expected=%s observed=%s): %s",
		e.WorkflowID, e.RunID, e.Seq, e.ExpectedKind, e.ObservedKind, e.Detail)
}

func (e *ActivityFailedError) Error() string {
	return fmt.Sprintf("activity %s (%s) failed [%s retryable=%v]: %v", e.ActivityID, e.ActivityType, e.Kind, e.Retryable, e.cause)
}
func (e *ActivityFailedError) Unwrap() error { return e.cause }

func NewActivityFailedError(activityID, activityType, kind string, retryable bool, cause error) *ActivityFailedError {
	return &ActivityFailedError{ActivityID: activityID, ActivityType: activityType, Kind: kind, Retryable: retryable, cause: cause}
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("activity %s timed out (%s)", e.ActivityID, e.Kind)
}

func (e *CanceledError) Error() string { return "canceled: " + e.Reason }

func (e *WorkflowFailedError) Error() string {
	return fmt.Sprintf("workflow failed (workflow_id=%s run_id=%s kind=%s): %s", e.WorkflowID, e.RunID, e.Kind, e.Message)
}

func (e *StorageUnavailableError) Error() string { return fmt.Sprintf("storage unavailable: %v", e.cause) }
func (e *StorageUnavailableError) Unwrap() error  { return e.cause }

func NewStorageUnavailableError(cause error) *StorageUnavailableError {
	return &StorageUnavailableError{cause: cause}
}

// IsConcurrentAppend is a convenience helper scheduler/dispatcher code uses
// to distinguish the retry-transparently case from a real storage failure.
func IsConcurrentAppend(err error) bool {
	var e *ConcurrentAppendError
	return errors.As(err, &e)
}

// IsNonDeterminism reports whether err (or its chain) is a
// NonDeterminismDetectedError.
func IsNonDeterminism(err error) bool {
	var e *NonDeterminismDetectedError
	return errors.As(err, &e)
}

// IsArchived reports whether err (or its chain) is an ArchivedError.
func IsArchived(err error) bool {
	var e *ArchivedError
	return errors.As(err, &e)
}

// IsExecutionClosed reports whether err is an ExecutionClosedError.
func IsExecutionClosed(err error) bool {
	var e *ExecutionClosedError
	return errors.As(err, &e)
}
