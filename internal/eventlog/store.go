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

// Package eventlog implements C1, the Event Log Store: durable, ordered,
// append-only per-execution history with single-writer-per-execution
// semantics (spec.md §4.1).
package eventlog

import (
	"context"

	"github.com/adx-core/woc/internal/core"
)

// Store is the contract every adapter (memory, postgres) implements.
//
// A successful Append is durable before it returns; a subsequent ReadRange
// from any reader observes the appended events (spec.md §4.1 Guarantees).
type Store interface {
	// Append atomically writes events to the execution's tail. It fails
	// with *core.ConcurrentAppendError if expectedNextSeq does not equal
	// the store's current tail+1 (I2), and with *core.ExecutionClosedError
	// if the history already carries a close event (I5).
	Append(ctx context.Context, workflowID, runID string, expectedNextSeq int64, events []core.Event) error

	// ReadRange returns events in [fromSeq, toSeq] inclusive, in seq order.
	// toSeq of 0 means "through the current tail". Returns
	// *core.ArchivedError if the execution has been moved to cold storage.
	ReadRange(ctx context.Context, workflowID, runID string, fromSeq, toSeq int64) (*core.History, error)

	// Tail returns the seq of the last event, or 0 if the execution has no
	// history yet.
	Tail(ctx context.Context, workflowID, runID string) (int64, error)

	// ClaimRun registers runID as the execution attempt for workflowID,
	// atomically, honoring policy. It is the primitive Start (C6) uses to
	// guarantee "two concurrent starts, one WorkflowStarted" (S6, the
	// round-trip law in §8).
	ClaimRun(ctx context.Context, workflowID, runID string, policy core.IDReusePolicy) error

	// LatestRun returns the most recently claimed run for workflowID and
	// its last known status, for Client.describe and ID-reuse checks.
	LatestRun(ctx context.Context, workflowID string) (runID string, status core.Status, found bool, err error)

	// SetStatus updates the tracked status for a run, called by the
	// scheduler whenever it appends a close event, so LatestRun/describe
	// stay cheap without re-reading history.
	SetStatus(ctx context.Context, workflowID, runID string, status core.Status) error

	// Archive moves a terminal execution's history to cold storage once its
	// retention TTL elapses. Archived reads return *core.ArchivedError, not
	// an ambiguous empty result (spec.md §4.1 Retention).
	Archive(ctx context.Context, workflowID, runID string) error
}
