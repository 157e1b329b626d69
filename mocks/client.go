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

// Package mocks provides testify/mock-based doubles for the interfaces a
// gateway process built against this module depends on: client.API,
// eventlog.Store, and taskqueue.Queue.
package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/adx-core/woc/client"
	"github.com/adx-core/woc/internal/core"
	"github.com/adx-core/woc/internal/eventlog"
	"github.com/adx-core/woc/internal/taskqueue"
)

// Client is a mock client.API, following the teacher's mocks.Client shape:
// embed mock.Mock, implement the interface by delegating every method to
// m.Called(...).
type Client struct {
	mock.Mock
}

var _ client.API = (*Client)(nil)

func (m *Client) Start(ctx context.Context, workflowID, workflowType string, input interface{}, opts client.StartOptions) (string, error) {
	args := m.Called(ctx, workflowID, workflowType, input, opts)
	return args.String(0), args.Error(1)
}

func (m *Client) Signal(ctx context.Context, workflowID, name string, payload interface{}) error {
	args := m.Called(ctx, workflowID, name, payload)
	return args.Error(0)
}

func (m *Client) Cancel(ctx context.Context, workflowID, reason string) error {
	args := m.Called(ctx, workflowID, reason)
	return args.Error(0)
}

func (m *Client) Query(ctx context.Context, workflowID, queryName string, payload interface{}) (interface{}, error) {
	args := m.Called(ctx, workflowID, queryName, payload)
	return args.Get(0), args.Error(1)
}

func (m *Client) GetResult(ctx context.Context, workflowID string, blocking bool, timeout time.Duration) (interface{}, error) {
	args := m.Called(ctx, workflowID, blocking, timeout)
	return args.Get(0), args.Error(1)
}

func (m *Client) Describe(ctx context.Context, workflowID string) (client.ExecutionDescription, error) {
	args := m.Called(ctx, workflowID)
	desc, _ := args.Get(0).(client.ExecutionDescription)
	return desc, args.Error(1)
}

// EventLogStore is a mock eventlog.Store, for unit-testing callers (the
// scheduler, the dispatcher) without the memory or postgres adapters.
type EventLogStore struct {
	mock.Mock
}

var _ eventlog.Store = (*EventLogStore)(nil)

func (m *EventLogStore) Append(ctx context.Context, workflowID, runID string, expectedNextSeq int64, events []core.Event) error {
	args := m.Called(ctx, workflowID, runID, expectedNextSeq, events)
	return args.Error(0)
}

func (m *EventLogStore) ReadRange(ctx context.Context, workflowID, runID string, fromSeq, toSeq int64) (*core.History, error) {
	args := m.Called(ctx, workflowID, runID, fromSeq, toSeq)
	hist, _ := args.Get(0).(*core.History)
	return hist, args.Error(1)
}

func (m *EventLogStore) Tail(ctx context.Context, workflowID, runID string) (int64, error) {
	args := m.Called(ctx, workflowID, runID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *EventLogStore) ClaimRun(ctx context.Context, workflowID, runID string, policy core.IDReusePolicy) error {
	args := m.Called(ctx, workflowID, runID, policy)
	return args.Error(0)
}

func (m *EventLogStore) LatestRun(ctx context.Context, workflowID string) (string, core.Status, bool, error) {
	args := m.Called(ctx, workflowID)
	return args.String(0), args.Get(1).(core.Status), args.Bool(2), args.Error(3)
}

func (m *EventLogStore) SetStatus(ctx context.Context, workflowID, runID string, status core.Status) error {
	args := m.Called(ctx, workflowID, runID, status)
	return args.Error(0)
}

func (m *EventLogStore) Archive(ctx context.Context, workflowID, runID string) error {
	args := m.Called(ctx, workflowID, runID)
	return args.Error(0)
}

// TaskQueue is a mock taskqueue.Queue.
type TaskQueue struct {
	mock.Mock
}

var _ taskqueue.Queue = (*TaskQueue)(nil)

func (m *TaskQueue) Enqueue(ctx context.Context, queue string, task taskqueue.Task, notBefore time.Time) error {
	args := m.Called(ctx, queue, task, notBefore)
	return args.Error(0)
}

func (m *TaskQueue) Dequeue(ctx context.Context, queue string, visibility time.Duration) (*taskqueue.Task, error) {
	args := m.Called(ctx, queue, visibility)
	task, _ := args.Get(0).(*taskqueue.Task)
	return task, args.Error(1)
}

func (m *TaskQueue) ExtendVisibility(ctx context.Context, queue string, taskID string, extension time.Duration) error {
	args := m.Called(ctx, queue, taskID, extension)
	return args.Error(0)
}

func (m *TaskQueue) Ack(ctx context.Context, queue string, taskID string) error {
	args := m.Called(ctx, queue, taskID)
	return args.Error(0)
}

func (m *TaskQueue) Nack(ctx context.Context, queue string, taskID string, delay time.Duration) error {
	args := m.Called(ctx, queue, taskID, delay)
	return args.Error(0)
}
