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

package coroutine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// TestMain verifies no coroutine's backing goroutine outlives its test: a
// Dispatcher that blocks forever on a channel/future instead of returning
// leaks exactly the way a stuck replay turn would in production.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func requireNoExecuteErr(t *testing.T, err error) {
	if err != nil {
		require.IsType(t, (*workflowPanicError)(nil), err)
		require.NoError(t, err, err.(*workflowPanicError).StackTrace())
	}
}

func TestDispatcher(t *testing.T) {
	value := "foo"
	d, err := New(Background(), func(ctx Context) { value = "bar" })
	require.NoError(t, err)
	require.Equal(t, "foo", value)
	requireNoExecuteErr(t, d.ExecuteUntilAllBlocked())
	require.True(t, d.IsDone())
	require.Equal(t, "bar", value)
}

func TestNonBlockingChildren(t *testing.T) {
	var history []string
	d, err := New(Background(), func(ctx Context) {
		for i := 0; i < 10; i++ {
			ii := i
			Go(ctx, func(ctx Context) {
				history = append(history, fmt.Sprintf("child-%v", ii))
			})
		}
		history = append(history, "root")
	})
	require.NoError(t, err)
	require.Empty(t, history)
	requireNoExecuteErr(t, d.ExecuteUntilAllBlocked())
	require.True(t, d.IsDone())
	require.Len(t, history, 11)
}

func TestNonbufferedChannel(t *testing.T) {
	var history []string
	d, err := New(Background(), func(ctx Context) {
		c1 := NewChannel(ctx)
		Go(ctx, func(ctx Context) {
			history = append(history, "child-start")
			var v string
			more := c1.Receive(ctx, &v)
			require.True(t, more)
			history = append(history, fmt.Sprintf("child-end-%v", v))
		})
		history = append(history, "root-before-send")
		c1.Send(ctx, "value1")
		history = append(history, "root-after-send")
	})
	require.NoError(t, err)
	require.Empty(t, history)
	requireNoExecuteErr(t, d.ExecuteUntilAllBlocked())
	require.True(t, d.IsDone())
	require.Equal(t, []string{"root-before-send", "child-start", "child-end-value1", "root-after-send"}, history)
}

func TestBufferedChannelDrainsWithoutBlocking(t *testing.T) {
	var received []int
	d, err := New(Background(), func(ctx Context) {
		c := NewBufferedChannel(ctx, 2)
		c.SendAsync(1)
		c.SendAsync(2)
		var v int
		c.Receive(ctx, &v)
		received = append(received, v)
		c.Receive(ctx, &v)
		received = append(received, v)
	})
	require.NoError(t, err)
	requireNoExecuteErr(t, d.ExecuteUntilAllBlocked())
	require.True(t, d.IsDone())
	require.Equal(t, []int{1, 2}, received)
}

func TestAwaitUnblocksOnCondition(t *testing.T) {
	ready := false
	finished := false
	d, err := New(Background(), func(ctx Context) {
		Go(ctx, func(ctx Context) {
			require.NoError(t, Await(ctx, func() bool { return ready }))
			finished = true
		})
	})
	require.NoError(t, err)
	requireNoExecuteErr(t, d.ExecuteUntilAllBlocked())
	require.False(t, d.IsDone())
	require.False(t, finished)

	ready = true
	requireNoExecuteErr(t, d.ExecuteUntilAllBlocked())
	require.True(t, d.IsDone())
	require.True(t, finished)
}

func TestCancellation(t *testing.T) {
	ctx, cancel := WithCancel(Background())
	var sawCancel bool
	d, err := New(ctx, func(ctx Context) {
		c := NewChannel(ctx)
		selector := NewSelector(ctx)
		selector.AddReceive(ctx.Done(), func(Channel, bool) { sawCancel = true })
		selector.AddReceive(c, func(Channel, bool) {})
		selector.Select(ctx)
	})
	require.NoError(t, err)
	requireNoExecuteErr(t, d.ExecuteUntilAllBlocked())
	require.False(t, d.IsDone())

	cancel()
	requireNoExecuteErr(t, d.ExecuteUntilAllBlocked())
	require.True(t, d.IsDone())
	require.True(t, sawCancel)
}

func TestFutureChain(t *testing.T) {
	var got string
	d, err := New(Background(), func(ctx Context) {
		source, settable := NewFuture(ctx)
		target, targetSettable := NewFuture(ctx)
		targetSettable.Chain(source)
		_ = target

		Go(ctx, func(ctx Context) {
			require.NoError(t, target.Get(ctx, &got))
		})
		settable.SetValue("chained")
	})
	require.NoError(t, err)
	requireNoExecuteErr(t, d.ExecuteUntilAllBlocked())
	require.True(t, d.IsDone())
	require.Equal(t, "chained", got)
}

func TestPanicIsRecoveredAsWorkflowPanicError(t *testing.T) {
	d, err := New(Background(), func(ctx Context) {
		panic("boom")
	})
	require.NoError(t, err)
	execErr := d.ExecuteUntilAllBlocked()
	require.Error(t, execErr)
	var panicErr *workflowPanicError
	require.ErrorAs(t, execErr, &panicErr)
	require.Contains(t, panicErr.Error(), "boom")
}
