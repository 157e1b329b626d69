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

// Package coroutine gives the replay engine (internal/scheduler) the
// deterministic, single-threaded cooperative scheduler that spec.md §4.4's
// replay algorithm needs: workflow code runs as goroutines, but only one
// ever executes at a time, and it only yields at well-defined blocking
// points (channel send/receive, Future.Get, Await, NewTimer). Driving every
// coroutine to its next block point and no further is what makes replaying
// the same history twice produce the same sequence of commands.
package coroutine

import (
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
)

// Context carries cancellation and coroutine-local values, analogous to
// context.Context but intentionally distinct: workflow code must never hold
// a real context.Context across a blocking point, since that could let a
// background goroutine race the deterministic scheduler.
type Context interface {
	Done() Channel
	Err() error
	Value(key interface{}) interface{}
	WithValue(key, value interface{}) Context
}

// CanceledError is returned from a blocking call observed after the
// Context's Done channel closed.
type CanceledError struct{ msg string }

func (e *CanceledError) Error() string { return e.msg }

func NewCanceledError(msg string) *CanceledError { return &CanceledError{msg: msg} }

// workflowPanicError wraps a panic recovered from coroutine code so callers
// get both the panic value and a usable stack trace instead of a bare
// runtime panic tearing down the whole process.
type workflowPanicError struct {
	value      interface{}
	stackTrace string
}

func (e *workflowPanicError) Error() string {
	return fmt.Sprintf("%v", e.value)
}

func (e *workflowPanicError) StackTrace() string { return e.stackTrace }

type contextImpl struct {
	parent *contextImpl
	key    interface{}
	value  interface{}
	done   *channelImpl
	err    error
}

// Background returns a root Context with no cancellation and no values.
func Background() Context {
	return &contextImpl{}
}

func (c *contextImpl) Done() Channel {
	if c.done != nil {
		return c.done
	}
	if c.parent != nil {
		return c.parent.Done()
	}
	return nil
}

func (c *contextImpl) Err() error {
	if c.err != nil {
		return c.err
	}
	if c.parent != nil {
		return c.parent.Err()
	}
	return nil
}

func (c *contextImpl) Value(key interface{}) interface{} {
	if c.key == key {
		return c.value
	}
	if c.parent != nil {
		return c.parent.Value(key)
	}
	return nil
}

func (c *contextImpl) WithValue(key, value interface{}) Context {
	return &contextImpl{parent: c, key: key, value: value}
}

// CancelFunc cancels the Context it was returned alongside.
type CancelFunc func()

// WithCancel returns a derived Context whose Done channel closes, and whose
// Err becomes non-nil, once the returned CancelFunc is invoked.
func WithCancel(parent Context) (Context, CancelFunc) {
	d := &channelImpl{name: "cancel", size: 0}
	ctx := &contextImpl{parent: parent.(*contextImpl), done: d}
	cancel := func() {
		if ctx.err == nil {
			ctx.err = NewCanceledError("context canceled")
			d.Close()
		}
	}
	return ctx, cancel
}

// coroutineState tracks one logical coroutine's scheduling state. Only the
// dispatcher goroutine reads/writes these fields outside of the unblock
// handshake itself.
type coroutineState struct {
	name         string
	dispatcher   *dispatcherImpl
	aboutToBlock chan struct{}
	unblock      chan unblockRequest
	closed       bool
	panicError   *workflowPanicError
}

type unblockRequest struct {
	reason string
}

func (s *coroutineState) yield(reason string) {
	s.aboutToBlock <- struct{}{}
	<-s.unblock
}

// call hands control to this coroutine and blocks the caller (the
// dispatcher) until the coroutine yields again or finishes.
func (s *coroutineState) call() {
	s.unblock <- unblockRequest{}
	<-s.aboutToBlock
}

func (s *coroutineState) close() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.unblock)
}

// Dispatcher drives every registered coroutine to its next block point, one
// at a time, in the order the coroutines were created.
type Dispatcher interface {
	ExecuteUntilAllBlocked() error
	IsDone() bool
	Close()
	StackTrace() string
}

type dispatcherImpl struct {
	mu         sync.Mutex
	sequence   int
	coroutines []*coroutineState
	closed     bool
}

// New creates a dispatcher and spawns root as its first coroutine.
func New(ctx Context, root func(ctx Context)) (Dispatcher, error) {
	d := &dispatcherImpl{}
	d.newCoroutine(ctx, "root", root)
	return d, nil
}

func (d *dispatcherImpl) newCoroutine(ctx Context, name string, f func(ctx Context)) *coroutineState {
	d.mu.Lock()
	d.sequence++
	if name == "" {
		name = fmt.Sprintf("%v", d.sequence)
	}
	d.mu.Unlock()

	state := &coroutineState{
		name:         name,
		dispatcher:   d,
		aboutToBlock: make(chan struct{}, 1),
		unblock:      make(chan unblockRequest),
	}
	d.mu.Lock()
	d.coroutines = append(d.coroutines, state)
	d.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				state.panicError = &workflowPanicError{value: r, stackTrace: string(debug.Stack())}
			}
			state.close()
			state.aboutToBlock <- struct{}{}
		}()
		<-state.unblock // wait for first call()
		f(ctx.WithValue(coroutineStateKey, state))
	}()
	return state
}

type coroutineStateKeyType struct{}

var coroutineStateKey = coroutineStateKeyType{}

// Go starts f as a new, unnamed coroutine that shares ctx's dispatcher.
func Go(ctx Context, f func(ctx Context)) {
	GoNamed(ctx, "", f)
}

// GoNamed is Go with an explicit name surfaced in StackTrace.
func GoNamed(ctx Context, name string, f func(ctx Context)) {
	d := currentDispatcher
	if d == nil {
		panic("coroutine.Go called outside of a running dispatcher")
	}
	d.newCoroutine(ctx, name, f)
}

// currentDispatcher is set for the duration of ExecuteUntilAllBlocked so Go
// can find the dispatcher without threading it through every Context.
var currentDispatcher *dispatcherImpl

func (d *dispatcherImpl) ExecuteUntilAllBlocked() error {
	d.mu.Lock()
	currentDispatcher = d
	d.mu.Unlock()
	defer func() { currentDispatcher = nil }()

	// Each round calls every coroutine alive at the round's start once,
	// in order (newest last), giving it one turn to run until it blocks
	// again or finishes. Coroutines spawned mid-round join the next round,
	// so a workflow that spawns children gets them all the way to their
	// first block point before this call returns. A round that closes no
	// coroutine and spawns none means nothing will change until external
	// state does (a timer fires, a task completes), so we stop there.
	for {
		d.mu.Lock()
		round := append([]*coroutineState(nil), d.coroutines...)
		before := len(d.coroutines)
		d.mu.Unlock()

		liveBefore := 0
		for _, c := range round {
			if !c.closed {
				liveBefore++
			}
		}
		if liveBefore == 0 {
			return nil
		}

		for _, c := range round {
			if c.closed {
				continue
			}
			c.call()
			if c.panicError != nil {
				return c.panicError
			}
		}

		d.mu.Lock()
		after := len(d.coroutines)
		liveAfter := 0
		for _, c := range d.coroutines {
			if !c.closed {
				liveAfter++
			}
		}
		d.mu.Unlock()

		if liveAfter == 0 {
			return nil
		}
		if after == before && liveAfter == liveBefore {
			return nil
		}
	}
}

func (d *dispatcherImpl) IsDone() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.coroutines {
		if !c.closed {
			return false
		}
	}
	return true
}

func (d *dispatcherImpl) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for _, c := range d.coroutines {
		c.close()
	}
}

func (d *dispatcherImpl) StackTrace() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.coroutines))
	for _, c := range d.coroutines {
		if !c.closed {
			names = append(names, c.name)
		}
	}
	sort.Strings(names)
	trace := ""
	for _, n := range names {
		trace += fmt.Sprintf("coroutine %v [blocked]:\n<coroutine stack unavailable>\n\n", n)
	}
	return trace
}

// Await blocks the calling coroutine until condition returns true, yielding
// to the dispatcher each time it is not. The dispatcher re-runs this
// coroutine on every ExecuteUntilAllBlocked round, so condition is
// re-evaluated whenever anything else in the workflow changed.
func Await(ctx Context, condition func() bool) error {
	state, _ := ctx.Value(coroutineStateKey).(*coroutineState)
	for !condition() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if state == nil {
			return nil
		}
		state.yield("await")
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}
