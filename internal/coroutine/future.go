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

// Future represents the eventual result of an activity, timer, or child
// workflow scheduled from workflow code. Get blocks the calling coroutine
// (via the dispatcher, never the OS thread) until Settable.Set is called.
type Future interface {
	Get(ctx Context, valuePtr interface{}) error
	IsReady() bool
}

// Settable is the producer side of a Future.
type Settable interface {
	Set(value interface{}, err error)
	SetValue(value interface{})
	SetError(err error)
	Chain(future Future)
}

type futureImpl struct {
	value   interface{}
	err     error
	ready   bool
	ch      *channelImpl
	chained []*futureImpl
}

// NewFuture returns a linked Future/Settable pair.
func NewFuture(ctx Context) (Future, Settable) {
	f := &futureImpl{ch: &channelImpl{size: 1}}
	return f, f
}

func (f *futureImpl) Get(ctx Context, valuePtr interface{}) error {
	if !f.ready {
		f.ch.Receive(ctx, nil)
	}
	if f.ready && valuePtr != nil && f.err == nil {
		assign(valuePtr, f.value)
	}
	return f.err
}

func (f *futureImpl) IsReady() bool { return f.ready }

func (f *futureImpl) Set(value interface{}, err error) {
	if f.ready {
		return
	}
	f.value, f.err, f.ready = value, err, true
	f.ch.Close()
	for _, c := range f.chained {
		c.Set(value, err)
	}
	f.chained = nil
}

func (f *futureImpl) SetValue(value interface{}) { f.Set(value, nil) }
func (f *futureImpl) SetError(err error)         { f.Set(nil, err) }

// Chain makes f resolve with whatever source eventually resolves to. If
// source is already resolved, f resolves immediately; otherwise f is
// registered to be resolved the moment source.Set runs.
func (f *futureImpl) Chain(source Future) {
	src, ok := source.(*futureImpl)
	if !ok {
		return
	}
	if src.ready {
		f.Set(src.value, src.err)
		return
	}
	src.chained = append(src.chained, f)
}
