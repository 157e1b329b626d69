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

// Selector picks whichever of its registered branches can proceed without
// blocking, checking receive branches first, then futures, then sends, each
// kind in the order its branches were added; if none can and a
// default was registered, the default runs instead; otherwise Select
// blocks the coroutine until one becomes ready.
type Selector interface {
	AddReceive(c Channel, f func(c Channel, more bool)) Selector
	AddSend(c Channel, v interface{}, f func()) Selector
	AddFuture(future Future, f func(f Future)) Selector
	AddDefault(f func())
	Select(ctx Context)
}

type receiveCase struct {
	ch *channelImpl
	f  func(c Channel, more bool)
}

type sendCase struct {
	ch *channelImpl
	v  interface{}
	f  func()
}

type futureCase struct {
	future *futureImpl
	f      func(f Future)
}

type selectorImpl struct {
	name      string
	receives  []receiveCase
	sends     []sendCase
	futures   []futureCase
	dflt      func()
}

// NewSelector returns an unnamed Selector.
func NewSelector(ctx Context) Selector { return NewNamedSelector(ctx, "") }

// NewNamedSelector is NewSelector with a name surfaced in stack traces.
func NewNamedSelector(ctx Context, name string) Selector {
	return &selectorImpl{name: name}
}

func (s *selectorImpl) AddReceive(c Channel, f func(c Channel, more bool)) Selector {
	s.receives = append(s.receives, receiveCase{ch: c.(*channelImpl), f: f})
	return s
}

func (s *selectorImpl) AddSend(c Channel, v interface{}, f func()) Selector {
	s.sends = append(s.sends, sendCase{ch: c.(*channelImpl), v: v, f: f})
	return s
}

func (s *selectorImpl) AddFuture(future Future, f func(f Future)) Selector {
	s.futures = append(s.futures, futureCase{future: future.(*futureImpl), f: f})
	return s
}

func (s *selectorImpl) AddDefault(f func()) { s.dflt = f }

func (s *selectorImpl) Select(ctx Context) {
	if s.tryOnceFull(ctx) {
		return
	}
	if s.dflt != nil {
		s.dflt()
		return
	}
	state, _ := ctx.Value(coroutineStateKey).(*coroutineState)
	for {
		if s.tryOnceFull(ctx) {
			return
		}
		if state == nil {
			return
		}
		state.yield("select " + s.name)
	}
}

// tryOnceFull checks every branch's readiness directly against channel and
// future state, so peeking never has the side effect of consuming a value.
func (s *selectorImpl) tryOnceFull(ctx Context) bool {
	for _, rc := range s.receives {
		if rc.ch.closed && len(rc.ch.buffer) == 0 && len(rc.ch.blockedSends) == 0 {
			rc.f(rc.ch, false)
			return true
		}
		if len(rc.ch.buffer) > 0 || len(rc.ch.blockedSends) > 0 {
			rc.f(rc.ch, true)
			return true
		}
	}
	for _, fc := range s.futures {
		if fc.future.ready {
			fc.f(fc.future)
			return true
		}
	}
	for _, sc := range s.sends {
		if sc.ch.trySend(sc.v) {
			if sc.f != nil {
				sc.f()
			}
			return true
		}
	}
	return false
}
