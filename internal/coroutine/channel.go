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

// Channel is a deterministic, in-process communication primitive between
// coroutines of the same dispatcher. Unlike a Go channel, Send/Receive
// yield to the dispatcher rather than to the Go runtime scheduler, so
// ordering stays reproducible across replay.
type Channel interface {
	Receive(ctx Context, valuePtr interface{}) (more bool)
	ReceiveAsync(valuePtr interface{}) (ok bool)
	ReceiveAsyncWithMoreFlag(valuePtr interface{}) (ok bool, more bool)
	Send(ctx Context, v interface{})
	SendAsync(v interface{}) (ok bool)
	Close()
}

type valueCallbackPair struct {
	value    interface{}
	callback func()
}

type channelImpl struct {
	name         string
	size         int
	buffer       []interface{}
	blockedSends []valueCallbackPair
	closed       bool
}

// NewChannel returns an unbuffered Channel.
func NewChannel(ctx Context) Channel { return NewNamedChannel(ctx, "") }

// NewNamedChannel is NewChannel with a name surfaced in stack traces.
func NewNamedChannel(ctx Context, name string) Channel {
	return &channelImpl{name: name}
}

// NewBufferedChannel returns a Channel that accepts up to size sends
// without a matching receive before Send blocks.
func NewBufferedChannel(ctx Context, size int) Channel {
	return NewNamedBufferedChannel(ctx, "", size)
}

// NewNamedBufferedChannel is NewBufferedChannel with an explicit name.
func NewNamedBufferedChannel(ctx Context, name string, size int) Channel {
	return &channelImpl{name: name, size: size}
}

func (c *channelImpl) Receive(ctx Context, valuePtr interface{}) (more bool) {
	if ok, more := c.ReceiveAsyncWithMoreFlag(valuePtr); ok || !more {
		return more
	}
	state, _ := ctx.Value(coroutineStateKey).(*coroutineState)
	for {
		if ok, more := c.ReceiveAsyncWithMoreFlag(valuePtr); ok || !more {
			return more
		}
		if state == nil {
			return false
		}
		state.yield("receive " + c.name)
	}
}

func (c *channelImpl) ReceiveAsync(valuePtr interface{}) (ok bool) {
	ok, _ = c.ReceiveAsyncWithMoreFlag(valuePtr)
	return ok
}

func (c *channelImpl) ReceiveAsyncWithMoreFlag(valuePtr interface{}) (ok bool, more bool) {
	if len(c.buffer) > 0 {
		v := c.buffer[0]
		c.buffer = c.buffer[1:]
		assign(valuePtr, v)
		c.wakeOneSender()
		return true, true
	}
	if len(c.blockedSends) > 0 {
		p := c.blockedSends[0]
		c.blockedSends = c.blockedSends[1:]
		assign(valuePtr, p.value)
		if p.callback != nil {
			p.callback()
		}
		return true, true
	}
	if c.closed {
		return false, false
	}
	return false, true
}

func (c *channelImpl) wakeOneSender() {
	if len(c.blockedSends) == 0 {
		return
	}
	p := c.blockedSends[0]
	c.blockedSends = c.blockedSends[1:]
	c.buffer = append(c.buffer, p.value)
	if p.callback != nil {
		p.callback()
	}
}

func (c *channelImpl) Send(ctx Context, v interface{}) {
	if c.closed {
		panic("Send on closed channel " + c.name)
	}
	if c.trySend(v) {
		return
	}
	state, _ := ctx.Value(coroutineStateKey).(*coroutineState)
	sent := false
	c.blockedSends = append(c.blockedSends, valueCallbackPair{value: v, callback: func() { sent = true }})
	for !sent {
		if state == nil {
			return
		}
		state.yield("send " + c.name)
	}
}

// trySend attempts a non-blocking buffer insert; an unbuffered channel
// (size 0) never has room, so its sends always queue into blockedSends and
// a waiting Receive picks them up directly (see ReceiveAsyncWithMoreFlag).
func (c *channelImpl) trySend(v interface{}) bool {
	if len(c.buffer) < c.size {
		c.buffer = append(c.buffer, v)
		return true
	}
	return false
}

func (c *channelImpl) SendAsync(v interface{}) (ok bool) {
	if c.closed {
		panic("SendAsync on closed channel " + c.name)
	}
	return c.trySend(v)
}

func (c *channelImpl) Close() {
	c.closed = true
}

func assign(ptr interface{}, v interface{}) {
	if ptr == nil {
		return
	}
	switch p := ptr.(type) {
	case *interface{}:
		*p = v
	default:
		assignReflect(ptr, v)
	}
}
