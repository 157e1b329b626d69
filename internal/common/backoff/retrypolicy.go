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

// Package backoff provides the engine's *operational* retry helper, used by
// callers driving the Event Log Store / Task Queue clients (StorageUnavailable,
// §7). It is deliberately separate from internal/dispatcher's activity
// backoff: that one implements the exact user-visible formula of spec.md
// §4.3 against a RetryPolicy attached to a scheduled activity; this one is
// plumbing for the engine's own outbound calls.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

const done time.Duration = -1

// Clock abstracts time.Now so tests can substitute a deterministic source;
// SystemClock is the production implementation.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the real wall-clock Clock.
var SystemClock Clock = systemClock{}

// RetryPolicy describes an exponential backoff schedule with optional
// jitter and a cap on either elapsed time or attempt count.
type RetryPolicy struct {
	InitialInterval    time.Duration
	BackoffCoefficient float64
	MaximumInterval    time.Duration
	MaximumAttempts    int64
	ExpirationInterval time.Duration
	JitterFraction     float64
}

// Retrier computes successive backoff intervals for one logical operation.
type Retrier interface {
	NextBackOff() time.Duration
	Reset()
}

type retrier struct {
	policy         RetryPolicy
	clock          Clock
	currentAttempt int64
	startTime      time.Time
}

// NewRetrier creates a Retrier following policy, using clock to measure
// elapsed time against policy.ExpirationInterval.
func NewRetrier(policy RetryPolicy, clock Clock) Retrier {
	return &retrier{policy: policy, clock: clock, startTime: clock.Now()}
}

func (r *retrier) Reset() {
	r.currentAttempt = 0
	r.startTime = r.clock.Now()
}

func (r *retrier) NextBackOff() time.Duration {
	r.currentAttempt++
	if r.policy.MaximumAttempts > 0 && r.currentAttempt > r.policy.MaximumAttempts {
		return done
	}

	initial := r.policy.InitialInterval
	coefficient := r.policy.BackoffCoefficient
	if coefficient <= 0 {
		coefficient = 2.0
	}
	interval := time.Duration(float64(initial) * math.Pow(coefficient, float64(r.currentAttempt-1)))
	if r.policy.MaximumInterval > 0 && interval > r.policy.MaximumInterval {
		interval = r.policy.MaximumInterval
	}

	if r.policy.ExpirationInterval > 0 && r.clock.Now().Sub(r.startTime)+interval > r.policy.ExpirationInterval {
		return done
	}

	if r.policy.JitterFraction > 0 {
		jitter := (rand.Float64()*2 - 1) * r.policy.JitterFraction
		interval = time.Duration(float64(interval) * (1 + jitter))
	}
	if interval < 0 {
		interval = 0
	}
	return interval
}
