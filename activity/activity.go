// Package activity is the author-facing API for activity handlers: reading
// execution identity, recording heartbeats, and checking cancellation from
// within a function registered with worker.RegisterActivity.
package activity

import (
	"context"

	"github.com/adx-core/woc/internal/dispatcher"
	"github.com/adx-core/woc/internal/payload"
)

// Info carries the execution identity and attempt bookkeeping for the
// currently running activity invocation.
type Info = dispatcher.Info

// GetInfo returns the Info for the activity invocation ctx belongs to.
func GetInfo(ctx context.Context) Info {
	return dispatcher.GetInfo(ctx)
}

// RecordHeartbeat reports liveness (and optional progress details) for a
// long-running activity, resetting its heartbeat_timeout deadline.
func RecordHeartbeat(ctx context.Context, details ...interface{}) {
	dispatcher.RecordHeartbeat(ctx, details...)
}

// IsCancelled reports whether the owning workflow has requested
// cancellation of this activity's execution.
func IsCancelled(ctx context.Context) bool {
	return dispatcher.IsCancelled(ctx)
}

// DecodeInput recovers a concrete value from the raw interface{} an
// activity handler receives: the dispatcher decodes every input payload
// into an untyped interface{} before invoking the handler, so structs
// arrive as map[string]interface{}. DecodeInput round-trips raw through
// the worker's DataConverter into valuePtr.
func DecodeInput(raw interface{}, valuePtr interface{}) error {
	payloads, err := payload.DefaultDataConverter.ToPayloads(raw)
	if err != nil {
		return err
	}
	return payload.DefaultDataConverter.FromPayloads(payloads, valuePtr)
}
