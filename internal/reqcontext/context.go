// Package reqcontext carries the request-scoped "wide event" fields the
// core threads through every service call: project/customer identity,
// and the inbound request id. The source this is
// rewritten from relied on implicit task-local storage for this; here it
// is an explicit context value that every entrypoint accepts as its first
// parameter and every spawned background task must copy forward — nothing
// reads it out of ambient/global state.
package reqcontext

import "context"

type key struct{}

// WideEvent is the explicit context payload propagated across an actor
// turn and into any task it spawns (reconciler runs, cache refreshes,
// flush batches).
type WideEvent struct {
	RequestID  string
	ProjectID  string
	CustomerID string
}

// With attaches a WideEvent to ctx. Callers that spawn a background task
// MUST pass the returned context (or a fresh one built with the same
// WideEvent) into that task; there is no fallback that recovers it from
// anywhere else.
func With(ctx context.Context, event WideEvent) context.Context {
	return context.WithValue(ctx, key{}, event)
}

// From returns the WideEvent attached to ctx, or the zero value if none
// was attached.
func From(ctx context.Context) WideEvent {
	if ctx == nil {
		return WideEvent{}
	}
	if event, ok := ctx.Value(key{}).(WideEvent); ok {
		return event
	}
	return WideEvent{}
}
