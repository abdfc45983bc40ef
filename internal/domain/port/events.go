package port

import "context"

// EventSink receives job lifecycle events addressed to one user. Delivery
// is fire-and-forget: implementations must not block the dispatcher and
// must swallow per-client failures.
type EventSink interface {
	Publish(ctx context.Context, userID string, event any)
}
