package event

import "context"

// Dispatcher delivers one event to the logical client session identified by
// the event's UserID. Delivery is best-effort at-most-once: a disconnected
// client simply misses the event. Callers are responsible for issuing sends
// in the intended order; the dispatcher neither reorders nor batches.
type Dispatcher interface {
	Send(ctx context.Context, ev Event) error
}
