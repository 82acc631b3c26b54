// Package classify maps raw processing failures to safe client messages.
//
// Raw backend errors can carry internal detail (endpoints, account ids,
// request payloads), so they are only ever logged. Clients receive a
// generic message, with tailored guidance for a few known signatures.
package classify

import (
	"context"
	"log/slog"
	"strings"

	"convoline.app/worker/internal/event"
)

const genericMessage = "⚠️ *Something went wrong*"

// pattern matches a known failure signature when every fragment is present
// in the raw cause.
type pattern struct {
	fragments []string
	message   string
}

var patterns = []pattern{
	{
		// Reel-style video models accept a single input resolution.
		fragments: []string{
			"ValidationException",
			"The provided image must have dimensions in set [1280x720]",
		},
		message: "⚠️ *The provided image must have dimensions of 1280x720.*",
	},
	{
		fragments: []string{
			"ValidationException",
			"The width of the provided image must be within range [320, 4096]",
		},
		message: "⚠️ *The width of the provided image must be within range 320 and 4096 pixels.*",
	},
	{
		fragments: []string{
			"AccessDeniedException",
			"You don't have access to the model with the specified model ID",
		},
		message: "*This model is not enabled. Please try again later or contact an administrator*",
	},
}

// Classify returns the user-facing message for a raw failure cause. All
// unrecognized causes collapse to a generic apology.
func Classify(rawCause string) string {
	for _, p := range patterns {
		if matchesAll(rawCause, p.fragments) {
			return p.message
		}
	}
	return genericMessage
}

func matchesAll(s string, fragments []string) bool {
	for _, f := range fragments {
		if !strings.Contains(s, f) {
			return false
		}
	}
	return true
}

// Notifier turns failed message outcomes into client error events.
type Notifier struct {
	dispatcher event.Dispatcher
}

func NewNotifier(dispatcher event.Dispatcher) *Notifier {
	return &Notifier{dispatcher: dispatcher}
}

// Notify emits exactly one error event for a failed message, addressed to
// whatever identity could be recovered from the original payload. The raw
// cause stays in the logs.
func (n *Notifier) Notify(ctx context.Context, userID, sessionID, rawCause string) {
	message := Classify(rawCause)
	if message == genericMessage {
		slog.ErrorContext(ctx, "unable to process request", "error", rawCause)
	}

	ev := event.NewError(userID, sessionID, message)
	if err := n.dispatcher.Send(ctx, ev); err != nil {
		// Delivery is best-effort; a disconnected client just misses it.
		slog.WarnContext(ctx, "failed to dispatch error event", "error", err)
	}
}
