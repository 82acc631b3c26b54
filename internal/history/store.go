package history

import (
	"context"

	"convoline.app/worker/internal/chat"
)

// Store is the append-only per-session conversation log, keyed by
// (userID, sessionID). Reads are served elsewhere; the worker only appends.
type Store interface {
	// Append records turns for the session atomically: either every turn
	// in the call is durably written or none is. A run's (human, assistant)
	// pair goes through a single call so no partial turn can survive a
	// failure.
	Append(ctx context.Context, userID, sessionID string, turns ...chat.Turn) error
}
