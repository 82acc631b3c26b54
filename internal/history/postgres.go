package history

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"convoline.app/worker/common/id"
	"convoline.app/worker/core/db"
	"convoline.app/worker/internal/chat"
)

const insertTurn = `
INSERT INTO conversation_turns (id, user_id, session_id, role, content, created_at)
VALUES ($1, $2, $3, $4, $5, now())
`

// PostgresStore persists conversation turns in the conversation_turns
// table. All turns of one Append call share a transaction.
type PostgresStore struct {
	db *db.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(database *db.DB) *PostgresStore {
	return &PostgresStore{db: database}
}

func (s *PostgresStore) Append(ctx context.Context, userID, sessionID string, turns ...chat.Turn) error {
	if len(turns) == 0 {
		return nil
	}

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		for _, turn := range turns {
			if _, err := tx.Exec(ctx, insertTurn, id.New(), userID, sessionID, string(turn.Role), turn.Content); err != nil {
				return fmt.Errorf("inserting %s turn: %w", turn.Role, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("appending conversation turns: %w", err)
	}

	slog.DebugContext(ctx, "conversation turns appended",
		"session_id", sessionID,
		"turn_count", len(turns))
	return nil
}
