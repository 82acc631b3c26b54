package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// ClientChannel is the pub/sub channel the connected-client adapter
// subscribes to for a given user.
func ClientChannel(userID string) string {
	return "client:" + userID
}

// RedisDispatcher publishes events to per-user Redis pub/sub channels. The
// websocket adapter on the other side forwards them to the live connection,
// if any. Publishing to a channel with no subscriber is not an error.
type RedisDispatcher struct {
	client *redis.Client
}

func NewRedisDispatcher(client *redis.Client) *RedisDispatcher {
	return &RedisDispatcher{client: client}
}

func (d *RedisDispatcher) Send(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	channel := ClientChannel(ev.UserID)
	if err := d.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", channel, err)
	}

	slog.DebugContext(ctx, "event dispatched",
		"action", ev.Action,
		"channel", channel)
	return nil
}
