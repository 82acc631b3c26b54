package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Producer enqueues raw chat request payloads onto the request stream.
type Producer interface {
	Enqueue(ctx context.Context, body []byte, traceID string) error
	Close() error
}

type redisProducer struct {
	client *redis.Client
	stream string
	logger *slog.Logger
}

func NewRedisProducer(client *redis.Client, stream string, logger *slog.Logger) Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &redisProducer{
		client: client,
		stream: stream,
		logger: logger,
	}
}

func (p *redisProducer) Enqueue(ctx context.Context, body []byte, traceID string) error {
	fields := map[string]any{
		"body":    string(body),
		"attempt": 1,
	}
	if traceID != "" {
		fields["trace_id"] = traceID
	}

	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: fields,
	}).Err(); err != nil {
		return fmt.Errorf("enqueue request: %w", err)
	}

	p.logger.InfoContext(ctx, "enqueued chat request", "stream", p.stream, "bytes", len(body))
	return nil
}

func (p *redisProducer) Close() error {
	return p.client.Close()
}
