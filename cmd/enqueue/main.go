// Command enqueue injects a chat request payload into the request stream.
// Intended for local development and incident replay, not production use.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"

	"convoline.app/worker/core/config"
	"convoline.app/worker/internal/chat"
	"convoline.app/worker/internal/queue"
)

func main() {
	file := flag.String("file", "", "path to a JSON request payload (defaults to stdin)")
	traceID := flag.String("trace-id", "", "optional trace id to stamp on the entry")
	flag.Parse()

	ctx := context.Background()

	body, err := readPayload(*file)
	if err != nil {
		slog.ErrorContext(ctx, "failed to read payload", "error", err)
		os.Exit(1)
	}

	// Validate before enqueueing so typos fail here, not in the worker.
	if _, err := chat.DecodeEnvelope(body); err != nil {
		slog.ErrorContext(ctx, "payload is not a valid request envelope", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	redisOpts, err := redis.ParseURL(cfg.Queue.RedisURL)
	if err != nil {
		slog.ErrorContext(ctx, "failed to parse redis url", "error", err)
		os.Exit(1)
	}
	client := redis.NewClient(redisOpts)
	defer client.Close()

	producer := queue.NewRedisProducer(client, cfg.Queue.Stream, nil)
	if err := producer.Enqueue(ctx, body, *traceID); err != nil {
		slog.ErrorContext(ctx, "failed to enqueue", "error", err)
		os.Exit(1)
	}

	fmt.Println("enqueued")
}

func readPayload(path string) ([]byte, error) {
	var raw []byte
	var err error

	if path == "" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}

	if !json.Valid(raw) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return raw, nil
}
