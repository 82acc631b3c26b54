package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"convoline.app/worker/common/id"
	"convoline.app/worker/common/logger"
	"convoline.app/worker/common/otel"
	"convoline.app/worker/core/config"
	"convoline.app/worker/core/db"
	"convoline.app/worker/internal/classify"
	"convoline.app/worker/internal/event"
	"convoline.app/worker/internal/generation"
	"convoline.app/worker/internal/handler"
	"convoline.app/worker/internal/health"
	"convoline.app/worker/internal/history"
	"convoline.app/worker/internal/queue"
	"convoline.app/worker/internal/sequence"
	"convoline.app/worker/internal/worker"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	fmt.Printf("%s\n", banner)

	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		slog.ErrorContext(ctx, "failed to set up telemetry", "error", err)
		os.Exit(1)
	}

	logger.Setup(cfg)

	slog.InfoContext(ctx, "convoline worker starting",
		"env", cfg.Env,
		"consumer_group", cfg.Queue.Group,
		"consumer_name", cfg.Queue.Consumer)

	if err := id.Init(cfg.SnowflakeNode); err != nil {
		slog.ErrorContext(ctx, "failed to initialize id generator", "error", err)
		os.Exit(1)
	}

	database, err := db.New(ctx, cfg.DB)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer database.Close()
	slog.InfoContext(ctx, "database connected")

	redisOpts, err := redis.ParseURL(cfg.Queue.RedisURL)
	if err != nil {
		slog.ErrorContext(ctx, "failed to parse redis url", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.ErrorContext(ctx, "failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	slog.InfoContext(ctx, "redis connected", "stream", cfg.Queue.Stream)

	consumer, err := queue.NewRedisConsumer(redisClient, queue.ConsumerConfig{
		Stream:       cfg.Queue.Stream,
		Group:        cfg.Queue.Group,
		Consumer:     cfg.Queue.Consumer,
		DLQStream:    cfg.Queue.DLQStream,
		BatchSize:    cfg.Queue.BatchSize,
		Block:        cfg.Queue.Block,
		RequeueDelay: cfg.Queue.RequeueDelay,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to create consumer", "error", err)
		os.Exit(1)
	}

	invoker := generation.NewInvoker()
	if cfg.OpenAI.Enabled() {
		backend, err := generation.NewOpenAIBackend(generation.BackendConfig{
			APIKey:    cfg.OpenAI.APIKey,
			BaseURL:   cfg.OpenAI.BaseURL,
			Streaming: !cfg.Generation.DisableStreaming,
		})
		if err != nil {
			slog.ErrorContext(ctx, "failed to create openai backend", "error", err)
			os.Exit(1)
		}
		invoker.Register(generation.ProviderOpenAI, backend)
	}
	if cfg.Anthropic.Enabled() {
		backend, err := generation.NewAnthropicBackend(generation.BackendConfig{
			APIKey:    cfg.Anthropic.APIKey,
			BaseURL:   cfg.Anthropic.BaseURL,
			Streaming: !cfg.Generation.DisableStreaming,
		})
		if err != nil {
			slog.ErrorContext(ctx, "failed to create anthropic backend", "error", err)
			os.Exit(1)
		}
		invoker.Register(generation.ProviderAnthropic, backend)
	}

	dispatcher := event.NewRedisDispatcher(redisClient)
	historyStore := history.NewPostgresStore(database)
	notifier := classify.NewNotifier(dispatcher)

	recordHandler := handler.New(invoker, sequence.New(), dispatcher, historyStore, handler.Config{
		DisableStreaming: cfg.Generation.DisableStreaming,
	})

	w := worker.New(consumer, recordHandler, notifier, worker.Config{
		MaxAttempts: cfg.Queue.MaxAttempts,
	})

	reclaimer := worker.NewReclaimer(redisClient, worker.ReclaimerConfig{
		Stream:    cfg.Queue.Stream,
		Group:     cfg.Queue.Group,
		Consumer:  cfg.Queue.Consumer + "-reclaimer",
		MinIdle:   cfg.Queue.ReclaimMinIdle,
		Interval:  cfg.Queue.ReclaimInterval,
		BatchSize: cfg.Queue.BatchSize,
	}, consumer, w.HandleReclaimed)

	healthServer := health.NewServer(cfg.HealthPort, redisClient, database)

	errCh := make(chan error, 3)
	go func() {
		errCh <- w.Run(ctx)
	}()
	go func() {
		reclaimer.Run(ctx)
		errCh <- nil
	}()
	go func() {
		errCh <- healthServer.Start()
	}()

	slog.InfoContext(ctx, "worker initialized and running",
		"health_port", cfg.HealthPort)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down worker...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		slog.WarnContext(ctx, "health server shutdown error", "error", err)
	}

	// Stop reclaimer first (quick)
	reclaimer.Stop()

	// Stop worker (may be processing)
	w.Stop()

	select {
	case <-shutdownCtx.Done():
		slog.WarnContext(ctx, "shutdown timeout exceeded")
	case err := <-errCh:
		if err != nil {
			slog.ErrorContext(ctx, "worker error during shutdown", "error", err)
		}
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.WarnContext(ctx, "telemetry shutdown error", "error", err)
		}
	}

	slog.InfoContext(ctx, "worker shutdown complete")
}

const banner = `
 ██████╗ ██████╗ ███╗   ██╗██╗   ██╗ ██████╗ ██╗     ██╗███╗   ██╗███████╗
██╔════╝██╔═══██╗████╗  ██║██║   ██║██╔═══██╗██║     ██║████╗  ██║██╔════╝
██║     ██║   ██║██╔██╗ ██║██║   ██║██║   ██║██║     ██║██╔██╗ ██║█████╗
██║     ██║   ██║██║╚██╗██║╚██╗ ██╔╝██║   ██║██║     ██║██║╚██╗██║██╔══╝
╚██████╗╚██████╔╝██║ ╚████║ ╚████╔╝ ╚██████╔╝███████╗██║██║ ╚████║███████╗
 ╚═════╝ ╚═════╝ ╚═╝  ╚═══╝  ╚═══╝   ╚═════╝ ╚══════╝╚═╝╚═╝  ╚═══╝╚══════╝
`
