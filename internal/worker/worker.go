// Package worker drains the request stream in batches.
//
// Each message in a batch is processed inside its own isolation boundary: a
// fault, including a panic, in one message can never abort or corrupt the
// processing of its siblings. Every message yields exactly one outcome
// which decides acknowledgment, retry, or dead-lettering.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"convoline.app/worker/common/logger"
	"convoline.app/worker/internal/chat"
	"convoline.app/worker/internal/classify"
	"convoline.app/worker/internal/generation"
	"convoline.app/worker/internal/queue"
)

// RecordHandler processes one decoded request envelope.
type RecordHandler interface {
	Handle(ctx context.Context, env chat.Envelope) error
}

// Queue is the consumer surface the worker needs. Implemented by
// *queue.RedisConsumer.
type Queue interface {
	Read(ctx context.Context) ([]queue.Message, error)
	Ack(ctx context.Context, msg queue.Message) error
	Requeue(ctx context.Context, msg queue.Message, errMsg string) error
	SendDLQ(ctx context.Context, msg queue.Message, errMsg string) error
}

// DecodeError marks a message whose payload could not be parsed. These are
// never retried: the payload will not become parseable on a second attempt.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return "decoding message: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Outcome is the per-message processing result. Err is nil on success.
type Outcome struct {
	Message queue.Message
	Err     error
}

type Config struct {
	MaxAttempts int
}

type Worker struct {
	consumer Queue
	handler  RecordHandler
	notifier *classify.Notifier
	cfg      Config

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func New(consumer Queue, handler RecordHandler, notifier *classify.Notifier, cfg Config) *Worker {
	return &Worker{
		consumer:  consumer,
		handler:   handler,
		notifier:  notifier,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

func (w *Worker) Run(ctx context.Context) error {
	defer close(w.stoppedCh)

	slog.InfoContext(ctx, "worker started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			slog.InfoContext(ctx, "worker stopping")
			return nil
		default:
			if err := w.processOneBatch(ctx); err != nil {
				slog.ErrorContext(ctx, "batch processing error", "error", err)
				// Brief backoff on error
				time.Sleep(time.Second)
			}
		}
	}
}

func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.stoppedCh
}

func (w *Worker) processOneBatch(ctx context.Context) error {
	messages, err := w.consumer.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading from stream: %w", err)
	}

	outcomes := w.ProcessBatch(ctx, messages)
	w.Settle(ctx, outcomes)
	return nil
}

// ProcessBatch runs every message through the handler and returns one
// outcome per message, in input order. It performs no queue side effects;
// settle decides what happens to each message.
func (w *Worker) ProcessBatch(ctx context.Context, messages []queue.Message) []Outcome {
	outcomes := make([]Outcome, 0, len(messages))

	for _, msg := range messages {
		err := w.processMessageSafe(ctx, msg)
		if err != nil {
			slog.ErrorContext(ctx, "message processing failed",
				"error", err,
				"message_id", msg.ID,
				"attempt", msg.Attempt)
		}
		outcomes = append(outcomes, Outcome{Message: msg, Err: err})
	}

	return outcomes
}

func (w *Worker) processMessageSafe(ctx context.Context, msg queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered in message processing",
				"panic", r,
				"message_id", msg.ID)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.ProcessMessage(ctx, msg)
}

// ProcessMessage decodes and handles a single message. Exported so it can
// be reused by the reclaimer.
func (w *Worker) ProcessMessage(ctx context.Context, msg queue.Message) error {
	sc := logger.StartSpanFromTraceID(ctx, msg.TraceID, "worker.process_message",
		trace.WithSpanKind(trace.SpanKindConsumer))
	defer sc.End()
	ctx = sc.Context()

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		MessageID: &msg.ID,
		Attempt:   &msg.Attempt,
	})

	slog.InfoContext(ctx, "processing message")

	env, err := chat.DecodeEnvelope(msg.Body)
	if err != nil {
		return &DecodeError{Err: err}
	}

	userID := env.UserID
	ctx = logger.WithLogFields(ctx, logger.LogFields{UserID: &userID})

	if err := w.handler.Handle(ctx, env); err != nil {
		sc.RecordError(err)
		return err
	}
	return nil
}

// Settle acknowledges, requeues, or dead-letters each message per its
// outcome and notifies the client of each failure.
func (w *Worker) Settle(ctx context.Context, outcomes []Outcome) {
	for _, outcome := range outcomes {
		msg := outcome.Message

		if outcome.Err == nil {
			if err := w.consumer.Ack(ctx, msg); err != nil {
				// The reclaimer will pick it up; reprocessing a handled
				// message is safe because runs start from scratch.
				slog.WarnContext(ctx, "failed to ACK message",
					"error", err,
					"message_id", msg.ID)
			}
			continue
		}

		userID, sessionID := chat.RecoverIdentity(msg.Body)
		w.notifier.Notify(ctx, userID, sessionID, rawCause(outcome.Err))

		var decodeErr *DecodeError
		if errors.As(outcome.Err, &decodeErr) {
			slog.ErrorContext(ctx, "malformed message dropped",
				"error", outcome.Err,
				"message_id", msg.ID)
			if err := w.consumer.Ack(ctx, msg); err != nil {
				slog.WarnContext(ctx, "failed to ACK malformed message",
					"error", err,
					"message_id", msg.ID)
			}
			continue
		}

		w.handleFailedMessage(ctx, msg, outcome.Err)
	}
}

func (w *Worker) handleFailedMessage(ctx context.Context, msg queue.Message, err error) {
	if msg.Attempt >= w.cfg.MaxAttempts {
		slog.ErrorContext(ctx, "max attempts reached, sending to DLQ",
			"message_id", msg.ID,
			"attempts", msg.Attempt)
		if dlqErr := w.consumer.SendDLQ(ctx, msg, err.Error()); dlqErr != nil {
			slog.ErrorContext(ctx, "failed to send to DLQ", "error", dlqErr)
		}
		return
	}

	slog.WarnContext(ctx, "requeuing failed message",
		"message_id", msg.ID,
		"attempt", msg.Attempt)
	if requeueErr := w.consumer.Requeue(ctx, msg, err.Error()); requeueErr != nil {
		slog.ErrorContext(ctx, "failed to requeue message", "error", requeueErr)
	}
}

// HandleReclaimed processes a message claimed back from a dead consumer
// and settles its outcome through the same path as batch messages.
func (w *Worker) HandleReclaimed(ctx context.Context, msg queue.Message) error {
	err := w.processMessageSafe(ctx, msg)
	w.Settle(ctx, []Outcome{{Message: msg, Err: err}})
	return err
}

// rawCause unwraps a generation failure to its unredacted backend error so
// the classifier can match known signatures. Other errors classify on
// their message.
func rawCause(err error) string {
	var genErr *generation.Error
	if errors.As(err, &genErr) {
		return genErr.RawCause()
	}
	return err.Error()
}
