// Package handler processes one decoded chat request at a time.
//
// A RUN request moves through Received -> Invoking -> (Streaming)* ->
// Persisting -> Completed; any stage can fail the run. A failed run
// persists nothing: the conversation turn pair is written only after the
// generation has fully completed.
package handler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"

	"convoline.app/worker/common/id"
	"convoline.app/worker/common/logger"
	"convoline.app/worker/internal/chat"
	"convoline.app/worker/internal/event"
	"convoline.app/worker/internal/generation"
	"convoline.app/worker/internal/history"
	"convoline.app/worker/internal/sequence"
)

type Config struct {
	// DisableStreaming suppresses per-fragment token events. The final
	// response still carries the full content.
	DisableStreaming bool
}

type Handler struct {
	invoker    *generation.Invoker
	sequencer  *sequence.Sequencer
	dispatcher event.Dispatcher
	history    history.Store
	cfg        Config
}

func New(invoker *generation.Invoker, sequencer *sequence.Sequencer, dispatcher event.Dispatcher, historyStore history.Store, cfg Config) *Handler {
	return &Handler{
		invoker:    invoker,
		sequencer:  sequencer,
		dispatcher: dispatcher,
		history:    historyStore,
		cfg:        cfg,
	}
}

// Handle processes one request envelope to completion.
func (h *Handler) Handle(ctx context.Context, env chat.Envelope) error {
	switch env.Action {
	case chat.ActionHeartbeat:
		h.handleHeartbeat(ctx, env)
		return nil
	case chat.ActionRun:
		return h.handleRun(ctx, env)
	default:
		return fmt.Errorf("unsupported action %q", env.Action)
	}
}

// handleHeartbeat acknowledges a keepalive. No generation, no persistence.
func (h *Handler) handleHeartbeat(ctx context.Context, env chat.Envelope) {
	ev := event.NewHeartbeat(env.UserID, env.Data.SessionID)
	if err := h.dispatcher.Send(ctx, ev); err != nil {
		slog.WarnContext(ctx, "failed to dispatch heartbeat", "error", err)
	}
}

func (h *Handler) handleRun(ctx context.Context, env chat.Envelope) error {
	// A request without a session starts a fresh conversation; the
	// generated id is carried on every event so the client can adopt it.
	sessionID := env.Data.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	runID := strconv.FormatInt(id.New(), 10)

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		SessionID: &sessionID,
		RunID:     &runID,
	})

	slog.InfoContext(ctx, "starting generation run",
		"provider", env.Data.Provider,
		"model", env.Data.ModelName,
		"mode", env.Data.Mode)

	stream, err := h.invoker.Invoke(ctx, generation.Request{
		Provider:      env.Data.Provider,
		Model:         env.Data.ModelName,
		Mode:          env.Data.Mode,
		Prompt:        env.Data.Text,
		UserID:        env.UserID,
		SessionID:     sessionID,
		WorkspaceID:   env.Data.WorkspaceID,
		UserGroups:    env.UserGroups,
		Images:        env.Data.Images,
		Documents:     env.Data.Documents,
		Videos:        env.Data.Videos,
		SystemPrompts: env.SystemPrompts,
	})
	if err != nil {
		return err
	}

	defer h.sequencer.Release(runID)

	completion, err := h.consumeStream(ctx, stream, env.UserID, sessionID, runID)
	if err != nil {
		return err
	}

	// Persist before reporting final: no response is reported final
	// without being durably recorded. The pair goes in one call so a
	// failure leaves no partial turn.
	err = h.history.Append(ctx, env.UserID, sessionID,
		chat.Turn{Role: chat.RoleHuman, Content: env.Data.Text},
		chat.Turn{Role: chat.RoleAssistant, Content: completion},
	)
	if err != nil {
		return fmt.Errorf("persisting conversation turns: %w", err)
	}

	final := event.NewFinalResponse(env.UserID, sessionID, completion)
	if err := h.dispatcher.Send(ctx, final); err != nil {
		slog.WarnContext(ctx, "failed to dispatch final response", "error", err)
	}

	slog.InfoContext(ctx, "generation run completed",
		"completion_length", len(completion))
	return nil
}

// consumeStream drains the fragment stream, emitting one token event per
// non-empty fragment and assembling the full completion.
func (h *Handler) consumeStream(ctx context.Context, stream *generation.Stream, userID, sessionID, runID string) (string, error) {
	var completion string

	for stream.Next() {
		fragment := stream.Current()
		if fragment == "" {
			continue
		}
		completion += fragment

		if h.cfg.DisableStreaming {
			continue
		}

		seq := h.sequencer.Next(runID)
		ev := event.NewToken(userID, sessionID, runID, seq, fragment)
		if err := h.dispatcher.Send(ctx, ev); err != nil {
			slog.WarnContext(ctx, "failed to dispatch token event",
				"error", err,
				"sequence_number", seq)
		}
	}

	if err := stream.Err(); err != nil {
		return "", err
	}

	return completion, nil
}
