package generation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

const anthropicMaxTokens = 8192

type anthropicBackend struct {
	client    anthropic.Client
	streaming bool
}

// NewAnthropicBackend creates a Backend using the Anthropic messages API.
func NewAnthropicBackend(cfg BackendConfig) (Backend, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &anthropicBackend{
		client:    anthropic.NewClient(opts...),
		streaming: cfg.Streaming,
	}, nil
}

func (b *anthropicBackend) Generate(ctx context.Context, req Request) (Source, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: anthropicMaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}

	if sp := req.SystemPrompt(); sp != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: sp}}
	}

	if b.streaming {
		stream := b.client.Messages.NewStreaming(ctx, params)
		return &anthropicSource{stream: stream}, nil
	}

	start := time.Now()
	resp, err := b.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic chat: %w", err)
	}

	slog.DebugContext(ctx, "anthropic completion finished",
		"model", req.Model,
		"duration_ms", time.Since(start).Milliseconds(),
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
		"stop_reason", resp.StopReason)

	var content string
	for _, block := range resp.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	return SingleSource(content), nil
}

// anthropicSource adapts the SDK's SSE stream, surfacing only text deltas.
type anthropicSource struct {
	stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
	cur    string
}

func (s *anthropicSource) Next() bool {
	for s.stream.Next() {
		switch ev := s.stream.Current().AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				s.cur = delta.Text
				return true
			}
		}
	}
	return false
}

func (s *anthropicSource) Current() any { return s.cur }
func (s *anthropicSource) Err() error   { return s.stream.Err() }
