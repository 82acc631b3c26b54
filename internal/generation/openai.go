package generation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
)

// BackendConfig holds provider credentials resolved once at startup. The
// model itself is chosen per request.
type BackendConfig struct {
	APIKey  string
	BaseURL string

	// Streaming selects the fragment-stream response shape. When false the
	// backend performs a single synchronous completion.
	Streaming bool
}

type openaiBackend struct {
	client    openai.Client
	streaming bool
}

// NewOpenAIBackend creates a Backend using the OpenAI chat completions API.
func NewOpenAIBackend(cfg BackendConfig) (Backend, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &openaiBackend{
		client:    openai.NewClient(opts...),
		streaming: cfg.Streaming,
	}, nil
}

func (b *openaiBackend) Generate(ctx context.Context, req Request) (Source, error) {
	params := openai.ChatCompletionNewParams{
		Model:    req.Model,
		Messages: b.convertMessages(req),
	}

	if b.streaming {
		stream := b.client.Chat.Completions.NewStreaming(ctx, params)
		return &openaiSource{stream: stream}, nil
	}

	start := time.Now()
	resp, err := b.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai chat: %w", err)
	}

	slog.DebugContext(ctx, "openai completion finished",
		"model", req.Model,
		"duration_ms", time.Since(start).Milliseconds(),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens)

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	return SingleSource(resp.Choices[0].Message.Content), nil
}

func (b *openaiBackend) convertMessages(req Request) []openai.ChatCompletionMessageParamUnion {
	var messages []openai.ChatCompletionMessageParamUnion
	if sp := req.SystemPrompt(); sp != "" {
		messages = append(messages, openai.SystemMessage(sp))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))
	return messages
}

// openaiSource adapts the SDK's SSE stream. Chunks without a content delta
// (role announcements, finish markers) are skipped at this boundary.
type openaiSource struct {
	stream *ssestream.Stream[openai.ChatCompletionChunk]
	cur    string
}

func (s *openaiSource) Next() bool {
	for s.stream.Next() {
		chunk := s.stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		s.cur = chunk.Choices[0].Delta.Content
		return true
	}
	return false
}

func (s *openaiSource) Current() any { return s.cur }
func (s *openaiSource) Err() error   { return s.stream.Err() }
