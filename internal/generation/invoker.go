package generation

import (
	"context"
	"fmt"

	"convoline.app/worker/internal/chat"
)

// Provider constants for backend selection.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Request carries everything a backend needs for one generation run.
// Provider and model selection arrive per message.
type Request struct {
	Provider      string
	Model         string
	Mode          string
	Prompt        string
	UserID        string
	SessionID     string
	WorkspaceID   string
	UserGroups    []string
	Images        []chat.Attachment
	Documents     []chat.Attachment
	Videos        []chat.Attachment
	SystemPrompts map[string]string
}

// SystemPrompt returns the per-run system prompt override, if any.
func (r Request) SystemPrompt() string {
	return r.SystemPrompts["system"]
}

// Backend produces model output for one request, either as a single
// completion or as a fragment stream. Both shapes surface as a Source.
type Backend interface {
	Generate(ctx context.Context, req Request) (Source, error)
}

// Invoker routes requests to the backend registered for the requested
// provider and normalizes its output into a plain-text fragment Stream.
// Backend failures are wrapped in *Error so the raw cause survives for
// classification without ever reaching a client.
type Invoker struct {
	backends map[string]Backend
}

func NewInvoker() *Invoker {
	return &Invoker{backends: make(map[string]Backend)}
}

// Register binds a backend to a provider name. Later registrations for the
// same provider replace earlier ones.
func (i *Invoker) Register(provider string, backend Backend) {
	i.backends[provider] = backend
}

func (i *Invoker) Invoke(ctx context.Context, req Request) (*Stream, error) {
	backend, ok := i.backends[req.Provider]
	if !ok {
		return nil, NewError(fmt.Errorf("unsupported provider %q", req.Provider))
	}

	src, err := backend.Generate(ctx, req)
	if err != nil {
		return nil, NewError(err)
	}

	return newStream(src), nil
}
