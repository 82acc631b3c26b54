package chat

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Action identifies what a queue message asks the worker to do.
type Action string

const (
	ActionRun       Action = "run"
	ActionHeartbeat Action = "heartbeat"
)

func (a *Action) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	action := Action(strings.ToLower(strings.TrimSpace(raw)))
	switch action {
	case ActionRun, ActionHeartbeat:
		*a = action
		return nil
	default:
		return fmt.Errorf("unknown action %q", raw)
	}
}

// Attachment references user-supplied media forwarded to the generation
// backend unchanged.
type Attachment struct {
	Provenance string `json:"provenance,omitempty"`
	URL        string `json:"url,omitempty"`
	Key        string `json:"key,omitempty"`
	Type       string `json:"type,omitempty"`
}

// RequestData carries the generation parameters of a RUN request. Provider
// and model selection arrive per message, not as process config.
type RequestData struct {
	Provider    string       `json:"provider"`
	ModelName   string       `json:"modelName"`
	Mode        string       `json:"mode"`
	Text        string       `json:"text"`
	WorkspaceID string       `json:"workspaceId,omitempty"`
	SessionID   string       `json:"sessionId,omitempty"`
	Images      []Attachment `json:"images,omitempty"`
	Documents   []Attachment `json:"documents,omitempty"`
	Videos      []Attachment `json:"videos,omitempty"`
}

// Envelope is one decoded chat request.
type Envelope struct {
	Action        Action            `json:"action"`
	UserID        string            `json:"userId"`
	UserGroups    []string          `json:"userGroups"`
	Data          RequestData       `json:"data"`
	SystemPrompts map[string]string `json:"systemPrompts,omitempty"`
}

// transportEnvelope is the one wrapping layer the upstream notification
// service adds around the request payload.
type transportEnvelope struct {
	Message string `json:"Message"`
}

// DecodeEnvelope parses a raw queue payload into an Envelope. The payload is
// unwrapped from one transport layer first; payloads without a wrapping
// layer are parsed directly.
func DecodeEnvelope(body []byte) (Envelope, error) {
	inner := body

	var wrapper transportEnvelope
	if err := json.Unmarshal(body, &wrapper); err == nil && wrapper.Message != "" {
		inner = []byte(wrapper.Message)
	}

	var env Envelope
	if err := json.Unmarshal(inner, &env); err != nil {
		return Envelope{}, fmt.Errorf("decoding request envelope: %w", err)
	}

	if env.UserID == "" {
		return Envelope{}, fmt.Errorf("request envelope missing userId")
	}

	return env, nil
}

// RecoverIdentity extracts whatever userId/sessionId a payload carries
// without validating the rest. Used to address error notifications for
// messages that failed before (or during) full decoding.
func RecoverIdentity(body []byte) (userID, sessionID string) {
	inner := body

	var wrapper transportEnvelope
	if err := json.Unmarshal(body, &wrapper); err == nil && wrapper.Message != "" {
		inner = []byte(wrapper.Message)
	}

	var partial struct {
		UserID string `json:"userId"`
		Data   struct {
			SessionID string `json:"sessionId"`
		} `json:"data"`
	}
	_ = json.Unmarshal(inner, &partial)

	return partial.UserID, partial.Data.SessionID
}
