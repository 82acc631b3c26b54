package event

import (
	"strconv"
	"time"
)

// Kind is the outbound event discriminator carried in the `action` field.
type Kind string

const (
	KindToken         Kind = "llm_new_token"
	KindFinalResponse Kind = "final_response"
	KindHeartbeat     Kind = "heartbeat"
	KindError         Kind = "error"
)

// Event is the common envelope pushed to a connected client. Timestamps are
// unix seconds rendered as a string, matching the client protocol.
type Event struct {
	Type      string `json:"type"`
	Action    Kind   `json:"action"`
	UserID    string `json:"userId"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data"`
}

// Token is one incremental fragment of generated text. SequenceNumber is
// scoped to RunID and strictly increasing from 1.
type Token struct {
	RunID          string `json:"runId"`
	SequenceNumber int64  `json:"sequenceNumber"`
	Value          string `json:"value"`
}

type TokenPayload struct {
	SessionID string `json:"sessionId"`
	Token     Token  `json:"token"`
}

type FinalResponsePayload struct {
	SessionID string `json:"sessionId"`
	Type      string `json:"type"`
	Content   string `json:"content"`
}

type HeartbeatPayload struct {
	SessionID string `json:"sessionId"`
}

type ErrorPayload struct {
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
	Type      string `json:"type"`
}

func NewToken(userID, sessionID, runID string, seq int64, value string) Event {
	return newEvent(KindToken, userID, TokenPayload{
		SessionID: sessionID,
		Token: Token{
			RunID:          runID,
			SequenceNumber: seq,
			Value:          value,
		},
	})
}

func NewFinalResponse(userID, sessionID, content string) Event {
	return newEvent(KindFinalResponse, userID, FinalResponsePayload{
		SessionID: sessionID,
		Type:      "text",
		Content:   content,
	})
}

func NewHeartbeat(userID, sessionID string) Event {
	return newEvent(KindHeartbeat, userID, HeartbeatPayload{
		SessionID: sessionID,
	})
}

func NewError(userID, sessionID, content string) Event {
	return newEvent(KindError, userID, ErrorPayload{
		SessionID: sessionID,
		Content:   content,
		Type:      "text",
	})
}

func newEvent(kind Kind, userID string, data any) Event {
	return Event{
		Type:      "text",
		Action:    kind,
		UserID:    userID,
		Timestamp: strconv.FormatInt(time.Now().Unix(), 10),
		Data:      data,
	}
}
