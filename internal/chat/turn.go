package chat

// Role identifies who produced a conversation turn.
type Role string

const (
	RoleHuman     Role = "human"
	RoleAssistant Role = "assistant"
)

// Turn is one (role, content) entry in a session's conversation log.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
