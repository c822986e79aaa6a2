package domain

import "time"

type Role string

const (
	RoleUser      Role = "USER"
	RoleAssistant Role = "ASSISTANT"
)

// Session is a user+organization continuity window.
type Session struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	UserIdentifier string    `json:"user_identifier"`
	DatasetID      string    `json:"dataset_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	// Temporary sessions are never persisted; they keep a turn alive when storage is down.
	Temporary bool `json:"temporary,omitempty"`
}

type Message struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	Role      Role              `json:"role"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// PromptMessage is a chat message handed to the generation model.
type PromptMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	PromptRoleSystem    = "system"
	PromptRoleUser      = "user"
	PromptRoleAssistant = "assistant"
)

type ConversationStats struct {
	SessionID         string    `json:"session_id"`
	MessageCount      int       `json:"message_count"`
	UserMessages      int       `json:"user_messages"`
	AssistantMessages int       `json:"assistant_messages"`
	FirstMessageAt    time.Time `json:"first_message_at,omitempty"`
	LastMessageAt     time.Time `json:"last_message_at,omitempty"`
}
