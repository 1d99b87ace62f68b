package store

import (
	"errors"
	"time"
)

// DefaultConversationTitle is used when a conversation is created without a title.
const DefaultConversationTitle = "New conversation"

var ErrInvalidRole = errors.New("invalid role")

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

type Conversation struct {
	ID           int64     `json:"id"`
	Title        string    `json:"title"`
	SystemPrompt string    `json:"system_prompt"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ConversationSummary is a listing row: the conversation plus its message count.
type ConversationSummary struct {
	Conversation
	MessageCount int `json:"message_count"`
}

type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewMessage is a role/content pair to be inserted by ReplaceMessages.
type NewMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
