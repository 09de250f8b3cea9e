package models

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// MessageStatus tracks an assistant message through its stream lifecycle.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusStreaming MessageStatus = "streaming"
	StatusComplete  MessageStatus = "complete"
	StatusAborted   MessageStatus = "aborted"
	StatusError     MessageStatus = "error"
)

// Terminal reports whether no further transitions are allowed.
func (s MessageStatus) Terminal() bool {
	return s == StatusComplete || s == StatusAborted || s == StatusError
}

// Message is a single chat turn.
type Message struct {
	ID               string        `json:"id"` // ULID
	ChatID           uuid.UUID     `json:"chat_id"`
	Role             Role          `json:"role"`
	Content          string        `json:"content"`
	Model            string        `json:"model,omitempty"`
	Status           MessageStatus `json:"status"`
	Error            string        `json:"error,omitempty"`
	PromptTokens     int           `json:"prompt_tokens,omitempty"`
	CompletionTokens int           `json:"completion_tokens,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
	Attachments      []Attachment  `json:"attachments,omitempty"`
}

// Usage is the token accounting reported by the upstream provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// SearchHit is a message matched by a content search.
type SearchHit struct {
	Message
	ChatTitle string `json:"chat_title"`
}
