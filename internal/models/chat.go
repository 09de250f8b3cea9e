package models

import (
	"time"

	"github.com/google/uuid"
)

// Chat represents a conversation owned by a single user.
type Chat struct {
	ID           uuid.UUID `json:"id"`
	UserID       string    `json:"user_id"`
	Title        string    `json:"title"`
	Model        string    `json:"model"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int64     `json:"message_count"`
}

// UsageSummary aggregates a user's activity.
type UsageSummary struct {
	Chats            int64      `json:"chats"`
	Messages         int64      `json:"messages"`
	PromptTokens     int64      `json:"prompt_tokens"`
	CompletionTokens int64      `json:"completion_tokens"`
	LastActivity     *time.Time `json:"-"`
}
