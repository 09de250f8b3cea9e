package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Attachment represents an uploaded file that can be attached to a user message.
type Attachment struct {
	ID           uuid.UUID `json:"id"`
	UserID       string    `json:"-"`
	MessageID    string    `json:"message_id,omitempty"`
	Filename     string    `json:"filename"`
	ContentType  string    `json:"content_type"`
	Size         int64     `json:"size"`
	StorageKey   string    `json:"-"`
	ThumbnailKey string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// IsImage reports whether the attachment can be sent to a vision model.
func (a *Attachment) IsImage() bool {
	return strings.HasPrefix(a.ContentType, "image/")
}
