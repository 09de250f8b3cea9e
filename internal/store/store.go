package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/eldtechnologies/chatrelay/internal/models"
)

var (
	// ErrNotStreaming is returned when a content update or finalization targets
	// a message that already left the streaming state.
	ErrNotStreaming = errors.New("message is not streaming")

	// ErrAttachmentUnavailable is returned when an attachment is missing, owned by
	// another user, or already linked to a message.
	ErrAttachmentUnavailable = errors.New("attachment unavailable")
)

// DataStore defines the interface for persistent storage of chats, messages and attachments.
// Both PostgresStore and SQLiteStore implement this interface.
type DataStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// Chat operations
	CreateChat(ctx context.Context, userID, title, model string) (*models.Chat, error)
	GetChat(ctx context.Context, id uuid.UUID) (*models.Chat, error)
	ListChats(ctx context.Context, userID string, limit, offset int) ([]models.Chat, int, error)
	TouchChat(ctx context.Context, id uuid.UUID, model string) error
	RenameChat(ctx context.Context, id uuid.UUID, title string) error
	// DeleteChat removes a chat with its messages and attachments, returning the
	// storage keys of blobs that are no longer referenced.
	DeleteChat(ctx context.Context, id uuid.UUID) ([]string, error)

	// Message operations
	CreateMessage(ctx context.Context, msg *models.Message) error
	// CreateMessageWithAttachments inserts msg and links the given attachments to
	// it in one transaction. Each attachment must belong to userID and be unlinked,
	// otherwise nothing is written and ErrAttachmentUnavailable is returned.
	CreateMessageWithAttachments(ctx context.Context, msg *models.Message, userID string, attachmentIDs []uuid.UUID) error
	UpdateMessageContent(ctx context.Context, id, content string) error
	FinalizeMessage(ctx context.Context, id, content string, status models.MessageStatus, errMsg string, usage models.Usage) error
	ListMessages(ctx context.Context, chatID uuid.UUID, limit int) ([]models.Message, error)
	SearchMessages(ctx context.Context, userID, query string, limit int) ([]models.SearchHit, error)
	FailStaleStreams(ctx context.Context, olderThan time.Time) (int64, error)

	// Attachment operations
	CreateAttachment(ctx context.Context, a *models.Attachment) error
	GetAttachment(ctx context.Context, id uuid.UUID) (*models.Attachment, error)
	ListMessageAttachments(ctx context.Context, messageIDs []string) (map[string][]models.Attachment, error)

	// Stats
	UsageSummary(ctx context.Context, userID string) (*models.UsageSummary, error)
}

// likePattern escapes LIKE wildcards in a user query.
func likePattern(query string) string {
	escaped := make([]rune, 0, len(query)+2)
	escaped = append(escaped, '%')
	for _, r := range query {
		if r == '%' || r == '_' || r == '\\' {
			escaped = append(escaped, '\\')
		}
		escaped = append(escaped, r)
	}
	return string(append(escaped, '%'))
}

// reverse flips newest-first query results into chronological order.
func reverse(messages []models.Message) {
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
}
