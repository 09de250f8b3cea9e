package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eldtechnologies/chatrelay/internal/crypto"
	"github.com/eldtechnologies/chatrelay/internal/models"
)

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const chatColumns = `id, user_id, title, model, created_at, updated_at, message_count`

const messageColumns = `id, chat_id, role, content, model, status, error, prompt_tokens, completion_tokens, created_at, updated_at`

func scanChat(row pgx.Row) (*models.Chat, error) {
	chat := &models.Chat{}
	err := row.Scan(
		&chat.ID,
		&chat.UserID,
		&chat.Title,
		&chat.Model,
		&chat.CreatedAt,
		&chat.UpdatedAt,
		&chat.MessageCount,
	)
	if err != nil {
		return nil, err
	}
	return chat, nil
}

func scanMessage(row pgx.Row) (*models.Message, error) {
	msg := &models.Message{}
	var role, status string
	err := row.Scan(
		&msg.ID,
		&msg.ChatID,
		&role,
		&msg.Content,
		&msg.Model,
		&status,
		&msg.Error,
		&msg.PromptTokens,
		&msg.CompletionTokens,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	msg.Role = models.Role(role)
	msg.Status = models.MessageStatus(status)
	return msg, nil
}

// CreateChat creates a new chat.
func (s *PostgresStore) CreateChat(ctx context.Context, userID, title, model string) (*models.Chat, error) {
	chat, err := scanChat(s.pool.QueryRow(ctx, `
		INSERT INTO chats (id, user_id, title, model)
		VALUES ($1, $2, $3, $4)
		RETURNING `+chatColumns, crypto.NewUUIDv7(), userID, title, model))
	if err != nil {
		return nil, err
	}
	return chat, nil
}

// GetChat retrieves a chat by ID.
func (s *PostgresStore) GetChat(ctx context.Context, id uuid.UUID) (*models.Chat, error) {
	chat, err := scanChat(s.pool.QueryRow(ctx, `SELECT `+chatColumns+` FROM chats WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return chat, nil
}

// ListChats retrieves a user's chats with pagination, most recently active first.
func (s *PostgresStore) ListChats(ctx context.Context, userID string, limit, offset int) ([]models.Chat, int, error) {
	var total int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM chats WHERE user_id = $1`, userID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+chatColumns+`
		FROM chats
		WHERE user_id = $1
		ORDER BY updated_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var chats []models.Chat
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, 0, err
		}
		chats = append(chats, *chat)
	}

	return chats, total, rows.Err()
}

// TouchChat records the model last used and bumps the activity timestamp.
func (s *PostgresStore) TouchChat(ctx context.Context, id uuid.UUID, model string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE chats SET model = $2, updated_at = NOW() WHERE id = $1
	`, id, model)
	return err
}

// RenameChat updates a chat title.
func (s *PostgresStore) RenameChat(ctx context.Context, id uuid.UUID, title string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE chats SET title = $2, updated_at = NOW() WHERE id = $1
	`, id, title)
	return err
}

// DeleteChat removes a chat, its messages and their attachments.
func (s *PostgresStore) DeleteChat(ctx context.Context, id uuid.UUID) ([]string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		DELETE FROM attachments
		WHERE message_id IN (SELECT id FROM messages WHERE chat_id = $1)
		RETURNING storage_key, thumbnail_key
	`, id)
	if err != nil {
		return nil, err
	}
	var keys []string
	for rows.Next() {
		var key, thumb string
		if err := rows.Scan(&key, &thumb); err != nil {
			rows.Close()
			return nil, err
		}
		keys = append(keys, key)
		if thumb != "" {
			keys = append(keys, thumb)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM chats WHERE id = $1`, id); err != nil {
		return nil, err
	}

	return keys, tx.Commit(ctx)
}

// CreateMessage inserts a message and updates the parent chat's counters.
func (s *PostgresStore) CreateMessage(ctx context.Context, msg *models.Message) error {
	return s.CreateMessageWithAttachments(ctx, msg, "", nil)
}

// CreateMessageWithAttachments inserts a message and links its attachments atomically.
func (s *PostgresStore) CreateMessageWithAttachments(ctx context.Context, msg *models.Message, userID string, attachmentIDs []uuid.UUID) error {
	if msg.ID == "" {
		msg.ID = crypto.NewMessageID()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO messages (id, chat_id, role, content, model, status, error, prompt_tokens, completion_tokens)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`, msg.ID, msg.ChatID, string(msg.Role), msg.Content, msg.Model, string(msg.Status), msg.Error,
		msg.PromptTokens, msg.CompletionTokens).Scan(&msg.CreatedAt, &msg.UpdatedAt)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE chats SET message_count = message_count + 1, updated_at = NOW() WHERE id = $1
	`, msg.ChatID); err != nil {
		return err
	}

	if len(attachmentIDs) > 0 {
		tag, err := tx.Exec(ctx, `
			UPDATE attachments SET message_id = $1
			WHERE id = ANY($2) AND user_id = $3 AND message_id IS NULL
		`, msg.ID, attachmentIDs, userID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != int64(len(attachmentIDs)) {
			return ErrAttachmentUnavailable
		}
	}

	return tx.Commit(ctx)
}

// UpdateMessageContent writes partial content for a streaming message.
func (s *PostgresStore) UpdateMessageContent(ctx context.Context, id, content string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET content = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, content, string(models.StatusStreaming))
	if err != nil {
		return err
	}
	return requireTag(tag)
}

// FinalizeMessage moves a streaming message to a terminal status.
func (s *PostgresStore) FinalizeMessage(ctx context.Context, id, content string, status models.MessageStatus, errMsg string, usage models.Usage) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages
		SET content = $2, status = $3, error = $4, prompt_tokens = $5, completion_tokens = $6, updated_at = NOW()
		WHERE id = $1 AND status = $7
	`, id, content, string(status), errMsg, usage.PromptTokens, usage.CompletionTokens, string(models.StatusStreaming))
	if err != nil {
		return err
	}
	return requireTag(tag)
}

// ListMessages returns the most recent messages of a chat, oldest first.
func (s *PostgresStore) ListMessages(ctx context.Context, chatID uuid.UUID, limit int) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages WHERE chat_id = $1
		ORDER BY id DESC
		LIMIT $2
	`, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]models.Message, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverse(messages)
	return messages, nil
}

// SearchMessages finds messages in the user's chats containing query.
func (s *PostgresStore) SearchMessages(ctx context.Context, userID, query string, limit int) ([]models.SearchHit, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT m.id, m.chat_id, m.role, m.content, m.model, m.status, m.error, m.prompt_tokens, m.completion_tokens,
			m.created_at, m.updated_at, c.title
		FROM messages m JOIN chats c ON m.chat_id = c.id
		WHERE c.user_id = $1 AND m.content ILIKE $2
		ORDER BY m.id DESC
		LIMIT $3
	`, userID, likePattern(query), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []models.SearchHit
	for rows.Next() {
		var hit models.SearchHit
		var role, status string
		err := rows.Scan(
			&hit.ID, &hit.ChatID, &role, &hit.Content, &hit.Model, &status, &hit.Error,
			&hit.PromptTokens, &hit.CompletionTokens, &hit.CreatedAt, &hit.UpdatedAt, &hit.ChatTitle,
		)
		if err != nil {
			return nil, err
		}
		hit.Role = models.Role(role)
		hit.Status = models.MessageStatus(status)
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// FailStaleStreams marks messages stuck in streaming as errored.
func (s *PostgresStore) FailStaleStreams(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET status = $1, error = 'stream interrupted', updated_at = NOW()
		WHERE status = $2 AND updated_at < $3
	`, string(models.StatusError), string(models.StatusStreaming), olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CreateAttachment records uploaded file metadata.
func (s *PostgresStore) CreateAttachment(ctx context.Context, a *models.Attachment) error {
	if a.ID == uuid.Nil {
		a.ID = crypto.NewUUIDv7()
	}
	return s.pool.QueryRow(ctx, `
		INSERT INTO attachments (id, user_id, filename, content_type, size, storage_key, thumbnail_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, a.ID, a.UserID, a.Filename, a.ContentType, a.Size, a.StorageKey, a.ThumbnailKey).Scan(&a.CreatedAt)
}

// GetAttachment retrieves an attachment by ID.
func (s *PostgresStore) GetAttachment(ctx context.Context, id uuid.UUID) (*models.Attachment, error) {
	a := &models.Attachment{}
	var messageID *string
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, message_id, filename, content_type, size, storage_key, thumbnail_key, created_at
		FROM attachments WHERE id = $1
	`, id).Scan(&a.ID, &a.UserID, &messageID, &a.Filename, &a.ContentType, &a.Size, &a.StorageKey, &a.ThumbnailKey, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if messageID != nil {
		a.MessageID = *messageID
	}
	return a, nil
}

// ListMessageAttachments returns attachments grouped by message ID.
func (s *PostgresStore) ListMessageAttachments(ctx context.Context, messageIDs []string) (map[string][]models.Attachment, error) {
	out := make(map[string][]models.Attachment)
	if len(messageIDs) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, message_id, filename, content_type, size, storage_key, thumbnail_key, created_at
		FROM attachments WHERE message_id = ANY($1)
		ORDER BY created_at ASC
	`, messageIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var a models.Attachment
		err := rows.Scan(&a.ID, &a.UserID, &a.MessageID, &a.Filename, &a.ContentType, &a.Size, &a.StorageKey, &a.ThumbnailKey, &a.CreatedAt)
		if err != nil {
			return nil, err
		}
		out[a.MessageID] = append(out[a.MessageID], a)
	}
	return out, rows.Err()
}

// UsageSummary aggregates chat, message and token counts for a user.
func (s *PostgresStore) UsageSummary(ctx context.Context, userID string) (*models.UsageSummary, error) {
	summary := &models.UsageSummary{}
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM chats WHERE user_id = $1),
			COUNT(m.id),
			COALESCE(SUM(m.prompt_tokens), 0),
			COALESCE(SUM(m.completion_tokens), 0),
			(SELECT MAX(updated_at) FROM chats WHERE user_id = $1)
		FROM messages m JOIN chats c ON m.chat_id = c.id
		WHERE c.user_id = $1
	`, userID).Scan(
		&summary.Chats,
		&summary.Messages,
		&summary.PromptTokens,
		&summary.CompletionTokens,
		&summary.LastActivity,
	)
	if err != nil {
		return nil, err
	}
	return summary, nil
}

func requireTag(tag pgconn.CommandTag) error {
	if tag.RowsAffected() == 0 {
		return ErrNotStreaming
	}
	return nil
}
