package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/eldtechnologies/chatrelay/internal/crypto"
	"github.com/eldtechnologies/chatrelay/internal/models"
)

// SQLiteStore handles SQLite database operations.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/chatrelay.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/chatrelay.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}

	// Initialize schema
	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS chats (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		message_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS attachments (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		message_id TEXT REFERENCES messages(id) ON DELETE SET NULL,
		filename TEXT NOT NULL,
		content_type TEXT NOT NULL,
		size INTEGER NOT NULL,
		storage_key TEXT NOT NULL,
		thumbnail_key TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_chats_user_updated ON chats(user_id, updated_at);
	CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, id);
	CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status, updated_at);
	CREATE INDEX IF NOT EXISTS idx_attachments_message ON attachments(message_id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateChat creates a new chat.
func (s *SQLiteStore) CreateChat(ctx context.Context, userID, title, model string) (*models.Chat, error) {
	id := crypto.NewUUIDv7()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (id, user_id, title, model, created_at, updated_at, message_count)
		VALUES (?, ?, ?, ?, ?, ?, 0)
	`, id.String(), userID, title, model, now, now)
	if err != nil {
		return nil, err
	}

	return s.GetChat(ctx, id)
}

// GetChat retrieves a chat by ID.
func (s *SQLiteStore) GetChat(ctx context.Context, id uuid.UUID) (*models.Chat, error) {
	chat := &models.Chat{}
	var idStr string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, model, created_at, updated_at, message_count
		FROM chats WHERE id = ?
	`, id.String()).Scan(
		&idStr,
		&chat.UserID,
		&chat.Title,
		&chat.Model,
		&chat.CreatedAt,
		&chat.UpdatedAt,
		&chat.MessageCount,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	chat.ID = uuid.MustParse(idStr)
	return chat, nil
}

// ListChats retrieves a user's chats with pagination, most recently active first.
func (s *SQLiteStore) ListChats(ctx context.Context, userID string, limit, offset int) ([]models.Chat, int, error) {
	var total int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chats WHERE user_id = ?`, userID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, title, model, created_at, updated_at, message_count
		FROM chats
		WHERE user_id = ?
		ORDER BY updated_at DESC
		LIMIT ? OFFSET ?
	`, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var chats []models.Chat
	for rows.Next() {
		var chat models.Chat
		var idStr string
		err := rows.Scan(
			&idStr,
			&chat.UserID,
			&chat.Title,
			&chat.Model,
			&chat.CreatedAt,
			&chat.UpdatedAt,
			&chat.MessageCount,
		)
		if err != nil {
			return nil, 0, err
		}
		chat.ID = uuid.MustParse(idStr)
		chats = append(chats, chat)
	}

	return chats, total, rows.Err()
}

// TouchChat records the model last used and bumps the activity timestamp.
func (s *SQLiteStore) TouchChat(ctx context.Context, id uuid.UUID, model string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chats SET model = ?, updated_at = ? WHERE id = ?
	`, model, time.Now().UTC(), id.String())
	return err
}

// RenameChat updates a chat title.
func (s *SQLiteStore) RenameChat(ctx context.Context, id uuid.UUID, title string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chats SET title = ?, updated_at = ? WHERE id = ?
	`, title, time.Now().UTC(), id.String())
	return err
}

// DeleteChat removes a chat, its messages and their attachments.
func (s *SQLiteStore) DeleteChat(ctx context.Context, id uuid.UUID) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT a.storage_key, a.thumbnail_key
		FROM attachments a JOIN messages m ON a.message_id = m.id
		WHERE m.chat_id = ?
	`, id.String())
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

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM attachments WHERE message_id IN (SELECT id FROM messages WHERE chat_id = ?)
	`, id.String()); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, id.String()); err != nil {
		return nil, err
	}

	return keys, tx.Commit()
}

// CreateMessage inserts a message and updates the parent chat's counters.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *models.Message) error {
	return s.CreateMessageWithAttachments(ctx, msg, "", nil)
}

// CreateMessageWithAttachments inserts a message and links its attachments atomically.
func (s *SQLiteStore) CreateMessageWithAttachments(ctx context.Context, msg *models.Message, userID string, attachmentIDs []uuid.UUID) error {
	if msg.ID == "" {
		msg.ID = crypto.NewMessageID()
	}
	now := time.Now().UTC()
	msg.CreatedAt = now
	msg.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, chat_id, role, content, model, status, error, prompt_tokens, completion_tokens, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ChatID.String(), string(msg.Role), msg.Content, msg.Model, string(msg.Status), msg.Error,
		msg.PromptTokens, msg.CompletionTokens, now, now)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE chats SET message_count = message_count + 1, updated_at = ? WHERE id = ?
	`, now, msg.ChatID.String())
	if err != nil {
		return err
	}

	for _, id := range attachmentIDs {
		res, err := tx.ExecContext(ctx, `
			UPDATE attachments SET message_id = ?
			WHERE id = ? AND user_id = ? AND message_id IS NULL
		`, msg.ID, id.String(), userID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrAttachmentUnavailable
		}
	}

	return tx.Commit()
}

// UpdateMessageContent writes partial content for a streaming message.
func (s *SQLiteStore) UpdateMessageContent(ctx context.Context, id, content string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET content = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, content, time.Now().UTC(), id, string(models.StatusStreaming))
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// FinalizeMessage moves a streaming message to a terminal status.
func (s *SQLiteStore) FinalizeMessage(ctx context.Context, id, content string, status models.MessageStatus, errMsg string, usage models.Usage) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET content = ?, status = ?, error = ?, prompt_tokens = ?, completion_tokens = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, content, string(status), errMsg, usage.PromptTokens, usage.CompletionTokens, time.Now().UTC(),
		id, string(models.StatusStreaming))
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// ListMessages returns the most recent messages of a chat, oldest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, chatID uuid.UUID, limit int) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, role, content, model, status, error, prompt_tokens, completion_tokens, created_at, updated_at
		FROM messages WHERE chat_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, chatID.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]models.Message, 0, limit)
	for rows.Next() {
		msg, err := scanSQLiteMessage(rows)
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
func (s *SQLiteStore) SearchMessages(ctx context.Context, userID, query string, limit int) ([]models.SearchHit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.chat_id, m.role, m.content, m.model, m.status, m.error, m.prompt_tokens, m.completion_tokens,
			m.created_at, m.updated_at, c.title
		FROM messages m JOIN chats c ON m.chat_id = c.id
		WHERE c.user_id = ? AND m.content LIKE ? ESCAPE '\'
		ORDER BY m.id DESC
		LIMIT ?
	`, userID, likePattern(query), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []models.SearchHit
	for rows.Next() {
		var hit models.SearchHit
		var chatID, role, status string
		err := rows.Scan(
			&hit.ID, &chatID, &role, &hit.Content, &hit.Model, &status, &hit.Error,
			&hit.PromptTokens, &hit.CompletionTokens, &hit.CreatedAt, &hit.UpdatedAt, &hit.ChatTitle,
		)
		if err != nil {
			return nil, err
		}
		hit.ChatID = uuid.MustParse(chatID)
		hit.Role = models.Role(role)
		hit.Status = models.MessageStatus(status)
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// FailStaleStreams marks messages stuck in streaming as errored.
func (s *SQLiteStore) FailStaleStreams(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = ?, error = ?, updated_at = ?
		WHERE status = ? AND updated_at < ?
	`, string(models.StatusError), "stream interrupted", time.Now().UTC(),
		string(models.StatusStreaming), olderThan.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CreateAttachment records uploaded file metadata.
func (s *SQLiteStore) CreateAttachment(ctx context.Context, a *models.Attachment) error {
	if a.ID == uuid.Nil {
		a.ID = crypto.NewUUIDv7()
	}
	a.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attachments (id, user_id, message_id, filename, content_type, size, storage_key, thumbnail_key, created_at)
		VALUES (?, ?, NULL, ?, ?, ?, ?, ?, ?)
	`, a.ID.String(), a.UserID, a.Filename, a.ContentType, a.Size, a.StorageKey, a.ThumbnailKey, a.CreatedAt)
	return err
}

// GetAttachment retrieves an attachment by ID.
func (s *SQLiteStore) GetAttachment(ctx context.Context, id uuid.UUID) (*models.Attachment, error) {
	a := &models.Attachment{}
	var idStr string
	var messageID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, message_id, filename, content_type, size, storage_key, thumbnail_key, created_at
		FROM attachments WHERE id = ?
	`, id.String()).Scan(
		&idStr, &a.UserID, &messageID, &a.Filename, &a.ContentType, &a.Size, &a.StorageKey, &a.ThumbnailKey, &a.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	a.ID = uuid.MustParse(idStr)
	a.MessageID = messageID.String
	return a, nil
}

// ListMessageAttachments returns attachments grouped by message ID.
func (s *SQLiteStore) ListMessageAttachments(ctx context.Context, messageIDs []string) (map[string][]models.Attachment, error) {
	out := make(map[string][]models.Attachment)
	if len(messageIDs) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(messageIDs)), ",")
	args := make([]interface{}, len(messageIDs))
	for i, id := range messageIDs {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, message_id, filename, content_type, size, storage_key, thumbnail_key, created_at
		FROM attachments WHERE message_id IN (`+placeholders+`)
		ORDER BY created_at ASC
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var a models.Attachment
		var idStr, messageID string
		err := rows.Scan(&idStr, &a.UserID, &messageID, &a.Filename, &a.ContentType, &a.Size, &a.StorageKey, &a.ThumbnailKey, &a.CreatedAt)
		if err != nil {
			return nil, err
		}
		a.ID = uuid.MustParse(idStr)
		a.MessageID = messageID
		out[messageID] = append(out[messageID], a)
	}
	return out, rows.Err()
}

// UsageSummary aggregates chat, message and token counts for a user.
func (s *SQLiteStore) UsageSummary(ctx context.Context, userID string) (*models.UsageSummary, error) {
	summary := &models.UsageSummary{}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM chats WHERE user_id = ?
	`, userID).Scan(&summary.Chats)
	if err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(m.prompt_tokens), 0), COALESCE(SUM(m.completion_tokens), 0)
		FROM messages m JOIN chats c ON m.chat_id = c.id
		WHERE c.user_id = ?
	`, userID).Scan(&summary.Messages, &summary.PromptTokens, &summary.CompletionTokens)
	if err != nil {
		return nil, err
	}

	var last time.Time
	err = s.db.QueryRowContext(ctx, `
		SELECT updated_at FROM chats WHERE user_id = ? ORDER BY updated_at DESC LIMIT 1
	`, userID).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err == nil {
		summary.LastActivity = &last
	}

	return summary, nil
}

func scanSQLiteMessage(rows *sql.Rows) (*models.Message, error) {
	var msg models.Message
	var chatID, role, status string
	err := rows.Scan(
		&msg.ID, &chatID, &role, &msg.Content, &msg.Model, &status, &msg.Error,
		&msg.PromptTokens, &msg.CompletionTokens, &msg.CreatedAt, &msg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	msg.ChatID = uuid.MustParse(chatID)
	msg.Role = models.Role(role)
	msg.Status = models.MessageStatus(status)
	return &msg, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotStreaming
	}
	return nil
}
