package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/eldtechnologies/chatrelay/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)
	return s
}

func streamingMessage(t *testing.T, s *SQLiteStore, chatID uuid.UUID) *models.Message {
	t.Helper()
	msg := &models.Message{ChatID: chatID, Role: models.RoleAssistant, Status: models.StatusStreaming, Model: "m"}
	if err := s.CreateMessage(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	return msg
}

func TestChatLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	chat, err := s.CreateChat(ctx, "alice", "first", "openai/gpt-4o")
	if err != nil {
		t.Fatal(err)
	}
	if chat.UserID != "alice" || chat.Title != "first" {
		t.Fatalf("unexpected chat %+v", chat)
	}

	if _, err := s.CreateChat(ctx, "bob", "other", "m"); err != nil {
		t.Fatal(err)
	}

	if err := s.RenameChat(ctx, chat.ID, "renamed"); err != nil {
		t.Fatal(err)
	}

	chats, total, err := s.ListChats(ctx, "alice", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || len(chats) != 1 || chats[0].Title != "renamed" {
		t.Fatalf("expected one renamed chat, got total=%d chats=%+v", total, chats)
	}

	missing, err := s.GetChat(ctx, uuid.New())
	if err != nil || missing != nil {
		t.Fatalf("expected nil, nil for missing chat, got %v, %v", missing, err)
	}
}

func TestMessageHistoryOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	chat, _ := s.CreateChat(ctx, "alice", "c", "m")

	for _, content := range []string{"one", "two", "three"} {
		msg := &models.Message{ChatID: chat.ID, Role: models.RoleUser, Content: content, Status: models.StatusComplete}
		if err := s.CreateMessage(ctx, msg); err != nil {
			t.Fatal(err)
		}
	}

	history, err := s.ListMessages(ctx, chat.ID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 || history[0].Content != "two" || history[1].Content != "three" {
		t.Fatalf("expected last two messages oldest first, got %+v", history)
	}

	updated, _ := s.GetChat(ctx, chat.ID)
	if updated.MessageCount != 3 {
		t.Fatalf("expected message_count 3, got %d", updated.MessageCount)
	}
}

func TestFinalizeOnlyOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	chat, _ := s.CreateChat(ctx, "alice", "c", "m")
	msg := streamingMessage(t, s, chat.ID)

	if err := s.UpdateMessageContent(ctx, msg.ID, "partial"); err != nil {
		t.Fatal(err)
	}

	usage := models.Usage{PromptTokens: 3, CompletionTokens: 5}
	if err := s.FinalizeMessage(ctx, msg.ID, "partial done", models.StatusComplete, "", usage); err != nil {
		t.Fatal(err)
	}

	if err := s.FinalizeMessage(ctx, msg.ID, "again", models.StatusAborted, "", models.Usage{}); !errors.Is(err, ErrNotStreaming) {
		t.Fatalf("expected ErrNotStreaming on second finalize, got %v", err)
	}
	if err := s.UpdateMessageContent(ctx, msg.ID, "late"); !errors.Is(err, ErrNotStreaming) {
		t.Fatalf("expected ErrNotStreaming on late update, got %v", err)
	}

	history, _ := s.ListMessages(ctx, chat.ID, 10)
	got := history[0]
	if got.Content != "partial done" || got.Status != models.StatusComplete || got.CompletionTokens != 5 {
		t.Fatalf("unexpected final message %+v", got)
	}
}

func TestFailStaleStreams(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	chat, _ := s.CreateChat(ctx, "alice", "c", "m")
	msg := streamingMessage(t, s, chat.ID)

	n, err := s.FailStaleStreams(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 stale stream, got %d", n)
	}

	history, _ := s.ListMessages(ctx, chat.ID, 10)
	if history[0].ID != msg.ID || history[0].Status != models.StatusError {
		t.Fatalf("expected message marked error, got %+v", history[0])
	}
}

func TestSearchEscapesWildcards(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	chat, _ := s.CreateChat(ctx, "alice", "notes", "m")
	other, _ := s.CreateChat(ctx, "bob", "private", "m")

	for _, m := range []*models.Message{
		{ChatID: chat.ID, Role: models.RoleUser, Content: "growth was 100% this year", Status: models.StatusComplete},
		{ChatID: chat.ID, Role: models.RoleUser, Content: "growth was 1000 units", Status: models.StatusComplete},
		{ChatID: other.ID, Role: models.RoleUser, Content: "bob says 100% too", Status: models.StatusComplete},
	} {
		if err := s.CreateMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	hits, err := s.SearchMessages(ctx, "alice", "100%", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].ChatTitle != "notes" {
		t.Fatalf("expected a single literal match in alice's chat, got %+v", hits)
	}
}

func TestAttachmentsLinkAndDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	chat, _ := s.CreateChat(ctx, "alice", "c", "m")

	a := &models.Attachment{UserID: "alice", Filename: "cat.png", ContentType: "image/png", Size: 10,
		StorageKey: "attachments/alice/cat.png", ThumbnailKey: "attachments/alice/cat_thumb.jpg"}
	if err := s.CreateAttachment(ctx, a); err != nil {
		t.Fatal(err)
	}

	foreign := &models.Message{ChatID: chat.ID, Role: models.RoleUser, Content: "steal", Status: models.StatusComplete}
	if err := s.CreateMessageWithAttachments(ctx, foreign, "bob", []uuid.UUID{a.ID}); !errors.Is(err, ErrAttachmentUnavailable) {
		t.Fatalf("expected foreign user link to fail, got %v", err)
	}

	msg := &models.Message{ChatID: chat.ID, Role: models.RoleUser, Content: "look", Status: models.StatusComplete}
	if err := s.CreateMessageWithAttachments(ctx, msg, "alice", []uuid.UUID{a.ID}); err != nil {
		t.Fatal(err)
	}

	again := &models.Message{ChatID: chat.ID, Role: models.RoleUser, Content: "again", Status: models.StatusComplete}
	if err := s.CreateMessageWithAttachments(ctx, again, "alice", []uuid.UUID{a.ID}); !errors.Is(err, ErrAttachmentUnavailable) {
		t.Fatalf("expected relink to fail, got %v", err)
	}

	history, err := s.ListMessages(ctx, chat.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].ID != msg.ID {
		t.Fatalf("failed links must not leave messages behind, got %+v", history)
	}
	if got, _ := s.GetChat(ctx, chat.ID); got.MessageCount != 1 {
		t.Fatalf("expected message count 1, got %d", got.MessageCount)
	}

	byMessage, err := s.ListMessageAttachments(ctx, []string{msg.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(byMessage[msg.ID]) != 1 {
		t.Fatalf("expected one attachment on message, got %+v", byMessage)
	}

	keys, err := s.DeleteChat(ctx, chat.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected storage and thumbnail keys, got %v", keys)
	}

	gone, _ := s.GetAttachment(ctx, a.ID)
	if gone != nil {
		t.Fatal("expected attachment removed with chat")
	}
}

func TestUsageSummary(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	empty, err := s.UsageSummary(ctx, "nobody")
	if err != nil {
		t.Fatal(err)
	}
	if empty.Chats != 0 || empty.LastActivity != nil {
		t.Fatalf("expected empty summary, got %+v", empty)
	}

	chat, _ := s.CreateChat(ctx, "alice", "c", "m")
	msg := streamingMessage(t, s, chat.ID)
	_ = s.FinalizeMessage(ctx, msg.ID, "hi", models.StatusComplete, "", models.Usage{PromptTokens: 7, CompletionTokens: 2})

	summary, err := s.UsageSummary(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if summary.Chats != 1 || summary.Messages != 1 || summary.PromptTokens != 7 || summary.CompletionTokens != 2 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if summary.LastActivity == nil {
		t.Fatal("expected last activity")
	}
}
