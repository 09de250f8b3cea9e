package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/eldtechnologies/chatrelay/internal/api/middleware"
	"github.com/eldtechnologies/chatrelay/internal/events"
	"github.com/eldtechnologies/chatrelay/internal/models"
)

// ChatListResponse represents the chats list response.
type ChatListResponse struct {
	Chats []models.Chat `json:"chats"`
	Total int           `json:"total"`
}

// ChatDetailResponse is a chat with its most recent messages.
type ChatDetailResponse struct {
	Chat     *models.Chat     `json:"chat"`
	Messages []models.Message `json:"messages"`
}

// RenameRequest is the body of PATCH /api/chats/{id}.
type RenameRequest struct {
	Title string `json:"title" validate:"required,max=200"`
}

// ListChats handles listing the caller's chats, most recently active first.
func (h *Handler) ListChats(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	limit, offset := pagination(r, 20, 100)

	chats, total, err := h.store.ListChats(r.Context(), userID, limit, offset)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if chats == nil {
		chats = []models.Chat{}
	}

	h.JSON(w, http.StatusOK, ChatListResponse{
		Chats: chats,
		Total: total,
	})
}

// GetChat returns a chat with its messages and their attachments.
func (h *Handler) GetChat(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())

	chat, status, msg := h.loadOwnedChat(r.Context(), userID, chi.URLParam(r, "id"))
	if chat == nil {
		h.Error(w, status, msg)
		return
	}

	limit, _ := pagination(r, h.opts.HistoryLimit, 500)
	messages, err := h.store.ListMessages(r.Context(), chat.ID, limit)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}

	ids := make([]string, len(messages))
	for i, m := range messages {
		ids[i] = m.ID
	}
	if len(ids) > 0 {
		attachments, err := h.store.ListMessageAttachments(r.Context(), ids)
		if err != nil {
			h.Error(w, http.StatusInternalServerError, "database error")
			return
		}
		for i := range messages {
			messages[i].Attachments = attachments[messages[i].ID]
		}
	}
	if messages == nil {
		messages = []models.Message{}
	}

	h.JSON(w, http.StatusOK, ChatDetailResponse{Chat: chat, Messages: messages})
}

// RenameChat handles PATCH /api/chats/{id}.
func (h *Handler) RenameChat(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())

	var req RenameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.ValidationError(w, err)
		return
	}
	title := sanitizeTitle(req.Title)
	if title == "" {
		h.Error(w, http.StatusBadRequest, "title is empty")
		return
	}

	chat, status, msg := h.loadOwnedChat(r.Context(), userID, chi.URLParam(r, "id"))
	if chat == nil {
		h.Error(w, status, msg)
		return
	}

	if err := h.store.RenameChat(r.Context(), chat.ID, title); err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to rename chat")
		return
	}
	chat.Title = title

	h.JSON(w, http.StatusOK, chat)
}

// DeleteChat removes a chat, its messages and any stored attachment blobs.
func (h *Handler) DeleteChat(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())

	chat, status, msg := h.loadOwnedChat(r.Context(), userID, chi.URLParam(r, "id"))
	if chat == nil {
		h.Error(w, status, msg)
		return
	}

	release, ok, err := h.locks.Acquire(r.Context(), chat.ID.String())
	if err != nil {
		h.logger.Error().Err(err).Str("chat_id", chat.ID.String()).Msg("chat lock failed")
		h.Error(w, http.StatusServiceUnavailable, "chat lock unavailable")
		return
	}
	if !ok {
		h.Error(w, http.StatusConflict, "a response is still streaming for this chat")
		return
	}
	defer release()

	keys, err := h.store.DeleteChat(r.Context(), chat.ID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to delete chat")
		return
	}

	if h.blobs != nil && len(keys) > 0 {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 10*time.Second)
		defer cancel()
		for _, key := range keys {
			if err := h.blobs.Delete(ctx, key); err != nil {
				h.logger.Warn().Err(err).Str("key", key).Msg("failed to delete attachment blob")
			}
		}
	}

	h.events.Emit(r.Context(), events.Event{
		Type:   events.ChatDeleted,
		ChatID: chat.ID.String(),
		UserID: userID,
		At:     time.Now().UTC(),
	})

	w.WriteHeader(http.StatusNoContent)
}

// loadOwnedChat fetches a chat by its raw id and checks ownership.
// On failure it returns a nil chat with the status and message to send.
func (h *Handler) loadOwnedChat(ctx context.Context, userID, rawID string) (*models.Chat, int, string) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return nil, http.StatusBadRequest, "invalid chat ID format"
	}

	chat, err := h.store.GetChat(ctx, id)
	if err != nil {
		return nil, http.StatusInternalServerError, "database error"
	}
	if chat == nil {
		return nil, http.StatusNotFound, "chat not found"
	}
	if chat.UserID != userID {
		h.logger.Warn().
			Str("type", "security").
			Str("event", "foreign_chat_access").
			Str("chat_id", chat.ID.String()).
			Str("user_id", userID).
			Msg("chat access denied")
		return nil, http.StatusForbidden, "chat belongs to another user"
	}

	return chat, 0, ""
}

// pagination reads limit and offset query parameters.
func pagination(r *http.Request, defaultLimit, maxLimit int) (int, int) {
	limit := defaultLimit
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 {
		limit = l
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	offset := 0
	if o, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && o >= 0 {
		offset = o
	}

	return limit, offset
}
