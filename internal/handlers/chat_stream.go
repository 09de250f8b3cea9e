package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/eldtechnologies/chatrelay/internal/api/middleware"
	"github.com/eldtechnologies/chatrelay/internal/events"
	"github.com/eldtechnologies/chatrelay/internal/llm"
	"github.com/eldtechnologies/chatrelay/internal/metrics"
	"github.com/eldtechnologies/chatrelay/internal/models"
	"github.com/eldtechnologies/chatrelay/internal/store"
	"github.com/eldtechnologies/chatrelay/internal/stream"
)

// ProviderKeyHeader carries a caller-supplied upstream key.
const ProviderKeyHeader = "X-Provider-Key"

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	ChatID      string    `json:"chatId" validate:"omitempty,uuid"`
	Model       string    `json:"model" validate:"max=200"`
	Message     ChatInput `json:"message"`
	Temperature *float64  `json:"temperature" validate:"omitempty,gte=0,lte=2"`
	MaxTokens   *int      `json:"maxTokens" validate:"omitempty,gte=1,lte=200000"`
	System      string    `json:"system" validate:"max=8000"`
}

// ChatInput is the user turn inside a ChatRequest.
type ChatInput struct {
	Content     string   `json:"content" validate:"required"`
	Attachments []string `json:"attachments" validate:"max=10,dive,uuid"`
}

type metaEvent struct {
	ChatID             uuid.UUID `json:"chatId"`
	UserMessageID      string    `json:"userMessageId"`
	AssistantMessageID string    `json:"assistantMessageId"`
	Model              string    `json:"model"`
}

type deltaEvent struct {
	Content string `json:"content"`
}

type doneEvent struct {
	MessageID    string        `json:"messageId"`
	Usage        *models.Usage `json:"usage,omitempty"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type errorEvent struct {
	MessageID string `json:"messageId"`
	Error     string `json:"error"`
}

// Chat handles POST /api/chat: persists the user turn, relays the upstream
// token stream as SSE and records the assistant reply as it arrives.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.ValidationError(w, err)
		return
	}
	if utf8.RuneCountInString(req.Message.Content) > h.opts.MaxMessageChars {
		h.Error(w, http.StatusBadRequest, "message too long")
		return
	}

	credential, err := h.llm.Credential(r.Header.Get(ProviderKeyHeader))
	if err != nil {
		h.Error(w, http.StatusUnauthorized, "no provider credential available")
		return
	}

	model := req.Model
	if model == "" {
		model = h.opts.DefaultModel
	}

	attachmentIDs, err := parseUUIDs(req.Message.Attachments)
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid attachment id")
		return
	}
	if !h.attachmentsAvailable(r.Context(), userID, attachmentIDs) {
		h.Error(w, http.StatusBadRequest, "attachment unavailable")
		return
	}

	chat, created, status, msg := h.resolveChat(r.Context(), userID, req, model)
	if chat == nil {
		h.Error(w, status, msg)
		return
	}

	release, ok, err := h.locks.Acquire(r.Context(), chat.ID.String())
	if err != nil {
		h.logger.Error().Err(err).Str("chat_id", chat.ID.String()).Msg("chat lock failed")
		h.discardNewChat(r.Context(), chat, created)
		h.Error(w, http.StatusServiceUnavailable, "chat lock unavailable")
		return
	}
	if !ok {
		h.Error(w, http.StatusConflict, "a response is already streaming for this chat")
		return
	}
	defer release()

	userMsg := &models.Message{
		ChatID:  chat.ID,
		Role:    models.RoleUser,
		Content: req.Message.Content,
		Status:  models.StatusComplete,
	}
	if err := h.store.CreateMessageWithAttachments(r.Context(), userMsg, userID, attachmentIDs); err != nil {
		h.discardNewChat(r.Context(), chat, created)
		if errors.Is(err, store.ErrAttachmentUnavailable) {
			h.Error(w, http.StatusBadRequest, "attachment unavailable")
			return
		}
		h.logger.Error().Err(err).Msg("failed to store user message")
		h.Error(w, http.StatusInternalServerError, "failed to store message")
		return
	}
	if created {
		h.events.Emit(r.Context(), events.Event{
			Type:   events.ChatCreated,
			ChatID: chat.ID.String(),
			UserID: userID,
			Model:  model,
			At:     chat.CreatedAt,
		})
	}
	if err := h.store.TouchChat(r.Context(), chat.ID, model); err != nil {
		h.logger.Warn().Err(err).Str("chat_id", chat.ID.String()).Msg("failed to touch chat")
	}

	upstreamReq, err := h.buildUpstreamRequest(r.Context(), chat.ID, req, model)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to load history")
		h.Error(w, http.StatusInternalServerError, "failed to load history")
		return
	}

	upstreamCtx, cancel := context.WithTimeout(r.Context(), h.opts.UpstreamTimeout)
	defer cancel()

	started := time.Now()
	upstream, err := h.llm.StreamChat(upstreamCtx, credential, upstreamReq)
	if err != nil {
		h.failBeforeStream(w, r, chat, userID, model, err)
		return
	}
	defer upstream.Close()

	assistant := &models.Message{
		ChatID: chat.ID,
		Role:   models.RoleAssistant,
		Model:  model,
		Status: models.StatusStreaming,
	}
	if err := h.store.CreateMessage(r.Context(), assistant); err != nil {
		h.logger.Error().Err(err).Msg("failed to store assistant message")
		h.Error(w, http.StatusInternalServerError, "failed to store message")
		return
	}

	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	persister := stream.NewPersister(h.store, assistant.ID, stream.PersisterConfig{
		FlushInterval: h.opts.FlushInterval,
		FlushMaxWait:  h.opts.FlushMaxWait,
	}, h.logger)

	sse := startSSE(w)
	sse.Event("meta", metaEvent{
		ChatID:             chat.ID,
		UserMessageID:      userMsg.ID,
		AssistantMessageID: assistant.ID,
		Model:              model,
	})

	var (
		chunks       int
		usage        models.Usage
		gotUsage     bool
		finishReason string
		streamErr    error
	)
	for {
		chunk, err := upstream.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				streamErr = err
			}
			break
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
			gotUsage = true
		}
		if chunk.FinishReason != "" {
			finishReason = chunk.FinishReason
		}
		if chunk.Content == "" {
			continue
		}

		if chunks == 0 {
			metrics.TimeToFirstToken.Observe(time.Since(started).Seconds())
		}
		chunks++
		metrics.StreamChunks.Inc()

		// A failed write means the client is gone; the request context
		// reports it on the next Recv.
		sse.Event("delta", deltaEvent{Content: chunk.Content})
		persister.Append(chunk.Content)
	}

	final := models.StatusComplete
	errMsg := ""
	switch {
	case streamErr == nil:
	case r.Context().Err() != nil:
		final = models.StatusAborted
	default:
		final = models.StatusError
		errMsg = upstreamMessage(upstreamCtx, streamErr)
		var upErr *llm.UpstreamError
		if errors.As(streamErr, &upErr) {
			metrics.UpstreamErrors.WithLabelValues(strconv.Itoa(upErr.Status)).Inc()
		}
	}

	if err := persister.Finalize(r.Context(), final, errMsg, usage); err != nil {
		h.logger.Error().Err(err).Str("message_id", assistant.ID).Msg("failed to finalize message")
	}

	switch final {
	case models.StatusComplete:
		done := doneEvent{MessageID: assistant.ID, FinishReason: finishReason}
		if gotUsage {
			done.Usage = &usage
		}
		sse.Event("done", done)
	case models.StatusError:
		sse.Event("error", errorEvent{MessageID: assistant.ID, Error: errMsg})
	}

	metrics.StreamsFinished.WithLabelValues(string(final)).Inc()
	h.events.Emit(r.Context(), events.Event{
		Type:             lifecycleEvent(final),
		ChatID:           chat.ID.String(),
		MessageID:        assistant.ID,
		UserID:           userID,
		Model:            model,
		Status:           string(final),
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		At:               time.Now().UTC(),
	})

	logEvent := h.logger.Info()
	if final == models.StatusError {
		logEvent = h.logger.Warn().Str("error", errMsg)
	}
	logEvent.
		Str("chat_id", chat.ID.String()).
		Str("message_id", assistant.ID).
		Str("model", model).
		Str("status", string(final)).
		Int("chunks", chunks).
		Dur("duration", time.Since(started)).
		Msg("stream finished")
}

// resolveChat returns the target chat, creating one when no id was given.
// On failure it returns a nil chat with the status and message to send.
func (h *Handler) resolveChat(ctx context.Context, userID string, req ChatRequest, model string) (*models.Chat, bool, int, string) {
	if req.ChatID == "" {
		chat, err := h.store.CreateChat(ctx, userID, titleFromMessage(req.Message.Content), model)
		if err != nil {
			h.logger.Error().Err(err).Msg("failed to create chat")
			return nil, false, http.StatusInternalServerError, "failed to create chat"
		}
		return chat, true, 0, ""
	}

	chat, status, msg := h.loadOwnedChat(ctx, userID, req.ChatID)
	return chat, false, status, msg
}

// discardNewChat removes a chat created by a request that then failed before
// its first message was stored.
func (h *Handler) discardNewChat(ctx context.Context, chat *models.Chat, created bool) {
	if !created {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := h.store.DeleteChat(ctx, chat.ID); err != nil {
		h.logger.Warn().Err(err).Str("chat_id", chat.ID.String()).Msg("failed to discard new chat")
	}
}

func (h *Handler) attachmentsAvailable(ctx context.Context, userID string, ids []uuid.UUID) bool {
	for _, id := range ids {
		a, err := h.store.GetAttachment(ctx, id)
		if err != nil || a == nil || a.UserID != userID || a.MessageID != "" {
			return false
		}
	}
	return true
}

// buildUpstreamRequest assembles the conversation history for the gateway.
// Assistant turns that failed or produced nothing are left out.
func (h *Handler) buildUpstreamRequest(ctx context.Context, chatID uuid.UUID, req ChatRequest, model string) (llm.ChatRequest, error) {
	history, err := h.store.ListMessages(ctx, chatID, h.opts.HistoryLimit)
	if err != nil {
		return llm.ChatRequest{}, err
	}

	var userIDs []string
	for _, m := range history {
		if m.Role == models.RoleUser {
			userIDs = append(userIDs, m.ID)
		}
	}
	attachments := map[string][]models.Attachment{}
	if len(userIDs) > 0 {
		if attachments, err = h.store.ListMessageAttachments(ctx, userIDs); err != nil {
			return llm.ChatRequest{}, err
		}
	}

	out := llm.ChatRequest{
		Model:       model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.System != "" {
		out.Messages = append(out.Messages, llm.ChatMessage{Role: string(models.RoleSystem), Content: req.System})
	}

	for _, m := range history {
		if m.Role == models.RoleAssistant && (m.Status == models.StatusError || m.Content == "") {
			continue
		}
		out.Messages = append(out.Messages, llm.ChatMessage{
			Role:    string(m.Role),
			Content: h.messageContent(ctx, m, attachments[m.ID]),
		})
	}
	return out, nil
}

// messageContent returns plain text, or multimodal parts when images are attached.
func (h *Handler) messageContent(ctx context.Context, m models.Message, attachments []models.Attachment) any {
	if len(attachments) == 0 {
		return m.Content
	}

	parts := []llm.ContentPart{{Type: "text", Text: m.Content}}
	for _, a := range attachments {
		if !a.IsImage() || h.blobs == nil {
			parts = append(parts, llm.ContentPart{Type: "text", Text: "[attachment: " + a.Filename + "]"})
			continue
		}
		url, err := h.blobs.PresignGet(ctx, a.StorageKey, h.opts.PresignTTL)
		if err != nil {
			h.logger.Warn().Err(err).Str("attachment_id", a.ID.String()).Msg("presign failed")
			continue
		}
		parts = append(parts, llm.ContentPart{Type: "image_url", ImageURL: &llm.ImageURL{URL: url}})
	}
	return parts
}

// failBeforeStream records a failed assistant turn when the upstream could not
// be opened. Nothing has been written to the client yet.
func (h *Handler) failBeforeStream(w http.ResponseWriter, r *http.Request, chat *models.Chat, userID, model string, err error) {
	errMsg := upstreamMessage(r.Context(), err)

	failed := &models.Message{
		ChatID: chat.ID,
		Role:   models.RoleAssistant,
		Model:  model,
		Status: models.StatusError,
		Error:  errMsg,
	}
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Second)
	defer cancel()
	if serr := h.store.CreateMessage(storeCtx, failed); serr != nil {
		h.logger.Error().Err(serr).Msg("failed to store failed assistant message")
	}

	metrics.StreamsFinished.WithLabelValues(string(models.StatusError)).Inc()
	h.events.Emit(r.Context(), events.Event{
		Type:      events.MessageFailed,
		ChatID:    chat.ID.String(),
		MessageID: failed.ID,
		UserID:    userID,
		Model:     model,
		Status:    string(models.StatusError),
		At:        time.Now().UTC(),
	})

	var upErr *llm.UpstreamError
	if errors.As(err, &upErr) {
		metrics.UpstreamErrors.WithLabelValues(strconv.Itoa(upErr.Status)).Inc()
	}

	h.logger.Warn().
		Err(err).
		Str("chat_id", chat.ID.String()).
		Str("model", model).
		Msg("upstream stream failed to open")

	if upErr != nil && upErr.Status == http.StatusTooManyRequests {
		h.Error(w, http.StatusTooManyRequests, "upstream rate limit exceeded")
		return
	}
	h.Error(w, http.StatusBadGateway, errMsg)
}

// upstreamMessage turns an upstream failure into a message safe to show users.
func upstreamMessage(ctx context.Context, err error) string {
	var upErr *llm.UpstreamError
	switch {
	case errors.As(err, &upErr):
		return upErr.Message
	case errors.Is(err, llm.ErrCircuitOpen):
		return llm.ErrCircuitOpen.Error()
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return "upstream timed out"
	default:
		return "upstream request failed"
	}
}

func lifecycleEvent(status models.MessageStatus) string {
	switch status {
	case models.StatusComplete:
		return events.MessageCompleted
	case models.StatusAborted:
		return events.MessageAborted
	default:
		return events.MessageFailed
	}
}

func parseUUIDs(raw []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(raw))
	seen := make(map[uuid.UUID]bool, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, err
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}
