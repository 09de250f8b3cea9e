package handlers

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/eldtechnologies/chatrelay/internal/api/middleware"
	"github.com/eldtechnologies/chatrelay/internal/crypto"
	"github.com/eldtechnologies/chatrelay/internal/models"
	"github.com/eldtechnologies/chatrelay/internal/storage"
)

// allowedAttachmentTypes maps sniffed content types to stored file extensions.
var allowedAttachmentTypes = map[string]string{
	"image/png":       ".png",
	"image/jpeg":      ".jpg",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"application/pdf": ".pdf",
	"text/plain":      ".txt",
}

// AttachmentResponse is returned after an upload.
type AttachmentResponse struct {
	models.Attachment
	HasThumbnail bool `json:"has_thumbnail"`
}

// UploadAttachment stores a multipart "file" upload for later use in a chat message.
func (h *Handler) UploadAttachment(w http.ResponseWriter, r *http.Request) {
	if h.blobs == nil {
		h.Error(w, http.StatusServiceUnavailable, "attachment storage is not configured")
		return
	}
	userID := middleware.UserIDFromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, h.opts.AttachmentMaxBytes+64<<10)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.Error(w, http.StatusRequestEntityTooLarge, "attachment too large")
			return
		}
		h.Error(w, http.StatusBadRequest, "multipart field 'file' is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.opts.AttachmentMaxBytes+1))
	if err != nil {
		h.Error(w, http.StatusBadRequest, "failed to read upload")
		return
	}
	if int64(len(data)) > h.opts.AttachmentMaxBytes {
		h.Error(w, http.StatusRequestEntityTooLarge, "attachment too large")
		return
	}
	if len(data) == 0 {
		h.Error(w, http.StatusBadRequest, "attachment is empty")
		return
	}

	contentType, _, _ := strings.Cut(http.DetectContentType(data), ";")
	ext, ok := allowedAttachmentTypes[contentType]
	if !ok {
		h.Error(w, http.StatusUnsupportedMediaType, "unsupported attachment type")
		return
	}

	a := &models.Attachment{
		ID:          crypto.NewUUIDv7(),
		UserID:      userID,
		Filename:    sanitizeFilename(header.Filename),
		ContentType: contentType,
		Size:        int64(len(data)),
	}
	a.StorageKey = "attachments/" + url.PathEscape(userID) + "/" + a.ID.String() + ext

	if err := h.blobs.Put(r.Context(), a.StorageKey, contentType, data); err != nil {
		h.logger.Error().Err(err).Str("key", a.StorageKey).Msg("attachment upload failed")
		h.Error(w, http.StatusBadGateway, "failed to store attachment")
		return
	}

	if storage.CanThumbnail(contentType) {
		if thumb, err := storage.Thumbnail(data); err != nil {
			h.logger.Warn().Err(err).Str("attachment_id", a.ID.String()).Msg("thumbnail failed")
		} else {
			key := storage.ThumbnailKey(a.StorageKey)
			if err := h.blobs.Put(r.Context(), key, "image/jpeg", thumb); err != nil {
				h.logger.Warn().Err(err).Str("key", key).Msg("thumbnail upload failed")
			} else {
				a.ThumbnailKey = key
			}
		}
	}

	if err := h.store.CreateAttachment(r.Context(), a); err != nil {
		h.logger.Error().Err(err).Msg("failed to record attachment")
		h.Error(w, http.StatusInternalServerError, "failed to record attachment")
		return
	}

	h.JSON(w, http.StatusCreated, AttachmentResponse{
		Attachment:   *a,
		HasThumbnail: a.ThumbnailKey != "",
	})
}

// sanitizeFilename keeps the base name of an upload, limited to 200 characters.
func sanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	name = sanitizeTitle(name)
	if name == "" || name == "." || name == "/" {
		return "upload"
	}
	return name
}
