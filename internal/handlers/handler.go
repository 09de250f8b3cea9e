package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatrelay/internal/cache"
	"github.com/eldtechnologies/chatrelay/internal/events"
	"github.com/eldtechnologies/chatrelay/internal/llm"
	"github.com/eldtechnologies/chatrelay/internal/storage"
	"github.com/eldtechnologies/chatrelay/internal/store"
	"github.com/eldtechnologies/chatrelay/internal/stream"
)

// Options holds handler tunables taken from configuration.
type Options struct {
	DefaultModel       string
	HistoryLimit       int
	MaxMessageChars    int
	UpstreamTimeout    time.Duration
	FlushInterval      time.Duration
	FlushMaxWait       time.Duration
	AttachmentMaxBytes int64
	PresignTTL         time.Duration
}

// Deps are the collaborators shared by all handlers. Redis and Blobs may be nil.
type Deps struct {
	Store  store.DataStore
	Redis  *store.RedisStore
	LLM    *llm.Client
	Models *cache.ModelCache
	Events *events.Emitter
	Blobs  storage.BlobStore
	Locks  stream.Locker
	Logger zerolog.Logger
}

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	store    store.DataStore
	redis    *store.RedisStore
	llm      *llm.Client
	models   *cache.ModelCache
	events   *events.Emitter
	blobs    storage.BlobStore
	locks    stream.Locker
	logger   zerolog.Logger
	validate *validator.Validate
	opts     Options
}

// NewHandler creates a new Handler.
func NewHandler(deps Deps, opts Options) *Handler {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 50
	}
	if opts.MaxMessageChars <= 0 {
		opts.MaxMessageChars = 32000
	}
	if opts.UpstreamTimeout <= 0 {
		opts.UpstreamTimeout = 2 * time.Minute
	}
	if opts.PresignTTL <= 0 {
		opts.PresignTTL = 15 * time.Minute
	}
	if deps.Events == nil {
		deps.Events = events.NewEmitter(nil, deps.Logger)
	}
	if deps.Locks == nil {
		deps.Locks = stream.NewMemoryLocker()
	}

	return &Handler{
		store:    deps.Store,
		redis:    deps.Redis,
		llm:      deps.LLM,
		models:   deps.Models,
		events:   deps.Events,
		blobs:    deps.Blobs,
		locks:    deps.Locks,
		logger:   deps.Logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		opts:     opts,
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// FieldError describes one failed validation rule.
type FieldError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

// ValidationError sends 400 with per-field details when err came from the validator.
func (h *Handler) ValidationError(w http.ResponseWriter, err error) {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		h.Error(w, http.StatusBadRequest, "invalid request")
		return
	}

	fields := make([]FieldError, len(ve))
	for i, fe := range ve {
		fields[i] = FieldError{Field: fe.Namespace(), Tag: fe.Tag()}
		switch fe.Tag() {
		case "required":
			fields[i].Message = fmt.Sprintf("%s is required", fe.Field())
		case "max":
			fields[i].Message = fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
		case "min":
			fields[i].Message = fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
		case "uuid":
			fields[i].Message = fmt.Sprintf("%s must be a UUID", fe.Field())
		default:
			fields[i].Message = fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
		}
	}

	h.JSON(w, http.StatusBadRequest, map[string]interface{}{
		"error":  "validation failed",
		"fields": fields,
	})
}

// sanitizeTitle trims and limits a chat title to 100 characters, removing control characters.
func sanitizeTitle(title string) string {
	title = strings.TrimSpace(title)

	title = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, title)
	title = strings.Join(strings.Fields(title), " ")

	if runes := []rune(title); len(runes) > 100 {
		title = string(runes[:100])
	}

	return title
}

// titleFromMessage derives a chat title from the first line of a message.
func titleFromMessage(content string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(content), "\n")
	title := sanitizeTitle(line)
	if runes := []rune(title); len(runes) > 60 {
		title = strings.TrimSpace(string(runes[:57])) + "..."
	}
	if title == "" {
		title = "New chat"
	}
	return title
}
