package stream

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatrelay/internal/metrics"
	"github.com/eldtechnologies/chatrelay/internal/models"
)

// ErrFinalized is returned when Finalize is called more than once.
var ErrFinalized = errors.New("message already finalized")

// MessageWriter is the subset of the store the persister writes through.
type MessageWriter interface {
	UpdateMessageContent(ctx context.Context, id, content string) error
	FinalizeMessage(ctx context.Context, id, content string, status models.MessageStatus, errMsg string, usage models.Usage) error
}

// PersisterConfig controls flush timing.
type PersisterConfig struct {
	FlushInterval time.Duration
	FlushMaxWait  time.Duration
	WriteTimeout  time.Duration
}

// Persister accumulates streamed assistant content and saves it incrementally.
type Persister struct {
	store        MessageWriter
	messageID    string
	writeTimeout time.Duration
	logger       zerolog.Logger
	debouncer    *Debouncer

	mu      sync.Mutex
	content strings.Builder

	// writeMu serializes store writes; lastWritten and finalized are guarded by it.
	writeMu     sync.Mutex
	lastWritten int
	finalized   bool
}

// NewPersister creates a persister for a message already in the streaming state.
func NewPersister(store MessageWriter, messageID string, cfg PersisterConfig, logger zerolog.Logger) *Persister {
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	p := &Persister{
		store:        store,
		messageID:    messageID,
		writeTimeout: cfg.WriteTimeout,
		logger:       logger.With().Str("message_id", messageID).Logger(),
	}
	p.debouncer = NewDebouncer(cfg.FlushInterval, cfg.FlushMaxWait, p.flush)
	return p
}

// Append adds a content delta and schedules a flush.
func (p *Persister) Append(delta string) {
	if delta == "" {
		return
	}
	p.mu.Lock()
	p.content.WriteString(delta)
	p.mu.Unlock()

	p.debouncer.Trigger()
}

// Content returns everything appended so far.
func (p *Persister) Content() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.content.String()
}

func (p *Persister) flush() {
	snapshot := p.Content()

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if p.finalized || len(snapshot) <= p.lastWritten {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.writeTimeout)
	defer cancel()

	if err := p.store.UpdateMessageContent(ctx, p.messageID, snapshot); err != nil {
		metrics.PersistFlushes.WithLabelValues("error").Inc()
		p.logger.Warn().Err(err).Int("bytes", len(snapshot)).Msg("partial content flush failed")
		return
	}
	metrics.PersistFlushes.WithLabelValues("ok").Inc()
	p.lastWritten = len(snapshot)
}

// Finalize cancels pending flushes, waits for an in-flight one and writes the
// terminal state. The write is detached from ctx cancellation so an aborted
// request still records its partial content.
func (p *Persister) Finalize(ctx context.Context, status models.MessageStatus, errMsg string, usage models.Usage) error {
	p.debouncer.Stop()

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if p.finalized {
		return ErrFinalized
	}
	p.finalized = true

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.writeTimeout)
	defer cancel()

	return p.store.FinalizeMessage(writeCtx, p.messageID, p.Content(), status, errMsg, usage)
}
