package stream

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatrelay/internal/crypto"
)

// Locker guarantees at most one active stream per chat.
type Locker interface {
	// Acquire claims key. ok is false when another holder has it. release is
	// non-nil only when ok is true and is safe to call more than once.
	Acquire(ctx context.Context, key string) (release func(), ok bool, err error)
}

// MemoryLocker is a process-local Locker.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewMemoryLocker creates an empty in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]struct{})}
}

func (l *MemoryLocker) Acquire(_ context.Context, key string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[key]; busy {
		return nil, false, nil
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, true, nil
}

// LockStore is the shared backend for RedisLocker.
type LockStore interface {
	AcquireChatLock(ctx context.Context, chatID, token string, ttl time.Duration) (bool, error)
	ReleaseChatLock(ctx context.Context, chatID, token string) error
}

// RedisLocker shares chat locks across instances. Locks expire after ttl so a
// crashed holder cannot block a chat forever.
type RedisLocker struct {
	store  LockStore
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisLocker creates a locker backed by store.
func NewRedisLocker(store LockStore, ttl time.Duration, logger zerolog.Logger) *RedisLocker {
	return &RedisLocker{store: store, ttl: ttl, logger: logger}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), bool, error) {
	token := crypto.NewMessageID()

	ok, err := l.store.AcquireChatLock(ctx, key, token, l.ttl)
	if err != nil || !ok {
		return nil, false, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
			defer cancel()
			if err := l.store.ReleaseChatLock(releaseCtx, key, token); err != nil {
				l.logger.Warn().Err(err).Str("chat_id", key).Msg("chat lock release failed")
			}
		})
	}, true, nil
}
