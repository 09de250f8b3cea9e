package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eldtechnologies/chatrelay/internal/models"
)

// releaseLockScript deletes a lock only if it is still held by the caller's token.
var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore handles Redis operations shared across instances: the models
// cache layer and per-chat stream locks.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// Client returns the underlying Redis client for rate limiting.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// modelsKey returns the key for a cached model list.
func modelsKey(credentialHash string) string {
	return fmt.Sprintf("models:%s", credentialHash)
}

// chatLockKey returns the key guarding a chat's active stream.
func chatLockKey(chatID string) string {
	return fmt.Sprintf("chat:%s:stream", chatID)
}

// GetModels returns a cached model list. A miss returns nil, nil.
func (s *RedisStore) GetModels(ctx context.Context, credentialHash string) ([]models.LLMModel, error) {
	data, err := s.client.Get(ctx, modelsKey(credentialHash)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var list []models.LLMModel
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// SetModels caches a model list for ttl.
func (s *RedisStore) SetModels(ctx context.Context, credentialHash string, list []models.LLMModel, ttl time.Duration) error {
	data, err := json.Marshal(list)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, modelsKey(credentialHash), data, ttl).Err()
}

// AcquireChatLock claims the stream slot for a chat. It returns false when
// another stream already holds it.
func (s *RedisStore) AcquireChatLock(ctx context.Context, chatID, token string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, chatLockKey(chatID), token, ttl).Result()
}

// ReleaseChatLock frees the stream slot if token still owns it.
func (s *RedisStore) ReleaseChatLock(ctx context.Context, chatID, token string) error {
	return releaseLockScript.Run(ctx, s.client, []string{chatLockKey(chatID)}, token).Err()
}
