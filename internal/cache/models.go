package cache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatrelay/internal/crypto"
	"github.com/eldtechnologies/chatrelay/internal/metrics"
	"github.com/eldtechnologies/chatrelay/internal/models"
)

// Layer names the cache level that answered a lookup.
type Layer string

const (
	LayerMemory Layer = "memory"
	LayerShared Layer = "shared"
	LayerOrigin Layer = "origin"
)

// Shared is a cross-instance cache layer such as Redis.
type Shared interface {
	GetModels(ctx context.Context, credentialHash string) ([]models.LLMModel, error)
	SetModels(ctx context.Context, credentialHash string, list []models.LLMModel, ttl time.Duration) error
}

// Loader fetches the model list from the origin for a credential.
type Loader func(ctx context.Context, credential string) ([]models.LLMModel, error)

type entry struct {
	models    []models.LLMModel
	expiresAt time.Time
}

type call struct {
	done   chan struct{}
	models []models.LLMModel
	err    error
}

// ModelCache serves model lists from process memory, then the shared layer,
// then the origin. Keys are credential hashes.
type ModelCache struct {
	memory *lru.Cache
	shared Shared
	load   Loader
	ttl    time.Duration
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	inflight map[string]*call
}

// NewModelCache creates a cache holding up to size credentials in memory.
// shared may be nil.
func NewModelCache(size int, ttl time.Duration, shared Shared, load Loader, logger zerolog.Logger) (*ModelCache, error) {
	memory, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &ModelCache{
		memory:   memory,
		shared:   shared,
		load:     load,
		ttl:      ttl,
		logger:   logger,
		now:      time.Now,
		inflight: make(map[string]*call),
	}, nil
}

// Get returns the model list for credential and the layer that served it.
func (c *ModelCache) Get(ctx context.Context, credential string) ([]models.LLMModel, Layer, error) {
	key := crypto.HashCredential(credential)

	if list, ok := c.fromMemory(key); ok {
		metrics.ModelCacheLookups.WithLabelValues(string(LayerMemory)).Inc()
		return list, LayerMemory, nil
	}

	if c.shared != nil {
		list, err := c.shared.GetModels(ctx, key)
		if err != nil {
			c.logger.Warn().Err(err).Msg("shared model cache read failed")
		} else if list != nil {
			c.memory.Add(key, entry{models: list, expiresAt: c.now().Add(c.ttl)})
			metrics.ModelCacheLookups.WithLabelValues(string(LayerShared)).Inc()
			return list, LayerShared, nil
		}
	}

	list, err := c.loadOnce(ctx, key, credential)
	if err != nil {
		return nil, LayerOrigin, err
	}
	metrics.ModelCacheLookups.WithLabelValues(string(LayerOrigin)).Inc()
	return list, LayerOrigin, nil
}

func (c *ModelCache) fromMemory(key string) ([]models.LLMModel, bool) {
	v, ok := c.memory.Get(key)
	if !ok {
		return nil, false
	}
	e := v.(entry)
	if c.now().After(e.expiresAt) {
		c.memory.Remove(key)
		return nil, false
	}
	return e.models, true
}

// loadOnce runs the loader, sharing one origin call between concurrent misses.
func (c *ModelCache) loadOnce(ctx context.Context, key, credential string) ([]models.LLMModel, error) {
	c.mu.Lock()
	if inflight, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		select {
		case <-inflight.done:
			return inflight.models, inflight.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	cl := &call{done: make(chan struct{})}
	c.inflight[key] = cl
	c.mu.Unlock()

	// The load outlives any single waiter.
	loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	cl.models, cl.err = c.load(loadCtx, credential)
	if cl.err == nil {
		c.memory.Add(key, entry{models: cl.models, expiresAt: c.now().Add(c.ttl)})
		if c.shared != nil {
			if err := c.shared.SetModels(loadCtx, key, cl.models, c.ttl); err != nil {
				c.logger.Warn().Err(err).Msg("shared model cache write failed")
			}
		}
	}

	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()
	close(cl.done)

	return cl.models, cl.err
}
