package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatrelay/internal/models"
)

type fakeShared struct {
	mu      sync.Mutex
	data    map[string][]models.LLMModel
	readErr error
}

func newFakeShared() *fakeShared {
	return &fakeShared{data: make(map[string][]models.LLMModel)}
}

func (f *fakeShared) GetModels(ctx context.Context, key string) ([]models.LLMModel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	return f.data[key], nil
}

func (f *fakeShared) SetModels(ctx context.Context, key string, list []models.LLMModel, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = list
	return nil
}

func countingLoader(calls *int32) Loader {
	return func(ctx context.Context, credential string) ([]models.LLMModel, error) {
		atomic.AddInt32(calls, 1)
		return []models.LLMModel{{ID: "model-for-" + credential}}, nil
	}
}

func TestModelCacheLayers(t *testing.T) {
	var calls int32
	shared := newFakeShared()
	c, err := NewModelCache(8, time.Minute, shared, countingLoader(&calls), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	list, layer, err := c.Get(ctx, "key-a")
	if err != nil || layer != LayerOrigin || list[0].ID != "model-for-key-a" {
		t.Fatalf("first lookup should hit origin, got %v %s %v", list, layer, err)
	}

	if _, layer, _ = c.Get(ctx, "key-a"); layer != LayerMemory {
		t.Fatalf("second lookup should hit memory, got %s", layer)
	}

	// A fresh instance sharing the same backing layer.
	other, _ := NewModelCache(8, time.Minute, shared, countingLoader(&calls), zerolog.Nop())
	if _, layer, _ = other.Get(ctx, "key-a"); layer != LayerShared {
		t.Fatalf("other instance should hit shared layer, got %s", layer)
	}
	if _, layer, _ = other.Get(ctx, "key-a"); layer != LayerMemory {
		t.Fatalf("shared hit should fill memory, got %s", layer)
	}

	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly one origin load, got %d", calls)
	}
}

func TestModelCacheDoesNotStoreRawCredential(t *testing.T) {
	var calls int32
	shared := newFakeShared()
	c, _ := NewModelCache(8, time.Minute, shared, countingLoader(&calls), zerolog.Nop())

	_, _, _ = c.Get(context.Background(), "sk-secret")

	for key := range shared.data {
		if key == "sk-secret" {
			t.Fatal("raw credential used as cache key")
		}
	}
	if c.memory.Contains("sk-secret") {
		t.Fatal("raw credential used as memory key")
	}
}

func TestModelCacheExpiry(t *testing.T) {
	var calls int32
	c, _ := NewModelCache(8, time.Minute, nil, countingLoader(&calls), zerolog.Nop())
	now := time.Now()
	c.now = func() time.Time { return now }

	_, _, _ = c.Get(context.Background(), "k")
	now = now.Add(2 * time.Minute)

	if _, layer, _ := c.Get(context.Background(), "k"); layer != LayerOrigin {
		t.Fatalf("expired entry should reload from origin, got %s", layer)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected two loads, got %d", calls)
	}
}

func TestModelCacheSharesConcurrentLoads(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	load := func(ctx context.Context, credential string) ([]models.LLMModel, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return []models.LLMModel{{ID: "m"}}, nil
	}
	c, _ := NewModelCache(8, time.Minute, nil, load, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := c.Get(context.Background(), "same"); err != nil {
				t.Error(err)
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("concurrent misses should share one load, got %d", got)
	}
}

func TestModelCacheSharedErrorIsMiss(t *testing.T) {
	var calls int32
	shared := newFakeShared()
	shared.readErr = errors.New("redis down")
	c, _ := NewModelCache(8, time.Minute, shared, countingLoader(&calls), zerolog.Nop())

	if _, layer, err := c.Get(context.Background(), "k"); err != nil || layer != LayerOrigin {
		t.Fatalf("shared failure should fall through to origin, got %s %v", layer, err)
	}
}

func TestModelCacheLoadErrorNotCached(t *testing.T) {
	var calls int32
	load := func(ctx context.Context, credential string) ([]models.LLMModel, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, errors.New("upstream down")
		}
		return []models.LLMModel{{ID: "m"}}, nil
	}
	c, _ := NewModelCache(8, time.Minute, nil, load, zerolog.Nop())

	if _, _, err := c.Get(context.Background(), "k"); err == nil {
		t.Fatal("expected load error")
	}
	if _, layer, err := c.Get(context.Background(), "k"); err != nil || layer != LayerOrigin {
		t.Fatalf("failed load should not be cached, got %s %v", layer, err)
	}
}
