package repository

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"goldrock/internal/models"
)

// MemoryResourceCache is the process-local cache used when redis is absent or down.
type MemoryResourceCache struct {
	entries sync.Map // map[string]json.RawMessage
}

func NewMemoryResourceCache() *MemoryResourceCache {
	return &MemoryResourceCache{}
}

func (c *MemoryResourceCache) Put(ctx context.Context, key string, value json.RawMessage) error {
	c.entries.Store(key, append(json.RawMessage(nil), value...))
	return nil
}

func (c *MemoryResourceCache) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	val, ok := c.entries.Load(key)
	if !ok {
		return nil, false, nil
	}
	return append(json.RawMessage(nil), val.(json.RawMessage)...), true, nil
}

func (c *MemoryResourceCache) Clear(ctx context.Context) error {
	c.entries.Range(func(k, _ any) bool {
		c.entries.Delete(k)
		return true
	})
	return nil
}

// MemoryQueueStore holds the encoded envelope in memory. Nothing survives a restart.
type MemoryQueueStore struct {
	mu   sync.Mutex
	data []byte
	now  func() time.Time
}

func NewMemoryQueueStore() *MemoryQueueStore {
	return &MemoryQueueStore{now: time.Now}
}

func (s *MemoryQueueStore) Save(ctx context.Context, actions []models.QueuedAction) error {
	data, err := models.EncodeQueue(actions, s.now())
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.data = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryQueueStore) Load(ctx context.Context) ([]models.QueuedAction, error) {
	s.mu.Lock()
	data := s.data
	s.mu.Unlock()
	if data == nil {
		return nil, nil
	}
	return models.DecodeQueue(data)
}
