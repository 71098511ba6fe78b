package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goldrock/internal/models"

	"github.com/redis/go-redis/v9"
)

// RedisQueueStore keeps the whole queue as one versioned envelope under a single key.
type RedisQueueStore struct {
	client *redis.Client
	key    string
	now    func() time.Time
}

func NewRedisQueueStore(client *redis.Client, key string) *RedisQueueStore {
	return &RedisQueueStore{client: client, key: key, now: time.Now}
}

func (s *RedisQueueStore) Save(ctx context.Context, actions []models.QueuedAction) error {
	if s.client == nil {
		return errNilRedis
	}
	data, err := models.EncodeQueue(actions, s.now())
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save queue to redis: %w", err)
	}
	return nil
}

func (s *RedisQueueStore) Load(ctx context.Context) ([]models.QueuedAction, error) {
	if s.client == nil {
		return nil, errNilRedis
	}
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load queue from redis: %w", err)
	}
	return models.DecodeQueue(data)
}
