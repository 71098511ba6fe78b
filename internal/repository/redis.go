package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"goldrock/internal/config"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient builds a redis client from configuration.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

// Ping checks the redis connection.
func Ping(ctx context.Context, client *redis.Client) error {
	if _, err := client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close closes the redis connection; nil client is a no-op.
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}

var errNilRedis = errors.New("redis client is nil")

// RedisResourceCache stores cached JSON documents under a fixed key prefix, without expiry.
type RedisResourceCache struct {
	client    *redis.Client
	prefix    string
	scanBatch int64
}

func NewRedisResourceCache(client *redis.Client, prefix string) *RedisResourceCache {
	return &RedisResourceCache{client: client, prefix: prefix, scanBatch: 100}
}

func (c *RedisResourceCache) key(k string) string {
	return c.prefix + k
}

func (c *RedisResourceCache) Put(ctx context.Context, key string, value json.RawMessage) error {
	if c.client == nil {
		return errNilRedis
	}
	if err := c.client.Set(ctx, c.key(key), []byte(value), 0).Err(); err != nil {
		return fmt.Errorf("failed to cache %s in redis: %w", key, err)
	}
	return nil
}

func (c *RedisResourceCache) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	if c.client == nil {
		return nil, false, errNilRedis
	}
	val, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s from redis: %w", key, err)
	}
	return json.RawMessage(val), true, nil
}

// Clear deletes every key under the prefix and leaves other keys alone.
func (c *RedisResourceCache) Clear(ctx context.Context) error {
	if c.client == nil {
		return errNilRedis
	}
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, c.prefix+"*", c.scanBatch).Result()
		if err != nil {
			return fmt.Errorf("failed to scan cache keys: %w", err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("failed to delete cache keys: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
