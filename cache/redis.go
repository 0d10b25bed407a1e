package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/makaronz/animatize/core"
)

// RedisStore backs the warm tier with Redis. Entries are shared across
// replicas; a namespace prefix keeps multi-tenant deployments apart.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisStoreOption customizes a RedisStore.
type RedisStoreOption func(*RedisStore)

// WithPrefix sets the Redis key namespace. Default "animatize:cache:".
func WithPrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// NewRedisStore wraps an existing Redis client as a core.KeyValueStore.
func NewRedisStore(client *redis.Client, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: "animatize:cache:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewRedisStoreFromURL connects to Redis from a URL such as
// redis://localhost:6379/0 and verifies the connection.
func NewRedisStoreFromURL(ctx context.Context, url string, opts ...RedisStoreOption) (*RedisStore, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return NewRedisStore(client, opts...), nil
}

var _ core.KeyValueStore = (*RedisStore)(nil)

// Get retrieves a value. A missing key is (nil, false, nil), not an error.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// Set stores a value with the given TTL.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, s.prefix+key, value, ttl).Err()
}

// Delete removes a key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}

// Scan returns the keys under prefix, with the namespace stripped, using
// cursor iteration so large keyspaces never block Redis.
func (s *RedisStore) Scan(ctx context.Context, prefix string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	pattern := s.prefix + prefix + "*"
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range batch {
			keys = append(keys, k[len(s.prefix):])
		}
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
