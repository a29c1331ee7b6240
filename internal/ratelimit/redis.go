package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on Redis so several processes can share quota
// state. Writes are plain SETs: the last writer wins.
type RedisStore struct {
	rdb    redisClient
	prefix string
	ttl    time.Duration
}

// redisClient is the part of *redis.Client the store uses
type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Close() error
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	URL    string
	Prefix string
	// TTL bounds how long state of an idle credential is kept
	TTL time.Duration
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return newRedisStore(rdb, cfg), nil
}

func newRedisStore(rdb redisClient, cfg RedisConfig) *RedisStore {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "ballot-extract:"
	}
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 72 * time.Hour
	}
	return &RedisStore{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (r *RedisStore) get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.rdb.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET %s: %w", key, err)
	}
	return data, nil
}

func (r *RedisStore) set(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}
	if err := r.rdb.Set(ctx, r.prefix+key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis SET %s: %w", key, err)
	}
	return nil
}

// LoadBucket implements Store
func (r *RedisStore) LoadBucket(ctx context.Context, id string) (*BucketRecord, error) {
	data, err := r.get(ctx, bucketKey(id))
	if err != nil {
		return nil, err
	}
	return decodeRecord[BucketRecord](data)
}

// SaveBucket implements Store
func (r *RedisStore) SaveBucket(ctx context.Context, id string, rec BucketRecord) error {
	return r.set(ctx, bucketKey(id), rec)
}

// LoadUsage implements Store
func (r *RedisStore) LoadUsage(ctx context.Context, id string) (*UsageRecord, error) {
	data, err := r.get(ctx, usageKey(id))
	if err != nil {
		return nil, err
	}
	return decodeRecord[UsageRecord](data)
}

// SaveUsage implements Store
func (r *RedisStore) SaveUsage(ctx context.Context, id string, rec UsageRecord) error {
	return r.set(ctx, usageKey(id), rec)
}

// Delete implements Store
func (r *RedisStore) Delete(ctx context.Context, id string) error {
	if err := r.rdb.Del(ctx, r.prefix+bucketKey(id), r.prefix+usageKey(id)).Err(); err != nil {
		return fmt.Errorf("redis DEL %s: %w", id, err)
	}
	return nil
}

// Close closes the Redis connection
func (r *RedisStore) Close() error {
	return r.rdb.Close()
}
