package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisOptions configures the Redis backend
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	// Prefix is prepended to the store name to form the hash key
	Prefix string
}

// RedisBackend keeps one Redis hash per store
type RedisBackend struct {
	client *redis.Client
	prefix string
	logger *zap.SugaredLogger
}

// NewRedisBackend connects to Redis and verifies the connection
func NewRedisBackend(ctx context.Context, opts RedisOptions, logger *zap.SugaredLogger) (*RedisBackend, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	logger.Infow("Redis store connected", "addr", opts.Addr, "db", opts.DB)
	return &RedisBackend{client: client, prefix: opts.Prefix, logger: logger}, nil
}

func (r *RedisBackend) hashKey(store string) string {
	return r.prefix + store
}

func (r *RedisBackend) Get(ctx context.Context, store, key string) (json.RawMessage, error) {
	data, err := r.client.HGet(ctx, r.hashKey(store), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

func (r *RedisBackend) Set(ctx context.Context, store, key string, value json.RawMessage) error {
	return r.client.HSet(ctx, r.hashKey(store), key, []byte(value)).Err()
}

func (r *RedisBackend) Delete(ctx context.Context, store, key string) (bool, error) {
	n, err := r.client.HDel(ctx, r.hashKey(store), key).Result()
	return n > 0, err
}

func (r *RedisBackend) Keys(ctx context.Context, store string) ([]string, error) {
	keys, err := r.client.HKeys(ctx, r.hashKey(store)).Result()
	if err != nil {
		return nil, err
	}
	if keys == nil {
		keys = []string{}
	}
	return keys, nil
}

func (r *RedisBackend) Entries(ctx context.Context, store string) (map[string]json.RawMessage, error) {
	all, err := r.client.HGetAll(ctx, r.hashKey(store)).Result()
	if err != nil {
		return nil, err
	}
	entries := make(map[string]json.RawMessage, len(all))
	for k, v := range all {
		entries[k] = json.RawMessage(v)
	}
	return entries, nil
}

func (r *RedisBackend) Clear(ctx context.Context, store string) (int64, error) {
	var length *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		length = pipe.HLen(ctx, r.hashKey(store))
		pipe.Del(ctx, r.hashKey(store))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return length.Val(), nil
}

func (r *RedisBackend) Length(ctx context.Context, store string) (int64, error) {
	return r.client.HLen(ctx, r.hashKey(store)).Result()
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}
