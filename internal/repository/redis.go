package repository

import (
	"context"
	"fmt"
	"sort"

	"highlightsync/internal/config"
	"highlightsync/internal/domain"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient создает новый клиент Redis на основе конфигурации
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	options := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}

	return redis.NewClient(options)
}

// RedisStore keeps one collection in a single hash: field = key, value = record.
type RedisStore struct {
	client *redis.Client
	key    string
}

func NewRedisStore(client *redis.Client, hashKey string) *RedisStore {
	return &RedisStore{client: client, key: hashKey}
}

func (r *RedisStore) Put(ctx context.Context, key string, value []byte) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := r.client.HSet(ctx, r.key, key, value).Err(); err != nil {
		return fmt.Errorf("failed to put %s in redis: %w", key, err)
	}
	return nil
}

func (r *RedisStore) GetAll(ctx context.Context) ([]domain.Record, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	vals, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s from redis: %w", r.key, err)
	}

	out := make([]domain.Record, 0, len(vals))
	for k, v := range vals {
		out = append(out, domain.Record{Key: k, Value: []byte(v)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := r.client.HDel(ctx, r.key, key).Err(); err != nil {
		return fmt.Errorf("failed to delete %s from redis: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Count(ctx context.Context) (int, error) {
	if r.client == nil {
		return 0, fmt.Errorf("redis client is nil")
	}
	n, err := r.client.HLen(ctx, r.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count %s in redis: %w", r.key, err)
	}
	return int(n), nil
}

// RedisBackend maps collections onto hashes named "<prefix>:<collection>".
type RedisBackend struct {
	client *redis.Client
	prefix string
	owned  bool
}

// NewRedisBackend wraps an existing client. Close does not close it.
func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	return &RedisBackend{client: client, prefix: prefix}
}

func (b *RedisBackend) Collection(name string) (domain.KeyedStore, error) {
	if err := validateCollection(name); err != nil {
		return nil, err
	}
	return NewRedisStore(b.client, b.prefix+":"+name), nil
}

func (b *RedisBackend) Close() error {
	if b.owned && b.client != nil {
		return b.client.Close()
	}
	return nil
}
