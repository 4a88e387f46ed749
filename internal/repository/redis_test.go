package repository

import (
	"context"
	"testing"

	"highlightsync/internal/config"
	"highlightsync/internal/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisStore(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	client := redis.NewClient(&redis.Options{
		Addr: s.Addr(),
	})
	defer client.Close()

	backend := NewRedisBackend(client, "test")
	store, err := backend.Collection(domain.CollectionSyncQueue)
	require.NoError(t, err)

	exerciseStore(t, store)

	assert.True(t, s.Exists("test:sync_queue"))
	assert.Equal(t, `{"v":2}`, s.HGet("test:sync_queue", "b"))
}

func TestRedisStoreErrors(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	store := NewRedisStore(client, "test:queue")
	s.Close()

	ctx := context.Background()
	assert.Error(t, store.Put(ctx, "a", []byte("x")))
	_, err = store.GetAll(ctx)
	assert.Error(t, err)
	_, err = store.Count(ctx)
	assert.Error(t, err)

	nilStore := NewRedisStore(nil, "x")
	assert.Error(t, nilStore.Delete(ctx, "a"))
}

func TestOpenRedis(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	backend, err := Open(context.Background(), config.StorageConfig{
		Backend: "redis",
		Redis:   config.RedisConfig{Address: s.Addr(), KeyPrefix: "hs"},
	}, nil)
	require.NoError(t, err)
	defer backend.Close()

	store, err := backend.Collection(domain.CollectionOffline)
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), "e1", []byte("x")))
	assert.True(t, s.Exists("hs:offline_queue"))
}
