package repository

import (
	"context"
	"testing"

	"highlightsync/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseStore runs the KeyedStore contract against s.
func exerciseStore(t *testing.T, s domain.KeyedStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("EmptyStore", func(t *testing.T) {
		n, err := s.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		all, err := s.GetAll(ctx)
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("PutAndGetAll", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, "b", []byte(`{"v":2}`)))
		require.NoError(t, s.Put(ctx, "a", []byte(`{"v":1}`)))

		all, err := s.GetAll(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)

		got := map[string]string{}
		for _, r := range all {
			got[r.Key] = string(r.Value)
		}
		assert.Equal(t, `{"v":1}`, got["a"])
		assert.Equal(t, `{"v":2}`, got["b"])
	})

	t.Run("PutOverwrites", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, "a", []byte(`{"v":3}`)))

		n, err := s.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		all, err := s.GetAll(ctx)
		require.NoError(t, err)
		for _, r := range all {
			if r.Key == "a" {
				assert.Equal(t, `{"v":3}`, string(r.Value))
			}
		}
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, s.Delete(ctx, "a"))
		require.NoError(t, s.Delete(ctx, "missing"))

		n, err := s.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	buf := []byte("abc")
	require.NoError(t, s.Put(ctx, "k", buf))
	buf[0] = 'z'

	all, err := s.GetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(all[0].Value))
}

func TestMemoryBackendCollections(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()

	q, err := b.Collection(domain.CollectionSyncQueue)
	require.NoError(t, err)
	dl, err := b.Collection(domain.CollectionDeadLetter)
	require.NoError(t, err)

	require.NoError(t, q.Put(ctx, "e1", []byte("x")))
	n, err := dl.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "collections must be isolated")

	again, err := b.Collection(domain.CollectionSyncQueue)
	require.NoError(t, err)
	n, err = again.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = b.Collection("Bad Name;")
	assert.Error(t, err)
}
