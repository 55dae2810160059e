package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorePutGetDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Stop()

	_, found, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Put(ctx, "k", []byte("v"), 0))
	val, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v"), val)

	require.NoError(t, store.Delete(ctx, "k"))
	_, found, err = store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)

	// Deleting an absent key is a no-op.
	require.NoError(t, store.Delete(ctx, "k"))
}

func TestMemoryStoreTTLExpiry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Stop()

	require.NoError(t, store.Put(ctx, "short", []byte("v"), 20*time.Millisecond))
	_, found, err := store.Get(ctx, "short")
	require.NoError(t, err)
	assert.True(t, found)

	time.Sleep(50 * time.Millisecond)
	_, found, err = store.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Stop()

	val := []byte("original")
	require.NoError(t, store.Put(ctx, "k", val, 0))
	val[0] = 'X'

	got, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("original"), got)
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, "relay"), mr
}

func TestRedisStorePutGetDelete(t *testing.T) {
	ctx := context.Background()
	store, _ := newRedisStore(t)

	_, found, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Put(ctx, "oauth:token:ws1", []byte(`{"a":1}`), 0))
	val, found, err := store.Get(ctx, "oauth:token:ws1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte(`{"a":1}`), val)

	require.NoError(t, store.Delete(ctx, "oauth:token:ws1"))
	_, found, err = store.Get(ctx, "oauth:token:ws1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisStoreTTLExpiry(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedisStore(t)

	require.NoError(t, store.Put(ctx, "short", []byte("v"), time.Second))

	mr.FastForward(2 * time.Second)
	_, found, err := store.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisStorePrefixesKeys(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedisStore(t)

	require.NoError(t, store.Put(ctx, "k", []byte("v"), 0))
	assert.True(t, mr.Exists("relay:k"))
}
