package cache

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client)
}

func TestRedisStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestRedisStore(t)

	_, found, err := store.Get(ctx, "absent")
	require.NoError(t, err)
	assert.False(t, found, "missing key is not an error")

	require.NoError(t, store.Set(ctx, "k1", []byte("v1"), time.Minute))
	val, found, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v1"), val)

	require.NoError(t, store.Delete(ctx, "k1"))
	_, found, err = store.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisStoreScanStripsNamespace(t *testing.T) {
	ctx := context.Background()
	store := newTestRedisStore(t)

	require.NoError(t, store.Set(ctx, "sora:a", []byte("1"), time.Minute))
	require.NoError(t, store.Set(ctx, "sora:b", []byte("2"), time.Minute))
	require.NoError(t, store.Set(ctx, "veo:a", []byte("3"), time.Minute))

	keys, err := store.Scan(ctx, "sora:")
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"sora:a", "sora:b"}, keys)
}

func TestRedisStoreCustomPrefix(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := NewRedisStore(client, WithPrefix("tenant42:"))
	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Minute))

	raw, err := client.Get(ctx, "tenant42:k").Result()
	require.NoError(t, err)
	assert.Equal(t, "v", raw)
}

func TestNewRedisStoreFromURL(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := NewRedisStoreFromURL(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Set(context.Background(), "k", []byte("v"), 0))
	val, found, err := store.Get(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v"), val)
}

func TestNewRedisStoreFromURLBadAddress(t *testing.T) {
	_, err := NewRedisStoreFromURL(context.Background(), "redis://127.0.0.1:1")
	require.Error(t, err)
}
