package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCacheSetGet(t *testing.T) {
	mc := NewMemoryCache()
	defer mc.Close()
	ctx := context.Background()

	val := []byte("payload")
	require.NoError(t, mc.Set(ctx, "k", val, time.Minute))
	val[0] = 'X' // caller mutation must not leak into the cache

	got, err := mc.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))

	_, err = mc.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryCacheExpiry(t *testing.T) {
	mc := NewMemoryCache()
	defer mc.Close()
	ctx := context.Background()

	require.NoError(t, mc.Set(ctx, "k", []byte("v"), time.Millisecond))
	time.Sleep(5 * time.Millisecond)
	_, err := mc.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryCacheEvictsLRU(t *testing.T) {
	mc := NewMemoryCache(WithMemoryMaxSize(2))
	defer mc.Close()
	ctx := context.Background()

	require.NoError(t, mc.Set(ctx, "a", []byte("1"), 0))
	time.Sleep(time.Millisecond)
	require.NoError(t, mc.Set(ctx, "b", []byte("2"), 0))
	time.Sleep(time.Millisecond)
	_, _ = mc.Get(ctx, "a")
	require.NoError(t, mc.Set(ctx, "c", []byte("3"), 0))

	ok, err := mc.Exists(ctx, "b")
	require.NoError(t, err)
	assert.False(t, ok, "least recently used key should be evicted")
	ok, _ = mc.Exists(ctx, "a", "c")
	assert.True(t, ok)
}

func TestMemoryCacheDeleteByPattern(t *testing.T) {
	mc := NewMemoryCache()
	defer mc.Close()
	ctx := context.Background()

	for _, k := range []string{"bars:AAPL", "bars:MSFT", "runs:1"} {
		require.NoError(t, mc.Set(ctx, k, []byte("x"), 0))
	}
	require.NoError(t, mc.DeleteByPattern(ctx, BuildPattern("bars:")))

	ok, _ := mc.Exists(ctx, "bars:AAPL", "bars:MSFT")
	assert.False(t, ok)
	ok, _ = mc.Exists(ctx, "runs:1")
	assert.True(t, ok)
}
