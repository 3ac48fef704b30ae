package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestCache_MissThenHitAfterSet(t *testing.T) {
	ctx := context.Background()
	rdb := newTestRedis(t)
	c := New(rdb)

	key := Key(ClassLLMResponse, "model=gpt-4o-mini&messages=ping")
	_, ok := c.Get(ctx, ClassLLMResponse, key)
	assert.False(t, ok)

	c.Set(ctx, ClassLLMResponse, key, []byte("cached response"))

	v, ok := c.Get(ctx, ClassLLMResponse, key)
	require.True(t, ok)
	assert.Equal(t, "cached response", string(v))
}

func TestCache_DegradesToL1OnL2Outage(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := New(rdb)

	key := Key(ClassSearch, "query=abc")
	c.Set(ctx, ClassSearch, key, []byte("result"))

	// Simulate an L2 outage after the value has already landed in L1.
	mr.Close()

	v, ok := c.Get(ctx, ClassSearch, key)
	require.True(t, ok, "L1 should still serve the value despite L2 being down")
	assert.Equal(t, "result", string(v))
	assert.False(t, c.L2Healthy(ctx))
}

func TestCache_NilRedisIsL1Only(t *testing.T) {
	ctx := context.Background()
	c := New(nil)

	key := Key(ClassSchemaFields, "schema=x")
	c.Set(ctx, ClassSchemaFields, key, []byte("fields"))

	v, ok := c.Get(ctx, ClassSchemaFields, key)
	require.True(t, ok)
	assert.Equal(t, "fields", string(v))
	assert.False(t, c.L2Healthy(ctx))
}

func TestLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	l := newLRU(2, time.Hour)
	l.set("a", []byte("1"))
	l.set("b", []byte("2"))
	l.get("a") // promote a
	l.set("c", []byte("3"))

	_, ok := l.get("b")
	assert.False(t, ok, "b should have been evicted as least-recently-used")

	_, ok = l.get("a")
	assert.True(t, ok)
	_, ok = l.get("c")
	assert.True(t, ok)
}

func TestLRU_ExpiresByTTL(t *testing.T) {
	l := newLRU(10, time.Millisecond)
	l.set("a", []byte("1"))
	time.Sleep(5 * time.Millisecond)

	_, ok := l.get("a")
	assert.False(t, ok)
}
