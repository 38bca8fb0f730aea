package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_SetGetInvalidate(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()

	_, ok, err := c.Get(ctx, "P", "L|*")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "P", "L|*", 7, time.Minute))
	require.NoError(t, c.Set(ctx, "P", "*|-", 2, time.Minute))
	require.NoError(t, c.Set(ctx, "Q", "*|*", 1, time.Minute))

	qty, ok, err := c.Get(ctx, "P", "L|*")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(7), qty)

	require.NoError(t, c.Invalidate(ctx, "P"))
	_, ok, _ = c.Get(ctx, "P", "L|*")
	assert.False(t, ok)
	_, ok, _ = c.Get(ctx, "P", "*|-")
	assert.False(t, ok)
	_, ok, _ = c.Get(ctx, "Q", "*|*")
	assert.True(t, ok, "other products keep their entries")
}

func TestMemory_EntriesExpire(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	require.NoError(t, c.Set(ctx, "P", "L|*", 3, 2*time.Second))

	now = now.Add(time.Second)
	_, ok, _ := c.Get(ctx, "P", "L|*")
	assert.True(t, ok)

	now = now.Add(time.Second)
	_, ok, _ = c.Get(ctx, "P", "L|*")
	assert.False(t, ok, "expired at the staleness bound")
	assert.Equal(t, 0, c.Len())
}

func TestMemory_ZeroTTLDisablesCaching(t *testing.T) {
	c := NewMemory()
	require.NoError(t, c.Set(context.Background(), "P", "L|*", 3, 0))
	assert.Equal(t, 0, c.Len())
}

func TestRedis_RoundTrip(t *testing.T) {
	addr := os.Getenv("LEDGER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("LEDGER_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	r, err := Dial(ctx, addr)
	require.NoError(t, err)
	defer r.Close()
	r.Prefix = "stock:test:" + time.Now().Format("150405.000000") + ":"

	require.NoError(t, r.Set(ctx, "P", "L|*", -4, time.Minute))
	qty, ok, err := r.Get(ctx, "P", "L|*")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(-4), qty)

	require.NoError(t, r.Invalidate(ctx, "P"))
	_, ok, err = r.Get(ctx, "P", "L|*")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedis_ExpiredValueIsMiss(t *testing.T) {
	addr := os.Getenv("LEDGER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("LEDGER_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	r := NewRedis(redis.NewClient(&redis.Options{Addr: addr}))
	defer r.Close()
	r.Prefix = "stock:test:exp:" + time.Now().Format("150405.000000") + ":"

	now := time.Now()
	r.now = func() time.Time { return now }
	require.NoError(t, r.Set(ctx, "P", "L|*", 9, time.Minute))

	now = now.Add(2 * time.Minute)
	_, ok, err := r.Get(ctx, "P", "L|*")
	require.NoError(t, err)
	assert.False(t, ok)
}
