package redis_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/playmarket/internal/cache/redis"
	"github.com/alanyoungcy/playmarket/internal/domain"
)

// These tests need a live Redis; set PLAYMARKET_TEST_REDIS_ADDR to run them.
func connect(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("PLAYMARKET_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PLAYMARKET_TEST_REDIS_ADDR not set")
	}
	c, err := redis.New(context.Background(), redis.ClientConfig{
		Addr:      addr,
		KeyPrefix: "test:" + uuid.NewString() + ":",
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestLockIsExclusive(t *testing.T) {
	ctx := context.Background()
	lm := redis.NewLockManager(connect(t))

	unlock, err := lm.Acquire(ctx, "market:m1", time.Second)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, "market:m1", time.Second)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	unlock()
	again, err := lm.Acquire(ctx, "market:m1", time.Second)
	require.NoError(t, err)
	again()
}

func TestSlidingWindow(t *testing.T) {
	ctx := context.Background()
	rl := redis.NewRateLimiter(connect(t))

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "trade:u1", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := rl.Allow(ctx, "trade:u1", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rl.Allow(ctx, "trade:u2", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMarketCache(t *testing.T) {
	ctx := context.Background()
	mc := redis.NewMarketCache(connect(t), time.Minute)

	_, err := mc.Get(ctx, "m1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, mc.Set(ctx, domain.Market{ID: "m1", Title: "Will it rain?", YesPool: 10000, NoPool: 10000}))
	m, err := mc.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "Will it rain?", m.Title)

	require.NoError(t, mc.Invalidate(ctx, "m1"))
	_, err = mc.Get(ctx, "m1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStreamRoundTrip(t *testing.T) {
	ctx := context.Background()
	bus := redis.NewSignalBusWithMaxLen(connect(t), 100)
	stream := "stream:test:" + uuid.NewString()

	require.NoError(t, bus.StreamAppend(ctx, stream, []byte(`{"n":1}`)))
	require.NoError(t, bus.StreamAppend(ctx, stream, []byte(`{"n":2}`)))

	msgs, err := bus.StreamRead(ctx, stream, "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.JSONEq(t, `{"n":2}`, string(msgs[1].Payload))

	msgs, err = bus.StreamRead(ctx, stream, msgs[1].ID, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
