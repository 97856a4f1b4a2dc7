package oracle_test

import (
	"CDPLedger/internal/oracle"
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeed_FreshPrice(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	f := oracle.NewFeed(8, time.Minute).WithClock(func() time.Time { return now })
	f.SetPrice("WETH", 2000_00000000)

	q, err := f.GetPrice(context.Background(), "WETH")
	require.NoError(t, err)
	assert.Equal(t, int64(2000_00000000), q.Answer)
	assert.Equal(t, uint8(8), q.Decimals)
	assert.False(t, q.Stale)
}

func TestFeed_ExpiresAfterMaxAge(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	f := oracle.NewFeed(8, time.Minute).WithClock(func() time.Time { return now })
	f.SetPriceAt("WETH", 2000_00000000, now.Add(-2*time.Minute))

	q, err := f.GetPrice(context.Background(), "WETH")
	require.NoError(t, err)
	assert.True(t, q.Stale)
}

func TestFeed_MarkStale(t *testing.T) {
	f := oracle.NewFeed(8, 0)
	f.SetPrice("WETH", 1)
	f.MarkStale("WETH")

	q, err := f.GetPrice(context.Background(), "WETH")
	require.NoError(t, err)
	assert.True(t, q.Stale)

	f.SetPrice("WETH", 2)
	q, err = f.GetPrice(context.Background(), "WETH")
	require.NoError(t, err)
	assert.False(t, q.Stale, "a new answer clears the flag")
}

func TestFeed_UnknownAsset(t *testing.T) {
	_, err := oracle.NewFeed(8, 0).GetPrice(context.Background(), "DOGE")
	assert.True(t, errors.Is(err, oracle.ErrNoPrice))
}

func TestFeed_CancelledContext(t *testing.T) {
	f := oracle.NewFeed(8, 0)
	f.SetPrice("WETH", 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.GetPrice(ctx, "WETH")
	assert.ErrorIs(t, err, context.Canceled)
}

// Integration: requires a Redis server at TEST_REDIS_ADDR.
func TestRedisFeed_PublishAndRead(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx := context.Background()
	prefix := "cdp-test-price"
	feed := oracle.NewRedisFeedFromClient(client, prefix, time.Hour)
	require.NoError(t, feed.Ping(ctx))
	t.Cleanup(func() { client.Del(ctx, prefix+":WETH", prefix+":OLD") })

	require.NoError(t, feed.PublishPrice(ctx, "WETH", 1200_00000000, 8, time.Now()))
	q, err := feed.GetPrice(ctx, "WETH")
	require.NoError(t, err)
	assert.Equal(t, int64(1200_00000000), q.Answer)
	assert.False(t, q.Stale)

	require.NoError(t, feed.PublishPrice(ctx, "OLD", 1, 8, time.Now().Add(-2*time.Hour)))
	q, err = feed.GetPrice(ctx, "OLD")
	require.NoError(t, err)
	assert.True(t, q.Stale)

	_, err = feed.GetPrice(ctx, "MISSING")
	assert.ErrorIs(t, err, oracle.ErrNoPrice)
}
