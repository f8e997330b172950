package redisclient

import (
	"context"
	"testing"
	"time"

	"order-fulfillment/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewFromRedis(rdb, Options{StockCacheTTL: time.Minute}), mr
}

func TestPurchaseLedger(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	qty, err := c.PurchasedQuantity(ctx, "fs1", "c1")
	require.NoError(t, err)
	assert.Equal(t, 0, qty)

	for _, n := range []int{2, 1} {
		ok, err := c.ClaimPurchase(ctx, "fs1", "c1", n, 4)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	// 3 + 2 is over the limit of 4
	ok, err := c.ClaimPurchase(ctx, "fs1", "c1", 2, 4)
	require.NoError(t, err)
	assert.False(t, ok)
	qty, err = c.PurchasedQuantity(ctx, "fs1", "c1")
	require.NoError(t, err)
	assert.Equal(t, 3, qty)

	require.NoError(t, c.RemovePurchase(ctx, "fs1", "c1", 5))
	qty, err = c.PurchasedQuantity(ctx, "fs1", "c1")
	require.NoError(t, err)
	assert.Equal(t, 0, qty)
}

func TestProcessedMarkers(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	done, err := c.IsProcessed(ctx, "saga", "e1")
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, c.MarkProcessed(ctx, "saga", "e1"))
	done, err = c.IsProcessed(ctx, "saga", "e1")
	require.NoError(t, err)
	assert.True(t, done)

	done, err = c.IsProcessed(ctx, "payment", "e1")
	require.NoError(t, err)
	assert.False(t, done)

	mr.FastForward(8 * 24 * time.Hour)
	done, err = c.IsProcessed(ctx, "saga", "e1")
	require.NoError(t, err)
	assert.False(t, done)
}

func TestStockCache(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	_, ok, err := c.GetProduct(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, ok)

	p := &models.Product{ID: "p1", Name: "Widget", AvailableQuantity: 7, Price: decimal.RequireFromString("9.99")}
	require.NoError(t, c.SetProduct(ctx, p))

	cached, ok, err := c.GetProduct(ctx, "p1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 7, cached.AvailableQuantity)
	assert.True(t, p.Price.Equal(cached.Price))

	require.NoError(t, c.InvalidateProduct(ctx, "p1"))
	_, ok, err = c.GetProduct(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.SetProduct(ctx, p))
	mr.FastForward(2 * time.Minute)
	_, ok, err = c.GetProduct(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClaimIdempotencyKey(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	owner, claimed, err := c.ClaimIdempotencyKey(ctx, "k1", "o1")
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, "o1", owner)

	owner, claimed, err = c.ClaimIdempotencyKey(ctx, "k1", "o2")
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, "o1", owner)
}

func TestLock(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	token, ok, err := c.AcquireLock(ctx, "sweeper", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEmpty(t, token)

	_, ok, err = c.AcquireLock(ctx, "sweeper", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.ReleaseLock(ctx, "sweeper", token))
	_, ok, err = c.AcquireLock(ctx, "sweeper", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseLockKeepsAnotherHoldersLock(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	stale, ok, err := c.AcquireLock(ctx, "sweeper", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)
	current, ok, err := c.AcquireLock(ctx, "sweeper", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	err = c.ReleaseLock(ctx, "sweeper", stale)
	assert.ErrorIs(t, err, ErrLockNotHeld)
	got, err := mr.Get("lock:sweeper")
	require.NoError(t, err)
	assert.Equal(t, current, got)
}
