package redisclient

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"p2c-service/internal/models"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb), mr
}

func TestMirrorScripts(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.SyncInventory(ctx, &models.InventoryItem{SKU: "M-Male", Stock: 10}))

	ok, err := c.ReserveStock(ctx, "M-Male", 3)
	require.NoError(t, err)
	assert.True(t, ok)

	avail, mirrored, err := c.Available(ctx, "M-Male")
	require.NoError(t, err)
	assert.True(t, mirrored)
	assert.Equal(t, 7, avail)

	ok, err = c.ReserveStock(ctx, "M-Male", 8)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.CommitStock(ctx, "M-Male", 3)
	require.NoError(t, err)
	assert.True(t, ok)

	item, err := c.GetInventory(ctx, "M-Male")
	require.NoError(t, err)
	assert.Equal(t, 0, item.Reserved)
	assert.Equal(t, 3, item.Assigned)
	assert.Equal(t, 10, item.Stock)

	ok, err = c.ReleaseStock(ctx, "M-Male", 1)
	require.NoError(t, err)
	assert.False(t, ok, "release below zero is refused")
}

func TestMirrorMissingSKU(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	_, err := c.ReserveStock(ctx, "nope", 1)
	assert.ErrorIs(t, err, ErrNotMirrored)

	_, mirrored, err := c.Available(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, mirrored)
}

func TestMarkProcessedAndLocks(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	first, err := c.MarkProcessed(ctx, "webhook:abc", time.Minute)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := c.MarkProcessed(ctx, "webhook:abc", time.Minute)
	require.NoError(t, err)
	assert.False(t, again)

	mr.FastForward(2 * time.Minute)
	first, err = c.MarkProcessed(ctx, "webhook:abc", time.Minute)
	require.NoError(t, err)
	assert.True(t, first)

	require.NoError(t, c.ClearProcessed(ctx, "webhook:abc"))
	first, err = c.MarkProcessed(ctx, "webhook:abc", time.Minute)
	require.NoError(t, err)
	assert.True(t, first)

	got, err := c.AcquireLock(ctx, "poll:C1", time.Minute)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = c.AcquireLock(ctx, "poll:C1", time.Minute)
	require.NoError(t, err)
	assert.False(t, got)

	require.NoError(t, c.ReleaseLock(ctx, "poll:C1"))
	got, err = c.AcquireLock(ctx, "poll:C1", time.Minute)
	require.NoError(t, err)
	assert.True(t, got)
}
