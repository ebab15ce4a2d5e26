package redisclient

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := NewClient(mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestNewClientFailsWithoutServer(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewClient(addr, "", 0)
	assert.Error(t, err)
}

func TestAcquireAndReleaseLock(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	token, ok, err := c.AcquireLock(ctx, "lock:order:1", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists("lock:order:1"))

	_, ok, err = c.AcquireLock(ctx, "lock:order:1", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	released, err := c.ReleaseLock(ctx, "lock:order:1", "someone-else")
	require.NoError(t, err)
	assert.False(t, released)
	assert.True(t, mr.Exists("lock:order:1"))

	released, err = c.ReleaseLock(ctx, "lock:order:1", token)
	require.NoError(t, err)
	assert.True(t, released)
	assert.False(t, mr.Exists("lock:order:1"))
}

func TestExpiredHolderCannotReleaseNextOwner(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	stale, ok, err := c.AcquireLock(ctx, "lock:order:2", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	_, ok, err = c.AcquireLock(ctx, "lock:order:2", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	released, err := c.ReleaseLock(ctx, "lock:order:2", stale)
	require.NoError(t, err)
	assert.False(t, released)
	assert.True(t, mr.Exists("lock:order:2"))
}

func TestLockWaitsForRelease(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	unlock, err := c.Lock(ctx, "lock:order:3", 10*time.Second)
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		unlock()
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	second, err := c.Lock(waitCtx, "lock:order:3", 10*time.Second)
	require.NoError(t, err)
	second()
	second()
}

func TestLockTimesOut(t *testing.T) {
	c, _ := newTestClient(t)

	unlock, err := c.Lock(context.Background(), "lock:order:4", 10*time.Second)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_, err = c.Lock(ctx, "lock:order:4", 10*time.Second)
	assert.ErrorIs(t, err, ErrLockNotAcquired)
}

func TestStockMirrorDropsOlderVersions(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()
	key := stockKey(9)

	require.NoError(t, c.SetStock(ctx, 9, 10, 0))
	assert.Equal(t, "10", mr.HGet(key, "stock"))

	require.NoError(t, c.SetStock(ctx, 9, 8, 5))
	assert.Equal(t, "8", mr.HGet(key, "stock"))
	assert.Equal(t, "5", mr.HGet(key, "version"))

	// a reconciliation that committed earlier but mirrors late
	require.NoError(t, c.SetStock(ctx, 9, 9, 3))
	require.NoError(t, c.SetStock(ctx, 9, 9, 5))
	assert.Equal(t, "8", mr.HGet(key, "stock"))

	require.NoError(t, c.SetStock(ctx, 9, 7, 6))
	assert.Equal(t, "7", mr.HGet(key, "stock"))
	assert.Equal(t, "6", mr.HGet(key, "version"))

	require.NoError(t, c.Ping(ctx))
}
