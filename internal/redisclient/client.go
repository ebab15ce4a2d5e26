package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"reconciliation-service/internal/util"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

//go:embed scripts/release_lock.lua
var releaseLockScript string

//go:embed scripts/set_stock.lua
var setStockScript string

// ErrLockNotAcquired is returned when a lock is still held by someone else
// when the caller's context ends.
var ErrLockNotAcquired = errors.New("lock not acquired")

const (
	lockRetryInterval = 25 * time.Millisecond
	unlockTimeout     = 2 * time.Second
)

type Client struct {
	rdb            *redis.Client
	releaseScript  *redis.Script
	setStockScript *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:            rdb,
		releaseScript:  redis.NewScript(releaseLockScript),
		setStockScript: redis.NewScript(setStockScript),
	}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// AcquireLock tries once to take lockKey. The returned token must be passed
// to ReleaseLock.
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (string, bool, error) {
	token := uuid.New().String()
	ok, err := c.rdb.SetNX(ctx, lockKey, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lock %s: %w", lockKey, err)
	}
	return token, ok, nil
}

// ReleaseLock deletes lockKey only while it still holds token, so a holder
// whose ttl expired cannot drop a lock taken by the next owner.
func (c *Client) ReleaseLock(ctx context.Context, lockKey, token string) (bool, error) {
	n, err := c.releaseScript.Run(ctx, c.rdb, []string{lockKey}, token).Int64()
	if err != nil {
		return false, fmt.Errorf("release lock script failed: %w", err)
	}
	return n == 1, nil
}

// Lock blocks until lockKey is acquired or ctx is done. It satisfies the
// coordinator's Locker.
func (c *Client) Lock(ctx context.Context, lockKey string, ttl time.Duration) (func(), error) {
	ticker := time.NewTicker(lockRetryInterval)
	defer ticker.Stop()

	for {
		token, ok, err := c.AcquireLock(ctx, lockKey, ttl)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %s", ErrLockNotAcquired, lockKey)
			}
			return nil, err
		}
		if ok {
			return c.unlocker(lockKey, token), nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrLockNotAcquired, lockKey)
		case <-ticker.C:
		}
	}
}

func (c *Client) unlocker(lockKey, token string) func() {
	var once sync.Once
	return func() {
		once.Do(func() { c.release(lockKey, token) })
	}
}

func (c *Client) release(lockKey, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
	defer cancel()

	ok, err := c.ReleaseLock(ctx, lockKey, token)
	if err != nil {
		util.GetLogger().Error("Failed to release lock", zap.String("key", lockKey), zap.Error(err))
		return
	}
	if !ok {
		util.GetLogger().Warn("Lock expired before release", zap.String("key", lockKey))
	}
}

func stockKey(variantID int64) string {
	return fmt.Sprintf("stock:variant:%d", variantID)
}

// SetStock mirrors the committed stock of a variant. version is the id of
// the ledger row that produced stock; writes older than the stored version
// are dropped, so late writers cannot roll the mirror back.
func (c *Client) SetStock(ctx context.Context, variantID int64, stock int, version int64) error {
	if err := c.setStockScript.Run(ctx, c.rdb, []string{stockKey(variantID)}, stock, version).Err(); err != nil {
		return fmt.Errorf("set stock script failed: %w", err)
	}
	return nil
}
