package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/release_lock.lua
var releaseLockScript string

type Client struct {
	rdb           *redis.Client
	releaseScript *redis.Script
}

// NewClient creates a new Redis client and verifies the connection
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
		rdb:           rdb,
		releaseScript: redis.NewScript(releaseLockScript),
	}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the connection for readiness probes
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// GetIdempotentOrder returns the order created under a buyer's idempotency key, if any
func (c *Client) GetIdempotentOrder(ctx context.Context, buyerID int64, key string) (int64, bool, error) {
	val, err := c.rdb.Get(ctx, CheckoutIdempotencyKey(buyerID, key)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	orderID, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt idempotency value %q: %w", val, err)
	}
	return orderID, true, nil
}

// SetIdempotentOrder remembers the order created under a buyer's idempotency key
func (c *Client) SetIdempotentOrder(ctx context.Context, buyerID int64, key string, orderID int64, ttl time.Duration) error {
	return c.rdb.Set(ctx, CheckoutIdempotencyKey(buyerID, key), orderID, ttl).Err()
}

// AcquireCheckoutLock takes the buyer's checkout lock. The token must be passed back to release it.
func (c *Client) AcquireCheckoutLock(ctx context.Context, buyerID int64, token string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, CheckoutLockKey(buyerID), token, ttl).Result()
}

// ReleaseCheckoutLock releases the lock only if it is still held with the given token
func (c *Client) ReleaseCheckoutLock(ctx context.Context, buyerID int64, token string) error {
	_, err := c.releaseScript.Run(ctx, c.rdb, []string{CheckoutLockKey(buyerID)}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock script failed: %w", err)
	}
	return nil
}

// MarkNotificationSeen records a gateway notification id. It returns false when the id
// was already recorded within the TTL.
func (c *Client) MarkNotificationSeen(ctx context.Context, notificationID string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, NotificationDedupKey(notificationID), time.Now().Unix(), ttl).Result()
}

// ForgetNotification removes a dedup mark so a failed delivery can be retried
func (c *Client) ForgetNotification(ctx context.Context, notificationID string) error {
	return c.rdb.Del(ctx, NotificationDedupKey(notificationID)).Err()
}
