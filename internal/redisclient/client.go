package redisclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"order-fulfillment/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrLockNotHeld is returned when releasing a lock that expired or belongs to someone else
var ErrLockNotHeld = errors.New("lock not held")

// claimScript increments the customer's total only while it stays within the limit
var claimScript = redis.NewScript(`
local total = tonumber(redis.call('GET', KEYS[1]) or '0') + tonumber(ARGV[1])
if total > tonumber(ARGV[2]) then
	return 0
end
redis.call('SET', KEYS[1], total)
return 1
`)

// unlockScript deletes the lock only for the holder of the token
var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Options configures key lifetimes
type Options struct {
	ProcessedEventTTL time.Duration
	StockCacheTTL     time.Duration
	IdempotencyTTL    time.Duration
}

// Client wraps Redis for the flash-sale purchase ledger, processed-event markers,
// the product stock cache, API idempotency keys and distributed locks.
type Client struct {
	rdb  *redis.Client
	opts Options
}

// NewClient creates a new Redis client and verifies the connection
func NewClient(addr, password string, db int, opts Options) (*Client, error) {
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

	return NewFromRedis(rdb, opts), nil
}

// NewFromRedis wraps an existing go-redis client
func NewFromRedis(rdb *redis.Client, opts Options) *Client {
	if opts.ProcessedEventTTL <= 0 {
		opts.ProcessedEventTTL = 7 * 24 * time.Hour
	}
	if opts.StockCacheTTL <= 0 {
		opts.StockCacheTTL = 30 * time.Minute
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = 24 * time.Hour
	}
	return &Client{rdb: rdb, opts: opts}
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func purchaseKey(flashSaleID, customerID string) string {
	return fmt.Sprintf("flashsale:%s:customer:%s", flashSaleID, customerID)
}

// PurchasedQuantity returns how many units the customer holds under the sale
func (c *Client) PurchasedQuantity(ctx context.Context, flashSaleID, customerID string) (int, error) {
	n, err := c.rdb.Get(ctx, purchaseKey(flashSaleID, customerID)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read purchase ledger: %w", err)
	}
	return n, nil
}

// ClaimPurchase adds quantity to the customer's sale total unless that would exceed limit
func (c *Client) ClaimPurchase(ctx context.Context, flashSaleID, customerID string, quantity, limit int) (bool, error) {
	n, err := claimScript.Run(ctx, c.rdb, []string{purchaseKey(flashSaleID, customerID)}, quantity, limit).Int()
	if err != nil {
		return false, fmt.Errorf("failed to record purchase: %w", err)
	}
	return n == 1, nil
}

// RemovePurchase returns quantity to the customer's allowance, never going below zero
func (c *Client) RemovePurchase(ctx context.Context, flashSaleID, customerID string, quantity int) error {
	key := purchaseKey(flashSaleID, customerID)
	left, err := c.rdb.DecrBy(ctx, key, int64(quantity)).Result()
	if err != nil {
		return fmt.Errorf("failed to return purchase: %w", err)
	}
	if left < 0 {
		return c.rdb.Set(ctx, key, 0, 0).Err()
	}
	return nil
}

func processedKey(consumer, eventID string) string {
	return fmt.Sprintf("processed:%s:%s", consumer, eventID)
}

// IsProcessed checks the processed-event marker
func (c *Client) IsProcessed(ctx context.Context, consumer, eventID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, processedKey(consumer, eventID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkProcessed sets the processed-event marker
func (c *Client) MarkProcessed(ctx context.Context, consumer, eventID string) error {
	return c.rdb.SetNX(ctx, processedKey(consumer, eventID), time.Now().UTC().Format(time.RFC3339), c.opts.ProcessedEventTTL).Err()
}

func stockKey(productID string) string {
	return fmt.Sprintf("product:stock:%s", productID)
}

// GetProduct reads a cached product; ok is false on a miss
func (c *Client) GetProduct(ctx context.Context, id string) (*models.Product, bool, error) {
	raw, err := c.rdb.Get(ctx, stockKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var p models.Product
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached product: %w", err)
	}
	return &p, true, nil
}

// SetProduct caches a product
func (c *Client) SetProduct(ctx context.Context, product *models.Product) error {
	raw, err := json.Marshal(product)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, stockKey(product.ID), raw, c.opts.StockCacheTTL).Err()
}

// InvalidateProduct drops a cached product
func (c *Client) InvalidateProduct(ctx context.Context, id string) error {
	return c.rdb.Del(ctx, stockKey(id)).Err()
}

// ClaimIdempotencyKey stores orderID under key unless the key is taken, and returns the owning order id
func (c *Client) ClaimIdempotencyKey(ctx context.Context, key, orderID string) (string, bool, error) {
	redisKey := fmt.Sprintf("idempotency:%s", key)
	ok, err := c.rdb.SetNX(ctx, redisKey, orderID, c.opts.IdempotencyTTL).Result()
	if err != nil {
		return "", false, err
	}
	if ok {
		return orderID, true, nil
	}

	owner, err := c.rdb.Get(ctx, redisKey).Result()
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET
		return c.ClaimIdempotencyKey(ctx, key, orderID)
	}
	if err != nil {
		return "", false, err
	}
	return owner, false, nil
}

func lockKey(name string) string {
	return fmt.Sprintf("lock:%s", name)
}

// AcquireLock acquires a distributed lock and returns the token that releases it
func (c *Client) AcquireLock(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	token := uuid.New().String()
	ok, err := c.rdb.SetNX(ctx, lockKey(name), token, ttl).Result()
	if err != nil || !ok {
		return "", false, err
	}
	return token, true, nil
}

// ReleaseLock releases a distributed lock if token still holds it
func (c *Client) ReleaseLock(ctx context.Context, name, token string) error {
	n, err := unlockScript.Run(ctx, c.rdb, []string{lockKey(name)}, token).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", name, ErrLockNotHeld)
	}
	return nil
}
