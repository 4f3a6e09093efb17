package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"p2c-service/internal/models"
)

//go:embed scripts/reserve_stock.lua
var reserveStockScript string

//go:embed scripts/release_stock.lua
var releaseStockScript string

//go:embed scripts/commit_stock.lua
var commitStockScript string

// ErrNotMirrored is returned when a SKU has no hash in Redis yet.
var ErrNotMirrored = errors.New("inventory not mirrored")

// Client keeps a read-optimized mirror of the inventory ledger and the
// short-lived keys used for locks and webhook replay detection. Postgres
// stays authoritative.
type Client struct {
	rdb           *redis.Client
	reserveScript *redis.Script
	releaseScript *redis.Script
	commitScript  *redis.Script
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

	return New(rdb), nil
}

// New wraps an existing connection
func New(rdb *redis.Client) *Client {
	return &Client{
		rdb:           rdb,
		reserveScript: redis.NewScript(reserveStockScript),
		releaseScript: redis.NewScript(releaseStockScript),
		commitScript:  redis.NewScript(commitStockScript),
	}
}

// Ping is used by the readiness probe
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func inventoryKey(sku string) string {
	return "inventory:" + sku
}

// ReserveStock mirrors a reservation. false means the mirror disagrees with
// the ledger and should be re-synced.
func (c *Client) ReserveStock(ctx context.Context, sku string, quantity int) (bool, error) {
	return c.runScript(ctx, c.reserveScript, "reserve", sku, quantity)
}

// ReleaseStock mirrors a release
func (c *Client) ReleaseStock(ctx context.Context, sku string, quantity int) (bool, error) {
	return c.runScript(ctx, c.releaseScript, "release", sku, quantity)
}

// CommitStock mirrors the reserved -> assigned transfer
func (c *Client) CommitStock(ctx context.Context, sku string, quantity int) (bool, error) {
	return c.runScript(ctx, c.commitScript, "commit", sku, quantity)
}

func (c *Client) runScript(ctx context.Context, s *redis.Script, op, sku string, quantity int) (bool, error) {
	result, err := s.Run(ctx, c.rdb, []string{inventoryKey(sku)}, quantity).Int64()
	if err != nil {
		return false, fmt.Errorf("%s stock script failed: %w", op, err)
	}

	switch result {
	case 1:
		return true, nil
	case 0:
		return false, nil
	default:
		return false, fmt.Errorf("%s %s: %w", op, sku, ErrNotMirrored)
	}
}

// SyncInventory overwrites the mirror of one SKU with ledger values
func (c *Client) SyncInventory(ctx context.Context, item *models.InventoryItem) error {
	return c.rdb.HSet(ctx, inventoryKey(item.SKU),
		"stock", item.Stock,
		"reserved", item.Reserved,
		"assigned", item.Assigned,
	).Err()
}

// GetInventory reads the mirrored counters
func (c *Client) GetInventory(ctx context.Context, sku string) (*models.InventoryItem, error) {
	result, err := c.rdb.HGetAll(ctx, inventoryKey(sku)).Result()
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("%s: %w", sku, ErrNotMirrored)
	}

	item := &models.InventoryItem{SKU: sku}
	for field, dst := range map[string]*int{"stock": &item.Stock, "reserved": &item.Reserved, "assigned": &item.Assigned} {
		n, err := strconv.Atoi(result[field])
		if err != nil {
			return nil, fmt.Errorf("inventory mirror %s.%s: %w", sku, field, err)
		}
		*dst = n
	}
	return item, nil
}

// Available returns the mirrored availability and whether the SKU is mirrored
func (c *Client) Available(ctx context.Context, sku string) (int, bool, error) {
	item, err := c.GetInventory(ctx, sku)
	if errors.Is(err, ErrNotMirrored) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return item.Available(), true, nil
}

// MarkProcessed records key once. It returns false if key was already recorded.
func (c *Client) MarkProcessed(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, "idempotency:"+key, time.Now().Unix(), ttl).Result()
}

// ClearProcessed forgets key so the next MarkProcessed succeeds again.
func (c *Client) ClearProcessed(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, "idempotency:"+key).Err()
}

// AcquireLock acquires a distributed lock
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, "lock:"+lockKey, "1", ttl).Result()
}

// ReleaseLock releases a distributed lock
func (c *Client) ReleaseLock(ctx context.Context, lockKey string) error {
	return c.rdb.Del(ctx, "lock:"+lockKey).Err()
}
