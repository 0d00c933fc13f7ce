package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jitension/portfolio-tracker/internal/infrastructure/config"
	"github.com/jitension/portfolio-tracker/pkg/metrics"
)

const keyPrefix = "ptrack:"

// View names used for cache keys and metrics labels.
const (
	ViewSummary  = "summary"
	ViewHoldings = "holdings"
)

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

// Cache is the read-through view cache for portfolio reads. Entries
// expire after the configured TTL and are removed eagerly when a sync
// succeeds.
type Cache struct {
	client     *redis.Client
	logger     *zap.Logger
	defaultTTL time.Duration
}

func New(client *redis.Client, logger *zap.Logger, defaultTTL time.Duration) *Cache {
	return &Cache{
		client:     client,
		logger:     logger,
		defaultTTL: defaultTTL,
	}
}

// SummaryKey is the cache key for an account's portfolio summary view.
func SummaryKey(accountID uuid.UUID) string {
	return fmt.Sprintf("portfolio_summary_%s", accountID)
}

// HoldingsKey is the cache key for an account's holdings list view.
func HoldingsKey(accountID uuid.UUID) string {
	return fmt.Sprintf("holdings_list_%s", accountID)
}

// GetJSON loads a cached view into dest. The second return is false on
// a miss; misses are not errors.
func (c *Cache) GetJSON(ctx context.Context, key, view string, dest interface{}) (bool, error) {
	val, err := c.client.Get(ctx, keyPrefix+key).Result()
	if err == redis.Nil {
		metrics.RecordCacheLookup(view, "miss")
		return false, nil
	}
	if err != nil {
		metrics.RecordCacheLookup(view, "error")
		return false, fmt.Errorf("cache get failed: %w", err)
	}

	if err := json.Unmarshal([]byte(val), dest); err != nil {
		// A corrupt entry behaves like a miss so the read path recomputes.
		metrics.RecordCacheLookup(view, "error")
		c.logger.Warn("Dropping undecodable cache entry",
			zap.String("key", key),
			zap.Error(err))
		c.client.Del(ctx, keyPrefix+key)
		return false, nil
	}

	metrics.RecordCacheLookup(view, "hit")
	return true, nil
}

// SetJSON stores a view under the default TTL (or ttl when nonzero).
func (c *Cache) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache marshal failed: %w", err)
	}
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	if err := c.client.Set(ctx, keyPrefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("cache set failed: %w", err)
	}
	return nil
}

// InvalidateAccount removes every cached view for the account.
func (c *Cache) InvalidateAccount(ctx context.Context, accountID uuid.UUID) error {
	keys := []string{
		keyPrefix + SummaryKey(accountID),
		keyPrefix + HoldingsKey(accountID),
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache invalidation failed: %w", err)
	}
	c.logger.Debug("Invalidated cached views",
		zap.String("account_id", accountID.String()))
	return nil
}

// Ping reports cache connectivity for readiness checks.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Cache) Close() error {
	return c.client.Close()
}
