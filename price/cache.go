package price

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Store is a string key-value cache with expiry. Get returns ok=false on a miss.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// Cached memoizes an upstream oracle. Cache errors degrade to upstream lookups.
type Cached struct {
	store    Store
	upstream Oracle
	ttl      time.Duration
	logger   *zap.Logger
}

func NewCached(store Store, upstream Oracle, ttl time.Duration, logger *zap.Logger) *Cached {
	return &Cached{store: store, upstream: upstream, ttl: ttl, logger: logger.Named("price_cache")}
}

func cacheKey(priceID string) string {
	return "price:usd:v1:" + priceID
}

func (c *Cached) USDPrice(ctx context.Context, priceID string) (decimal.Decimal, error) {
	key := cacheKey(priceID)
	if s, ok, err := c.store.Get(ctx, key); err != nil {
		c.logger.Warn("price cache read failed", zap.String("price_id", priceID), zap.Error(err))
	} else if ok {
		if d, err := decimal.NewFromString(s); err == nil {
			return d, nil
		}
	}

	d, err := c.upstream.USDPrice(ctx, priceID)
	if err != nil {
		return decimal.Zero, err
	}
	if err := c.store.Set(ctx, key, d.String(), c.ttl); err != nil {
		c.logger.Warn("price cache write failed", zap.String("price_id", priceID), zap.Error(err))
	}
	return d, nil
}

// RedisStore adapts a go-redis client to Store.
type RedisStore struct {
	client redis.Cmdable
}

func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	s, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return s, true, nil
}

func (r *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}
