package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/olyamironova/spot-exchange/internal/domain"
	"github.com/olyamironova/spot-exchange/internal/port"
	"github.com/redis/go-redis/v9"
)

var _ port.Cache = (*RedisCache)(nil)

type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(addr string, password string, db int, ttl time.Duration) *RedisCache {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisCache{
		client: rdb,
		ttl:    ttl,
	}
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func key(symbol string) string { return "depth:" + symbol }

func (c *RedisCache) SetDepth(ctx context.Context, symbol string, d *domain.Depth) error {
	b, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("redis: encode depth %s: %w", symbol, err)
	}
	return c.client.Set(ctx, key(symbol), b, c.ttl).Err()
}

// GetDepth returns the cached depth, or domain.ErrNotFound on a miss.
func (c *RedisCache) GetDepth(ctx context.Context, symbol string) (*domain.Depth, error) {
	b, err := c.client.Get(ctx, key(symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: depth %s: %w", symbol, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var d domain.Depth
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("redis: decode depth %s: %w", symbol, err)
	}
	return &d, nil
}

func (c *RedisCache) Invalidate(ctx context.Context, symbol string) error {
	return c.client.Del(ctx, key(symbol)).Err()
}
