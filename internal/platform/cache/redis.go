package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mobishop/api/internal/domain"
)

const defaultRedisKey = "catalog:products:active"

// RedisCache shares the listing between replicas so one invalidation reaches all of them.
type RedisCache struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

func NewRedisCache(client redis.UniversalClient, ttl time.Duration) (*RedisCache, error) {
	if client == nil {
		return nil, errors.New("redis cache: client is required")
	}
	if ttl <= 0 {
		return nil, errors.New("redis cache: ttl must be positive")
	}
	return &RedisCache{client: client, key: defaultRedisKey, ttl: ttl}, nil
}

type cachedProduct struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Price     int64     `json:"price"`
	Stock     int       `json:"stock"`
	Category  string    `json:"category,omitempty"`
	ImageURL  string    `json:"imageUrl,omitempty"`
	Active    bool      `json:"active"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (c *RedisCache) Get(ctx context.Context) ([]domain.Product, bool, error) {
	raw, err := c.client.Get(ctx, c.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis cache get: %w", err)
	}
	var records []cachedProduct
	if err := json.Unmarshal(raw, &records); err != nil {
		// A corrupt entry is a miss; the next Set overwrites it.
		return nil, false, nil
	}
	products := make([]domain.Product, 0, len(records))
	for _, r := range records {
		products = append(products, domain.Product{
			ID:        r.ID,
			Title:     r.Title,
			Price:     domain.Money(r.Price),
			Stock:     r.Stock,
			Category:  r.Category,
			ImageURL:  r.ImageURL,
			Active:    r.Active,
			UpdatedAt: r.UpdatedAt,
		})
	}
	return products, true, nil
}

func (c *RedisCache) Set(ctx context.Context, products []domain.Product) error {
	records := make([]cachedProduct, 0, len(products))
	for _, p := range products {
		records = append(records, cachedProduct{
			ID:        p.ID,
			Title:     p.Title,
			Price:     int64(p.Price),
			Stock:     p.Stock,
			Category:  p.Category,
			ImageURL:  p.ImageURL,
			Active:    p.Active,
			UpdatedAt: p.UpdatedAt,
		})
	}
	payload, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("redis cache encode: %w", err)
	}
	if err := c.client.Set(ctx, c.key, payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis cache set: %w", err)
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context) error {
	if err := c.client.Del(ctx, c.key).Err(); err != nil {
		return fmt.Errorf("redis cache invalidate: %w", err)
	}
	return nil
}

// Ping reports whether Redis is reachable; used by readiness checks.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
