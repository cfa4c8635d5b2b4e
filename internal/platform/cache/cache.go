// Package cache holds the product listing cache. Fulfilment invalidates it after every commit so
// buyers never see stock that was just sold.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/mobishop/api/internal/domain"
)

// ProductListCache stores the active product listing.
type ProductListCache interface {
	// Get returns ok=false on a miss or after expiry.
	Get(ctx context.Context) ([]domain.Product, bool, error)
	Set(ctx context.Context, products []domain.Product) error
	Invalidate(ctx context.Context) error
}

// MemoryCache is a single-process ProductListCache.
type MemoryCache struct {
	ttl   time.Duration
	clock func() time.Time

	mu       sync.RWMutex
	products []domain.Product
	expires  time.Time
}

type MemoryOption func(*MemoryCache)

func WithClock(clock func() time.Time) MemoryOption {
	return func(c *MemoryCache) {
		if clock != nil {
			c.clock = clock
		}
	}
}

func NewMemoryCache(ttl time.Duration, opts ...MemoryOption) *MemoryCache {
	c := &MemoryCache{ttl: ttl, clock: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *MemoryCache) Get(context.Context) ([]domain.Product, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.products == nil || !c.clock().Before(c.expires) {
		return nil, false, nil
	}
	return append([]domain.Product(nil), c.products...), true, nil
}

func (c *MemoryCache) Set(_ context.Context, products []domain.Product) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products = append(make([]domain.Product, 0, len(products)), products...)
	c.expires = c.clock().Add(c.ttl)
	return nil
}

func (c *MemoryCache) Invalidate(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products = nil
	c.expires = time.Time{}
	return nil
}
