package in_memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/olyamironova/spot-exchange/internal/domain"
	"github.com/olyamironova/spot-exchange/internal/port"
)

type Cache struct {
	mu    sync.Mutex
	store map[string]*domain.Depth
}

var _ port.Cache = (*Cache)(nil)

func NewCache() *Cache {
	return &Cache{store: make(map[string]*domain.Depth)}
}

func (c *Cache) SetDepth(ctx context.Context, symbol string, d *domain.Depth) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store[symbol] = d.DeepCopy()
	return nil
}

func (c *Cache) GetDepth(ctx context.Context, symbol string) (*domain.Depth, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.store[symbol]
	if !ok {
		return nil, fmt.Errorf("cache: depth %s: %w", symbol, domain.ErrNotFound)
	}
	return d.DeepCopy(), nil
}

func (c *Cache) Invalidate(ctx context.Context, symbol string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.store, symbol)
	return nil
}
