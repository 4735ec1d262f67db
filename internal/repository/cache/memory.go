package cache

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// MemoryCache keeps the most recently used items in process. A size of zero
// disables it: every Get misses and Add is a no-op.
type MemoryCache struct {
	items *lru.Cache[Key, *Item]
	size  int
}

var _ Tier = (*MemoryCache)(nil)

func NewMemoryCache(size int) (*MemoryCache, error) {
	if size < 0 {
		return nil, fmt.Errorf("%w: memory size %d", ErrInvalidSize, size)
	}
	c := &MemoryCache{size: size}
	if size == 0 {
		return c, nil
	}

	items, err := lru.New[Key, *Item](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory cache: %w", err)
	}
	c.items = items
	return c, nil
}

func (c *MemoryCache) Name() string {
	return "memory"
}

func (c *MemoryCache) Enabled() bool {
	return c.items != nil
}

func (c *MemoryCache) Get(_ context.Context, key Key) (*Item, bool, error) {
	if c.items == nil {
		return nil, false, nil
	}
	item, ok := c.items.Get(key)
	return item, ok, nil
}

func (c *MemoryCache) Add(_ context.Context, item *Item, forceInsert bool) error {
	if c.items == nil {
		return nil
	}
	if forceInsert {
		c.items.Add(item.Key(), item)
		return nil
	}
	c.items.ContainsOrAdd(item.Key(), item)
	return nil
}

func (c *MemoryCache) Exists(_ context.Context, key Key) (bool, error) {
	if c.items == nil {
		return false, nil
	}
	return c.items.Contains(key), nil
}

func (c *MemoryCache) Remove(_ context.Context, key Key) error {
	if c.items != nil {
		c.items.Remove(key)
	}
	return nil
}

func (c *MemoryCache) Clear(context.Context) error {
	if c.items != nil {
		c.items.Purge()
	}
	return nil
}

func (c *MemoryCache) Len() int {
	if c.items == nil {
		return 0
	}
	return c.items.Len()
}

func (c *MemoryCache) Size() int {
	return c.size
}
