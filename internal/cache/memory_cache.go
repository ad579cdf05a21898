package cache

import (
	"container/list"
	"context"
	"sync"

	"offlinemap/internal/tile_grid"
)

type entry struct {
	key   tile_grid.Key
	value []byte
}

// MemoryCache is an LRU bounded by tile count and, optionally, total bytes.
type MemoryCache struct {
	mu       sync.Mutex
	maxTiles int
	maxBytes int64
	bytes    int64
	items    map[tile_grid.Key]*list.Element
	lru      *list.List
}

// NewMemoryCache keeps at most maxTiles tiles. maxBytes <= 0 disables the byte bound.
func NewMemoryCache(maxTiles int, maxBytes int64) *MemoryCache {
	if maxTiles <= 0 {
		maxTiles = 1
	}
	return &MemoryCache{
		maxTiles: maxTiles,
		maxBytes: maxBytes,
		items:    make(map[tile_grid.Key]*list.Element),
		lru:      list.New(),
	}
}

func (c *MemoryCache) Get(_ context.Context, key tile_grid.Key) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.lru.MoveToFront(elem)
	return elem.Value.(*entry).value, true
}

func (c *MemoryCache) Set(_ context.Context, key tile_grid.Key, value []byte) {
	size := int64(len(value))
	if c.maxBytes > 0 && size > c.maxBytes {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		ent := elem.Value.(*entry)
		c.bytes += size - int64(len(ent.value))
		ent.value = value
		c.lru.MoveToFront(elem)
	} else {
		c.items[key] = c.lru.PushFront(&entry{key: key, value: value})
		c.bytes += size
	}

	for c.lru.Len() > c.maxTiles || (c.maxBytes > 0 && c.bytes > c.maxBytes) {
		c.evictOldest()
	}
}

// caller holds mu
func (c *MemoryCache) evictOldest() {
	oldest := c.lru.Back()
	if oldest == nil {
		return
	}
	ent := oldest.Value.(*entry)
	delete(c.items, ent.key)
	c.bytes -= int64(len(ent.value))
	c.lru.Remove(oldest)
}

// Len reports the number of tiles and bytes held.
func (c *MemoryCache) Len() (tiles int, bytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len(), c.bytes
}

func (c *MemoryCache) Clear(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[tile_grid.Key]*list.Element)
	c.lru.Init()
	c.bytes = 0
	return nil
}
