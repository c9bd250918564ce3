package formschema

import (
	"container/list"
	"sync"
)

const defaultCacheSize = 512

// schemaCache is a bounded LRU of compiled schemas.
type schemaCache struct {
	mu       sync.Mutex
	items    map[string]*list.Element
	order    *list.List
	capacity int
}

type cacheItem struct {
	key    string
	schema *Schema
}

func newSchemaCache(capacity int) *schemaCache {
	if capacity <= 0 {
		capacity = defaultCacheSize
	}
	return &schemaCache{
		items:    make(map[string]*list.Element, capacity),
		order:    list.New(),
		capacity: capacity,
	}
}

func (c *schemaCache) get(key string) (*Schema, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheItem).schema, true
}

func (c *schemaCache) set(key string, s *Schema) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value.(*cacheItem).schema = s
		c.order.MoveToFront(el)
		return
	}
	if len(c.items) >= c.capacity {
		if oldest := c.order.Back(); oldest != nil {
			delete(c.items, oldest.Value.(*cacheItem).key)
			c.order.Remove(oldest)
		}
	}
	c.items[key] = c.order.PushFront(&cacheItem{key: key, schema: s})
}

func (c *schemaCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
