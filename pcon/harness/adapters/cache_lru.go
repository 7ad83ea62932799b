package adapters

import (
	"context"
	"sync"
	"time"

	ports "github.com/ZanzyTHEbar/prompt-console/pcon/harness/ports"
)

// LRUCache is a fixed-capacity LRU cache whose entries also expire by TTL.
type LRUCache struct {
	mu       sync.Mutex
	capacity int
	now      func() time.Time
	items    map[string]*cacheItem
	head     *cacheItem
	tail     *cacheItem
}

type cacheItem struct {
	key     string
	value   []byte
	expires time.Time
	prev    *cacheItem
	next    *cacheItem
}

// NewLRUCache creates a cache holding at most capacity entries.
func NewLRUCache(capacity int) *LRUCache {
	return NewLRUCacheWithClock(capacity, time.Now)
}

// NewLRUCacheWithClock is NewLRUCache with an injectable clock.
func NewLRUCacheWithClock(capacity int, now func() time.Time) *LRUCache {
	if capacity < 1 {
		capacity = 1
	}
	return &LRUCache{
		capacity: capacity,
		now:      now,
		items:    make(map[string]*cacheItem),
	}
}

// Get returns a copy of the live value for key. Expired entries are dropped.
func (c *LRUCache) Get(ctx context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if !c.now().Before(item.expires) {
		c.unlink(item)
		delete(c.items, key)
		return nil, false
	}
	c.moveToFront(item)
	return append([]byte(nil), item.value...), true
}

// Set stores value under key for ttl. A non-positive ttl deletes the key.
func (c *LRUCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl <= 0 {
		c.deleteLocked(key)
		return nil
	}
	expires := c.now().Add(ttl)
	value = append([]byte(nil), value...)

	if item, ok := c.items[key]; ok {
		item.value = value
		item.expires = expires
		c.moveToFront(item)
		return nil
	}

	item := &cacheItem{key: key, value: value, expires: expires}
	c.pushFront(item)
	c.items[key] = item
	if len(c.items) > c.capacity {
		c.evictOldest()
	}
	return nil
}

func (c *LRUCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleteLocked(key)
	return nil
}

// Len returns the number of entries, expired or not.
func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *LRUCache) deleteLocked(key string) {
	if item, ok := c.items[key]; ok {
		c.unlink(item)
		delete(c.items, key)
	}
}

func (c *LRUCache) moveToFront(item *cacheItem) {
	if item == c.head {
		return
	}
	c.unlink(item)
	c.pushFront(item)
}

func (c *LRUCache) pushFront(item *cacheItem) {
	item.prev = nil
	item.next = c.head
	if c.head != nil {
		c.head.prev = item
	}
	c.head = item
	if c.tail == nil {
		c.tail = item
	}
}

func (c *LRUCache) unlink(item *cacheItem) {
	if item.prev != nil {
		item.prev.next = item.next
	} else {
		c.head = item.next
	}
	if item.next != nil {
		item.next.prev = item.prev
	} else {
		c.tail = item.prev
	}
	item.prev, item.next = nil, nil
}

func (c *LRUCache) evictOldest() {
	if c.tail == nil {
		return
	}
	item := c.tail
	c.unlink(item)
	delete(c.items, item.key)
}

var _ ports.Cache = (*LRUCache)(nil)
