package cache

import (
	"container/list"
	"expvar"
	"sync"
)

// Interface is the read/write surface shared by the template stores.
type Interface[K comparable, V any] interface {
	Put(key K, value V)
	Get(key K) (V, bool)
	Remove(key K) bool
	Clear()
	Len() int
	GetHitRate() float64
}

type entry[K comparable, V any] struct {
	key   K
	value V
}

// LRUCache is a fixed-size, mutex-guarded LRU. A capacity of zero or less
// disables caching entirely.
type LRUCache[K comparable, V any] struct {
	mu        sync.Mutex
	capacity  int
	lruList   *list.List
	items     map[K]*list.Element
	onEvicted func(key K, value V)

	hits   *expvar.Int
	misses *expvar.Int
}

var _ Interface[string, int] = (*LRUCache[string, int])(nil)

// NewLRUCache creates a cache holding at most capacity entries. onEvicted, if
// set, is called for entries pushed out by Put or removed by Clear.
func NewLRUCache[K comparable, V any](capacity int, onEvicted func(key K, value V)) *LRUCache[K, V] {
	return &LRUCache[K, V]{
		capacity:  capacity,
		lruList:   list.New(),
		items:     make(map[K]*list.Element),
		onEvicted: onEvicted,
	}
}

// SetMetrics wires expvar counters for hits and misses. Either may be nil.
func (c *LRUCache[K, V]) SetMetrics(hits, misses *expvar.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hits = hits
	c.misses = misses
}

func (c *LRUCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	if c.capacity <= 0 {
		return zero, false
	}
	if elem, ok := c.items[key]; ok {
		if c.hits != nil {
			c.hits.Add(1)
		}
		c.lruList.MoveToFront(elem)
		return elem.Value.(*entry[K, V]).value, true
	}
	if c.misses != nil {
		c.misses.Add(1)
	}
	return zero, false
}

func (c *LRUCache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity <= 0 {
		return
	}
	if elem, ok := c.items[key]; ok {
		c.lruList.MoveToFront(elem)
		elem.Value.(*entry[K, V]).value = value
		return
	}
	if c.lruList.Len() >= c.capacity {
		c.evictOldest()
	}
	c.items[key] = c.lruList.PushFront(&entry[K, V]{key: key, value: value})
}

// Remove deletes key without invoking onEvicted.
func (c *LRUCache[K, V]) Remove(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.items[key]
	if !ok {
		return false
	}
	c.lruList.Remove(elem)
	delete(c.items, key)
	return true
}

func (c *LRUCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

// Keys returns keys from most to least recently used.
func (c *LRUCache[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]K, 0, c.lruList.Len())
	for e := c.lruList.Front(); e != nil; e = e.Next() {
		keys = append(keys, e.Value.(*entry[K, V]).key)
	}
	return keys
}

// must be called with c.mu held
func (c *LRUCache[K, V]) evictOldest() {
	elem := c.lruList.Back()
	if elem == nil {
		return
	}
	removed := c.lruList.Remove(elem).(*entry[K, V])
	delete(c.items, removed.key)
	if c.onEvicted != nil {
		c.onEvicted(removed.key, removed.value)
	}
}

func (c *LRUCache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.onEvicted != nil {
		for e := c.lruList.Front(); e != nil; e = e.Next() {
			en := e.Value.(*entry[K, V])
			c.onEvicted(en.key, en.value)
		}
	}
	c.lruList.Init()
	c.items = make(map[K]*list.Element)
	if c.hits != nil {
		c.hits.Set(0)
	}
	if c.misses != nil {
		c.misses.Set(0)
	}
}

// GetHitRate returns hits/(hits+misses), suitable for an expvar.Func.
func (c *LRUCache[K, V]) GetHitRate() float64 {
	c.mu.Lock()
	hits, misses := c.hits, c.misses
	c.mu.Unlock()

	var h, m float64
	if hits != nil {
		h = float64(hits.Value())
	}
	if misses != nil {
		m = float64(misses.Value())
	}
	if h+m == 0 {
		return 0
	}
	return h / (h + m)
}
