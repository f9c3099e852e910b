package cache

import (
	"container/list"
	"expvar"
	"sync"
	"time"
)

// EvictionReason says why an entry left the cache.
type EvictionReason int

const (
	EvictCapacity EvictionReason = iota // pushed out by the byte budget
	EvictIdle                           // unused longer than maxIdle
	EvictExplicit                       // Invalidate or Clear
)

// cacheEntry holds one cached record and its accounting data.
type cacheEntry struct {
	key        string
	value      interface{}
	sizeBytes  int64
	lastAccess time.Time
}

// LRUCache is a byte-budgeted LRU cache. The budget counts the serialized
// size the caller reports for each value, not entry count: one oversized
// session must not be able to evict everything else, so values larger than
// the whole budget bypass the cache entirely.
type LRUCache struct {
	mu            sync.Mutex
	capacityBytes int64
	usedBytes     int64
	lruList       *list.List
	cacheItems    map[string]*list.Element
	onEvicted     func(key string, value interface{}, sizeBytes int64, reason EvictionReason)
	now           func() time.Time // injectable for idle-sweep tests

	sweepStop chan struct{}
	sweepDone chan struct{}

	hits      *expvar.Int
	misses    *expvar.Int
	evictions *expvar.Int
}

// NewLRUCache creates a cache holding at most capacityBytes of reported
// value sizes. A capacity of zero or less disables caching.
func NewLRUCache(capacityBytes int64, onEvicted func(key string, value interface{}, sizeBytes int64, reason EvictionReason)) *LRUCache {
	return &LRUCache{
		capacityBytes: capacityBytes,
		lruList:       list.New(),
		cacheItems:    make(map[string]*list.Element),
		onEvicted:     onEvicted,
		now:           time.Now,
	}
}

// SetMetrics injects the expvar counters published by the engine.
func (c *LRUCache) SetMetrics(hits, misses, evictions *expvar.Int) {
	c.hits = hits
	c.misses = misses
	c.evictions = evictions
}

// Get retrieves a value and marks it most-recently-used.
func (c *LRUCache) Get(key string) (value interface{}, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacityBytes <= 0 {
		return nil, false
	}

	if elem, ok := c.cacheItems[key]; ok {
		if c.hits != nil {
			c.hits.Add(1)
		}
		entry := elem.Value.(*cacheEntry)
		entry.lastAccess = c.now()
		c.lruList.MoveToFront(elem)
		return entry.value, true
	}

	if c.misses != nil {
		c.misses.Add(1)
	}
	return nil, false
}

// Put adds a value, evicting least-recently-used entries until the byte
// budget holds. Values larger than the entire budget are not admitted.
func (c *LRUCache) Put(key string, value interface{}, sizeBytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacityBytes <= 0 || sizeBytes > c.capacityBytes {
		// Oversized values bypass the cache rather than flushing it. A stale
		// smaller version under the same key must not linger.
		c.removeLocked(key, EvictExplicit)
		return
	}

	if elem, ok := c.cacheItems[key]; ok {
		entry := elem.Value.(*cacheEntry)
		c.usedBytes += sizeBytes - entry.sizeBytes
		entry.value = value
		entry.sizeBytes = sizeBytes
		entry.lastAccess = c.now()
		c.lruList.MoveToFront(elem)
		c.evictToBudgetLocked()
		return
	}

	entry := &cacheEntry{key: key, value: value, sizeBytes: sizeBytes, lastAccess: c.now()}
	c.cacheItems[key] = c.lruList.PushFront(entry)
	c.usedBytes += sizeBytes
	c.evictToBudgetLocked()
}

// Invalidate drops one key, if cached.
func (c *LRUCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key, EvictExplicit)
}

// Len returns the current number of cached entries.
func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

// UsedBytes returns the bytes currently charged against the budget.
func (c *LRUCache) UsedBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usedBytes
}

// Clear removes all entries.
func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.cacheItems {
		c.removeLocked(key, EvictExplicit)
	}
}

// StartIdleSweeper launches a background goroutine that evicts entries not
// accessed within maxIdle. StopIdleSweeper terminates it.
func (c *LRUCache) StartIdleSweeper(interval, maxIdle time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sweepStop != nil || interval <= 0 || maxIdle <= 0 {
		return
	}
	c.sweepStop = make(chan struct{})
	c.sweepDone = make(chan struct{})

	go func(stop, done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.SweepIdle(maxIdle)
			case <-stop:
				return
			}
		}
	}(c.sweepStop, c.sweepDone)
}

// StopIdleSweeper stops the background sweeper and waits for it to exit.
func (c *LRUCache) StopIdleSweeper() {
	c.mu.Lock()
	stop, done := c.sweepStop, c.sweepDone
	c.sweepStop, c.sweepDone = nil, nil
	c.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}

// SweepIdle evicts every entry idle for longer than maxIdle and returns how
// many were dropped. The engine's Close path also calls it directly.
func (c *LRUCache) SweepIdle(maxIdle time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-maxIdle)
	var swept int
	// Walk from the LRU end; the list is ordered by recency, so the first
	// fresh entry ends the scan.
	for elem := c.lruList.Back(); elem != nil; {
		entry := elem.Value.(*cacheEntry)
		if entry.lastAccess.After(cutoff) {
			break
		}
		prev := elem.Prev()
		c.removeLocked(entry.key, EvictIdle)
		swept++
		elem = prev
	}
	return swept
}

// GetHitRate calculates the cache hit rate, for expvar.Func publishing.
func (c *LRUCache) GetHitRate() float64 {
	var hits, misses float64
	if c.hits != nil {
		hits = float64(c.hits.Value())
	}
	if c.misses != nil {
		misses = float64(c.misses.Value())
	}
	total := hits + misses
	if total == 0 {
		return 0.0
	}
	return hits / total
}

// evictToBudgetLocked removes LRU entries until usedBytes fits the budget.
func (c *LRUCache) evictToBudgetLocked() {
	for c.usedBytes > c.capacityBytes {
		elem := c.lruList.Back()
		if elem == nil {
			return
		}
		c.removeLocked(elem.Value.(*cacheEntry).key, EvictCapacity)
	}
}

func (c *LRUCache) removeLocked(key string, reason EvictionReason) {
	elem, ok := c.cacheItems[key]
	if !ok {
		return
	}
	entry := c.lruList.Remove(elem).(*cacheEntry)
	delete(c.cacheItems, key)
	c.usedBytes -= entry.sizeBytes
	if reason != EvictExplicit && c.evictions != nil {
		c.evictions.Add(1)
	}
	if c.onEvicted != nil {
		c.onEvicted(entry.key, entry.value, entry.sizeBytes, reason)
	}
}
