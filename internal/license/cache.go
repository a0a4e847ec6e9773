package license

import (
	"sync"
	"time"

	"licensor/pkg/contracts/domain"
)

// CacheEntry is one cached license record
type CacheEntry struct {
	License  *domain.License
	CachedAt time.Time
	Expires  time.Time
	HitCount int
}

// Cache is a read-through cache for FindByKey. The store writes through it
// on every mutation, so a cached record is never older than the last
// successful write made by this process.
type Cache struct {
	entries   map[string]CacheEntry
	mutex     sync.RWMutex
	ttl       time.Duration
	maxSize   int
	hitCount  int64
	missCount int64
	now       func() time.Time
	stopChan  chan struct{}
	stopOnce  sync.Once
}

// CacheStats is a snapshot of cache counters
type CacheStats struct {
	Entries   int     `json:"entries"`
	MaxSize   int     `json:"max_size"`
	HitCount  int64   `json:"hit_count"`
	MissCount int64   `json:"miss_count"`
	HitRatio  float64 `json:"hit_ratio"`
	TTL       float64 `json:"ttl_seconds"`
}

// NewCache creates a cache and starts its cleanup loop. A maxSize of 0 disables caching.
func NewCache(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		entries:  make(map[string]CacheEntry),
		ttl:      ttl,
		maxSize:  maxSize,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}

	go c.cleanup(time.Minute)

	return c
}

// Get returns a copy of the cached license
func (c *Cache) Get(key string) (*domain.License, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry, exists := c.entries[key]
	if !exists || c.now().After(entry.Expires) {
		c.missCount++
		return nil, false
	}

	entry.HitCount++
	c.entries[key] = entry
	c.hitCount++

	return entry.License.Clone(), true
}

// Set stores a copy of l
func (c *Cache) Set(l *domain.License) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.maxSize <= 0 {
		return
	}

	if _, exists := c.entries[l.Key]; !exists && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	now := c.now()
	c.entries[l.Key] = CacheEntry{
		License:  l.Clone(),
		CachedAt: now,
		Expires:  now.Add(c.ttl),
	}
}

// Invalidate removes a license from the cache
func (c *Cache) Invalidate(key string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.entries, key)
}

// Stats returns cache statistics
func (c *Cache) Stats() CacheStats {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	total := c.hitCount + c.missCount
	ratio := float64(0)
	if total > 0 {
		ratio = float64(c.hitCount) / float64(total)
	}

	return CacheStats{
		Entries:   len(c.entries),
		MaxSize:   c.maxSize,
		HitCount:  c.hitCount,
		MissCount: c.missCount,
		HitRatio:  ratio,
		TTL:       c.ttl.Seconds(),
	}
}

func (c *Cache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range c.entries {
		if oldestKey == "" || entry.CachedAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.CachedAt
		}
	}

	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// Stop ends the cleanup goroutine. It is safe to call more than once.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
}

func (c *Cache) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.purgeExpired()
		case <-c.stopChan:
			return
		}
	}
}

func (c *Cache) purgeExpired() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.now()
	for key, entry := range c.entries {
		if now.After(entry.Expires) {
			delete(c.entries, key)
		}
	}
}
