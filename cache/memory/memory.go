// Package memory provides the in-memory LRU cache of decoded buffers.
package memory

import (
	"log/slog"
	"math"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/meigma/tessera/bitmap"
	"github.com/meigma/tessera/cache"
)

// DefaultMaxSize is the default byte budget.
const DefaultMaxSize int64 = 64 << 20

// Cache is a strict LRU of reference-counted buffers bounded by total bytes.
//
// Each indexed entry holds one cached reference on its buffer. The entry size
// is the buffer byte count at insertion time. Cache is safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	maxSize int64
	size    int64
	lru     *simplelru.LRU[string, entry]
	stats   Stats
	logger  *slog.Logger
}

type entry struct {
	value *bitmap.Counted
	size  int64
}

// Stats reports cache activity counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Puts      int64
	Evictions int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger for cache diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// Interface compliance.
var _ cache.MemoryCache = (*Cache)(nil)

// New creates a cache bounded by maxSize bytes. A maxSize <= 0 uses
// DefaultMaxSize.
func New(maxSize int64, opts ...Option) *Cache {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	c := &Cache{maxSize: maxSize}
	l, err := simplelru.NewLRU[string, entry](math.MaxInt32, c.onRemove)
	if err != nil {
		panic(err) // only fails for non-positive sizes
	}
	c.lru = l
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// onRemove releases the cached reference of an entry leaving the index.
// Called with c.mu held.
func (c *Cache) onRemove(key string, e entry) {
	c.size -= e.size
	if err := e.value.DecCached(); err != nil {
		c.log().Error("release cached reference", "key", key, "error", err)
	}
}

// Get returns the buffer under key or nil.
func (c *Cache) Get(key string) *bitmap.Counted {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key)
	if !ok {
		c.stats.Misses++
		return nil
	}
	c.stats.Hits++
	return e.value
}

// Put stores value under key and evicts least recently used entries until
// the cache fits its budget.
func (c *Cache) Put(key string, value *bitmap.Counted) bool {
	if value == nil {
		return false
	}
	n := int64(value.ByteCount())

	c.mu.Lock()
	defer c.mu.Unlock()

	if n > c.maxSize {
		c.log().Debug("entry exceeds memory cache budget", "key", key, "bytes", n)
		return false
	}
	if old, ok := c.lru.Peek(key); ok && old.value == value {
		c.lru.Get(key)
		return true
	}
	if err := value.IncCached(); err != nil {
		c.log().Error("take cached reference", "key", key, "error", err)
		return false
	}
	// Replacing an existing key releases the old entry first.
	c.lru.Remove(key)
	c.lru.Add(key, entry{value: value, size: n})
	c.size += n
	c.stats.Puts++
	c.trimToSize(c.maxSize)
	return true
}

// trimToSize evicts least recently used entries until size <= target.
// Called with c.mu held.
func (c *Cache) trimToSize(target int64) {
	for c.size > target {
		key, _, ok := c.lru.RemoveOldest()
		if !ok {
			return
		}
		c.stats.Evictions++
		c.log().Debug("memory cache evicted", "key", key)
	}
}

// Remove drops key from the index.
func (c *Cache) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Remove(key)
}

// Trim responds to memory pressure: moderate and above clears the cache,
// background halves it.
func (c *Cache) Trim(level cache.TrimLevel) {
	c.mu.Lock()
	defer c.mu.Unlock()

	before := c.size
	switch {
	case level.ClearsAll():
		c.trimToSize(0)
	case level.Halves():
		c.trimToSize(c.maxSize / 2)
	default:
		return
	}
	c.log().Debug("memory cache trimmed", "level", level.String(), "released", before-c.size)
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// Contains reports whether key is indexed without touching recency.
func (c *Cache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Contains(key)
}

// Keys returns the indexed keys from oldest to newest.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Keys()
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Size returns the bytes currently indexed.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// MaxSize returns the byte budget.
func (c *Cache) MaxSize() int64 {
	return c.maxSize
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
