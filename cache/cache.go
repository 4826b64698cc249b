// Package cache defines the cache contracts shared by the engine and the tile
// manager.
//
// Two implementations live in subpackages: [github.com/meigma/tessera/cache/memory]
// holds reference-counted pixel buffers in an LRU bounded by bytes, and
// [github.com/meigma/tessera/cache/disk] persists encoded bytes across process
// runs behind a journal.
package cache

import "github.com/meigma/tessera/bitmap"

// TrimLevel is a host memory-pressure signal.
type TrimLevel = bitmap.TrimLevel

// MemoryCache holds decoded buffers keyed by request cache key.
//
// Implementations take a cached reference on every buffer they index and
// release it when the entry leaves the index, whether by eviction, removal,
// replacement, trim or clear. Entries still referenced elsewhere stay alive
// until their other owners release them; the cache never waits for that.
//
// Implementations must be safe for concurrent use.
type MemoryCache interface {
	// Get returns the buffer stored under key and marks it most recently
	// used, or nil on a miss. Get does not take a reference for the caller.
	Get(key string) *bitmap.Counted

	// Put stores value under key, evicting least recently used entries until
	// the cache is within budget. It reports false when the value is larger
	// than the whole budget and was not stored.
	Put(key string, value *bitmap.Counted) bool

	// Remove drops key from the index. It reports whether key was present.
	Remove(key string) bool

	// Trim responds to host memory pressure.
	Trim(level TrimLevel)

	// Clear drops every entry.
	Clear()

	// Size returns the bytes currently indexed.
	Size() int64

	// MaxSize returns the byte budget.
	MaxSize() int64
}
