package bitmap

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrCounterUnderflow is returned when an owner releases a reference it
	// does not hold. It signals a double release and must be treated as a bug.
	ErrCounterUnderflow = errors.New("bitmap: reference counter underflow")

	// ErrRecycled is returned when a reference is taken on a buffer that has
	// already gone back to the pool.
	ErrRecycled = errors.New("bitmap: buffer already recycled")
)

// Owner identifies one of the three reference categories of a Counted.
type Owner uint8

// Owner categories.
const (
	// OwnerCached is held by the memory cache while the entry is indexed.
	OwnerCached Owner = iota

	// OwnerDisplayed is held by each consumer of record (a caller that
	// received the buffer, or a tile that shows it).
	OwnerDisplayed

	// OwnerPending is held by an in-flight execution until its waiters have
	// claimed the result.
	OwnerPending
)

// String returns the string representation of the owner.
func (o Owner) String() string {
	switch o {
	case OwnerCached:
		return "cached"
	case OwnerDisplayed:
		return "displayed"
	case OwnerPending:
		return "pending"
	default:
		return "unknown"
	}
}

// Counted wraps one Buffer with three independent reference counters.
//
// The buffer returns to the pool exactly when cached, displayed and pending
// are all zero after a release. Once recycled the buffer is no longer
// reachable through Buffer and every further transition fails. All
// transitions are serialized by an internal lock.
type Counted struct {
	mu       sync.Mutex
	key      string
	buf      *Buffer
	pool     *Pool
	counts   [3]int
	recycled bool
	extra    any
}

// NewCounted wraps buf. pool may be nil, in which case a recycled buffer is
// simply dropped.
func NewCounted(key string, buf *Buffer, pool *Pool) *Counted {
	return &Counted{key: key, buf: buf, pool: pool}
}

// Key returns the cache key the buffer was produced for.
func (c *Counted) Key() string { return c.key }

// Buffer returns the wrapped buffer, or nil once it has been recycled.
func (c *Counted) Buffer() *Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recycled {
		return nil
	}
	return c.buf
}

// SetExtra attaches caller metadata, such as image info, to the buffer.
func (c *Counted) SetExtra(v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.extra = v
}

// Extra returns the metadata set by SetExtra.
func (c *Counted) Extra() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.extra
}

// ByteCount returns the size of the wrapped buffer in bytes.
func (c *Counted) ByteCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buf == nil {
		return 0
	}
	return c.buf.ByteCount()
}

// IsRecycled reports whether the buffer went back to the pool.
func (c *Counted) IsRecycled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recycled
}

// Counts returns the current cached, displayed and pending counters.
func (c *Counted) Counts() (cached, displayed, pending int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[OwnerCached], c.counts[OwnerDisplayed], c.counts[OwnerPending]
}

// Acquire takes one reference for owner.
func (c *Counted) Acquire(owner Owner) error {
	return c.change(owner, 1)
}

// Release drops one reference for owner. When the last reference of every
// category is gone the buffer is freed to the pool.
func (c *Counted) Release(owner Owner) error {
	return c.change(owner, -1)
}

func (c *Counted) change(owner Owner, delta int) error {
	if owner > OwnerPending {
		return fmt.Errorf("bitmap: unknown owner %d", owner)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.recycled {
		return fmt.Errorf("%w: %s %+d on %q", ErrRecycled, owner, delta, c.key)
	}
	next := c.counts[owner] + delta
	if next < 0 {
		return fmt.Errorf("%w: %s on %q", ErrCounterUnderflow, owner, c.key)
	}
	c.counts[owner] = next
	if delta < 0 && c.counts[OwnerCached] == 0 && c.counts[OwnerDisplayed] == 0 && c.counts[OwnerPending] == 0 {
		c.recycled = true
		if c.pool != nil {
			c.pool.Free(c.buf)
		}
		c.buf = nil
	}
	return nil
}

// IncCached takes a cache reference.
func (c *Counted) IncCached() error { return c.Acquire(OwnerCached) }

// DecCached drops a cache reference.
func (c *Counted) DecCached() error { return c.Release(OwnerCached) }

// IncDisplayed takes a display reference.
func (c *Counted) IncDisplayed() error { return c.Acquire(OwnerDisplayed) }

// DecDisplayed drops a display reference.
func (c *Counted) DecDisplayed() error { return c.Release(OwnerDisplayed) }

// IncPending takes an in-flight reference.
func (c *Counted) IncPending() error { return c.Acquire(OwnerPending) }

// DecPending drops an in-flight reference.
func (c *Counted) DecPending() error { return c.Release(OwnerPending) }
