package bitmap

import (
	"log/slog"
	"math"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// DefaultPoolSize is the default byte budget for unused buffers.
const DefaultPoolSize int64 = 32 << 20

// Pool recycles unused buffers bucketed by byte size.
//
// Free buffers are kept in least-recently-freed order; when the byte budget is
// exceeded the oldest free buffers are discarded first. A buffer taken from
// the pool is reconfigured to the requested dimensions, so any free buffer
// with the same byte count can satisfy a request. Pool is safe for concurrent
// use.
type Pool struct {
	mu      sync.Mutex
	maxSize int64
	size    int64
	order   *simplelru.LRU[*Buffer, struct{}]
	buckets map[int][]*Buffer
	stats   PoolStats
	logger  *slog.Logger
}

// PoolStats reports pool activity counters.
type PoolStats struct {
	Hits      int64
	Misses    int64
	Puts      int64
	Rejected  int64
	Evictions int64
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolLogger sets the logger for pool diagnostics.
func WithPoolLogger(logger *slog.Logger) PoolOption {
	return func(p *Pool) {
		p.logger = logger
	}
}

// NewPool creates a pool holding at most maxSize bytes of free buffers.
// A maxSize <= 0 uses DefaultPoolSize.
func NewPool(maxSize int64, opts ...PoolOption) *Pool {
	if maxSize <= 0 {
		maxSize = DefaultPoolSize
	}
	p := &Pool{
		maxSize: maxSize,
		buckets: make(map[int][]*Buffer),
	}
	// Ordering only; the byte budget is enforced by trimToSize.
	order, err := simplelru.NewLRU[*Buffer, struct{}](math.MaxInt32, p.onRemove)
	if err != nil {
		panic(err) // only fails for non-positive sizes
	}
	p.order = order
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pool) log() *slog.Logger {
	if p.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return p.logger
}

// onRemove keeps buckets and byte accounting in sync with the LRU order.
// Called with p.mu held.
func (p *Pool) onRemove(buf *Buffer, _ struct{}) {
	n := buf.Capacity()
	bucket := p.buckets[n]
	for i, b := range bucket {
		if b == buf {
			bucket = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(bucket) == 0 {
		delete(p.buckets, n)
	} else {
		p.buckets[n] = bucket
	}
	p.size -= int64(n)
}

// Get returns a free buffer reconfigured to width×height in format f, or nil
// when none is available.
func (p *Pool) Get(width, height int, f Format) *Buffer {
	need := ByteCount(width, height, f)
	if need == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	bucket := p.buckets[need]
	if len(bucket) == 0 {
		p.stats.Misses++
		return nil
	}
	buf := bucket[len(bucket)-1]
	p.order.Remove(buf)
	p.stats.Hits++
	buf.Reconfigure(width, height, f)
	buf.Clear()
	return buf
}

// GetOrCreate returns a reusable buffer or allocates a new one.
func (p *Pool) GetOrCreate(width, height int, f Format) (*Buffer, error) {
	if buf := p.Get(width, height, f); buf != nil {
		return buf, nil
	}
	return New(width, height, f)
}

// Free offers buf back to the pool. It reports whether the buffer was kept;
// buffers larger than the whole budget are discarded.
func (p *Pool) Free(buf *Buffer) bool {
	if buf == nil || buf.Capacity() == 0 {
		return false
	}
	n := int64(buf.Capacity())

	p.mu.Lock()
	defer p.mu.Unlock()

	if n > p.maxSize {
		p.stats.Rejected++
		return false
	}
	if p.order.Contains(buf) {
		p.log().Warn("buffer freed twice", "bytes", n)
		return true
	}
	p.order.Add(buf, struct{}{})
	p.buckets[buf.Capacity()] = append(p.buckets[buf.Capacity()], buf)
	p.size += n
	p.stats.Puts++
	p.trimToSize(p.maxSize)
	return true
}

// trimToSize discards least-recently-freed buffers until size <= target.
// Called with p.mu held.
func (p *Pool) trimToSize(target int64) {
	for p.size > target {
		if _, _, ok := p.order.RemoveOldest(); !ok {
			return
		}
		p.stats.Evictions++
	}
}

// Trim responds to memory pressure.
func (p *Pool) Trim(level TrimLevel) {
	p.mu.Lock()
	defer p.mu.Unlock()

	before := p.size
	switch {
	case level.ClearsAll():
		p.trimToSize(0)
	case level.Halves():
		p.trimToSize(p.maxSize / 2)
	default:
		return
	}
	p.log().Debug("pool trimmed", "level", level.String(), "released", before-p.size)
}

// Clear discards every free buffer.
func (p *Pool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trimToSize(0)
}

// Size returns the bytes currently held by free buffers.
func (p *Pool) Size() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// MaxSize returns the configured byte budget.
func (p *Pool) MaxSize() int64 {
	return p.maxSize
}

// FreeCount returns the number of free buffers held.
func (p *Pool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.order.Len()
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
