package tile

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/meigma/tessera/bitmap"
	"github.com/meigma/tessera/cache"
	"github.com/meigma/tessera/errs"
)

// DefaultConcurrency is the default number of concurrent tile decodes.
const DefaultConcurrency = 4

// Viewport describes what the renderer shows.
type Viewport struct {
	// Scale is displayed pixels per source pixel; 0.25 shows the image at a
	// quarter of its size.
	Scale float64

	// Visible is the visible area in full-resolution image coordinates.
	Visible image.Rectangle
}

// Manager loads and frees tiles of one image as the viewport changes.
//
// Images that fit in a single tile at full resolution have no grid: Refresh
// does nothing and the caller shows the whole-image decode instead. All
// state transitions happen under one lock that is never held across I/O;
// decodes run on separate goroutines bounded by a weighted semaphore.
type Manager struct {
	key       string
	imageSize image.Point
	tileMax   image.Point
	decoder   *Decoder
	cache     cache.MemoryCache
	pool      *bitmap.Pool
	sem       *semaphore.Weighted
	logger    *slog.Logger

	mu        sync.Mutex
	levels    map[int][]*Tile
	samplings []int
	sampling  int
	listeners map[int]func(Snapshot)
	nextID    int
	destroyed bool
	wg        sync.WaitGroup
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithConcurrency bounds concurrent tile decodes.
func WithConcurrency(n int64) ManagerOption {
	return func(m *Manager) {
		m.sem = semaphore.NewWeighted(max(n, 1))
	}
}

// WithLogger sets the logger for manager diagnostics.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager builds the tile grid for an image of imageSize. key identifies
// the image in the memory cache, which may be nil.
func NewManager(key string, imageSize, tileMax image.Point, decoder *Decoder, memoryCache cache.MemoryCache, pool *bitmap.Pool, opts ...ManagerOption) *Manager {
	m := &Manager{
		key:       key,
		imageSize: imageSize,
		tileMax:   tileMax,
		decoder:   decoder,
		cache:     memoryCache,
		pool:      pool,
		sem:       semaphore.NewWeighted(DefaultConcurrency),
		levels:    make(map[int][]*Tile),
		listeners: make(map[int]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(m)
	}

	layout := Layout(imageSize, tileMax)
	if len(layout) > 1 {
		for sampling, rects := range layout {
			tiles := make([]*Tile, len(rects))
			for i, r := range rects {
				tiles[i] = New(r, sampling)
			}
			m.levels[sampling] = tiles
			m.samplings = append(m.samplings, sampling)
		}
		slices.Sort(m.samplings)
	}
	return m
}

func (m *Manager) log() *slog.Logger {
	if m.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return m.logger
}

// HasTiles reports whether the image needs a tile grid.
func (m *Manager) HasTiles() bool {
	return len(m.samplings) > 0
}

// Samplings returns the sampling levels from finest to coarsest.
func (m *Manager) Samplings() []int {
	return slices.Clone(m.samplings)
}

// Sampling returns the level chosen by the last Refresh, or 0.
func (m *Manager) Sampling() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sampling
}

// SamplingFor returns the level used at scale: the largest power of two not
// above 1/scale, clamped to the grid.
func (m *Manager) SamplingFor(scale float64) int {
	if !m.HasTiles() {
		return 1
	}
	coarsest := m.samplings[len(m.samplings)-1]
	if scale <= 0 {
		return coarsest
	}
	s := 1
	for float64(s*2) <= 1/scale && s < coarsest {
		s *= 2
	}
	return s
}

// Refresh loads the tiles around the viewport at the level implied by its
// scale and frees every other tile. Decodes run in the background; ctx
// values are kept but its cancellation does not stop them.
func (m *Manager) Refresh(ctx context.Context, vp Viewport) {
	m.mu.Lock()
	if m.destroyed || !m.HasTiles() {
		m.mu.Unlock()
		return
	}
	sampling := m.SamplingFor(vp.Scale)
	m.sampling = sampling
	load := m.loadRect(vp.Visible, sampling)

	var changed []Snapshot
	for s, tiles := range m.levels {
		for _, t := range tiles {
			if s == sampling && t.Rect.Overlaps(load) {
				if t.state == Loading || t.state == Resolved || t.state == Failed {
					continue
				}
				m.startLocked(ctx, t)
			} else if !m.freeLocked(t) {
				continue
			}
			changed = append(changed, t.snapshot())
		}
	}
	listeners := m.listenersLocked()
	m.mu.Unlock()

	notify(listeners, changed)
}

// loadRect expands visible by half a tile on each side, clipped to the image.
func (m *Manager) loadRect(visible image.Rectangle, sampling int) image.Rectangle {
	dx, dy := m.tileMax.X*sampling/2, m.tileMax.Y*sampling/2
	r := image.Rect(visible.Min.X-dx, visible.Min.Y-dy, visible.Max.X+dx, visible.Max.Y+dy)
	return r.Intersect(image.Rectangle{Max: m.imageSize})
}

func (m *Manager) tileKey(t *Tile) string {
	r := t.Rect
	return fmt.Sprintf("%s?_tile=%d,%d,%d,%d&_sampling=%d", m.key, r.Min.X, r.Min.Y, r.Max.X, r.Max.Y, t.Sampling)
}

// startLocked resolves t from the memory cache or schedules its decode.
// Called with m.mu held.
func (m *Manager) startLocked(ctx context.Context, t *Tile) {
	key := m.tileKey(t)
	if m.cache != nil {
		if c := m.cache.Get(key); c != nil && c.IncDisplayed() == nil {
			t.counted = c
			t.state = Resolved
			return
		}
	}

	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.gen++
	t.state = Loading
	t.cancel = cancel
	gen := t.gen

	m.wg.Add(1)
	go m.load(jobCtx, t, gen, key)
}

func (m *Manager) load(ctx context.Context, t *Tile, gen uint64, key string) {
	defer m.wg.Done()

	buf, err := m.decode(ctx, t)

	m.mu.Lock()
	if t.gen != gen || t.state != Loading {
		// Freed or restarted while decoding.
		m.mu.Unlock()
		m.free(buf)
		return
	}
	t.cancel()
	t.cancel = nil
	switch {
	case err != nil && m.decoder.Failed(t):
		t.state = Failed
		m.log().Warn("tile decode failed", "key", m.key, "tile", t.String(), "error", err)
	case err != nil || buf == nil:
		t.state = Unloaded
		if err != nil && !errs.IsCanceled(err) {
			m.log().Warn("tile decode failed, will retry", "key", m.key, "tile", t.String(), "error", err)
		}
	default:
		c := bitmap.NewCounted(key, buf, m.pool)
		if err := c.IncDisplayed(); err != nil {
			m.log().Error("take tile display reference", "tile", t.String(), "error", err)
		}
		if m.cache != nil {
			m.cache.Put(key, c)
		}
		t.counted = c
		t.state = Resolved
	}
	snap := t.snapshot()
	listeners := m.listenersLocked()
	m.mu.Unlock()

	notify(listeners, []Snapshot{snap})
}

func (m *Manager) decode(ctx context.Context, t *Tile) (*bitmap.Buffer, error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer m.sem.Release(1)
	return m.decoder.Decode(ctx, t)
}

func (m *Manager) free(buf *bitmap.Buffer) {
	if m.pool != nil && buf != nil {
		m.pool.Free(buf)
	}
}

// freeLocked cancels any decode of t and drops its display reference. It
// reports whether t changed state. Called with m.mu held.
func (m *Manager) freeLocked(t *Tile) bool {
	switch t.state {
	case Loading:
		t.cancel()
		t.cancel = nil
		t.gen++
	case Resolved:
		if err := t.counted.DecDisplayed(); err != nil {
			m.log().Error("release tile display reference", "tile", t.String(), "error", err)
		}
		t.counted = nil
	default:
		return false
	}
	t.state = Freed
	return true
}

// Tiles returns the resolved tiles of the current level in grid order.
func (m *Manager) Tiles() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Snapshot
	for _, t := range m.levels[m.sampling] {
		if t.state == Resolved {
			out = append(out, t.snapshot())
		}
	}
	return out
}

// All returns every tile of every level, finest level first.
func (m *Manager) All() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Snapshot
	for _, s := range m.samplings {
		for _, t := range m.levels[s] {
			out = append(out, t.snapshot())
		}
	}
	return out
}

// OnTileChanged registers fn for tile state changes and returns a function
// that unregisters it. fn runs without the manager lock held.
func (m *Manager) OnTileChanged(fn func(Snapshot)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

func (m *Manager) listenersLocked() []func(Snapshot) {
	out := make([]func(Snapshot), 0, len(m.listeners))
	for id := range m.nextID {
		if fn, ok := m.listeners[id]; ok {
			out = append(out, fn)
		}
	}
	return out
}

func notify(listeners []func(Snapshot), changed []Snapshot) {
	for _, snap := range changed {
		for _, fn := range listeners {
			fn(snap)
		}
	}
}

// FreeAll frees every tile, keeping the grid for later refreshes.
func (m *Manager) FreeAll() {
	m.mu.Lock()
	changed := m.freeAllLocked()
	listeners := m.listenersLocked()
	m.mu.Unlock()

	notify(listeners, changed)
}

// freeAllLocked frees every tile and returns the ones that changed. Called
// with m.mu held.
func (m *Manager) freeAllLocked() []Snapshot {
	var changed []Snapshot
	for _, s := range m.samplings {
		for _, t := range m.levels[s] {
			if m.freeLocked(t) {
				changed = append(changed, t.snapshot())
			}
		}
	}
	return changed
}

// Destroy frees every tile, destroys the decoder and waits for in-flight
// decodes to observe cancellation. The manager is unusable afterwards.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	changed := m.freeAllLocked()
	listeners := m.listenersLocked()
	clear(m.listeners)
	m.mu.Unlock()

	notify(listeners, changed)
	m.decoder.Destroy()
	m.wg.Wait()
}
