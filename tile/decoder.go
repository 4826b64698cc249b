package tile

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"

	"github.com/meigma/tessera/bitmap"
	"github.com/meigma/tessera/errs"
	"github.com/meigma/tessera/fetch"
)

// DefaultMaxIdleHandles is the default number of idle region handles kept.
const DefaultMaxIdleHandles = 4

// Decoder decodes tiles of one image source. It is safe for concurrent use;
// each concurrent decode uses its own region handle.
type Decoder struct {
	source  fetch.DataSource
	codec   RegionCodec
	pool    *bitmap.Pool
	format  bitmap.Format
	maxIdle int
	logger  *slog.Logger

	mu        sync.Mutex
	idle      []RegionHandle
	open      int
	destroyed bool
	failed    map[regionKey]struct{}
}

type regionKey struct {
	rect     image.Rectangle
	sampling int
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithFormat sets the pixel format of decoded tiles.
func WithFormat(f bitmap.Format) Option {
	return func(d *Decoder) {
		d.format = f
	}
}

// WithMaxIdleHandles bounds the idle handles kept for reuse.
func WithMaxIdleHandles(n int) Option {
	return func(d *Decoder) {
		d.maxIdle = n
	}
}

// WithDecoderLogger sets the logger for decoder diagnostics.
func WithDecoderLogger(logger *slog.Logger) Option {
	return func(d *Decoder) {
		d.logger = logger
	}
}

// NewDecoder creates a decoder over source. pool may be nil.
func NewDecoder(source fetch.DataSource, codec RegionCodec, pool *bitmap.Pool, opts ...Option) *Decoder {
	d := &Decoder{
		source:  source,
		codec:   codec,
		pool:    pool,
		maxIdle: DefaultMaxIdleHandles,
		failed:  make(map[regionKey]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Decoder) log() *slog.Logger {
	if d.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return d.logger
}

// Size returns the full-resolution image dimensions.
func (d *Decoder) Size(ctx context.Context) (image.Point, error) {
	h, err := d.acquire(ctx)
	if err != nil {
		return image.Point{}, errs.Decode("open region codec", err)
	}
	if h == nil {
		return image.Point{}, errors.New("tile: decoder destroyed")
	}
	defer d.release(h)
	return h.Size(), nil
}

// Failed reports whether decoding t failed permanently.
func (d *Decoder) Failed(t *Tile) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.failed[regionKey{t.Rect, t.Sampling}]
	return ok
}

// Decode decodes t. It returns (nil, nil) once the decoder is destroyed and
// the context error when ctx ends first; in both cases any buffer taken from
// the pool is returned to it.
func (d *Decoder) Decode(ctx context.Context, t *Tile) (*bitmap.Buffer, error) {
	key := regionKey{t.Rect, t.Sampling}
	d.mu.Lock()
	destroyed := d.destroyed
	_, failed := d.failed[key]
	d.mu.Unlock()
	if destroyed {
		return nil, nil
	}
	if failed {
		return nil, fmt.Errorf("%w: %s failed before", errs.ErrDecode, t)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h, err := d.acquire(ctx)
	if err != nil {
		return nil, errs.Decode("open region codec", err)
	}
	if h == nil {
		return nil, nil
	}
	defer d.release(h)

	w, ht := OutputSize(t.Rect, t.Sampling)
	reuse := d.reusable(w, ht)
	buf, err := h.DecodeRegion(ctx, t.Rect, t.Sampling, reuse)
	if errors.Is(err, bitmap.ErrReuseMismatch) {
		d.free(reuse)
		reuse = nil
		d.log().Debug("region reuse rejected, retrying without reuse", "tile", t.String(), "error", err)
		buf, err = h.DecodeRegion(ctx, t.Rect, t.Sampling, nil)
	}
	if err != nil {
		d.free(reuse)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errs.IsCanceled(err) {
			return nil, err
		}
		d.mu.Lock()
		d.failed[key] = struct{}{}
		d.mu.Unlock()
		return nil, errs.Decode("decode "+t.String(), err)
	}
	if buf != reuse {
		d.free(reuse)
	}

	if err := ctx.Err(); err != nil {
		d.free(buf)
		return nil, err
	}
	d.mu.Lock()
	destroyed = d.destroyed
	d.mu.Unlock()
	if destroyed {
		d.free(buf)
		return nil, nil
	}
	return buf, nil
}

// acquire returns an idle handle or opens a new one. It returns nil once the
// decoder is destroyed.
func (d *Decoder) acquire(ctx context.Context) (RegionHandle, error) {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return nil, nil
	}
	if n := len(d.idle); n > 0 {
		h := d.idle[n-1]
		d.idle = d.idle[:n-1]
		d.mu.Unlock()
		return h, nil
	}
	d.mu.Unlock()

	h, err := d.codec.Open(ctx, d.source)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		d.closeHandle(h)
		return nil, nil
	}
	d.open++
	d.mu.Unlock()
	return h, nil
}

// release returns h to the idle list, closing it when the decoder is
// destroyed or the list is full.
func (d *Decoder) release(h RegionHandle) {
	d.mu.Lock()
	if d.destroyed || len(d.idle) >= d.maxIdle {
		d.open--
		d.mu.Unlock()
		d.closeHandle(h)
		return
	}
	d.idle = append(d.idle, h)
	d.mu.Unlock()
}

func (d *Decoder) closeHandle(h RegionHandle) {
	if err := h.Close(); err != nil {
		d.log().Warn("close region handle", "error", err)
	}
}

func (d *Decoder) reusable(w, h int) *bitmap.Buffer {
	if d.pool == nil {
		return nil
	}
	return d.pool.Get(w, h, d.format)
}

func (d *Decoder) free(buf *bitmap.Buffer) {
	if d.pool == nil || buf == nil {
		return
	}
	d.pool.Free(buf)
}

// Destroy closes idle handles. Handles in use are closed when their decode
// returns, and every later Decode returns (nil, nil).
func (d *Decoder) Destroy() {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return
	}
	d.destroyed = true
	idle := d.idle
	d.idle = nil
	d.open -= len(idle)
	d.mu.Unlock()

	for _, h := range idle {
		d.closeHandle(h)
	}
	if err := d.source.Close(); err != nil {
		d.log().Warn("close tile source", "error", err)
	}
}

// OpenHandles returns the number of handles not yet closed.
func (d *Decoder) OpenHandles() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}
