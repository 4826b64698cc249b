// Package resultcache persists decoded buffers in a disk cache so a later
// request with the same cache key skips fetching and decoding.
//
// Entry layout:
//
//	magic "TSRC" | uint32 LE header length | FlatBuffers ResultHeader | zstd(pixels)
package resultcache

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"

	flatbuffers "github.com/google/flatbuffers/go"

	"github.com/meigma/tessera/bitmap"
	"github.com/meigma/tessera/cache/disk"
	"github.com/meigma/tessera/decode"
	"github.com/meigma/tessera/errs"
	"github.com/meigma/tessera/fetch"
	"github.com/meigma/tessera/internal/fb"
	"github.com/meigma/tessera/internal/zpool"
)

const (
	magic         = "TSRC"
	headerVersion = 1

	// maxHeaderSize bounds the FlatBuffers table read before the pixels.
	maxHeaderSize = 64 << 10
)

// ErrCorrupt is returned for entries that fail validation.
var ErrCorrupt = errors.New("resultcache: corrupt entry")

// Store reads and writes decoded results.
type Store struct {
	disk   *disk.Cache
	pool   *bitmap.Pool
	zstd   *zpool.Pool
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for store diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithZstd sets the coder pool used for pixel payloads.
func WithZstd(p *zpool.Pool) Option {
	return func(s *Store) {
		s.zstd = p
	}
}

// New creates a store over c. Buffers for cache hits come from pool, which
// may be nil.
func New(c *disk.Cache, pool *bitmap.Pool, opts ...Option) *Store {
	s := &Store{disk: c, pool: pool}
	for _, opt := range opts {
		opt(s)
	}
	if s.zstd == nil {
		s.zstd = zpool.New()
	}
	return s
}

func (s *Store) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

// Disk returns the underlying disk cache.
func (s *Store) Disk() *disk.Cache { return s.disk }

// Get returns the result stored under the logical cache key, or nil on a
// miss. Corrupt entries are removed and reported as misses.
func (s *Store) Get(ctx context.Context, cacheKey string) (*decode.Result, error) {
	key := disk.EncodeKey(cacheKey)
	snap, err := s.disk.Get(key)
	if err != nil {
		return nil, errs.IO("result cache get", err)
	}
	if snap == nil {
		return nil, nil
	}
	defer snap.Close()

	res, err := s.read(ctx, snap.NewReader())
	if err != nil {
		if errs.IsCanceled(err) {
			return nil, err
		}
		s.log().Warn("dropping unreadable result cache entry", "key", cacheKey, "error", err)
		if _, rerr := s.disk.Remove(key); rerr != nil {
			s.log().Warn("remove result cache entry", "key", cacheKey, "error", rerr)
		}
		return nil, nil
	}
	return res, nil
}

func (s *Store) read(ctx context.Context, r io.Reader) (*decode.Result, error) {
	var prefix [8]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("%w: prefix: %w", ErrCorrupt, err)
	}
	if string(prefix[:4]) != magic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	n := binary.LittleEndian.Uint32(prefix[4:])
	if n == 0 || n > maxHeaderSize {
		return nil, fmt.Errorf("%w: header length %d", ErrCorrupt, n)
	}
	raw := make([]byte, n)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("%w: header: %w", ErrCorrupt, err)
	}
	h, err := parseHeader(raw)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	buf, err := s.allocate(h)
	if err != nil {
		return nil, err
	}

	dec, release, err := s.zstd.Decoder(r)
	if err != nil {
		s.free(buf)
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	defer release()
	if _, err := io.ReadFull(dec, buf.Pix()); err != nil {
		s.free(buf)
		return nil, fmt.Errorf("%w: pixels: %w", ErrCorrupt, err)
	}
	if err := ctx.Err(); err != nil {
		s.free(buf)
		return nil, err
	}

	return &decode.Result{
		Buffer: buf,
		Info: decode.ImageInfo{
			Width:       int(h.SourceWidth()),
			Height:      int(h.SourceHeight()),
			MimeType:    string(h.MimeType()),
			Orientation: int(h.Orientation()),
		},
		Transformed: transformed(h),
		From:        fetch.FromResultCache,
	}, nil
}

// parseHeader validates the table; FlatBuffers accessors panic on
// malformed offsets.
func parseHeader(raw []byte) (h *fb.ResultHeader, err error) {
	defer func() {
		if r := recover(); r != nil {
			h, err = nil, fmt.Errorf("%w: header table: %v", ErrCorrupt, r)
		}
	}()
	h = fb.GetRootAsResultHeader(raw, 0)
	if v := h.Version(); v != headerVersion {
		return nil, fmt.Errorf("%w: header version %d", ErrCorrupt, v)
	}
	w, ht, f := int(h.Width()), int(h.Height()), bitmap.Format(h.Format())
	if w <= 0 || ht <= 0 {
		return nil, fmt.Errorf("%w: dimensions %dx%d", ErrCorrupt, w, ht)
	}
	if h.PixelSize() != uint64(bitmap.ByteCount(w, ht, f)) {
		return nil, fmt.Errorf("%w: pixel size %d for %dx%d %s", ErrCorrupt, h.PixelSize(), w, ht, f)
	}
	_ = transformed(h)
	return h, nil
}

func transformed(h *fb.ResultHeader) []decode.Transformed {
	n := h.TransformedLength()
	if n == 0 {
		return nil
	}
	out := make([]decode.Transformed, n)
	for i := range n {
		out[i] = decode.Transformed(h.Transformed(i))
	}
	return out
}

func (s *Store) allocate(h *fb.ResultHeader) (*bitmap.Buffer, error) {
	w, ht, f := int(h.Width()), int(h.Height()), bitmap.Format(h.Format())
	if s.pool != nil {
		return s.pool.GetOrCreate(w, ht, f)
	}
	return bitmap.New(w, ht, f)
}

func (s *Store) free(buf *bitmap.Buffer) {
	if s.pool != nil {
		s.pool.Free(buf)
	}
}

// Put stores res under the logical cache key. It does nothing when another
// write for the key is in progress.
func (s *Store) Put(cacheKey string, res *decode.Result) error {
	if res == nil || res.Buffer == nil {
		return nil
	}
	key := disk.EncodeKey(cacheKey)
	ed, err := s.disk.Edit(key)
	if err != nil {
		return errs.IO("result cache edit", err)
	}
	if ed == nil {
		return nil
	}

	if err := s.write(ed, res); err != nil {
		if aerr := ed.Abort(); aerr != nil {
			s.log().Warn("abort result cache edit", "key", cacheKey, "error", aerr)
		}
		return errs.IO("result cache write", err)
	}
	if err := ed.Commit(); err != nil {
		return errs.IO("result cache commit", err)
	}
	s.log().Debug("result cached", "key", cacheKey, "bytes", ed.Written())
	return nil
}

func (s *Store) write(w io.Writer, res *decode.Result) error {
	header := buildHeader(res)
	var prefix bytes.Buffer
	prefix.WriteString(magic)
	_ = binary.Write(&prefix, binary.LittleEndian, uint32(len(header))) //nolint:gosec // header is bounded by the builder
	if _, err := w.Write(prefix.Bytes()); err != nil {
		return err
	}
	if _, err := w.Write(header); err != nil {
		return err
	}

	enc, release, err := s.zstd.Encoder(w)
	if err != nil {
		return err
	}
	defer release()
	if _, err := enc.Write(res.Buffer.Pix()); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

func buildHeader(res *decode.Result) []byte {
	builder := flatbuffers.NewBuilder(256)

	mimeOffset := builder.CreateString(res.Info.MimeType)

	offsets := make([]flatbuffers.UOffsetT, len(res.Transformed))
	for i := len(res.Transformed) - 1; i >= 0; i-- {
		offsets[i] = builder.CreateString(string(res.Transformed[i]))
	}
	fb.ResultHeaderStartTransformedVector(builder, len(offsets))
	for i := len(offsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(offsets[i])
	}
	transformedOffset := builder.EndVector(len(offsets))

	buf := res.Buffer
	fb.ResultHeaderStart(builder)
	fb.ResultHeaderAddVersion(builder, headerVersion)
	fb.ResultHeaderAddWidth(builder, int32(buf.Width()))   //nolint:gosec // buffer dimensions fit int32
	fb.ResultHeaderAddHeight(builder, int32(buf.Height())) //nolint:gosec // buffer dimensions fit int32
	fb.ResultHeaderAddFormat(builder, byte(buf.Format()))
	fb.ResultHeaderAddMimeType(builder, mimeOffset)
	fb.ResultHeaderAddSourceWidth(builder, int32(res.Info.Width))   //nolint:gosec // image dimensions fit int32
	fb.ResultHeaderAddSourceHeight(builder, int32(res.Info.Height)) //nolint:gosec // image dimensions fit int32
	fb.ResultHeaderAddOrientation(builder, byte(res.Info.Orientation))
	fb.ResultHeaderAddTransformed(builder, transformedOffset)
	fb.ResultHeaderAddPixelSize(builder, uint64(buf.ByteCount())) //nolint:gosec // byte counts are non-negative
	fb.FinishResultHeaderBuffer(builder, fb.ResultHeaderEnd(builder))
	return builder.FinishedBytes()
}

// Remove drops the entry for the logical cache key.
func (s *Store) Remove(cacheKey string) error {
	if _, err := s.disk.Remove(disk.EncodeKey(cacheKey)); err != nil {
		return errs.IO("result cache remove", err)
	}
	return nil
}
