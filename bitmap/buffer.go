// Package bitmap provides decoded pixel buffers, a size-bucketed pool that
// recycles them, and a reference-counted wrapper that decides when a buffer
// may return to the pool.
//
// A [Buffer] is a plain rectangular grid of pixel samples. Buffers are
// expensive to allocate for large images, so decoders ask a [Pool] for a
// reusable buffer first and owners hand buffers back through [Pool.Free] or,
// more commonly, through a [Counted] whose three owner counters all drop to
// zero.
package bitmap

import (
	"errors"
	"fmt"
	"image"
	"image/draw"
)

// ErrReuseMismatch is returned when a reusable buffer cannot hold the decoded
// pixels. Callers release the rejected buffer and retry without reuse.
var ErrReuseMismatch = errors.New("bitmap: reuse buffer mismatch")

// Format identifies the pixel layout of a Buffer.
type Format uint8

// Supported pixel formats.
const (
	// FormatRGBA8888 stores four bytes per pixel, premultiplied alpha.
	FormatRGBA8888 Format = iota

	// FormatGray8 stores one luminance byte per pixel.
	FormatGray8
)

// BytesPerPixel returns the number of bytes one pixel occupies.
func (f Format) BytesPerPixel() int {
	switch f {
	case FormatGray8:
		return 1
	default:
		return 4
	}
}

// String returns the string representation of the format.
func (f Format) String() string {
	switch f {
	case FormatRGBA8888:
		return "RGBA_8888"
	case FormatGray8:
		return "GRAY_8"
	default:
		return "unknown"
	}
}

// ByteCount returns the bytes needed for a width×height buffer in format f.
func ByteCount(width, height int, f Format) int {
	if width <= 0 || height <= 0 {
		return 0
	}
	return width * height * f.BytesPerPixel()
}

// Buffer is a decoded pixel buffer.
//
// A Buffer may be reconfigured to different dimensions by the pool as long as
// its backing storage is large enough, mirroring how platform bitmaps are
// reused. Buffers are not safe for concurrent mutation.
type Buffer struct {
	width  int
	height int
	format Format
	pix    []byte
}

// New allocates a zeroed buffer.
func New(width, height int, f Format) (*Buffer, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("bitmap: invalid dimensions %dx%d", width, height)
	}
	return &Buffer{
		width:  width,
		height: height,
		format: f,
		pix:    make([]byte, ByteCount(width, height, f)),
	}, nil
}

// Width returns the width in pixels.
func (b *Buffer) Width() int { return b.width }

// Height returns the height in pixels.
func (b *Buffer) Height() int { return b.height }

// Format returns the pixel format.
func (b *Buffer) Format() Format { return b.format }

// Stride returns the row stride in bytes.
func (b *Buffer) Stride() int { return b.width * b.format.BytesPerPixel() }

// ByteCount returns the bytes used by the current configuration.
func (b *Buffer) ByteCount() int { return ByteCount(b.width, b.height, b.format) }

// Capacity returns the size of the backing storage in bytes.
func (b *Buffer) Capacity() int { return cap(b.pix) }

// Pix returns the pixel bytes for the current configuration.
func (b *Buffer) Pix() []byte { return b.pix[:b.ByteCount()] }

// Bounds returns the buffer rectangle anchored at the origin.
func (b *Buffer) Bounds() image.Rectangle { return image.Rect(0, 0, b.width, b.height) }

// Reconfigure changes the dimensions and format in place. It reports false
// when the backing storage is too small.
func (b *Buffer) Reconfigure(width, height int, f Format) bool {
	need := ByteCount(width, height, f)
	if need == 0 || need > cap(b.pix) {
		return false
	}
	b.width = width
	b.height = height
	b.format = f
	b.pix = b.pix[:need]
	return true
}

// Image returns a draw.Image view that shares the buffer's storage.
func (b *Buffer) Image() draw.Image {
	rect := b.Bounds()
	switch b.format {
	case FormatGray8:
		return &image.Gray{Pix: b.Pix(), Stride: b.Stride(), Rect: rect}
	default:
		return &image.RGBA{Pix: b.Pix(), Stride: b.Stride(), Rect: rect}
	}
}

// Draw copies src into the buffer. src must have exactly the buffer's
// dimensions, otherwise ErrReuseMismatch is returned and nothing is written.
func (b *Buffer) Draw(src image.Image) error {
	sb := src.Bounds()
	if sb.Dx() != b.width || sb.Dy() != b.height {
		return fmt.Errorf("%w: have %dx%d, need %dx%d", ErrReuseMismatch, b.width, b.height, sb.Dx(), sb.Dy())
	}
	draw.Draw(b.Image(), b.Bounds(), src, sb.Min, draw.Src)
	return nil
}

// Clear zeroes the pixel bytes.
func (b *Buffer) Clear() {
	clear(b.pix)
}
