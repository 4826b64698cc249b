// Package tile decodes very large images as a grid of independently loaded
// regions.
//
// [Layout] computes, for every sub-sampling level, a fixed list of tile
// rectangles that partition the image. A [Decoder] turns one tile into a
// pixel buffer using a pool of [RegionHandle] values, and a [Manager] decides
// which tiles to load and free as the viewport pans and zooms.
package tile

import (
	"fmt"
	"image"

	"github.com/meigma/tessera/bitmap"
)

// State is the lifecycle state of one tile.
type State uint8

// Tile states.
const (
	// Unloaded tiles have never been requested.
	Unloaded State = iota

	// Loading tiles have a decode job in flight.
	Loading

	// Resolved tiles hold a decoded buffer.
	Resolved

	// Freed tiles were loaded or loading and have been released.
	Freed

	// Failed tiles cannot be decoded and are not requested again.
	Failed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Resolved:
		return "resolved"
	case Freed:
		return "freed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Tile is one region of the image at one sampling level.
//
// Rect and Sampling never change. The remaining fields are owned by the
// Manager and guarded by its lock.
type Tile struct {
	// Rect is the source rectangle in full-resolution image coordinates.
	Rect image.Rectangle

	// Sampling is the sub-sampling factor, a power of two.
	Sampling int

	state   State
	counted *bitmap.Counted
	cancel  func()
	gen     uint64
}

// New returns an unloaded tile.
func New(rect image.Rectangle, sampling int) *Tile {
	return &Tile{Rect: rect, Sampling: sampling}
}

func (t *Tile) String() string {
	return fmt.Sprintf("tile(%d,%d,%d,%d@%d)", t.Rect.Min.X, t.Rect.Min.Y, t.Rect.Max.X, t.Rect.Max.Y, t.Sampling)
}

// Snapshot is a point-in-time view of a tile handed to renderers.
type Snapshot struct {
	Rect     image.Rectangle
	Sampling int
	State    State

	// Buffer is set for resolved tiles. Renderers may read its pixels until
	// a later notification reports the tile freed.
	Buffer *bitmap.Counted
}

func (t *Tile) snapshot() Snapshot {
	return Snapshot{Rect: t.Rect, Sampling: t.Sampling, State: t.state, Buffer: t.counted}
}

// OutputSize returns the decoded dimensions of rect at sampling.
func OutputSize(rect image.Rectangle, sampling int) (int, int) {
	sampling = max(sampling, 1)
	return ceilDiv(rect.Dx(), sampling), ceilDiv(rect.Dy(), sampling)
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// Layout computes the tile grid of an image.
//
// Level 1 covers the image with tiles of at most tileMax source pixels; each
// following level doubles the sampling factor, so a tile covers tileMax times
// sampling source pixels and decodes to at most tileMax pixels. Levels stop
// once a single tile covers the image. Within a level the rectangles
// partition the image, clipped at its right and bottom edges.
func Layout(imageSize, tileMax image.Point) map[int][]image.Rectangle {
	levels := make(map[int][]image.Rectangle)
	if imageSize.X <= 0 || imageSize.Y <= 0 || tileMax.X <= 0 || tileMax.Y <= 0 {
		return levels
	}
	bounds := image.Rectangle{Max: imageSize}
	for sampling := 1; ; sampling *= 2 {
		tw, th := tileMax.X*sampling, tileMax.Y*sampling
		cols, rows := ceilDiv(imageSize.X, tw), ceilDiv(imageSize.Y, th)
		rects := make([]image.Rectangle, 0, cols*rows)
		for row := range rows {
			for col := range cols {
				r := image.Rect(col*tw, row*th, (col+1)*tw, (row+1)*th)
				rects = append(rects, r.Intersect(bounds))
			}
		}
		levels[sampling] = rects
		if cols == 1 && rows == 1 {
			return levels
		}
	}
}
