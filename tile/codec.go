package tile

import (
	"context"
	"errors"
	"image"

	"github.com/disintegration/imageorient"
	"github.com/disintegration/imaging"

	"github.com/meigma/tessera/bitmap"
	"github.com/meigma/tessera/fetch"
)

// RegionCodec opens region-capable decoding handles over an image source.
// Opening is expensive, so the Decoder pools handles.
type RegionCodec interface {
	Open(ctx context.Context, src fetch.DataSource) (RegionHandle, error)
}

// RegionHandle decodes sub-rectangles of one image. A handle is used by one
// goroutine at a time.
type RegionHandle interface {
	// Size returns the full-resolution image dimensions.
	Size() image.Point

	// DecodeRegion decodes rect at the sub-sampling factor. When reuse is
	// non-nil the pixels must be written into it, or bitmap.ErrReuseMismatch
	// returned when it cannot hold them.
	DecodeRegion(ctx context.Context, rect image.Rectangle, sampling int, reuse *bitmap.Buffer) (*bitmap.Buffer, error)

	Close() error
}

var errEmptyRegion = errors.New("tile: region outside image")

// StdRegionCodec decodes the whole image once per handle and serves regions
// from memory, downsampling with a box filter.
type StdRegionCodec struct {
	// Format is the pixel format of decoded regions.
	Format bitmap.Format
}

// Interface compliance.
var _ RegionCodec = StdRegionCodec{}

// Open decodes the source, applying EXIF orientation.
func (c StdRegionCodec) Open(ctx context.Context, src fetch.DataSource) (RegionHandle, error) {
	rc, err := src.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	img, _, err := imageorient.Decode(rc)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &stdHandle{img: img, format: c.Format}, nil
}

type stdHandle struct {
	img    image.Image
	format bitmap.Format
}

func (h *stdHandle) Size() image.Point { return h.img.Bounds().Size() }

func (h *stdHandle) DecodeRegion(ctx context.Context, rect image.Rectangle, sampling int, reuse *bitmap.Buffer) (*bitmap.Buffer, error) {
	b := h.img.Bounds()
	r := rect.Add(b.Min).Intersect(b)
	if r.Empty() {
		return nil, errEmptyRegion
	}
	var out image.Image = imaging.Crop(h.img, r)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w, ht := OutputSize(r, sampling)
	if sampling > 1 {
		out = imaging.Resize(out, w, ht, imaging.Box)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	if reuse != nil {
		if err := reuse.Draw(out); err != nil {
			return nil, err
		}
		return reuse, nil
	}
	buf, err := bitmap.New(w, ht, h.format)
	if err != nil {
		return nil, err
	}
	if err := buf.Draw(out); err != nil {
		return nil, err
	}
	return buf, nil
}

func (h *stdHandle) Close() error {
	h.img = nil
	return nil
}
