package decode

import (
	"io"

	"github.com/rwcarlsen/goexif/exif"
)

const (
	exifScanLimit      = 64 << 10
	orientationDefault = 1
)

// readOrientation returns the EXIF orientation of a JPEG stream, or 1 when
// there is none. Only the metadata segments are read.
func readOrientation(r io.Reader) int {
	x, err := exif.Decode(io.LimitReader(r, exifScanLimit))
	if err != nil {
		return orientationDefault
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return orientationDefault
	}
	v, err := tag.Int(0)
	if err != nil || v < 1 || v > 8 {
		return orientationDefault
	}
	return v
}

// transposes reports whether orientation swaps width and height.
func transposes(orientation int) bool {
	return orientation >= 5 && orientation <= 8
}
