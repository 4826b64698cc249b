package tessera

import (
	"image"
	"sync/atomic"

	"github.com/meigma/tessera/bitmap"
	"github.com/meigma/tessera/decode"
	"github.com/meigma/tessera/fetch"
)

// Result is a loaded image. It holds one display reference on its buffer
// until Release is called.
type Result struct {
	// Key is the request cache key.
	Key string

	// Info describes the source image.
	Info decode.ImageInfo

	// Transformed lists the mutations applied while decoding, in order.
	Transformed []decode.Transformed

	// From records where the pixels came from.
	From fetch.DataFrom

	counted  *bitmap.Counted
	released atomic.Bool
}

func newResult(key string, c *bitmap.Counted, meta imageMeta, from fetch.DataFrom) *Result {
	return &Result{
		Key:         key,
		Info:        meta.info,
		Transformed: meta.transformed,
		From:        from,
		counted:     c,
	}
}

// Counted returns the shared reference-counted buffer.
func (r *Result) Counted() *bitmap.Counted { return r.counted }

// Buffer returns the pixels, or nil after Release.
func (r *Result) Buffer() *bitmap.Buffer {
	if r.released.Load() {
		return nil
	}
	return r.counted.Buffer()
}

// Image returns the pixels as an image, or nil after Release.
func (r *Result) Image() image.Image {
	buf := r.Buffer()
	if buf == nil {
		return nil
	}
	return buf.Image()
}

// Release drops the display reference. Calls after the first return nil.
func (r *Result) Release() error {
	if !r.released.CompareAndSwap(false, true) {
		return nil
	}
	return r.counted.DecDisplayed()
}
