// Package decode turns fetched bytes into pixel buffers.
//
// A [Registry] holds an ordered list of [Factory] values. Each factory sniffs
// the fetched header bytes and declines, by returning nil, data it does not
// recognise; the first acceptance wins.
package decode

import (
	"context"
	"fmt"

	"github.com/meigma/tessera/bitmap"
	"github.com/meigma/tessera/errs"
	"github.com/meigma/tessera/fetch"
	"github.com/meigma/tessera/request"
)

// ImageInfo describes the source image.
type ImageInfo struct {
	// Width and Height are the stored dimensions, before orientation.
	Width  int
	Height int

	MimeType string

	// Orientation is the EXIF orientation tag, 1 through 8. It is 1 when
	// absent or ignored.
	Orientation int
}

// Transformed marks one mutation applied to a decoded buffer, for example
// "ResizeTransformed(100x80,LESS_PIXELS,CENTER)".
type Transformed string

// Result is a decoded image. Ownership of Buffer passes to the caller, who
// wraps it in a bitmap.Counted or frees it to the pool.
type Result struct {
	Buffer      *bitmap.Buffer
	Info        ImageInfo
	Transformed []Transformed
	From        fetch.DataFrom
}

// Decoder decodes one fetched result.
type Decoder interface {
	Decode(ctx context.Context) (*Result, error)
}

// Factory matches fetched data to decoders. Create returns nil when the
// data is not handled by this factory.
type Factory interface {
	Create(req request.Request, fr *fetch.Result) Decoder
}

// FactoryFunc adapts a function to a Factory.
type FactoryFunc func(req request.Request, fr *fetch.Result) Decoder

// Create calls f(req, fr).
func (f FactoryFunc) Create(req request.Request, fr *fetch.Result) Decoder { return f(req, fr) }

// DecoderFunc adapts a function to a Decoder.
type DecoderFunc func(ctx context.Context) (*Result, error)

// Decode calls f(ctx).
func (f DecoderFunc) Decode(ctx context.Context) (*Result, error) { return f(ctx) }

// Registry is an ordered list of factories. It is immutable once built.
type Registry struct {
	factories []Factory
}

// NewRegistry builds a registry trying factories in the given order.
func NewRegistry(factories ...Factory) *Registry {
	r := &Registry{}
	for _, f := range factories {
		if f != nil {
			r.factories = append(r.factories, f)
		}
	}
	return r
}

// Factories returns the factories in match order.
func (r *Registry) Factories() []Factory {
	return append([]Factory(nil), r.factories...)
}

// Create returns the decoder of the first matching factory.
func (r *Registry) Create(req request.Request, fr *fetch.Result) (Decoder, error) {
	for _, f := range r.factories {
		if d := f.Create(req, fr); d != nil {
			return d, nil
		}
	}
	header, _ := fr.Header()
	return nil, fmt.Errorf("%w: %s (header % x)", errs.ErrNoDecoder, req.URI(), header[:min(len(header), 8)])
}
