package decode

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // register GIF
	_ "image/jpeg" // register JPEG
	_ "image/png"  // register PNG
	"log/slog"

	"github.com/disintegration/imageorient"
	_ "golang.org/x/image/bmp"  // register BMP
	_ "golang.org/x/image/tiff" // register TIFF
	_ "golang.org/x/image/webp" // register WebP

	"github.com/meigma/tessera/bitmap"
	"github.com/meigma/tessera/errs"
	"github.com/meigma/tessera/fetch"
	"github.com/meigma/tessera/request"
)

// StdFactory decodes JPEG, PNG, GIF, WebP, BMP and TIFF with the Go image
// codecs, applies EXIF orientation and resizes to the requested size.
type StdFactory struct {
	pool   *bitmap.Pool
	logger *slog.Logger
}

// Interface compliance.
var _ Factory = (*StdFactory)(nil)

// StdOption configures a StdFactory.
type StdOption func(*StdFactory)

// WithLogger sets the logger for decode diagnostics.
func WithLogger(logger *slog.Logger) StdOption {
	return func(f *StdFactory) {
		f.logger = logger
	}
}

// NewStdFactory creates a factory that reuses buffers from pool. A nil pool
// disables reuse.
func NewStdFactory(pool *bitmap.Pool, opts ...StdOption) *StdFactory {
	f := &StdFactory{pool: pool}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *StdFactory) log() *slog.Logger {
	if f.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return f.logger
}

// Create accepts data whose header matches a supported format.
func (f *StdFactory) Create(req request.Request, fr *fetch.Result) Decoder {
	header, err := fr.Header()
	if err != nil {
		return DecoderFunc(func(context.Context) (*Result, error) {
			return nil, errs.IO("read header", err)
		})
	}
	mimeType := Detect(header)
	if mimeType == "" {
		return nil
	}
	return &stdDecoder{factory: f, req: req, fr: fr, mimeType: mimeType}
}

type stdDecoder struct {
	factory  *StdFactory
	req      request.Request
	fr       *fetch.Result
	mimeType string
}

func (d *stdDecoder) Decode(ctx context.Context) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cfg, err := d.config()
	if err != nil {
		return nil, errs.Decode("read "+d.mimeType+" config", err)
	}
	info := ImageInfo{Width: cfg.Width, Height: cfg.Height, MimeType: d.mimeType, Orientation: orientationDefault}
	if d.mimeType == MimeJPEG && !d.req.IgnoreExifOrientation() {
		info.Orientation = d.orientation()
	}

	ow, oh := cfg.Width, cfg.Height
	if transposes(info.Orientation) {
		ow, oh = oh, ow
	}
	outW, outH := TargetSize(ow, oh, d.req)
	format := d.req.Format()
	reuse := d.factory.reusable(outW, outH, format)

	img, err := d.decodeImage()
	if err != nil {
		d.factory.free(reuse)
		return nil, errs.Decode("decode "+d.mimeType, err)
	}
	if err := ctx.Err(); err != nil {
		d.factory.free(reuse)
		return nil, err
	}

	var transformed []Transformed
	if info.Orientation != orientationDefault {
		transformed = append(transformed, Transformed(fmt.Sprintf("ExifOrientationTransformed(%d)", info.Orientation)))
	}
	b := img.Bounds()
	img, marker := resize(img, outW, outH, d.req)
	if marker != "" {
		transformed = append(transformed, marker)
	}
	if err := ctx.Err(); err != nil {
		d.factory.free(reuse)
		return nil, err
	}

	buf, err := d.factory.draw(reuse, img, format)
	if err != nil {
		return nil, errs.Decode("draw "+d.mimeType, err)
	}
	d.factory.log().Debug("decoded",
		"uri", d.req.URI(),
		"source", fmt.Sprintf("%dx%d", b.Dx(), b.Dy()),
		"output", fmt.Sprintf("%dx%d", buf.Width(), buf.Height()),
		"reused", buf == reuse)

	return &Result{Buffer: buf, Info: info, Transformed: transformed, From: d.fr.From}, nil
}

func (d *stdDecoder) config() (image.Config, error) {
	rc, err := d.fr.Source.Open()
	if err != nil {
		return image.Config{}, err
	}
	defer rc.Close()
	cfg, _, err := image.DecodeConfig(rc)
	return cfg, err
}

func (d *stdDecoder) orientation() int {
	rc, err := d.fr.Source.Open()
	if err != nil {
		return orientationDefault
	}
	defer rc.Close()
	return readOrientation(rc)
}

func (d *stdDecoder) decodeImage() (image.Image, error) {
	rc, err := d.fr.Source.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	if d.mimeType == MimeJPEG && !d.req.IgnoreExifOrientation() {
		img, _, err := imageorient.Decode(rc)
		return img, err
	}
	img, _, err := image.Decode(rc)
	return img, err
}

// reusable returns a pooled buffer for the predicted output, or nil.
func (f *StdFactory) reusable(w, h int, format bitmap.Format) *bitmap.Buffer {
	if f.pool == nil {
		return nil
	}
	return f.pool.Get(w, h, format)
}

func (f *StdFactory) free(buf *bitmap.Buffer) {
	if f.pool == nil || buf == nil {
		return
	}
	f.pool.Free(buf)
}

// draw copies img into reuse, retrying once with a fresh buffer when reuse
// does not fit. A rejected buffer goes back to the pool.
func (f *StdFactory) draw(reuse *bitmap.Buffer, img image.Image, format bitmap.Format) (*bitmap.Buffer, error) {
	if reuse != nil {
		err := reuse.Draw(img)
		if err == nil {
			return reuse, nil
		}
		f.free(reuse)
		if !errors.Is(err, bitmap.ErrReuseMismatch) {
			return nil, err
		}
		f.log().Debug("reuse buffer rejected, retrying without reuse", "error", err)
	}
	b := img.Bounds()
	buf, err := bitmap.New(b.Dx(), b.Dy(), format)
	if err != nil {
		return nil, err
	}
	if err := buf.Draw(img); err != nil {
		return nil, err
	}
	return buf, nil
}
