// Package zpool keeps reusable zstd encoders and decoders.
package zpool

import (
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Pool manages reusable zstd encoders and decoders to reduce allocation
// overhead. A nil *Pool is valid and hands out one-off coders.
type Pool struct {
	encoders         sync.Pool
	decoders         sync.Pool
	level            zstd.EncoderLevel
	maxDecoderMemory uint64
}

// Option configures a Pool.
type Option func(*Pool)

// WithLevel sets the encoder compression level.
func WithLevel(level zstd.EncoderLevel) Option {
	return func(p *Pool) {
		p.level = level
	}
}

// WithMaxDecoderMemory bounds the memory a decoder may allocate. Zero
// applies no limit.
func WithMaxDecoderMemory(n uint64) Option {
	return func(p *Pool) {
		p.maxDecoderMemory = n
	}
}

// New creates a pool. Pixel data compresses well at the fastest level, which
// is the default.
func New(opts ...Option) *Pool {
	p := &Pool{level: zstd.SpeedFastest}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Encoder returns an encoder writing to w.
// The caller must Close the encoder to flush the frame and then call the
// returned release function. If an error is returned, no release function
// needs to be called.
func (p *Pool) Encoder(w io.Writer) (*zstd.Encoder, func(), error) {
	if p == nil {
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return nil, nil, err
		}
		return enc, func() {}, nil
	}
	if enc, ok := p.encoders.Get().(*zstd.Encoder); ok {
		enc.Reset(w)
		return enc, func() {
			enc.Reset(nil)
			p.encoders.Put(enc)
		}, nil
	}
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(p.level), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, nil, err
	}
	return enc, func() {
		enc.Reset(nil)
		p.encoders.Put(enc)
	}, nil
}

// Decoder returns a decoder configured to read from r.
// The caller must call the returned release function when done.
// If an error is returned, no release function needs to be called.
func (p *Pool) Decoder(r io.Reader) (*zstd.Decoder, func(), error) {
	if p == nil {
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return dec, dec.Close, nil
	}

	if dec, ok := p.decoders.Get().(*zstd.Decoder); ok {
		if err := dec.Reset(r); err == nil {
			return dec, p.putDecoder(dec), nil
		}
		// Reset failed, close this one and create new
		dec.Close()
	}

	dec, err := p.newDecoder(r)
	if err != nil {
		return nil, nil, err
	}
	return dec, p.putDecoder(dec), nil
}

func (p *Pool) putDecoder(dec *zstd.Decoder) func() {
	return func() {
		_ = dec.Reset(nil) //nolint:errcheck // clearing state before pool return
		p.decoders.Put(dec)
	}
}

// newDecoder creates a new zstd decoder with the configured memory limit.
func (p *Pool) newDecoder(r io.Reader) (*zstd.Decoder, error) {
	opts := []zstd.DOption{zstd.WithDecoderConcurrency(1)}
	if p.maxDecoderMemory > 0 {
		opts = append(opts, zstd.WithDecoderMaxMemory(p.maxDecoderMemory))
	}
	return zstd.NewReader(r, opts...)
}
