// Package fetch resolves request URIs to byte sources.
//
// A [Registry] holds an ordered list of [Factory] values; the first factory
// whose Create returns a non-nil [Fetcher] handles the request. Create is a
// pure match on the URI and never performs I/O.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/meigma/tessera/errs"
	"github.com/meigma/tessera/request"
)

// HeaderSize is the number of leading bytes exposed by Result.Header.
const HeaderSize = 32

// DataFrom records where bytes or pixels came from.
type DataFrom uint8

// Provenance tags.
const (
	FromNetwork DataFrom = iota
	FromDownloadCache
	FromResultCache
	FromLocal
	FromMemory
	FromMemoryCache
)

// String returns the string representation of the provenance.
func (d DataFrom) String() string {
	switch d {
	case FromNetwork:
		return "NETWORK"
	case FromDownloadCache:
		return "DOWNLOAD_CACHE"
	case FromResultCache:
		return "RESULT_CACHE"
	case FromLocal:
		return "LOCAL"
	case FromMemory:
		return "MEMORY"
	case FromMemoryCache:
		return "MEMORY_CACHE"
	default:
		return "unknown"
	}
}

// Result is the outcome of a fetch. It is consumed once by a decoder and then
// closed.
type Result struct {
	Source   DataSource
	From     DataFrom
	MimeType string

	headerOnce sync.Once
	header     []byte
	headerErr  error
}

// NewResult builds a Result over src.
func NewResult(src DataSource, mimeType string) *Result {
	return &Result{Source: src, From: src.From(), MimeType: mimeType}
}

// Header returns up to HeaderSize leading bytes of the source, reading them
// once.
func (r *Result) Header() ([]byte, error) {
	r.headerOnce.Do(func() {
		rc, err := r.Source.Open()
		if err != nil {
			r.headerErr = err
			return
		}
		defer rc.Close()
		buf := make([]byte, HeaderSize)
		n, err := io.ReadFull(rc, buf)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			r.headerErr = err
			return
		}
		r.header = buf[:n]
	})
	return r.header, r.headerErr
}

// Close releases the source.
func (r *Result) Close() error {
	if r == nil || r.Source == nil {
		return nil
	}
	return r.Source.Close()
}

// Fetcher produces a Result for one request.
type Fetcher interface {
	Fetch(ctx context.Context) (*Result, error)
}

// Factory matches requests to fetchers. Create returns nil when the request
// is not handled by this factory.
type Factory interface {
	Create(req request.Request) Fetcher
}

// FactoryFunc adapts a function to a Factory.
type FactoryFunc func(req request.Request) Fetcher

// Create calls f(req).
func (f FactoryFunc) Create(req request.Request) Fetcher { return f(req) }

// FetcherFunc adapts a function to a Fetcher.
type FetcherFunc func(ctx context.Context) (*Result, error)

// Fetch calls f(ctx).
func (f FetcherFunc) Fetch(ctx context.Context) (*Result, error) { return f(ctx) }

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

// Create returns the fetcher of the first matching factory.
func (r *Registry) Create(req request.Request) (Fetcher, error) {
	for _, f := range r.factories {
		if fetcher := f.Create(req); fetcher != nil {
			return fetcher, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", errs.ErrNoFetcher, req.URI())
}
