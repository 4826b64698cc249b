package tessera

import (
	"errors"

	"github.com/meigma/tessera/bitmap"
	"github.com/meigma/tessera/errs"
	"github.com/meigma/tessera/internal/resultcache"
)

// Errors re-exported from errs.
var (
	// ErrDepthLimit is returned when the request depth forbids the stage needed
	// to satisfy it.
	ErrDepthLimit = errs.ErrDepthLimit

	// ErrIO is returned for transport and disk failures.
	ErrIO = errs.ErrIO

	// ErrDecode is returned for corrupt or unsupported image data.
	ErrDecode = errs.ErrDecode

	// ErrCacheInstall is returned when a disk cache directory is unusable.
	ErrCacheInstall = errs.ErrCacheInstall

	// ErrNoFetcher is returned when no fetcher accepts the request URI.
	ErrNoFetcher = errs.ErrNoFetcher

	// ErrNoDecoder is returned when no decoder accepts the fetched data.
	ErrNoDecoder = errs.ErrNoDecoder

	// ErrInvalidRequest is returned for malformed requests.
	ErrInvalidRequest = errs.ErrInvalidRequest
)

// Errors re-exported from bitmap.
var (
	// ErrCounterUnderflow is returned when a reference is released twice.
	ErrCounterUnderflow = bitmap.ErrCounterUnderflow

	// ErrRecycled is returned when a reference is taken on a recycled buffer.
	ErrRecycled = bitmap.ErrRecycled
)

// ErrCorruptResult is returned when a result cache entry cannot be read.
var ErrCorruptResult = resultcache.ErrCorrupt

// ErrClosed is returned by operations on a closed Engine.
var ErrClosed = errors.New("tessera: engine closed")

// StageError records which pipeline stage failed for which request.
type StageError = errs.StageError

// IsCanceled reports whether err is a cancellation rather than a failure.
func IsCanceled(err error) bool { return errs.IsCanceled(err) }
