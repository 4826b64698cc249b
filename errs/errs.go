// Package errs defines the error taxonomy shared by every pipeline stage.
//
// Stages return errors that wrap one of the sentinels below so callers can
// classify failures with errors.Is regardless of which fetcher, decoder or
// cache produced them. Cancellation is deliberately not a sentinel here:
// cancelled work surfaces the context error and [IsCanceled] recognises it.
package errs

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for pipeline stages.
var (
	// ErrDepthLimit is returned when the request depth forbids reaching the
	// stage needed to satisfy it (for example network access is disallowed and
	// no cached copy exists). Relaxing the depth and retrying can succeed.
	ErrDepthLimit = errors.New("tessera: depth limit")

	// ErrIO is returned for transport and disk failures.
	ErrIO = errors.New("tessera: io error")

	// ErrDecode is returned for corrupt or unsupported image data.
	ErrDecode = errors.New("tessera: decode error")

	// ErrCacheInstall is returned when a disk cache directory is unusable.
	ErrCacheInstall = errors.New("tessera: cache install failed")

	// ErrNoFetcher is returned when no registered fetcher accepts a URI.
	ErrNoFetcher = errors.New("tessera: no fetcher for uri")

	// ErrNoDecoder is returned when no registered decoder accepts the data.
	ErrNoDecoder = errors.New("tessera: no decoder for data")

	// ErrInvalidRequest is returned when a request cannot be executed as built.
	ErrInvalidRequest = errors.New("tessera: invalid request")
)

// StageError records which stage failed for which cache key and URI.
type StageError struct {
	// Op names the stage, e.g. "fetch" or "decode".
	Op string

	// Key is the cache key of the request being executed.
	Key string

	// URI is the request URI.
	URI string

	// Err is the underlying failure.
	Err error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.URI, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Wrap attaches stage context to err. It returns nil for a nil err and leaves
// cancellation errors unwrapped so they are never mistaken for failures.
func Wrap(op, key, uri string, err error) error {
	if err == nil {
		return nil
	}
	if IsCanceled(err) {
		return err
	}
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	return &StageError{Op: op, Key: key, URI: uri, Err: err}
}

// IO wraps err as an ErrIO failure with a message prefix. A bare context error
// is returned as is; a deadline raised inside a transport, such as an HTTP
// client timeout, is an ErrIO failure.
func IO(msg string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", ErrIO, msg)
	}
	if isContextErr(err) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrIO, msg, err)
}

// Decode wraps err as an ErrDecode failure with a message prefix.
func Decode(msg string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", ErrDecode, msg)
	}
	if isContextErr(err) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrDecode, msg, err)
}

// IsCanceled reports whether err is a cancellation signal rather than a failure.
// Errors already classified as ErrIO or ErrDecode are failures even when they
// wrap a context error.
func IsCanceled(err error) bool {
	if errors.Is(err, ErrIO) || errors.Is(err, ErrDecode) {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// isContextErr reports whether err came from a context ending rather than
// from the operation itself.
func isContextErr(err error) bool {
	//nolint:errorlint // a wrapped deadline comes from a transport timeout
	return errors.Is(err, context.Canceled) || err == context.DeadlineExceeded
}
