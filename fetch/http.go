package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/meigma/tessera/cache/disk"
	"github.com/meigma/tessera/errs"
	"github.com/meigma/tessera/request"
)

// HTTPStack performs HTTP GET requests on behalf of the network fetcher.
// Implementations follow redirects themselves.
type HTTPStack interface {
	GetResponse(ctx context.Context, url string, headers http.Header) (*Response, error)
}

// Response is an HTTP response as seen by the network fetcher.
type Response struct {
	Code   int
	Header http.Header
	Body   io.ReadCloser

	// ContentLength is the declared body length, or -1 when unknown.
	ContentLength int64
}

// HTTPFactory handles http and https URIs.
//
// Downloads go through an optional download disk cache. Concurrent fetches
// of the same URI share one transfer, and edits of one disk entry are
// serialized by the cache's per-key edit lock.
type HTTPFactory struct {
	stack            HTTPStack
	disk             *disk.Cache
	progressInterval time.Duration
	logger           *slog.Logger

	group singleflight.Group
}

// HTTPOption configures an HTTPFactory.
type HTTPOption func(*HTTPFactory)

// WithDownloadCache sets the disk cache for raw downloaded bytes.
func WithDownloadCache(c *disk.Cache) HTTPOption {
	return func(f *HTTPFactory) {
		f.disk = c
	}
}

// WithProgressInterval sets the minimum interval between progress calls.
func WithProgressInterval(d time.Duration) HTTPOption {
	return func(f *HTTPFactory) {
		f.progressInterval = d
	}
}

// WithHTTPLogger sets the logger for network fetch diagnostics.
func WithHTTPLogger(logger *slog.Logger) HTTPOption {
	return func(f *HTTPFactory) {
		f.logger = logger
	}
}

// NewHTTPFactory creates a factory that downloads through stack.
func NewHTTPFactory(stack HTTPStack, opts ...HTTPOption) *HTTPFactory {
	f := &HTTPFactory{
		stack:            stack,
		progressInterval: DefaultProgressInterval,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *HTTPFactory) log() *slog.Logger {
	if f.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return f.logger
}

// Create matches http and https URIs.
func (f *HTTPFactory) Create(req request.Request) Fetcher {
	switch req.Scheme() {
	case "http", "https":
		return &httpFetcher{factory: f, req: req}
	default:
		return nil
	}
}

type httpFetcher struct {
	factory *HTTPFactory
	req     request.Request
}

// download is the outcome of one shared transfer. data is nil when another
// transfer already committed the bytes and callers read the cache instead.
type download struct {
	data     []byte
	mimeType string
	cached   bool
}

func (h *httpFetcher) Fetch(ctx context.Context) (*Result, error) {
	f := h.factory
	uri := h.req.URI()
	key := disk.EncodeKey(h.req.DownloadKey())

	if res, err := h.readCache(key); res != nil || err != nil {
		return res, err
	}
	if h.req.Depth() != request.DepthNetwork {
		return nil, fmt.Errorf("%w: %s not cached and depth is %s", errs.ErrDepthLimit, uri, h.req.Depth())
	}

	for {
		ch := f.group.DoChan(key, func() (any, error) {
			if f.disk != nil {
				lock := f.disk.EditLock(key)
				lock.Lock()
				defer lock.Unlock()
			}
			return h.download(ctx, key)
		})

		var res singleflight.Result
		select {
		case res = <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if res.Err != nil {
			// The caller that started the shared transfer went away. Transport
			// timeouts are ErrIO failures and are returned below.
			if errs.IsCanceled(res.Err) && ctx.Err() == nil {
				continue
			}
			return nil, res.Err
		}

		d, _ := res.Val.(*download) //nolint:errcheck // type assertion always succeeds when err is nil
		if d.data != nil || !d.cached {
			return NewResult(NewBytesSource(d.data, FromNetwork), d.mimeType), nil
		}
		snap, err := f.disk.Get(key)
		if err != nil {
			return nil, errs.IO("read download cache", err)
		}
		if snap == nil {
			f.log().Debug("download evicted before read", "uri", uri)
			continue
		}
		return NewResult(NewSnapshotSource(snap, FromDownloadCache), d.mimeType), nil
	}
}

// readCache returns a cached download when the policy allows reading it.
func (h *httpFetcher) readCache(key string) (*Result, error) {
	f := h.factory
	if f.disk == nil || !h.req.DownloadCachePolicy().ReadEnabled() {
		return nil, nil //nolint:nilnil // no cached copy
	}
	snap, err := f.disk.Get(key)
	if err != nil {
		f.log().Warn("download cache read failed", "uri", h.req.URI(), "error", err)
		return nil, nil //nolint:nilnil // degrade to network
	}
	if snap == nil {
		return nil, nil //nolint:nilnil // miss
	}
	f.log().Debug("download cache hit", "uri", h.req.URI(), "bytes", snap.Size())
	return NewResult(NewSnapshotSource(snap, FromDownloadCache), mimeFromURI(h.req.URI())), nil
}

func (h *httpFetcher) download(ctx context.Context, key string) (*download, error) {
	f := h.factory
	uri := h.req.URI()
	policy := h.req.DownloadCachePolicy()

	// Another transfer may have committed while we waited for the edit lock.
	if f.disk != nil && policy.ReadEnabled() {
		if snap, err := f.disk.Get(key); err == nil && snap != nil {
			_ = snap.Close()
			return &download{cached: true, mimeType: mimeFromURI(uri)}, nil
		}
	}

	resp, err := f.stack.GetResponse(ctx, uri, h.req.Headers())
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errs.IO("http get", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.Code < http.StatusOK || resp.Code >= http.StatusMultipleChoices {
		return nil, errs.IO(fmt.Sprintf("unexpected status %d", resp.Code), nil)
	}

	mimeType := mimeFromHeader(resp.Header)
	if mimeType == "" {
		mimeType = mimeFromURI(uri)
	}

	var editor *disk.Editor
	if f.disk != nil && policy.WriteEnabled() {
		editor, err = f.disk.Edit(key)
		if err != nil {
			f.log().Warn("download cache edit failed", "uri", uri, "error", err)
		}
		if editor != nil && resp.ContentLength >= 0 {
			editor.SetExpectedLength(resp.ContentLength)
		}
	}

	progress := newProgressWriter(h.req.Progress(), resp.ContentLength, f.progressInterval)
	var buf bytes.Buffer
	sinks := []io.Writer{&buf, progress}
	if editor != nil {
		sinks = append(sinks, editor)
	}
	n, err := io.Copy(io.MultiWriter(sinks...), &contextReader{ctx: ctx, r: resp.Body})
	progress.finish()
	if err != nil {
		h.abort(editor)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errs.IO("read body", err)
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		h.abort(editor)
		return nil, errs.IO(fmt.Sprintf("length mismatch: got %d bytes, declared %d", n, resp.ContentLength), nil)
	}

	d := &download{data: buf.Bytes(), mimeType: mimeType}
	if editor == nil {
		return d, nil
	}
	if err := editor.Commit(); err != nil {
		f.log().Warn("download cache commit failed", "uri", uri, "error", err)
		return d, nil
	}
	f.log().Debug("download cached", "uri", uri, "bytes", n)
	d.cached = true
	return d, nil
}

func (h *httpFetcher) abort(editor *disk.Editor) {
	if editor == nil {
		return
	}
	if err := editor.Abort(); err != nil {
		h.factory.log().Warn("download cache abort failed", "uri", h.req.URI(), "error", err)
	}
}

// contextReader fails reads once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func mimeFromHeader(h http.Header) string {
	ct := h.Get("Content-Type")
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return ""
	}
	return mt
}

func mimeFromURI(uri string) string {
	if u, err := url.Parse(uri); err == nil {
		return mimeFromExt(u.Path)
	}
	return mimeFromExt(uri)
}
