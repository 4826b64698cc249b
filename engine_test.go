package tessera

import (
	"context"
	"errors"
	"image"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/tessera/bitmap"
	"github.com/meigma/tessera/decode"
	"github.com/meigma/tessera/internal/testutil"
	"github.com/meigma/tessera/request"
	"github.com/meigma/tessera/tile"
)

func newEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// imageServer serves body for every path once gate is closed.
type imageServer struct {
	*httptest.Server
	hits atomic.Int32
	gate chan struct{}
}

func newImageServer(t *testing.T, body []byte, status int) *imageServer {
	t.Helper()
	s := &imageServer{gate: make(chan struct{})}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		select {
		case <-s.gate:
		case <-r.Context().Done():
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.WriteHeader(status)
		_, _ = w.Write(body)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *imageServer) open() { close(s.gate) }

func writePNG(t *testing.T, w, h int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "img.png")
	require.NoError(t, os.WriteFile(path, testutil.PNG(t, testutil.Gradient(w, h)), 0o600))
	return path
}

type execResult struct {
	res *Result
	err error
}

func executeAsync(e *Engine, ctx context.Context, req request.Request) <-chan execResult {
	ch := make(chan execResult, 1)
	go func() {
		res, err := e.Execute(ctx, req)
		ch <- execResult{res, err}
	}()
	return ch
}

func waitWaiters(t *testing.T, e *Engine, key string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return e.flights.Waiters(key) == n }, 2*time.Second, time.Millisecond)
}

func TestExecuteAtMostOnePipelinePerKey(t *testing.T) {
	t.Parallel()

	srv := newImageServer(t, testutil.PNG(t, testutil.Gradient(64, 64)), http.StatusOK)
	e := newEngine(t)
	req := request.New(srv.URL + "/a.png")

	const callers = 8
	results := make([]<-chan execResult, callers)
	for i := range callers {
		results[i] = executeAsync(e, context.Background(), req)
	}
	waitWaiters(t, e, req.CacheKey(), callers)
	srv.open()

	var first *bitmap.Counted
	for _, ch := range results {
		r := <-ch
		require.NoError(t, r.err)
		if first == nil {
			first = r.res.Counted()
		}
		assert.Same(t, first, r.res.Counted(), "every waiter shares one buffer")
	}
	assert.Equal(t, int32(1), srv.hits.Load())
	assert.Equal(t, int64(1), e.Stats().Pipelines)
	assert.Equal(t, int64(callers-1), e.Stats().Joined)

	require.Eventually(t, func() bool {
		_, _, pending := first.Counts()
		return pending == 0
	}, time.Second, time.Millisecond)
	cached, displayed, _ := first.Counts()
	assert.Equal(t, 1, cached)
	assert.Equal(t, callers, displayed)
}

func TestExecuteJoinThenMemoryHit(t *testing.T) {
	t.Parallel()

	srv := newImageServer(t, testutil.PNG(t, testutil.Gradient(200, 100)), http.StatusOK)
	e := newEngine(t)
	req := request.New(srv.URL+"/k.png", request.WithSize(100, 100))

	a := executeAsync(e, context.Background(), req)
	waitWaiters(t, e, req.CacheKey(), 1)
	b := executeAsync(e, context.Background(), req)
	waitWaiters(t, e, req.CacheKey(), 2)
	srv.open()

	ra, rb := <-a, <-b
	require.NoError(t, ra.err)
	require.NoError(t, rb.err)
	assert.Same(t, ra.res.Counted(), rb.res.Counted())
	assert.Equal(t, FromNetwork, ra.res.From)
	assert.Equal(t, image.Rect(0, 0, 100, 50), ra.res.Buffer().Bounds())
	assert.Equal(t, []decode.Transformed{"ResizeTransformed(100x50,LESS_PIXELS,CENTER)"}, ra.res.Transformed)
	assert.Equal(t, 200, ra.res.Info.Width)

	rc, err := e.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, FromMemoryCache, rc.From)
	assert.Same(t, ra.res.Counted(), rc.Counted())
	assert.Equal(t, ra.res.Info, rc.Info, "metadata travels with cached buffers")
	assert.Equal(t, ra.res.Transformed, rc.Transformed)
	assert.Equal(t, int32(1), srv.hits.Load())
	assert.Equal(t, int64(1), e.Stats().MemoryHits)

	for _, r := range []*Result{ra.res, rb.res, rc} {
		require.NoError(t, r.Release())
	}
	cached, displayed, _ := rc.Counted().Counts()
	assert.Equal(t, 1, cached)
	assert.Equal(t, 0, displayed)
	assert.NotNil(t, rc.Counted().Buffer(), "memory cache keeps the buffer alive")
}

func TestExecuteSharesErrors(t *testing.T) {
	t.Parallel()

	srv := newImageServer(t, nil, http.StatusNotFound)
	e := newEngine(t)
	req := request.New(srv.URL + "/missing.png")

	a := executeAsync(e, context.Background(), req)
	b := executeAsync(e, context.Background(), req)
	waitWaiters(t, e, req.CacheKey(), 2)
	srv.open()

	ra, rb := <-a, <-b
	require.ErrorIs(t, ra.err, ErrIO)
	assert.Equal(t, ra.err, rb.err, "waiters see the identical error")
	var se *StageError
	require.ErrorAs(t, ra.err, &se)
	assert.Equal(t, "fetch", se.Op)
	assert.Equal(t, req.CacheKey(), se.Key)
	assert.Equal(t, int32(1), srv.hits.Load())
	assert.Equal(t, int64(1), e.Stats().Failures)
}

func TestExecuteDepthMemory(t *testing.T) {
	t.Parallel()

	path := writePNG(t, 20, 20)
	e := newEngine(t)

	_, err := e.Execute(context.Background(), request.New(path, request.WithDepth(request.DepthMemory)))
	require.ErrorIs(t, err, ErrDepthLimit)
	var se *StageError
	require.ErrorAs(t, err, &se)

	res, err := e.Execute(context.Background(), request.New(path))
	require.NoError(t, err)
	defer res.Release()

	hit, err := e.Execute(context.Background(), request.New(path, request.WithDepth(request.DepthMemory)))
	require.NoError(t, err)
	defer hit.Release()
	assert.Equal(t, FromMemoryCache, hit.From)
}

func TestExecuteRejectsBadRequests(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	_, err := e.Execute(context.Background(), request.New(""))
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = e.Execute(context.Background(), request.New("gopher://example.com/x.png"))
	require.ErrorIs(t, err, ErrNoFetcher)

	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("plain text, not pixels"), 0o600))
	_, err = e.Execute(context.Background(), request.New(path))
	require.ErrorIs(t, err, ErrNoDecoder)
}

func TestExecuteCanceledWaiterLeavesOthers(t *testing.T) {
	t.Parallel()

	srv := newImageServer(t, testutil.PNG(t, testutil.Gradient(32, 32)), http.StatusOK)
	e := newEngine(t)
	req := request.New(srv.URL + "/c.png")

	ctx, cancel := context.WithCancel(context.Background())
	a := executeAsync(e, ctx, req)
	b := executeAsync(e, context.Background(), req)
	waitWaiters(t, e, req.CacheKey(), 2)

	cancel()
	ra := <-a
	require.ErrorIs(t, ra.err, context.Canceled)
	assert.True(t, IsCanceled(ra.err))
	waitWaiters(t, e, req.CacheKey(), 1)

	srv.open()
	rb := <-b
	require.NoError(t, rb.err)
	defer rb.res.Release()
	_, displayed, _ := rb.res.Counted().Counts()
	assert.Equal(t, 1, displayed, "cancelled waiter was never claimed")
}

func TestExecuteAbandonedResultReturnsToPool(t *testing.T) {
	t.Parallel()

	decoded := make(chan struct{})
	proceed := make(chan struct{})
	hold := DecodeInterceptorFunc(func(ctx context.Context, req request.Request, next DecodeHandler) (*decode.Result, error) {
		res, err := next(ctx, req)
		close(decoded)
		<-proceed
		return res, err
	})

	pool := bitmap.NewPool(0)
	e := newEngine(t, WithPool(pool), WithDecodeInterceptor(hold))
	req := request.New(writePNG(t, 40, 30), request.WithMemoryCachePolicy(request.Disabled))

	ctx, cancel := context.WithCancel(context.Background())
	ch := executeAsync(e, ctx, req)
	<-decoded
	cancel()
	require.ErrorIs(t, (<-ch).err, context.Canceled)
	assert.Equal(t, 0, pool.FreeCount())

	close(proceed)
	require.Eventually(t, func() bool { return pool.FreeCount() == 1 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 0, e.Stats().InFlight)
}

func TestExecuteMemoryPolicy(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	path := writePNG(t, 16, 16)

	res, err := e.Execute(context.Background(), request.New(path, request.WithMemoryCachePolicy(request.ReadOnly)))
	require.NoError(t, err)
	require.NoError(t, res.Release())
	assert.Zero(t, e.MemoryCache().Size(), "read-only policy does not write")
	require.Eventually(t, res.Counted().IsRecycled, time.Second, time.Millisecond)

	res, err = e.Execute(context.Background(), request.New(path, request.WithMemoryCachePolicy(request.WriteOnly)))
	require.NoError(t, err)
	defer res.Release()
	assert.Equal(t, int64(16*16*4), e.MemoryCache().Size())

	again, err := e.Execute(context.Background(), request.New(path, request.WithMemoryCachePolicy(request.WriteOnly)))
	require.NoError(t, err)
	defer again.Release()
	assert.NotEqual(t, FromMemoryCache, again.From, "write-only policy does not read")
}

func TestResultCacheAcrossEngines(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writePNG(t, 200, 200)
	req := request.New(path, request.WithSize(50, 50))

	e1, err := New(WithResultCacheDir(dir, 0))
	require.NoError(t, err)
	res, err := e1.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, FromLocal, res.From)
	want := append([]byte(nil), res.Buffer().Pix()...)
	transformed := res.Transformed
	require.NoError(t, res.Release())
	require.NoError(t, e1.Close())

	e2 := newEngine(t, WithResultCacheDir(dir, 0))
	require.NoError(t, os.Remove(path))
	res, err = e2.Execute(context.Background(), req)
	require.NoError(t, err)
	defer res.Release()
	assert.Equal(t, FromResultCache, res.From)
	assert.Equal(t, want, res.Buffer().Pix())
	assert.Equal(t, transformed, res.Transformed)
	assert.Equal(t, 200, res.Info.Width)

	_, err = e2.Execute(context.Background(), req.With(
		request.WithResultCachePolicy(request.Disabled),
		request.WithMemoryCachePolicy(request.Disabled),
	))
	require.Error(t, err, "source is gone and the result cache is bypassed")
}

func TestDownloadCacheServesLocalDepth(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	srv := newImageServer(t, testutil.PNG(t, testutil.Gradient(24, 24)), http.StatusOK)
	srv.open()
	url := srv.URL + "/d.png"

	e1, err := New(WithDownloadCacheDir(dir, 0))
	require.NoError(t, err)
	res, err := e1.Execute(context.Background(), request.New(url))
	require.NoError(t, err)
	require.NoError(t, res.Release())
	require.NoError(t, e1.Close())

	e2 := newEngine(t, WithDownloadCacheDir(dir, 0))
	res, err = e2.Execute(context.Background(), request.New(url, request.WithDepth(request.DepthLocal)))
	require.NoError(t, err)
	defer res.Release()
	assert.Equal(t, FromDownloadCache, res.From)
	assert.Equal(t, int32(1), srv.hits.Load())

	_, err = e2.Execute(context.Background(), request.New(srv.URL+"/other.png", request.WithDepth(request.DepthLocal)))
	require.ErrorIs(t, err, ErrDepthLimit)
}

func TestUnusableCacheDirIsSkipped(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, nil, 0o600))

	e := newEngine(t, WithCacheDir(file))
	assert.Nil(t, e.DownloadCache())
	assert.Nil(t, e.ResultCache())

	res, err := e.Execute(context.Background(), request.New(writePNG(t, 8, 8), request.WithSize(4, 4)))
	require.NoError(t, err, "engine works without disk caches")
	defer res.Release()
}

func TestInterceptorOrder(t *testing.T) {
	t.Parallel()

	path := writePNG(t, 10, 10)
	var mu sync.Mutex
	var calls []string
	record := func(name string) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, name)
	}

	alias := RequestInterceptorFunc(func(ctx context.Context, req request.Request, next RequestHandler) (*Result, error) {
		record("request")
		if req.URI() == "alias://logo" {
			req = req.With(request.WithURI(path))
		}
		return next(ctx, req)
	})
	outer := DecodeInterceptorFunc(func(ctx context.Context, req request.Request, next DecodeHandler) (*decode.Result, error) {
		record("outer")
		return next(ctx, req)
	})
	inner := DecodeInterceptorFunc(func(ctx context.Context, req request.Request, next DecodeHandler) (*decode.Result, error) {
		record("inner")
		return next(ctx, req)
	})

	e := newEngine(t, WithRequestInterceptor(alias), WithDecodeInterceptor(outer, inner))
	res, err := e.Execute(context.Background(), request.New("alias://logo"))
	require.NoError(t, err)
	defer res.Release()
	assert.Equal(t, []string{"request", "outer", "inner"}, calls)
	assert.Equal(t, 10, res.Info.Width)
}

func TestInterceptorShortCircuit(t *testing.T) {
	t.Parallel()

	canned := DecodeInterceptorFunc(func(_ context.Context, _ request.Request, _ DecodeHandler) (*decode.Result, error) {
		buf, err := bitmap.New(3, 2, bitmap.FormatRGBA8888)
		if err != nil {
			return nil, err
		}
		return &decode.Result{Buffer: buf, Info: decode.ImageInfo{Width: 3, Height: 2, Orientation: 1}, From: FromMemory}, nil
	})
	e := newEngine(t, WithDecodeInterceptor(canned))

	res, err := e.Execute(context.Background(), request.New("nowhere://x"))
	require.NoError(t, err)
	defer res.Release()
	assert.Equal(t, FromMemory, res.From)
	assert.Equal(t, int64(0), e.Stats().Fetches)
}

func TestExecuteAllAndPreload(t *testing.T) {
	t.Parallel()

	e := newEngine(t, WithWorkers(2))
	reqs := []request.Request{
		request.New(writePNG(t, 10, 10)),
		request.New(writePNG(t, 20, 10)),
		request.New(writePNG(t, 30, 10)),
	}
	results, err := e.ExecuteAll(context.Background(), reqs...)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, res := range results {
		assert.Equal(t, (i+1)*10, res.Info.Width, "results follow request order")
		require.NoError(t, res.Release())
	}

	e.ClearMemoryCache()
	require.NoError(t, e.Preload(context.Background(), reqs...))
	for _, req := range reqs {
		res, err := e.Execute(context.Background(), req.With(request.WithDepth(request.DepthMemory)))
		require.NoError(t, err)
		require.NoError(t, res.Release())
	}

	_, err = e.ExecuteAll(context.Background(), reqs[0], request.New(""))
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestResultRelease(t *testing.T) {
	t.Parallel()

	e := newEngine(t, WithMemoryCacheSize(1<<20))
	res, err := e.Execute(context.Background(), request.New(writePNG(t, 5, 5)))
	require.NoError(t, err)
	require.NotNil(t, res.Image())

	require.NoError(t, res.Release())
	require.NoError(t, res.Release(), "second release is a no-op")
	assert.Nil(t, res.Buffer())
	assert.Nil(t, res.Image())
}

func TestTrimAndClear(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	e := newEngine(t, WithCacheDir(dir))
	res, err := e.Execute(context.Background(), request.New(writePNG(t, 64, 64), request.WithSize(32, 32)))
	require.NoError(t, err)
	require.NoError(t, res.Release())

	require.Eventually(t, func() bool {
		_, _, pending := res.Counted().Counts()
		return pending == 0
	}, time.Second, time.Millisecond)
	s := e.Stats()
	assert.Positive(t, s.MemorySize)
	assert.Positive(t, s.ResultCacheSize)

	e.Trim(bitmap.TrimComplete)
	assert.Zero(t, e.Stats().MemorySize)
	assert.True(t, res.Counted().IsRecycled())
	assert.Zero(t, e.Stats().PoolSize, "trimmed buffers are not pooled")

	require.NoError(t, e.ClearDiskCaches())
	assert.Zero(t, e.Stats().ResultCacheSize)
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	e, err := New()
	require.NoError(t, err)
	require.NoError(t, e.Close())
	assert.ErrorIs(t, e.Close(), ErrClosed)

	_, err = e.Execute(context.Background(), request.New("/x.png"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOptionErrors(t *testing.T) {
	t.Parallel()

	for name, opt := range map[string]Option{
		"workers":      WithWorkers(0),
		"memory size":  WithMemoryCacheSize(-1),
		"pool size":    WithPoolSize(0),
		"cache dir":    WithCacheDir(""),
		"nil memory":   WithMemoryCache(nil),
		"nil pool":     WithPool(nil),
		"download dir": WithDownloadCacheDir("", 0),
		"result dir":   WithResultCacheDir("", 0),
	} {
		_, err := New(opt)
		assert.Error(t, err, name)
	}
}

func TestEngineTiles(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	m, err := e.Tiles(context.Background(), request.New(writePNG(t, 600, 400)), image.Pt(128, 128), nil)
	require.NoError(t, err)
	defer m.Destroy()

	require.True(t, m.HasTiles())
	m.Refresh(context.Background(), tile.Viewport{Scale: 1, Visible: image.Rect(0, 0, 100, 100)})
	require.Eventually(t, func() bool { return len(m.Tiles()) == 4 }, 2*time.Second, time.Millisecond)
	assert.Positive(t, e.MemoryCache().Size(), "tiles share the engine memory cache")

	_, err = e.Tiles(context.Background(), request.New("gopher://x"), image.Pt(128, 128), nil)
	require.ErrorIs(t, err, ErrNoFetcher)
}

func TestStageErrorUnwraps(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	_, err := e.Execute(context.Background(), request.New(filepath.Join(t.TempDir(), "missing.png")))
	require.Error(t, err)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "fetch", se.Op)
	assert.True(t, errors.Is(err, ErrIO), "file errors classify as io")
}
