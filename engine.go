package tessera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/meigma/tessera/bitmap"
	"github.com/meigma/tessera/cache"
	"github.com/meigma/tessera/cache/disk"
	"github.com/meigma/tessera/cache/memory"
	"github.com/meigma/tessera/decode"
	"github.com/meigma/tessera/errs"
	"github.com/meigma/tessera/fetch"
	tesserahttp "github.com/meigma/tessera/http"
	"github.com/meigma/tessera/internal/flight"
	"github.com/meigma/tessera/internal/resultcache"
	"github.com/meigma/tessera/internal/zpool"
	"github.com/meigma/tessera/request"
	"github.com/meigma/tessera/tile"
)

// Engine executes image requests.
//
// At most one pipeline runs per cache key: concurrent requests for the same
// key join the running execution and all receive the same buffer. Engine is
// safe for concurrent use.
type Engine struct {
	cfg config

	fetchers  *fetch.Registry
	decoders  *decode.Registry
	memory    cache.MemoryCache
	pool      *bitmap.Pool
	downloads *disk.Cache
	results   *resultcache.Store
	flights   *flight.Group[*loaded]
	sem       *semaphore.Weighted
	executeFn RequestHandler
	decodeFn  DecodeHandler
	logger    *slog.Logger

	requestInterceptors []RequestInterceptor
	decodeInterceptors  []DecodeInterceptor

	stats  counters
	closed atomic.Bool
}

// config holds option values resolved in New.
type config struct {
	downloadDir      string
	downloadSize     int64
	resultDir        string
	resultSize       int64
	appVersion       int
	memorySize       int64
	poolSize         int64
	workers          int
	httpStack        fetch.HTTPStack
	progressInterval time.Duration
	fetchers         []fetch.Factory
	decoders         []decode.Factory
	assets           fs.FS
	content          fetch.ContentResolver
	resources        fetch.ResourceResolver
	icons            fetch.IconProvider
}

type counters struct {
	executions atomic.Int64
	memoryHits atomic.Int64
	joined     atomic.Int64
	pipelines  atomic.Int64
	fetches    atomic.Int64
	decodes    atomic.Int64
	failures   atomic.Int64
}

// loaded is the value shared by every waiter of one execution. counted
// carries one pending reference until the waiters have been claimed.
type loaded struct {
	counted *bitmap.Counted
	meta    imageMeta
	from    fetch.DataFrom
}

// imageMeta travels with a buffer through the memory cache.
type imageMeta struct {
	info        decode.ImageInfo
	transformed []decode.Transformed
}

// New creates an Engine.
//
// Disk caches that cannot be opened are logged once and skipped; New only
// fails for invalid options.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	log := e.log()

	if e.pool == nil {
		e.pool = bitmap.NewPool(e.cfg.poolSize, bitmap.WithPoolLogger(log))
	}
	if e.memory == nil {
		e.memory = memory.New(e.cfg.memorySize, memory.WithLogger(log))
	}
	workers := e.cfg.workers
	if workers == 0 {
		workers = DefaultWorkers
	}
	e.cfg.workers = workers
	e.sem = semaphore.NewWeighted(int64(workers))

	if e.cfg.downloadDir != "" {
		e.downloads = e.openDisk("download", e.cfg.downloadDir, e.cfg.downloadSize, DefaultDownloadCacheSize)
	}
	if e.cfg.resultDir != "" {
		if dc := e.openDisk("result", e.cfg.resultDir, e.cfg.resultSize, DefaultResultCacheSize); dc != nil {
			e.results = resultcache.New(dc, e.pool,
				resultcache.WithLogger(log),
				resultcache.WithZstd(zpool.New()),
			)
		}
	}

	e.fetchers = fetch.NewRegistry(e.fetchFactories()...)
	decoders := append([]decode.Factory(nil), e.cfg.decoders...)
	decoders = append(decoders, decode.NewStdFactory(e.pool, decode.WithLogger(log)))
	e.decoders = decode.NewRegistry(decoders...)

	e.flights = flight.New[*loaded](
		flight.WithClaim(e.claim),
		flight.WithRelease(e.release),
	)

	interceptors := append([]DecodeInterceptor(nil), e.decodeInterceptors...)
	if e.results != nil {
		interceptors = append(interceptors, resultCacheInterceptor{store: e.results, logger: log})
	}
	e.decodeFn = chainDecode(interceptors, e.fetchAndDecode)
	e.executeFn = chainRequest(e.requestInterceptors, e.executeRequest)
	return e, nil
}

func (e *Engine) log() *slog.Logger {
	if e.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return e.logger
}

// openDisk opens one disk cache, or logs the failure and returns nil.
func (e *Engine) openDisk(name, dir string, size, def int64) *disk.Cache {
	if size <= 0 {
		size = def
	}
	opts := []disk.Option{disk.WithLogger(e.log())}
	if e.cfg.appVersion != 0 {
		opts = append(opts, disk.WithAppVersion(e.cfg.appVersion))
	}
	c, err := disk.Open(dir, size, opts...)
	if err != nil {
		e.log().Warn("disk cache unavailable, continuing without it", "cache", name, "dir", dir, "error", err)
		return nil
	}
	return c
}

// fetchFactories lists user factories first, then the built-in schemes.
func (e *Engine) fetchFactories() []fetch.Factory {
	stack := e.cfg.httpStack
	if stack == nil {
		stack = tesserahttp.NewStack()
	}
	httpOpts := []fetch.HTTPOption{fetch.WithHTTPLogger(e.log())}
	if e.downloads != nil {
		httpOpts = append(httpOpts, fetch.WithDownloadCache(e.downloads))
	}
	if e.cfg.progressInterval > 0 {
		httpOpts = append(httpOpts, fetch.WithProgressInterval(e.cfg.progressInterval))
	}

	factories := append([]fetch.Factory(nil), e.cfg.fetchers...)
	return append(factories,
		fetch.NewHTTPFactory(stack, httpOpts...),
		fetch.FileFactory{},
		fetch.AssetFactory{FS: e.cfg.assets},
		fetch.ContentFactory{Resolver: e.cfg.content},
		fetch.Base64Factory{},
		fetch.ResourceFactory{Resolver: e.cfg.resources},
		fetch.AppIconFactory{Icons: e.cfg.icons},
		fetch.APKIconFactory{Icons: e.cfg.icons},
	)
}

// Execute runs req through the interceptor chain and returns a result holding
// one display reference. The caller must Release it.
func (e *Engine) Execute(ctx context.Context, req request.Request) (*Result, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	return e.executeFn(ctx, req)
}

// ExecuteAll executes reqs with at most the engine's worker count in flight
// and returns results in request order. On the first failure every result
// already obtained is released and the error returned.
func (e *Engine) ExecuteAll(ctx context.Context, reqs ...request.Request) ([]*Result, error) {
	results := make([]*Result, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.workers)
	for i, req := range reqs {
		g.Go(func() error {
			res, err := e.Execute(gctx, req)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, res := range results {
			if res != nil {
				_ = res.Release()
			}
		}
		return nil, err
	}
	return results, nil
}

// Preload executes reqs to warm the caches and releases the results.
func (e *Engine) Preload(ctx context.Context, reqs ...request.Request) error {
	results, err := e.ExecuteAll(ctx, reqs...)
	if err != nil {
		return err
	}
	var errList []error
	for _, res := range results {
		if err := res.Release(); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// executeRequest is the innermost request stage.
func (e *Engine) executeRequest(ctx context.Context, req request.Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	e.stats.executions.Add(1)
	key := req.CacheKey()

	if res := e.fromMemory(key, req); res != nil {
		return res, nil
	}
	if req.Depth() == request.DepthMemory {
		return nil, errs.Wrap("memory", key, req.URI(),
			fmt.Errorf("%w: %s not in memory cache", errs.ErrDepthLimit, key))
	}

	v, shared, err := e.flights.Do(ctx, key, func(ctx context.Context) (*loaded, error) {
		return e.load(ctx, req, key)
	})
	if shared {
		e.stats.joined.Add(1)
	}
	if err != nil {
		if !errs.IsCanceled(err) {
			e.log().Debug("execution failed", "key", key, "error", err)
		}
		return nil, err
	}
	return newResult(key, v.counted, v.meta, v.from), nil
}

// fromMemory returns a memory cache hit holding a new display reference.
func (e *Engine) fromMemory(key string, req request.Request) *Result {
	if !req.MemoryCachePolicy().ReadEnabled() {
		return nil
	}
	c := e.memory.Get(key)
	if c == nil {
		return nil
	}
	// Evicted and recycled between Get and here.
	if err := c.IncDisplayed(); err != nil {
		return nil
	}
	e.stats.memoryHits.Add(1)
	return newResult(key, c, metaOf(c), fetch.FromMemoryCache)
}

// load runs one pipeline. The returned value holds one pending reference.
func (e *Engine) load(ctx context.Context, req request.Request, key string) (*loaded, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.sem.Release(1)

	// A previous execution for key may have finished while we queued.
	if req.MemoryCachePolicy().ReadEnabled() {
		if c := e.memory.Get(key); c != nil && c.IncPending() == nil {
			e.stats.memoryHits.Add(1)
			return &loaded{counted: c, meta: metaOf(c), from: fetch.FromMemoryCache}, nil
		}
	}

	e.stats.pipelines.Add(1)
	res, err := e.decodeFn(ctx, req)
	if err == nil && (res == nil || res.Buffer == nil) {
		err = errs.Decode("no pixels produced", nil)
	}
	if err != nil {
		if !errs.IsCanceled(err) {
			e.stats.failures.Add(1)
		}
		return nil, errs.Wrap("execute", key, req.URI(), err)
	}

	meta := imageMeta{info: res.Info, transformed: res.Transformed}
	c := bitmap.NewCounted(key, res.Buffer, e.pool)
	c.SetExtra(meta)
	if err := c.IncPending(); err != nil {
		return nil, errs.Wrap("execute", key, req.URI(), err)
	}
	if req.MemoryCachePolicy().WriteEnabled() {
		e.memory.Put(key, c)
	}
	e.log().Debug("image loaded", "key", key, "from", res.From, "bytes", c.ByteCount())
	return &loaded{counted: c, meta: meta, from: res.From}, nil
}

// fetchAndDecode is the innermost decode stage.
func (e *Engine) fetchAndDecode(ctx context.Context, req request.Request) (*decode.Result, error) {
	key, uri := req.CacheKey(), req.URI()

	fetcher, err := e.fetchers.Create(req)
	if err != nil {
		return nil, errs.Wrap("fetch", key, uri, err)
	}
	fr, err := fetcher.Fetch(ctx)
	if err != nil {
		return nil, errs.Wrap("fetch", key, uri, err)
	}
	defer func() {
		if cerr := fr.Close(); cerr != nil {
			e.log().Warn("close fetched source", "uri", uri, "error", cerr)
		}
	}()
	e.stats.fetches.Add(1)

	dec, err := e.decoders.Create(req, fr)
	if err != nil {
		return nil, errs.Wrap("decode", key, uri, err)
	}
	res, err := dec.Decode(ctx)
	if err != nil {
		return nil, errs.Wrap("decode", key, uri, err)
	}
	e.stats.decodes.Add(1)
	return res, nil
}

// claim gives each live waiter its display reference. It runs under the
// flight lock, before the pending reference is dropped.
func (e *Engine) claim(v *loaded, waiters int) {
	for range waiters {
		if err := v.counted.IncDisplayed(); err != nil {
			e.log().Error("claim display reference", "key", v.counted.Key(), "error", err)
		}
	}
}

// release drops the execution's pending reference.
func (e *Engine) release(v *loaded) {
	if err := v.counted.DecPending(); err != nil {
		e.log().Error("release pending reference", "key", v.counted.Key(), "error", err)
	}
}

func metaOf(c *bitmap.Counted) imageMeta {
	m, _ := c.Extra().(imageMeta) //nolint:errcheck // zero value for foreign entries
	return m
}

// Tiles opens req's source for region decoding and returns a manager sharing
// the engine's memory cache and pool. A nil codec uses tile.StdRegionCodec.
// The manager owns the source; call Destroy when done.
func (e *Engine) Tiles(ctx context.Context, req request.Request, tileMax image.Point, codec tile.RegionCodec, opts ...tile.ManagerOption) (*tile.Manager, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	key, uri := req.CacheKey(), req.URI()
	fetcher, err := e.fetchers.Create(req)
	if err != nil {
		return nil, errs.Wrap("fetch", key, uri, err)
	}
	fr, err := fetcher.Fetch(ctx)
	if err != nil {
		return nil, errs.Wrap("fetch", key, uri, err)
	}
	if codec == nil {
		codec = tile.StdRegionCodec{Format: req.Format()}
	}

	d := tile.NewDecoder(fr.Source, codec, e.pool,
		tile.WithFormat(req.Format()),
		tile.WithDecoderLogger(e.log()),
	)
	size, err := d.Size(ctx)
	if err != nil {
		d.Destroy()
		return nil, errs.Wrap("tiles", key, uri, err)
	}
	opts = append([]tile.ManagerOption{tile.WithLogger(e.log())}, opts...)
	return tile.NewManager(uri, size, tileMax, d, e.memory, e.pool, opts...), nil
}

// Trim responds to host memory pressure.
func (e *Engine) Trim(level cache.TrimLevel) {
	e.memory.Trim(level)
	e.pool.Trim(level)
}

// ClearMemoryCache drops every memory cache entry. Buffers still displayed
// stay alive until released.
func (e *Engine) ClearMemoryCache() {
	e.memory.Clear()
}

// ClearDiskCaches deletes every disk cache entry.
func (e *Engine) ClearDiskCaches() error {
	var errList []error
	if e.downloads != nil {
		if err := e.downloads.Clear(); err != nil {
			errList = append(errList, fmt.Errorf("clear download cache: %w", err))
		}
	}
	if e.results != nil {
		if err := e.results.Disk().Clear(); err != nil {
			errList = append(errList, fmt.Errorf("clear result cache: %w", err))
		}
	}
	return errors.Join(errList...)
}

// Close clears the memory cache and pool and closes the disk caches. Results
// already returned stay valid until released. Later calls return ErrClosed.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	e.memory.Clear()
	e.pool.Clear()

	var errList []error
	if e.downloads != nil {
		if err := e.downloads.Close(); err != nil {
			errList = append(errList, fmt.Errorf("close download cache: %w", err))
		}
	}
	if e.results != nil {
		if err := e.results.Disk().Close(); err != nil {
			errList = append(errList, fmt.Errorf("close result cache: %w", err))
		}
	}
	return errors.Join(errList...)
}

// MemoryCache returns the engine's memory cache.
func (e *Engine) MemoryCache() cache.MemoryCache { return e.memory }

// Pool returns the engine's buffer pool.
func (e *Engine) Pool() *bitmap.Pool { return e.pool }

// DownloadCache returns the raw download cache, or nil when disabled.
func (e *Engine) DownloadCache() *disk.Cache { return e.downloads }

// ResultCache returns the disk cache backing results, or nil when disabled.
func (e *Engine) ResultCache() *disk.Cache {
	if e.results == nil {
		return nil
	}
	return e.results.Disk()
}

// Stats reports engine activity.
type Stats struct {
	// Executions counts requests that reached the engine's own stage.
	Executions int64

	// MemoryHits counts requests answered from the memory cache.
	MemoryHits int64

	// Joined counts requests that waited on another request's execution.
	Joined int64

	// Pipelines counts fetch and decode runs started.
	Pipelines int64

	Fetches  int64
	Decodes  int64
	Failures int64

	// InFlight is the number of executions running now.
	InFlight int

	MemorySize        int64
	PoolSize          int64
	DownloadCacheSize int64
	ResultCacheSize   int64
}

// Stats returns a snapshot of engine counters and cache sizes.
func (e *Engine) Stats() Stats {
	s := Stats{
		Executions: e.stats.executions.Load(),
		MemoryHits: e.stats.memoryHits.Load(),
		Joined:     e.stats.joined.Load(),
		Pipelines:  e.stats.pipelines.Load(),
		Fetches:    e.stats.fetches.Load(),
		Decodes:    e.stats.decodes.Load(),
		Failures:   e.stats.failures.Load(),
		InFlight:   e.flights.Len(),
		MemorySize: e.memory.Size(),
		PoolSize:   e.pool.Size(),
	}
	if e.downloads != nil {
		s.DownloadCacheSize = e.downloads.Size()
	}
	if e.results != nil {
		s.ResultCacheSize = e.results.Disk().Size()
	}
	return s
}
