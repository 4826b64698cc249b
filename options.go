package tessera

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/meigma/tessera/bitmap"
	"github.com/meigma/tessera/cache"
	"github.com/meigma/tessera/decode"
	"github.com/meigma/tessera/fetch"
)

// Option configures an Engine.
type Option func(*Engine) error

// Defaults for engine construction.
const (
	DefaultDownloadCacheSize int64 = 256 << 20 // 256 MB
	DefaultResultCacheSize   int64 = 128 << 20 // 128 MB
	DefaultPoolSize          int64 = 32 << 20  // 32 MB
	DefaultWorkers                 = 4
)

// --- Cache Options ---

// WithCacheDir enables both disk caches under dir: raw downloads in
// "downloads" and resized results in "results", each with its default size.
func WithCacheDir(dir string) Option {
	return func(e *Engine) error {
		if dir == "" {
			return errors.New("tessera: empty cache directory")
		}
		e.cfg.downloadDir = filepath.Join(dir, "downloads")
		e.cfg.resultDir = filepath.Join(dir, "results")
		return nil
	}
}

// WithDownloadCacheDir enables the raw download cache in dir. A maxSize <= 0
// uses DefaultDownloadCacheSize.
func WithDownloadCacheDir(dir string, maxSize int64) Option {
	return func(e *Engine) error {
		if dir == "" {
			return errors.New("tessera: empty download cache directory")
		}
		e.cfg.downloadDir = dir
		e.cfg.downloadSize = maxSize
		return nil
	}
}

// WithResultCacheDir enables the post-decode result cache in dir. A
// maxSize <= 0 uses DefaultResultCacheSize.
func WithResultCacheDir(dir string, maxSize int64) Option {
	return func(e *Engine) error {
		if dir == "" {
			return errors.New("tessera: empty result cache directory")
		}
		e.cfg.resultDir = dir
		e.cfg.resultSize = maxSize
		return nil
	}
}

// WithAppVersion sets the version recorded in disk cache journals. Changing it
// discards entries written by other versions.
func WithAppVersion(v int) Option {
	return func(e *Engine) error {
		e.cfg.appVersion = v
		return nil
	}
}

// WithMemoryCache replaces the default memory cache.
func WithMemoryCache(c cache.MemoryCache) Option {
	return func(e *Engine) error {
		if c == nil {
			return errors.New("tessera: nil memory cache")
		}
		e.memory = c
		return nil
	}
}

// WithMemoryCacheSize sets the byte budget of the default memory cache.
func WithMemoryCacheSize(n int64) Option {
	return func(e *Engine) error {
		if n <= 0 {
			return fmt.Errorf("tessera: memory cache size must be positive, got %d", n)
		}
		e.cfg.memorySize = n
		return nil
	}
}

// WithPool replaces the default buffer pool.
func WithPool(p *bitmap.Pool) Option {
	return func(e *Engine) error {
		if p == nil {
			return errors.New("tessera: nil buffer pool")
		}
		e.pool = p
		return nil
	}
}

// WithPoolSize sets the byte budget of the default buffer pool.
func WithPoolSize(n int64) Option {
	return func(e *Engine) error {
		if n <= 0 {
			return fmt.Errorf("tessera: pool size must be positive, got %d", n)
		}
		e.cfg.poolSize = n
		return nil
	}
}

// --- Pipeline Options ---

// WithHTTPStack replaces the transport used for http and https URIs.
func WithHTTPStack(s fetch.HTTPStack) Option {
	return func(e *Engine) error {
		e.cfg.httpStack = s
		return nil
	}
}

// WithProgressInterval sets the minimum interval between download progress
// callbacks.
func WithProgressInterval(d time.Duration) Option {
	return func(e *Engine) error {
		e.cfg.progressInterval = d
		return nil
	}
}

// WithFetchers registers fetcher factories ahead of the built-in ones.
func WithFetchers(factories ...fetch.Factory) Option {
	return func(e *Engine) error {
		e.cfg.fetchers = append(e.cfg.fetchers, factories...)
		return nil
	}
}

// WithDecoders registers decoder factories ahead of the built-in one.
func WithDecoders(factories ...decode.Factory) Option {
	return func(e *Engine) error {
		e.cfg.decoders = append(e.cfg.decoders, factories...)
		return nil
	}
}

// WithRequestInterceptor appends interceptors that run before the cache
// lookup, in registration order.
func WithRequestInterceptor(interceptors ...RequestInterceptor) Option {
	return func(e *Engine) error {
		e.requestInterceptors = append(e.requestInterceptors, interceptors...)
		return nil
	}
}

// WithDecodeInterceptor appends interceptors that run around fetch and
// decode, ahead of the result cache.
func WithDecodeInterceptor(interceptors ...DecodeInterceptor) Option {
	return func(e *Engine) error {
		e.decodeInterceptors = append(e.decodeInterceptors, interceptors...)
		return nil
	}
}

// WithWorkers bounds the number of pipelines running at once.
func WithWorkers(n int) Option {
	return func(e *Engine) error {
		if n < 1 {
			return fmt.Errorf("tessera: workers must be at least 1, got %d", n)
		}
		e.cfg.workers = n
		return nil
	}
}

// --- Source Options ---

// WithAssets serves asset:// URIs from fsys.
func WithAssets(fsys fs.FS) Option {
	return func(e *Engine) error {
		e.cfg.assets = fsys
		return nil
	}
}

// WithContentResolver serves content:// URIs.
func WithContentResolver(r fetch.ContentResolver) Option {
	return func(e *Engine) error {
		e.cfg.content = r
		return nil
	}
}

// WithResourceResolver serves android.resource:// URIs.
func WithResourceResolver(r fetch.ResourceResolver) Option {
	return func(e *Engine) error {
		e.cfg.resources = r
		return nil
	}
}

// WithIconProvider serves app.icon:// and apk.icon:// URIs.
func WithIconProvider(p fetch.IconProvider) Option {
	return func(e *Engine) error {
		e.cfg.icons = p
		return nil
	}
}

// --- Logging Options ---

// WithLogger sets the logger for the engine and every component it builds.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) error {
		e.logger = logger
		return nil
	}
}
