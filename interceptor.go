package tessera

import (
	"context"
	"log/slog"

	"github.com/meigma/tessera/decode"
	"github.com/meigma/tessera/errs"
	"github.com/meigma/tessera/internal/resultcache"
	"github.com/meigma/tessera/request"
)

// RequestHandler executes a request.
type RequestHandler func(ctx context.Context, req request.Request) (*Result, error)

// RequestInterceptor wraps request execution. It may rewrite the request,
// answer it without calling next, or post-process the result.
type RequestInterceptor interface {
	InterceptRequest(ctx context.Context, req request.Request, next RequestHandler) (*Result, error)
}

// RequestInterceptorFunc adapts a function to a RequestInterceptor.
type RequestInterceptorFunc func(ctx context.Context, req request.Request, next RequestHandler) (*Result, error)

// InterceptRequest calls f(ctx, req, next).
func (f RequestInterceptorFunc) InterceptRequest(ctx context.Context, req request.Request, next RequestHandler) (*Result, error) {
	return f(ctx, req, next)
}

// DecodeHandler produces a decoded result for a request.
type DecodeHandler func(ctx context.Context, req request.Request) (*decode.Result, error)

// DecodeInterceptor wraps the fetch and decode stages of one execution. A
// result returned without calling next must carry a buffer the caller may
// own.
type DecodeInterceptor interface {
	InterceptDecode(ctx context.Context, req request.Request, next DecodeHandler) (*decode.Result, error)
}

// DecodeInterceptorFunc adapts a function to a DecodeInterceptor.
type DecodeInterceptorFunc func(ctx context.Context, req request.Request, next DecodeHandler) (*decode.Result, error)

// InterceptDecode calls f(ctx, req, next).
func (f DecodeInterceptorFunc) InterceptDecode(ctx context.Context, req request.Request, next DecodeHandler) (*decode.Result, error) {
	return f(ctx, req, next)
}

// chainRequest folds interceptors around final, first interceptor outermost.
func chainRequest(interceptors []RequestInterceptor, final RequestHandler) RequestHandler {
	h := final
	for i := len(interceptors) - 1; i >= 0; i-- {
		ic, next := interceptors[i], h
		h = func(ctx context.Context, req request.Request) (*Result, error) {
			return ic.InterceptRequest(ctx, req, next)
		}
	}
	return h
}

// chainDecode folds interceptors around final, first interceptor outermost.
func chainDecode(interceptors []DecodeInterceptor, final DecodeHandler) DecodeHandler {
	h := final
	for i := len(interceptors) - 1; i >= 0; i-- {
		ic, next := interceptors[i], h
		h = func(ctx context.Context, req request.Request) (*decode.Result, error) {
			return ic.InterceptDecode(ctx, req, next)
		}
	}
	return h
}

// resultCacheInterceptor serves and stores post-decode results on disk.
// Only transformed results are written; untransformed ones decode as fast
// from the download cache.
type resultCacheInterceptor struct {
	store  *resultcache.Store
	logger *slog.Logger
}

func (i resultCacheInterceptor) InterceptDecode(ctx context.Context, req request.Request, next DecodeHandler) (*decode.Result, error) {
	key := req.CacheKey()
	policy := req.ResultCachePolicy()

	if policy.ReadEnabled() {
		res, err := i.store.Get(ctx, key)
		switch {
		case errs.IsCanceled(err):
			return nil, err
		case err != nil:
			i.logger.Warn("result cache read failed", "key", key, "error", err)
		case res != nil:
			i.logger.Debug("result cache hit", "key", key)
			return res, nil
		}
	}

	res, err := next(ctx, req)
	if err != nil {
		return nil, err
	}
	if policy.WriteEnabled() && res != nil && len(res.Transformed) > 0 {
		if err := i.store.Put(key, res); err != nil {
			i.logger.Warn("result cache write failed", "key", key, "error", err)
		}
	}
	return res, nil
}
