// Package tessera loads images through a fetch, decode and cache pipeline.
//
// An [Engine] turns a [request.Request] into a reference-counted pixel buffer.
// Every stage is cached: decoded buffers live in an in-memory LRU, raw
// downloads and resized results persist in journaled disk caches, and
// concurrent requests for the same cache key share one execution.
//
// # Quick Start
//
// Load an image at thumbnail size:
//
//	e, err := tessera.New(tessera.WithCacheDir("/var/cache/tessera"))
//	if err != nil {
//	    return err
//	}
//	defer e.Close()
//
//	res, err := e.Execute(ctx, request.New("https://example.com/cat.jpg",
//	    request.WithSize(200, 200),
//	))
//	if err != nil {
//	    return err
//	}
//	defer res.Release()
//	img := res.Image()
//
// Callers own one display reference per successful Execute and must call
// [Result.Release] once when they stop showing the image. The buffer goes
// back to the pool when no cache, caller or in-flight execution holds it.
//
// # Caching
//
// The memory cache is always present. Disk caches are opt-in:
//
//	e, err := tessera.New(
//	    tessera.WithDownloadCacheDir("/var/cache/tessera/downloads", 0),
//	    tessera.WithResultCacheDir("/var/cache/tessera/results", 0),
//	)
//
// A disk cache directory that cannot be opened is reported once and the
// engine continues without it.
//
// # Large images
//
// [Engine.Tiles] builds a [tile.Manager] that decodes only the regions of a
// very large image the viewport shows, at the resolution the zoom needs.
package tessera
