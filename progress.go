package tessera

import (
	"github.com/meigma/tessera/fetch"
	"github.com/meigma/tessera/request"
)

// ProgressFunc receives download progress for network requests. total is -1
// when the server does not report a length. Calls are coalesced to at most
// one per progress interval, plus a final call when the body ends.
type ProgressFunc = request.ProgressFunc

// DataFrom records where a result's pixels came from.
type DataFrom = fetch.DataFrom

// Provenance tags re-exported from fetch.
const (
	FromNetwork       = fetch.FromNetwork
	FromDownloadCache = fetch.FromDownloadCache
	FromResultCache   = fetch.FromResultCache
	FromLocal         = fetch.FromLocal
	FromMemory        = fetch.FromMemory
	FromMemoryCache   = fetch.FromMemoryCache
)
