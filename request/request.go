// Package request defines the immutable image request and the cache keys
// derived from it.
package request

import (
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/meigma/tessera/bitmap"
	"github.com/meigma/tessera/errs"
)

// ProgressFunc receives download progress. total is -1 when unknown.
type ProgressFunc func(total, completed int64)

// Size is a target size in pixels. The zero Size requests the original size.
type Size struct {
	Width  int
	Height int
}

// IsOriginal reports whether s requests the source dimensions.
func (s Size) IsOriginal() bool { return s.Width <= 0 || s.Height <= 0 }

// String returns "WxH".
func (s Size) String() string { return strconv.Itoa(s.Width) + "x" + strconv.Itoa(s.Height) }

// Precision controls how strictly the decoded size matches the target size.
type Precision uint8

const (
	// LessPixels scales down proportionally so the result fits inside the
	// target size and never scales up.
	LessPixels Precision = iota

	// SameAspectRatio produces the target aspect ratio, cropping by Anchor,
	// without exceeding the source resolution.
	SameAspectRatio

	// Exactly produces exactly the target size, cropping by Anchor.
	Exactly
)

// String returns the string representation of the precision.
func (p Precision) String() string {
	switch p {
	case LessPixels:
		return "LESS_PIXELS"
	case SameAspectRatio:
		return "SAME_ASPECT_RATIO"
	case Exactly:
		return "EXACTLY"
	default:
		return "unknown"
	}
}

// Anchor selects the retained region when cropping.
type Anchor uint8

// Crop anchors.
const (
	Center Anchor = iota
	TopLeft
	Top
	TopRight
	Left
	Right
	BottomLeft
	Bottom
	BottomRight
)

var anchorNames = [...]string{
	Center:      "CENTER",
	TopLeft:     "TOP_LEFT",
	Top:         "TOP",
	TopRight:    "TOP_RIGHT",
	Left:        "LEFT",
	Right:       "RIGHT",
	BottomLeft:  "BOTTOM_LEFT",
	Bottom:      "BOTTOM",
	BottomRight: "BOTTOM_RIGHT",
}

// String returns the string representation of the anchor.
func (a Anchor) String() string {
	if int(a) < len(anchorNames) {
		return anchorNames[a]
	}
	return "unknown"
}

// CachePolicy gates reads and writes of one cache stage.
type CachePolicy uint8

// Cache policies.
const (
	Enabled CachePolicy = iota
	ReadOnly
	WriteOnly
	Disabled
)

// ReadEnabled reports whether the stage may be read.
func (p CachePolicy) ReadEnabled() bool { return p == Enabled || p == ReadOnly }

// WriteEnabled reports whether the stage may be written.
func (p CachePolicy) WriteEnabled() bool { return p == Enabled || p == WriteOnly }

// String returns the string representation of the policy.
func (p CachePolicy) String() string {
	switch p {
	case Enabled:
		return "ENABLED"
	case ReadOnly:
		return "READ_ONLY"
	case WriteOnly:
		return "WRITE_ONLY"
	case Disabled:
		return "DISABLED"
	default:
		return "unknown"
	}
}

// ParseCachePolicy parses the String form of a policy, case-insensitively.
func ParseCachePolicy(s string) (CachePolicy, error) {
	for _, p := range []CachePolicy{Enabled, ReadOnly, WriteOnly, Disabled} {
		if strings.EqualFold(s, p.String()) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown cache policy %q", errs.ErrInvalidRequest, s)
}

// Depth limits how far into the pipeline a request may go.
type Depth uint8

const (
	// DepthNetwork allows every stage.
	DepthNetwork Depth = iota

	// DepthLocal forbids network transfers; local sources and disk caches
	// are allowed.
	DepthLocal

	// DepthMemory allows only the memory cache.
	DepthMemory
)

// String returns the string representation of the depth.
func (d Depth) String() string {
	switch d {
	case DepthNetwork:
		return "NETWORK"
	case DepthLocal:
		return "LOCAL"
	case DepthMemory:
		return "MEMORY"
	default:
		return "unknown"
	}
}

// Request is an immutable image request. Build one with New and derive
// variants with With.
type Request struct {
	uri            string
	size           Size
	precision      Precision
	anchor         Anchor
	format         bitmap.Format
	memoryPolicy   CachePolicy
	resultPolicy   CachePolicy
	downloadPolicy CachePolicy
	depth          Depth
	ignoreExif     bool
	transforms     []string
	progress       ProgressFunc
	headers        http.Header
}

// Option configures a Request.
type Option func(*Request)

// New builds a request for uri. Every cache stage is enabled by default.
func New(uri string, opts ...Option) Request {
	r := Request{uri: uri}
	for _, opt := range opts {
		opt(&r)
	}
	return r
}

// With returns a copy of r with opts applied.
func (r Request) With(opts ...Option) Request {
	r.transforms = slices.Clone(r.transforms)
	r.headers = r.headers.Clone()
	for _, opt := range opts {
		opt(&r)
	}
	return r
}

// WithURI replaces the request URI.
func WithURI(uri string) Option {
	return func(r *Request) {
		r.uri = uri
	}
}

// WithSize sets the target size.
func WithSize(width, height int) Option {
	return func(r *Request) {
		r.size = Size{Width: width, Height: height}
	}
}

// WithPrecision sets the size precision.
func WithPrecision(p Precision) Option {
	return func(r *Request) {
		r.precision = p
	}
}

// WithAnchor sets the crop anchor.
func WithAnchor(a Anchor) Option {
	return func(r *Request) {
		r.anchor = a
	}
}

// WithFormat sets the preferred pixel format.
func WithFormat(f bitmap.Format) Option {
	return func(r *Request) {
		r.format = f
	}
}

// WithMemoryCachePolicy sets the memory cache policy.
func WithMemoryCachePolicy(p CachePolicy) Option {
	return func(r *Request) {
		r.memoryPolicy = p
	}
}

// WithResultCachePolicy sets the post-decode disk cache policy.
func WithResultCachePolicy(p CachePolicy) Option {
	return func(r *Request) {
		r.resultPolicy = p
	}
}

// WithDownloadCachePolicy sets the raw-byte disk cache policy.
func WithDownloadCachePolicy(p CachePolicy) Option {
	return func(r *Request) {
		r.downloadPolicy = p
	}
}

// WithDepth sets the depth limit.
func WithDepth(d Depth) Option {
	return func(r *Request) {
		r.depth = d
	}
}

// WithIgnoreExifOrientation disables EXIF orientation correction.
func WithIgnoreExifOrientation(ignore bool) Option {
	return func(r *Request) {
		r.ignoreExif = ignore
	}
}

// WithTransformation appends the key of a pixel transformation applied by a
// decode interceptor. Transformation keys take part in the cache key.
func WithTransformation(key string) Option {
	return func(r *Request) {
		r.transforms = append(r.transforms, key)
	}
}

// WithProgress sets the download progress listener.
func WithProgress(fn ProgressFunc) Option {
	return func(r *Request) {
		r.progress = fn
	}
}

// WithHeader adds an HTTP header sent by network fetchers.
func WithHeader(key, value string) Option {
	return func(r *Request) {
		if r.headers == nil {
			r.headers = make(http.Header)
		}
		r.headers.Add(key, value)
	}
}

// URI returns the request URI.
func (r Request) URI() string { return r.uri }

// Size returns the target size.
func (r Request) Size() Size { return r.size }

// Precision returns the size precision.
func (r Request) Precision() Precision { return r.precision }

// Anchor returns the crop anchor.
func (r Request) Anchor() Anchor { return r.anchor }

// Format returns the preferred pixel format.
func (r Request) Format() bitmap.Format { return r.format }

// MemoryCachePolicy returns the memory cache policy.
func (r Request) MemoryCachePolicy() CachePolicy { return r.memoryPolicy }

// ResultCachePolicy returns the post-decode disk cache policy.
func (r Request) ResultCachePolicy() CachePolicy { return r.resultPolicy }

// DownloadCachePolicy returns the raw-byte disk cache policy.
func (r Request) DownloadCachePolicy() CachePolicy { return r.downloadPolicy }

// Depth returns the depth limit.
func (r Request) Depth() Depth { return r.depth }

// IgnoreExifOrientation reports whether EXIF orientation is ignored.
func (r Request) IgnoreExifOrientation() bool { return r.ignoreExif }

// Transformations returns the transformation keys in application order.
func (r Request) Transformations() []string { return slices.Clone(r.transforms) }

// Progress returns the progress listener, or nil.
func (r Request) Progress() ProgressFunc { return r.progress }

// Headers returns a copy of the extra HTTP headers.
func (r Request) Headers() http.Header { return r.headers.Clone() }

// Scheme returns the lower-cased URI scheme, "file" for bare absolute paths,
// or "" when the URI has none.
func (r Request) Scheme() string {
	if strings.HasPrefix(r.uri, "/") {
		return "file"
	}
	i := strings.IndexByte(r.uri, ':')
	if i <= 0 {
		return ""
	}
	return strings.ToLower(r.uri[:i])
}

// Validate reports malformed requests.
func (r Request) Validate() error {
	if r.uri == "" {
		return fmt.Errorf("%w: empty uri", errs.ErrInvalidRequest)
	}
	if r.size.Width < 0 || r.size.Height < 0 {
		return fmt.Errorf("%w: negative size %s", errs.ErrInvalidRequest, r.size)
	}
	if int(r.anchor) >= len(anchorNames) {
		return fmt.Errorf("%w: unknown anchor %d", errs.ErrInvalidRequest, r.anchor)
	}
	return nil
}

// CacheKey returns the key of the decoded result. It covers exactly the
// fields that affect pixel output, in a fixed order.
func (r Request) CacheKey() string {
	q := make([]string, 0, 6)
	q = append(q, "_size="+r.size.String())
	q = append(q, "_precision="+r.precision.String())
	q = append(q, "_anchor="+r.anchor.String())
	q = append(q, "_format="+r.format.String())
	if r.ignoreExif {
		q = append(q, "_exif=ignore")
	} else {
		q = append(q, "_exif=apply")
	}
	if len(r.transforms) > 0 {
		escaped := make([]string, len(r.transforms))
		for i, t := range r.transforms {
			escaped[i] = url.QueryEscape(t)
		}
		q = append(q, "_transformations="+strings.Join(escaped, ","))
	}

	sep := "?"
	if strings.Contains(r.uri, "?") {
		sep = "&"
	}
	return r.uri + sep + strings.Join(q, "&")
}

// DownloadKey returns the key of the raw downloaded bytes.
func (r Request) DownloadKey() string { return r.uri }
