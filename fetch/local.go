package fetch

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/url"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/meigma/tessera/errs"
	"github.com/meigma/tessera/request"
)

// FileFactory handles file:// URIs and bare absolute paths.
type FileFactory struct{}

// Create matches file URIs.
func (FileFactory) Create(req request.Request) Fetcher {
	if req.Scheme() != "file" {
		return nil
	}
	uri := req.URI()
	return FetcherFunc(func(ctx context.Context) (*Result, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := filePath(uri)
		if err != nil {
			return nil, err
		}
		src, err := NewFileSource(p, FromLocal)
		if err != nil {
			return nil, errs.IO("open file", err)
		}
		return NewResult(src, mimeFromExt(p)), nil
	})
}

func filePath(uri string) (string, error) {
	if strings.HasPrefix(uri, "/") {
		return uri, nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("%w: %w", errs.ErrInvalidRequest, err)
	}
	if u.Path == "" {
		return "", fmt.Errorf("%w: file uri without path: %s", errs.ErrInvalidRequest, uri)
	}
	return filepath.FromSlash(u.Path), nil
}

// AssetFactory handles asset:// URIs by reading from an fs.FS.
type AssetFactory struct {
	FS fs.FS
}

// Create matches asset URIs.
func (a AssetFactory) Create(req request.Request) Fetcher {
	if req.Scheme() != "asset" || a.FS == nil {
		return nil
	}
	uri := req.URI()
	return FetcherFunc(func(ctx context.Context) (*Result, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := strings.TrimLeft(afterScheme(uri), "/")
		if !fs.ValidPath(name) {
			return nil, fmt.Errorf("%w: bad asset path %q", errs.ErrInvalidRequest, name)
		}
		src, err := NewFSSource(a.FS, name, FromLocal)
		if err != nil {
			return nil, errs.IO("open asset", err)
		}
		return NewResult(src, mimeFromExt(name)), nil
	})
}

// ContentResolver opens content:// URIs.
type ContentResolver interface {
	OpenContent(ctx context.Context, uri string) (io.ReadCloser, error)

	// ContentType returns the MIME type of uri, or "" when unknown.
	ContentType(uri string) string
}

// ContentFactory handles content:// URIs through a ContentResolver.
type ContentFactory struct {
	Resolver ContentResolver
}

// Create matches content URIs.
func (c ContentFactory) Create(req request.Request) Fetcher {
	if req.Scheme() != "content" || c.Resolver == nil {
		return nil
	}
	uri := req.URI()
	return FetcherFunc(func(ctx context.Context) (*Result, error) {
		// Open once up front so missing content fails the fetch rather than
		// the decode.
		rc, err := c.Resolver.OpenContent(ctx, uri)
		if err != nil {
			return nil, errs.IO("open content", err)
		}
		_ = rc.Close()

		src := NewOpenerSource(func() (io.ReadCloser, error) {
			return c.Resolver.OpenContent(ctx, uri)
		}, -1, FromLocal)
		return NewResult(src, c.Resolver.ContentType(uri)), nil
	})
}

// Base64Factory handles data:<mime>;base64,<payload> URIs.
type Base64Factory struct{}

// Create matches base64 data URIs.
func (Base64Factory) Create(req request.Request) Fetcher {
	uri := req.URI()
	if req.Scheme() != "data" {
		return nil
	}
	comma := strings.IndexByte(uri, ',')
	if comma < 0 || !strings.HasSuffix(strings.ToLower(uri[:comma]), ";base64") {
		return nil
	}
	meta, payload := uri[len("data:"):comma], uri[comma+1:]
	return FetcherFunc(func(ctx context.Context) (*Result, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := decodeBase64(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: base64 payload: %w", errs.ErrInvalidRequest, err)
		}
		mimeType, _, _ := strings.Cut(meta, ";")
		return NewResult(NewBytesSource(data, FromMemory), mimeType), nil
	})
}

func decodeBase64(payload string) ([]byte, error) {
	if unescaped, err := url.PathUnescape(payload); err == nil {
		payload = unescaped
	}
	payload = strings.TrimSpace(payload)
	data, err := base64.StdEncoding.DecodeString(payload)
	if err == nil {
		return data, nil
	}
	if raw, rawErr := base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "=")); rawErr == nil {
		return raw, nil
	}
	return nil, err
}

// Resource identifies a packaged application resource.
type Resource struct {
	Package string
	Type    string
	Name    string

	// ID is the numeric resource id, or 0 when addressed by name.
	ID int
}

// ResourceResolver opens packaged application resources.
type ResourceResolver interface {
	OpenResource(ctx context.Context, res Resource) (rc io.ReadCloser, mimeType string, err error)
}

// ResourceFactory handles android.resource://<package>/<type>/<name> and
// android.resource://<package>/<id> URIs.
type ResourceFactory struct {
	Resolver ResourceResolver
}

// Create matches resource URIs.
func (r ResourceFactory) Create(req request.Request) Fetcher {
	if req.Scheme() != "android.resource" || r.Resolver == nil {
		return nil
	}
	uri := req.URI()
	return FetcherFunc(func(ctx context.Context) (*Result, error) {
		res, err := ParseResource(uri)
		if err != nil {
			return nil, err
		}
		rc, mimeType, err := r.Resolver.OpenResource(ctx, res)
		if err != nil {
			return nil, errs.IO("open resource", err)
		}
		return readAllResult(rc, mimeType, "read resource")
	})
}

// ParseResource parses an android.resource URI.
func ParseResource(uri string) (Resource, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return Resource{}, fmt.Errorf("%w: %w", errs.ErrInvalidRequest, err)
	}
	res := Resource{Package: u.Host}
	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	switch {
	case res.Package == "":
		return Resource{}, fmt.Errorf("%w: resource uri without package: %s", errs.ErrInvalidRequest, uri)
	case len(segs) == 1 && segs[0] != "":
		id, err := strconv.Atoi(segs[0])
		if err != nil || id <= 0 {
			return Resource{}, fmt.Errorf("%w: bad resource id in %s", errs.ErrInvalidRequest, uri)
		}
		res.ID = id
	case len(segs) == 2 && segs[0] != "" && segs[1] != "":
		res.Type = segs[0]
		if id, err := strconv.Atoi(segs[1]); err == nil && id > 0 {
			res.ID = id
		} else {
			res.Name = segs[1]
		}
	default:
		return Resource{}, fmt.Errorf("%w: malformed resource uri %s", errs.ErrInvalidRequest, uri)
	}
	return res, nil
}

// IconProvider renders application icons as encoded image bytes.
type IconProvider interface {
	AppIcon(ctx context.Context, packageName string, versionCode int) (rc io.ReadCloser, mimeType string, err error)
	APKIcon(ctx context.Context, path string) (rc io.ReadCloser, mimeType string, err error)
}

// AppIconFactory handles app.icon://<package>/<versionCode> URIs.
type AppIconFactory struct {
	Icons IconProvider
}

// Create matches installed-application icon URIs.
func (a AppIconFactory) Create(req request.Request) Fetcher {
	if req.Scheme() != "app.icon" || a.Icons == nil {
		return nil
	}
	uri := req.URI()
	return FetcherFunc(func(ctx context.Context) (*Result, error) {
		rest := afterScheme(uri)
		pkg, version, ok := strings.Cut(rest, "/")
		if !ok || pkg == "" {
			return nil, fmt.Errorf("%w: malformed app icon uri %s", errs.ErrInvalidRequest, uri)
		}
		code, err := strconv.Atoi(version)
		if err != nil {
			return nil, fmt.Errorf("%w: bad version code in %s", errs.ErrInvalidRequest, uri)
		}
		rc, mimeType, err := a.Icons.AppIcon(ctx, pkg, code)
		if err != nil {
			return nil, errs.IO("load app icon", err)
		}
		return readAllResult(rc, mimeType, "read app icon")
	})
}

// APKIconFactory handles apk.icon://<path> URIs.
type APKIconFactory struct {
	Icons IconProvider
}

// Create matches package-file icon URIs.
func (a APKIconFactory) Create(req request.Request) Fetcher {
	if req.Scheme() != "apk.icon" || a.Icons == nil {
		return nil
	}
	uri := req.URI()
	return FetcherFunc(func(ctx context.Context) (*Result, error) {
		p := afterScheme(uri)
		if p == "" {
			return nil, fmt.Errorf("%w: apk icon uri without path", errs.ErrInvalidRequest)
		}
		rc, mimeType, err := a.Icons.APKIcon(ctx, p)
		if err != nil {
			return nil, errs.IO("load apk icon", err)
		}
		return readAllResult(rc, mimeType, "read apk icon")
	})
}

func readAllResult(rc io.ReadCloser, mimeType, op string) (*Result, error) {
	defer rc.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(rc); err != nil {
		return nil, errs.IO(op, err)
	}
	if buf.Len() == 0 {
		return nil, errs.IO(op, errors.New("empty content"))
	}
	return NewResult(NewBytesSource(buf.Bytes(), FromLocal), mimeType), nil
}

// afterScheme returns uri without its "scheme:" prefix and authority
// slashes.
func afterScheme(uri string) string {
	_, rest, _ := strings.Cut(uri, ":")
	return strings.TrimPrefix(rest, "//")
}

func mimeFromExt(name string) string {
	ext := path.Ext(filepath.ToSlash(name))
	if ext == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(mime.TypeByExtension(ext))
	if err != nil {
		return ""
	}
	return mt
}
