package fetch

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/tessera/errs"
	"github.com/meigma/tessera/request"
)

func TestRegistryFirstMatchWins(t *testing.T) {
	t.Parallel()

	var order []string
	mk := func(name string, match bool) Factory {
		return FactoryFunc(func(request.Request) Fetcher {
			order = append(order, name)
			if !match {
				return nil
			}
			return FetcherFunc(func(context.Context) (*Result, error) {
				return NewResult(NewBytesSource([]byte(name), FromMemory), ""), nil
			})
		})
	}
	r := NewRegistry(mk("a", false), nil, mk("b", true), mk("c", true))

	fetcher, err := r.Create(request.New("x://y"))
	require.NoError(t, err)
	res, err := fetcher.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), readResult(t, res))
	assert.Equal(t, []string{"a", "b"}, order)
	assert.Len(t, r.Factories(), 3)
}

func TestRegistryNoMatch(t *testing.T) {
	t.Parallel()

	_, err := NewRegistry(FileFactory{}).Create(request.New("gopher://x"))
	assert.ErrorIs(t, err, errs.ErrNoFetcher)
}

func TestResultHeader(t *testing.T) {
	t.Parallel()

	long := NewResult(NewBytesSource(bytes.Repeat([]byte{1}, 100), FromMemory), "")
	h, err := long.Header()
	require.NoError(t, err)
	assert.Len(t, h, HeaderSize)

	short := NewResult(NewBytesSource([]byte{1, 2, 3}, FromMemory), "")
	h, err = short.Header()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, h)
}

func TestProgressCoalesced(t *testing.T) {
	t.Parallel()

	var calls [][2]int64
	p := newProgressWriter(func(total, completed int64) {
		calls = append(calls, [2]int64{total, completed})
	}, 1000, 300*time.Millisecond)
	clock := p.last
	p.now = func() time.Time { return clock }

	write := func(n int, advance time.Duration) {
		clock = clock.Add(advance)
		_, err := p.Write(make([]byte, n))
		require.NoError(t, err)
	}
	write(100, 100*time.Millisecond)
	write(100, 100*time.Millisecond)
	write(100, 100*time.Millisecond) // 300ms since start
	write(100, 100*time.Millisecond)
	write(600, 100*time.Millisecond)
	p.finish()
	p.finish()

	assert.Equal(t, [][2]int64{{1000, 300}, {1000, 1000}}, calls)
}

func TestProgressUnknownTotal(t *testing.T) {
	t.Parallel()

	var got [2]int64
	p := newProgressWriter(func(total, completed int64) { got = [2]int64{total, completed} }, -5, time.Hour)
	_, _ = p.Write([]byte("abc"))
	p.finish()
	assert.Equal(t, [2]int64{-1, 3}, got)
}

func TestFileFactory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "pic.jpg")
	require.NoError(t, os.WriteFile(path, []byte("jpeg"), 0o600))

	for _, uri := range []string{path, "file://" + filepath.ToSlash(path)} {
		fetcher := FileFactory{}.Create(request.New(uri))
		require.NotNil(t, fetcher, uri)
		res, err := fetcher.Fetch(context.Background())
		require.NoError(t, err)
		assert.Equal(t, FromLocal, res.From)
		assert.Equal(t, "image/jpeg", res.MimeType)
		assert.Equal(t, int64(4), res.Source.Size())
		assert.Equal(t, []byte("jpeg"), readResult(t, res))
	}

	_, err := FileFactory{}.Create(request.New(filepath.Join(dir, "missing.png"))).Fetch(context.Background())
	assert.ErrorIs(t, err, errs.ErrIO)
	assert.Nil(t, FileFactory{}.Create(request.New("https://x/y.png")))
}

func TestAssetFactory(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{"img/logo.png": {Data: []byte("logo")}}
	f := AssetFactory{FS: fsys}

	res, err := f.Create(request.New("asset:///img/logo.png")).Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("logo"), readResult(t, res))
	assert.Equal(t, "image/png", res.MimeType)

	_, err = f.Create(request.New("asset://img/none.png")).Fetch(context.Background())
	assert.ErrorIs(t, err, errs.ErrIO)
	assert.Nil(t, AssetFactory{}.Create(request.New("asset://img/logo.png")))
}

func TestBase64Factory(t *testing.T) {
	t.Parallel()

	payload := base64.StdEncoding.EncodeToString([]byte("inline"))
	res, err := Base64Factory{}.Create(request.New("data:image/gif;base64," + payload)).Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "image/gif", res.MimeType)
	assert.Equal(t, FromMemory, res.From)
	assert.Equal(t, []byte("inline"), readResult(t, res))

	assert.Nil(t, Base64Factory{}.Create(request.New("data:text/plain,hello")))

	_, err = Base64Factory{}.Create(request.New("data:image/png;base64,!!!")).Fetch(context.Background())
	assert.ErrorIs(t, err, errs.ErrInvalidRequest)
}

type fakeContent map[string]string

func (f fakeContent) OpenContent(_ context.Context, uri string) (io.ReadCloser, error) {
	data, ok := f[uri]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader([]byte(data))), nil
}

func (fakeContent) ContentType(string) string { return "image/webp" }

func TestContentFactory(t *testing.T) {
	t.Parallel()

	f := ContentFactory{Resolver: fakeContent{"content://media/1": "webp"}}
	res, err := f.Create(request.New("content://media/1")).Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "image/webp", res.MimeType)
	assert.Equal(t, []byte("webp"), readResult(t, res))
	assert.Equal(t, []byte("webp"), readResult(t, res), "sources are re-readable")

	_, err = f.Create(request.New("content://media/2")).Fetch(context.Background())
	assert.ErrorIs(t, err, errs.ErrIO)
}

type fakeResources struct {
	got Resource
}

func (f *fakeResources) OpenResource(_ context.Context, res Resource) (io.ReadCloser, string, error) {
	f.got = res
	return io.NopCloser(bytes.NewReader([]byte("res"))), "image/png", nil
}

func TestResourceFactory(t *testing.T) {
	t.Parallel()

	resolver := &fakeResources{}
	f := ResourceFactory{Resolver: resolver}
	res, err := f.Create(request.New("android.resource://com.example/drawable/icon")).Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("res"), readResult(t, res))
	assert.Equal(t, Resource{Package: "com.example", Type: "drawable", Name: "icon"}, resolver.got)
}

func TestParseResource(t *testing.T) {
	t.Parallel()

	tests := []struct {
		uri  string
		want Resource
		err  bool
	}{
		{uri: "android.resource://pkg/drawable/icon", want: Resource{Package: "pkg", Type: "drawable", Name: "icon"}},
		{uri: "android.resource://pkg/drawable/42", want: Resource{Package: "pkg", Type: "drawable", ID: 42}},
		{uri: "android.resource://pkg/42", want: Resource{Package: "pkg", ID: 42}},
		{uri: "android.resource://pkg/icon", err: true},
		{uri: "android.resource:///drawable/icon", err: true},
		{uri: "android.resource://pkg/a/b/c", err: true},
	}
	for _, tt := range tests {
		got, err := ParseResource(tt.uri)
		if tt.err {
			assert.ErrorIs(t, err, errs.ErrInvalidRequest, tt.uri)
			continue
		}
		require.NoError(t, err, tt.uri)
		assert.Equal(t, tt.want, got, tt.uri)
	}
}

type fakeIcons struct{}

func (fakeIcons) AppIcon(_ context.Context, pkg string, version int) (io.ReadCloser, string, error) {
	if pkg != "com.example" || version != 7 {
		return nil, "", errors.New("no such app")
	}
	return io.NopCloser(bytes.NewReader([]byte("app"))), "image/png", nil
}

func (fakeIcons) APKIcon(_ context.Context, path string) (io.ReadCloser, string, error) {
	if path != "/sdcard/app.apk" {
		return nil, "", errors.New("no such apk")
	}
	return io.NopCloser(bytes.NewReader([]byte("apk"))), "image/png", nil
}

func TestIconFactories(t *testing.T) {
	t.Parallel()

	app := AppIconFactory{Icons: fakeIcons{}}
	res, err := app.Create(request.New("app.icon://com.example/7")).Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("app"), readResult(t, res))

	_, err = app.Create(request.New("app.icon://com.example/seven")).Fetch(context.Background())
	assert.ErrorIs(t, err, errs.ErrInvalidRequest)

	apk := APKIconFactory{Icons: fakeIcons{}}
	res, err = apk.Create(request.New("apk.icon:///sdcard/app.apk")).Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("apk"), readResult(t, res))

	assert.Nil(t, apk.Create(request.New("app.icon://com.example/7")))
	assert.Nil(t, app.Create(request.New("apk.icon:///sdcard/app.apk")))
}
