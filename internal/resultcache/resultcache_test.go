package resultcache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/tessera/bitmap"
	"github.com/meigma/tessera/cache/disk"
	"github.com/meigma/tessera/decode"
	"github.com/meigma/tessera/fetch"
	"github.com/meigma/tessera/internal/testutil"
)

func newStore(t *testing.T, pool *bitmap.Pool) *Store {
	t.Helper()
	c, err := disk.Open(t.TempDir(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return New(c, pool)
}

func sampleResult(t *testing.T) *decode.Result {
	t.Helper()
	buf, err := bitmap.New(12, 7, bitmap.FormatRGBA8888)
	require.NoError(t, err)
	require.NoError(t, buf.Draw(testutil.Gradient(12, 7)))
	return &decode.Result{
		Buffer:      buf,
		Info:        decode.ImageInfo{Width: 48, Height: 28, MimeType: "image/jpeg", Orientation: 6},
		Transformed: []decode.Transformed{"ExifOrientationTransformed(6)", "ResizeTransformed(12x7,LESS_PIXELS,CENTER)"},
		From:        fetch.FromNetwork,
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	t.Parallel()

	pool := bitmap.NewPool(0)
	s := newStore(t, pool)
	want := sampleResult(t)
	require.NoError(t, s.Put("https://example.com/a.jpg?_size=12x7", want))

	got, err := s.Get(context.Background(), "https://example.com/a.jpg?_size=12x7")
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, want.Buffer.Pix(), got.Buffer.Pix())
	assert.Equal(t, want.Buffer.Bounds(), got.Buffer.Bounds())
	assert.Equal(t, want.Buffer.Format(), got.Buffer.Format())
	assert.Equal(t, want.Info, got.Info)
	assert.Equal(t, want.Transformed, got.Transformed)
	assert.Equal(t, fetch.FromResultCache, got.From)
	assert.Equal(t, int64(1), pool.Stats().Misses, "hit allocates through the pool")
}

func TestGetReusesPooledBuffer(t *testing.T) {
	t.Parallel()

	pool := bitmap.NewPool(0)
	s := newStore(t, pool)
	require.NoError(t, s.Put("k", sampleResult(t)))

	free, err := bitmap.New(12, 7, bitmap.FormatRGBA8888)
	require.NoError(t, err)
	require.True(t, pool.Free(free))

	got, err := s.Get(context.Background(), "k")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Same(t, free, got.Buffer)
}

func TestGetMiss(t *testing.T) {
	t.Parallel()

	got, err := newStore(t, nil).Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCorruptEntryIsDropped(t *testing.T) {
	t.Parallel()

	s := newStore(t, nil)
	key := disk.EncodeKey("k")
	ed, err := s.Disk().Edit(key)
	require.NoError(t, err)
	_, err = ed.Write([]byte("TSRC\x04\x00\x00\x00junkpixels"))
	require.NoError(t, err)
	require.NoError(t, ed.Commit())

	got, err := s.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Nil(t, got)

	snap, err := s.Disk().Get(key)
	require.NoError(t, err)
	assert.Nil(t, snap, "corrupt entry removed")
}

func TestTruncatedPixelsFreeBuffer(t *testing.T) {
	t.Parallel()

	pool := bitmap.NewPool(0)
	s := newStore(t, pool)
	res := sampleResult(t)

	key := disk.EncodeKey("k")
	ed, err := s.Disk().Edit(key)
	require.NoError(t, err)
	header := buildHeader(res)
	_, err = ed.Write(append([]byte{'T', 'S', 'R', 'C', byte(len(header)), byte(len(header) >> 8), 0, 0}, header...))
	require.NoError(t, err)
	require.NoError(t, ed.Commit())

	got, err := s.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, 1, pool.FreeCount(), "allocated buffer returned to the pool")
}

func TestCanceledGet(t *testing.T) {
	t.Parallel()

	s := newStore(t, nil)
	require.NoError(t, s.Put("k", sampleResult(t)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Get(ctx, "k")
	require.ErrorIs(t, err, context.Canceled)

	got, err := s.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.NotNil(t, got, "cancellation keeps the entry")
}

func TestRemove(t *testing.T) {
	t.Parallel()

	s := newStore(t, nil)
	require.NoError(t, s.Put("k", sampleResult(t)))
	require.NoError(t, s.Remove("k"))

	got, err := s.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Nil(t, got)
}
