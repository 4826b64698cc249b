package memory

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/tessera/bitmap"
)

const mb = 1 << 20

// countedOfSize returns a Counted whose RGBA buffer is exactly n MiB.
func countedOfSize(t *testing.T, key string, n int, pool *bitmap.Pool) *bitmap.Counted {
	t.Helper()
	buf, err := bitmap.New(512, 512*n, bitmap.FormatRGBA8888)
	require.NoError(t, err)
	require.Equal(t, n*mb, buf.ByteCount())
	return bitmap.NewCounted(key, buf, pool)
}

func TestCacheLRUEviction(t *testing.T) {
	t.Parallel()

	c := New(10 * mb)
	for i, size := range []int{1, 2, 3, 4} {
		key := fmt.Sprintf("k%d", i+1)
		require.True(t, c.Put(key, countedOfSize(t, key, size, nil)))
	}
	assert.Equal(t, int64(10*mb), c.Size())

	require.True(t, c.Put("k5", countedOfSize(t, "k5", 5, nil)))

	assert.Nil(t, c.Get("k1"))
	assert.Nil(t, c.Get("k2"))
	assert.Nil(t, c.Get("k3"))
	assert.NotNil(t, c.Get("k4"))
	assert.NotNil(t, c.Get("k5"))
	assert.Equal(t, int64(9*mb), c.Size())
	assert.Equal(t, int64(3), c.Stats().Evictions)
}

func TestCacheGetRefreshesRecency(t *testing.T) {
	t.Parallel()

	c := New(3 * mb)
	for _, key := range []string{"a", "b", "c"} {
		require.True(t, c.Put(key, countedOfSize(t, key, 1, nil)))
	}
	require.NotNil(t, c.Get("a"))

	require.True(t, c.Put("d", countedOfSize(t, "d", 1, nil)))
	assert.True(t, c.Contains("a"))
	assert.False(t, c.Contains("b"))
	assert.Equal(t, []string{"c", "a", "d"}, c.Keys())
}

func TestCacheReferenceAccounting(t *testing.T) {
	t.Parallel()

	pool := bitmap.NewPool(64 * mb)
	c := New(2 * mb)

	shown := countedOfSize(t, "shown", 1, pool)
	require.True(t, c.Put("shown", shown))
	require.NoError(t, shown.IncDisplayed())

	cached, displayed, _ := shown.Counts()
	assert.Equal(t, 1, cached)
	assert.Equal(t, 1, displayed)

	// Evicting a displayed entry drops it from the index but keeps the buffer.
	require.True(t, c.Put("other", countedOfSize(t, "other", 2, pool)))
	assert.Nil(t, c.Get("shown"))
	assert.False(t, shown.IsRecycled())
	assert.Equal(t, 0, pool.FreeCount())

	require.NoError(t, shown.DecDisplayed())
	assert.True(t, shown.IsRecycled())
	assert.Equal(t, 1, pool.FreeCount())
}

func TestCachePutSameValueTwice(t *testing.T) {
	t.Parallel()

	c := New(4 * mb)
	v := countedOfSize(t, "k", 1, nil)
	require.True(t, c.Put("k", v))
	require.True(t, c.Put("k", v))

	cached, _, _ := v.Counts()
	assert.Equal(t, 1, cached)
	assert.Equal(t, int64(mb), c.Size())
}

func TestCacheReplaceReleasesOld(t *testing.T) {
	t.Parallel()

	c := New(4 * mb)
	old := countedOfSize(t, "k", 1, nil)
	require.True(t, c.Put("k", old))
	require.True(t, c.Put("k", countedOfSize(t, "k", 2, nil)))

	assert.True(t, old.IsRecycled())
	assert.Equal(t, int64(2*mb), c.Size())
	assert.Equal(t, 1, c.Len())
}

func TestCacheRejectsOversized(t *testing.T) {
	t.Parallel()

	c := New(mb)
	v := countedOfSize(t, "big", 2, nil)
	assert.False(t, c.Put("big", v))
	cached, _, _ := v.Counts()
	assert.Equal(t, 0, cached)
}

func TestCacheTrimAndClear(t *testing.T) {
	t.Parallel()

	c := New(4 * mb)
	for _, key := range []string{"a", "b", "c", "d"} {
		require.True(t, c.Put(key, countedOfSize(t, key, 1, nil)))
	}

	c.Trim(bitmap.TrimUIHidden)
	assert.Equal(t, 4, c.Len())

	c.Trim(bitmap.TrimBackground)
	assert.Equal(t, int64(2*mb), c.Size())
	assert.Equal(t, []string{"c", "d"}, c.Keys())

	c.Trim(bitmap.TrimModerate)
	assert.Equal(t, 0, c.Len())

	require.True(t, c.Put("e", countedOfSize(t, "e", 1, nil)))
	c.Clear()
	assert.Equal(t, int64(0), c.Size())
}

func TestCacheRemove(t *testing.T) {
	t.Parallel()

	c := New(4 * mb)
	v := countedOfSize(t, "k", 1, nil)
	require.True(t, c.Put("k", v))
	assert.True(t, c.Remove("k"))
	assert.False(t, c.Remove("k"))
	assert.True(t, v.IsRecycled())
}
