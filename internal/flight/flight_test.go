package flight

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, time.Millisecond)
}

func TestDoRunsOncePerKey(t *testing.T) {
	t.Parallel()

	g := New[int]()
	var runs atomic.Int32
	release := make(chan struct{})

	const n = 10
	var wg sync.WaitGroup
	results := make([]int, n)
	sharedCount := atomic.Int32{}
	for i := range n {
		wg.Go(func() {
			v, shared, err := g.Do(context.Background(), "k", func(context.Context) (int, error) {
				runs.Add(1)
				<-release
				return 42, nil
			})
			assert.NoError(t, err)
			if shared {
				sharedCount.Add(1)
			}
			results[i] = v
		})
	}
	waitFor(t, func() bool { return g.Waiters("k") == n })
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), runs.Load())
	assert.Equal(t, int32(n-1), sharedCount.Load())
	for _, v := range results {
		assert.Equal(t, 42, v)
	}
	assert.Equal(t, 0, g.Len())
}

func TestDoSharesError(t *testing.T) {
	t.Parallel()

	g := New[int]()
	boom := errors.New("boom")
	release := make(chan struct{})

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Go(func() {
			_, _, errs[i] = g.Do(context.Background(), "k", func(context.Context) (int, error) {
				<-release
				return 0, boom
			})
		})
	}
	waitFor(t, func() bool { return g.Waiters("k") == 3 })
	close(release)
	wg.Wait()

	for _, err := range errs {
		assert.Same(t, boom, err)
	}
}

func TestDifferentKeysRunConcurrently(t *testing.T) {
	t.Parallel()

	g := New[string]()
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	fn := func(context.Context) (string, error) {
		started <- struct{}{}
		<-release
		return "ok", nil
	}

	var wg sync.WaitGroup
	for _, key := range []string{"a", "b"} {
		wg.Go(func() {
			_, _, err := g.Do(context.Background(), key, fn)
			assert.NoError(t, err)
		})
	}
	<-started
	<-started
	assert.Equal(t, 2, g.Len())
	close(release)
	wg.Wait()
}

func TestClaimCountsLiveWaiters(t *testing.T) {
	t.Parallel()

	var claimed, released atomic.Int32
	g := New(
		WithClaim(func(_ int, waiters int) { claimed.Add(int32(waiters)) }),
		WithRelease(func(int) { released.Add(1) }),
	)
	release := make(chan struct{})
	fn := func(context.Context) (int, error) {
		<-release
		return 1, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Go(func() {
		_, _, err := g.Do(ctx, "k", fn)
		assert.ErrorIs(t, err, context.Canceled)
	})
	for range 2 {
		wg.Go(func() {
			_, _, err := g.Do(context.Background(), "k", fn)
			assert.NoError(t, err)
		})
	}
	waitFor(t, func() bool { return g.Waiters("k") == 3 })
	cancel()
	waitFor(t, func() bool { return g.Waiters("k") == 2 })
	close(release)
	wg.Wait()

	assert.Equal(t, int32(2), claimed.Load())
	waitFor(t, func() bool { return released.Load() == 1 })
}

func TestLastWaiterLeavingCancelsExecution(t *testing.T) {
	t.Parallel()

	var claimed atomic.Int32
	released := make(chan int, 1)
	g := New(
		WithClaim(func(_ int, waiters int) { claimed.Add(int32(waiters)) }),
		WithRelease(func(v int) { released <- v }),
	)
	observed := make(chan error, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, err := g.Do(ctx, "k", func(fctx context.Context) (int, error) {
			<-fctx.Done()
			observed <- fctx.Err()
			return 0, fctx.Err()
		})
		assert.ErrorIs(t, err, context.Canceled)
	}()
	waitFor(t, func() bool { return g.Waiters("k") == 1 })
	cancel()
	<-done

	select {
	case err := <-observed:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("execution context was not cancelled")
	}
	assert.Equal(t, 0, g.Len())
	assert.Zero(t, claimed.Load())
	assert.Empty(t, released)
}

func TestAbandonedSuccessIsReleased(t *testing.T) {
	t.Parallel()

	claims := make(chan int, 1)
	released := make(chan int, 1)
	g := New(
		WithClaim(func(_ int, waiters int) { claims <- waiters }),
		WithRelease(func(v int) { released <- v }),
	)
	proceed := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_, _, _ = g.Do(ctx, "k", func(context.Context) (int, error) {
			<-proceed
			return 7, nil
		})
	}()
	waitFor(t, func() bool { return g.Waiters("k") == 1 })
	cancel()
	waitFor(t, func() bool { return g.Len() == 0 })
	close(proceed)

	assert.Equal(t, 0, <-claims)
	assert.Equal(t, 7, <-released)
}

func TestKeyReusableAfterAbandon(t *testing.T) {
	t.Parallel()

	g := New[int]()
	block := make(chan struct{})
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_, _, _ = g.Do(ctx, "k", func(context.Context) (int, error) {
			<-block
			return 1, nil
		})
	}()
	waitFor(t, func() bool { return g.Waiters("k") == 1 })
	cancel()
	waitFor(t, func() bool { return g.Len() == 0 })

	v, shared, err := g.Do(context.Background(), "k", func(context.Context) (int, error) { return 2, nil })
	require.NoError(t, err)
	assert.False(t, shared)
	assert.Equal(t, 2, v)
}

func TestPanicBecomesError(t *testing.T) {
	t.Parallel()

	g := New[int]()
	_, _, err := g.Do(context.Background(), "k", func(context.Context) (int, error) {
		panic("bad")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic: bad")
	assert.Equal(t, 0, g.Len())
}
