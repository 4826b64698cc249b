package keylock

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSameKeyIsExclusive(t *testing.T) {
	t.Parallel()

	m := New()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Go(func() {
			l := m.Locker("a")
			l.Lock()
			n := inside.Add(1)
			for {
				cur := maxInside.Load()
				if n <= cur || maxInside.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			l.Unlock()
		})
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load())
	assert.Equal(t, 0, m.Len())
}

func TestDifferentKeysDoNotContend(t *testing.T) {
	t.Parallel()

	m := New()
	m.Lock("a")
	defer m.Unlock("a")

	done := make(chan struct{})
	go func() {
		m.Lock("b")
		m.Unlock("b")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
}

func TestUnlockUnknownPanics(t *testing.T) {
	t.Parallel()

	m := New()
	assert.Panics(t, func() { m.Unlock("missing") })
}
