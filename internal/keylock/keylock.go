// Package keylock provides mutual exclusion scoped to string keys.
//
// Unrelated keys never contend. A key's lock is allocated on first use and
// dropped once no goroutine holds or waits for it.
package keylock

import "sync"

// Map hands out per-key locks.
type Map struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// New returns an empty Map.
func New() *Map {
	return &Map{locks: make(map[string]*keyLock)}
}

// Lock blocks until the lock for key is held.
func (m *Map) Lock(key string) {
	m.mu.Lock()
	if m.locks == nil {
		m.locks = make(map[string]*keyLock)
	}
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
}

// Unlock releases the lock for key. It panics if key is not locked.
func (m *Map) Unlock(key string) {
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		m.mu.Unlock()
		panic("keylock: unlock of unlocked key " + key)
	}
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
	m.mu.Unlock()

	l.mu.Unlock()
}

// Locker returns a sync.Locker bound to key.
func (m *Map) Locker(key string) sync.Locker {
	return &locker{m: m, key: key}
}

// Len returns the number of keys currently locked or awaited.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

type locker struct {
	m   *Map
	key string
}

func (l *locker) Lock()   { l.m.Lock(l.key) }
func (l *locker) Unlock() { l.m.Unlock(l.key) }
