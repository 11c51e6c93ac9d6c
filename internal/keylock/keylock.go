// Package keylock provides a mutex per string key.
package keylock

import "sync"

// Mutex serialises work per key. Entries live only while someone holds or
// waits for them.
type Mutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

// New returns an empty Mutex.
func New() *Mutex {
	return &Mutex{locks: make(map[string]*refLock)}
}

// Lock blocks until key is held and returns its release func.
func (k *Mutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// Len returns the number of keys currently held or awaited.
func (k *Mutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
