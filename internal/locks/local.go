// Package locks serialises work per key (conversation session).
//
// Two backends: an in-process keyed mutex for single-instance deployments and a
// Redis lock for several instances sharing one store. Both implement
// contracts.SessionLocker.
package locks

import (
	"context"
	"sync"
)

type localEntry struct {
	ch   chan struct{} // capacity 1; holding the token holds the lock
	refs int
}

// Local is a keyed mutex. Entries are reference counted and removed once no
// goroutine holds or waits for the key, so the map does not grow with the
// number of sessions ever seen.
type Local struct {
	mu      sync.Mutex
	entries map[string]*localEntry
}

// NewLocal creates an empty keyed mutex.
func NewLocal() *Local {
	return &Local{entries: make(map[string]*localEntry)}
}

// Lock blocks until key is held or ctx ends.
func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &localEntry{ch: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.release(key, e)
		})
	}, nil
}

func (l *Local) release(key string, e *localEntry) {
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
	l.mu.Unlock()
}

// Held returns how many keys currently have holders or waiters.
func (l *Local) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
