package registry

import (
	"context"
	"sync"

	"github.com/workmesh/exo/errors"
)

// keyedLocks is an in-process lock manager keyed by arbitrary strings.
// It stands in for the row locks a client-server store would provide: one
// key per worker and per project, acquired in a fixed order by callers.
// Waits are always bounded by the caller's context.
type keyedLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	sem  chan struct{} // capacity 1
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{entries: make(map[string]*lockEntry)}
}

// Acquire blocks until the key's lock is held or ctx is done. On success it
// returns a release function, which must be called exactly once on every
// path. A context deadline surfaces as ErrTimeout, a cancellation as the
// context error.
func (l *keyedLocks) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	entry, ok := l.entries[key]
	if !ok {
		entry = &lockEntry{sem: make(chan struct{}, 1)}
		l.entries[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.sem <- struct{}{}:
		return func() {
			<-entry.sem
			l.release(key, entry)
		}, nil
	case <-ctx.Done():
		l.release(key, entry)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errors.Wrapf(errors.ErrTimeout, "waiting for lock %q", key)
		}
		return nil, ctx.Err()
	}
}

// release drops one reference and removes the entry once nobody holds or
// waits on it, keeping the table from growing with dead keys.
func (l *keyedLocks) release(key string, entry *lockEntry) {
	l.mu.Lock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.entries, key)
	}
	l.mu.Unlock()
}
