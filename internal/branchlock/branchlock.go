// Package branchlock serializes mutations of one branch within the process.
// Cross-process races are caught by the content store's compare-and-set.
package branchlock

import (
	"context"
	"sync"
)

type entry struct {
	ch   chan struct{} // buffered(1); holding the token means holding the lock
	refs int
}

// Locker hands out one lock per (repository, branch) key. Idle keys are
// dropped so the map does not grow with every branch ever touched.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// New returns an empty Locker.
func New() *Locker {
	return &Locker{locks: make(map[string]*entry)}
}

func key(repo, branch string) string {
	return repo + "\x00" + branch
}

// Lock blocks until the branch is free or ctx is done. The returned function
// releases the lock.
func (l *Locker) Lock(ctx context.Context, repo, branch string) (func(), error) {
	k := key(repo, branch)
	l.mu.Lock()
	e, ok := l.locks[k]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.locks[k] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(k, e, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(k, e, true) })
	}, nil
}

func (l *Locker) release(k string, e *entry, held bool) {
	if held {
		<-e.ch
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, k)
	}
}
