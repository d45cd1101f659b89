// Package lock provides per-mapping lockers for the session ledger.
//
// Local serializes mutations inside one process. Redis extends that across
// instances sharing one database, using a SET NX token lock.
package lock

import (
	"context"
	"fmt"
	"sync"

	"github.com/mindgarden/session-ledger/ledger"
)

// Local is an in-process keyed mutex. Waiting honours context cancellation.
type Local struct {
	mu    sync.Mutex
	locks map[string]*localEntry
}

type localEntry struct {
	ch   chan struct{}
	refs int
}

var _ ledger.Locker = (*Local)(nil)

func NewLocal() *Local {
	return &Local{locks: make(map[string]*localEntry)}
}

// Lock blocks until key is free or ctx is done.
func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &localEntry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-e.ch
				l.release(key, e)
			})
		}, nil
	case <-ctx.Done():
		l.release(key, e)
		return nil, fmt.Errorf("%s: %w (%v)", key, ledger.ErrLockNotAcquired, ctx.Err())
	}
}

func (l *Local) release(key string, e *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}

// Held returns the number of keys currently locked or waited on.
func (l *Local) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
