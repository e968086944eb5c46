package locks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

const defaultWaitTimeout = 30 * time.Second

// ErrLockTimeout indicates the lock could not be acquired in time.
var ErrLockTimeout = errors.New("locks: timed out waiting for lock")

// Locker serializes work on a named resource.
type Locker interface {
	Lock(ctx context.Context, key string) (release func(), err error)
}

// Local is an in-process Locker keyed by name.
type Local struct {
	mu          sync.Mutex
	entries     map[string]*localEntry
	waitTimeout time.Duration
}

type localEntry struct {
	slot    chan struct{}
	holders int
}

// NewLocal constructs an in-process locker. A non-positive wait uses the default.
func NewLocal(wait time.Duration) *Local {
	if wait <= 0 {
		wait = defaultWaitTimeout
	}
	return &Local{entries: make(map[string]*localEntry), waitTimeout: wait}
}

// Lock blocks until the key is free, the context ends, or the wait timeout elapses.
func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	entry := l.acquireEntry(key)
	timer := time.NewTimer(l.waitTimeout)
	defer timer.Stop()
	select {
	case entry.slot <- struct{}{}:
	case <-ctx.Done():
		l.releaseEntry(key)
		return nil, ctx.Err()
	case <-timer.C:
		l.releaseEntry(key)
		return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.slot
			l.releaseEntry(key)
		})
	}, nil
}

func (l *Local) acquireEntry(key string) *localEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[key]
	if !ok {
		entry = &localEntry{slot: make(chan struct{}, 1)}
		l.entries[key] = entry
	}
	entry.holders++
	return entry
}

func (l *Local) releaseEntry(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[key]
	if !ok {
		return
	}
	entry.holders--
	if entry.holders == 0 {
		delete(l.entries, key)
	}
}
