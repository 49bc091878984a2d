package loyalty

import (
	"context"
	"errors"
	"sync"
	"time"
)

// keyLocks serializes writers of the same key inside one process. Writers of
// different keys never share a lock. Entries are dropped when unused.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*keyLock)}
}

// lock blocks until key is held and returns its unlock func.
func (k *keyLocks) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
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

// =============================================================================
// RETRY - Bounded retry of optimistic read-modify-write
// =============================================================================

// DefaultMaxAttempts bounds retries of a conflicting write.
const DefaultMaxAttempts = 5

// RetryPolicy controls how conflicting writes are retried. Stores on other
// processes can still race the in-process lock, so version conflicts remain
// possible.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return p.MaxAttempts
}

// run calls fn until it succeeds, fails with a non-conflict error, or the
// attempts run out. onConflict is called before every retry.
func (p RetryPolicy) run(ctx context.Context, op, key string, onConflict func(), fn func() error) error {
	limit := p.attempts()
	for attempt := 1; ; attempt++ {
		err := fn()
		if !errors.Is(err, ErrConcurrentModification) {
			return err
		}
		if attempt >= limit {
			return &BusyError{Op: op, Key: key, Attempts: attempt}
		}
		if onConflict != nil {
			onConflict()
		}
		if p.Backoff > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.Backoff * time.Duration(attempt)):
			}
		}
	}
}
