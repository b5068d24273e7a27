package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// keyedLocker hands out one exclusive lock per rental. Waiting honours the
// context deadline. Entries are dropped once nobody holds or waits on them.
type keyedLocker struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func newKeyedLocker() *keyedLocker {
	return &keyedLocker{locks: make(map[uuid.UUID]*keyLock)}
}

// lock blocks until key is free or ctx is done. The returned func releases
// the lock.
func (k *keyedLocker) lock(ctx context.Context, key uuid.UUID) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			k.release(key, l)
		}, nil
	case <-ctx.Done():
		k.release(key, l)
		return nil, fmt.Errorf("%w: waiting for rental lock: %w", ErrConflictOrTimeout, ctx.Err())
	}
}

func (k *keyedLocker) release(key uuid.UUID, l *keyLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}
