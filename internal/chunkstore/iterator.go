package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/i5heu/ouroboros-vcs/pkg/hash"
)

// Iterator walks every committed chunk while holding the shared store lock.
type Iterator struct {
	store   *Store
	release func()
}

// ForEach calls fn for every chunk. The bytes are verified against the key.
func (it *Iterator) ForEach(ctx context.Context, fn func(h hash.Hash, data []byte) error) error {
	if it.release == nil {
		return ErrTxClosed
	}
	return it.store.backend.Iterate(ctx, func(h hash.Hash, data []byte) error {
		if got := it.store.alg.Sum(data); got != h {
			return fmt.Errorf("%w: stored under %s, content hashes to %s", ErrIntegrity, h, got)
		}
		return fn(h, data)
	})
}

// Keys returns the hash of every chunk without verifying content.
func (it *Iterator) Keys(ctx context.Context) ([]hash.Hash, error) {
	if it.release == nil {
		return nil, ErrTxClosed
	}
	var keys []hash.Hash
	err := it.store.backend.Iterate(ctx, func(h hash.Hash, _ []byte) error {
		keys = append(keys, h)
		return nil
	})
	return keys, err
}

// Unlock releases the shared lock. Calling it twice is safe.
func (it *Iterator) Unlock() {
	if it.release != nil {
		it.release()
		it.release = nil
	}
}

const lockRetryDelay = 50 * time.Millisecond

// fileLock is the advisory lock between iterators and writers. With a path
// it is a flock on that file, so other processes see it too. Each
// acquisition opens its own handle. Without a path it is process local.
type fileLock struct {
	path  string
	local sync.RWMutex
}

func newFileLock(path string) *fileLock {
	return &fileLock{path: path}
}

func (l *fileLock) rlock(ctx context.Context, timeout time.Duration) (func(), error) {
	return l.acquire(ctx, timeout, true)
}

func (l *fileLock) wlock(ctx context.Context, timeout time.Duration) (func(), error) {
	return l.acquire(ctx, timeout, false)
}

func (l *fileLock) acquire(parent context.Context, timeout time.Duration, shared bool) (func(), error) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	var release func()
	var err error
	if l.path == "" {
		release, err = l.acquireLocal(ctx, shared)
	} else {
		release, err = l.acquireFile(ctx, shared)
	}
	if err != nil {
		if parent.Err() != nil {
			return nil, parent.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrLockTimeout
		}
		return nil, err
	}
	return release, nil
}

func (l *fileLock) acquireFile(ctx context.Context, shared bool) (func(), error) {
	fl := flock.New(l.path)
	var ok bool
	var err error
	if shared {
		ok, err = fl.TryRLockContext(ctx, lockRetryDelay)
	} else {
		ok, err = fl.TryLockContext(ctx, lockRetryDelay)
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockTimeout
	}
	return func() { _ = fl.Unlock() }, nil
}

func (l *fileLock) acquireLocal(ctx context.Context, shared bool) (func(), error) {
	try := l.local.TryLock
	release := l.local.Unlock
	if shared {
		try = l.local.TryRLock
		release = l.local.RUnlock
	}
	for {
		if try() {
			return release, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryDelay):
		}
	}
}
