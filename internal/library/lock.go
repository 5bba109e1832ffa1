package library

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kovidgoyal/calibre-sub022/internal/liberr"
)

// maxReaders bounds concurrent read-lock holders. A writer acquires
// all slots at once, which drains readers and excludes other writers.
const maxReaders = 1 << 20

// RWLock is the single library-wide reader/writer lock guarding the
// storage backend and the in-memory cache. It is not recursive:
// internal helpers document whether they expect the lock held, and
// the public API acquires it exactly once per call.
type RWLock struct {
	sem *semaphore.Weighted
}

func NewRWLock() *RWLock {
	return &RWLock{sem: semaphore.NewWeighted(maxReaders)}
}

func (l *RWLock) ReadLock() {
	// Acquire with a background context cannot fail.
	_ = l.sem.Acquire(context.Background(), 1)
}

func (l *RWLock) ReadUnlock() { l.sem.Release(1) }

func (l *RWLock) WriteLock() {
	_ = l.sem.Acquire(context.Background(), maxReaders)
}

func (l *RWLock) WriteUnlock() { l.sem.Release(maxReaders) }

// TryReadLock acquires the read lock, giving up at the deadline.
func (l *RWLock) TryReadLock(deadline time.Time) error {
	return l.tryAcquire(deadline, 1)
}

// TryWriteLock acquires the write lock, giving up at the deadline.
func (l *RWLock) TryWriteLock(deadline time.Time) error {
	return l.tryAcquire(deadline, maxReaders)
}

func (l *RWLock) tryAcquire(deadline time.Time, n int64) error {
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	if err := l.sem.Acquire(ctx, n); err != nil {
		return liberr.New(liberr.LockUnavailable, "library.lock",
			"lock not acquired before %s", deadline.Format(time.RFC3339))
	}
	return nil
}
