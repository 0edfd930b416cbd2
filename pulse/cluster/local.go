package cluster

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// LocalSemaphore is the Semaphore for a single, non-clustered instance
type LocalSemaphore struct {
	locks   localLocks
	maxWait time.Duration
}

// NewLocalSemaphore returns an in-process semaphore; maxWait <= 0 waits until ctx is done
func NewLocalSemaphore(maxWait time.Duration) *LocalSemaphore {
	return &LocalSemaphore{maxWait: maxWait}
}

func (s *LocalSemaphore) Obtain(ctx context.Context, lockName string) (context.Context, func(), error) {
	if isHeld(ctx, lockName) {
		return ctx, noop, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	waitCtx, cancel := waitContext(ctx, s.maxWait)
	defer cancel()

	release, err := s.locks.acquire(ctx, waitCtx, lockName)
	if err != nil {
		return nil, nil, err
	}
	var once sync.Once
	return markHeld(ctx, lockName), func() { once.Do(release) }, nil
}

// Verify is a no-op: nobody else can take an in-process lock
func (s *LocalSemaphore) Verify(context.Context, *sql.Tx, string) error {
	return nil
}

func (s *LocalSemaphore) IsLockOwner(ctx context.Context, lockName string) bool {
	return isHeld(ctx, lockName)
}

func waitContext(ctx context.Context, maxWait time.Duration) (context.Context, context.CancelFunc) {
	if maxWait <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, maxWait)
}
