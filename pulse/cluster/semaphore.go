// Package cluster coordinates scheduler instances sharing one store: the
// named locks that serialize trigger mutations, and detection of members
// that stopped checking in.
package cluster

import (
	"context"
	"database/sql"
	"sync"

	"github.com/teranos/tempo/errors"
)

// Lock names
const (
	// LockTriggerAccess serializes every trigger and firing-record mutation
	LockTriggerAccess = "TRIGGER_ACCESS"
	// LockStateAccess serializes scheduler_state checkins
	LockStateAccess = "STATE_ACCESS"
)

// Semaphore is a named, re-entrant mutual-exclusion primitive
type Semaphore interface {
	// Obtain blocks (bounded) until lockName is held. The returned context
	// marks the lock as held; Obtain with that context is re-entrant and its
	// release func does nothing. release must be called exactly once by the
	// outermost holder.
	Obtain(ctx context.Context, lockName string) (held context.Context, release func(), err error)

	// Verify confirms, inside the transaction about to commit, that this
	// instance still owns lockName. Returns ErrLockLost otherwise.
	Verify(ctx context.Context, tx *sql.Tx, lockName string) error

	// IsLockOwner reports whether ctx was returned by Obtain for lockName
	IsLockOwner(ctx context.Context, lockName string) bool
}

type heldKey struct{ name string }

func markHeld(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, heldKey{name}, true)
}

func isHeld(ctx context.Context, name string) bool {
	held, _ := ctx.Value(heldKey{name}).(bool)
	return held
}

// localLocks gives in-process mutual exclusion per lock name, so the firing
// loop and completion processing of one instance serialize among themselves
// before contending with other instances.
type localLocks struct {
	mu    sync.Mutex
	chans map[string]chan struct{}
}

func (l *localLocks) get(name string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.chans == nil {
		l.chans = make(map[string]chan struct{})
	}
	ch, ok := l.chans[name]
	if !ok {
		ch = make(chan struct{}, 1)
		l.chans[name] = ch
	}
	return ch
}

// acquire waits for the local slot; waitCtx bounds the wait
func (l *localLocks) acquire(ctx, waitCtx context.Context, name string) (func(), error) {
	ch := l.get(name)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Mark(errors.Newf("timed out waiting for local %s", name), errors.ErrLockTimeout)
	}
}

func noop() {}
