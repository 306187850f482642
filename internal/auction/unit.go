package auction

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

var errLockTimeout = errors.New("timed out waiting for auction lock")

// unit serializes all state-mutating operations of one auction. The
// semaphore is held for validate, resolve and persist only.
type unit struct {
	id   string
	sem  *semaphore.Weighted
	snap atomic.Pointer[Snapshot]

	// state is only read or replaced while sem is held.
	state *State
}

func newUnit(s *State) *unit {
	u := &unit{id: s.ID, sem: semaphore.NewWeighted(1), state: s}
	snap := s.Snapshot()
	u.snap.Store(&snap)
	return u
}

// tryLock waits at most wait to enter the critical section.
func (u *unit) tryLock(ctx context.Context, wait time.Duration) error {
	if u.sem.TryAcquire(1) {
		return nil
	}

	wctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	if err := u.sem.Acquire(wctx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errLockTimeout
	}
	return nil
}

func (u *unit) unlock() {
	u.sem.Release(1)
}

// swap installs a committed state. Callers must hold the lock.
func (u *unit) swap(s *State) Snapshot {
	u.state = s
	snap := s.Snapshot()
	u.snap.Store(&snap)
	return snap
}

// snapshot returns the last committed snapshot without locking.
func (u *unit) snapshot() Snapshot {
	return *u.snap.Load()
}
