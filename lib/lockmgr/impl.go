package lockmgr

import (
	"bytes"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

type lease struct {
	owner   []byte
	expires time.Time // zero = no lease
}

func (l lease) expired(now time.Time) bool {
	return !l.expires.IsZero() && !now.Before(l.expires)
}

type lockMgrImpl struct {
	locks *xsync.MapOf[string, lease]
	now   func() time.Time
}

// NewLockManager creates an in-memory lock manager.
// An expired lease is treated as a free lock by the next acquire.
func NewLockManager() ILockManager {
	return newLockManager(time.Now)
}

func newLockManager(clock func() time.Time) *lockMgrImpl {
	return &lockMgrImpl{
		locks: xsync.NewMapOf[string, lease](),
		now:   clock,
	}
}

func (lm *lockMgrImpl) AcquireLock(key string, timeout uint64) (bool, []byte, error) {
	ownerID, err := generateOwnerID()
	if err != nil {
		return false, nil, err
	}

	now := lm.now()
	acquired := false
	// set the owner only if the lock is unset (or its lease ran out) - atomic per key
	lm.locks.Compute(key, func(old lease, loaded bool) (lease, bool) {
		if loaded && !old.expired(now) {
			return old, false
		}
		l := lease{owner: ownerID}
		if timeout > 0 {
			l.expires = now.Add(time.Duration(timeout) * time.Millisecond)
		}
		acquired = true
		return l, false
	})
	if !acquired {
		return false, nil, nil
	}
	return true, ownerID, nil
}

func (lm *lockMgrImpl) ReleaseLock(key string, ownerID []byte) (bool, error) {
	released := true
	lm.locks.Compute(key, func(old lease, loaded bool) (lease, bool) {
		if !loaded {
			return old, true
		}
		// only the owner may release, unless the lease is gone anyway
		if !bytes.Equal(old.owner, ownerID) {
			if old.expired(lm.now()) {
				return old, true
			}
			released = false
			return old, false
		}
		return old, true
	})
	return released, nil
}

// held returns the number of locks with a live lease
func (lm *lockMgrImpl) held() int {
	now := lm.now()
	n := 0
	lm.locks.Range(func(_ string, l lease) bool {
		if !l.expired(now) {
			n++
		}
		return true
	})
	return n
}
