package concurrency

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// LockManager handles the locking of relations.
type LockManager struct {
	held map[Resource]map[LockMode]int
	mtx  sync.Mutex
	cond *sync.Cond
}

func NewLockManager() *LockManager {
	lm := &LockManager{held: make(map[Resource]map[LockMode]int)}
	lm.cond = sync.NewCond(&lm.mtx)
	return lm
}

// compatible reports whether mode can be granted on r. The mtx should be locked on entry.
func (lm *LockManager) compatible(r Resource, mode LockMode) bool {
	for m, n := range lm.held[r] {
		if n > 0 && m.Conflicts(mode) {
			return false
		}
	}
	return true
}

// Lock acquires mode on r, waiting until no conflicting lock is held or ctx is done.
func (lm *LockManager) Lock(ctx context.Context, r Resource, mode LockMode) error {
	stop := context.AfterFunc(ctx, func() {
		lm.mtx.Lock()
		defer lm.mtx.Unlock()
		lm.cond.Broadcast()
	})
	defer stop()

	lm.mtx.Lock()
	defer lm.mtx.Unlock()
	for !lm.compatible(r, mode) {
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(err, "could not obtain %s on relation %q", mode, r.relation)
		}
		lm.cond.Wait()
	}
	lm.grant(r, mode)
	return nil
}

// TryLock acquires mode on r if that is possible without waiting.
func (lm *LockManager) TryLock(r Resource, mode LockMode) bool {
	lm.mtx.Lock()
	defer lm.mtx.Unlock()
	if !lm.compatible(r, mode) {
		return false
	}
	lm.grant(r, mode)
	return true
}

func (lm *LockManager) grant(r Resource, mode LockMode) {
	modes, ok := lm.held[r]
	if !ok {
		modes = make(map[LockMode]int)
		lm.held[r] = modes
	}
	modes[mode]++
}

// Unlock releases one hold of mode on r.
func (lm *LockManager) Unlock(r Resource, mode LockMode) error {
	lm.mtx.Lock()
	defer lm.mtx.Unlock()
	modes, ok := lm.held[r]
	if !ok || modes[mode] == 0 {
		return errors.Errorf("tried to release %s on relation %q, which is not held", mode, r.relation)
	}
	modes[mode]--
	if modes[mode] == 0 {
		delete(modes, mode)
	}
	if len(modes) == 0 {
		delete(lm.held, r)
	}
	lm.cond.Broadcast()
	return nil
}

// Conflicting reports whether some lock conflicting with mode is currently held on r.
func (lm *LockManager) Conflicting(r Resource, mode LockMode) bool {
	lm.mtx.Lock()
	defer lm.mtx.Unlock()
	return !lm.compatible(r, mode)
}
