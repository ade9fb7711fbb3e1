package concurrency

import (
	"sync"

	"github.com/google/uuid"
)

// Each client will have at most one transaction running at a given time.
// Therefore, the clientID is a unique identifier for both the Transaction and its Client
type Transaction struct {
	clientId        uuid.UUID
	xid             XID
	lockedRelations map[Resource]LockMode // tracks currently held relation locks and their mode
	mtx             sync.RWMutex
}

func (t *Transaction) WLock() {
	t.mtx.Lock()
}

func (t *Transaction) WUnlock() {
	t.mtx.Unlock()
}

func (t *Transaction) RLock() {
	t.mtx.RLock()
}

func (t *Transaction) RUnlock() {
	t.mtx.RUnlock()
}

func (t *Transaction) GetClientID() (clientId uuid.UUID) {
	return t.clientId
}

// GetXID returns the transaction id assigned at Begin.
func (t *Transaction) GetXID() XID {
	return t.xid
}

func (t *Transaction) GetResources() (resources map[Resource]LockMode) {
	return t.lockedRelations
}
