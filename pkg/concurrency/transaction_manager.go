package concurrency

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	// ErrDeadlock is returned when waiting for a lock would close a cycle of waiting transactions.
	ErrDeadlock = errors.New("deadlock detected")
	// ErrNoTransaction is returned for clients without a running transaction.
	ErrNoTransaction = errors.New("no such transaction")
)

// XactState is the persistent part of the transaction manager: the next id to assign and the
// commit log entries of transactions that did not commit.
type XactState struct {
	NextXID    XID   `yaml:"next_xid"`
	Aborted    []XID `yaml:"aborted,omitempty"`
	InProgress []XID `yaml:"in_progress,omitempty"`
}

// Transaction Manager manages all of the transactions of a data directory.
// Every client runs 1 transaction at a time, so uuid (clientID) can be used to uniquely identify a Transaction.
// It also keeps the commit log and the registry of snapshots handed out to verifiers.
type TransactionManager struct {
	lockManager   *LockManager
	waitsForGraph *WaitsForGraph             // Identifies deadlocks through cycle detection
	transactions  map[uuid.UUID]*Transaction // Identifies the Transaction for a particular client
	clog          map[XID]XactStatus         // Outcome of every transaction that did not commit
	nextXID       XID
	snapshots     map[uuid.UUID]*Snapshot // Registered snapshots
	txnSnapshot   bool                    // Whether snapshots last for the whole transaction
	mtx           sync.RWMutex
}

func NewTransactionManager(lm *LockManager) *TransactionManager {
	return &TransactionManager{
		lockManager:   lm,
		waitsForGraph: NewGraph(),
		transactions:  make(map[uuid.UUID]*Transaction),
		clog:          make(map[XID]XactStatus),
		nextXID:       FirstNormalXID,
		snapshots:     make(map[uuid.UUID]*Snapshot),
	}
}

// Restore loads persisted commit log state. Transactions recorded as in progress stay in
// progress for every snapshot taken afterwards.
func (tm *TransactionManager) Restore(state XactState) {
	tm.mtx.Lock()
	defer tm.mtx.Unlock()
	if state.NextXID.IsNormal() {
		tm.nextXID = state.NextXID
	}
	for _, x := range state.Aborted {
		tm.clog[x] = Aborted
	}
	for _, x := range state.InProgress {
		tm.clog[x] = InProgress
	}
}

// State returns the commit log state to persist.
func (tm *TransactionManager) State() XactState {
	tm.mtx.RLock()
	defer tm.mtx.RUnlock()
	state := XactState{NextXID: tm.nextXID}
	for x, s := range tm.clog {
		switch s {
		case Aborted:
			state.Aborted = append(state.Aborted, x)
		case InProgress:
			state.InProgress = append(state.InProgress, x)
		}
	}
	return state
}

// SetTransactionSnapshots selects whether snapshots last for a whole transaction
// (repeatable read) rather than a single statement.
func (tm *TransactionManager) SetTransactionSnapshots(on bool) {
	tm.mtx.Lock()
	defer tm.mtx.Unlock()
	tm.txnSnapshot = on
}

func (tm *TransactionManager) GetLockManager() *LockManager {
	return tm.lockManager
}

// Get a particular transaction of a client.
func (tm *TransactionManager) GetTransaction(clientId uuid.UUID) (tx *Transaction, found bool) {
	tm.mtx.RLock()
	defer tm.mtx.RUnlock()
	tx, found = tm.transactions[clientId]
	return tx, found
}

// Begin a transaction for the given client and assign it an xid; error if already began.
func (tm *TransactionManager) Begin(clientId uuid.UUID) (*Transaction, error) {
	tm.mtx.Lock()
	defer tm.mtx.Unlock()
	if _, found := tm.transactions[clientId]; found {
		return nil, errors.New("transaction already began")
	}
	t := &Transaction{clientId: clientId, xid: tm.nextXID, lockedRelations: make(map[Resource]LockMode)}
	tm.clog[t.xid] = InProgress
	tm.nextXID = tm.nextXID.Next()
	tm.transactions[clientId] = t
	return t, nil
}

// Lock acquires a relation lock for the client's transaction. It fails instead of waiting
// when waiting would deadlock.
func (tm *TransactionManager) Lock(ctx context.Context, clientId uuid.UUID, relation string, mode LockMode) error {
	transaction, found := tm.GetTransaction(clientId)
	if !found {
		return ErrNoTransaction
	}
	r := RelationResource(relation)
	transaction.RLock()
	curr, locked := transaction.GetResources()[r]
	transaction.RUnlock()
	if locked {
		if curr != mode {
			return errors.Errorf("cannot change lock on relation %q from %s to %s", relation, curr, mode)
		}
		return nil
	}

	for _, t := range tm.conflictingTransactions(r, mode) {
		tm.waitsForGraph.AddEdge(transaction, t)
		defer tm.waitsForGraph.RemoveEdge(transaction, t)
	}
	if tm.waitsForGraph.DetectCycle() {
		return errors.Wrapf(ErrDeadlock, "waiting for %s on relation %q", mode, relation)
	}
	if err := tm.lockManager.Lock(ctx, r, mode); err != nil {
		return err
	}
	transaction.WLock()
	defer transaction.WUnlock()
	transaction.GetResources()[r] = mode
	return nil
}

// Unlock releases a relation lock held by the client's transaction.
func (tm *TransactionManager) Unlock(clientId uuid.UUID, relation string, mode LockMode) error {
	transaction, found := tm.GetTransaction(clientId)
	if !found {
		return ErrNoTransaction
	}
	transaction.WLock()
	defer transaction.WUnlock()
	r := RelationResource(relation)
	held, ok := transaction.lockedRelations[r]
	if !ok || held != mode {
		return errors.New("tm.unlock: invalid unlock request")
	}
	delete(transaction.lockedRelations, r)
	return tm.lockManager.Unlock(r, mode)
}

// Commit commits the given transaction and removes it from the running transactions list.
func (tm *TransactionManager) Commit(clientId uuid.UUID) error {
	return tm.finish(clientId, Committed)
}

// Abort rolls back the given transaction. Rows it wrote become invisible to everyone.
func (tm *TransactionManager) Abort(clientId uuid.UUID) error {
	return tm.finish(clientId, Aborted)
}

func (tm *TransactionManager) finish(clientId uuid.UUID, status XactStatus) error {
	tm.mtx.Lock()
	defer tm.mtx.Unlock()
	t, found := tm.transactions[clientId]
	if !found {
		return errors.New("no transactions running")
	}
	t.RLock()
	defer t.RUnlock()
	for r, mode := range t.lockedRelations {
		if err := tm.lockManager.Unlock(r, mode); err != nil {
			return err
		}
	}
	if status == Committed {
		delete(tm.clog, t.xid)
	} else {
		tm.clog[t.xid] = status
	}
	delete(tm.transactions, clientId)
	return nil
}

// Returns a slice of all transactions holding a lock on r that conflicts with mode.
func (tm *TransactionManager) conflictingTransactions(r Resource, mode LockMode) []*Transaction {
	tm.mtx.RLock()
	defer tm.mtx.RUnlock()
	txs := make([]*Transaction, 0)
	for _, t := range tm.transactions {
		t.RLock()
		if held, ok := t.lockedRelations[r]; ok && held.Conflicts(mode) {
			txs = append(txs, t)
		}
		t.RUnlock()
	}
	return txs
}

// Status returns the commit log entry of x. Ids older than the log are committed, ids not
// assigned yet count as in progress.
func (tm *TransactionManager) Status(x XID) XactStatus {
	switch x {
	case InvalidXID:
		return Aborted
	case BootstrapXID, FrozenXID:
		return Committed
	}
	tm.mtx.RLock()
	defer tm.mtx.RUnlock()
	if !x.Precedes(tm.nextXID) {
		return InProgress
	}
	if s, ok := tm.clog[x]; ok {
		return s
	}
	return Committed
}

// takeSnapshot builds a snapshot of the running transactions. The mtx should be locked on entry.
func (tm *TransactionManager) takeSnapshot() *Snapshot {
	s := &Snapshot{ID: uuid.New(), Xmin: tm.nextXID, Xmax: tm.nextXID}
	for x, status := range tm.clog {
		if status != InProgress {
			continue
		}
		s.Xip = append(s.Xip, x)
		if x.Precedes(s.Xmin) {
			s.Xmin = x
		}
	}
	return s
}

// GetSnapshot returns a snapshot of the transactions running right now, as seen by the
// client's transaction if it has one.
func (tm *TransactionManager) GetSnapshot(clientId uuid.UUID) *Snapshot {
	tm.mtx.RLock()
	defer tm.mtx.RUnlock()
	s := tm.takeSnapshot()
	if t, ok := tm.transactions[clientId]; ok {
		s.CurXID = t.xid
	}
	return s
}

// RegisterSnapshot takes a snapshot and keeps it registered until UnregisterSnapshot.
// Registered snapshots hold back OldestXmin.
func (tm *TransactionManager) RegisterSnapshot() *Snapshot {
	tm.mtx.Lock()
	defer tm.mtx.Unlock()
	s := tm.takeSnapshot()
	tm.snapshots[s.ID] = s
	return s
}

// UnregisterSnapshot releases a snapshot returned by RegisterSnapshot.
func (tm *TransactionManager) UnregisterSnapshot(s *Snapshot) {
	tm.mtx.Lock()
	defer tm.mtx.Unlock()
	delete(tm.snapshots, s.ID)
}

// UsesTransactionSnapshot reports whether snapshots outlive a single statement.
func (tm *TransactionManager) UsesTransactionSnapshot() bool {
	tm.mtx.RLock()
	defer tm.mtx.RUnlock()
	return tm.txnSnapshot
}

// OldestXmin returns the oldest xid any running transaction or registered snapshot might
// still consider running. Rows deleted by transactions that committed before it are dead
// to everyone.
func (tm *TransactionManager) OldestXmin() XID {
	tm.mtx.RLock()
	defer tm.mtx.RUnlock()
	oldest := tm.takeSnapshot().Xmin
	for _, s := range tm.snapshots {
		if s.Xmin.Precedes(oldest) {
			oldest = s.Xmin
		}
	}
	return oldest
}
