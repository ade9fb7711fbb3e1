package concurrency

import (
	"slices"

	"github.com/google/uuid"
)

// Snapshot is an MVCC snapshot: transactions that had finished when it was taken are
// visible through it, everything else is not.
type Snapshot struct {
	ID uuid.UUID
	// Xmin is the oldest transaction still running when the snapshot was taken.
	Xmin XID
	// Xmax is the first transaction id not yet assigned when the snapshot was taken.
	Xmax XID
	// Xip lists the transactions running between Xmin and Xmax.
	Xip []XID
	// CurXID is the transaction that took the snapshot. Its own changes are visible.
	CurXID XID
}

// XidInProgress reports whether x counts as still running for s.
func (s *Snapshot) XidInProgress(x XID) bool {
	if x.Precedes(s.Xmin) {
		return false
	}
	if !x.Precedes(s.Xmax) {
		return true
	}
	return slices.Contains(s.Xip, x)
}
