package heap

import "btverify/pkg/concurrency"

// xminStatus resolves the inserting transaction of t, preferring hint bits.
func (h *Heap) xminStatus(t Tuple) concurrency.XactStatus {
	switch {
	case t.Infomask()&InfoXminInvalid != 0:
		return concurrency.Aborted
	case t.Infomask()&InfoXminCommitted != 0:
		return concurrency.Committed
	}
	return h.xacts.Status(t.Xmin())
}

// xmaxStatus resolves the deleting transaction of t. Rows never deleted report aborted.
func (h *Heap) xmaxStatus(t Tuple) concurrency.XactStatus {
	switch {
	case !t.Xmax().IsValid(), t.Infomask()&InfoXmaxInvalid != 0:
		return concurrency.Aborted
	case t.Infomask()&InfoXmaxCommitted != 0:
		return concurrency.Committed
	}
	return h.xacts.Status(t.Xmax())
}

// visible implements MVCC visibility of t for snap.
func (h *Heap) visible(t Tuple, snap *concurrency.Snapshot) bool {
	ownInsert := snap.CurXID.IsValid() && t.Xmin() == snap.CurXID
	switch h.xminStatus(t) {
	case concurrency.Aborted:
		return false
	case concurrency.InProgress:
		if !ownInsert {
			return false
		}
	case concurrency.Committed:
		if snap.XidInProgress(t.Xmin()) && !ownInsert {
			return false
		}
	}

	if snap.CurXID.IsValid() && t.Xmax() == snap.CurXID && t.Infomask()&InfoXmaxInvalid == 0 {
		return false
	}
	switch h.xmaxStatus(t) {
	case concurrency.Committed:
		return snap.XidInProgress(t.Xmax())
	default:
		return true
	}
}

// indexable reports whether an index build would include t: everything except rows whose
// insert aborted and rows deleted before every running transaction started.
func (h *Heap) indexable(t Tuple, oldestXmin concurrency.XID) bool {
	if h.xminStatus(t) == concurrency.Aborted {
		return false
	}
	if h.xmaxStatus(t) == concurrency.Committed && t.Xmax().Precedes(oldestXmin) {
		return false
	}
	return true
}
