// Package heap implements the heap relation an index points into: a file of slotted pages
// holding row versions stamped with the transactions that created and deleted them.
package heap

import (
	"context"

	"btverify/pkg/bufpage"
	"btverify/pkg/concurrency"
	"btverify/pkg/datum"
	"btverify/pkg/pager"

	"github.com/pkg/errors"
)

// XactSource answers transaction status questions for visibility checks.
// *concurrency.TransactionManager implements it.
type XactSource interface {
	Status(x concurrency.XID) concurrency.XactStatus
	OldestXmin() concurrency.XID
}

// Heap is an open heap relation.
type Heap struct {
	name      string
	columns   []Column
	pager     *pager.Pager
	xacts     XactSource
	reltuples int64
}

// Create opens the heap file at path for writing, creating it when missing.
func Create(path, name string, columns []Column, xacts XactSource) (*Heap, error) {
	p, err := pager.New(path)
	if err != nil {
		return nil, err
	}
	return &Heap{name: name, columns: columns, pager: p, xacts: xacts, reltuples: -1}, nil
}

// Open opens an existing heap file without write access.
func Open(path, name string, columns []Column, xacts XactSource) (*Heap, error) {
	p, err := pager.OpenReadOnly(path)
	if err != nil {
		return nil, err
	}
	return &Heap{name: name, columns: columns, pager: p, xacts: xacts, reltuples: -1}, nil
}

// Close flushes and closes the heap file.
func (h *Heap) Close() error {
	return h.pager.Close()
}

func (h *Heap) Name() string { return h.name }

func (h *Heap) Columns() []Column { return h.columns }

// NumBlocks returns the number of pages in the heap.
func (h *Heap) NumBlocks() uint32 { return uint32(h.pager.GetNumPages()) }

// SetEstimatedTuples records the row count kept in the catalog.
func (h *Heap) SetEstimatedTuples(n int64) { h.reltuples = n }

// EstimatedTuples returns the catalog row count, or an estimate from the fill of the last
// page when the catalog has none.
func (h *Heap) EstimatedTuples() int64 {
	if h.reltuples >= 0 {
		return h.reltuples
	}
	n := h.NumBlocks()
	if n == 0 {
		return 0
	}
	page, err := h.pager.GetPage(int64(n - 1))
	if err != nil {
		return 0
	}
	defer page.Release()
	page.RLock()
	defer page.RUnlock()
	return int64(bufpage.Page(page.GetData()).MaxOffset()) * int64(n)
}

// Insert stores a new row version created by xid and returns its TID.
func (h *Heap) Insert(ctx context.Context, xid concurrency.XID, values []datum.Datum) (bufpage.TID, error) {
	if err := ctx.Err(); err != nil {
		return bufpage.TID{}, err
	}
	t, err := FormTuple(h.columns, values, xid)
	if err != nil {
		return bufpage.TID{}, errors.Wrapf(err, "could not form tuple for %q", h.name)
	}
	if len(t) > MaxTupleSize {
		return bufpage.TID{}, errors.Errorf("row of %d bytes is too big for relation %q", len(t), h.name)
	}
	if n := h.pager.GetNumPages(); n > 0 {
		page, err := h.pager.GetPage(n - 1)
		if err != nil {
			return bufpage.TID{}, err
		}
		tid, err := addTuple(page, t)
		if rerr := page.Release(); rerr != nil && err == nil {
			err = rerr
		}
		if err == nil {
			return tid, nil
		}
		if !errors.Is(err, bufpage.ErrPageFull) {
			return bufpage.TID{}, err
		}
	}
	page, err := h.pager.GetNewPage()
	if err != nil {
		return bufpage.TID{}, err
	}
	defer page.Release()
	page.WLock()
	bufpage.Init(page.GetData(), 0)
	page.WUnlock()
	return addTuple(page, t)
}

func addTuple(page *pager.Page, t Tuple) (bufpage.TID, error) {
	page.WLock()
	defer page.WUnlock()
	off, err := bufpage.Page(page.GetData()).AddItem(t, bufpage.LPNormal)
	if err != nil {
		return bufpage.TID{}, err
	}
	page.SetDirty(true)
	return bufpage.TID{Block: uint32(page.GetPageNum()), Offset: off}, nil
}

// Delete marks the row version at tid as deleted by xid.
func (h *Heap) Delete(ctx context.Context, tid bufpage.TID, xid concurrency.XID) error {
	return h.withTuple(ctx, tid, true, func(t Tuple) error {
		if t.Xmax().IsValid() && t.Infomask()&InfoXmaxInvalid == 0 && h.xacts.Status(t.Xmax()) != concurrency.Aborted {
			return errors.Errorf("tuple %s in %q was already deleted by transaction %s", tid, h.name, t.Xmax())
		}
		t.setXmax(xid)
		t.setInfomask(t.Infomask() &^ (InfoXmaxInvalid | InfoXmaxCommitted))
		return nil
	})
}

// Fetch returns the values of the row version at tid and its header.
func (h *Heap) Fetch(ctx context.Context, tid bufpage.TID) (Tuple, []datum.Datum, error) {
	var out Tuple
	var values []datum.Datum
	err := h.withTuple(ctx, tid, false, func(t Tuple) (err error) {
		out = append(Tuple(nil), t...)
		values, err = out.Values(h.columns)
		return err
	})
	return out, values, err
}

// withTuple runs fn on the tuple at tid under the page lock.
func (h *Heap) withTuple(ctx context.Context, tid bufpage.TID, write bool, fn func(t Tuple) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if tid.Block >= h.NumBlocks() {
		return errors.Errorf("tuple %s is past the end of relation %q", tid, h.name)
	}
	page, err := h.pager.GetPage(int64(tid.Block))
	if err != nil {
		return err
	}
	defer page.Release()
	if write {
		page.WLock()
		defer page.WUnlock()
	} else {
		page.RLock()
		defer page.RUnlock()
	}
	t, err := tupleAt(page.GetData(), tid.Offset)
	if err != nil {
		return errors.Wrapf(err, "tuple %s of %q", tid, h.name)
	}
	if err := fn(t); err != nil {
		return err
	}
	if write {
		page.SetDirty(true)
	}
	return nil
}

// ErrNoTuple is returned for TIDs whose line pointer holds no tuple.
var ErrNoTuple = errors.New("no tuple at this location")

func tupleAt(data []byte, off bufpage.OffsetNumber) (Tuple, error) {
	p := bufpage.Page(data)
	if off < bufpage.FirstOffsetNumber || off > p.MaxOffset() {
		return nil, ErrNoTuple
	}
	id := p.ItemID(off)
	if id.Flags != bufpage.LPNormal || !id.HasStorage() {
		return nil, ErrNoTuple
	}
	if int(id.Off) < bufpage.SizeOfPageHeader || int(id.Off)+int(id.Len) > len(p) || id.Len < tupleHeaderSize {
		return nil, errors.New("corrupted line pointer")
	}
	return Tuple(p.Item(id)), nil
}

// MaxTupleSize is the largest row a heap page can hold.
const MaxTupleSize = int(pager.Pagesize) - bufpage.SizeOfPageHeader - bufpage.SizeOfItemID

// Scan calls fn for every row version visible to snap, in physical order. A nil snap selects
// every row an index build would have indexed: live rows, rows whose inserter or deleter is
// still running, and deleted rows some transaction may still see.
//
// The values passed to fn do not alias the page buffer and may be kept after fn returns.
func (h *Heap) Scan(ctx context.Context, snap *concurrency.Snapshot, fn func(tid bufpage.TID, values []datum.Datum) error) error {
	oldestXmin := h.xacts.OldestXmin()
	buf := make(bufpage.Page, pager.Pagesize)
	for blk := uint32(0); blk < h.NumBlocks(); blk++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := h.pager.GetPage(int64(blk))
		if err != nil {
			return err
		}
		page.CopyTo(buf)
		if err := page.Release(); err != nil {
			return err
		}
		for off := bufpage.FirstOffsetNumber; off <= buf.MaxOffset(); off++ {
			t, err := tupleAt(buf, off)
			if errors.Is(err, ErrNoTuple) {
				continue
			}
			tid := bufpage.TID{Block: blk, Offset: off}
			if err != nil {
				return errors.Wrapf(err, "tuple %s of %q", tid, h.name)
			}
			var include bool
			if snap == nil {
				include = h.indexable(t, oldestXmin)
			} else {
				include = h.visible(t, snap)
			}
			if !include {
				continue
			}
			values, err := t.Values(h.columns)
			if err != nil {
				return errors.Wrapf(err, "tuple %s of %q", tid, h.name)
			}
			if err := fn(tid, values); err != nil {
				return err
			}
		}
	}
	return nil
}

// Visible reports whether the row version at tid is visible to snap.
func (h *Heap) Visible(ctx context.Context, tid bufpage.TID, snap *concurrency.Snapshot) (bool, error) {
	var visible bool
	err := h.withTuple(ctx, tid, false, func(t Tuple) error {
		visible = h.visible(t, snap)
		return nil
	})
	if errors.Is(err, ErrNoTuple) {
		return false, nil
	}
	return visible, err
}
