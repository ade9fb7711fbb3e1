package verify

import (
	"btverify/pkg/bufpage"
	"btverify/pkg/nbtree"
)

// tupleSpaceEnd is where the special space of an index page starts.
const tupleSpaceEnd = nbtree.BlockSize - nbtree.OpaqueSize

// itemIDCareful returns the line pointer at off after making sure it points inside the tuple
// space and carries storage of a normal or dead item.
func (c *checker) itemIDCareful(blkno uint32, page bufpage.Page, off bufpage.OffsetNumber) (bufpage.ItemID, error) {
	if off < bufpage.FirstOffsetNumber || off > page.MaxOffset() {
		return bufpage.ItemID{}, c.corrupt("item offset %d is out of range in index %q", off, c.name()).
			detail("Index tid=%s max offset=%d.", tidString(blkno, off), page.MaxOffset()).at(blkno, off)
	}
	id := page.ItemID(off)
	if int(id.Off)+int(id.Len) > tupleSpaceEnd || int(id.Off) < bufpage.SizeOfPageHeader {
		return id, c.corrupt("line pointer points past end of tuple space in index %q", c.name()).
			detail("Index tid=%s lp_off=%d, lp_len=%d lp_flags=%d.", tidString(blkno, off), id.Off, id.Len, id.Flags).
			at(blkno, off)
	}
	if id.IsRedirected() || !id.IsUsed() || !id.HasStorage() || int(id.Len) < nbtree.TupleHeaderSize {
		return id, c.corrupt("invalid line pointer storage in index %q", c.name()).
			detail("Index tid=%s lp_off=%d, lp_len=%d lp_flags=%d.", tidString(blkno, off), id.Off, id.Len, id.Flags).
			at(blkno, off)
	}
	return id, nil
}

// itemCareful returns the tuple at off. The tuple length recorded in its header must agree
// with the line pointer.
func (c *checker) itemCareful(blkno uint32, page bufpage.Page, off bufpage.OffsetNumber) (nbtree.Tuple, bufpage.ItemID, error) {
	id, err := c.itemIDCareful(blkno, page, off)
	if err != nil {
		return nil, id, err
	}
	t := nbtree.Tuple(page.Item(id))
	if t.Size() != int(id.Len) {
		return nil, id, c.corrupt("index tuple size does not equal lp_len in index %q", c.name()).
			detail("Index tid=%s tuple size=%d lp_len=%d page lsn=%s.", tidString(blkno, off), t.Size(), id.Len, page.LSN()).
			hint("This could be a torn page problem.").at(blkno, off)
	}
	if t.DataOffset() > t.Size() {
		return nil, id, c.corrupt("index tuple header exceeds lp_len in index %q", c.name()).
			detail("Index tid=%s header size=%d lp_len=%d page lsn=%s.", tidString(blkno, off), t.DataOffset(), id.Len, page.LSN()).
			hint("This could be a torn page problem.").at(blkno, off)
	}
	return t, id, nil
}

// heapTIDCareful returns the heap TID of t, the item at off of block blkno, which the caller
// expects to be a non-pivot tuple when nonpivot is set and a pivot tuple otherwise.
func (c *checker) heapTIDCareful(blkno uint32, off bufpage.OffsetNumber, t nbtree.Tuple, nonpivot bool) (*bufpage.TID, error) {
	if t.IsPivot() && nonpivot {
		return nil, c.corrupt("block %d or its right sibling block or child block in index %q has unexpected pivot tuple",
			c.targetBlock, c.name()).at(blkno, off)
	}
	if !t.IsPivot() && !nonpivot {
		return nil, c.corrupt("block %d or its right sibling block or child block in index %q has unexpected non-pivot tuple",
			c.targetBlock, c.name()).at(blkno, off)
	}
	tid, ok := t.HeapTID()
	if !ok {
		if nonpivot {
			return nil, c.corrupt("block %d or its right sibling block or child block in index %q contains non-pivot tuple that lacks a heap TID",
				c.targetBlock, c.name()).at(blkno, off)
		}
		return nil, nil
	}
	return &tid, nil
}

// pointsTo returns the TID printed for t in diagnostics: the heap TID of a non-pivot
// tuple, the raw tid field (downlink and attribute count) of a pivot.
func pointsTo(t nbtree.Tuple) bufpage.TID {
	if !t.IsPivot() {
		if tid, ok := t.HeapTID(); ok {
			return tid
		}
	}
	return bufpage.DecodeTID(t)
}

// checkNAtts reports whether the attribute count of the item at off is consistent with its
// position on the page and the index version.
func (c *checker) checkNAtts(opaque nbtree.Opaque, off bufpage.OffsetNumber, t nbtree.Tuple) bool {
	natts, nkeyatts := c.desc.NAtts(), c.desc.NKey()

	// Deleted and half-dead pages have dummy high keys.
	if opaque.IsIgnore() {
		return true
	}
	tupnatts := t.NumAtts(natts)

	if !c.heapkeyspace && t.IsPosting() {
		return false
	}
	if t.IsPosting() && t.HasHeapTIDBit() {
		return false
	}
	// INCLUDE columns rule out deduplication.
	if natts != nkeyatts && t.IsPosting() {
		return false
	}

	if opaque.IsLeaf() {
		if off >= opaque.FirstDataKey() {
			if t.IsPivot() {
				return false
			}
			return tupnatts == natts
		}
		if !c.heapkeyspace {
			return tupnatts == nkeyatts
		}
	} else {
		if off == opaque.FirstDataKey() {
			if c.heapkeyspace {
				return tupnatts == 0
			}
			// Old negative infinity items do not record an attribute count but point at
			// the high key offset.
			return tupnatts == 0 || bufpage.DecodeTID(t).Offset == nbtree.HighKeyOffset
		}
		if !c.heapkeyspace {
			return tupnatts == nkeyatts
		}
	}

	if !t.IsPivot() || t.IsPosting() {
		return false
	}
	if _, ok := t.HeapTID(); ok && tupnatts != nkeyatts {
		return false
	}
	return tupnatts > 0 && tupnatts <= nkeyatts
}
