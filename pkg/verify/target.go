package verify

import (
	"context"

	"btverify/pkg/bufpage"
	"btverify/pkg/nbtree"

	"go.uber.org/zap"
)

// invalidOffset stands for "after the last downlink" in the downlink connectivity check.
const invalidOffset bufpage.OffsetNumber = 0

func blockKind(o nbtree.Opaque) string {
	if o.IsLeaf() {
		return "heap"
	}
	return "index"
}

// checkTarget checks the items of the target page against each other, against the high key,
// against the right sibling and, in readonly mode, against the children.
func (c *checker) checkTarget(ctx context.Context) error {
	opaque := nbtree.GetOpaque(c.target)
	maxoff := c.target.MaxOffset()
	c.log.Debug("verifying items", zap.Uint32("block", c.targetBlock), zap.Uint16("items", uint16(maxoff)),
		zap.Bool("leaf", opaque.IsLeaf()))

	if !opaque.IsRightmost() {
		hikey, _, err := c.itemCareful(c.targetBlock, c.target, nbtree.HighKeyOffset)
		if err != nil {
			return err
		}
		if !c.checkNAtts(opaque, nbtree.HighKeyOffset, hikey) {
			return c.corrupt("wrong number of high key index tuple attributes in index %q", c.name()).
				detail("Index block=%d natts=%d block type=%s page lsn=%s.",
					c.targetBlock, hikey.NumAtts(c.desc.NAtts()), blockKind(opaque), c.targetLSN).
				at(c.targetBlock, nbtree.HighKeyOffset)
		}
	}

	vis := newLastVisible()
	for off := opaque.FirstDataKey(); off <= maxoff; off++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		done, err := c.checkItem(ctx, opaque, off, maxoff, &vis)
		if err != nil || done {
			return err
		}
	}

	// Pages right of the child of the rightmost downlink may still lack a downlink.
	if !opaque.IsLeaf() && opaque.IsRightmost() && c.opts.Readonly {
		return c.childHighKeyCheck(ctx, invalidOffset, nil, opaque.Level)
	}
	return nil
}

// checkItem checks the item at off. It reports done when the rest of the page must be
// skipped because the target was deleted concurrently.
func (c *checker) checkItem(ctx context.Context, opaque nbtree.Opaque, off, maxoff bufpage.OffsetNumber, vis *lastVisible) (bool, error) {
	t, id, err := c.itemCareful(c.targetBlock, c.target, off)
	if err != nil {
		return false, err
	}
	itid := tidString(c.targetBlock, off)

	if !c.checkNAtts(opaque, off, t) {
		return false, c.corrupt("wrong number of index tuple attributes in index %q", c.name()).
			detail("Index tid=%s natts=%d points to %s tid=%s page lsn=%s.",
				itid, t.NumAtts(c.desc.NAtts()), blockKind(opaque), pointsTo(t), c.targetLSN).
			at(c.targetBlock, off)
	}

	// Negative infinity items have no key to compare, but they are still downlinks.
	if opaque.IsNegativeInfinity(off) {
		if c.opts.Readonly {
			return false, c.childHighKeyCheck(ctx, off, nil, opaque.Level)
		}
		return false, nil
	}

	if c.opts.RootDescend && opaque.IsLeaf() {
		found, err := c.rootDescend(ctx, t)
		if err != nil {
			return false, err
		}
		if !found {
			return false, c.corrupt("could not find tuple using search from root page in index %q", c.name()).
				detail("Index tid=%s points to heap tid=%s page lsn=%s.", itid, pointsTo(t), c.targetLSN).
				at(c.targetBlock, off)
		}
	}

	if t.IsPosting() {
		if err := c.checkPosting(t, off); err != nil {
			return false, err
		}
	}

	key, err := c.scanKey(t)
	if err != nil {
		return false, err.(*CheckError).at(c.targetBlock, off)
	}

	// Version 4 reserves room for a heap TID that suffix truncation may add to a pivot, so
	// the lower limit applies unless that room is in use.
	_, hasHeapTID := t.HeapTID()
	limit := nbtree.MaxItemSizeNoHeapTID
	if key.HeapKeySpace && (opaque.IsLeaf() || !hasHeapTID) {
		limit = nbtree.MaxItemSize
	}
	if t.Size() > limit {
		return false, c.corrupt("index row size %d exceeds maximum for index %q", t.Size(), c.name()).
			detail("Index tid=%s points to %s tid=%s page lsn=%s.", itid, blockKind(opaque), pointsTo(t), c.targetLSN).
			at(c.targetBlock, off)
	}

	if c.filter != nil && opaque.IsLeaf() && !id.IsDead() {
		if err := c.fingerprintLeafTuple(t, off); err != nil {
			return false, err
		}
	}

	// Every item must sort before the high key. A posting list is bounded by its last TID.
	if !opaque.IsRightmost() {
		scantid := key.ScanTID
		if c.heapkeyspace && t.IsPosting() {
			if maxTID, ok := t.MaxHeapTID(); ok {
				key.ScanTID = &maxTID
			}
		}
		var ok bool
		if opaque.IsLeaf() {
			ok, err = c.lessOrEqualTarget(key, nbtree.HighKeyOffset)
		} else {
			ok, err = c.lessTarget(key, nbtree.HighKeyOffset)
		}
		key.ScanTID = scantid
		if err != nil {
			return false, err
		}
		if !ok {
			return false, c.corrupt("high key invariant violated for index %q", c.name()).
				detail("Index tid=%s points to %s tid=%s page lsn=%s.", itid, blockKind(opaque), pointsTo(t), c.targetLSN).
				at(c.targetBlock, off)
		}
	}

	if off < maxoff {
		ok, err := c.lessTarget(key, off+1)
		if err != nil {
			return false, err
		}
		if !ok {
			nt, _, err := c.itemCareful(c.targetBlock, c.target, off+1)
			if err != nil {
				return false, err
			}
			return false, c.corrupt("item order invariant violated for index %q", c.name()).
				detail("Lower index tid=%s (points to %s tid=%s) higher index tid=%s (points to %s tid=%s) page lsn=%s.",
					itid, blockKind(opaque), pointsTo(t), tidString(c.targetBlock, off+1), blockKind(opaque), pointsTo(nt), c.targetLSN).
				at(c.targetBlock, off)
		}
	}

	// Equal keys with a visible entry are checked right away; the first of a run waits until
	// the next item turns out to be equal.
	uniqueChecked := false
	if c.checkUnique && opaque.IsLeaf() && !key.AnyNullKeys && (t.IsPosting() || vis.valid()) {
		if err := c.entryUniqueCheck(ctx, t, c.targetBlock, off, vis); err != nil {
			return false, err
		}
		uniqueChecked = true
	}
	if c.checkUnique && opaque.IsLeaf() && off < maxoff {
		scantid := key.ScanTID
		key.ScanTID = nil
		cmp, err := c.compare(key, c.targetBlock, c.target, off+1)
		key.ScanTID = scantid
		if err != nil {
			return false, err
		}
		if cmp != 0 || key.AnyNullKeys {
			vis.reset()
		} else if !uniqueChecked {
			if err := c.entryUniqueCheck(ctx, t, c.targetBlock, off, vis); err != nil {
				return false, err
			}
		}
	}

	if off == maxoff {
		done, err := c.checkLastItem(ctx, opaque, t, off, uniqueChecked, vis)
		if err != nil || done {
			return done, err
		}
	}

	if !opaque.IsLeaf() && c.opts.Readonly {
		if err := c.childCheck(ctx, key, off); err != nil {
			return false, err
		}
	}
	return false, nil
}

// checkPosting checks that the TIDs of a posting list are in bounds and strictly ascending.
func (c *checker) checkPosting(t nbtree.Tuple, off bufpage.OffsetNumber) error {
	itid := tidString(c.targetBlock, off)
	if !t.PostingInBounds() || t.NPosting() < 2 {
		return c.corrupt("posting list of index tuple %s in index %q is malformed", itid, c.name()).
			detail("Posting list offset=%d entries=%d tuple size=%d page lsn=%s.", t.PostingOffset(), t.NPosting(), t.Size(), c.targetLSN).
			at(c.targetBlock, off)
	}
	last, _ := t.PostingTID(0)
	for i := 1; i < t.NPosting(); i++ {
		cur, _ := t.PostingTID(i)
		if cur.Compare(last) <= 0 {
			return c.corrupt("posting list contains misplaced TID in index %q", c.name()).
				detail("Index tid=%s posting list offset=%d page lsn=%s.", itid, i, c.targetLSN).
				at(c.targetBlock, off)
		}
		last = cur
	}
	return nil
}

// checkLastItem compares the last item of the target with the first item of its right
// sibling, and continues the uniqueness check across the page boundary.
func (c *checker) checkLastItem(ctx context.Context, opaque nbtree.Opaque, t nbtree.Tuple, off bufpage.OffsetNumber, uniqueChecked bool, vis *lastVisible) (bool, error) {
	rightKey, rightFirst, err := c.rightPageScanKey(ctx)
	if err != nil {
		return false, err
	}
	if rightKey != nil {
		ok, err := c.greaterTarget(rightKey, off)
		if err != nil {
			return false, err
		}
		if !ok {
			// The target may have been deleted since we copied it, which would explain
			// the violation.
			if !c.opts.Readonly {
				fresh, fopaque, err := c.readPage(ctx, c.targetBlock)
				if err != nil {
					return false, err
				}
				c.target = fresh
				if fopaque.IsIgnore() {
					c.debugPage("block concurrently deleted", c.targetBlock)
					return true, nil
				}
			}
			return false, c.corrupt("cross page item order invariant violated for index %q", c.name()).
				detail("Last item on page tid=%s page lsn=%s.", tidString(c.targetBlock, off), c.targetLSN).
				at(c.targetBlock, off)
		}
	}

	if !c.checkUnique || rightKey == nil || !opaque.IsLeaf() || opaque.IsRightmost() {
		return false, nil
	}
	rightBlock := opaque.Next
	rightKey.ScanTID = nil
	cmp, err := c.compare(rightKey, c.targetBlock, c.target, off)
	if err != nil {
		return false, err
	}
	if cmp != 0 || rightKey.AnyNullKeys {
		return false, nil
	}
	if !uniqueChecked {
		if err := c.entryUniqueCheck(ctx, t, c.targetBlock, off, vis); err != nil {
			return false, err
		}
	}
	c.debugPage("cross page equal keys", c.targetBlock, zap.Uint32("right_block", rightBlock))
	rpage, ropaque, err := c.readPage(ctx, rightBlock)
	if err != nil {
		return false, err
	}
	if ropaque.IsIgnore() {
		return false, nil
	}
	if !ropaque.IsLeaf() {
		return false, c.corrupt("right block of leaf block is non-leaf for index %q", c.name()).
			detail("Block=%d page lsn=%s.", c.targetBlock, c.targetLSN)
	}
	rt, _, err := c.itemCareful(rightBlock, rpage, rightFirst)
	if err != nil {
		return false, err
	}
	return false, c.entryUniqueCheck(ctx, rt, rightBlock, rightFirst, vis)
}

// rightPageScanKey returns the scankey of the first real item of the first live page right
// of the target, and that item's offset when the page is a leaf. It returns a nil key when
// there is no such item.
func (c *checker) rightPageScanKey(ctx context.Context) (*nbtree.ScanKey, bufpage.OffsetNumber, error) {
	opaque := nbtree.GetOpaque(c.target)
	if opaque.IsRightmost() {
		return nil, invalidOffset, nil
	}

	var (
		rpage   bufpage.Page
		ropaque nbtree.Opaque
		err     error
	)
	next := opaque.Next
	for steps := uint32(0); ; steps++ {
		if steps > c.idx.NumBlocks() {
			return nil, invalidOffset, c.corrupt("circular link chain found in block %d of index %q", next, c.name())
		}
		if rpage, ropaque, err = c.readPage(ctx, next); err != nil {
			return nil, invalidOffset, err
		}
		if !ropaque.IsIgnore() || ropaque.IsRightmost() {
			break
		}
		c.log.Debug("sibling page was found deleted or half dead",
			zap.Uint32("level", ropaque.Level), zap.Uint32("block", next))
		next = ropaque.Next
	}
	// A rightmost page that is deleted has no items to compare with; the level walk
	// reports it when it gets there.
	if ropaque.IsIgnore() {
		return nil, invalidOffset, nil
	}

	var off, first bufpage.OffsetNumber
	nline := rpage.MaxOffset()
	switch {
	case ropaque.IsLeaf() && nline >= ropaque.FirstDataKey():
		off = ropaque.FirstDataKey()
		first = off
	case !ropaque.IsLeaf() && nline >= ropaque.FirstDataKey()+1:
		// Skip the negative infinity item.
		off = ropaque.FirstDataKey() + 1
	default:
		c.log.Debug("right sibling has no first data item",
			zap.Uint32("block", next), zap.Bool("leaf", ropaque.IsLeaf()))
		return nil, invalidOffset, nil
	}
	t, _, err := c.itemCareful(next, rpage, off)
	if err != nil {
		return nil, invalidOffset, err
	}
	key, err := c.scanKey(t)
	if err != nil {
		return nil, invalidOffset, err
	}
	return key, first, nil
}
