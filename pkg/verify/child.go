package verify

import (
	"bytes"
	"context"

	"btverify/pkg/bufpage"
	"btverify/pkg/nbtree"

	"go.uber.org/zap"
)

// childCheck checks the downlink at off of the target against the child it points to: every
// key on the child must not sort before the downlink's key.
func (c *checker) childCheck(ctx context.Context, key *nbtree.ScanKey, off bufpage.OffsetNumber) error {
	t, _, err := c.itemCareful(c.targetBlock, c.target, off)
	if err != nil {
		return err
	}
	topaque := nbtree.GetOpaque(c.target)
	childblk, err := c.downlink(t, off)
	if err != nil {
		return err
	}
	child, copaque, err := c.readPage(ctx, childblk)
	if err != nil {
		return err
	}

	if err := c.childHighKeyCheck(ctx, off, child, topaque.Level); err != nil {
		return err
	}

	if copaque.IsDeleted() {
		return c.corrupt("downlink to deleted page found in index %q", c.name()).
			detail("Parent block=%d child block=%d parent page lsn=%s.", c.targetBlock, childblk, c.targetLSN).
			at(c.targetBlock, off)
	}

	maxoff := child.MaxOffset()
	for coff := copaque.FirstDataKey(); coff <= maxoff; coff++ {
		if copaque.IsNegativeInfinity(coff) {
			continue
		}
		ok, err := c.less(key, childblk, child, coff)
		if err != nil {
			return err
		}
		if !ok {
			return c.corrupt("down-link lower bound invariant violated for index %q", c.name()).
				detail("Parent block=%d child index tid=%s parent page lsn=%s.", c.targetBlock, tidString(childblk, coff), c.targetLSN).
				at(c.targetBlock, off)
		}
	}
	return nil
}

// downlink returns the child block of a pivot, which must be a data page of the index.
func (c *checker) downlink(t nbtree.Tuple, off bufpage.OffsetNumber) (uint32, error) {
	blk := t.Downlink()
	if blk == nbtree.MetaBlock || blk >= c.idx.NumBlocks() {
		return 0, c.corrupt("downlink in index %q points to invalid block %d", c.name(), blk).
			detail("Parent block=%d parent page lsn=%s.", c.targetBlock, c.targetLSN).
			at(c.targetBlock, off)
	}
	return blk, nil
}

// childHighKeyCheck follows the right links of the child level from where the previous
// downlink left off up to the child at downlinkOff. Every page passed over must be explained
// by an interrupted split or deletion, and every high key must equal the matching pivot of
// the target. With downlinkOff invalid it walks to the end of the child level.
//
// loaded is the child at downlinkOff when the caller already read it.
func (c *checker) childHighKeyCheck(ctx context.Context, downlinkOff bufpage.OffsetNumber, loaded bufpage.Page, targetLevel uint32) error {
	blkno := c.prevRightLink
	rightsplit := c.prevIncompleteSplit
	first := true

	downlink := nbtree.PNone
	if downlinkOff != invalidOffset {
		t, _, err := c.itemCareful(c.targetBlock, c.target, downlinkOff)
		if err != nil {
			return err
		}
		if downlink, err = c.downlink(t, downlinkOff); err != nil {
			return err
		}
	}

	// The leftmost downlink of the level starts the walk.
	if blkno == nbtree.InvalidBlock {
		blkno = downlink
		rightsplit = false
	}

	for steps := uint32(0); ; steps++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if blkno == nbtree.PNone && downlink == nbtree.PNone {
			c.prevRightLink = nbtree.InvalidBlock
			c.prevIncompleteSplit = false
			return nil
		}
		if blkno == nbtree.PNone {
			return c.corrupt("can't traverse from downlink %d to downlink %d of index %q", c.prevRightLink, downlink, c.name())
		}
		if steps > c.idx.NumBlocks() {
			return c.corrupt("circular link chain found in block %d of index %q", blkno, c.name())
		}

		var (
			page   bufpage.Page
			opaque nbtree.Opaque
			err    error
		)
		if blkno == downlink && loaded != nil {
			page, opaque = loaded, nbtree.GetOpaque(loaded)
		} else if page, opaque, err = c.readPage(ctx, blkno); err != nil {
			return err
		}

		if first && c.prevRightLink == nbtree.InvalidBlock {
			leftmost, err := c.leftmostIgnoringHalfDead(ctx, blkno, opaque)
			if err != nil {
				return err
			}
			if !leftmost {
				return c.corrupt("the first child of leftmost target page is not leftmost of its level in index %q", c.name()).
					detail("Target block=%d child block=%d target page lsn=%s.", c.targetBlock, blkno, c.targetLSN)
			}
		}

		// Deleted pages from old versions do not keep their level.
		if (!opaque.IsDeleted() || opaque.HasFullXid()) && opaque.Level != targetLevel-1 {
			return c.corrupt("block found while following rightlinks from child of index %q has invalid level", c.name()).
				detail("Block pointed to=%d expected level=%d level in pointed to block=%d.", blkno, targetLevel-1, opaque.Level)
		}

		if (!first && blkno == c.prevRightLink) || blkno == opaque.Prev || blkno == opaque.Next {
			return c.corrupt("circular link chain found in block %d of index %q", blkno, c.name())
		}

		topParent := false
		if blkno != downlink && !opaque.IsIgnore() {
			if topParent, err = c.downlinkMissingCheck(ctx, rightsplit, blkno, page); err != nil {
				return err
			}
		}

		rightsplit = opaque.IsIncompleteSplit()

		// The high key of a child is the next pivot of its parent. The right half of an
		// incomplete split has no pivot yet, dead pages carry dummy high keys, and the key
		// space of a subtree being deleted already belongs to its right sibling.
		if !rightsplit && !topParent && !opaque.IsRightmost() && !opaque.IsIgnore() {
			if err := c.matchChildHighKey(blkno, page, downlinkOff, blkno == downlink); err != nil {
				return err
			}
		}

		if blkno == downlink {
			c.prevRightLink = opaque.Next
			c.prevIncompleteSplit = rightsplit
			return nil
		}
		blkno = opaque.Next
		first = false
	}
}

// matchChildHighKey compares the high key of the child page blkno with the target pivot that
// bounds it: the pivot after the downlink when the child is the downlink's own page, the
// downlink's pivot when the child was reached through right links.
func (c *checker) matchChildHighKey(blkno uint32, child bufpage.Page, downlinkOff bufpage.OffsetNumber, atDownlink bool) error {
	hikey, _, err := c.itemCareful(blkno, child, nbtree.HighKeyOffset)
	if err != nil {
		return err
	}
	topaque := nbtree.GetOpaque(c.target)
	maxoff := c.target.MaxOffset()

	pivotOff := downlinkOff
	switch {
	case downlinkOff == invalidOffset:
		pivotOff = maxoff + 1
	case atDownlink:
		pivotOff = downlinkOff + 1
	}

	var pivot nbtree.Tuple
	if !topaque.IsNegativeInfinity(pivotOff) {
		if pivotOff > maxoff {
			if topaque.IsRightmost() {
				return c.corrupt("child high key is greater than rightmost pivot key on target level in index %q", c.name()).
					detail("Target block=%d child block=%d target page lsn=%s.", c.targetBlock, blkno, c.targetLSN)
			}
			pivotOff = nbtree.HighKeyOffset
		}
		if pivot, _, err = c.itemCareful(c.targetBlock, c.target, pivotOff); err != nil {
			return err
		}
	} else {
		// The bound of the negative infinity item lives on the left sibling of the target.
		if c.lowKey == nil {
			return c.corrupt("can't find left sibling high key in index %q", c.name()).
				detail("Target block=%d child block=%d target page lsn=%s.", c.targetBlock, blkno, c.targetLSN)
		}
		pivot = c.lowKey
	}

	if !pivotTupleIdentical(c.heapkeyspace, hikey, pivot) {
		return c.corrupt("mismatch between parent key and child high key in index %q", c.name()).
			detail("Target block=%d child block=%d target page lsn=%s.", c.targetBlock, blkno, c.targetLSN)
	}
	return nil
}

// Pivot tuples are compared past their tid field. In version 4 the offset half of it holds
// the attribute count, which must match too.
const (
	pivotCompareFrom       = 4
	legacyPivotCompareFrom = 6
)

func pivotTupleIdentical(heapkeyspace bool, a, b nbtree.Tuple) bool {
	if a.Size() != b.Size() {
		return false
	}
	from := legacyPivotCompareFrom
	if heapkeyspace {
		from = pivotCompareFrom
	}
	return bytes.Equal(a[from:a.Size()], b[from:b.Size()])
}

// downlinkMissingCheck is called for a live child page that no downlink of the target points
// to. That is fine for the root, for the right half of an interrupted split, and for the top
// parent of an interrupted multi-level deletion, which is reported through topParent.
func (c *checker) downlinkMissingCheck(ctx context.Context, rightsplit bool, blkno uint32, page bufpage.Page) (topParent bool, err error) {
	opaque := nbtree.GetOpaque(page)
	lsn := page.LSN()

	// A root split in progress leaves the old root without a parent.
	if opaque.IsRoot() {
		return false, nil
	}
	if rightsplit {
		c.debugPage("harmless interrupted page split detected", blkno,
			zap.Uint32("level", opaque.Level), zap.Uint32("left_block", opaque.Prev), zap.Stringer("lsn", lsn))
		return false, nil
	}
	if opaque.IsLeaf() {
		return false, c.corrupt("leaf index block lacks downlink in index %q", c.name()).
			detail("Block=%d page lsn=%s.", blkno, lsn)
	}

	c.debugPage("checking for interrupted multi-level deletion due to missing downlink", blkno,
		zap.Uint32("level", opaque.Level), zap.Uint32("left_block", opaque.Prev), zap.Stringer("lsn", lsn))

	// Descend through the leftmost downlinks to the leaf level. An interrupted deletion
	// leaves a chain of single-downlink pages over a half-dead leaf.
	level := opaque.Level
	t, _, err := c.itemCareful(blkno, page, opaque.FirstDataKey())
	if err != nil {
		return false, err
	}
	childblk := t.Downlink()

	var (
		child   bufpage.Page
		copaque nbtree.Opaque
	)
	for steps := uint32(0); ; steps++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if steps > c.idx.NumBlocks() || childblk == nbtree.MetaBlock || childblk >= c.idx.NumBlocks() {
			return false, c.corrupt("downlink points to invalid block %d in index %q", childblk, c.name()).
				detail("Top parent/under check block=%d.", blkno)
		}
		if child, copaque, err = c.readPage(ctx, childblk); err != nil {
			return false, err
		}
		if copaque.IsLeaf() || copaque.IsDeleted() {
			break
		}
		if copaque.Level != level-1 {
			return false, c.corrupt("downlink points to block in index %q whose level is not one level down", c.name()).
				detail("Top parent/under check block=%d block pointed to=%d expected level=%d level in pointed to block=%d.",
					blkno, childblk, level-1, copaque.Level)
		}
		level = copaque.Level
		t, _, err := c.itemCareful(childblk, child, copaque.FirstDataKey())
		if err != nil {
			return false, err
		}
		childblk = t.Downlink()
	}

	if copaque.IsDeleted() {
		return false, c.corrupt("downlink to deleted leaf page found in index %q", c.name()).
			detail("Top parent/target block=%d leaf block=%d top parent/under check lsn=%s.", blkno, childblk, lsn)
	}

	// A half-dead leaf records the top parent of the subtree being deleted in its high key.
	if copaque.IsHalfDead() && !copaque.IsRightmost() {
		hikey, _, err := c.itemCareful(childblk, child, nbtree.HighKeyOffset)
		if err != nil {
			return false, err
		}
		if hikey.TopParent() == blkno {
			return true, nil
		}
	}

	return false, c.corrupt("internal index block lacks downlink in index %q", c.name()).
		detail("Block=%d level=%d page lsn=%s.", blkno, opaque.Level, lsn)
}
