package verify

import (
	"context"

	"btverify/pkg/bufpage"
	"btverify/pkg/nbtree"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// checkLevel walks one level from its leftmost page to the right, checking every live page.
// It returns the leftmost page of the level below: PNone after the leaf level, InvalidBlock
// when the level had no live page to take it from.
func (c *checker) checkLevel(ctx context.Context, lvl level) (level, error) {
	next := level{level: nbtree.InvalidBlock, leftmost: nbtree.InvalidBlock}
	switch {
	case lvl.isTrueRoot:
		c.log.Debug("verifying level", zap.Uint32("level", lvl.level), zap.String("kind", "true root level"))
	case lvl.level == 0:
		c.log.Debug("verifying level", zap.Uint32("level", lvl.level), zap.String("kind", "leaf level"))
	default:
		c.log.Debug("verifying level", zap.Uint32("level", lvl.level))
	}

	c.prevRightLink = nbtree.InvalidBlock
	c.prevIncompleteSplit = false
	c.lowKey = nil
	defer func() { c.lowKey = nil }()

	leftcurrent := nbtree.PNone
	current := lvl.leftmost
	for steps := uint32(0); ; steps++ {
		if err := ctx.Err(); err != nil {
			return next, err
		}
		// Consistent sibling links can still form a ring longer than two pages.
		if steps > c.idx.NumBlocks() {
			return next, c.corrupt("circular link chain found in block %d of index %q", current, c.name())
		}
		c.targetBlock = current
		c.targetLSN = 0
		target, opaque, err := c.readPage(ctx, current)
		if err != nil {
			return next, err
		}
		c.target = target
		c.targetLSN = target.LSN()
		c.result.PagesVisited++

		if opaque.IsIgnore() {
			// Nothing links to a deleted page once it is unlinked, so it cannot be reached
			// while the index is quiescent.
			if c.opts.Readonly && opaque.IsDeleted() {
				return next, c.corrupt("downlink or sibling link points to deleted block in index %q", c.name()).
					detail("Block=%d left block=%d left link from block=%d.", current, leftcurrent, opaque.Prev)
			}
			if opaque.IsRightmost() {
				return next, c.corrupt("block %d fell off the end of index %q", current, c.name())
			}
			c.debugPage("block concurrently deleted", current)
		} else {
			if next.leftmost == nbtree.InvalidBlock {
				if next, err = c.firstLivePage(ctx, lvl, current, opaque); err != nil {
					return next, err
				}
			}

			// A right link pointing back at its own page never ends.
			if opaque.Next == current {
				return next, c.corrupt("circular link chain found in block %d of index %q", current, c.name())
			}

			// A missing left sibling is expected when the left neighbour of the low key
			// downlink is half-dead, since half-dead pages have no downlink.
			if opaque.Prev != leftcurrent && leftcurrent != nbtree.PNone {
				if err := c.recheckSiblingLinks(ctx, opaque.Prev, leftcurrent); err != nil {
					return next, err
				}
			}

			if lvl.level != opaque.Level {
				return next, c.corrupt("leftmost down link for level points to block in index %q whose level is not one level down", c.name()).
					detail("Block pointed to=%d expected level=%d level in pointed to block=%d.", current, lvl.level, opaque.Level)
			}

			if err := c.checkTarget(ctx); err != nil {
				return next, err
			}
		}

		if current == leftcurrent || current == opaque.Prev {
			return next, c.corrupt("circular link chain found in block %d of index %q", current, c.name())
		}
		leftcurrent = current
		current = opaque.Next

		// The high key of this page is the low key of its right sibling.
		c.lowKey = nil
		if c.opts.Readonly && !opaque.IsRightmost() {
			hikey, _, err := c.itemCareful(c.targetBlock, c.target, nbtree.HighKeyOffset)
			if err != nil {
				return next, err
			}
			c.lowKey = hikey.Clone()
		}
		c.target = nil

		if current == nbtree.PNone {
			return next, nil
		}
	}
}

// firstLivePage checks the first live page of a level and derives the leftmost page of the
// level below from it.
func (c *checker) firstLivePage(ctx context.Context, lvl level, blkno uint32, opaque nbtree.Opaque) (level, error) {
	next := level{level: nbtree.InvalidBlock, leftmost: nbtree.InvalidBlock}
	// Concurrent splits can move the leftmost page, so only check this when quiescent.
	if c.opts.Readonly {
		leftmost, err := c.leftmostIgnoringHalfDead(ctx, blkno, opaque)
		if err != nil {
			return next, err
		}
		if !leftmost {
			return next, c.corrupt("block %d is not leftmost in index %q", blkno, c.name())
		}
		if lvl.isTrueRoot && !opaque.IsRoot() {
			return next, c.corrupt("block %d is not true root in index %q", blkno, c.name())
		}
	}
	if opaque.IsLeaf() {
		next.leftmost = nbtree.PNone
		return next, nil
	}
	first, _, err := c.itemCareful(blkno, c.target, opaque.FirstDataKey())
	if err != nil {
		return next, err
	}
	next.leftmost = first.Downlink()
	next.level = opaque.Level - 1
	return next, nil
}

// leftmostIgnoringHalfDead reports whether the left links of start lead to the beginning of
// the level through half-dead pages only. Interrupted deletions leave such pages behind.
func (c *checker) leftmostIgnoringHalfDead(ctx context.Context, start uint32, startOpaque nbtree.Opaque) (bool, error) {
	reached, reachedFrom := startOpaque.Prev, start
	allHalfDead := true
	for reached != nbtree.PNone && allHalfDead {
		page, opaque, err := c.readPage(ctx, reached)
		if err != nil {
			return false, err
		}
		// Half-dead pages keep pointing at their siblings, so the right link has to point
		// back where we came from.
		allHalfDead = opaque.IsHalfDead() && reached != start && reached != reachedFrom &&
			opaque.Next == reachedFrom
		if allHalfDead {
			c.debugPage("harmless interrupted page deletion detected", reached,
				zap.Uint32("right_block", reachedFrom), zap.Stringer("lsn", page.LSN()))
			reachedFrom = reached
			reached = opaque.Prev
		}
	}
	return allHalfDead, nil
}

// recheckSiblingLinks decides whether the left link of the target disagreeing with the page
// we arrived from is corruption. Without readonly mode a concurrent split of the left page
// explains it; confirm by reading the left page and its current right sibling while both are
// locked, left to right.
func (c *checker) recheckSiblingLinks(ctx context.Context, prevFromTarget, leftcurrent uint32) error {
	if !c.opts.Readonly {
		lbuf, err := c.idx.ReadBuffer(ctx, leftcurrent)
		if err != nil {
			return errors.Wrapf(err, "could not read block %d of index %q", leftcurrent, c.name())
		}
		defer lbuf.Release()
		lbuf.RLock()
		defer lbuf.RUnlock()
		lpage := copyData(lbuf.GetData())
		if err := c.checkPage(leftcurrent, lpage); err != nil {
			return err
		}
		lopaque := nbtree.GetOpaque(lpage)
		// The left page was deleted meanwhile; its right neighbour no longer points back.
		if lopaque.IsDeleted() {
			return nil
		}

		newTarget := lopaque.Next
		if newTarget != leftcurrent {
			nbuf, err := c.idx.ReadBuffer(ctx, newTarget)
			if err != nil {
				return errors.Wrapf(err, "could not read block %d of index %q", newTarget, c.name())
			}
			nbuf.RLock()
			npage := copyData(nbuf.GetData())
			nbuf.RUnlock()
			if err := nbuf.Release(); err != nil {
				return err
			}
			if err := c.checkPage(newTarget, npage); err != nil {
				return err
			}
			prevFromTarget = nbtree.GetOpaque(npage).Prev
		} else {
			// The left page points to itself. Treat it as a right sibling with an invalid
			// left link.
			prevFromTarget = nbtree.InvalidBlock
		}

		if prevFromTarget == leftcurrent {
			c.debugPage("harmless concurrent page split detected", leftcurrent,
				zap.Uint32("new_right_sibling", newTarget), zap.Uint32("original_right_sibling", c.targetBlock))
			return nil
		}
		c.targetBlock = newTarget
	}
	return c.corrupt("left link/right link pair in index %q not in agreement", c.name()).
		detail("Block=%d left block=%d left link from block=%d.", c.targetBlock, leftcurrent, prevFromTarget)
}

func copyData(data []byte) bufpage.Page {
	p := make(bufpage.Page, len(data))
	copy(p, data)
	return p
}
