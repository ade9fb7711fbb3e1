package verify

import (
	"context"
	"fmt"

	"btverify/pkg/bufpage"
	"btverify/pkg/nbtree"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// lastVisible remembers the most recent visible entry within a run of equal keys.
type lastVisible struct {
	tid *bufpage.TID
	// posting is the position within a posting list, -1 for plain tuples.
	posting int
	block   uint32
	offset  bufpage.OffsetNumber
}

func newLastVisible() lastVisible {
	return lastVisible{posting: -1, block: nbtree.InvalidBlock}
}

func (v *lastVisible) reset() { *v = newLastVisible() }

func (v *lastVisible) valid() bool { return v.tid != nil }

func (v *lastVisible) set(tid bufpage.TID, posting int, blkno uint32, off bufpage.OffsetNumber) {
	v.tid = &tid
	v.posting = posting
	v.block = blkno
	v.offset = off
}

// entryUniqueCheck looks for a second visible heap row among equal keys. t is the entry at
// off of block blkno; vis holds the visible entry seen before it, if any.
func (c *checker) entryUniqueCheck(ctx context.Context, t nbtree.Tuple, blkno uint32, off bufpage.OffsetNumber, vis *lastVisible) error {
	hasVisible := false
	visit := func(tid bufpage.TID, posting int) error {
		visible, err := c.heapVisible(ctx, tid)
		if err != nil || !visible {
			return err
		}
		hasVisible = true
		if vis.valid() {
			return c.reportDuplicate(*vis, tid, posting, blkno, off)
		}
		vis.set(tid, posting, blkno, off)
		return nil
	}

	if t.IsPosting() {
		for i := 0; i < t.NPosting(); i++ {
			tid, ok := t.PostingTID(i)
			if !ok {
				return c.corrupt("posting list of index tuple %s in index %q is malformed", tidString(blkno, off), c.name()).
					at(blkno, off)
			}
			if err := visit(tid, i); err != nil {
				return err
			}
		}
	} else {
		tid, ok := t.HeapTID()
		if !ok {
			return c.corrupt("block %d or its right sibling block or child block in index %q contains non-pivot tuple that lacks a heap TID",
				blkno, c.name())
		}
		if err := visit(tid, -1); err != nil {
			return err
		}
	}

	// Equal keys spread over pages with nothing visible in between cannot be told apart
	// from dead entries VACUUM has not removed yet.
	if !hasVisible && vis.block != nbtree.InvalidBlock && vis.block != blkno {
		c.log.Debug("index uniqueness can not be checked",
			zap.String("tid", tidString(blkno, off)), zap.Uint32("last_visible_block", vis.block),
			zap.String("hint", "VACUUM the table and repeat the check."))
	}
	return nil
}

func (c *checker) heapVisible(ctx context.Context, tid bufpage.TID) (bool, error) {
	visible, err := c.hp.Visible(ctx, tid, c.snapshot)
	if err != nil {
		return false, errors.Wrapf(err, "could not check visibility of heap tuple %s of table %q", tid, c.hp.Name())
	}
	return visible, nil
}

func postingSuffix(posting int) string {
	if posting < 0 {
		return ""
	}
	return fmt.Sprintf(" posting %d", posting)
}

func (c *checker) reportDuplicate(prev lastVisible, tid bufpage.TID, posting int, blkno uint32, off bufpage.OffsetNumber) error {
	e := c.corrupt("index uniqueness is violated for index %q", c.name()).
		detail("Index tid=%s%s and tid=%s%s (point to heap tid=%s and tid=%s) page lsn=%s.",
			tidString(prev.block, prev.offset), postingSuffix(prev.posting),
			tidString(blkno, off), postingSuffix(posting),
			prev.tid, tid, c.targetLSN).
		at(blkno, off).
		category(ErrUniqueViolation)
	return e
}
