package verify

import (
	"context"

	"btverify/pkg/nbtree"

	"github.com/pkg/errors"
)

// rootDescend searches for leaf tuple t from the true root the way an insertion would, and
// reports whether the search lands on it. Every tuple must be findable that way, or keys
// are out of order across levels.
func (c *checker) rootDescend(ctx context.Context, t nbtree.Tuple) (bool, error) {
	key, err := c.desc.MakeScanKey(t, c.heapkeyspace)
	if err != nil {
		return false, c.corrupt("could not decode key attributes in index %q: %v", c.name(), err)
	}
	blkno, leaf, err := c.desc.Search(ctx, checkedPages{c}, c.root, key)
	if err != nil {
		var ce *CheckError
		if errors.As(err, &ce) || ctx.Err() != nil {
			return false, err
		}
		return false, c.corrupt("could not search for tuple from root page in index %q: %v", c.name(), err)
	}

	off, err := c.desc.BinSearch(key, leaf)
	if err != nil {
		return false, c.corrupt("could not search block %d of index %q: %v", blkno, c.name(), err)
	}
	if off > leaf.MaxOffset() {
		return false, nil
	}
	found, ok := nbtree.PageTuple(leaf, off)
	if !ok {
		return false, nil
	}
	// A posting list is found through its first TID only.
	if found.IsPosting() {
		first, _ := found.HeapTID()
		if key.ScanTID == nil || first.Compare(*key.ScanTID) != 0 {
			return false, nil
		}
	}
	cmp, err := c.compare(key, blkno, leaf, off)
	if err != nil {
		return false, err
	}
	return cmp == 0, nil
}
