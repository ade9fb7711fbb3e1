package verify

import (
	"btverify/pkg/bufpage"
	"btverify/pkg/nbtree"
)

// Ordering predicates between an insertion scankey and an item. All of them compare with the
// heap TID tiebreaker unless the key has none.

// scanKey builds the pivot search scankey of t.
func (c *checker) scanKey(t nbtree.Tuple) (*nbtree.ScanKey, error) {
	key, err := c.desc.MakePivotSearchKey(t, c.heapkeyspace)
	if err != nil {
		return nil, c.corrupt("could not decode key attributes in index %q: %v", c.name(), err)
	}
	return key, nil
}

// compare compares key with the item at off of page, which lives in block blkno.
func (c *checker) compare(key *nbtree.ScanKey, blkno uint32, page bufpage.Page, off bufpage.OffsetNumber) (int, error) {
	if _, err := c.itemIDCareful(blkno, page, off); err != nil {
		return 0, err
	}
	cmp, err := c.desc.ComparePage(key, page, off)
	if err != nil {
		return 0, c.corrupt("could not compare with item %s in index %q: %v", tidString(blkno, off), c.name(), err).
			at(blkno, off)
	}
	return cmp, nil
}

// less reports whether key sorts strictly before the item at upper. With truncated
// attributes on either side, an equal comparison is resolved as if the key's missing
// attributes were minus infinity.
func (c *checker) less(key *nbtree.ScanKey, blkno uint32, page bufpage.Page, upper bufpage.OffsetNumber) (bool, error) {
	cmp, err := c.compare(key, blkno, page, upper)
	if err != nil {
		return false, err
	}
	// Indexes from before heapkeyspace may legally hold equal sibling tuples.
	if !key.HeapKeySpace {
		return cmp <= 0, nil
	}
	if cmp != 0 {
		return cmp < 0, nil
	}
	item, _, err := c.itemCareful(blkno, page, upper)
	if err != nil {
		return false, err
	}
	opaque := nbtree.GetOpaque(page)
	nonpivot := opaque.IsLeaf() && upper >= opaque.FirstDataKey()
	uppnkeyatts := item.NumKeyAtts(c.desc.NAtts(), c.desc.NKey())
	heapTID, err := c.heapTIDCareful(blkno, upper, item, nonpivot)
	if err != nil {
		return false, err
	}
	if key.KeySz == uppnkeyatts {
		return key.ScanTID == nil && heapTID != nil, nil
	}
	return key.KeySz < uppnkeyatts, nil
}

// lessOrEqual reports whether key sorts before or equal to the item at upper.
func (c *checker) lessOrEqual(key *nbtree.ScanKey, blkno uint32, page bufpage.Page, upper bufpage.OffsetNumber) (bool, error) {
	cmp, err := c.compare(key, blkno, page, upper)
	if err != nil {
		return false, err
	}
	return cmp <= 0, nil
}

// greater reports whether key sorts strictly after the item at lower. Equality is tolerated
// only in indexes from before heapkeyspace.
func (c *checker) greater(key *nbtree.ScanKey, blkno uint32, page bufpage.Page, lower bufpage.OffsetNumber) (bool, error) {
	cmp, err := c.compare(key, blkno, page, lower)
	if err != nil {
		return false, err
	}
	if !key.HeapKeySpace {
		return cmp >= 0, nil
	}
	return cmp > 0, nil
}

// target page shorthands.

func (c *checker) lessTarget(key *nbtree.ScanKey, upper bufpage.OffsetNumber) (bool, error) {
	return c.less(key, c.targetBlock, c.target, upper)
}

func (c *checker) lessOrEqualTarget(key *nbtree.ScanKey, upper bufpage.OffsetNumber) (bool, error) {
	return c.lessOrEqual(key, c.targetBlock, c.target, upper)
}

func (c *checker) greaterTarget(key *nbtree.ScanKey, lower bufpage.OffsetNumber) (bool, error) {
	return c.greater(key, c.targetBlock, c.target, lower)
}
