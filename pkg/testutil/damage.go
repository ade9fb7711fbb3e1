package testutil

import (
	"btverify/pkg/bufpage"
	"btverify/pkg/nbtree"

	"github.com/pkg/errors"
)

// Damage names a way to break a tree.
type Damage string

const (
	// SelfLoop points the right link of the leftmost leaf at itself.
	SelfLoop Damage = "self-loop"
	// DroppedDownlink removes the downlink of the second leaf.
	DroppedDownlink Damage = "dropped-downlink"
	// IncompleteSplit removes the downlink of the second leaf the way an interrupted split
	// leaves it, and flags the first leaf.
	IncompleteSplit Damage = "incomplete-split"
	// SwappedItems swaps the first two items of the first leaf.
	SwappedItems Damage = "swapped-items"
	// HalfDeadLeaf takes the second leaf through the first stage of page deletion.
	HalfDeadLeaf Damage = "half-dead-leaf"
)

// Damages lists every damage in a stable order.
var Damages = []Damage{SelfLoop, DroppedDownlink, IncompleteSplit, SwappedItems, HalfDeadLeaf}

// Apply damages tree. Every damage needs at least two levels and three leaves.
func Apply(tree *nbtree.Tree, d Damage) error {
	if len(tree.Levels) < 2 || len(tree.Levels[0]) < 3 {
		return errors.Errorf("damage %q needs a tree with three leaves or more", d)
	}
	leaves := tree.Levels[0]
	switch d {
	case SelfLoop:
		tree.UpdateOpaque(leaves[0], func(o *nbtree.Opaque) { o.Next = leaves[0] })
		return nil
	case DroppedDownlink:
		return DropDownlink(tree, leaves[1])
	case IncompleteSplit:
		return InterruptSplit(tree, leaves[1])
	case SwappedItems:
		return SwapItems(tree, leaves[0])
	case HalfDeadLeaf:
		return MarkHalfDead(tree, leaves[1], nbtree.InvalidBlock)
	}
	return errors.Errorf("unknown damage %q", d)
}

// Parent returns the block and item offset of the downlink to blk.
func Parent(tree *nbtree.Tree, blk uint32) (uint32, bufpage.OffsetNumber, error) {
	level := nbtree.GetOpaque(tree.Page(blk)).Level
	if int(level)+1 >= len(tree.Levels) {
		return 0, 0, errors.Errorf("block %d has no parent", blk)
	}
	for _, pblk := range tree.Levels[level+1] {
		page := tree.Page(pblk)
		o := nbtree.GetOpaque(page)
		for off := o.FirstDataKey(); off <= page.MaxOffset(); off++ {
			if t, ok := nbtree.PageTuple(page, off); ok && t.Downlink() == blk {
				return pblk, off, nil
			}
		}
	}
	return 0, 0, errors.Errorf("no downlink to block %d", blk)
}

// itemIndex converts a page offset to an index into Tree.Items.
func itemIndex(off bufpage.OffsetNumber) int {
	return int(off - bufpage.FirstOffsetNumber)
}

// DropDownlink removes the downlink to blk the way page deletion does: the downlink item is
// pointed at the right sibling of blk and the separator after it goes away, so the right
// sibling takes over the key space of blk.
func DropDownlink(tree *nbtree.Tree, blk uint32) error {
	pblk, off, err := Parent(tree, blk)
	if err != nil {
		return err
	}
	if off >= tree.Page(pblk).MaxOffset() {
		return errors.Errorf("downlink to block %d is the last item of block %d", blk, pblk)
	}
	return tree.RewriteItems(pblk, func(items []nbtree.Tuple) ([]nbtree.Tuple, error) {
		i := itemIndex(off)
		items[i].SetDownlink(items[i+1].Downlink())
		return append(items[:i+1], items[i+2:]...), nil
	})
}

// InterruptSplit removes the separator pointing to blk and flags its left sibling, as if
// the split that created blk never inserted its downlink.
func InterruptSplit(tree *nbtree.Tree, blk uint32) error {
	pblk, off, err := Parent(tree, blk)
	if err != nil {
		return err
	}
	o := nbtree.GetOpaque(tree.Page(pblk))
	if o.IsNegativeInfinity(off) {
		return errors.Errorf("block %d is the first child of block %d", blk, pblk)
	}
	left := nbtree.GetOpaque(tree.Page(blk)).Prev
	if err := tree.RewriteItems(pblk, func(items []nbtree.Tuple) ([]nbtree.Tuple, error) {
		i := itemIndex(off)
		return append(items[:i], items[i+1:]...), nil
	}); err != nil {
		return err
	}
	tree.UpdateOpaque(left, func(o *nbtree.Opaque) { o.Flags |= nbtree.FlagIncompleteSplit })
	return nil
}

// SwapItems swaps the first two data items of blk.
func SwapItems(tree *nbtree.Tree, blk uint32) error {
	first := itemIndex(nbtree.GetOpaque(tree.Page(blk)).FirstDataKey())
	return tree.RewriteItems(blk, func(items []nbtree.Tuple) ([]nbtree.Tuple, error) {
		if len(items) < first+2 {
			return nil, errors.Errorf("block %d has fewer than two data items", blk)
		}
		items[first], items[first+1] = items[first+1], items[first]
		return items, nil
	})
}

// MarkHalfDead removes the downlink to leaf and marks it half-dead, recording topParent in
// its high key. InvalidBlock means the leaf is its own top parent.
func MarkHalfDead(tree *nbtree.Tree, leaf, topParent uint32) error {
	o := nbtree.GetOpaque(tree.Page(leaf))
	if !o.IsLeaf() || o.IsRightmost() {
		return errors.Errorf("block %d is not a non-rightmost leaf", leaf)
	}
	if topParent == nbtree.InvalidBlock {
		if err := DropDownlink(tree, leaf); err != nil {
			return err
		}
	}
	if err := tree.RewriteItems(leaf, func(items []nbtree.Tuple) ([]nbtree.Tuple, error) {
		items[0].SetTopParent(topParent)
		return items, nil
	}); err != nil {
		return err
	}
	tree.UpdateOpaque(leaf, func(o *nbtree.Opaque) { o.Flags |= nbtree.FlagHalfDead })
	return nil
}

// InterruptDeletion leaves the subtree under the internal page blk in the state of an
// interrupted multi-level deletion: blk lost its downlink and the leftmost leaf below it is
// half-dead, pointing back at blk.
func InterruptDeletion(tree *nbtree.Tree, blk uint32) error {
	o := nbtree.GetOpaque(tree.Page(blk))
	if o.IsLeaf() {
		return errors.Errorf("block %d is a leaf", blk)
	}
	leaf := blk
	for !nbtree.GetOpaque(tree.Page(leaf)).IsLeaf() {
		page := tree.Page(leaf)
		t, ok := nbtree.PageTuple(page, nbtree.GetOpaque(page).FirstDataKey())
		if !ok {
			return errors.Errorf("block %d has no first downlink", leaf)
		}
		leaf = t.Downlink()
	}
	if err := DropDownlink(tree, blk); err != nil {
		return err
	}
	return MarkHalfDead(tree, leaf, blk)
}

// DeletePage turns blk into a deleted page, leaving its neighbours linked to it.
func DeletePage(tree *nbtree.Tree, blk uint32, safeXid uint64) {
	tree.UpdateOpaque(blk, func(o *nbtree.Opaque) { o.Flags &^= nbtree.FlagRoot })
	nbtree.MarkDeleted(tree.Page(blk), safeXid)
}
