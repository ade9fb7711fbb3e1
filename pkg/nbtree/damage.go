package nbtree

import (
	"btverify/pkg/bufpage"

	"github.com/pkg/errors"
)

// Items returns copies of the tuples on block blk, high key included.
func (tree *Tree) Items(blk uint32) []Tuple {
	p := tree.Pages[blk]
	var items []Tuple
	for off := bufpage.FirstOffsetNumber; off <= p.MaxOffset(); off++ {
		if t, ok := PageTuple(p, off); ok {
			items = append(items, t.Clone())
		}
	}
	return items
}

// RewriteItems replaces the items of block blk, high key included, with what fn returns.
// The opaque trailer and LSN are kept.
func (tree *Tree) RewriteItems(blk uint32, fn func(items []Tuple) ([]Tuple, error)) error {
	old := tree.Pages[blk]
	items, err := fn(tree.Items(blk))
	if err != nil {
		return err
	}
	p := make(bufpage.Page, BlockSize)
	InitPage(p, GetOpaque(old))
	p.SetLSN(old.LSN())
	for _, t := range items {
		if _, err := p.AddItem(t, bufpage.LPNormal); err != nil {
			return errors.Wrapf(err, "could not rewrite block %d", blk)
		}
	}
	tree.Pages[blk] = p
	return nil
}

// UpdateOpaque applies fn to the trailer of block blk.
func (tree *Tree) UpdateOpaque(blk uint32, fn func(o *Opaque)) {
	o := GetOpaque(tree.Pages[blk])
	fn(&o)
	o.Put(tree.Pages[blk])
}

// UpdateMeta applies fn to the metapage.
func (tree *Tree) UpdateMeta(fn func(m *Meta)) {
	fn(&tree.Meta)
	tree.Meta.Put(tree.Pages[MetaBlock])
}
