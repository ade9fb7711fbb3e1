package nbtree

import (
	"context"

	"btverify/pkg/bufpage"

	"github.com/pkg/errors"
)

// PageReader hands out private copies of index pages.
type PageReader interface {
	ReadPage(ctx context.Context, blkno uint32) (bufpage.Page, error)
	NumBlocks() uint32
}

// Search descends from root to the leaf page where key belongs, moving right past concurrent
// splits and ignorable pages on every level.
func (d *Desc) Search(ctx context.Context, r PageReader, root uint32, key *ScanKey) (uint32, bufpage.Page, error) {
	blkno := root
	for depth := uint32(0); ; depth++ {
		if depth > r.NumBlocks() {
			return 0, nil, errors.Errorf("descent from block %d did not reach a leaf", root)
		}
		page, err := r.ReadPage(ctx, blkno)
		if err != nil {
			return 0, nil, err
		}
		if blkno, page, err = d.moveRight(ctx, r, blkno, page, key); err != nil {
			return 0, nil, err
		}
		if GetOpaque(page).IsLeaf() {
			return blkno, page, nil
		}
		off, err := d.BinSearch(key, page)
		if err != nil {
			return 0, nil, errors.Wrapf(err, "block %d", blkno)
		}
		t, ok := PageTuple(page, off)
		if !ok {
			return 0, nil, errors.Errorf("invalid downlink item at offset %d of block %d", off, blkno)
		}
		child := t.Downlink()
		if child == PNone || child >= r.NumBlocks() {
			return 0, nil, errors.Errorf("downlink to block %d in block %d is out of range", child, blkno)
		}
		blkno = child
	}
}

// moveRight follows right links while key sorts after the high key of the current page.
func (d *Desc) moveRight(ctx context.Context, r PageReader, blkno uint32, page bufpage.Page, key *ScanKey) (uint32, bufpage.Page, error) {
	for steps := uint32(0); ; steps++ {
		o := GetOpaque(page)
		if o.IsRightmost() {
			return blkno, page, nil
		}
		if !o.IsIgnore() {
			c, err := d.ComparePage(key, page, HighKeyOffset)
			if err != nil {
				return 0, nil, errors.Wrapf(err, "block %d", blkno)
			}
			if c < 1 {
				return blkno, page, nil
			}
		}
		if steps >= r.NumBlocks() || o.Next >= r.NumBlocks() {
			return 0, nil, errors.Errorf("could not move right from block %d", blkno)
		}
		blkno = o.Next
		var err error
		if page, err = r.ReadPage(ctx, blkno); err != nil {
			return 0, nil, err
		}
	}
}

// BinSearch finds the position of key on page. On a leaf it returns the first item key does
// not sort after. On an internal page it returns the item whose downlink covers key.
func (d *Desc) BinSearch(key *ScanKey, page bufpage.Page) (bufpage.OffsetNumber, error) {
	o := GetOpaque(page)
	low := o.FirstDataKey()
	high := page.MaxOffset()
	if high < low {
		return low, nil
	}
	high++
	for high > low {
		mid := low + (high-low)/2
		c, err := d.ComparePage(key, page, mid)
		if err != nil {
			return 0, err
		}
		if c >= 1 {
			low = mid + 1
		} else {
			high = mid
		}
	}
	if o.IsLeaf() {
		return low, nil
	}
	return low - 1, nil
}
