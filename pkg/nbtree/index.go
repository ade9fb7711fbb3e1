package nbtree

import (
	"context"

	"btverify/pkg/bufpage"
	"btverify/pkg/concurrency"
	"btverify/pkg/pager"

	"github.com/pkg/errors"
)

// Index is an open index relation read through the buffer pool.
type Index struct {
	desc      *Desc
	pager     *pager.Pager
	checkXmin concurrency.XID
}

// Open opens the index file at path without write access.
func Open(path string, desc *Desc) (*Index, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	p, err := pager.OpenReadOnly(path)
	if err != nil {
		return nil, err
	}
	return &Index{desc: desc, pager: p}, nil
}

// Close closes the index file.
func (ix *Index) Close() error {
	return ix.pager.Close()
}

func (ix *Index) Name() string { return ix.desc.Name }

func (ix *Index) Desc() *Desc { return ix.desc }

// NumBlocks returns the number of blocks in the index, metapage included.
func (ix *Index) NumBlocks() uint32 { return uint32(ix.pager.GetNumPages()) }

// SetCheckXmin records the oldest transaction that may not see every entry of the index,
// as left behind by a build that skipped recently dead rows.
func (ix *Index) SetCheckXmin(x concurrency.XID) { ix.checkXmin = x }

// CheckXmin returns the horizon set by SetCheckXmin, if any.
func (ix *Index) CheckXmin() (concurrency.XID, bool) {
	return ix.checkXmin, ix.checkXmin.IsValid()
}

// ReadBuffer pins block blkno. The caller locks it to look at the bytes and releases it.
func (ix *Index) ReadBuffer(ctx context.Context, blkno uint32) (bufpage.Buffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if blkno >= ix.NumBlocks() {
		return nil, errors.Errorf("block %d is out of range for index %q of %d blocks", blkno, ix.Name(), ix.NumBlocks())
	}
	page, err := ix.pager.GetPage(int64(blkno))
	if err != nil {
		return nil, err
	}
	return page, nil
}

// ReadPage returns a private copy of block blkno.
func (ix *Index) ReadPage(ctx context.Context, blkno uint32) (bufpage.Page, error) {
	buf, err := ix.ReadBuffer(ctx, blkno)
	if err != nil {
		return nil, err
	}
	defer buf.Release()
	return bufpage.CopyPage(buf), nil
}

// Meta reads the metapage.
func (ix *Index) Meta(ctx context.Context) (Meta, error) {
	p, err := ix.ReadPage(ctx, MetaBlock)
	if err != nil {
		return Meta{}, err
	}
	return GetMeta(p), nil
}
