package verify

import (
	"context"

	"btverify/pkg/bufpage"
	"btverify/pkg/nbtree"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// readPage returns a private copy of block blkno after the sanity checks every page gets
// before anything looks at its items. The buffer is released before returning.
func (c *checker) readPage(ctx context.Context, blkno uint32) (bufpage.Page, nbtree.Opaque, error) {
	if err := ctx.Err(); err != nil {
		return nil, nbtree.Opaque{}, err
	}
	if blkno >= c.idx.NumBlocks() {
		return nil, nbtree.Opaque{}, c.corrupt("block %d is beyond the end of index %q", blkno, c.name()).
			detail("Index has %d blocks.", c.idx.NumBlocks()).at(blkno, 0)
	}
	buf, err := c.idx.ReadBuffer(ctx, blkno)
	if err != nil {
		return nil, nbtree.Opaque{}, errors.Wrapf(err, "could not read block %d of index %q", blkno, c.name())
	}
	page := bufpage.CopyPage(buf)
	if err := buf.Release(); err != nil {
		return nil, nbtree.Opaque{}, errors.Wrapf(err, "could not release block %d of index %q", blkno, c.name())
	}
	c.pagesRead++
	if err := c.checkPage(blkno, page); err != nil {
		return nil, nbtree.Opaque{}, err
	}
	return page, nbtree.GetOpaque(page), nil
}

// checkPage applies the checks the storage layer and the B-tree code make on every read.
func (c *checker) checkPage(blkno uint32, page bufpage.Page) error {
	if len(page) != nbtree.BlockSize {
		return c.corrupt("index %q contains corrupted page at block %d", c.name(), blkno).
			detail("Page is %d bytes long.", len(page)).at(blkno, 0)
	}
	if page.IsNew() {
		return c.corrupt("index %q contains unexpected zero page at block %d", c.name(), blkno).
			hint("Please REINDEX it.").at(blkno, 0)
	}
	if c.opts.VerifyChecksums {
		if stored, computed, ok := page.VerifyChecksum(blkno); !ok {
			return c.corrupt("page verification failed, calculated checksum %d but expected %d", computed, stored).
				detail("Block=%d of index %q page lsn=%s.", blkno, c.name(), page.LSN()).at(blkno, 0)
		}
	}
	if page.SpecialSize() != nbtree.OpaqueSize || page.Lower() < bufpage.SizeOfPageHeader ||
		page.Lower() > page.Upper() || page.Upper() > page.Special() {
		return c.corrupt("index %q contains corrupted page at block %d", c.name(), blkno).
			hint("Please REINDEX it.").at(blkno, 0)
	}

	opaque := nbtree.GetOpaque(page)
	if opaque.IsMeta() && blkno != nbtree.MetaBlock {
		return c.corrupt("invalid meta page found at block %d in index %q", blkno, c.name()).at(blkno, 0)
	}
	if blkno == nbtree.MetaBlock {
		meta := nbtree.GetMeta(page)
		if !opaque.IsMeta() || meta.Magic != nbtree.Magic {
			return c.corrupt("index %q meta page is corrupt", c.name()).at(blkno, 0)
		}
		if meta.Version < nbtree.MinVersion || meta.Version > nbtree.Version {
			return c.corrupt("version mismatch in index %q: file version %d, current version %d, minimum supported version %d",
				c.name(), meta.Version, nbtree.Version, nbtree.MinVersion).at(blkno, 0)
		}
		return nil
	}

	// Pages deleted without a full transaction id reuse the level field.
	if !opaque.IsDeleted() || opaque.HasFullXid() {
		if opaque.IsLeaf() && opaque.Level != 0 {
			return c.corrupt("invalid leaf page level %d for block %d in index %q", opaque.Level, blkno, c.name()).at(blkno, 0)
		}
		if !opaque.IsLeaf() && opaque.Level == 0 {
			return c.corrupt("invalid internal page level 0 for block %d in index %q", blkno, c.name()).at(blkno, 0)
		}
	}

	maxoff := page.MaxOffset()
	if maxoff > nbtree.MaxIndexTuplesPerPage {
		return c.corrupt("number of items on block %d of index %q exceeds maximum (%d)",
			blkno, c.name(), nbtree.MaxIndexTuplesPerPage).at(blkno, 0)
	}
	if opaque.IsDeleted() {
		payload := page.Lower() - bufpage.SizeOfPageHeader
		if opaque.HasFullXid() {
			payload -= 8
		}
		if payload > 0 {
			return c.corrupt("deleted block %d of index %q contains items", blkno, c.name()).at(blkno, 0)
		}
	} else {
		if !opaque.IsLeaf() && maxoff < opaque.FirstDataKey() {
			return c.corrupt("internal block %d in index %q lacks high key and/or at least one downlink",
				blkno, c.name()).at(blkno, 0)
		}
		if opaque.IsLeaf() && !opaque.IsRightmost() && maxoff < nbtree.HighKeyOffset {
			return c.corrupt("non-rightmost leaf block %d in index %q lacks high key item", blkno, c.name()).at(blkno, 0)
		}
	}
	if !opaque.IsLeaf() && opaque.IsHalfDead() {
		return c.corrupt("internal page block %d in index %q is half-dead", blkno, c.name()).
			hint("This can be caused by an interrupted VACUUM in an old release, before upgrade. Please REINDEX it.").at(blkno, 0)
	}
	if !opaque.IsLeaf() && opaque.HasGarbage() {
		return c.corrupt("internal page block %d in index %q has garbage items", blkno, c.name()).at(blkno, 0)
	}
	if opaque.HasFullXid() && !opaque.IsDeleted() {
		return c.corrupt("full transaction id page flag appears in non-deleted block %d in index %q", blkno, c.name()).at(blkno, 0)
	}
	if opaque.IsDeleted() && opaque.IsHalfDead() {
		return c.corrupt("deleted page block %d in index %q is half-dead", blkno, c.name()).at(blkno, 0)
	}
	return nil
}

// checkedPages lets the ordinary descent used by the root search read checked copies.
type checkedPages struct{ c *checker }

func (r checkedPages) ReadPage(ctx context.Context, blkno uint32) (bufpage.Page, error) {
	page, _, err := r.c.readPage(ctx, blkno)
	return page, err
}

func (r checkedPages) NumBlocks() uint32 { return r.c.idx.NumBlocks() }

// debugPage logs a benign finding about a page.
func (c *checker) debugPage(msg string, blkno uint32, fields ...zap.Field) {
	c.log.Debug(msg, append([]zap.Field{zap.Uint32("block", blkno)}, fields...)...)
}
