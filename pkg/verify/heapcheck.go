package verify

import (
	"context"

	"btverify/pkg/bufpage"
	"btverify/pkg/datum"
	"btverify/pkg/nbtree"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// fingerprintLeafTuple adds the normalized form of a leaf tuple to the Bloom filter. A
// posting list is fingerprinted as the plain tuples it stands for.
func (c *checker) fingerprintLeafTuple(t nbtree.Tuple, off bufpage.OffsetNumber) error {
	if !t.IsPosting() {
		return c.fingerprint(t, off)
	}
	for i := 0; i < t.NPosting(); i++ {
		plain, err := nbtree.PostingPlainTuple(t, i)
		if err != nil {
			return c.corrupt("could not expand posting list of index tuple %s in index %q: %v",
				tidString(c.targetBlock, off), c.name(), err).at(c.targetBlock, off)
		}
		if err := c.fingerprint(plain, off); err != nil {
			return err
		}
	}
	return nil
}

func (c *checker) fingerprint(t nbtree.Tuple, off bufpage.OffsetNumber) error {
	norm, err := c.desc.Normalize(t)
	if err != nil {
		heapTID, _ := t.HeapTID()
		if errors.Is(err, datum.ErrExternal) {
			return c.corrupt("external varlena datum in tuple that references heap row (%d,%d) in index %q",
				heapTID.Block, heapTID.Offset, c.name()).at(c.targetBlock, off)
		}
		return c.corrupt("could not normalize tuple that references heap row (%d,%d) in index %q: %v",
			heapTID.Block, heapTID.Offset, c.name(), err).at(c.targetBlock, off)
	}
	c.filter.Add(norm)
	c.result.TuplesFingerprinted++
	return nil
}

// checkHeap probes the Bloom filter with the tuple an index build would form for every heap
// row. Readonly mode sees the rows an index build would index; otherwise the rows visible
// to the registered snapshot.
func (c *checker) checkHeap(ctx context.Context) error {
	c.log.Debug("verifying that tuples from index are present in heap",
		zap.Int64("fingerprinted", c.result.TuplesFingerprinted))

	snap := c.snapshot
	if c.opts.Readonly {
		snap = nil
	}
	err := c.hp.Scan(ctx, snap, func(tid bufpage.TID, row []datum.Datum) error {
		values, err := c.desc.Values(row)
		if err != nil {
			return errors.Wrapf(err, "could not compute index values for heap tuple %s of table %q", tid, c.hp.Name())
		}
		t, err := c.desc.FormTuple(values, tid)
		switch {
		case errors.Is(err, datum.ErrExternal):
			return c.heapError(ErrDataCorrupted, "external varlena datum in heap tuple (%d,%d) of table %q",
				tid.Block, tid.Offset, c.hp.Name())
		case errors.Is(err, nbtree.ErrTupleTooLarge):
			return c.heapError(ErrDataCorrupted, "index row for heap tuple (%d,%d) of table %q exceeds maximum size of index %q",
				tid.Block, tid.Offset, c.hp.Name(), c.name())
		case err != nil:
			return errors.Wrapf(err, "could not form index tuple for heap tuple %s of table %q", tid, c.hp.Name())
		}
		norm, err := c.desc.Normalize(t)
		if err != nil {
			return errors.Wrapf(err, "could not normalize index tuple for heap tuple %s of table %q", tid, c.hp.Name())
		}
		if c.filter.Lacks(norm) {
			e := c.heapError(ErrHeapMismatch, "heap tuple (%d,%d) from table %q lacks matching index tuple within index %q",
				tid.Block, tid.Offset, c.hp.Name(), c.name())
			if !c.opts.Readonly {
				e.hint("Retrying verification using readonly mode might provide a more specific error.")
			}
			return e
		}
		c.result.HeapTuplesPresent++
		return nil
	})
	if err != nil {
		return err
	}

	c.result.BloomFillFraction = c.filter.FillFraction()
	c.log.Debug("finished verifying presence of heap tuples",
		zap.Int64("tuples", c.result.HeapTuplesPresent), zap.String("table", c.hp.Name()),
		zap.Float64("fill_fraction", c.result.BloomFillFraction))
	return nil
}

func (c *checker) heapError(cat error, format string, args ...any) *CheckError {
	e := c.corrupt(format, args...).category(cat)
	e.Block = nbtree.InvalidBlock
	e.LSN = 0
	return e
}
