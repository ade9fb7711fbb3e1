// Package verify checks the structure of a B-tree index offline: sibling and parent/child
// links, key order within and across pages, attribute counts, posting lists, tuple sizes,
// and optionally uniqueness and the presence of every heap row in the index.
//
// A check copies each page it looks at and reports the first problem it finds as a
// *CheckError. Benign conditions that concurrent activity can explain are logged at debug
// level and never fail the check.
package verify

import (
	"context"
	"fmt"
	"math/rand/v2"

	"btverify/pkg/bloom"
	"btverify/pkg/bufpage"
	"btverify/pkg/concurrency"
	"btverify/pkg/config"
	"btverify/pkg/datum"
	"btverify/pkg/nbtree"

	"github.com/c2h5oh/datasize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Index is the index relation under check.
type Index interface {
	Name() string
	Desc() *nbtree.Desc
	NumBlocks() uint32
	// ReadBuffer pins a block. The caller locks it while reading and releases it.
	ReadBuffer(ctx context.Context, blkno uint32) (bufpage.Buffer, error)
	// CheckXmin returns the oldest transaction that may not see every entry of the index.
	CheckXmin() (concurrency.XID, bool)
}

// Heap is the table the index belongs to.
type Heap interface {
	Name() string
	NumBlocks() uint32
	EstimatedTuples() int64
	Visible(ctx context.Context, tid bufpage.TID, snap *concurrency.Snapshot) (bool, error)
	// Scan visits the rows visible to snap, or every row an index build would index when
	// snap is nil.
	Scan(ctx context.Context, snap *concurrency.Snapshot, fn func(tid bufpage.TID, values []datum.Datum) error) error
}

// SnapshotSource hands out MVCC snapshots.
type SnapshotSource interface {
	RegisterSnapshot() *concurrency.Snapshot
	UnregisterSnapshot(*concurrency.Snapshot)
	UsesTransactionSnapshot() bool
}

// Options select the checks to run.
type Options struct {
	// Readonly promises that nothing modifies the index during the check. It enables the
	// checks that span levels.
	Readonly bool
	// HeapAllIndexed checks that every heap row has a matching index tuple.
	HeapAllIndexed bool
	// RootDescend searches for every leaf tuple from the root. Needs Readonly.
	RootDescend bool
	// CheckUnique checks that unique indexes hold at most one visible entry per key.
	CheckUnique bool
	// WorkMem bounds the Bloom filter. Zero means config.DefaultWorkMem.
	WorkMem datasize.ByteSize
	// Seed seeds the Bloom filter hashes. Zero picks a random seed.
	Seed uint64
	// Hasher names the Bloom filter hash function.
	Hasher          string
	VerifyChecksums bool
	// Snapshots is needed for CheckUnique, and for HeapAllIndexed without Readonly.
	Snapshots SnapshotSource
	Logger    *zap.Logger
}

// Result summarizes a check that found no corruption.
type Result struct {
	PagesVisited        int64   `json:"pages_visited"`
	LevelsVisited       int64   `json:"levels_visited"`
	TuplesFingerprinted int64   `json:"tuples_fingerprinted"`
	HeapTuplesPresent   int64   `json:"heap_tuples_present"`
	BloomFillFraction   float64 `json:"bloom_fill_fraction"`
}

// checker holds the state of one run.
type checker struct {
	idx  Index
	hp   Heap
	desc *nbtree.Desc
	opts Options
	log  *zap.Logger

	heapkeyspace bool
	checkUnique  bool
	// root is the true root, where root descents start.
	root uint32

	// The page being checked.
	target      bufpage.Page
	targetBlock uint32
	targetLSN   bufpage.LSN

	// Child level position of the downlink connectivity check.
	prevRightLink       uint32
	prevIncompleteSplit bool
	// lowKey is the high key of the left sibling of the target, kept in readonly mode.
	lowKey nbtree.Tuple

	snapshot    *concurrency.Snapshot
	ownSnapshot bool
	filter      *bloom.Filter

	pagesRead int64
	result    Result
}

// level identifies the leftmost page of a level.
type level struct {
	level      uint32
	leftmost   uint32
	isTrueRoot bool
}

// CheckIndex verifies idx, and hp when HeapAllIndexed is set. It returns a *CheckError for
// the first corruption found, other errors for I/O failures or cancellation.
func CheckIndex(ctx context.Context, idx Index, hp Heap, opts Options) (*Result, error) {
	c := &checker{
		idx:  idx,
		hp:   hp,
		desc: idx.Desc(),
		opts: opts,
		log:  opts.Logger,
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	c.log = c.log.With(zap.String("run_id", uuid.NewString()), zap.String("index", idx.Name()))
	if hp != nil {
		c.log = c.log.With(zap.String("heap", hp.Name()))
	}
	defer c.release()

	if err := c.run(ctx); err != nil {
		return nil, err
	}
	return &c.result, nil
}

func (c *checker) name() string { return c.idx.Name() }

// corrupt starts an index corruption error about the target page.
func (c *checker) corrupt(format string, args ...any) *CheckError {
	return &CheckError{
		Category: ErrIndexCorrupted,
		Index:    c.name(),
		Msg:      fmt.Sprintf(format, args...),
		Block:    c.targetBlock,
		LSN:      c.targetLSN,
	}
}

func (c *checker) release() {
	if c.filter != nil {
		c.filter.Free()
		c.filter = nil
	}
	if c.snapshot != nil && c.ownSnapshot {
		c.opts.Snapshots.UnregisterSnapshot(c.snapshot)
	}
	c.snapshot = nil
}

func (c *checker) run(ctx context.Context) error {
	if c.opts.Readonly {
		c.log.Debug("verifying consistency of tree structure with cross-level checks")
	} else {
		c.log.Debug("verifying consistency of tree structure")
	}
	c.targetBlock = nbtree.MetaBlock
	metapage, _, err := c.readPage(ctx, nbtree.MetaBlock)
	if err != nil {
		return err
	}
	meta := nbtree.GetMeta(metapage)
	c.heapkeyspace = meta.HeapKeySpace()
	c.root = meta.Root
	c.checkUnique = c.opts.CheckUnique && c.desc.Unique

	if err := c.checkOptions(meta); err != nil {
		return err
	}
	if err := c.prepareHeapCheck(ctx); err != nil {
		return err
	}
	if c.checkUnique && c.hp == nil {
		return errors.Errorf("checking uniqueness of index %q needs the heap", c.name())
	}
	if c.checkUnique && c.snapshot == nil {
		if c.opts.Snapshots == nil {
			return errors.Errorf("checking uniqueness of index %q needs a snapshot source", c.name())
		}
		c.snapshot = c.opts.Snapshots.RegisterSnapshot()
		c.ownSnapshot = true
	}

	if meta.FastRoot != meta.Root {
		c.log.Debug("harmless fast root mismatch",
			zap.Uint32("fast_root", meta.FastRoot), zap.Uint32("fast_level", meta.FastLevel),
			zap.Uint32("root", meta.Root), zap.Uint32("root_level", meta.Level))
	}

	// Start from the true root. There may be no pages besides the metapage.
	previousLevel := nbtree.InvalidBlock
	current := level{level: meta.Level, leftmost: meta.Root, isTrueRoot: true}
	for current.leftmost != nbtree.PNone {
		if err := ctx.Err(); err != nil {
			return err
		}
		next, err := c.checkLevel(ctx, current)
		if err != nil {
			return err
		}
		c.result.LevelsVisited++
		if next.leftmost == nbtree.InvalidBlock {
			if previousLevel == nbtree.InvalidBlock {
				return c.corrupt("index %q has no valid pages on level below %d or first level", c.name(), current.level).at(nbtree.InvalidBlock, 0)
			}
			return c.corrupt("index %q has no valid pages on level below %d or first level", c.name(), previousLevel).at(nbtree.InvalidBlock, 0)
		}
		previousLevel = current.level
		current = next
	}

	if c.opts.HeapAllIndexed {
		if err := c.checkHeap(ctx); err != nil {
			return err
		}
	}
	return nil
}

// checkOptions rejects option combinations the index cannot support and metapages that
// contradict the index definition.
func (c *checker) checkOptions(meta nbtree.Meta) error {
	if c.opts.RootDescend && !c.opts.Readonly {
		return c.unsupported("cannot verify that tuples from index %q can each be found by an independent index search without readonly mode", c.name()).
			hint("Searching from the root is a cross-level check.")
	}
	if c.opts.RootDescend && !c.heapkeyspace {
		return c.unsupported("cannot verify that tuples from index %q can each be found by an independent index search", c.name()).
			hint("Only B-Tree version 4 indexes support rootdescend verification.")
	}
	if meta.AllEqualImage && !c.heapkeyspace {
		return c.corrupt("index %q metapage has equalimage field set on unsupported nbtree version", c.name()).at(nbtree.MetaBlock, 0)
	}
	if meta.AllEqualImage && !c.desc.AllEqualImage() {
		return c.corrupt("index %q metapage incorrectly indicates that deduplication is safe", c.name()).
			hint("This can be caused by an operator class that is not equal-image.").at(nbtree.MetaBlock, 0)
	}
	return nil
}

func (c *checker) unsupported(format string, args ...any) *CheckError {
	e := c.corrupt(format, args...).category(ErrFeatureNotSupported)
	e.Block = nbtree.InvalidBlock
	return e
}

// prepareHeapCheck sizes the Bloom filter and registers the snapshot of the heap pass
// before any index tuple gets fingerprinted.
func (c *checker) prepareHeapCheck(ctx context.Context) error {
	if !c.opts.HeapAllIndexed {
		return nil
	}
	if c.hp == nil {
		return errors.Errorf("checking that heap rows are indexed in %q needs the heap", c.name())
	}
	totalPages := int64(c.idx.NumBlocks())
	totalElems := max(totalPages*(nbtree.MaxTIDsPerPage/3), c.hp.EstimatedTuples())
	seed := c.opts.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	workMem := c.opts.WorkMem
	if workMem == 0 {
		workMem = config.DefaultWorkMem
	}
	hasher, err := bloom.HasherByName(c.opts.Hasher)
	if err != nil {
		return err
	}
	c.filter = bloom.New(totalElems, workMem, seed, hasher)
	c.log.Debug("created bloom filter",
		zap.Int64("elements", totalElems), zap.Uint64("bits", c.filter.NumBits()),
		zap.Int("hash_funcs", c.filter.NumHashFuncs()), zap.Uint64("seed", seed))

	if c.opts.Readonly {
		return nil
	}
	if c.opts.Snapshots == nil {
		return errors.Errorf("checking that heap rows are indexed in %q without readonly mode needs a snapshot source", c.name())
	}
	c.snapshot = c.opts.Snapshots.RegisterSnapshot()
	c.ownSnapshot = true
	// An old transaction snapshot may predate entries the index build left out.
	if xmin, ok := c.idx.CheckXmin(); ok && c.opts.Snapshots.UsesTransactionSnapshot() &&
		!xmin.Precedes(c.snapshot.Xmin) {
		e := c.corrupt("index %q cannot be verified using transaction snapshot", c.name()).category(ErrSerializationFailure)
		e.Block = nbtree.InvalidBlock
		return e
	}
	return ctx.Err()
}
