package verify

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"btverify/pkg/bufpage"
	"btverify/pkg/datum"
	"btverify/pkg/nbtree"
	"btverify/pkg/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStructure(t *testing.T) {
	t.Run("LargeTree", testLargeTree)
	t.Run("RepeatedRuns", testRepeatedRuns)
	t.Run("LegacyVersions", testLegacyVersions)
	t.Run("NotReadonly", testNotReadonly)
	t.Run("LeftLinkMismatch", testLeftLinkMismatch)
	t.Run("SwappedItems", testSwappedItems)
	t.Run("HighKeyTooLow", testHighKeyTooLow)
	t.Run("ChildBelowSeparator", testChildBelowSeparator)
	t.Run("SeparatorMismatch", testSeparatorMismatch)
	t.Run("MisplacedPostingTID", testMisplacedPostingTID)
	t.Run("DownlinkToMetapage", testDownlinkToMetapage)
	t.Run("HalfDeadLeaf", testHalfDeadLeaf)
	t.Run("InterruptedDeletion", testInterruptedDeletion)
	t.Run("Checksums", testChecksums)
	t.Run("TruncatedNullBitmap", testTruncatedNullBitmap)
	t.Run("PivotOnChildLeaf", testPivotOnChildLeaf)
}

func TestConcurrentChanges(t *testing.T) {
	t.Run("DeletedLeafSkipped", testDeletedLeafSkipped)
	t.Run("ConcurrentSplit", testConcurrentSplit)
	t.Run("TargetDeletedDuringCheck", testTargetDeletedDuringCheck)
}

// pageBuffer serves a fixed page image.
type pageBuffer struct {
	blkno uint32
	page  bufpage.Page
}

func (b pageBuffer) RLock()            {}
func (b pageBuffer) RUnlock()          {}
func (b pageBuffer) GetData() []byte   { return b.page }
func (b pageBuffer) GetPageNum() int64 { return int64(b.blkno) }
func (b pageBuffer) Release() error    { return nil }

// staleIndex serves the first read of a block from an older image of the page, as if a
// writer changed the page right after the check copied it.
type staleIndex struct {
	Index
	mtx    sync.Mutex
	before map[uint32]bufpage.Page
}

func (s *staleIndex) ReadBuffer(ctx context.Context, blkno uint32) (bufpage.Buffer, error) {
	s.mtx.Lock()
	page, ok := s.before[blkno]
	delete(s.before, blkno)
	s.mtx.Unlock()
	if ok {
		return pageBuffer{blkno: blkno, page: page}, nil
	}
	return s.Index.ReadBuffer(ctx, blkno)
}

func pageImage(tree *nbtree.Tree, blkno uint32) bufpage.Page {
	return bufpage.Page(bytes.Clone(tree.Page(blkno)))
}

func testLargeTree(t *testing.T) {
	f := setupFixture(t, testutil.Options{Rows: 500, Build: nbtree.BuildOptions{LeafItems: 7, InternalItems: 4}})
	require.Greater(t, len(f.Tree.Levels), 3)
	res, err := check(t, f, allChecks)
	require.NoError(t, err)
	assert.Equal(t, int64(len(f.Tree.Levels)), res.LevelsVisited)
	assert.Equal(t, int64(f.Tree.NumBlocks()-1), res.PagesVisited)
	assert.Equal(t, int64(500), res.TuplesFingerprinted)
	assert.Equal(t, int64(500), res.HeapTuplesPresent)
}

func testRepeatedRuns(t *testing.T) {
	f := setupFixture(t, testutil.Options{Rows: 100, Build: nbtree.BuildOptions{LeafItems: 9}})
	idx := openIndex(t, f)
	first, err := runCheck(t, f, idx, allChecks)
	require.NoError(t, err)
	second, err := runCheck(t, f, idx, allChecks)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func testLegacyVersions(t *testing.T) {
	t.Parallel()
	for _, version := range []uint32{nbtree.MinVersion, nbtree.NovacVersion} {
		f, err := testutil.Create(context.Background(), t.TempDir(), testutil.Options{
			Rows:  60,
			Key:   func(i int) int64 { return int64(i / 2) },
			Build: nbtree.BuildOptions{Version: version, LeafItems: 6, InternalItems: 3},
		})
		require.NoError(t, err)
		res, err := check(t, f, Options{Readonly: true, HeapAllIndexed: true, Seed: 7})
		require.NoError(t, err, "version %d", version)
		assert.Equal(t, int64(60), res.HeapTuplesPresent)
		require.NoError(t, f.Close())
	}
}

func testNotReadonly(t *testing.T) {
	f := setupFixture(t, testutil.Options{Rows: 200, Unique: true, Build: nbtree.BuildOptions{LeafItems: 8, InternalItems: 5}})
	res, err := check(t, f, Options{HeapAllIndexed: true, CheckUnique: true})
	require.NoError(t, err)
	assert.Equal(t, int64(200), res.HeapTuplesPresent)
	assert.Equal(t, int64(len(f.Tree.Levels)), res.LevelsVisited)
}

func testLeftLinkMismatch(t *testing.T) {
	f := setupFixture(t, testutil.Options{Rows: 15, Build: nbtree.BuildOptions{LeafItems: 5}})
	leaves := f.Tree.Levels[0]
	f.Tree.UpdateOpaque(leaves[2], func(o *nbtree.Opaque) { o.Prev = leaves[0] })
	_, err := check(t, f, Options{Readonly: true})
	ce := requireCheckError(t, err, ErrIndexCorrupted, `left link/right link pair in index "accounts_idx" not in agreement`)
	assert.Equal(t, "Block=3 left block=2 left link from block=1.", ce.Detail)
}

func testSwappedItems(t *testing.T) {
	f := setupFixture(t, testutil.Options{Rows: 15, Build: nbtree.BuildOptions{LeafItems: 5}})
	require.NoError(t, testutil.Apply(f.Tree, testutil.SwappedItems))
	_, err := check(t, f, Options{Readonly: true})
	ce := requireCheckError(t, err, ErrIndexCorrupted, `item order invariant violated for index "accounts_idx"`)
	assert.Equal(t, f.Tree.Levels[0][0], ce.Block)
	assert.Equal(t, bufpage.OffsetNumber(2), ce.Offset)
}

// testHighKeyTooLow lowers the high key of the first leaf to key 3 without a heap TID, which
// sorts before the item holding key 3. The parent still holds the old separator, so only the
// page-level checks run.
func testHighKeyTooLow(t *testing.T) {
	f := setupFixture(t, testutil.Options{Rows: 15, Build: nbtree.BuildOptions{LeafItems: 5}})
	leaf := f.Tree.Levels[0][0]
	require.NoError(t, f.Tree.RewriteItems(leaf, func(items []nbtree.Tuple) ([]nbtree.Tuple, error) {
		// items[0] is the high key, items[3] holds key 3.
		pivot, err := f.Tree.Desc.MakePivot(items[3], 1, nil)
		if err != nil {
			return nil, err
		}
		items[0] = pivot
		return items, nil
	}))
	_, err := check(t, f, Options{})
	ce := requireCheckError(t, err, ErrIndexCorrupted, `high key invariant violated for index "accounts_idx"`)
	assert.Equal(t, leaf, ce.Block)
	assert.Equal(t, bufpage.OffsetNumber(4), ce.Offset)
}

func testChildBelowSeparator(t *testing.T) {
	f := setupFixture(t, testutil.Options{Rows: 15, Build: nbtree.BuildOptions{LeafItems: 5}})
	leaf := f.Tree.Levels[0][1]
	require.NoError(t, f.Tree.RewriteItems(leaf, func(items []nbtree.Tuple) ([]nbtree.Tuple, error) {
		tid, _ := items[1].HeapTID()
		low, err := f.Tree.Desc.FormTuple([]datum.Datum{datum.Int(5)}, tid)
		if err != nil {
			return nil, err
		}
		items[1] = low
		return items, nil
	}))
	_, err := check(t, f, Options{Readonly: true})
	ce := requireCheckError(t, err, ErrIndexCorrupted, `down-link lower bound invariant violated for index "accounts_idx"`)
	assert.Equal(t, f.Tree.Root(), ce.Block)
}

func testSeparatorMismatch(t *testing.T) {
	f := setupFixture(t, testutil.Options{Rows: 15, Build: nbtree.BuildOptions{LeafItems: 5}})
	leaves := f.Tree.Levels[0]
	pblk, off, err := testutil.Parent(f.Tree, leaves[1])
	require.NoError(t, err)
	require.NoError(t, f.Tree.RewriteItems(pblk, func(items []nbtree.Tuple) ([]nbtree.Tuple, error) {
		// The data items of the first leaf hold keys 1 to 5.
		src := f.Tree.Items(leaves[0])[5]
		pivot, err := f.Tree.Desc.MakePivot(src, 1, nil)
		if err != nil {
			return nil, err
		}
		pivot.SetDownlink(leaves[1])
		items[off-1] = pivot
		return items, nil
	}))
	_, err = check(t, f, Options{Readonly: true})
	ce := requireCheckError(t, err, ErrIndexCorrupted, `mismatch between parent key and child high key in index "accounts_idx"`)
	assert.Contains(t, ce.Detail, "child block=1 ")
}

func testMisplacedPostingTID(t *testing.T) {
	f := setupFixture(t, testutil.Options{
		Rows:  30,
		Key:   func(i int) int64 { return int64(i / 3) },
		Build: nbtree.BuildOptions{Dedup: true},
	})
	require.Len(t, f.Tree.Levels, 1)
	root := f.Tree.Root()
	swapped := false
	require.NoError(t, f.Tree.RewriteItems(root, func(items []nbtree.Tuple) ([]nbtree.Tuple, error) {
		for _, it := range items {
			if !it.IsPosting() {
				continue
			}
			pos := it.PostingOffset()
			var first [bufpage.SizeOfTID]byte
			copy(first[:], it[pos:])
			copy(it[pos:], it[pos+bufpage.SizeOfTID:pos+2*bufpage.SizeOfTID])
			copy(it[pos+bufpage.SizeOfTID:], first[:])
			swapped = true
			break
		}
		return items, nil
	}))
	require.True(t, swapped)
	_, err := check(t, f, Options{Readonly: true})
	ce := requireCheckError(t, err, ErrIndexCorrupted, `posting list contains misplaced TID in index "accounts_idx"`)
	assert.Equal(t, root, ce.Block)
}

func testDownlinkToMetapage(t *testing.T) {
	f := setupFixture(t, testutil.Options{Rows: 15, Build: nbtree.BuildOptions{LeafItems: 5}})
	leaves := f.Tree.Levels[0]
	pblk, off, err := testutil.Parent(f.Tree, leaves[2])
	require.NoError(t, err)
	require.NoError(t, f.Tree.RewriteItems(pblk, func(items []nbtree.Tuple) ([]nbtree.Tuple, error) {
		items[off-1].SetDownlink(nbtree.MetaBlock)
		return items, nil
	}))
	_, err = check(t, f, Options{Readonly: true})
	requireCheckError(t, err, ErrIndexCorrupted, `downlink in index "accounts_idx" points to invalid block 0`)
}

func testHalfDeadLeaf(t *testing.T) {
	f := setupFixture(t, testutil.Options{Rows: 15, Build: nbtree.BuildOptions{LeafItems: 5}})
	require.NoError(t, testutil.Apply(f.Tree, testutil.HalfDeadLeaf))
	res, err := check(t, f, Options{Readonly: true, RootDescend: true})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.LevelsVisited)
}

func testInterruptedDeletion(t *testing.T) {
	f := setupFixture(t, testutil.Options{Rows: 45, Build: nbtree.BuildOptions{LeafItems: 5, InternalItems: 3}})
	require.Len(t, f.Tree.Levels, 3)
	require.NoError(t, testutil.InterruptDeletion(f.Tree, f.Tree.Levels[1][1]))

	logger, logs := observedLogger()
	_, err := check(t, f, Options{Readonly: true, Logger: logger})
	require.NoError(t, err)
	notes := logs.FilterMessage("checking for interrupted multi-level deletion due to missing downlink").All()
	require.Len(t, notes, 1)
	assert.Equal(t, f.Tree.Levels[1][1], notes[0].ContextMap()["block"])
}

func testChecksums(t *testing.T) {
	f := setupFixture(t, testutil.Options{Rows: 15, Build: nbtree.BuildOptions{LeafItems: 5, Checksums: true}})
	_, err := check(t, f, Options{Readonly: true, VerifyChecksums: true})
	require.NoError(t, err)

	spec, err := f.Catalog.IndexSpec(f.Index)
	require.NoError(t, err)
	file, err := os.OpenFile(filepath.Join(f.Catalog.GetBasePath(), spec.File), os.O_RDWR, 0)
	require.NoError(t, err)
	leaf := f.Tree.Levels[0][1]
	_, err = file.WriteAt([]byte{0xAB}, int64(leaf)*nbtree.BlockSize+2000)
	require.NoError(t, err)
	require.NoError(t, file.Close())

	idx, err := f.Open()
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	_, err = runCheck(t, f, idx, Options{Readonly: true, VerifyChecksums: true})
	require.ErrorIs(t, err, ErrIndexCorrupted)
	var ce *CheckError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Msg, "page verification failed, calculated checksum")
	assert.Equal(t, leaf, ce.Block)
}

func testTruncatedNullBitmap(t *testing.T) {
	f := setupFixture(t, testutil.Options{Rows: 15, Build: nbtree.BuildOptions{LeafItems: 5}})
	leaf := f.Tree.Levels[0][0]
	require.NoError(t, f.Tree.RewriteItems(leaf, func(items []nbtree.Tuple) ([]nbtree.Tuple, error) {
		// A bare header claiming a null bitmap it has no room for.
		bad := make(nbtree.Tuple, nbtree.TupleHeaderSize)
		binary.LittleEndian.PutUint16(bad[6:], nbtree.TupleHeaderSize|0x8000)
		items[1] = bad
		return items, nil
	}))
	_, err := check(t, f, Options{})
	ce := requireCheckError(t, err, ErrIndexCorrupted, `index tuple header exceeds lp_len in index "accounts_idx"`)
	assert.Equal(t, leaf, ce.Block)
	assert.Equal(t, bufpage.OffsetNumber(2), ce.Offset)
	assert.Contains(t, ce.Detail, "header size=12 lp_len=8")
}

// testPivotOnChildLeaf replaces the first data item of the second leaf with a pivot holding
// the same key, which the parent's downlink check trips over first.
func testPivotOnChildLeaf(t *testing.T) {
	f := setupFixture(t, testutil.Options{Rows: 15, Build: nbtree.BuildOptions{LeafItems: 5}})
	leaf := f.Tree.Levels[0][1]
	require.NoError(t, f.Tree.RewriteItems(leaf, func(items []nbtree.Tuple) ([]nbtree.Tuple, error) {
		tid, _ := items[1].HeapTID()
		pivot, err := f.Tree.Desc.MakePivot(items[1], 1, &tid)
		if err != nil {
			return nil, err
		}
		items[1] = pivot
		return items, nil
	}))
	_, err := check(t, f, Options{Readonly: true})
	require.ErrorIs(t, err, ErrIndexCorrupted)
	var ce *CheckError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Msg, "has unexpected pivot tuple")
	assert.Equal(t, leaf, ce.Block)
	assert.Equal(t, bufpage.OffsetNumber(2), ce.Offset)
}

func testDeletedLeafSkipped(t *testing.T) {
	f := setupFixture(t, testutil.Options{Rows: 15, Build: nbtree.BuildOptions{LeafItems: 5}})
	leaves := f.Tree.Levels[0]
	testutil.DeletePage(f.Tree, leaves[1], 42)

	logger, logs := observedLogger()
	res, err := check(t, f, Options{Logger: logger})
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.PagesVisited)
	notes := logs.FilterMessage("block concurrently deleted").All()
	require.Len(t, notes, 1)
	assert.Equal(t, leaves[1], notes[0].ContextMap()["block"])
	notes = logs.FilterMessage("sibling page was found deleted or half dead").All()
	require.Len(t, notes, 1)
	assert.Equal(t, leaves[1], notes[0].ContextMap()["block"])
}

// testConcurrentSplit shows the check a first leaf whose right link skips the second leaf,
// as it was before the split that created the second leaf.
func testConcurrentSplit(t *testing.T) {
	f := setupFixture(t, testutil.Options{Rows: 15, Build: nbtree.BuildOptions{LeafItems: 5}})
	leaves := f.Tree.Levels[0]
	f.Tree.UpdateOpaque(leaves[0], func(o *nbtree.Opaque) { o.Next = leaves[2] })
	beforeSplit := pageImage(f.Tree, leaves[0])
	f.Tree.UpdateOpaque(leaves[0], func(o *nbtree.Opaque) { o.Next = leaves[1] })
	idx := &staleIndex{Index: openIndex(t, f), before: map[uint32]bufpage.Page{leaves[0]: beforeSplit}}

	logger, logs := observedLogger()
	res, err := CheckIndex(context.Background(), idx, f.Table, Options{Logger: logger})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.PagesVisited)
	notes := logs.FilterMessage("harmless concurrent page split detected").All()
	require.Len(t, notes, 1)
	fields := notes[0].ContextMap()
	assert.Equal(t, leaves[0], fields["block"])
	assert.Equal(t, leaves[1], fields["new_right_sibling"])
	assert.Equal(t, leaves[2], fields["original_right_sibling"])
}

// testTargetDeletedDuringCheck deletes the first leaf after the check copied it. The copy
// sorts after its right sibling, which the fresh read explains.
func testTargetDeletedDuringCheck(t *testing.T) {
	f := setupFixture(t, testutil.Options{Rows: 15, Build: nbtree.BuildOptions{LeafItems: 5}})
	leaves := f.Tree.Levels[0]
	live := pageImage(f.Tree, leaves[0])
	testutil.DeletePage(f.Tree, leaves[0], 42)
	require.NoError(t, f.Tree.RewriteItems(leaves[1], func(items []nbtree.Tuple) ([]nbtree.Tuple, error) {
		tid, _ := items[1].HeapTID()
		low, err := f.Tree.Desc.FormTuple([]datum.Datum{datum.Int(0)}, tid)
		if err != nil {
			return nil, err
		}
		items[1] = low
		return items, nil
	}))
	idx := &staleIndex{Index: openIndex(t, f), before: map[uint32]bufpage.Page{leaves[0]: live}}

	logger, logs := observedLogger()
	res, err := CheckIndex(context.Background(), idx, f.Table, Options{Logger: logger})
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.PagesVisited)
	notes := logs.FilterMessage("block concurrently deleted").All()
	require.Len(t, notes, 1)
	assert.Equal(t, leaves[0], notes[0].ContextMap()["block"])
}
