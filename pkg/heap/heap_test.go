package heap

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"btverify/pkg/bufpage"
	"btverify/pkg/concurrency"
	"btverify/pkg/datum"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testColumns = []Column{{Name: "id", Type: datum.Int4}, {Name: "name", Type: datum.Text}}

func setupHeap(t *testing.T) (*Heap, *concurrency.TransactionManager) {
	t.Parallel()
	tm := concurrency.NewTransactionManager(concurrency.NewLockManager())
	h, err := Create(filepath.Join(t.TempDir(), "tbl"), "tbl", testColumns, tm)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h, tm
}

func row(id int64, name string) []datum.Datum {
	return []datum.Datum{datum.Int(id), datum.String(name)}
}

// insert runs one committed transaction inserting the given ids.
func insert(t *testing.T, h *Heap, tm *concurrency.TransactionManager, ids ...int64) []bufpage.TID {
	client := uuid.New()
	tx, err := tm.Begin(client)
	require.NoError(t, err)
	var tids []bufpage.TID
	for _, id := range ids {
		tid, err := h.Insert(context.Background(), tx.GetXID(), row(id, "row"))
		require.NoError(t, err)
		tids = append(tids, tid)
	}
	require.NoError(t, tm.Commit(client))
	return tids
}

func scanIDs(t *testing.T, h *Heap, snap *concurrency.Snapshot) []int64 {
	var ids []int64
	err := h.Scan(context.Background(), snap, func(tid bufpage.TID, values []datum.Datum) error {
		ids = append(ids, values[0].Int)
		return nil
	})
	require.NoError(t, err)
	return ids
}

func TestHeap(t *testing.T) {
	t.Run("InsertFetch", testInsertFetch)
	t.Run("SpillsToNewPage", testSpillsToNewPage)
	t.Run("ScanValuesOutliveBlock", testScanValuesOutliveBlock)
	t.Run("RowTooBig", testRowTooBig)
	t.Run("Nulls", testNulls)
	t.Run("SnapshotVisibility", testSnapshotVisibility)
	t.Run("OwnChanges", testOwnChanges)
	t.Run("BuildSemantics", testBuildSemantics)
	t.Run("VisibleMissingTID", testVisibleMissingTID)
	t.Run("FrozenRows", testFrozenRows)
}

func testInsertFetch(t *testing.T) {
	h, tm := setupHeap(t)
	tids := insert(t, h, tm, 7)
	assert.Equal(t, bufpage.TID{Block: 0, Offset: 1}, tids[0])
	tup, values, err := h.Fetch(context.Background(), tids[0])
	require.NoError(t, err)
	assert.Equal(t, int64(7), values[0].Int)
	assert.Equal(t, `"row"`, datum.Format(datum.Text, values[1]))
	assert.Equal(t, concurrency.FirstNormalXID, tup.Xmin())
	assert.Equal(t, int64(1), h.EstimatedTuples())
}

func testSpillsToNewPage(t *testing.T) {
	h, tm := setupHeap(t)
	ids := make([]int64, 400)
	for i := range ids {
		ids[i] = int64(i)
	}
	tids := insert(t, h, tm, ids...)
	assert.Greater(t, h.NumBlocks(), uint32(1))
	assert.Equal(t, uint32(h.NumBlocks()-1), tids[len(tids)-1].Block)
	assert.Equal(t, ids, scanIDs(t, h, tm.RegisterSnapshot()))
}

func testScanValuesOutliveBlock(t *testing.T) {
	h, tm := setupHeap(t)
	client := uuid.New()
	tx, err := tm.Begin(client)
	require.NoError(t, err)
	for i := 0; i < 600; i++ {
		_, err := h.Insert(context.Background(), tx.GetXID(), row(int64(i), fmt.Sprintf("name-%03d", i)))
		require.NoError(t, err)
	}
	require.NoError(t, tm.Commit(client))
	require.Greater(t, h.NumBlocks(), uint32(1))

	var kept [][]datum.Datum
	err = h.Scan(context.Background(), tm.RegisterSnapshot(), func(tid bufpage.TID, values []datum.Datum) error {
		kept = append(kept, values)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, kept, 600)
	for i, values := range kept {
		assert.Equal(t, fmt.Sprintf("%q", fmt.Sprintf("name-%03d", i)), datum.Format(datum.Text, values[1]))
	}
}

func testRowTooBig(t *testing.T) {
	h, tm := setupHeap(t)
	raw := make([]byte, 2*MaxTupleSize)
	for i := range raw {
		raw[i] = byte(i*7919 + i/3)
	}
	client := uuid.New()
	tx, err := tm.Begin(client)
	require.NoError(t, err)
	_, err = h.Insert(context.Background(), tx.GetXID(), row(1, string(raw)))
	assert.ErrorContains(t, err, "is too big for relation \"tbl\"")
	require.NoError(t, tm.Commit(client))
	assert.Zero(t, h.NumBlocks())
}

func testNulls(t *testing.T) {
	h, tm := setupHeap(t)
	client := uuid.New()
	tx, _ := tm.Begin(client)
	tid, err := h.Insert(context.Background(), tx.GetXID(), []datum.Datum{datum.Int(1), datum.Null()})
	require.NoError(t, err)
	require.NoError(t, tm.Commit(client))
	_, values, err := h.Fetch(context.Background(), tid)
	require.NoError(t, err)
	assert.True(t, values[1].IsNull)
	assert.False(t, values[0].IsNull)
}

func testSnapshotVisibility(t *testing.T) {
	h, tm := setupHeap(t)
	ctx := context.Background()
	tids := insert(t, h, tm, 1, 2, 3)

	before := tm.RegisterSnapshot()
	deleter := uuid.New()
	tx, _ := tm.Begin(deleter)
	require.NoError(t, h.Delete(ctx, tids[1], tx.GetXID()))

	running := tm.RegisterSnapshot()
	assert.Equal(t, []int64{1, 2, 3}, scanIDs(t, h, running))
	require.NoError(t, tm.Commit(deleter))

	after := tm.RegisterSnapshot()
	assert.Equal(t, []int64{1, 2, 3}, scanIDs(t, h, before))
	assert.Equal(t, []int64{1, 3}, scanIDs(t, h, after))
	visible, err := h.Visible(ctx, tids[1], after)
	require.NoError(t, err)
	assert.False(t, visible)
	visible, err = h.Visible(ctx, tids[1], before)
	require.NoError(t, err)
	assert.True(t, visible)

	assert.Error(t, h.Delete(ctx, tids[1], tx.GetXID()+1))
}

func testOwnChanges(t *testing.T) {
	h, tm := setupHeap(t)
	ctx := context.Background()
	client := uuid.New()
	tx, _ := tm.Begin(client)
	tid, err := h.Insert(ctx, tx.GetXID(), row(1, "mine"))
	require.NoError(t, err)

	assert.Empty(t, scanIDs(t, h, tm.RegisterSnapshot()))
	own := tm.GetSnapshot(client)
	assert.Equal(t, []int64{1}, scanIDs(t, h, own))

	require.NoError(t, h.Delete(ctx, tid, tx.GetXID()))
	assert.Empty(t, scanIDs(t, h, tm.GetSnapshot(client)))
	require.NoError(t, tm.Abort(client))
	assert.Empty(t, scanIDs(t, h, tm.RegisterSnapshot()))
}

func testBuildSemantics(t *testing.T) {
	h, tm := setupHeap(t)
	ctx := context.Background()
	tids := insert(t, h, tm, 1, 2, 3, 4)

	// Row 2 is deleted before any running transaction started: dead.
	d1 := uuid.New()
	tx1, _ := tm.Begin(d1)
	require.NoError(t, h.Delete(ctx, tids[1], tx1.GetXID()))
	require.NoError(t, tm.Commit(d1))

	// Row 3 is deleted while an older snapshot is registered: recently dead.
	old := tm.RegisterSnapshot()
	d2 := uuid.New()
	tx2, _ := tm.Begin(d2)
	require.NoError(t, h.Delete(ctx, tids[2], tx2.GetXID()))
	require.NoError(t, tm.Commit(d2))

	// Row 5 is inserted by a transaction that aborted.
	a := uuid.New()
	tx3, _ := tm.Begin(a)
	_, err := h.Insert(ctx, tx3.GetXID(), row(5, "gone"))
	require.NoError(t, err)
	require.NoError(t, tm.Abort(a))

	// Row 6 is inserted by a transaction still running.
	r := uuid.New()
	tx4, _ := tm.Begin(r)
	_, err = h.Insert(ctx, tx4.GetXID(), row(6, "pending"))
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 3, 4, 6}, scanIDs(t, h, nil))
	tm.UnregisterSnapshot(old)
	assert.Equal(t, []int64{1, 4, 6}, scanIDs(t, h, nil))
}

func testVisibleMissingTID(t *testing.T) {
	h, tm := setupHeap(t)
	insert(t, h, tm, 1)
	visible, err := h.Visible(context.Background(), bufpage.TID{Block: 0, Offset: 9}, tm.RegisterSnapshot())
	require.NoError(t, err)
	assert.False(t, visible)
	_, err = h.Visible(context.Background(), bufpage.TID{Block: 5, Offset: 1}, tm.RegisterSnapshot())
	assert.Error(t, err)
}

func testFrozenRows(t *testing.T) {
	h, tm := setupHeap(t)
	tid, err := h.Insert(context.Background(), concurrency.FrozenXID, row(1, "frozen"))
	require.NoError(t, err)
	tup, _, err := h.Fetch(context.Background(), tid)
	require.NoError(t, err)
	assert.NotZero(t, tup.Infomask()&InfoXminCommitted)
	assert.Equal(t, []int64{1}, scanIDs(t, h, tm.RegisterSnapshot()))
}
