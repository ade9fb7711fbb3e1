package verify

import (
	"context"
	"fmt"
	"testing"

	"btverify/pkg/nbtree"
	"btverify/pkg/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// allChecks turns on every check that works on a quiescent heapkeyspace index.
var allChecks = Options{Readonly: true, HeapAllIndexed: true, RootDescend: true, CheckUnique: true, Seed: 42}

func setupFixture(t *testing.T, opts testutil.Options) *testutil.Fixture {
	t.Parallel()
	f, err := testutil.Create(context.Background(), t.TempDir(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

// openIndex writes the fixture's tree and opens it.
func openIndex(t *testing.T, f *testutil.Fixture) *nbtree.Index {
	require.NoError(t, f.Write())
	idx, err := f.Open()
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func runCheck(t *testing.T, f *testutil.Fixture, idx *nbtree.Index, opts Options) (*Result, error) {
	if opts.Snapshots == nil {
		opts.Snapshots = f.Catalog.TransactionManager()
	}
	return CheckIndex(context.Background(), idx, f.Table, opts)
}

func check(t *testing.T, f *testutil.Fixture, opts Options) (*Result, error) {
	return runCheck(t, f, openIndex(t, f), opts)
}

// requireCheckError asserts err is a check error of category cat with message msg.
func requireCheckError(t *testing.T, err error, cat error, msg string) *CheckError {
	require.Error(t, err)
	var ce *CheckError
	require.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, err, cat)
	assert.Equal(t, msg, ce.Msg)
	return ce
}

func observedLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core), logs
}

func TestScenarios(t *testing.T) {
	t.Run("EmptyIndex", testEmptyIndex)
	t.Run("TwoLevels", testTwoLevels)
	t.Run("SelfLoopRightLink", testSelfLoopRightLink)
	t.Run("SelfLoopRightLinkNotReadonly", testSelfLoopRightLinkNotReadonly)
	t.Run("IncompleteSplit", testIncompleteSplit)
	t.Run("MissingLeafDownlink", testMissingLeafDownlink)
	t.Run("MissingInternalDownlink", testMissingInternalDownlink)
	t.Run("HeapRowMissing", testHeapRowMissing)
	t.Run("HeapRowMissingNotReadonly", testHeapRowMissingNotReadonly)
}

func testEmptyIndex(t *testing.T) {
	f := setupFixture(t, testutil.Options{})
	res, err := check(t, f, allChecks)
	require.NoError(t, err)
	assert.Zero(t, res.PagesVisited)
	assert.Zero(t, res.LevelsVisited)
	assert.Zero(t, res.TuplesFingerprinted)
	assert.Zero(t, res.HeapTuplesPresent)
}

func testTwoLevels(t *testing.T) {
	f := setupFixture(t, testutil.Options{Rows: 10, Build: nbtree.BuildOptions{LeafItems: 5}})
	require.Len(t, f.Tree.Levels, 2)
	require.Len(t, f.Tree.Levels[0], 2)
	res, err := check(t, f, allChecks)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.PagesVisited)
	assert.Equal(t, int64(2), res.LevelsVisited)
	assert.Equal(t, int64(10), res.TuplesFingerprinted)
	assert.Equal(t, int64(10), res.HeapTuplesPresent)
	assert.Greater(t, res.BloomFillFraction, 0.0)
}

func testSelfLoopRightLink(t *testing.T) {
	f := setupFixture(t, testutil.Options{Rows: 10, Build: nbtree.BuildOptions{LeafItems: 5}})
	a := f.Tree.Levels[0][0]
	f.Tree.UpdateOpaque(a, func(o *nbtree.Opaque) { o.Next = a })
	_, err := check(t, f, allChecks)
	ce := requireCheckError(t, err, ErrIndexCorrupted, `circular link chain found in block 1 of index "accounts_idx"`)
	assert.Equal(t, "accounts_idx", ce.Index)
}

func testSelfLoopRightLinkNotReadonly(t *testing.T) {
	f := setupFixture(t, testutil.Options{Rows: 10, Build: nbtree.BuildOptions{LeafItems: 5}})
	a := f.Tree.Levels[0][0]
	f.Tree.UpdateOpaque(a, func(o *nbtree.Opaque) { o.Next = a })
	_, err := check(t, f, Options{})
	ce := requireCheckError(t, err, ErrIndexCorrupted, `circular link chain found in block 1 of index "accounts_idx"`)
	assert.Equal(t, a, ce.Block)
}

func testIncompleteSplit(t *testing.T) {
	f := setupFixture(t, testutil.Options{Rows: 10, Build: nbtree.BuildOptions{LeafItems: 5}})
	leaves := f.Tree.Levels[0]
	require.NoError(t, testutil.InterruptSplit(f.Tree, leaves[1]))
	require.Equal(t, 1, int(f.Tree.Page(f.Tree.Root()).MaxOffset()))

	logger, logs := observedLogger()
	opts := allChecks
	opts.Logger = logger
	res, err := check(t, f, opts)
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.HeapTuplesPresent)
	notes := logs.FilterMessage("harmless interrupted page split detected").All()
	require.Len(t, notes, 1)
	assert.Equal(t, leaves[1], notes[0].ContextMap()["block"])
}

func testMissingLeafDownlink(t *testing.T) {
	f := setupFixture(t, testutil.Options{Rows: 15, Build: nbtree.BuildOptions{LeafItems: 5}})
	require.Len(t, f.Tree.Levels[0], 3)
	require.NoError(t, testutil.Apply(f.Tree, testutil.DroppedDownlink))
	_, err := check(t, f, Options{Readonly: true})
	ce := requireCheckError(t, err, ErrIndexCorrupted, `leaf index block lacks downlink in index "accounts_idx"`)
	assert.Contains(t, ce.Detail, "Block=2 ")
}

func testMissingInternalDownlink(t *testing.T) {
	f := setupFixture(t, testutil.Options{Rows: 45, Build: nbtree.BuildOptions{LeafItems: 5, InternalItems: 3}})
	require.Len(t, f.Tree.Levels, 3)
	require.Len(t, f.Tree.Levels[1], 3)
	require.NoError(t, testutil.DropDownlink(f.Tree, f.Tree.Levels[1][1]))

	logger, logs := observedLogger()
	_, err := check(t, f, Options{Readonly: true, Logger: logger})
	requireCheckError(t, err, ErrIndexCorrupted, `internal index block lacks downlink in index "accounts_idx"`)
	assert.Equal(t, 1, logs.FilterMessage("checking for interrupted multi-level deletion due to missing downlink").Len())
}

func testHeapRowMissing(t *testing.T) {
	f := setupFixture(t, testutil.Options{Rows: 10, Build: nbtree.BuildOptions{LeafItems: 5}})
	tids, err := f.Insert(context.Background(), testutil.Row(1000, "late"))
	require.NoError(t, err)
	_, err = check(t, f, allChecks)
	ce := requireCheckError(t, err, ErrHeapMismatch, fmt.Sprintf(
		`heap tuple (%d,%d) from table "accounts" lacks matching index tuple within index "accounts_idx"`, tids[0].Block, tids[0].Offset))
	assert.Empty(t, ce.Hint)
}

func testHeapRowMissingNotReadonly(t *testing.T) {
	f := setupFixture(t, testutil.Options{Rows: 10, Build: nbtree.BuildOptions{LeafItems: 5}})
	_, err := f.Insert(context.Background(), testutil.Row(1000, "late"))
	require.NoError(t, err)
	_, err = check(t, f, Options{HeapAllIndexed: true})
	require.ErrorIs(t, err, ErrHeapMismatch)
	var ce *CheckError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "Retrying verification using readonly mode might provide a more specific error.", ce.Hint)
}

func TestOptions(t *testing.T) {
	t.Run("RootDescendNeedsReadonly", testRootDescendNeedsReadonly)
	t.Run("RootDescendLegacy", testRootDescendLegacy)
	t.Run("EqualImageLegacy", testEqualImageLegacy)
	t.Run("EqualImageWrongOpClass", testEqualImageWrongOpClass)
	t.Run("SerializationFailure", testSerializationFailure)
	t.Run("NeedsSnapshots", testNeedsSnapshots)
	t.Run("Cancelled", testCancelled)
}

func testRootDescendNeedsReadonly(t *testing.T) {
	f := setupFixture(t, testutil.Options{Rows: 10})
	_, err := check(t, f, Options{RootDescend: true})
	ce := requireCheckError(t, err, ErrFeatureNotSupported,
		`cannot verify that tuples from index "accounts_idx" can each be found by an independent index search without readonly mode`)
	assert.Equal(t, nbtree.InvalidBlock, ce.Block)
}

func testRootDescendLegacy(t *testing.T) {
	f := setupFixture(t, testutil.Options{Rows: 10, Build: nbtree.BuildOptions{Version: nbtree.NovacVersion}})
	_, err := check(t, f, Options{Readonly: true, RootDescend: true})
	ce := requireCheckError(t, err, ErrFeatureNotSupported,
		`cannot verify that tuples from index "accounts_idx" can each be found by an independent index search`)
	assert.Equal(t, "Only B-Tree version 4 indexes support rootdescend verification.", ce.Hint)
}

func testEqualImageLegacy(t *testing.T) {
	f := setupFixture(t, testutil.Options{Rows: 10, Build: nbtree.BuildOptions{Version: nbtree.NovacVersion}})
	f.Tree.UpdateMeta(func(m *nbtree.Meta) { m.AllEqualImage = true })
	_, err := check(t, f, Options{})
	requireCheckError(t, err, ErrIndexCorrupted, `index "accounts_idx" metapage has equalimage field set on unsupported nbtree version`)
}

func testEqualImageWrongOpClass(t *testing.T) {
	f := setupFixture(t, testutil.Options{Rows: 10, IndexColumn: "owner", OpClass: "text_ci_ops"})
	require.False(t, f.Tree.Meta.AllEqualImage)
	f.Tree.UpdateMeta(func(m *nbtree.Meta) { m.AllEqualImage = true })
	_, err := check(t, f, Options{})
	ce := requireCheckError(t, err, ErrIndexCorrupted, `index "accounts_idx" metapage incorrectly indicates that deduplication is safe`)
	assert.NotEmpty(t, ce.Hint)
}

func testSerializationFailure(t *testing.T) {
	f := setupFixture(t, testutil.Options{Rows: 10})
	idx := openIndex(t, f)
	tm := f.Catalog.TransactionManager()
	tm.SetTransactionSnapshots(true)
	snap := tm.RegisterSnapshot()
	idx.SetCheckXmin(snap.Xmax)
	tm.UnregisterSnapshot(snap)

	_, err := runCheck(t, f, idx, Options{HeapAllIndexed: true})
	requireCheckError(t, err, ErrSerializationFailure, `index "accounts_idx" cannot be verified using transaction snapshot`)

	// Readonly mode does not use the snapshot for the heap pass.
	_, err = runCheck(t, f, idx, Options{Readonly: true, HeapAllIndexed: true})
	assert.NoError(t, err)
}

func testNeedsSnapshots(t *testing.T) {
	f := setupFixture(t, testutil.Options{Rows: 10, Unique: true})
	idx := openIndex(t, f)
	_, err := CheckIndex(context.Background(), idx, f.Table, Options{CheckUnique: true})
	assert.Error(t, err)
	_, err = CheckIndex(context.Background(), idx, nil, Options{Readonly: true, HeapAllIndexed: true})
	assert.Error(t, err)
	// Uniqueness is only checked on unique indexes.
	_, err = CheckIndex(context.Background(), idx, f.Table, Options{})
	assert.NoError(t, err)
}

func testCancelled(t *testing.T) {
	f := setupFixture(t, testutil.Options{Rows: 50, Build: nbtree.BuildOptions{LeafItems: 5}})
	idx := openIndex(t, f)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := CheckIndex(ctx, idx, f.Table, allChecks)
	assert.ErrorIs(t, err, context.Canceled)
}
