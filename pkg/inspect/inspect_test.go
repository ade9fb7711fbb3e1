package inspect

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"btverify/pkg/concurrency"
	"btverify/pkg/history"
	"btverify/pkg/metrics"
	"btverify/pkg/nbtree"
	"btverify/pkg/testutil"
	"btverify/pkg/verify"

	"github.com/google/uuid"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRunner(t *testing.T, damage testutil.Damage) (*Runner, *testutil.Fixture) {
	t.Parallel()
	dir := t.TempDir()
	f, err := testutil.Create(context.Background(), dir, testutil.Options{
		Rows:  40,
		Build: nbtree.BuildOptions{LeafItems: 5, InternalItems: 4},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	if damage != "" {
		require.NoError(t, testutil.Apply(f.Tree, damage))
	}
	require.NoError(t, f.Write())
	return &Runner{
		Catalog: f.Catalog,
		Metrics: metrics.New(),
		History: history.Open(filepath.Join(dir, "btverify.history")),
	}, f
}

func TestInspect(t *testing.T) {
	t.Run("Tables", testTables)
	t.Run("Meta", testMeta)
	t.Run("Page", testPage)
	t.Run("Items", testItems)
	t.Run("BadUsage", testBadUsage)
	t.Run("CheckPasses", testCheckPasses)
	t.Run("CheckFails", testCheckFails)
	t.Run("History", testHistory)
	t.Run("WaitsForWriters", testWaitsForWriters)
	t.Run("Repl", testRepl)
}

func TestParseOptions(t *testing.T) {
	opts, err := ParseOptions(verify.Options{Seed: 7}, []string{"readonly", "CheckUnique"})
	require.NoError(t, err)
	assert.True(t, opts.Readonly)
	assert.True(t, opts.CheckUnique)
	assert.False(t, opts.HeapAllIndexed)
	assert.Equal(t, uint64(7), opts.Seed)
	assert.Equal(t, "readonly,checkunique", OptionString(opts))

	opts, err = ParseOptions(verify.Options{}, []string{"all"})
	require.NoError(t, err)
	assert.Equal(t, "readonly,heapallindexed,rootdescend,checkunique", OptionString(opts))
	assert.Equal(t, "default", OptionString(verify.Options{}))

	_, err = ParseOptions(verify.Options{}, []string{"fast"})
	assert.ErrorContains(t, err, `unknown check option "fast"`)
}

func testTables(t *testing.T) {
	r, _ := setupRunner(t, "")
	out, err := HandleTables(r, "tables")
	require.NoError(t, err)
	assert.Equal(t, "accounts\n  accounts_idx btree (id)\n", out)
}

func testMeta(t *testing.T) {
	r, f := setupRunner(t, "")
	out, err := HandleMeta(r, "meta accounts_idx")
	require.NoError(t, err)
	assert.Contains(t, out, fmt.Sprintf("root=%d level=%d", f.Tree.Root(), len(f.Tree.Levels)-1))
	assert.Contains(t, out, fmt.Sprintf("version=%d", nbtree.Version))

	_, err = HandleMeta(r, "meta missing_idx")
	assert.Error(t, err)
}

func testPage(t *testing.T) {
	r, f := setupRunner(t, "")
	leaves := f.Tree.Levels[0]
	out, err := HandlePage(r, fmt.Sprintf("page accounts_idx %d", leaves[0]))
	require.NoError(t, err)
	assert.Contains(t, out, fmt.Sprintf("level=0 prev=0 next=%d flags=leaf", leaves[1]))

	out, err = HandlePage(r, fmt.Sprintf("page accounts_idx %d", f.Tree.Root()))
	require.NoError(t, err)
	assert.Contains(t, out, "flags=root")

	_, err = HandlePage(r, fmt.Sprintf("page accounts_idx %d", f.Tree.NumBlocks()))
	assert.ErrorContains(t, err, "beyond the end of index")
}

func testItems(t *testing.T) {
	r, f := setupRunner(t, "")
	leaves := f.Tree.Levels[0]
	out, err := HandleItems(r, fmt.Sprintf("items accounts_idx %d", leaves[0]))
	require.NoError(t, err)
	assert.Contains(t, out, "high key")
	assert.Contains(t, out, fmt.Sprintf("tid=%s (1)", f.TIDs[0]))

	out, err = HandleItems(r, fmt.Sprintf("items accounts_idx %d", f.Tree.Root()))
	require.NoError(t, err)
	assert.Contains(t, out, fmt.Sprintf("minus infinity downlink=%d", f.Tree.Levels[len(f.Tree.Levels)-2][0]))

	_, err = HandleItems(r, "items accounts_idx 0")
	assert.ErrorContains(t, err, "metapage")
}

func testBadUsage(t *testing.T) {
	r, _ := setupRunner(t, "")
	_, err := HandlePage(r, "page accounts_idx")
	assert.ErrorContains(t, err, "usage")
	_, err = HandleItems(r, "items accounts_idx -1")
	assert.ErrorContains(t, err, "usage")
	_, err = HandleCheck(r, verify.Options{}, "check")
	assert.ErrorContains(t, err, "usage")
	_, err = HandleHistory(r, "history many")
	assert.ErrorContains(t, err, "usage")
}

func testCheckPasses(t *testing.T) {
	r, f := setupRunner(t, "")
	out, err := HandleCheck(r, verify.Options{Seed: 42}, "check accounts_idx all")
	require.NoError(t, err)
	assert.Contains(t, out, `index "accounts_idx" is consistent`)
	assert.Contains(t, out, fmt.Sprintf("%d heap tuples matched", len(f.TIDs)))

	n, err := promtest.GatherAndCount(r.Metrics.Registry, "btverify_checks_total", "btverify_heap_tuples_matched_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func testCheckFails(t *testing.T) {
	r, _ := setupRunner(t, testutil.SwappedItems)
	out, err := HandleCheck(r, verify.Options{}, "check accounts_idx")
	require.NoError(t, err)
	assert.Contains(t, out, "ERROR:  item order invariant violated")
	assert.Contains(t, out, "DETAIL:  ")

	_, err = r.Run(context.Background(), "accounts_idx", verify.Options{})
	assert.ErrorIs(t, err, verify.ErrIndexCorrupted)
}

func testHistory(t *testing.T) {
	r, _ := setupRunner(t, testutil.SwappedItems)
	_, err := HandleCheck(r, verify.Options{}, "check accounts_idx")
	require.NoError(t, err)
	_, err = HandleCheck(r, verify.Options{}, "check accounts_idx readonly")
	require.NoError(t, err)

	records, err := r.History.Recent(0, "accounts_idx")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "readonly", records[0].Options)
	assert.Equal(t, metrics.OutcomeCorrupted, records[0].Outcome)
	assert.Equal(t, "accounts", records[0].Heap)
	assert.NotEqual(t, records[0].RunID, records[1].RunID)

	out, err := HandleHistory(r, "history 1 accounts_idx")
	require.NoError(t, err)
	assert.Contains(t, out, "accounts_idx [readonly] "+metrics.OutcomeCorrupted)

	noHistory := &Runner{Catalog: r.Catalog}
	_, err = HandleHistory(noHistory, "history")
	assert.ErrorContains(t, err, "no history file")
}

func testRepl(t *testing.T) {
	r, _ := setupRunner(t, "")
	rp, err := InspectRepl(r, verify.Options{})
	require.NoError(t, err)
	for _, trigger := range []string{"tables", "meta", "page", "items", "check", "set", "history"} {
		assert.Contains(t, rp.GetCommands(), trigger)
	}

	var out bytes.Buffer
	input := strings.NewReader("meta accounts_idx\nset readonly on\nset heapallindexed on\nset readonly off\nset fast on\n")
	rp.Run(uuid.New(), "", input, &out)
	assert.Contains(t, out.String(), "magic=")
	assert.Contains(t, out.String(), "checks: readonly\n")
	assert.Contains(t, out.String(), "checks: readonly,heapallindexed\n")
	assert.Contains(t, out.String(), "checks: heapallindexed\n")
	assert.Contains(t, out.String(), `ERROR: unknown check option "fast"`)
}

func TestSet(t *testing.T) {
	opts, err := HandleSet(verify.Options{VerifyChecksums: true}, "set checksums off")
	require.NoError(t, err)
	assert.False(t, opts.VerifyChecksums)

	opts, err = HandleSet(opts, "set all on")
	require.NoError(t, err)
	assert.Equal(t, "readonly,heapallindexed,rootdescend,checkunique", OptionString(opts))

	_, err = HandleSet(opts, "set readonly maybe")
	assert.ErrorContains(t, err, "usage")
}

func testWaitsForWriters(t *testing.T) {
	r, f := setupRunner(t, "")
	tm := r.Catalog.TransactionManager()
	writer := uuid.New()
	_, err := tm.Begin(writer)
	require.NoError(t, err)
	require.NoError(t, tm.Lock(context.Background(), writer, "accounts", concurrency.RowExclusiveLock))

	// Readers that tolerate concurrent writes do not wait.
	_, err = Check(context.Background(), r.Catalog, f.Index, verify.Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = Check(ctx, r.Catalog, f.Index, verify.Options{Readonly: true})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, tm.Commit(writer))
	_, err = Check(context.Background(), r.Catalog, f.Index, verify.Options{Readonly: true})
	assert.NoError(t, err)
}
