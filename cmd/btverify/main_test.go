package main

import (
	"context"
	"testing"

	"btverify/pkg/inspect"
	"btverify/pkg/nbtree"
	"btverify/pkg/testutil"
	"btverify/pkg/verify"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRunner(t *testing.T, damage testutil.Damage) *inspect.Runner {
	t.Parallel()
	f, err := testutil.Create(context.Background(), t.TempDir(), testutil.Options{
		Rows:  15,
		Build: nbtree.BuildOptions{LeafItems: 5},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	if damage != "" {
		require.NoError(t, testutil.Apply(f.Tree, damage))
	}
	require.NoError(t, f.Write())
	return &inspect.Runner{Catalog: f.Catalog}
}

func TestRunChecks(t *testing.T) {
	t.Run("Consistent", testConsistent)
	t.Run("Corrupted", testCorrupted)
	t.Run("UnknownIndex", testUnknownIndex)
}

func testConsistent(t *testing.T) {
	r := setupRunner(t, "")
	corrupted, failed, err := runChecks(context.Background(), r, []string{"accounts_idx"}, verify.Options{Readonly: true}, 2)
	require.NoError(t, err)
	assert.Zero(t, corrupted)
	assert.Zero(t, failed)
	assert.Equal(t, exitOK, exitCode(corrupted, failed))
}

func testCorrupted(t *testing.T) {
	r := setupRunner(t, testutil.SwappedItems)
	corrupted, failed, err := runChecks(context.Background(), r, []string{"accounts_idx"}, verify.Options{Readonly: true}, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, corrupted)
	assert.Zero(t, failed)
	assert.Equal(t, exitCorrupted, exitCode(corrupted, failed))
}

func testUnknownIndex(t *testing.T) {
	r := setupRunner(t, testutil.SwappedItems)
	corrupted, failed, err := runChecks(context.Background(), r, []string{"accounts_idx", "missing_idx"}, verify.Options{}, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, corrupted)
	assert.Equal(t, 1, failed)
	assert.Equal(t, exitError, exitCode(corrupted, failed))
}

func TestIndexNames(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, indexNames([]string{"a,b", " c ", ","}))
	assert.Nil(t, indexNames(nil))
}
