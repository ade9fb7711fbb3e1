package history

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"btverify/pkg/verify"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupHistory(t *testing.T) *File {
	t.Parallel()
	return Open(filepath.Join(t.TempDir(), "btverify.history"))
}

func TestHistory(t *testing.T) {
	t.Run("Missing", testMissing)
	t.Run("NewestFirst", testNewestFirst)
	t.Run("FilterIndex", testFilterIndex)
	t.Run("CheckError", testCheckErrorRecord)
	t.Run("Malformed", testMalformed)
}

func testMissing(t *testing.T) {
	h := setupHistory(t)
	records, err := h.Recent(10, "")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func testNewestFirst(t *testing.T) {
	h := setupHistory(t)
	for i := 0; i < 5; i++ {
		res := &verify.Result{PagesVisited: int64(i)}
		require.NoError(t, h.Append(NewRecord(fmt.Sprint(i), "accounts_idx", "accounts", "readonly", "ok", res, nil, time.Second)))
	}
	records, err := h.Recent(3, "")
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "4", records[0].RunID)
	assert.Equal(t, "2", records[2].RunID)
	assert.Equal(t, int64(4), records[0].Result.PagesVisited)
	assert.Equal(t, time.Second, records[0].Duration)

	all, err := h.Recent(0, "")
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func testFilterIndex(t *testing.T) {
	h := setupHistory(t)
	for i, name := range []string{"a_idx", "b_idx", "a_idx", "b_idx"} {
		require.NoError(t, h.Append(NewRecord(fmt.Sprint(i), name, "", "", "ok", nil, nil, 0)))
	}
	records, err := h.Recent(10, "a_idx")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "2", records[0].RunID)
	assert.Equal(t, "0", records[1].RunID)
}

func testCheckErrorRecord(t *testing.T) {
	h := setupHistory(t)
	cerr := &verify.CheckError{
		Category: verify.ErrIndexCorrupted,
		Index:    "accounts_idx",
		Msg:      `leaf index block lacks downlink in index "accounts_idx"`,
		Detail:   "Block=2 page lsn=0/0.",
		Block:    2,
	}
	require.NoError(t, h.Append(NewRecord("run", "accounts_idx", "accounts", "readonly", "index_corrupted", nil, cerr, 0)))
	require.NoError(t, h.Append(NewRecord("plain", "accounts_idx", "", "", "error", nil, fmt.Errorf("no such file"), 0)))

	records, err := h.Recent(2, "")
	require.NoError(t, err)
	assert.Equal(t, "no such file", records[0].Error)
	assert.Nil(t, records[0].Block)
	assert.Equal(t, cerr.Report(), records[1].Error)
	require.NotNil(t, records[1].Block)
	assert.Equal(t, uint32(2), *records[1].Block)
}

func testMalformed(t *testing.T) {
	h := setupHistory(t)
	require.NoError(t, os.WriteFile(h.Path(), []byte("{not json\n"), 0644))
	_, err := h.Recent(1, "")
	assert.ErrorContains(t, err, "malformed history line")
}
