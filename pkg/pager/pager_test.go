package pager

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"btverify/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupPager creates a new pager over a fresh relation file in the test's temp dir.
func setupPager(t *testing.T) *Pager {
	t.Parallel()
	p, err := New(filepath.Join(t.TempDir(), "rel"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func getNewPage(t *testing.T, p *Pager) *Page {
	page, err := p.GetNewPage()
	require.NoError(t, err)
	return page
}

func TestPager(t *testing.T) {
	t.Run("GetNewPage", testGetNewPage)
	t.Run("NegativePagenumber", testNegativePagenumber)
	t.Run("PagenumPastEnd", testPagenumPastEnd)
	t.Run("MaxGetNewPages", testMaxGetNewPages)
	t.Run("EvictAndReload", testEvictAndReload)
	t.Run("TooManyPuts", testTooManyPuts)
	t.Run("PinnedOnClose", testPinnedOnClose)
	t.Run("ReadOnly", testReadOnly)
	t.Run("BadFileSize", testBadFileSize)
}

func testGetNewPage(t *testing.T) {
	p := setupPager(t)
	page := getNewPage(t, p)
	defer page.Release()
	assert.Same(t, p, page.GetPager())
	assert.EqualValues(t, 0, page.GetPageNum())
	assert.True(t, page.IsDirty())
	assert.Len(t, page.GetData(), int(Pagesize))
	assert.EqualValues(t, 1, p.GetNumPages())
}

func testNegativePagenumber(t *testing.T) {
	p := setupPager(t)
	_, err := p.GetPage(-1)
	assert.Error(t, err)
}

func testPagenumPastEnd(t *testing.T) {
	p := setupPager(t)
	page := getNewPage(t, p)
	require.NoError(t, page.Release())
	_, err := p.GetPage(1)
	assert.ErrorContains(t, err, "invalid pagenum")
}

func testMaxGetNewPages(t *testing.T) {
	p := setupPager(t)
	pages := make([]*Page, 0, config.MaxPagesInBuffer)
	for i := 0; i < config.MaxPagesInBuffer; i++ {
		pages = append(pages, getNewPage(t, p))
	}
	_, err := p.GetNewPage()
	assert.ErrorIs(t, err, ErrRanOutOfPages)
	for _, page := range pages {
		require.NoError(t, page.Release())
	}
	page := getNewPage(t, p)
	require.NoError(t, page.Release())
}

func testEvictAndReload(t *testing.T) {
	p := setupPager(t)
	n := config.MaxPagesInBuffer * 2
	for i := 0; i < n; i++ {
		page := getNewPage(t, p)
		page.Update(bytes.Repeat([]byte{byte(i + 1)}, 16), 0, 16)
		require.NoError(t, page.Release())
	}
	for i := 0; i < n; i++ {
		page, err := p.GetPage(int64(i))
		require.NoError(t, err)
		buf := make([]byte, Pagesize)
		page.CopyTo(buf)
		assert.Equal(t, bytes.Repeat([]byte{byte(i + 1)}, 16), buf[:16], "page %d", i)
		require.NoError(t, page.Release())
	}
}

func testTooManyPuts(t *testing.T) {
	p := setupPager(t)
	page := getNewPage(t, p)
	require.NoError(t, p.PutPage(page))
	assert.Error(t, p.PutPage(page))
}

func testPinnedOnClose(t *testing.T) {
	t.Parallel()
	p, err := New(filepath.Join(t.TempDir(), "rel"))
	require.NoError(t, err)
	page := getNewPage(t, p)
	assert.Error(t, p.Close())
	require.NoError(t, page.Release())
	require.NoError(t, p.Close())
}

func testReadOnly(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "rel")
	w, err := New(path)
	require.NoError(t, err)
	page := getNewPage(t, w)
	page.Update([]byte("btree"), 0, 5)
	require.NoError(t, page.Release())
	require.NoError(t, w.Close())

	r, err := OpenReadOnly(path)
	require.NoError(t, err)
	defer r.Close()
	assert.True(t, r.IsReadOnly())
	_, err = r.GetNewPage()
	assert.ErrorIs(t, err, ErrReadOnly)
	page, err = r.GetPage(0)
	require.NoError(t, err)
	assert.Equal(t, []byte("btree"), page.GetData()[:5])
	require.NoError(t, page.Release())
}

func testBadFileSize(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "rel")
	w, err := New(path)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0666)
	require.NoError(t, err)
	_, err = f.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, f.Close())
	_, err = OpenReadOnly(path)
	assert.ErrorContains(t, err, "not a multiple")
}
