// Package pager implements the buffer pool that relation files are read and written through.
package pager

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"btverify/pkg/config"
	"btverify/pkg/list"

	"github.com/ncw/directio"
	"github.com/pkg/errors"
)

// Pagesize is the size of an individual page (ie the maximum number of bytes that the page can hold) - defaults to 4kb.
const Pagesize int64 = config.BlockSize

// Error for when there are no free/unpinned pages to be used
var ErrRanOutOfPages = errors.New("no available pages")

// ErrReadOnly is returned when a read-only pager is asked to allocate or write pages.
var ErrReadOnly = errors.New("pager is read-only")

// Pager is a data structure that manages pages of data stored in a file.
type Pager struct {
	file         *os.File          // File descriptor for the file that backs this pager on disk.
	readOnly     bool              // Whether the backing file was opened without write access.
	numPages     int64             // The number of pages that this page has access to (both on disk and in memory).
	freeList     *list.List[*Page] // A list of pre-allocated (but unused) pages.
	unpinnedList *list.List[*Page] // The list of pages in memory that have yet to be evicted, but are not currently in use.
	pinnedList   *list.List[*Page] // The list of in-memory pages currently being used.
	// The page table, which maps pagenums to their corresponding pages (stored in a link belonging to the list the page is in).
	pageTable map[int64]*list.Link[*Page]
	ptMtx     sync.Mutex // Mutex for protecting the Page table for concurrent use.
}

// New constructs a read-write Pager backed by the relation file at filePath, creating it if needed.
func New(filePath string) (*Pager, error) {
	return newPager(filePath, false)
}

// OpenReadOnly constructs a Pager over an existing relation file without write access.
func OpenReadOnly(filePath string) (*Pager, error) {
	return newPager(filePath, true)
}

func newPager(filePath string, readOnly bool) (pager *Pager, err error) {
	pager = &Pager{readOnly: readOnly}
	pager.pageTable = make(map[int64]*list.Link[*Page])
	pager.freeList = list.NewList[*Page]()
	pager.unpinnedList = list.NewList[*Page]()
	pager.pinnedList = list.NewList[*Page]()
	frames := directio.AlignedBlock(int(Pagesize * config.MaxPagesInBuffer))
	for i := 0; i < config.MaxPagesInBuffer; i++ {
		frame := frames[i*int(Pagesize) : (i+1)*int(Pagesize)]
		pager.freeList.PushTail(&Page{
			pager:   pager,
			pagenum: NoPage,
			data:    frame,
		})
	}
	if err = pager.open(filePath); err != nil {
		return nil, err
	}
	return pager, nil
}

// GetFileName returns the file name/path used to open the pager's backing file.
func (pager *Pager) GetFileName() string {
	return pager.file.Name()
}

// GetNumPages returns the number of pages.
func (pager *Pager) GetNumPages() int64 {
	pager.ptMtx.Lock()
	defer pager.ptMtx.Unlock()
	return pager.numPages
}

// IsReadOnly reports whether the pager refuses writes.
func (pager *Pager) IsReadOnly() bool {
	return pager.readOnly
}

// open (re-)initializes the pager with the relation file at filePath.
//
// Files whose size is not a multiple of Pagesize are rejected. Filesystems that refuse
// O_DIRECT fall back to buffered IO.
func (pager *Pager) open(filePath string) (err error) {
	flags := os.O_RDONLY
	if !pager.readOnly {
		if err = os.MkdirAll(filepath.Dir(filePath), 0775); err != nil {
			return errors.Wrap(err, "could not create relation directory")
		}
		flags = os.O_RDWR | os.O_CREATE
	}
	pager.file, err = directio.OpenFile(filePath, flags, 0666)
	if errors.Is(err, syscall.EINVAL) {
		pager.file, err = os.OpenFile(filePath, flags, 0666)
	}
	if err != nil {
		return errors.Wrapf(err, "could not open relation file %s", filePath)
	}
	info, err := pager.file.Stat()
	if err != nil {
		pager.file.Close()
		return errors.Wrapf(err, "could not stat relation file %s", filePath)
	}
	if info.Size()%Pagesize != 0 {
		pager.file.Close()
		return errors.Errorf("relation file %s has size %d, not a multiple of %d", filePath, info.Size(), Pagesize)
	}
	pager.numPages = info.Size() / Pagesize
	return nil
}

// Close flushes all dirty pages to disk and closes the backing file.
func (pager *Pager) Close() error {
	pager.ptMtx.Lock()
	defer pager.ptMtx.Unlock()
	if pager.pinnedList.PeekHead() != nil {
		return errors.New("pages are still pinned on close")
	}
	if err := pager.flushAllPages(); err != nil {
		pager.file.Close()
		return err
	}
	return pager.file.Close()
}

// fillPageFromDisk populates a page's data field from the data currently on disk.
func (pager *Pager) fillPageFromDisk(page *Page) error {
	if _, err := pager.file.ReadAt(page.data, page.pagenum*Pagesize); err != nil && err != io.EOF {
		return errors.Wrapf(err, "could not read block %d of %s", page.pagenum, pager.file.Name())
	}
	return nil
}

// newPage returns a currently unused Page from the free or unpinned list,
// or ErrRanOutOfPages if there are no unused pages available.
// The ptMtx should be locked on entry.
func (pager *Pager) newPage(pagenum int64) (*Page, error) {
	var newPage *Page
	if freeLink := pager.freeList.PeekHead(); freeLink != nil {
		freeLink.PopSelf()
		newPage = freeLink.GetValue()
	} else if unpinLink := pager.unpinnedList.PeekHead(); unpinLink != nil {
		// Evict the least recently released page.
		unpinLink.PopSelf()
		newPage = unpinLink.GetValue()
		if err := pager.flushPage(newPage); err != nil {
			pager.unpinnedList.PushHead(newPage)
			return nil, err
		}
		delete(pager.pageTable, newPage.pagenum)
	} else {
		return nil, ErrRanOutOfPages
	}
	newPage.pagenum = pagenum
	newPage.dirty = false
	newPage.pinCount.Store(1)
	return newPage, nil
}

// GetNewPage returns a new zeroed Page with the next available pagenum.
func (pager *Pager) GetNewPage() (*Page, error) {
	if pager.readOnly {
		return nil, ErrReadOnly
	}
	pager.ptMtx.Lock()
	defer pager.ptMtx.Unlock()
	page, err := pager.newPage(pager.numPages)
	if err != nil {
		return nil, err
	}
	clear(page.data)
	// Mark dirty so new page is eventually flushed to disk.
	page.dirty = true
	pager.pageTable[pager.numPages] = pager.pinnedList.PushTail(page)
	pager.numPages++
	return page, nil
}

// GetPage returns the pinned Page corresponding to the given pagenum.
func (pager *Pager) GetPage(pagenum int64) (*Page, error) {
	pager.ptMtx.Lock()
	defer pager.ptMtx.Unlock()
	if pagenum < 0 || pagenum > pager.numPages-1 {
		return nil, errors.Errorf("invalid pagenum %d: relation %s has %d pages", pagenum, pager.file.Name(), pager.numPages)
	}
	if link, ok := pager.pageTable[pagenum]; ok {
		page := link.GetValue()
		// Move the page to the pinned list if needed.
		if link.GetList() == pager.unpinnedList {
			link.PopSelf()
			pager.pageTable[pagenum] = pager.pinnedList.PushTail(page)
		}
		page.Get()
		return page, nil
	}

	page, err := pager.newPage(pagenum)
	if err != nil {
		return nil, err
	}
	if err = pager.fillPageFromDisk(page); err != nil {
		page.pagenum = NoPage
		pager.freeList.PushTail(page)
		return nil, err
	}
	pager.pageTable[pagenum] = pager.pinnedList.PushTail(page)
	return page, nil
}

// PutPage releases a reference to a page.
func (pager *Pager) PutPage(page *Page) error {
	pager.ptMtx.Lock()
	defer pager.ptMtx.Unlock()
	ret := page.Put()
	if ret == 0 {
		link := pager.pageTable[page.pagenum]
		link.PopSelf()
		pager.pageTable[page.pagenum] = pager.unpinnedList.PushTail(page)
	}
	if ret < 0 {
		return errors.Errorf("pinCount for page %d is < 0", page.pagenum)
	}
	return nil
}

// FlushPage flushes a particular page's data to disk if it is dirty.
// Concurrency note: the page should at least be read-locked upon entry.
func (pager *Pager) FlushPage(page *Page) error {
	pager.ptMtx.Lock()
	defer pager.ptMtx.Unlock()
	return pager.flushPage(page)
}

func (pager *Pager) flushPage(page *Page) error {
	if !page.IsDirty() {
		return nil
	}
	if pager.readOnly {
		return ErrReadOnly
	}
	if _, err := pager.file.WriteAt(page.data, page.pagenum*Pagesize); err != nil {
		return errors.Wrapf(err, "could not write block %d of %s", page.pagenum, pager.file.Name())
	}
	page.SetDirty(false)
	return nil
}

// FlushAllPages flushes all dirty pages to disk.
func (pager *Pager) FlushAllPages() error {
	pager.ptMtx.Lock()
	defer pager.ptMtx.Unlock()
	return pager.flushAllPages()
}

func (pager *Pager) flushAllPages() (err error) {
	writer := func(link *list.Link[*Page]) {
		if ferr := pager.flushPage(link.GetValue()); ferr != nil && err == nil {
			err = ferr
		}
	}
	pager.pinnedList.Map(writer)
	pager.unpinnedList.Map(writer)
	return err
}
