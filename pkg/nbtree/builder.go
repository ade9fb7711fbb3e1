package nbtree

import (
	"context"
	"sort"

	"btverify/pkg/bufpage"
	"btverify/pkg/datum"
	"btverify/pkg/pager"

	"github.com/pkg/errors"
)

// Entry is one row to index: its column values and the heap TID they came from.
type Entry struct {
	Values []datum.Datum
	TID    bufpage.TID
}

// BuildOptions shapes a bulk-built tree.
type BuildOptions struct {
	// Version is the metapage version. Zero means Version.
	Version uint32
	// LeafItems caps the data items per leaf page. Zero fills leaves by space.
	LeafItems int
	// InternalItems caps the downlinks per internal page. Zero fills by space.
	InternalItems int
	// Dedup merges equal keys into posting lists when the index allows it.
	Dedup bool
	// RawValues stores values in the representation given instead of the canonical one.
	RawValues bool
	LSN       bufpage.LSN
	// Checksums makes WriteTo stamp a checksum on every page.
	Checksums bool
}

// Tree is a bulk-built index held in memory, block 0 first.
type Tree struct {
	Desc  *Desc
	Meta  Meta
	Pages []bufpage.Page
	// Levels lists the blocks of each level from left to right, leaves first.
	Levels    [][]uint32
	Checksums bool
}

type node struct {
	blk     uint32
	highKey Tuple // nil on the rightmost page of a level
}

// Build lays out a complete tree over entries the way a sorted bulk load does: leaves are
// filled left to right, every non-rightmost page gets a suffix truncated high key and each
// upper level holds one downlink per page below it.
func (d *Desc) Build(entries []Entry, opts BuildOptions) (*Tree, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	version := opts.Version
	if version == 0 {
		version = Version
	}
	if version < MinVersion || version > Version {
		return nil, errors.Errorf("cannot build index version %d", version)
	}
	heapkeyspace := version > NovacVersion

	items, err := d.sortedTuples(entries, opts.RawValues, heapkeyspace)
	if err != nil {
		return nil, err
	}
	if opts.Dedup && heapkeyspace && d.AllEqualImage() && d.NKey() == d.NAtts() {
		if items, err = deduplicate(items); err != nil {
			return nil, err
		}
	}

	tree := &Tree{
		Desc:      d,
		Pages:     []bufpage.Page{make(bufpage.Page, BlockSize)},
		Checksums: opts.Checksums,
		Meta: Meta{
			Magic:                    Magic,
			Version:                  version,
			LastCleanupNumHeapTuples: -1,
			AllEqualImage:            heapkeyspace && d.AllEqualImage(),
		},
	}
	if len(items) > 0 {
		nodes, err := tree.buildLeaves(items, opts.LeafItems, heapkeyspace)
		if err != nil {
			return nil, err
		}
		fanout := opts.InternalItems
		if fanout == 1 {
			fanout = 2
		}
		for level := uint32(1); len(nodes) > 1; level++ {
			if nodes, err = tree.buildInternal(nodes, level, fanout); err != nil {
				return nil, err
			}
		}
		root := nodes[0].blk
		o := GetOpaque(tree.Pages[root])
		o.Flags |= FlagRoot
		o.Put(tree.Pages[root])
		tree.Meta.Root = root
		tree.Meta.Level = o.Level
		tree.Meta.FastRoot = root
		tree.Meta.FastLevel = o.Level
	}
	InitMetaPage(tree.Pages[MetaBlock], tree.Meta)
	for _, p := range tree.Pages {
		p.SetLSN(opts.LSN)
	}
	return tree, nil
}

// sortedTuples forms one tuple per entry and sorts them in index order.
func (d *Desc) sortedTuples(entries []Entry, raw, heapkeyspace bool) ([]Tuple, error) {
	limit := MaxItemSizeNoHeapTID
	if heapkeyspace {
		limit = MaxItemSize
	}
	type sortItem struct {
		t      Tuple
		values []datum.Datum
	}
	list := make([]sortItem, 0, len(entries))
	for _, e := range entries {
		if len(e.Values) != d.NAtts() {
			return nil, errors.Errorf("entry %s has %d values, index %q has %d columns", e.TID, len(e.Values), d.Name, d.NAtts())
		}
		form := d.FormTuple
		if raw {
			form = d.FormRawTuple
		}
		t, err := form(e.Values, e.TID)
		if err != nil {
			return nil, errors.Wrapf(err, "entry %s", e.TID)
		}
		if t.Size() > limit {
			return nil, errors.Errorf("index row size %d exceeds maximum %d for index %q", t.Size(), limit, d.Name)
		}
		list = append(list, sortItem{t: t, values: e.Values})
	}

	var sortErr error
	sort.SliceStable(list, func(i, j int) bool {
		for col := 0; col < d.NKey(); col++ {
			c, err := d.CompareColumn(col, list[i].values[col], list[j].values[col])
			if err != nil && sortErr == nil {
				sortErr = err
			}
			if c != 0 {
				return c < 0
			}
		}
		a, _ := list[i].t.HeapTID()
		b, _ := list[j].t.HeapTID()
		return a.Compare(b) < 0
	})
	if sortErr != nil {
		return nil, sortErr
	}
	out := make([]Tuple, len(list))
	for i := range list {
		out[i] = list[i].t
	}
	return out, nil
}

// deduplicate merges runs of byte-identical keys into posting lists.
func deduplicate(items []Tuple) ([]Tuple, error) {
	var out []Tuple
	for start := 0; start < len(items); {
		end := start + 1
		for end < len(items) && sameKey(items[start], items[end]) &&
			bufpage.MaxAlign(items[start].Size()+(end-start+1)*bufpage.SizeOfTID) <= MaxItemSize {
			end++
		}
		tids := make([]bufpage.TID, 0, end-start)
		for _, t := range items[start:end] {
			tid, _ := t.HeapTID()
			tids = append(tids, tid)
		}
		t, err := FormPosting(items[start], tids)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
		start = end
	}
	return out, nil
}

func sameKey(a, b Tuple) bool {
	if a.Size() != b.Size() {
		return false
	}
	return string(a[bufpage.SizeOfTID:a.Size()]) == string(b[bufpage.SizeOfTID:b.Size()])
}

// groupItems splits items with the given page space costs into pages, keeping reserve bytes
// free on every page for a high key.
func groupItems(costs []int, reserve, maxItems int) [][2]int {
	capacity := BlockSize - bufpage.SizeOfPageHeader - bufpage.MaxAlign(OpaqueSize)
	var groups [][2]int
	start, used := 0, 0
	for i, c := range costs {
		if i > start && ((maxItems > 0 && i-start >= maxItems) || used+c+reserve > capacity) {
			groups = append(groups, [2]int{start, i})
			start, used = i, 0
		}
		used += c
	}
	return append(groups, [2]int{start, len(costs)})
}

func siblings(first uint32, g, n int) (prev, next uint32) {
	if g > 0 {
		prev = first + uint32(g) - 1
	}
	if g < n-1 {
		next = first + uint32(g) + 1
	}
	return prev, next
}

func (tree *Tree) buildLeaves(items []Tuple, maxItems int, heapkeyspace bool) ([]node, error) {
	costs := make([]int, len(items))
	reserve := 0
	for i, t := range items {
		costs[i] = bufpage.MaxAlign(t.Size()) + bufpage.SizeOfItemID
		reserve = max(reserve, costs[i])
	}
	if heapkeyspace {
		reserve += alignedTID
	}
	groups := groupItems(costs, reserve, maxItems)
	first := uint32(len(tree.Pages))
	nodes := make([]node, 0, len(groups))
	blocks := make([]uint32, 0, len(groups))
	for g, grp := range groups {
		blk := first + uint32(g)
		o := Opaque{Flags: FlagLeaf}
		o.Prev, o.Next = siblings(first, g, len(groups))
		var highKey Tuple
		if g < len(groups)-1 {
			var err error
			if highKey, err = tree.Desc.Truncate(items[grp[1]-1], items[grp[1]], heapkeyspace); err != nil {
				return nil, errors.Wrapf(err, "could not form high key of block %d", blk)
			}
		}
		p, err := fillPage(o, highKey, items[grp[0]:grp[1]])
		if err != nil {
			return nil, errors.Wrapf(err, "block %d", blk)
		}
		tree.Pages = append(tree.Pages, p)
		nodes = append(nodes, node{blk: blk, highKey: highKey})
		blocks = append(blocks, blk)
	}
	tree.Levels = append(tree.Levels, blocks)
	return nodes, nil
}

func (tree *Tree) buildInternal(children []node, level uint32, maxItems int) ([]node, error) {
	costs := make([]int, len(children))
	reserve := 0
	for j := range children {
		costs[j] = TupleHeaderSize + bufpage.SizeOfItemID
		if j > 0 {
			costs[j] = bufpage.MaxAlign(children[j-1].highKey.Size()) + bufpage.SizeOfItemID
		}
		reserve = max(reserve, costs[j])
	}
	groups := groupItems(costs, reserve, maxItems)
	if len(groups) == len(children) {
		return nil, errors.Errorf("pivot tuples too large to build level %d", level)
	}
	first := uint32(len(tree.Pages))
	parents := make([]node, 0, len(groups))
	blocks := make([]uint32, 0, len(groups))
	for g, grp := range groups {
		blk := first + uint32(g)
		o := Opaque{Level: level}
		o.Prev, o.Next = siblings(first, g, len(groups))
		items := []Tuple{NegativeInfinity(children[grp[0]].blk)}
		for j := grp[0] + 1; j < grp[1]; j++ {
			sep := children[j-1].highKey.Clone()
			sep.SetDownlink(children[j].blk)
			items = append(items, sep)
		}
		var highKey Tuple
		if g < len(groups)-1 {
			highKey = children[grp[1]-1].highKey.Clone()
		}
		p, err := fillPage(o, highKey, items)
		if err != nil {
			return nil, errors.Wrapf(err, "block %d", blk)
		}
		tree.Pages = append(tree.Pages, p)
		parents = append(parents, node{blk: blk, highKey: highKey})
		blocks = append(blocks, blk)
	}
	tree.Levels = append(tree.Levels, blocks)
	return parents, nil
}

func fillPage(o Opaque, highKey Tuple, items []Tuple) (bufpage.Page, error) {
	p := make(bufpage.Page, BlockSize)
	InitPage(p, o)
	if highKey != nil {
		if _, err := p.AddItem(highKey, bufpage.LPNormal); err != nil {
			return nil, errors.Wrap(err, "could not add high key")
		}
	}
	for _, t := range items {
		if _, err := p.AddItem(t, bufpage.LPNormal); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Root returns the root block, or PNone for an empty tree.
func (tree *Tree) Root() uint32 { return tree.Meta.Root }

// Page returns block blk of the tree for inspection or modification.
func (tree *Tree) Page(blk uint32) bufpage.Page { return tree.Pages[blk] }

// NumBlocks implements PageReader.
func (tree *Tree) NumBlocks() uint32 { return uint32(len(tree.Pages)) }

// ReadPage implements PageReader over the in-memory pages.
func (tree *Tree) ReadPage(ctx context.Context, blkno uint32) (bufpage.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if blkno >= tree.NumBlocks() {
		return nil, errors.Errorf("block %d out of range for tree of %d blocks", blkno, tree.NumBlocks())
	}
	p := make(bufpage.Page, BlockSize)
	copy(p, tree.Pages[blkno])
	return p, nil
}

// WriteTo appends every page of the tree to an empty relation.
func (tree *Tree) WriteTo(p *pager.Pager) error {
	if p.GetNumPages() != 0 {
		return errors.Errorf("relation %s is not empty", p.GetFileName())
	}
	for blk, data := range tree.Pages {
		if tree.Checksums {
			data.SetChecksum(uint32(blk))
		}
		page, err := p.GetNewPage()
		if err != nil {
			return errors.Wrapf(err, "could not allocate block %d", blk)
		}
		page.WLock()
		page.Update(data, 0, int64(len(data)))
		page.WUnlock()
		if err := page.Release(); err != nil {
			return err
		}
	}
	return p.FlushAllPages()
}
