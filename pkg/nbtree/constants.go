// Package nbtree implements the on-disk format of B-tree indexes: the metapage, the page
// opaque trailer, index tuples (pivot, non-pivot and posting list), the column descriptor
// with its operator classes, insertion scankeys and the ordinary descent search.
//
// It also contains a bulk builder that lays out a complete tree from sorted entries, which is
// what fixtures and the generator use to produce indexes on disk.
package nbtree

import (
	"btverify/pkg/bufpage"
	"btverify/pkg/config"
)

// Block numbers.
const (
	// MetaBlock is the block holding the metapage.
	MetaBlock uint32 = 0
	// PNone marks a missing sibling or an empty tree. Block 0 is the metapage, so it can
	// never be a sibling.
	PNone uint32 = 0
	// InvalidBlock never refers to a block.
	InvalidBlock uint32 = 0xFFFFFFFF
)

// Metapage constants.
const (
	Magic      uint32 = 0x053162
	MinVersion uint32 = 2
	// NovacVersion is the last version without heap TIDs in pivot tuples.
	NovacVersion uint32 = 3
	Version      uint32 = 4
)

// Page opaque flags.
const (
	FlagLeaf            uint16 = 1 << 0
	FlagRoot            uint16 = 1 << 1
	FlagDeleted         uint16 = 1 << 2
	FlagMeta            uint16 = 1 << 3
	FlagHalfDead        uint16 = 1 << 4
	FlagSplitEnd        uint16 = 1 << 5
	FlagHasGarbage      uint16 = 1 << 6
	FlagIncompleteSplit uint16 = 1 << 7
	FlagHasFullXid      uint16 = 1 << 8
)

// Page layout sizes.
const (
	BlockSize  = config.BlockSize
	OpaqueSize = 16

	// HighKeyOffset is the offset of the high key on non-rightmost pages.
	HighKeyOffset bufpage.OffsetNumber = 1

	// MaxIndexTuplesPerPage bounds the number of line pointers on one page.
	MaxIndexTuplesPerPage = (BlockSize - bufpage.SizeOfPageHeader) /
		(((TupleHeaderSize + 1 + bufpage.MaxAlignment - 1) &^ (bufpage.MaxAlignment - 1)) + bufpage.SizeOfItemID)

	// MaxTIDsPerPage bounds the number of heap TIDs one leaf page can reference.
	MaxTIDsPerPage = (BlockSize - bufpage.SizeOfPageHeader - OpaqueSize) / bufpage.SizeOfTID

	alignedTID = (bufpage.SizeOfTID + bufpage.MaxAlignment - 1) &^ (bufpage.MaxAlignment - 1)

	// MaxItemSizeNoHeapTID limits pivot tuples that carry no heap TID, and all tuples
	// of indexes before version 4.
	MaxItemSizeNoHeapTID = ((BlockSize -
		((bufpage.SizeOfPageHeader + 3*bufpage.SizeOfItemID + bufpage.MaxAlignment - 1) &^ (bufpage.MaxAlignment - 1)) -
		((OpaqueSize + bufpage.MaxAlignment - 1) &^ (bufpage.MaxAlignment - 1))) / 3) &^ (bufpage.MaxAlignment - 1)

	// MaxItemSize limits leaf tuples and pivots that may need space for a heap TID.
	MaxItemSize = MaxItemSizeNoHeapTID - alignedTID
)
