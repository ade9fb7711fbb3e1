package nbtree

import (
	"encoding/binary"

	"btverify/pkg/bufpage"
	"btverify/pkg/datum"

	"github.com/pkg/errors"
)

// Index tuple header layout.
//
//	bytes 0-5   tid: block hi u16, block lo u16, offset u16
//	bytes 6-7   info: size (13 bits), alt-tid, var-widths, has-nulls
//	bytes 8-11  null bitmap, only when has-nulls is set
//
// Attributes follow without padding. The whole tuple is padded to bufpage.MaxAlignment.
const (
	TupleHeaderSize = 8
	NullBitmapSize  = 4
	MaxTupleSize    = infoSizeMask

	infoSizeMask  = 0x1FFF
	infoAltTID    = 0x2000
	infoVarWidths = 0x4000
	infoHasNulls  = 0x8000

	// Interpretation of the tid offset field when infoAltTID is set.
	offsetMask       = 0x0FFF
	pivotHeapTIDAttr = 0x1000
	postingFlag      = 0x2000

	// MaxAttributes is the widest index the null bitmap can describe.
	MaxAttributes = NullBitmapSize * 8
)

// Tuple is a view over one index tuple.
type Tuple []byte

func (t Tuple) info() uint16 { return binary.LittleEndian.Uint16(t[6:]) }

func (t Tuple) setInfo(v uint16) { binary.LittleEndian.PutUint16(t[6:], v) }

func (t Tuple) rawBlock() uint32 {
	return uint32(binary.LittleEndian.Uint16(t[0:]))<<16 | uint32(binary.LittleEndian.Uint16(t[2:]))
}

func (t Tuple) setRawBlock(blk uint32) {
	binary.LittleEndian.PutUint16(t[0:], uint16(blk>>16))
	binary.LittleEndian.PutUint16(t[2:], uint16(blk))
}

func (t Tuple) rawOffset() uint16 { return binary.LittleEndian.Uint16(t[4:]) }

func (t Tuple) setRawOffset(v uint16) { binary.LittleEndian.PutUint16(t[4:], v) }

// Size returns the tuple size recorded in its header.
func (t Tuple) Size() int { return int(t.info() & infoSizeMask) }

// HasNulls reports whether the tuple carries a null bitmap.
func (t Tuple) HasNulls() bool { return t.info()&infoHasNulls != 0 }

// HasVarWidths reports whether some attribute is variable-length.
func (t Tuple) HasVarWidths() bool { return t.info()&infoVarWidths != 0 }

// IsPivot reports whether t is a pivot tuple (a high key or an internal page item).
func (t Tuple) IsPivot() bool {
	return t.info()&infoAltTID != 0 && t.rawOffset()&postingFlag == 0
}

// IsPosting reports whether t is a posting list tuple.
func (t Tuple) IsPosting() bool {
	return t.info()&infoAltTID != 0 && t.rawOffset()&postingFlag != 0
}

// NumAtts returns the number of attributes present in t, given the index width natts.
// Only pivot tuples record a count of their own.
func (t Tuple) NumAtts(natts int) int {
	if t.IsPivot() {
		return int(t.rawOffset() & offsetMask)
	}
	return natts
}

// NumKeyAtts returns the number of key attributes present in t.
func (t Tuple) NumKeyAtts(natts, nkeyatts int) int {
	return min(t.NumAtts(natts), nkeyatts)
}

// HasPivotHeapTID reports whether a pivot tuple carries an explicit heap TID at its end.
func (t Tuple) HasPivotHeapTID() bool {
	return t.IsPivot() && t.rawOffset()&pivotHeapTIDAttr != 0
}

// HasHeapTIDBit reports whether the pivot heap TID bit is set, whatever the kind of tuple.
// Only pivots may set it.
func (t Tuple) HasHeapTIDBit() bool {
	return t.info()&infoAltTID != 0 && t.rawOffset()&pivotHeapTIDAttr != 0
}

// HeapTID returns the heap TID t points to: the tid field of a non-pivot, the first TID of a
// posting list, or the trailing heap TID of a pivot. Pivots without one report false.
func (t Tuple) HeapTID() (bufpage.TID, bool) {
	switch {
	case t.IsPivot():
		if !t.HasPivotHeapTID() || t.Size() < TupleHeaderSize+bufpage.SizeOfTID {
			return bufpage.TID{}, false
		}
		return bufpage.DecodeTID(t[t.Size()-bufpage.SizeOfTID:]), true
	case t.IsPosting():
		return t.PostingTID(0)
	}
	return bufpage.DecodeTID(t), true
}

// MaxHeapTID returns the last TID of a posting list, or HeapTID for other tuples.
func (t Tuple) MaxHeapTID() (bufpage.TID, bool) {
	if t.IsPosting() {
		return t.PostingTID(t.NPosting() - 1)
	}
	return t.HeapTID()
}

// Downlink returns the child block of an internal page item.
func (t Tuple) Downlink() uint32 { return t.rawBlock() }

// SetDownlink points an internal page item at blk.
func (t Tuple) SetDownlink(blk uint32) { t.setRawBlock(blk) }

// TopParent returns the top parent link stored in the high key of a half-dead leaf.
func (t Tuple) TopParent() uint32 { return t.rawBlock() }

// SetTopParent stores the top parent link in the high key of a half-dead leaf.
func (t Tuple) SetTopParent(blk uint32) { t.setRawBlock(blk) }

// SetHeapTID overwrites the tid field of a non-pivot tuple.
func (t Tuple) SetHeapTID(tid bufpage.TID) { tid.Encode(t) }

// NPosting returns the number of TIDs in a posting list.
func (t Tuple) NPosting() int { return int(t.rawOffset() & offsetMask) }

// PostingOffset returns the byte offset of the TID array in a posting list.
func (t Tuple) PostingOffset() int { return int(t.rawBlock()) }

// PostingInBounds reports whether the TID array of a posting list lies within the tuple.
func (t Tuple) PostingInBounds() bool {
	off := t.PostingOffset()
	return t.NPosting() > 0 && off >= t.DataOffset() && off+t.NPosting()*bufpage.SizeOfTID <= t.Size()
}

// PostingTID returns TID i of a posting list.
func (t Tuple) PostingTID(i int) (bufpage.TID, bool) {
	off := t.PostingOffset() + i*bufpage.SizeOfTID
	if i < 0 || i >= t.NPosting() || off < TupleHeaderSize || off+bufpage.SizeOfTID > len(t) {
		return bufpage.TID{}, false
	}
	return bufpage.DecodeTID(t[off:]), true
}

// DataOffset returns the offset of the first attribute.
func (t Tuple) DataOffset() int {
	if t.HasNulls() {
		return TupleHeaderSize + NullBitmapSize
	}
	return TupleHeaderSize
}

// dataEnd returns the end of the attribute area.
func (t Tuple) dataEnd() int {
	switch {
	case t.IsPosting():
		return min(t.PostingOffset(), t.Size())
	case t.HasPivotHeapTID():
		return t.Size() - bufpage.SizeOfTID
	}
	return t.Size()
}

// IsNull reports whether attribute i is null.
func (t Tuple) IsNull(i int) bool {
	if !t.HasNulls() {
		return false
	}
	return t[TupleHeaderSize+i/8]&(1<<(i%8)) != 0
}

// Datums decodes the first n attributes of t.
func (t Tuple) Datums(desc *Desc, n int) ([]datum.Datum, error) {
	if t.Size() > len(t) {
		return nil, errors.Errorf("tuple size %d exceeds %d available bytes", t.Size(), len(t))
	}
	if t.DataOffset() > t.Size() {
		return nil, errors.Errorf("tuple header of %d bytes exceeds tuple size %d", t.DataOffset(), t.Size())
	}
	if n > len(desc.Columns) {
		return nil, errors.Errorf("tuple has %d attributes, index has %d columns", n, len(desc.Columns))
	}
	out := make([]datum.Datum, n)
	off := t.DataOffset()
	end := t.dataEnd()
	for i := 0; i < n; i++ {
		if t.IsNull(i) {
			out[i] = datum.Null()
			continue
		}
		if off > end {
			return nil, errors.Errorf("attribute %d starts past end of tuple data", i+1)
		}
		d, size, err := datum.Decode(desc.Columns[i].Type, t[off:end])
		if err != nil {
			return nil, errors.Wrapf(err, "could not decode attribute %d", i+1)
		}
		out[i] = d
		off += size
	}
	return out, nil
}

// Clone returns a copy of t that does not alias page memory.
func (t Tuple) Clone() Tuple {
	c := make(Tuple, len(t))
	copy(c, t)
	return c
}
