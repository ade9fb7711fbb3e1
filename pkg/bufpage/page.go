// Package bufpage implements the slotted page layout shared by heap and index relations.
//
// A page starts with a fixed header, followed by an array of line pointers growing up from
// the header. Tuples are placed from the end of the page (or the start of the special space)
// downwards. Access methods may reserve a special space at the very end of the page.
package bufpage

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"
)

const (
	// SizeOfPageHeader is the number of bytes in the page header.
	SizeOfPageHeader = 24
	// SizeOfItemID is the number of bytes in one line pointer.
	SizeOfItemID = 4
	// MaxAlignment is the alignment of tuples and special space.
	MaxAlignment = 8
	// LayoutVersion is stored in the low byte of pagesize_version.
	LayoutVersion = 4
	// FirstOffsetNumber is the offset of the first line pointer. Offsets are 1-based.
	FirstOffsetNumber OffsetNumber = 1
	// InvalidOffsetNumber never refers to a line pointer.
	InvalidOffsetNumber OffsetNumber = 0
)

// Header field offsets.
const (
	offLSN             = 0
	offChecksum        = 8
	offFlags           = 10
	offLower           = 12
	offUpper           = 14
	offSpecial         = 16
	offPageSizeVersion = 18
	offPruneXid        = 20
)

var ErrPageFull = errors.New("not enough free space on page")

// OffsetNumber is a 1-based line pointer number.
type OffsetNumber uint16

// Next returns the following offset.
func (o OffsetNumber) Next() OffsetNumber { return o + 1 }

// Prev returns the preceding offset.
func (o OffsetNumber) Prev() OffsetNumber { return o - 1 }

// MaxAlign rounds n up to MaxAlignment.
func MaxAlign(n int) int {
	return (n + MaxAlignment - 1) &^ (MaxAlignment - 1)
}

// MaxAlignDown rounds n down to MaxAlignment.
func MaxAlignDown(n int) int {
	return n &^ (MaxAlignment - 1)
}

// Page is a view over one block's bytes.
type Page []byte

// Init formats p as an empty page with specialSize bytes reserved at the end.
func Init(p Page, specialSize int) {
	clear(p)
	special := len(p) - MaxAlign(specialSize)
	p.setU16(offLower, SizeOfPageHeader)
	p.setU16(offUpper, uint16(special))
	p.setU16(offSpecial, uint16(special))
	p.setU16(offPageSizeVersion, uint16(len(p))&0xFF00|LayoutVersion)
}

func (p Page) u16(off int) uint16 { return binary.LittleEndian.Uint16(p[off:]) }

func (p Page) setU16(off int, v uint16) { binary.LittleEndian.PutUint16(p[off:], v) }

// LSN returns the log sequence number of the last change to the page.
func (p Page) LSN() LSN { return LSN(binary.LittleEndian.Uint64(p[offLSN:])) }

// SetLSN stores the page LSN.
func (p Page) SetLSN(lsn LSN) { binary.LittleEndian.PutUint64(p[offLSN:], uint64(lsn)) }

// Checksum returns the stored page checksum.
func (p Page) Checksum() uint16 { return p.u16(offChecksum) }

// Flags returns the page header flags.
func (p Page) Flags() uint16 { return p.u16(offFlags) }

// Lower returns the offset of the end of the line pointer array.
func (p Page) Lower() int { return int(p.u16(offLower)) }

// Upper returns the offset of the start of tuple space.
func (p Page) Upper() int { return int(p.u16(offUpper)) }

// Special returns the offset of the special space.
func (p Page) Special() int { return int(p.u16(offSpecial)) }

// SetLower overwrites pd_lower.
func (p Page) SetLower(v int) { p.setU16(offLower, uint16(v)) }

// SetUpper overwrites pd_upper.
func (p Page) SetUpper(v int) { p.setU16(offUpper, uint16(v)) }

// SetSpecial overwrites pd_special.
func (p Page) SetSpecial(v int) { p.setU16(offSpecial, uint16(v)) }

// PruneXid returns the oldest prunable xid hint.
func (p Page) PruneXid() uint32 { return binary.LittleEndian.Uint32(p[offPruneXid:]) }

// SpecialSize returns the number of bytes in the special space.
func (p Page) SpecialSize() int { return len(p) - p.Special() }

// IsNew reports whether the page was never initialized.
func (p Page) IsNew() bool { return p.Upper() == 0 }

// MaxOffset returns the number of line pointers on the page.
func (p Page) MaxOffset() OffsetNumber {
	if p.Lower() <= SizeOfPageHeader {
		return 0
	}
	return OffsetNumber((p.Lower() - SizeOfPageHeader) / SizeOfItemID)
}

// FreeSpace returns the bytes available for one more tuple and its line pointer.
func (p Page) FreeSpace() int {
	space := p.Upper() - p.Lower()
	if space < SizeOfItemID {
		return 0
	}
	return space - SizeOfItemID
}

func itemIDPos(off OffsetNumber) int {
	return SizeOfPageHeader + (int(off)-1)*SizeOfItemID
}

// ItemID returns the line pointer at off. The caller checks off against MaxOffset.
func (p Page) ItemID(off OffsetNumber) ItemID {
	return decodeItemID(binary.LittleEndian.Uint32(p[itemIDPos(off):]))
}

// SetItemID overwrites the line pointer at off.
func (p Page) SetItemID(off OffsetNumber, id ItemID) {
	binary.LittleEndian.PutUint32(p[itemIDPos(off):], id.encode())
}

// Item returns the bytes a line pointer refers to. The caller validates the line pointer first.
func (p Page) Item(id ItemID) []byte {
	return p[int(id.Off) : int(id.Off)+int(id.Len)]
}

// AddItem appends item as a new line pointer with the given flags and returns its offset.
func (p Page) AddItem(item []byte, flags uint8) (OffsetNumber, error) {
	size := MaxAlign(len(item))
	if p.FreeSpace() < size {
		return InvalidOffsetNumber, ErrPageFull
	}
	upper := p.Upper() - size
	copy(p[upper:], item)
	off := p.MaxOffset() + 1
	p.SetLower(p.Lower() + SizeOfItemID)
	p.SetUpper(upper)
	p.SetItemID(off, ItemID{Off: uint16(upper), Flags: flags, Len: uint16(len(item))})
	return off, nil
}

// ComputeChecksum computes the checksum of p as stored at block blkno.
// The result is never zero, so a zero checksum means "not set".
func ComputeChecksum(p Page, blkno uint32) uint16 {
	h := crc32.New(crc32.MakeTable(crc32.Castagnoli))
	h.Write(p[:offChecksum])
	h.Write([]byte{0, 0})
	h.Write(p[offChecksum+2:])
	var blk [4]byte
	binary.LittleEndian.PutUint32(blk[:], blkno)
	h.Write(blk[:])
	sum := h.Sum32()
	return uint16((sum^(sum>>16))%65535) + 1
}

// SetChecksum stores the checksum for block blkno.
func (p Page) SetChecksum(blkno uint32) {
	p.setU16(offChecksum, ComputeChecksum(p, blkno))
}

// VerifyChecksum reports whether the stored checksum matches, treating zero as unset.
func (p Page) VerifyChecksum(blkno uint32) (stored, computed uint16, ok bool) {
	stored = p.Checksum()
	if stored == 0 {
		return 0, 0, true
	}
	computed = ComputeChecksum(p, blkno)
	return stored, computed, stored == computed
}
