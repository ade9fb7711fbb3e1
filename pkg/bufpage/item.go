package bufpage

import (
	"encoding/binary"
	"fmt"
)

// Line pointer states.
const (
	LPUnused   uint8 = 0
	LPNormal   uint8 = 1
	LPRedirect uint8 = 2
	LPDead     uint8 = 3
)

// ItemID is a decoded line pointer.
type ItemID struct {
	Off   uint16
	Flags uint8
	Len   uint16
}

func decodeItemID(v uint32) ItemID {
	return ItemID{
		Off:   uint16(v & 0x7FFF),
		Flags: uint8((v >> 15) & 0x03),
		Len:   uint16((v >> 17) & 0x7FFF),
	}
}

func (id ItemID) encode() uint32 {
	return uint32(id.Off)&0x7FFF | uint32(id.Flags&0x03)<<15 | uint32(id.Len&0x7FFF)<<17
}

// IsUsed reports whether the line pointer is in use.
func (id ItemID) IsUsed() bool { return id.Flags != LPUnused }

// IsRedirected reports whether the line pointer is a redirect.
func (id ItemID) IsRedirected() bool { return id.Flags == LPRedirect }

// IsDead reports whether the line pointer was marked dead.
func (id ItemID) IsDead() bool { return id.Flags == LPDead }

// HasStorage reports whether the line pointer refers to tuple bytes.
func (id ItemID) HasStorage() bool { return id.Len != 0 }

// LSN is a log sequence number.
type LSN uint64

func (l LSN) String() string {
	return fmt.Sprintf("%X/%X", uint32(l>>32), uint32(l))
}

// SizeOfTID is the encoded size of a TID.
const SizeOfTID = 6

// TID identifies a tuple by block and line pointer.
type TID struct {
	Block  uint32
	Offset OffsetNumber
}

// DecodeTID reads a TID from its 6-byte form (block hi, block lo, offset).
func DecodeTID(b []byte) TID {
	hi := binary.LittleEndian.Uint16(b[0:])
	lo := binary.LittleEndian.Uint16(b[2:])
	return TID{
		Block:  uint32(hi)<<16 | uint32(lo),
		Offset: OffsetNumber(binary.LittleEndian.Uint16(b[4:])),
	}
}

// Encode writes the 6-byte form of t into b.
func (t TID) Encode(b []byte) {
	binary.LittleEndian.PutUint16(b[0:], uint16(t.Block>>16))
	binary.LittleEndian.PutUint16(b[2:], uint16(t.Block))
	binary.LittleEndian.PutUint16(b[4:], uint16(t.Offset))
}

// IsValid reports whether t can refer to a tuple.
func (t TID) IsValid() bool {
	return t.Offset != InvalidOffsetNumber
}

// Compare orders TIDs by block, then offset.
func (t TID) Compare(o TID) int {
	switch {
	case t.Block < o.Block:
		return -1
	case t.Block > o.Block:
		return 1
	case t.Offset < o.Offset:
		return -1
	case t.Offset > o.Offset:
		return 1
	}
	return 0
}

func (t TID) String() string {
	return fmt.Sprintf("(%d,%d)", t.Block, t.Offset)
}
