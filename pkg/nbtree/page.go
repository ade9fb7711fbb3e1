package nbtree

import (
	"encoding/binary"
	"math"

	"btverify/pkg/bufpage"
)

// Opaque is the B-tree trailer stored in the special space of every index page.
type Opaque struct {
	Prev    uint32 // Left sibling, or PNone when leftmost.
	Next    uint32 // Right sibling, or PNone when rightmost.
	Level   uint32 // Zero for leaves.
	Flags   uint16
	CycleID uint16
}

// GetOpaque decodes the trailer of p. Pages whose special offset does not leave room for a
// trailer decode as the zero value.
func GetOpaque(p bufpage.Page) Opaque {
	off := p.Special()
	if off < bufpage.SizeOfPageHeader || off+OpaqueSize > len(p) {
		return Opaque{}
	}
	b := p[off:]
	return Opaque{
		Prev:    binary.LittleEndian.Uint32(b[0:]),
		Next:    binary.LittleEndian.Uint32(b[4:]),
		Level:   binary.LittleEndian.Uint32(b[8:]),
		Flags:   binary.LittleEndian.Uint16(b[12:]),
		CycleID: binary.LittleEndian.Uint16(b[14:]),
	}
}

// Put writes o into the special space of p.
func (o Opaque) Put(p bufpage.Page) {
	b := p[p.Special():]
	binary.LittleEndian.PutUint32(b[0:], o.Prev)
	binary.LittleEndian.PutUint32(b[4:], o.Next)
	binary.LittleEndian.PutUint32(b[8:], o.Level)
	binary.LittleEndian.PutUint16(b[12:], o.Flags)
	binary.LittleEndian.PutUint16(b[14:], o.CycleID)
}

func (o Opaque) IsLeaf() bool            { return o.Flags&FlagLeaf != 0 }
func (o Opaque) IsRoot() bool            { return o.Flags&FlagRoot != 0 }
func (o Opaque) IsMeta() bool            { return o.Flags&FlagMeta != 0 }
func (o Opaque) IsDeleted() bool         { return o.Flags&FlagDeleted != 0 }
func (o Opaque) IsHalfDead() bool        { return o.Flags&FlagHalfDead != 0 }
func (o Opaque) HasGarbage() bool        { return o.Flags&FlagHasGarbage != 0 }
func (o Opaque) IsIncompleteSplit() bool { return o.Flags&FlagIncompleteSplit != 0 }
func (o Opaque) HasFullXid() bool        { return o.Flags&FlagHasFullXid != 0 }
func (o Opaque) IsLeftmost() bool        { return o.Prev == PNone }
func (o Opaque) IsRightmost() bool       { return o.Next == PNone }

// IsIgnore reports whether scans skip the page: it is deleted or half-dead.
func (o Opaque) IsIgnore() bool { return o.Flags&(FlagDeleted|FlagHalfDead) != 0 }

// FirstDataKey returns the offset of the first item that is not the high key.
func (o Opaque) FirstDataKey() bufpage.OffsetNumber {
	if o.IsRightmost() {
		return HighKeyOffset
	}
	return HighKeyOffset + 1
}

// IsNegativeInfinity reports whether off holds the negative infinity item of an internal page.
func (o Opaque) IsNegativeInfinity(off bufpage.OffsetNumber) bool {
	return !o.IsLeaf() && off == o.FirstDataKey()
}

// InitPage formats p as an empty index page carrying o.
func InitPage(p bufpage.Page, o Opaque) {
	bufpage.Init(p, OpaqueSize)
	o.Put(p)
}

// DeletedSafeXid returns the full transaction id stored on a page deleted with the
// FlagHasFullXid representation.
func DeletedSafeXid(p bufpage.Page) uint64 {
	return binary.LittleEndian.Uint64(p[bufpage.SizeOfPageHeader:])
}

// MarkDeleted turns p into a deleted page that records safeXid, dropping its items.
func MarkDeleted(p bufpage.Page, safeXid uint64) {
	o := GetOpaque(p)
	o.Flags &^= FlagHalfDead
	o.Flags |= FlagDeleted | FlagHasFullXid
	InitPage(p, o)
	binary.LittleEndian.PutUint64(p[bufpage.SizeOfPageHeader:], safeXid)
	p.SetLower(bufpage.SizeOfPageHeader + 8)
}

// Meta is the payload of the metapage.
type Meta struct {
	Magic                    uint32
	Version                  uint32
	Root                     uint32
	Level                    uint32
	FastRoot                 uint32
	FastLevel                uint32
	LastCleanupNumDelPages   uint32
	LastCleanupNumHeapTuples float64
	AllEqualImage            bool
}

// Metapage payload layout, starting right after the page header.
const (
	metaMagic         = 0
	metaVersion       = 4
	metaRoot          = 8
	metaLevel         = 12
	metaFastRoot      = 16
	metaFastLevel     = 20
	metaDelPages      = 24
	metaHeapTuples    = 32
	metaAllEqualImage = 40
	metaSize          = 48
)

// GetMeta decodes the metapage payload of p.
func GetMeta(p bufpage.Page) Meta {
	b := p[bufpage.SizeOfPageHeader:]
	return Meta{
		Magic:                    binary.LittleEndian.Uint32(b[metaMagic:]),
		Version:                  binary.LittleEndian.Uint32(b[metaVersion:]),
		Root:                     binary.LittleEndian.Uint32(b[metaRoot:]),
		Level:                    binary.LittleEndian.Uint32(b[metaLevel:]),
		FastRoot:                 binary.LittleEndian.Uint32(b[metaFastRoot:]),
		FastLevel:                binary.LittleEndian.Uint32(b[metaFastLevel:]),
		LastCleanupNumDelPages:   binary.LittleEndian.Uint32(b[metaDelPages:]),
		LastCleanupNumHeapTuples: math.Float64frombits(binary.LittleEndian.Uint64(b[metaHeapTuples:])),
		AllEqualImage:            b[metaAllEqualImage] != 0,
	}
}

// Put writes m as the payload of p.
func (m Meta) Put(p bufpage.Page) {
	b := p[bufpage.SizeOfPageHeader:]
	binary.LittleEndian.PutUint32(b[metaMagic:], m.Magic)
	binary.LittleEndian.PutUint32(b[metaVersion:], m.Version)
	binary.LittleEndian.PutUint32(b[metaRoot:], m.Root)
	binary.LittleEndian.PutUint32(b[metaLevel:], m.Level)
	binary.LittleEndian.PutUint32(b[metaFastRoot:], m.FastRoot)
	binary.LittleEndian.PutUint32(b[metaFastLevel:], m.FastLevel)
	binary.LittleEndian.PutUint32(b[metaDelPages:], m.LastCleanupNumDelPages)
	binary.LittleEndian.PutUint64(b[metaHeapTuples:], math.Float64bits(m.LastCleanupNumHeapTuples))
	b[metaAllEqualImage] = 0
	if m.AllEqualImage {
		b[metaAllEqualImage] = 1
	}
}

// HeapKeySpace reports whether pivots may carry heap TIDs and leaf keys are unique.
func (m Meta) HeapKeySpace() bool {
	return m.Version > NovacVersion
}

// InitMetaPage formats p as a metapage holding m.
func InitMetaPage(p bufpage.Page, m Meta) {
	InitPage(p, Opaque{Flags: FlagMeta})
	m.Put(p)
	p.SetLower(bufpage.SizeOfPageHeader + metaSize)
}

// PageTuple returns the tuple at off without interpreting it. It only guards against line
// pointers that would reach outside the page or cannot hold a tuple header.
func PageTuple(p bufpage.Page, off bufpage.OffsetNumber) (Tuple, bool) {
	if off < bufpage.FirstOffsetNumber || off > p.MaxOffset() {
		return nil, false
	}
	id := p.ItemID(off)
	end := int(id.Off) + int(id.Len)
	if int(id.Off) < bufpage.SizeOfPageHeader || end > len(p) || int(id.Len) < TupleHeaderSize {
		return nil, false
	}
	t := Tuple(p.Item(id))
	if t.Size() > len(t) || t.Size() < TupleHeaderSize {
		return nil, false
	}
	return t[:t.Size()], true
}
