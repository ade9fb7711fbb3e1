package datum

import (
	"encoding/binary"

	"btverify/pkg/config"

	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

// Varlena header forms.
//
// A short header is one byte, (total<<1)|1, for values up to MaxShortSize bytes including the
// header. A long header is four bytes, (total<<2)|kind, where kind is KindPlain or KindCompressed.
// A compressed payload starts with the raw size as a u32, followed by an lz4 block. The byte
// ExternalTag introduces an out-of-line pointer of ExternalSize bytes, which never appears in a
// correctly formed index tuple.
const (
	MaxShortSize   = 127
	LongHeaderSize = 4
	ExternalTag    = 0x01
	ExternalSize   = 18

	KindPlain      = 0
	KindCompressed = 2

	compressedHeaderSize = LongHeaderSize + 4
	maxVarlenaSize       = 1<<30 - 1

	// lz4 expands one input byte into at most 255 output bytes.
	maxLZ4Ratio = 255
)

var ErrBadVarlena = errors.New("malformed variable-length datum")

// ErrExternal is returned when an operation needs the value of an out-of-line datum.
var ErrExternal = errors.New("external variable-length datum")

// IsExternal reports whether b starts with an out-of-line pointer.
func IsExternal(b []byte) bool {
	return len(b) > 0 && b[0] == ExternalTag
}

// IsShort reports whether b has a one byte header.
func IsShort(b []byte) bool {
	return len(b) > 0 && b[0]&0x01 == 0x01 && b[0] != ExternalTag
}

// IsCompressed reports whether b has a long header of the compressed kind.
func IsCompressed(b []byte) bool {
	return len(b) >= LongHeaderSize && b[0]&0x01 == 0 && binary.LittleEndian.Uint32(b)&0x03 == KindCompressed
}

// VarSize returns the total size of the varlena at the start of b, header included.
func VarSize(b []byte) (int, error) {
	switch {
	case len(b) == 0:
		return 0, ErrBadVarlena
	case b[0] == ExternalTag:
		return ExternalSize, nil
	case b[0]&0x01 == 0x01:
		return int(b[0] >> 1), nil
	case len(b) < LongHeaderSize:
		return 0, ErrBadVarlena
	}
	return int(binary.LittleEndian.Uint32(b) >> 2), nil
}

// Payload returns the value bytes of b, decompressing if needed.
func Payload(b []byte) ([]byte, error) {
	size, err := VarSize(b)
	if err != nil {
		return nil, err
	}
	if size > len(b) {
		return nil, errors.Wrapf(ErrBadVarlena, "size %d exceeds %d available bytes", size, len(b))
	}
	switch {
	case IsExternal(b):
		return nil, ErrExternal
	case IsShort(b):
		if size < 1 {
			return nil, ErrBadVarlena
		}
		return b[1:size], nil
	case IsCompressed(b):
		if size < compressedHeaderSize {
			return nil, ErrBadVarlena
		}
		rawSize := int(binary.LittleEndian.Uint32(b[LongHeaderSize:]))
		if rawSize > maxVarlenaSize || rawSize > maxLZ4Ratio*(size-compressedHeaderSize) {
			return nil, errors.Wrapf(ErrBadVarlena, "compressed raw size %d", rawSize)
		}
		raw := make([]byte, rawSize)
		n, err := lz4.UncompressBlock(b[compressedHeaderSize:size], raw)
		if err != nil {
			return nil, errors.Wrap(err, "could not decompress datum")
		}
		if n != rawSize {
			return nil, errors.Wrapf(ErrBadVarlena, "decompressed %d bytes, expected %d", n, rawSize)
		}
		return raw, nil
	}
	if binary.LittleEndian.Uint32(b)&0x03 != KindPlain || size < LongHeaderSize {
		return nil, ErrBadVarlena
	}
	return b[LongHeaderSize:size], nil
}

// FormVarlena returns the canonical varlena for payload: a short header when it fits,
// lz4 compression once the long form exceeds the index toast target and compression helps,
// and a plain long header otherwise.
func FormVarlena(payload []byte) []byte {
	if len(payload)+1 <= MaxShortSize {
		return shortVarlena(payload)
	}
	if len(payload)+LongHeaderSize > config.ToastIndexTarget {
		if c, ok := compressedVarlena(payload); ok && len(c) < len(payload)+LongHeaderSize {
			return c
		}
	}
	return LongVarlena(payload)
}

func shortVarlena(payload []byte) []byte {
	out := make([]byte, len(payload)+1)
	out[0] = byte((len(payload)+1)<<1) | 0x01
	copy(out[1:], payload)
	return out
}

// LongVarlena returns payload under an uncompressed four byte header.
func LongVarlena(payload []byte) []byte {
	out := make([]byte, len(payload)+LongHeaderSize)
	binary.LittleEndian.PutUint32(out, uint32(len(out))<<2|KindPlain)
	copy(out[LongHeaderSize:], payload)
	return out
}

// CompressedVarlena returns payload compressed with lz4, even when that does not save space.
func CompressedVarlena(payload []byte) []byte {
	if c, ok := compressedVarlena(payload); ok {
		return c
	}
	// Incompressible input is stored as a literal-only block.
	out := make([]byte, compressedHeaderSize+lz4.CompressBlockBound(len(payload)))
	n := literalBlock(payload, out[compressedHeaderSize:])
	return finishCompressed(out[:compressedHeaderSize+n], len(payload))
}

func compressedVarlena(payload []byte) ([]byte, bool) {
	out := make([]byte, compressedHeaderSize+lz4.CompressBlockBound(len(payload)))
	var c lz4.Compressor
	n, err := c.CompressBlock(payload, out[compressedHeaderSize:])
	if err != nil || n == 0 {
		return nil, false
	}
	return finishCompressed(out[:compressedHeaderSize+n], len(payload)), true
}

func finishCompressed(out []byte, rawSize int) []byte {
	binary.LittleEndian.PutUint32(out, uint32(len(out))<<2|KindCompressed)
	binary.LittleEndian.PutUint32(out[LongHeaderSize:], uint32(rawSize))
	return out
}

// literalBlock writes src as a single lz4 sequence made only of literals.
func literalBlock(src, dst []byte) int {
	n := 0
	lit := len(src)
	if lit < 15 {
		dst[n] = byte(lit << 4)
		n++
	} else {
		dst[n] = 0xF0
		n++
		for rest := lit - 15; ; rest -= 255 {
			if rest < 255 {
				dst[n] = byte(rest)
				n++
				break
			}
			dst[n] = 0xFF
			n++
		}
	}
	n += copy(dst[n:], src)
	return n
}

// External returns an out-of-line pointer datum. Only relations damaged on purpose carry these.
func External(valueID uint32, rawSize int) []byte {
	out := make([]byte, ExternalSize)
	out[0] = ExternalTag
	out[1] = ExternalSize
	binary.LittleEndian.PutUint32(out[2:], uint32(rawSize))
	binary.LittleEndian.PutUint32(out[10:], valueID)
	return out
}
