package heap

import (
	"bytes"
	"encoding/binary"

	"btverify/pkg/bufpage"
	"btverify/pkg/concurrency"
	"btverify/pkg/datum"

	"github.com/pkg/errors"
)

// Heap tuple header layout.
//
//	bytes 0-3   xmin
//	bytes 4-7   xmax, zero while the row is not deleted
//	bytes 8-9   infomask
//	bytes 10-11 natts
//	byte  12    hoff, the offset of the first attribute
//
// A null bitmap of one bit per attribute follows when InfoHasNulls is set. Attributes start
// at hoff, which is MAXALIGNed, and are packed without padding.
const (
	tupleHeaderSize = 13

	InfoHasNulls      uint16 = 0x0001
	InfoXminCommitted uint16 = 0x0100
	InfoXminInvalid   uint16 = 0x0200
	InfoXmaxCommitted uint16 = 0x0400
	InfoXmaxInvalid   uint16 = 0x0800
)

// Column describes one heap attribute.
type Column struct {
	Name string
	Type datum.Type
}

// Tuple is a view over one heap tuple.
type Tuple []byte

func (t Tuple) Xmin() concurrency.XID { return concurrency.XID(binary.LittleEndian.Uint32(t[0:])) }
func (t Tuple) Xmax() concurrency.XID { return concurrency.XID(binary.LittleEndian.Uint32(t[4:])) }
func (t Tuple) Infomask() uint16      { return binary.LittleEndian.Uint16(t[8:]) }
func (t Tuple) NAtts() int            { return int(binary.LittleEndian.Uint16(t[10:])) }
func (t Tuple) Hoff() int             { return int(t[12]) }

func (t Tuple) setXmax(x concurrency.XID) { binary.LittleEndian.PutUint32(t[4:], uint32(x)) }
func (t Tuple) setInfomask(v uint16)      { binary.LittleEndian.PutUint16(t[8:], v) }

// FormTuple packs values into a heap tuple inserted by xmin.
func FormTuple(columns []Column, values []datum.Datum, xmin concurrency.XID) (Tuple, error) {
	if len(values) != len(columns) {
		return nil, errors.Errorf("%d values for %d columns", len(values), len(columns))
	}
	var infomask uint16
	for _, v := range values {
		if v.IsNull {
			infomask |= InfoHasNulls
		}
	}
	if xmin == concurrency.FrozenXID {
		infomask |= InfoXminCommitted
	}
	hoff := tupleHeaderSize
	if infomask&InfoHasNulls != 0 {
		hoff += (len(values) + 7) / 8
	}
	hoff = bufpage.MaxAlign(hoff)
	buf := make([]byte, hoff, hoff+8*len(values))
	binary.LittleEndian.PutUint32(buf[0:], uint32(xmin))
	binary.LittleEndian.PutUint16(buf[8:], infomask)
	binary.LittleEndian.PutUint16(buf[10:], uint16(len(values)))
	buf[12] = uint8(hoff)
	var err error
	for i, v := range values {
		if v.IsNull {
			buf[tupleHeaderSize+i/8] |= 1 << (i % 8)
			continue
		}
		if buf, err = datum.Append(buf, columns[i].Type, v); err != nil {
			return nil, errors.Wrapf(err, "column %q", columns[i].Name)
		}
	}
	return buf, nil
}

// Values decodes the attributes of t. Variable-length values are copied out of t.
func (t Tuple) Values(columns []Column) ([]datum.Datum, error) {
	if len(t) < tupleHeaderSize || t.Hoff() > len(t) || t.Hoff() < tupleHeaderSize {
		return nil, errors.New("corrupted heap tuple header")
	}
	if t.Infomask()&InfoHasNulls != 0 && t.Hoff() < tupleHeaderSize+(t.NAtts()+7)/8 {
		return nil, errors.New("corrupted heap tuple null bitmap")
	}
	if t.NAtts() > len(columns) {
		return nil, errors.Errorf("heap tuple has %d attributes, relation has %d", t.NAtts(), len(columns))
	}
	out := make([]datum.Datum, len(columns))
	off := t.Hoff()
	for i := range columns {
		if i >= t.NAtts() || (t.Infomask()&InfoHasNulls != 0 && t[tupleHeaderSize+i/8]&(1<<(i%8)) != 0) {
			out[i] = datum.Null()
			continue
		}
		d, size, err := datum.Decode(columns[i].Type, t[off:])
		if err != nil {
			return nil, errors.Wrapf(err, "heap attribute %d", i+1)
		}
		if d.Var != nil {
			d.Var = bytes.Clone(d.Var)
		}
		out[i] = d
		off += size
	}
	return out, nil
}
