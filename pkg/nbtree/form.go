package nbtree

import (
	"btverify/pkg/bufpage"
	"btverify/pkg/datum"

	"github.com/pkg/errors"
)

// ErrTupleTooLarge is returned when a formed tuple cannot be described by its header.
var ErrTupleTooLarge = errors.New("index tuple too large")

// form packs values into a tuple with a zero tid. With canonical set, variable-length values
// are converted to the form the engine stores.
func (d *Desc) form(values []datum.Datum, canonical bool) (Tuple, error) {
	if len(values) > len(d.Columns) {
		return nil, errors.Errorf("%d values for %d columns", len(values), len(d.Columns))
	}
	var info uint16
	for i, v := range values {
		if v.IsNull {
			info |= infoHasNulls
		} else if d.Columns[i].Type.IsVarlena() {
			info |= infoVarWidths
		}
	}
	buf := make([]byte, TupleHeaderSize, 64)
	if info&infoHasNulls != 0 {
		buf = append(buf, make([]byte, NullBitmapSize)...)
		for i, v := range values {
			if v.IsNull {
				buf[TupleHeaderSize+i/8] |= 1 << (i % 8)
			}
		}
	}
	var err error
	for i, v := range values {
		if v.IsNull {
			continue
		}
		typ := d.Columns[i].Type
		if canonical {
			if v, _, err = datum.Normalize(typ, v); err != nil {
				return nil, errors.Wrapf(err, "column %q", d.Columns[i].Name)
			}
		}
		if buf, err = datum.Append(buf, typ, v); err != nil {
			return nil, errors.Wrapf(err, "column %q", d.Columns[i].Name)
		}
	}
	size := bufpage.MaxAlign(len(buf))
	if size > MaxTupleSize {
		return nil, errors.Wrapf(ErrTupleTooLarge, "%d bytes", size)
	}
	t := make(Tuple, size)
	copy(t, buf)
	t.setInfo(uint16(size) | info)
	return t, nil
}

// FormTuple builds the non-pivot tuple the engine inserts for values, pointing at tid.
// It is deterministic: equal values always produce identical bytes.
func (d *Desc) FormTuple(values []datum.Datum, tid bufpage.TID) (Tuple, error) {
	t, err := d.form(values, true)
	if err != nil {
		return nil, err
	}
	t.SetHeapTID(tid)
	return t, nil
}

// FormRawTuple builds a non-pivot tuple storing values exactly as given.
func (d *Desc) FormRawTuple(values []datum.Datum, tid bufpage.TID) (Tuple, error) {
	t, err := d.form(values, false)
	if err != nil {
		return nil, err
	}
	t.SetHeapTID(tid)
	return t, nil
}

// Normalize returns the tuple FormTuple would have produced from the values of t, which
// must be a plain non-pivot tuple. When t is already in that form it is returned as is.
// Out-of-line values yield datum.ErrExternal.
func (d *Desc) Normalize(t Tuple) (Tuple, error) {
	if !t.HasVarWidths() {
		return t, nil
	}
	values, err := t.Datums(d, d.NAtts())
	if err != nil {
		return nil, err
	}
	changed := false
	for i, v := range values {
		if v.IsNull || !d.Columns[i].Type.IsVarlena() {
			continue
		}
		nv, ch, err := datum.Normalize(d.Columns[i].Type, v)
		if err != nil {
			return nil, err
		}
		if ch {
			values[i] = nv
			changed = true
		}
	}
	if !changed {
		return t, nil
	}
	nt, err := d.form(values, false)
	if err != nil {
		return nil, err
	}
	copy(nt[:bufpage.SizeOfTID], t[:bufpage.SizeOfTID])
	return nt, nil
}

// PostingPlainTuple returns the plain tuple for TID i of posting list t.
func PostingPlainTuple(t Tuple, i int) (Tuple, error) {
	tid, ok := t.PostingTID(i)
	if !ok {
		return nil, errors.Errorf("posting list has no TID %d", i)
	}
	base := t.PostingOffset()
	if base < TupleHeaderSize || base > t.Size() {
		return nil, errors.Errorf("posting list offset %d outside tuple of %d bytes", base, t.Size())
	}
	nt := make(Tuple, base)
	copy(nt, t[:base])
	nt.SetHeapTID(tid)
	nt.setInfo(uint16(base) | t.info()&(infoHasNulls|infoVarWidths))
	return nt, nil
}

// FormPosting merges the heap TIDs of equal plain tuples into one posting list tuple.
// A single TID yields a plain tuple.
func FormPosting(base Tuple, tids []bufpage.TID) (Tuple, error) {
	keySize := base.Size()
	if len(tids) == 1 {
		nt := base.Clone()[:keySize]
		nt.SetHeapTID(tids[0])
		return nt, nil
	}
	if len(tids) == 0 || len(tids) > offsetMask {
		return nil, errors.Errorf("cannot form posting list of %d TIDs", len(tids))
	}
	size := bufpage.MaxAlign(keySize + len(tids)*bufpage.SizeOfTID)
	if size > MaxTupleSize {
		return nil, errors.Wrapf(ErrTupleTooLarge, "posting list of %d bytes", size)
	}
	nt := make(Tuple, size)
	copy(nt, base[:keySize])
	nt.setInfo(uint16(size) | infoAltTID | base.info()&(infoHasNulls|infoVarWidths))
	nt.setRawBlock(uint32(keySize))
	nt.setRawOffset(postingFlag | uint16(len(tids)))
	for i, tid := range tids {
		tid.Encode(nt[keySize+i*bufpage.SizeOfTID:])
	}
	return nt, nil
}

// MakePivot builds a pivot from the first keepNAtts attributes of src, optionally followed by
// an explicit heap TID. The pivot's downlink is InvalidBlock.
func (d *Desc) MakePivot(src Tuple, keepNAtts int, heapTID *bufpage.TID) (Tuple, error) {
	values, err := src.Datums(d, keepNAtts)
	if err != nil {
		return nil, err
	}
	t, err := d.form(values, false)
	if err != nil {
		return nil, err
	}
	offset := uint16(keepNAtts)
	if heapTID != nil {
		size := len(t) + alignedTID
		if size > MaxTupleSize {
			return nil, errors.Wrapf(ErrTupleTooLarge, "pivot of %d bytes", size)
		}
		nt := make(Tuple, size)
		copy(nt, t)
		heapTID.Encode(nt[size-bufpage.SizeOfTID:])
		nt.setInfo(uint16(size) | t.info()&^infoSizeMask)
		t = nt
		offset |= pivotHeapTIDAttr
	}
	t.setInfo(t.info() | infoAltTID)
	t.setRawOffset(offset)
	t.setRawBlock(InvalidBlock)
	return t, nil
}

// NegativeInfinity returns the minus infinity item that starts an internal page.
func NegativeInfinity(downlink uint32) Tuple {
	t := make(Tuple, TupleHeaderSize)
	t.setInfo(TupleHeaderSize | infoAltTID)
	t.setRawBlock(downlink)
	return t
}

// KeepNAtts returns how many leading key attributes a pivot separating lastleft from
// firstright must keep. NKey()+1 means every key attribute is equal and the heap TID is needed.
func (d *Desc) KeepNAtts(lastleft, firstright Tuple) (int, error) {
	nkey := d.NKey()
	left, err := lastleft.Datums(d, nkey)
	if err != nil {
		return 0, err
	}
	right, err := firstright.Datums(d, nkey)
	if err != nil {
		return 0, err
	}
	for i := 0; i < nkey; i++ {
		c, err := d.CompareColumn(i, left[i], right[i])
		if err != nil {
			return 0, err
		}
		if c != 0 {
			return i + 1, nil
		}
	}
	return nkey + 1, nil
}

// Truncate builds the high key separating lastleft from firstright with as few attributes
// as still distinguish them. Indexes without heap TIDs in pivots only drop INCLUDE columns.
func (d *Desc) Truncate(lastleft, firstright Tuple, heapkeyspace bool) (Tuple, error) {
	nkey := d.NKey()
	if !heapkeyspace {
		return d.MakePivot(firstright, nkey, nil)
	}
	keep, err := d.KeepNAtts(lastleft, firstright)
	if err != nil {
		return nil, err
	}
	if keep <= nkey {
		return d.MakePivot(firstright, keep, nil)
	}
	tid, ok := lastleft.MaxHeapTID()
	if !ok {
		return nil, errors.New("last tuple on the left has no heap TID")
	}
	return d.MakePivot(firstright, nkey, &tid)
}
