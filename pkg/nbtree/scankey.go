package nbtree

import (
	"btverify/pkg/bufpage"
	"btverify/pkg/datum"

	"github.com/pkg/errors"
)

// ScanKey is an insertion scankey: the key values of a tuple used to locate its position.
type ScanKey struct {
	HeapKeySpace bool
	AnyNullKeys  bool
	// PivotSearch makes a key without a scantid sort before equal pivots, so that a
	// descent for a high key lands on the page the high key bounds.
	PivotSearch bool
	// ScanTID is the heap TID tiebreaker, only set in heapkeyspace indexes.
	ScanTID *bufpage.TID
	KeySz   int
	Keys    []datum.Datum
}

// MakeScanKey builds an insertion scankey from the key attributes present in t.
func (d *Desc) MakeScanKey(t Tuple, heapkeyspace bool) (*ScanKey, error) {
	keysz := min(d.NKey(), t.NumAtts(d.NAtts()))
	values, err := t.Datums(d, keysz)
	if err != nil {
		return nil, err
	}
	key := &ScanKey{HeapKeySpace: heapkeyspace, KeySz: keysz, Keys: values}
	for _, v := range values {
		if v.IsNull {
			key.AnyNullKeys = true
		}
	}
	if heapkeyspace {
		if tid, ok := t.HeapTID(); ok {
			key.ScanTID = &tid
		}
	}
	return key, nil
}

// MakePivotSearchKey is MakeScanKey for descents that look for the page a pivot bounds.
func (d *Desc) MakePivotSearchKey(t Tuple, heapkeyspace bool) (*ScanKey, error) {
	key, err := d.MakeScanKey(t, heapkeyspace)
	if err != nil {
		return nil, err
	}
	key.PivotSearch = true
	return key, nil
}

// CompareTuple returns how key sorts relative to t: negative when it sorts before, zero
// when equal, positive when after. Truncated attributes of t compare as minus infinity.
func (d *Desc) CompareTuple(key *ScanKey, t Tuple) (int, error) {
	ntupatts := t.NumAtts(d.NAtts())
	ncmp := min(ntupatts, key.KeySz)
	values, err := t.Datums(d, ncmp)
	if err != nil {
		return 0, err
	}
	for i := 0; i < ncmp; i++ {
		c, err := d.CompareColumn(i, key.Keys[i], values[i])
		if err != nil {
			return 0, err
		}
		if c != 0 {
			return c, nil
		}
	}
	if key.KeySz > ntupatts {
		return 1, nil
	}

	heapTID, hasTID := t.HeapTID()
	if key.ScanTID == nil {
		if key.HeapKeySpace && !key.PivotSearch && key.KeySz == ntupatts && !hasTID {
			return 1, nil
		}
		return 0, nil
	}
	if !hasTID {
		return 1, nil
	}
	c := key.ScanTID.Compare(heapTID)
	if c <= 0 || !t.IsPosting() {
		return c, nil
	}
	if maxTID, ok := t.MaxHeapTID(); ok && key.ScanTID.Compare(maxTID) > 0 {
		return 1, nil
	}
	return 0, nil
}

// ComparePage compares key with the item at off. The first data item of an internal page is
// minus infinity and everything sorts after it.
func (d *Desc) ComparePage(key *ScanKey, p bufpage.Page, off bufpage.OffsetNumber) (int, error) {
	if GetOpaque(p).IsNegativeInfinity(off) {
		return 1, nil
	}
	t, ok := PageTuple(p, off)
	if !ok {
		return 0, errors.Errorf("invalid item at offset %d", off)
	}
	return d.CompareTuple(key, t)
}
