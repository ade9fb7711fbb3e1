package nbtree

import (
	"btverify/pkg/datum"

	"github.com/pkg/errors"
)

// OpClass supplies the ordering of one key column.
type OpClass interface {
	// Compare orders two non-null values.
	Compare(a, b datum.Datum) (int, error)
	// EqualImage reports whether equal values always have identical bytes, which is what
	// makes deduplication safe.
	EqualImage() bool
}

// Leakproof is implemented by operator classes that may show values in error messages.
type Leakproof interface {
	Leakproof() bool
}

// builtinOpClass orders values with the type's default comparison (C collation for text).
type builtinOpClass struct {
	typ datum.Type
}

func (o builtinOpClass) Compare(a, b datum.Datum) (int, error) { return datum.Compare(o.typ, a, b) }
func (o builtinOpClass) EqualImage() bool                      { return true }
func (o builtinOpClass) Leakproof() bool                       { return true }

// DefaultOpClass returns the builtin operator class of t.
func DefaultOpClass(t datum.Type) OpClass {
	return builtinOpClass{typ: t}
}

// Expr computes an index column from a heap row.
type Expr func(row []datum.Datum) (datum.Datum, error)

// Column describes one index column.
type Column struct {
	Name       string
	Type       datum.Type
	Descending bool
	NullsFirst bool
	// HeapAttr is the zero-based heap attribute stored in this column, ignored when Expr is set.
	HeapAttr int
	Expr     Expr
	// OpClass orders the column. Nil means the builtin class of Type.
	OpClass OpClass
}

// Desc is the capability record of an index: its columns, their ordering and null placement,
// and the deterministic tuple formation the engine uses when inserting.
type Desc struct {
	Name    string
	Columns []Column // Key columns first, then INCLUDE columns.
	// NKeyAtts is the number of key columns. Zero means every column is a key column.
	NKeyAtts int
	Unique   bool
}

// Validate checks that the descriptor can describe tuples.
func (d *Desc) Validate() error {
	if len(d.Columns) == 0 {
		return errors.Errorf("index %q has no columns", d.Name)
	}
	if len(d.Columns) > MaxAttributes {
		return errors.Errorf("index %q has %d columns, at most %d are supported", d.Name, len(d.Columns), MaxAttributes)
	}
	if d.NKeyAtts < 0 || d.NKeyAtts > len(d.Columns) {
		return errors.Errorf("index %q has %d key columns out of %d", d.Name, d.NKeyAtts, len(d.Columns))
	}
	for i, c := range d.Columns {
		if !c.Type.Valid() {
			return errors.Errorf("column %d of index %q has no type", i+1, d.Name)
		}
	}
	return nil
}

// NAtts returns the total number of columns.
func (d *Desc) NAtts() int { return len(d.Columns) }

// NKey returns the number of key columns.
func (d *Desc) NKey() int {
	if d.NKeyAtts == 0 {
		return len(d.Columns)
	}
	return d.NKeyAtts
}

// OpClass returns the operator class of column i.
func (d *Desc) OpClass(i int) OpClass {
	if oc := d.Columns[i].OpClass; oc != nil {
		return oc
	}
	return DefaultOpClass(d.Columns[i].Type)
}

// AllEqualImage reports whether every key column's operator class is equal-image.
func (d *Desc) AllEqualImage() bool {
	for i := 0; i < d.NKey(); i++ {
		if !d.OpClass(i).EqualImage() {
			return false
		}
	}
	return true
}

// IsLeakproof reports whether key values may appear in diagnostics.
func (d *Desc) IsLeakproof() bool {
	for i := 0; i < d.NKey(); i++ {
		lp, ok := d.OpClass(i).(Leakproof)
		if !ok || !lp.Leakproof() {
			return false
		}
	}
	return true
}

// CompareColumn orders two values of key column i, applying null placement and direction.
// The result is how a sorts relative to b in the index.
func (d *Desc) CompareColumn(i int, a, b datum.Datum) (int, error) {
	col := d.Columns[i]
	switch {
	case a.IsNull && b.IsNull:
		return 0, nil
	case a.IsNull:
		if col.NullsFirst {
			return -1, nil
		}
		return 1, nil
	case b.IsNull:
		if col.NullsFirst {
			return 1, nil
		}
		return -1, nil
	}
	c, err := d.OpClass(i).Compare(a, b)
	if err != nil {
		return 0, err
	}
	if col.Descending {
		c = -c
	}
	return sign(c), nil
}

// Values computes the index column values for a heap row.
func (d *Desc) Values(row []datum.Datum) ([]datum.Datum, error) {
	out := make([]datum.Datum, len(d.Columns))
	for i, c := range d.Columns {
		if c.Expr != nil {
			v, err := c.Expr(row)
			if err != nil {
				return nil, errors.Wrapf(err, "could not evaluate expression of column %q", c.Name)
			}
			out[i] = v
			continue
		}
		if c.HeapAttr < 0 || c.HeapAttr >= len(row) {
			return nil, errors.Errorf("column %q refers to heap attribute %d of a %d attribute row", c.Name, c.HeapAttr+1, len(row))
		}
		out[i] = row[c.HeapAttr]
	}
	return out, nil
}

// Describe renders the key values of t for diagnostics, or "" when the index is not leakproof.
func (d *Desc) Describe(t Tuple) string {
	if !d.IsLeakproof() {
		return ""
	}
	n := min(t.NumKeyAtts(d.NAtts(), d.NKey()), d.NAtts())
	values, err := t.Datums(d, n)
	if err != nil {
		return ""
	}
	s := "("
	for i, v := range values {
		if i > 0 {
			s += ", "
		}
		s += datum.Format(d.Columns[i].Type, v)
	}
	return s + ")"
}

func sign(c int) int {
	switch {
	case c < 0:
		return -1
	case c > 0:
		return 1
	}
	return 0
}
