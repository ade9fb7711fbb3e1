// Package datum holds attribute values and the on-page encodings of the supported column types.
package datum

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Type is a column type.
type Type uint8

const (
	Int4 Type = iota + 1
	Int8
	Text
)

// ParseType converts a type name as written in the catalog.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(s) {
	case "int4", "int", "integer":
		return Int4, nil
	case "int8", "bigint":
		return Int8, nil
	case "text", "varchar":
		return Text, nil
	}
	return 0, errors.Errorf("unknown column type %q", s)
}

func (t Type) String() string {
	switch t {
	case Int4:
		return "int4"
	case Int8:
		return "int8"
	case Text:
		return "text"
	}
	return fmt.Sprintf("type(%d)", t)
}

// Valid reports whether t is a known type.
func (t Type) Valid() bool {
	return t >= Int4 && t <= Text
}

// Len returns the fixed width of the type, or -1 for variable-length types.
func (t Type) Len() int {
	switch t {
	case Int4:
		return 4
	case Int8:
		return 8
	}
	return -1
}

// IsVarlena reports whether values of the type carry a varlena header.
func (t Type) IsVarlena() bool {
	return t == Text
}

// Datum is one attribute value. Var holds the full varlena, header included.
type Datum struct {
	IsNull bool
	Int    int64
	Var    []byte
}

// Null returns the SQL null value.
func Null() Datum { return Datum{IsNull: true} }

// Int returns an integer value.
func Int(v int64) Datum { return Datum{Int: v} }

// String returns a text value in the canonical varlena form.
func String(s string) Datum { return Datum{Var: FormVarlena([]byte(s))} }

// LongString returns a text value stored under an uncompressed four byte header.
func LongString(s string) Datum { return Datum{Var: LongVarlena([]byte(s))} }

// CompressedString returns a text value stored compressed regardless of its size.
func CompressedString(s string) Datum { return Datum{Var: CompressedVarlena([]byte(s))} }

// Format renders d as text for messages and the inspector.
func Format(t Type, d Datum) string {
	if d.IsNull {
		return "NULL"
	}
	if !t.IsVarlena() {
		return strconv.FormatInt(d.Int, 10)
	}
	if IsExternal(d.Var) {
		return "<external>"
	}
	payload, err := Payload(d.Var)
	if err != nil {
		return "<" + err.Error() + ">"
	}
	return strconv.Quote(string(payload))
}

// Size returns the number of bytes d occupies when packed into a tuple.
func Size(t Type, d Datum) (int, error) {
	if d.IsNull {
		return 0, nil
	}
	if n := t.Len(); n > 0 {
		return n, nil
	}
	return VarSize(d.Var)
}

// Append packs a non-null d onto buf.
func Append(buf []byte, t Type, d Datum) ([]byte, error) {
	switch t {
	case Int4:
		return binary.LittleEndian.AppendUint32(buf, uint32(int32(d.Int))), nil
	case Int8:
		return binary.LittleEndian.AppendUint64(buf, uint64(d.Int)), nil
	case Text:
		n, err := VarSize(d.Var)
		if err != nil {
			return nil, err
		}
		if n > len(d.Var) {
			return nil, ErrBadVarlena
		}
		return append(buf, d.Var[:n]...), nil
	}
	return nil, errors.Errorf("cannot encode %s", t)
}

// Decode reads one packed value of type t from the front of b and returns it with its size.
// Varlena values alias b.
func Decode(t Type, b []byte) (Datum, int, error) {
	switch t {
	case Int4:
		if len(b) < 4 {
			return Datum{}, 0, errors.New("truncated int4 attribute")
		}
		return Int(int64(int32(binary.LittleEndian.Uint32(b)))), 4, nil
	case Int8:
		if len(b) < 8 {
			return Datum{}, 0, errors.New("truncated int8 attribute")
		}
		return Int(int64(binary.LittleEndian.Uint64(b))), 8, nil
	case Text:
		n, err := VarSize(b)
		if err != nil {
			return Datum{}, 0, err
		}
		if n == 0 || n > len(b) {
			return Datum{}, 0, errors.Wrapf(ErrBadVarlena, "varlena of %d bytes in %d byte attribute area", n, len(b))
		}
		return Datum{Var: b[:n]}, n, nil
	}
	return Datum{}, 0, errors.Errorf("cannot decode %s", t)
}

// Normalize returns d in the form FormVarlena would have produced from its value.
// It reports whether the representation changed. External values are an error.
func Normalize(t Type, d Datum) (Datum, bool, error) {
	if d.IsNull || !t.IsVarlena() {
		return d, false, nil
	}
	if IsExternal(d.Var) {
		return d, false, ErrExternal
	}
	payload, err := Payload(d.Var)
	if err != nil {
		return d, false, err
	}
	formed := FormVarlena(payload)
	if bytes.Equal(formed, d.Var) {
		return d, false, nil
	}
	return Datum{Var: formed}, true, nil
}

// Compare orders two non-null values of type t.
func Compare(t Type, a, b Datum) (int, error) {
	if !t.IsVarlena() {
		switch {
		case a.Int < b.Int:
			return -1, nil
		case a.Int > b.Int:
			return 1, nil
		}
		return 0, nil
	}
	pa, err := Payload(a.Var)
	if err != nil {
		return 0, err
	}
	pb, err := Payload(b.Var)
	if err != nil {
		return 0, err
	}
	return bytes.Compare(pa, pb), nil
}
