package nbtree

import (
	"bytes"
	"strings"

	"btverify/pkg/datum"

	"github.com/pkg/errors"
)

// caseInsensitiveOpClass orders text ignoring case. Values that compare equal may differ in
// their bytes, so it is neither equal-image nor safe to show in messages.
type caseInsensitiveOpClass struct{}

func (caseInsensitiveOpClass) Compare(a, b datum.Datum) (int, error) {
	pa, err := datum.Payload(a.Var)
	if err != nil {
		return 0, err
	}
	pb, err := datum.Payload(b.Var)
	if err != nil {
		return 0, err
	}
	return bytes.Compare(bytes.ToLower(pa), bytes.ToLower(pb)), nil
}

func (caseInsensitiveOpClass) EqualImage() bool { return false }
func (caseInsensitiveOpClass) Leakproof() bool  { return false }

// LookupOpClass resolves an operator class name for a column of type t. The empty name
// selects the builtin class.
func LookupOpClass(name string, t datum.Type) (OpClass, error) {
	switch strings.ToLower(name) {
	case "", "default":
		return DefaultOpClass(t), nil
	case "text_ci_ops":
		if t != datum.Text {
			return nil, errors.Errorf("operator class %q does not accept type %s", name, t)
		}
		return caseInsensitiveOpClass{}, nil
	}
	return nil, errors.Errorf("unknown operator class %q", name)
}

// LookupExpr resolves the expression an index column computes from heap attribute attr.
func LookupExpr(name string, attr int) (Expr, error) {
	var fn func(datum.Datum) (datum.Datum, error)
	switch strings.ToLower(name) {
	case "lower":
		fn = textFunc(bytes.ToLower)
	case "upper":
		fn = textFunc(bytes.ToUpper)
	case "negate":
		fn = func(d datum.Datum) (datum.Datum, error) { return datum.Int(-d.Int), nil }
	default:
		return nil, errors.Errorf("unknown index expression %q", name)
	}
	return func(row []datum.Datum) (datum.Datum, error) {
		if attr < 0 || attr >= len(row) {
			return datum.Datum{}, errors.Errorf("expression refers to missing attribute %d", attr+1)
		}
		if row[attr].IsNull {
			return datum.Null(), nil
		}
		return fn(row[attr])
	}, nil
}

func textFunc(f func([]byte) []byte) func(datum.Datum) (datum.Datum, error) {
	return func(d datum.Datum) (datum.Datum, error) {
		if datum.IsExternal(d.Var) {
			return datum.Datum{}, datum.ErrExternal
		}
		payload, err := datum.Payload(d.Var)
		if err != nil {
			return datum.Datum{}, err
		}
		return datum.Datum{Var: datum.FormVarlena(f(payload))}, nil
	}
}
