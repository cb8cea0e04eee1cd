// Copyright (c) 2026 Relsync. All rights reserved.

/*
Package value defines the scalar type carried by every column in a Row and
the total order used to compare two values for sorting and index placement.

Core Responsibility:

  - Kind: Classifies a Value as null, boolean, number, string, binary, or
    arbitrary-precision integer.
  - Ordering: Provides a fixed total order across kinds so that comparators
    built from an Ordering never fail to decide a tie.
  - Sentinels: MinValue and MaxValue, used only for computing index scan
    bounds — never stored in a Row.

Values are immutable; a new Value is constructed rather than mutated.
*/
package value

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

// # Kind

// Kind classifies the dynamic type carried by a [Value].
type Kind int

const (
	// KindNull represents SQL NULL / JSON null. Sorts lowest of any kind.
	KindNull Kind = iota

	// KindBool carries a boolean.
	KindBool

	// KindNumber carries a float64-representable number.
	KindNumber

	// KindBigInt carries an arbitrary-precision integer, for columns whose
	// upstream type exceeds float64's safe integer range.
	KindBigInt

	// KindString carries a UTF-8 string, compared after NFC normalization.
	KindString

	// KindBinary carries an opaque byte blob, compared lexicographically.
	KindBinary

	// kindMin and kindMax back the MinValue/MaxValue sentinels used only for
	// scan-bound computation; they never appear in committed Row data.
	kindMin
	kindMax
)

// # Value

// Value is a JSON-compatible scalar: the unit every Row column holds.
//
// A Value is comparable by value (==) only when neither side carries a
// *big.Int payload; use [Compare] for the general case.
type Value struct {
	kind   Kind
	b      bool
	n      float64
	s      string
	bin    []byte
	bigint *big.Int
}

// Null is the zero Value — SQL NULL / JSON null.
var Null = Value{kind: KindNull}

// MinValue sorts below every other Value, including Null. It exists solely
// to express an unbounded scan-start in either direction and must never be
// stored in a Row.
var MinValue = Value{kind: kindMin}

// MaxValue sorts above every other Value. Same restriction as [MinValue].
var MaxValue = Value{kind: kindMax}

// Bool constructs a boolean Value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number constructs a numeric Value from a float64.
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }

// BigInt constructs an arbitrary-precision integer Value.
func BigInt(i *big.Int) Value { return Value{kind: KindBigInt, bigint: new(big.Int).Set(i)} }

// String constructs a string Value. `undefined`-like empty inputs are left
// as empty strings; callers should map JS `undefined` to [Null] before
// calling this, per the data model's "undefined normalizes to null" rule.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Binary constructs an opaque byte-blob Value. The slice is copied.
func Binary(b []byte) Value {
	cp := make([]byte, len(b))
	copy(cp, b)
	return Value{kind: KindBinary, bin: cp}
}

// Kind reports the dynamic type of v.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is [Null].
func (v Value) IsNull() bool { return v.kind == KindNull }

// Bool returns the boolean payload. Only meaningful when Kind() == KindBool.
func (v Value) Bool() bool { return v.b }

// Number returns the numeric payload. Only meaningful when Kind() == KindNumber.
func (v Value) Number() float64 { return v.n }

// BigInt returns the arbitrary-precision payload. Only meaningful when
// Kind() == KindBigInt.
func (v Value) BigInt() *big.Int { return v.bigint }

// String returns the string payload. Only meaningful when Kind() == KindString.
func (v Value) String() string { return v.s }

// Binary returns the byte-blob payload. Only meaningful when Kind() == KindBinary.
func (v Value) Binary() []byte { return v.bin }

// # Total order

// rank orders Kinds for cross-type comparison: null first, sentinels at the
// extremes, everything else in a fixed, arbitrary but stable order.
func rank(k Kind) int {
	switch k {
	case kindMin:
		return -1
	case KindNull:
		return 0
	case KindBool:
		return 1
	case KindNumber:
		return 2
	case KindBigInt:
		return 3
	case KindString:
		return 4
	case KindBinary:
		return 5
	case kindMax:
		return 6
	}
	return 6
}

// Compare returns -1, 0, or 1 as a is less than, equal to, or greater than b
// under the fixed total order. Distinct kinds never compare equal; null
// sorts below every non-null value. Strings are compared after Unicode NFC
// normalization so visually identical strings in different normalization
// forms compare equal.
func Compare(a, b Value) int {
	if a.kind != b.kind {
		ra, rb := rank(a.kind), rank(b.kind)
		switch {
		case ra < rb:
			return -1
		case ra > rb:
			return 1
		default:
			return 0
		}
	}

	switch a.kind {
	case kindMin, kindMax, KindNull:
		return 0
	case KindBool:
		if a.b == b.b {
			return 0
		}
		if !a.b {
			return -1
		}
		return 1
	case KindNumber:
		switch {
		case a.n < b.n:
			return -1
		case a.n > b.n:
			return 1
		default:
			return 0
		}
	case KindBigInt:
		return a.bigint.Cmp(b.bigint)
	case KindString:
		return bytes.Compare(norm.NFC.Bytes([]byte(a.s)), norm.NFC.Bytes([]byte(b.s)))
	case KindBinary:
		return bytes.Compare(a.bin, b.bin)
	}
	return 0
}

// Equal reports whether a and b compare equal under [Compare].
func Equal(a, b Value) bool { return Compare(a, b) == 0 }

// Key renders v as a string that distinguishes it from every other
// possible Value, for use as a map key (e.g. a cache or partition key
// derived from row contents). It is not a display format and carries no
// stability guarantee across versions.
func (v Value) Key() string {
	switch v.kind {
	case KindNull:
		return "n:"
	case KindBool:
		if v.b {
			return "b:1"
		}
		return "b:0"
	case KindNumber:
		return "f:" + strconv.FormatFloat(v.n, 'g', -1, 64)
	case KindBigInt:
		if v.bigint == nil {
			return "i:"
		}
		return "i:" + v.bigint.String()
	case KindString:
		return "s:" + v.s
	case KindBinary:
		return "x:" + hex.EncodeToString(v.bin)
	default:
		return "?:"
	}
}

// # JSON transport

// binaryEnvelope distinguishes a KindBinary payload from a plain JSON
// string on the wire; every other Kind round-trips through its natural
// JSON representation.
type binaryEnvelope struct {
	Binary string `json:"$bin"`
}

// MarshalJSON renders v as its natural JSON representation: null, bool,
// number, string, or (for an arbitrary-precision integer) a bare numeric
// literal with no float64 rounding. A binary payload has no native JSON
// scalar, so it marshals as {"$bin": "<base64>"}.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindNumber:
		return json.Marshal(v.n)
	case KindBigInt:
		if v.bigint == nil {
			return []byte("null"), nil
		}
		return []byte(v.bigint.String()), nil
	case KindString:
		return json.Marshal(v.s)
	case KindBinary:
		return json.Marshal(binaryEnvelope{Binary: base64.StdEncoding.EncodeToString(v.bin)})
	default:
		return nil, fmt.Errorf("value: cannot marshal sentinel kind %d", v.kind)
	}
}

// UnmarshalJSON parses the inverse of [Value.MarshalJSON]. A JSON number
// that exceeds float64's safe integer range is preserved exactly as a
// [KindBigInt] rather than losing precision; every other number becomes
// [KindNumber].
func (v *Value) UnmarshalJSON(data []byte) error {
	var probe any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&probe); err != nil {
		return fmt.Errorf("value: unmarshal: %w", err)
	}

	switch t := probe.(type) {
	case nil:
		*v = Null
	case bool:
		*v = Bool(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			if f := float64(i); int64(f) == i {
				*v = Number(f)
				return nil
			}
		}
		if bi, ok := new(big.Int).SetString(t.String(), 10); ok {
			*v = BigInt(bi)
			return nil
		}
		f, err := t.Float64()
		if err != nil {
			return fmt.Errorf("value: unmarshal number %q: %w", t.String(), err)
		}
		*v = Number(f)
	case string:
		*v = String(t)
	case map[string]any:
		raw, ok := t["$bin"].(string)
		if !ok {
			return fmt.Errorf("value: unrecognized object payload")
		}
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return fmt.Errorf("value: decode binary payload: %w", err)
		}
		*v = Binary(decoded)
	default:
		return fmt.Errorf("value: unsupported JSON type %T", probe)
	}
	return nil
}
