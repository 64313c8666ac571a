// Copyright 2026 Loom Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package value provides the uniform tagged value used to pass dynamic data
// between workflow nodes, expressions and actions.
//
// Values are cheap to clone: collections share their backing storage until a
// caller asks for DeepClone. Numeric comparison uses mathematical value, so
// Int(2) equals Float(2.0) and Decimal(2).
package value

import (
	"math"
	"math/big"
	"time"

	"github.com/loomworks/loom/pkg/errors"
)

// Kind identifies the variant held by a Value.
type Kind string

const (
	KindNull     Kind = "null"
	KindBool     Kind = "bool"
	KindInt      Kind = "int"
	KindFloat    Kind = "float"
	KindDecimal  Kind = "decimal"
	KindText     Kind = "text"
	KindBytes    Kind = "bytes"
	KindArray    Kind = "array"
	KindObject   Kind = "object"
	KindDate     Kind = "date"
	KindTime     Kind = "time"
	KindDateTime Kind = "datetime"
	KindDuration Kind = "duration"
)

// Value is a tagged union over the kinds above. The zero Value is Null.
type Value struct {
	kind Kind

	b   bool
	i   int64
	f   float64
	d   *big.Rat
	s   string
	bs  []byte
	arr []Value
	obj map[string]Value
	t   time.Time
	dur time.Duration
}

// Null returns the null value.
func Null() Value { return Value{kind: KindNull} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Int returns an integer value.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Float returns a floating-point value.
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// Decimal returns an arbitrary-precision decimal value. A nil rat is Null.
func Decimal(r *big.Rat) Value {
	if r == nil {
		return Null()
	}
	return Value{kind: KindDecimal, d: r}
}

// Text returns a text value.
func Text(s string) Value { return Value{kind: KindText, s: s} }

// Bytes returns a byte-string value. The slice is not copied.
func Bytes(b []byte) Value { return Value{kind: KindBytes, bs: b} }

// Array returns an array value. The slice is not copied.
func Array(vs ...Value) Value { return Value{kind: KindArray, arr: vs} }

// Object returns an object value. The map is not copied; a nil map yields an
// empty object.
func Object(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{kind: KindObject, obj: m}
}

// Date returns a date value (time component truncated).
func Date(t time.Time) Value {
	y, m, d := t.Date()
	return Value{kind: KindDate, t: time.Date(y, m, d, 0, 0, 0, 0, t.Location())}
}

// TimeOfDay returns a time-of-day value.
func TimeOfDay(t time.Time) Value { return Value{kind: KindTime, t: t} }

// DateTime returns a datetime value.
func DateTime(t time.Time) Value { return Value{kind: KindDateTime, t: t} }

// Duration returns a duration value.
func Duration(d time.Duration) Value { return Value{kind: KindDuration, dur: d} }

// Kind reports the variant held by v. The zero Value reports KindNull.
func (v Value) Kind() Kind {
	if v.kind == "" {
		return KindNull
	}
	return v.kind
}

// IsNull reports whether v is the null value.
func (v Value) IsNull() bool { return v.Kind() == KindNull }

// AsBool returns the boolean, failing closed on other kinds.
func (v Value) AsBool() (bool, error) {
	if v.Kind() != KindBool {
		return false, errors.NewWrongType("value", string(KindBool), string(v.Kind()))
	}
	return v.b, nil
}

// AsInt returns an int64. Floats and decimals convert only when the
// conversion is lossless.
func (v Value) AsInt() (int64, error) {
	switch v.Kind() {
	case KindInt:
		return v.i, nil
	case KindFloat:
		if v.f == math.Trunc(v.f) && !math.IsInf(v.f, 0) &&
			v.f >= math.MinInt64 && v.f <= math.MaxInt64 {
			return int64(v.f), nil
		}
		return 0, errors.Newf(errors.ClassClient, errors.CodeWrongType,
			"float %v is not an integer", v.f)
	case KindDecimal:
		if v.d.IsInt() {
			if n := v.d.Num(); n.IsInt64() {
				return n.Int64(), nil
			}
		}
		return 0, errors.Newf(errors.ClassClient, errors.CodeWrongType,
			"decimal %s is not an int64", v.d.RatString())
	default:
		return 0, errors.NewWrongType("value", string(KindInt), string(v.Kind()))
	}
}

// AsFloat returns a float64. Integers and decimals coerce; precision may be
// lost only in this direction, never silently back.
func (v Value) AsFloat() (float64, error) {
	switch v.Kind() {
	case KindFloat:
		return v.f, nil
	case KindInt:
		return float64(v.i), nil
	case KindDecimal:
		f, _ := v.d.Float64()
		return f, nil
	default:
		return 0, errors.NewWrongType("value", string(KindFloat), string(v.Kind()))
	}
}

// AsDecimal returns the value as a big.Rat. Int coerces exactly; Float
// coerces through its exact binary representation.
func (v Value) AsDecimal() (*big.Rat, error) {
	switch v.Kind() {
	case KindDecimal:
		return v.d, nil
	case KindInt:
		return new(big.Rat).SetInt64(v.i), nil
	case KindFloat:
		r := new(big.Rat)
		if _, ok := r.SetString(formatFloat(v.f)); !ok {
			return nil, errors.Newf(errors.ClassClient, errors.CodeWrongType,
				"float %v has no decimal representation", v.f)
		}
		return r, nil
	default:
		return nil, errors.NewWrongType("value", string(KindDecimal), string(v.Kind()))
	}
}

// AsText returns the text, failing closed on other kinds.
func (v Value) AsText() (string, error) {
	if v.Kind() != KindText {
		return "", errors.NewWrongType("value", string(KindText), string(v.Kind()))
	}
	return v.s, nil
}

// AsBytes returns the byte string, failing closed on other kinds.
func (v Value) AsBytes() ([]byte, error) {
	if v.Kind() != KindBytes {
		return nil, errors.NewWrongType("value", string(KindBytes), string(v.Kind()))
	}
	return v.bs, nil
}

// AsArray returns the element slice, failing closed on other kinds.
func (v Value) AsArray() ([]Value, error) {
	if v.Kind() != KindArray {
		return nil, errors.NewWrongType("value", string(KindArray), string(v.Kind()))
	}
	return v.arr, nil
}

// AsObject returns the mapping, failing closed on other kinds.
func (v Value) AsObject() (map[string]Value, error) {
	if v.Kind() != KindObject {
		return nil, errors.NewWrongType("value", string(KindObject), string(v.Kind()))
	}
	return v.obj, nil
}

// AsTime returns the time component of date, time and datetime values.
func (v Value) AsTime() (time.Time, error) {
	switch v.Kind() {
	case KindDate, KindTime, KindDateTime:
		return v.t, nil
	default:
		return time.Time{}, errors.NewWrongType("value", string(KindDateTime), string(v.Kind()))
	}
}

// AsDuration returns the duration, failing closed on other kinds.
func (v Value) AsDuration() (time.Duration, error) {
	if v.Kind() != KindDuration {
		return 0, errors.NewWrongType("value", string(KindDuration), string(v.Kind()))
	}
	return v.dur, nil
}

// Get returns the value at key for objects. The second result reports
// presence.
func (v Value) Get(key string) (Value, bool) {
	if v.Kind() != KindObject {
		return Null(), false
	}
	e, ok := v.obj[key]
	return e, ok
}

// Index returns the element at i for arrays.
func (v Value) Index(i int) (Value, error) {
	if v.Kind() != KindArray {
		return Null(), errors.NewWrongType("value", string(KindArray), string(v.Kind()))
	}
	if i < 0 || i >= len(v.arr) {
		return Null(), errors.Newf(errors.ClassClient, errors.CodeValidation,
			"index %d out of bounds (len %d)", i, len(v.arr))
	}
	return v.arr[i], nil
}

// Len returns the element count for arrays and objects, the byte length for
// bytes and the rune-independent byte length for text; zero otherwise.
func (v Value) Len() int {
	switch v.Kind() {
	case KindArray:
		return len(v.arr)
	case KindObject:
		return len(v.obj)
	case KindBytes:
		return len(v.bs)
	case KindText:
		return len(v.s)
	default:
		return 0
	}
}

// Clone returns a copy of v. Collections share their backing storage; use
// DeepClone when independent mutation is needed.
func (v Value) Clone() Value { return v }

// DeepClone returns a copy of v with all nested collections copied.
func (v Value) DeepClone() Value {
	switch v.Kind() {
	case KindArray:
		arr := make([]Value, len(v.arr))
		for i, e := range v.arr {
			arr[i] = e.DeepClone()
		}
		return Array(arr...)
	case KindObject:
		obj := make(map[string]Value, len(v.obj))
		for k, e := range v.obj {
			obj[k] = e.DeepClone()
		}
		return Object(obj)
	case KindBytes:
		bs := make([]byte, len(v.bs))
		copy(bs, v.bs)
		return Bytes(bs)
	case KindDecimal:
		return Decimal(new(big.Rat).Set(v.d))
	default:
		return v
	}
}

// Equal reports deep equality. Numeric kinds compare by mathematical value:
// Int(2), Float(2.0) and Decimal(2) are all equal. NaN never equals anything.
func (v Value) Equal(o Value) bool {
	if v.isNumeric() && o.isNumeric() {
		return numericEqual(v, o)
	}
	if v.Kind() != o.Kind() {
		return false
	}
	switch v.Kind() {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindText:
		return v.s == o.s
	case KindBytes:
		if len(v.bs) != len(o.bs) {
			return false
		}
		for i := range v.bs {
			if v.bs[i] != o.bs[i] {
				return false
			}
		}
		return true
	case KindArray:
		if len(v.arr) != len(o.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(v.obj) != len(o.obj) {
			return false
		}
		for k, e := range v.obj {
			oe, ok := o.obj[k]
			if !ok || !e.Equal(oe) {
				return false
			}
		}
		return true
	case KindDate, KindTime, KindDateTime:
		return v.t.Equal(o.t)
	case KindDuration:
		return v.dur == o.dur
	default:
		return false
	}
}

func (v Value) isNumeric() bool {
	switch v.Kind() {
	case KindInt, KindFloat, KindDecimal:
		return true
	}
	return false
}

// numericEqual compares two numeric values mathematically. Integers are
// widened to decimal before any float comparison so that no precision is
// lost on the integer side.
func numericEqual(a, b Value) bool {
	if a.Kind() == KindFloat && math.IsNaN(a.f) {
		return false
	}
	if b.Kind() == KindFloat && math.IsNaN(b.f) {
		return false
	}
	ra, err := a.AsDecimal()
	if err != nil {
		return false
	}
	rb, err := b.AsDecimal()
	if err != nil {
		return false
	}
	return ra.Cmp(rb) == 0
}

// ByteSize estimates the in-memory payload size of v. The engine uses this
// for output budget accounting; it intentionally over-counts structure
// overhead rather than under-counting data.
func (v Value) ByteSize() int {
	switch v.Kind() {
	case KindNull:
		return 4
	case KindBool:
		return 5
	case KindInt, KindFloat, KindDuration:
		return 8
	case KindDecimal:
		return len(v.d.RatString())
	case KindText:
		return len(v.s)
	case KindBytes:
		return len(v.bs)
	case KindDate, KindTime, KindDateTime:
		return 24
	case KindArray:
		n := 2
		for _, e := range v.arr {
			n += e.ByteSize() + 1
		}
		return n
	case KindObject:
		n := 2
		for k, e := range v.obj {
			n += len(k) + e.ByteSize() + 3
		}
		return n
	default:
		return 0
	}
}
