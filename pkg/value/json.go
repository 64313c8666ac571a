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

package value

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"math"
	"math/big"
	"strconv"
	"time"

	"github.com/loomworks/loom/pkg/errors"
)

// MaxJSONBytes caps JSON parsing to block denial-of-service payloads.
const MaxJSONBytes = 1 << 20 // 1 MiB

// ParseJSON decodes a JSON document into a Value. Documents larger than
// MaxJSONBytes are rejected before any parsing happens.
func ParseJSON(data []byte) (Value, error) {
	if len(data) > MaxJSONBytes {
		return Null(), errors.Newf(errors.ClassClient, errors.CodeValidation,
			"JSON payload of %d bytes exceeds %d byte limit", len(data), MaxJSONBytes)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return Null(), errors.Newf(errors.ClassClient, errors.CodeInvalidFormat,
			"invalid JSON: %v", err)
	}
	return FromAny(raw), nil
}

// MarshalJSON implements json.Marshaler. Temporal kinds render as strings
// (RFC 3339 for datetimes), bytes as base64, decimals as exact decimal
// strings when finite and as rational strings otherwise.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind() {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindInt:
		return json.Marshal(v.i)
	case KindFloat:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return nil, errors.New(errors.ClassServer, errors.CodeSerialization,
				"cannot serialize non-finite float")
		}
		return json.Marshal(v.f)
	case KindDecimal:
		return json.Marshal(decimalString(v.d))
	case KindText:
		return json.Marshal(v.s)
	case KindBytes:
		return json.Marshal(base64.StdEncoding.EncodeToString(v.bs))
	case KindArray:
		if v.arr == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.arr)
	case KindObject:
		m := make(map[string]json.RawMessage, len(v.obj))
		for k, e := range v.obj {
			b, err := e.MarshalJSON()
			if err != nil {
				return nil, err
			}
			m[k] = b
		}
		return json.Marshal(m)
	case KindDate:
		return json.Marshal(v.t.Format("2006-01-02"))
	case KindTime:
		return json.Marshal(v.t.Format("15:04:05"))
	case KindDateTime:
		return json.Marshal(v.t.Format(time.RFC3339Nano))
	case KindDuration:
		return json.Marshal(v.dur.String())
	default:
		return nil, errors.Newf(errors.ClassServer, errors.CodeSerialization,
			"unknown value kind %q", v.Kind())
	}
}

// UnmarshalJSON implements json.Unmarshaler. JSON has fewer kinds than the
// value model, so the result uses the basic kinds: numbers become Int when
// they fit losslessly and Float otherwise.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return errors.Newf(errors.ClassClient, errors.CodeInvalidFormat,
			"invalid JSON: %v", err)
	}
	*v = FromAny(raw)
	return nil
}

// FromAny converts a JSON-compatible Go value into a Value. Unknown types
// fall back to their string representation via fmt semantics in ToText.
func FromAny(raw any) Value {
	switch x := raw.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(x)
	case int:
		return Int(int64(x))
	case int32:
		return Int(int64(x))
	case int64:
		return Int(x)
	case uint64:
		if x <= math.MaxInt64 {
			return Int(int64(x))
		}
		return Float(float64(x))
	case float32:
		return Float(float64(x))
	case float64:
		if x == math.Trunc(x) && !math.IsInf(x, 0) &&
			x >= math.MinInt64 && x <= math.MaxInt64 {
			return Int(int64(x))
		}
		return Float(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return Int(i)
		}
		if f, err := x.Float64(); err == nil {
			return Float(f)
		}
		if r, ok := new(big.Rat).SetString(x.String()); ok {
			return Decimal(r)
		}
		return Text(x.String())
	case string:
		return Text(x)
	case []byte:
		return Bytes(x)
	case time.Time:
		return DateTime(x)
	case time.Duration:
		return Duration(x)
	case []any:
		arr := make([]Value, len(x))
		for i, e := range x {
			arr[i] = FromAny(e)
		}
		return Array(arr...)
	case []Value:
		return Array(x...)
	case map[string]any:
		obj := make(map[string]Value, len(x))
		for k, e := range x {
			obj[k] = FromAny(e)
		}
		return Object(obj)
	case map[string]Value:
		return Object(x)
	case Value:
		return x
	default:
		return Text(toText(raw))
	}
}

// ToAny converts a Value into plain Go types (nil, bool, int64, float64,
// string, []byte, []any, map[string]any, time.Time, time.Duration) for use
// with the expression environment and JSON encoders.
func (v Value) ToAny() any {
	switch v.Kind() {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindDecimal:
		return decimalString(v.d)
	case KindText:
		return v.s
	case KindBytes:
		return v.bs
	case KindArray:
		arr := make([]any, len(v.arr))
		for i, e := range v.arr {
			arr[i] = e.ToAny()
		}
		return arr
	case KindObject:
		obj := make(map[string]any, len(v.obj))
		for k, e := range v.obj {
			obj[k] = e.ToAny()
		}
		return obj
	case KindDate, KindTime, KindDateTime:
		return v.t
	case KindDuration:
		return v.dur
	default:
		return nil
	}
}

// decimalString renders a big.Rat as an exact decimal string when the
// denominator is a power of ten times a power of two/five, and as a
// rational string otherwise.
func decimalString(r *big.Rat) string {
	if r.IsInt() {
		return r.Num().String()
	}
	// FloatString with enough digits is exact iff the denominator divides a
	// power of ten; probe by round-tripping.
	s := r.FloatString(32)
	if probe, ok := new(big.Rat).SetString(s); ok && probe.Cmp(r) == 0 {
		// Trim trailing zeros but keep at least one fractional digit.
		i := len(s)
		for i > 0 && s[i-1] == '0' {
			i--
		}
		if i > 0 && s[i-1] == '.' {
			i--
		}
		return s[:i]
	}
	return r.RatString()
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func toText(raw any) string {
	if s, ok := raw.(interface{ String() string }); ok {
		return s.String()
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return ""
	}
	return string(b)
}
