/*
Copyright 2024 Ordinals Plus

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metadata models the self-describing metadata embedded in an
// inscription as an explicit tagged-value tree. Callers inspect the tree
// through typed accessors instead of reflecting over interface{} values.
//
// On-chain metadata is CBOR; API providers hand the same structure back as
// JSON. Both decode into the same Value representation.
package metadata

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/fxamacker/cbor/v2"
	"github.com/gravitational/trace"
)

// Kind enumerates the value shapes a metadata tree may contain.
type Kind int

const (
	// KindNull is the absent value.
	KindNull Kind = iota
	// KindMap is a string-keyed mapping.
	KindMap
	// KindList is an ordered sequence.
	KindList
	// KindString is a UTF-8 string.
	KindString
	// KindInt is a signed integer.
	KindInt
	// KindBytes is an opaque byte string.
	KindBytes
	// KindBool is a boolean.
	KindBool
)

// String returns a human-readable kind name, used in logs and errors.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindMap:
		return "map"
	case KindList:
		return "list"
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindBytes:
		return "bytes"
	case KindBool:
		return "bool"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Value is one node of a metadata tree. The zero value is null.
type Value struct {
	kind    Kind
	mapping map[string]Value
	list    []Value
	str     string
	num     int64
	bytes   []byte
	boolean bool
}

// Null returns the absent value.
func Null() Value { return Value{} }

// NewString wraps s.
func NewString(s string) Value { return Value{kind: KindString, str: s} }

// NewInt wraps n.
func NewInt(n int64) Value { return Value{kind: KindInt, num: n} }

// NewBytes wraps b.
func NewBytes(b []byte) Value { return Value{kind: KindBytes, bytes: b} }

// NewBool wraps b.
func NewBool(b bool) Value { return Value{kind: KindBool, boolean: b} }

// NewList wraps elems.
func NewList(elems ...Value) Value { return Value{kind: KindList, list: elems} }

// NewMap wraps m.
func NewMap(m map[string]Value) Value { return Value{kind: KindMap, mapping: m} }

// Kind reports the shape of this node.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is absent.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsMap returns the mapping when the node is a map.
func (v Value) AsMap() (map[string]Value, bool) {
	if v.kind != KindMap {
		return nil, false
	}
	return v.mapping, true
}

// AsList returns the elements when the node is a list.
func (v Value) AsList() ([]Value, bool) {
	if v.kind != KindList {
		return nil, false
	}
	return v.list, true
}

// AsString returns the string when the node is a string.
func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.str, true
}

// AsInt returns the integer when the node is an int.
func (v Value) AsInt() (int64, bool) {
	if v.kind != KindInt {
		return 0, false
	}
	return v.num, true
}

// AsBytes returns the bytes when the node is a byte string.
func (v Value) AsBytes() ([]byte, bool) {
	if v.kind != KindBytes {
		return nil, false
	}
	return v.bytes, true
}

// AsBool returns the boolean when the node is a bool.
func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.boolean, true
}

// Field looks up key on a map node. Missing keys and non-map nodes both
// report false.
func (v Value) Field(key string) (Value, bool) {
	m, ok := v.AsMap()
	if !ok {
		return Null(), false
	}
	fv, ok := m[key]
	return fv, ok
}

// IsEmpty reports whether the node carries no content: null, an empty
// string, or a mapping/list/byte string with no elements. Scalar ints and
// bools are never empty.
func (v Value) IsEmpty() bool {
	switch v.kind {
	case KindNull:
		return true
	case KindMap:
		return len(v.mapping) == 0
	case KindList:
		return len(v.list) == 0
	case KindString:
		return v.str == ""
	case KindBytes:
		return len(v.bytes) == 0
	}
	return false
}

// FromCBOR decodes a CBOR-encoded metadata blob into a Value tree. A nil or
// empty blob decodes to null. Shapes CBOR can express but the tree cannot
// (tags, floats, non-string map keys) are normalised best-effort rather
// than rejected, since inscription metadata is arbitrary user input.
func FromCBOR(blob []byte) (Value, error) {
	if len(blob) == 0 {
		return Null(), nil
	}
	var raw any
	if err := cbor.Unmarshal(blob, &raw); err != nil {
		return Null(), trace.Wrap(err, "decoding CBOR metadata")
	}
	return normalize(raw), nil
}

// FromJSON decodes a JSON-encoded metadata document into a Value tree.
func FromJSON(blob []byte) (Value, error) {
	if len(blob) == 0 {
		return Null(), nil
	}
	var raw any
	if err := json.Unmarshal(blob, &raw); err != nil {
		return Null(), trace.Wrap(err, "decoding JSON metadata")
	}
	return normalize(raw), nil
}

func normalize(raw any) Value {
	switch val := raw.(type) {
	case nil:
		return Null()
	case bool:
		return NewBool(val)
	case string:
		return NewString(val)
	case []byte:
		return NewBytes(val)
	case int64:
		return NewInt(val)
	case uint64:
		if val > math.MaxInt64 {
			return NewString(fmt.Sprintf("%d", val))
		}
		return NewInt(int64(val))
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < math.MaxInt64 {
			return NewInt(int64(val))
		}
		return NewString(fmt.Sprintf("%g", val))
	case []any:
		elems := make([]Value, 0, len(val))
		for _, e := range val {
			elems = append(elems, normalize(e))
		}
		return NewList(elems...)
	case map[string]any:
		m := make(map[string]Value, len(val))
		for k, e := range val {
			m[k] = normalize(e)
		}
		return NewMap(m)
	case map[any]any:
		m := make(map[string]Value, len(val))
		for k, e := range val {
			// Non-string CBOR map keys are rendered as strings so the
			// entry survives instead of being dropped.
			m[fmt.Sprintf("%v", k)] = normalize(e)
		}
		return NewMap(m)
	case cbor.Tag:
		return normalize(val.Content)
	default:
		return NewString(fmt.Sprintf("%v", val))
	}
}

// MarshalJSON renders the tree as JSON. Byte strings encode as base64,
// matching encoding/json's treatment of []byte. Map keys are emitted in
// sorted order so the output is deterministic.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.boolean)
	case KindString:
		return json.Marshal(v.str)
	case KindInt:
		return json.Marshal(v.num)
	case KindBytes:
		return json.Marshal(base64.StdEncoding.EncodeToString(v.bytes))
	case KindList:
		out := []byte{'['}
		for i, e := range v.list {
			if i > 0 {
				out = append(out, ',')
			}
			enc, err := e.MarshalJSON()
			if err != nil {
				return nil, trace.Wrap(err)
			}
			out = append(out, enc...)
		}
		return append(out, ']'), nil
	case KindMap:
		keys := make([]string, 0, len(v.mapping))
		for k := range v.mapping {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			ek, err := json.Marshal(k)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			ev, err := v.mapping[k].MarshalJSON()
			if err != nil {
				return nil, trace.Wrap(err)
			}
			out = append(out, ek...)
			out = append(out, ':')
			out = append(out, ev...)
		}
		return append(out, '}'), nil
	}
	return nil, trace.BadParameter("cannot marshal metadata kind %v", v.kind)
}
