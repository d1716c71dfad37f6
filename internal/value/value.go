// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The ProbeChain is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the ProbeChain. If not, see <http://www.gnu.org/licenses/>.

// Package value defines the runtime value representation shared by the
// bytecode compiler, interpreter, and native JIT emitter.
package value

import (
	"encoding/binary"
	"fmt"
	"math"

	"golang.org/x/crypto/sha3"
)

// Kind is the tag discriminating a Value's active variant. It is stored as
// an explicit byte (rather than dispatched through interface{}) so the
// native emitter can read it directly off a Value's memory layout.
type Kind uint8

const (
	KindNull Kind = iota
	KindInt
	KindFloat
	KindBool
	KindString
	KindArray
	KindMap
)

// String returns the type tag name, as exposed to programs via type_of.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

// Value is a tagged sum type holding one of Int, Float, Bool, String,
// Array, Map, or Null. Strings are immutable; Array and Map are owned,
// in-place-mutable reference types released when no longer reachable.
type Value struct {
	Kind Kind
	i    int64       // KindInt, KindBool (0/1)
	f    float64     // KindFloat
	s    string      // KindString
	arr  *[]Value    // KindArray
	m    *OrderedMap // KindMap
}

// OrderedMap is an insertion-ordered string-keyed mapping, matching the
// "ordered mapping from string to Value" required by spec.
type OrderedMap struct {
	keys   []string
	values map[string]Value
}

// NewOrderedMap returns an empty ordered map.
func NewOrderedMap() *OrderedMap {
	return &OrderedMap{values: make(map[string]Value)}
}

// Get returns the value for key and whether it was present.
func (m *OrderedMap) Get(key string) (Value, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Set inserts or updates key. New keys are appended to preserve insertion
// order on iteration.
func (m *OrderedMap) Set(key string, v Value) {
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = v
}

// Delete removes key, if present.
func (m *OrderedMap) Delete(key string) {
	if _, ok := m.values[key]; !ok {
		return
	}
	delete(m.values, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

// Len returns the number of entries.
func (m *OrderedMap) Len() int { return len(m.keys) }

// Keys returns the keys in insertion order. The caller must not mutate it.
func (m *OrderedMap) Keys() []string { return m.keys }

// Clone returns a copy with its own key order and entry table; nested
// Array and Map values are not copied and share storage with m's.
func (m *OrderedMap) Clone() *OrderedMap {
	out := &OrderedMap{
		keys:   append([]string(nil), m.keys...),
		values: make(map[string]Value, len(m.values)),
	}
	for k, v := range m.values {
		out.values[k] = v
	}
	return out
}

// ---- Constructors ----------------------------------------------------------

// Null is the singleton Null value.
var Null = Value{Kind: KindNull}

// Int constructs an Int value.
func Int(v int64) Value { return Value{Kind: KindInt, i: v} }

// Float constructs a Float value.
func Float(v float64) Value { return Value{Kind: KindFloat, f: v} }

// Bool constructs a Bool value.
func Bool(v bool) Value {
	if v {
		return Value{Kind: KindBool, i: 1}
	}
	return Value{Kind: KindBool, i: 0}
}

// String constructs a String value. Strings are immutable; concatenation
// always allocates a fresh String.
func String(v string) Value { return Value{Kind: KindString, s: v} }

// Array constructs an Array value from an owned slice.
func Array(v []Value) Value { return Value{Kind: KindArray, arr: &v} }

// Map constructs a Map value from an owned OrderedMap.
func Map(v *OrderedMap) Value {
	if v == nil {
		v = NewOrderedMap()
	}
	return Value{Kind: KindMap, m: v}
}

// ---- Destructors ------------------------------------------------------------

// AsInt returns the Int payload and whether Kind == KindInt.
func (v Value) AsInt() (int64, bool) {
	if v.Kind != KindInt {
		return 0, false
	}
	return v.i, true
}

// AsFloat returns the Float payload and whether Kind == KindFloat.
func (v Value) AsFloat() (float64, bool) {
	if v.Kind != KindFloat {
		return 0, false
	}
	return v.f, true
}

// AsBool returns the Bool payload and whether Kind == KindBool.
func (v Value) AsBool() (bool, bool) {
	if v.Kind != KindBool {
		return false, false
	}
	return v.i != 0, true
}

// AsString returns the String payload and whether Kind == KindString.
func (v Value) AsString() (string, bool) {
	if v.Kind != KindString {
		return "", false
	}
	return v.s, true
}

// AsArray returns the underlying Array slice and whether Kind == KindArray.
// The returned slice aliases the Value's storage; mutate it through
// SetArray/the index opcodes, not directly, to preserve ownership semantics.
func (v Value) AsArray() ([]Value, bool) {
	if v.Kind != KindArray {
		return nil, false
	}
	return *v.arr, true
}

// SetArrayElem mutates index i of an Array value in place.
func (v Value) SetArrayElem(i int, elem Value) error {
	if v.Kind != KindArray {
		return fmt.Errorf("value: SetArrayElem on non-array Kind %s", v.Kind)
	}
	a := *v.arr
	if i < 0 || i >= len(a) {
		return fmt.Errorf("value: array index %d out of bounds (len %d)", i, len(a))
	}
	a[i] = elem
	return nil
}

// AsMap returns the underlying OrderedMap and whether Kind == KindMap.
func (v Value) AsMap() (*OrderedMap, bool) {
	if v.Kind != KindMap {
		return nil, false
	}
	return v.m, true
}

// TypeOf returns the type tag string exposed to bytecode as type_of(v).
func TypeOf(v Value) string { return v.Kind.String() }

// ---- Equality & ordering ----------------------------------------------------

// Equal implements structural equality for scalars and (by default)
// structural equality for collections. Floats follow IEEE rules: NaN is
// never equal to anything, including itself.
func Equal(a, b Value) bool {
	if a.Kind == KindInt && b.Kind == KindFloat {
		return float64(a.i) == b.f
	}
	if a.Kind == KindFloat && b.Kind == KindInt {
		return a.f == float64(b.i)
	}
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindNull:
		return true
	case KindInt:
		return a.i == b.i
	case KindFloat:
		return a.f == b.f // NaN != NaN falls out naturally
	case KindBool:
		return a.i == b.i
	case KindString:
		return a.s == b.s
	case KindArray:
		aa, bb := *a.arr, *b.arr
		if len(aa) != len(bb) {
			return false
		}
		for i := range aa {
			if !Equal(aa[i], bb[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if a.m.Len() != b.m.Len() {
			return false
		}
		for _, k := range a.m.Keys() {
			av, _ := a.m.Get(k)
			bv, ok := b.m.Get(k)
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Less implements the ordering used by Clt/Cgt for numeric and string
// operands. NaN-involving comparisons always report false, matching the
// IEEE rule applied to Equal.
func Less(a, b Value) (bool, error) {
	if isNumeric(a) && isNumeric(b) {
		af, bf := numericFloat(a), numericFloat(b)
		if math.IsNaN(af) || math.IsNaN(bf) {
			return false, nil
		}
		return af < bf, nil
	}
	if a.Kind == KindString && b.Kind == KindString {
		return a.s < b.s, nil
	}
	return false, fmt.Errorf("value: cannot order %s and %s", a.Kind, b.Kind)
}

func isNumeric(v Value) bool { return v.Kind == KindInt || v.Kind == KindFloat }

func numericFloat(v Value) float64 {
	if v.Kind == KindInt {
		return float64(v.i)
	}
	return v.f
}

// Hash returns a 64-bit digest of v (the first 8 bytes of its SHA3-256).
// Collections hash their structure; it is consistent with Equal (equal
// values always hash equal, including an Int and a Float of the same
// number).
func (v Value) Hash() uint64 {
	h := sha3.New256()
	v.writeHash(h)
	sum := h.Sum(nil)
	return binary.LittleEndian.Uint64(sum[:8])
}

func (v Value) writeHash(h interface{ Write([]byte) (int, error) }) {
	var buf [9]byte
	buf[0] = byte(v.Kind)
	switch v.Kind {
	case KindInt, KindFloat:
		// Equal compares Int and Float numerically, so both hash the same
		// float64 form, with -0.0 folded into 0.0.
		f := numericFloat(v)
		if f == 0 {
			f = 0
		}
		buf[0] = byte(KindFloat)
		binary.LittleEndian.PutUint64(buf[1:], math.Float64bits(f))
		h.Write(buf[:])
	case KindBool:
		binary.LittleEndian.PutUint64(buf[1:], uint64(v.i))
		h.Write(buf[:])
	case KindString:
		h.Write(buf[:1])
		h.Write([]byte(v.s))
	case KindArray:
		h.Write(buf[:1])
		for _, e := range *v.arr {
			e.writeHash(h)
		}
	case KindMap:
		h.Write(buf[:1])
		for _, k := range v.m.Keys() {
			h.Write([]byte(k))
			ev, _ := v.m.Get(k)
			ev.writeHash(h)
		}
	default:
		h.Write(buf[:1])
	}
}

// String renders a debug representation, used by disassembly and the
// debug stepper's print/locals/stack commands.
func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "null"
	case KindInt:
		return fmt.Sprintf("%d", v.i)
	case KindFloat:
		return fmt.Sprintf("%g", v.f)
	case KindBool:
		return fmt.Sprintf("%t", v.i != 0)
	case KindString:
		return fmt.Sprintf("%q", v.s)
	case KindArray:
		out := "["
		for i, e := range *v.arr {
			if i > 0 {
				out += ", "
			}
			out += e.String()
		}
		return out + "]"
	case KindMap:
		out := "{"
		for i, k := range v.m.Keys() {
			if i > 0 {
				out += ", "
			}
			ev, _ := v.m.Get(k)
			out += fmt.Sprintf("%q: %s", k, ev.String())
		}
		return out + "}"
	default:
		return "<invalid>"
	}
}
