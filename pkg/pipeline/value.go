// Copyright 2025 UMH Systems GmbH
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

// Package pipeline implements the parameter-override documents that travel
// with every sub-task. An override is a nested key-value document written by
// users in YAML (settings profiles) or JSON (API submissions) and handed to
// the automation engine when a sub-task is posted.
//
// WHY A TAGGED UNION INSTEAD OF map[string]any:
//
// Override documents get deep-merged (profile defaults under user edits under
// per-submission overrides) and compared for equality. Doing either over
// map[string]any means type switches on every access and reflection-based
// equality. The Value union fixes the shape once at the decode boundary:
//
//  1. Exactly five payload kinds: string, number, bool, map, list
//  2. Merge and Equal walk the union directly, no reflection
//  3. Anything else (YAML timestamps, binary nodes) is rejected on decode
//     with a clear error instead of surfacing deep inside the engine
//
// Numbers are carried as float64 regardless of source representation, same
// as a JSON round-trip would produce. Override semantics do not distinguish
// integer widths.
package pipeline

import "fmt"

// Kind discriminates the payload stored in a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindMap
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindMap:
		return "map"
	case KindList:
		return "list"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is one node of an override document. The zero Value is null.
type Value struct {
	m    Document
	str  string
	l    []Value
	num  float64
	kind Kind
	b    bool
}

// Document is the top level of an override: a map of named values.
// A nil Document means "no override" and merges as a no-op.
type Document map[string]Value

// Null returns the null Value.
func Null() Value {
	return Value{}
}

// String wraps a string payload.
func String(s string) Value {
	return Value{kind: KindString, str: s}
}

// Number wraps a numeric payload.
func Number(f float64) Value {
	return Value{kind: KindNumber, num: f}
}

// Int wraps an integer payload. Stored as float64 like every other number.
func Int(i int) Value {
	return Value{kind: KindNumber, num: float64(i)}
}

// Bool wraps a boolean payload.
func Bool(b bool) Value {
	return Value{kind: KindBool, b: b}
}

// Map wraps a Document payload. The map is referenced, not copied; use
// Clone when the caller keeps mutating its copy.
func Map(d Document) Value {
	return Value{kind: KindMap, m: d}
}

// List wraps a list payload. The slice is referenced, not copied.
func List(vs ...Value) Value {
	return Value{kind: KindList, l: vs}
}

// Kind reports which payload the Value carries.
func (v Value) Kind() Kind {
	return v.kind
}

// IsNull reports whether the Value is null.
func (v Value) IsNull() bool {
	return v.kind == KindNull
}

// AsString returns the string payload. ok is false for any other kind.
func (v Value) AsString() (string, bool) {
	return v.str, v.kind == KindString
}

// AsNumber returns the numeric payload. ok is false for any other kind.
func (v Value) AsNumber() (float64, bool) {
	return v.num, v.kind == KindNumber
}

// AsBool returns the boolean payload. ok is false for any other kind.
func (v Value) AsBool() (bool, bool) {
	return v.b, v.kind == KindBool
}

// AsMap returns the Document payload. ok is false for any other kind.
func (v Value) AsMap() (Document, bool) {
	return v.m, v.kind == KindMap
}

// AsList returns the list payload. ok is false for any other kind.
func (v Value) AsList() ([]Value, bool) {
	return v.l, v.kind == KindList
}

// Get walks nested maps by key. ok is false as soon as a step is missing
// or the current node is not a map.
func (d Document) Get(path ...string) (Value, bool) {
	cur := Map(d)

	for _, key := range path {
		m, isMap := cur.AsMap()
		if !isMap {
			return Value{}, false
		}

		next, exists := m[key]
		if !exists {
			return Value{}, false
		}

		cur = next
	}

	return cur, true
}

// Clone returns a deep copy. Map and list payloads are copied recursively so
// the result shares no references with the receiver.
func (v Value) Clone() Value {
	switch v.kind {
	case KindMap:
		return Value{kind: KindMap, m: v.m.Clone()}
	case KindList:
		if v.l == nil {
			return v
		}

		out := make([]Value, len(v.l))
		for i, item := range v.l {
			out[i] = item.Clone()
		}

		return Value{kind: KindList, l: out}
	default:
		// Scalar payloads are immutable, the shallow copy is already deep.
		return v
	}
}

// Clone returns a deep copy of the Document. Nil stays nil.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}

	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v.Clone()
	}

	return out
}

// Equal reports whether two Values carry the same kind and payload.
// Maps compare by key set and per-key equality, lists by order.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}

	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return v.str == o.str
	case KindNumber:
		return v.num == o.num
	case KindBool:
		return v.b == o.b
	case KindMap:
		return v.m.Equal(o.m)
	case KindList:
		if len(v.l) != len(o.l) {
			return false
		}

		for i := range v.l {
			if !v.l[i].Equal(o.l[i]) {
				return false
			}
		}

		return true
	default:
		return false
	}
}

// Equal reports whether two Documents hold the same keys and equal values.
func (d Document) Equal(o Document) bool {
	if len(d) != len(o) {
		return false
	}

	for k, v := range d {
		ov, exists := o[k]
		if !exists || !v.Equal(ov) {
			return false
		}
	}

	return true
}

// FromAny converts decoded YAML/JSON (maps, slices, scalars) into a Value.
// Integer and float representations collapse to float64. Unsupported types
// (time.Time from YAML timestamps, binary nodes) return an error naming the
// offending Go type.
func FromAny(raw any) (Value, error) {
	switch val := raw.(type) {
	case nil:
		return Null(), nil
	case string:
		return String(val), nil
	case bool:
		return Bool(val), nil
	case float64:
		return Number(val), nil
	case float32:
		return Number(float64(val)), nil
	case int:
		return Number(float64(val)), nil
	case int64:
		return Number(float64(val)), nil
	case uint64:
		return Number(float64(val)), nil
	case map[string]any:
		doc := make(Document, len(val))

		for k, item := range val {
			converted, err := FromAny(item)
			if err != nil {
				return Value{}, fmt.Errorf("key %q: %w", k, err)
			}

			doc[k] = converted
		}

		return Map(doc), nil
	case map[any]any:
		// Some YAML decoders hand mappings over with untyped keys.
		doc := make(Document, len(val))

		for k, item := range val {
			key, isString := k.(string)
			if !isString {
				return Value{}, fmt.Errorf("unsupported override key type %T", k)
			}

			converted, err := FromAny(item)
			if err != nil {
				return Value{}, fmt.Errorf("key %q: %w", key, err)
			}

			doc[key] = converted
		}

		return Map(doc), nil
	case []any:
		list := make([]Value, len(val))

		for i, item := range val {
			converted, err := FromAny(item)
			if err != nil {
				return Value{}, fmt.Errorf("index %d: %w", i, err)
			}

			list[i] = converted
		}

		return Value{kind: KindList, l: list}, nil
	default:
		return Value{}, fmt.Errorf("unsupported override value type %T", raw)
	}
}

// DocumentFromAny converts a decoded map into a Document. Nil input yields
// a nil Document.
func DocumentFromAny(raw map[string]any) (Document, error) {
	if raw == nil {
		return nil, nil
	}

	v, err := FromAny(raw)
	if err != nil {
		return nil, err
	}

	doc, _ := v.AsMap()

	return doc, nil
}

// ToAny converts the Value back into plain Go types (map[string]any,
// []any, scalars) for YAML emission and engine hand-off.
func (v Value) ToAny() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindMap:
		return v.m.ToAny()
	case KindList:
		out := make([]any, len(v.l))
		for i, item := range v.l {
			out[i] = item.ToAny()
		}

		return out
	default:
		return nil
	}
}

// ToAny converts the Document into a map[string]any. Nil stays nil.
func (d Document) ToAny() map[string]any {
	if d == nil {
		return nil
	}

	out := make(map[string]any, len(d))
	for k, v := range d {
		out[k] = v.ToAny()
	}

	return out
}
