// Package bundle provides the generic key/value payload record carried from
// publishers through the task queue to script execution and the result store.
//
// A Bundle is a flat map of string keys to typed values. The value space is a
// closed tagged union (bool, int, long, float, string and arrays of the
// numeric/string kinds) so that every payload can be serialized
// deterministically and reloaded without type-dispatch on read.
package bundle

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/c360/cartelemetry/errors"
)

// Kind identifies the concrete type held by a Value.
type Kind int

// Value kinds. Int is 32-bit, Long 64-bit, Float is a 64-bit double; the
// naming mirrors the wire payloads produced by the vehicle signal sources.
const (
	KindBool Kind = iota
	KindInt
	KindLong
	KindFloat
	KindString
	KindIntArray
	KindLongArray
	KindFloatArray
	KindStringArray
)

// String returns the wire tag for the kind.
func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindLong:
		return "long"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindIntArray:
		return "int_array"
	case KindLongArray:
		return "long_array"
	case KindFloatArray:
		return "float_array"
	case KindStringArray:
		return "string_array"
	default:
		return "unknown"
	}
}

func kindFromTag(tag string) (Kind, bool) {
	switch tag {
	case "bool":
		return KindBool, true
	case "int":
		return KindInt, true
	case "long":
		return KindLong, true
	case "float":
		return KindFloat, true
	case "string":
		return KindString, true
	case "int_array":
		return KindIntArray, true
	case "long_array":
		return KindLongArray, true
	case "float_array":
		return KindFloatArray, true
	case "string_array":
		return KindStringArray, true
	default:
		return 0, false
	}
}

// Value is one tagged-union entry in a Bundle.
type Value struct {
	kind Kind
	b    bool
	i    int32
	l    int64
	f    float64
	s    string
	ia   []int32
	la   []int64
	fa   []float64
	sa   []string
}

// Kind returns the tag of the value.
func (v Value) Kind() Kind { return v.kind }

// Bundle is a mutable typed key/value record. It is not safe for concurrent
// use; callers own synchronization.
type Bundle struct {
	values map[string]Value
}

// New returns an empty Bundle.
func New() *Bundle {
	return &Bundle{values: make(map[string]Value)}
}

// Len returns the number of entries.
func (b *Bundle) Len() int { return len(b.values) }

// Keys returns all keys in sorted order.
func (b *Bundle) Keys() []string {
	keys := make([]string, 0, len(b.values))
	for k := range b.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Has reports whether the key is present.
func (b *Bundle) Has(key string) bool {
	_, ok := b.values[key]
	return ok
}

// Delete removes a key.
func (b *Bundle) Delete(key string) {
	delete(b.values, key)
}

// PutBool stores a bool value.
func (b *Bundle) PutBool(key string, v bool) {
	b.values[key] = Value{kind: KindBool, b: v}
}

// PutInt stores a 32-bit int value.
func (b *Bundle) PutInt(key string, v int32) {
	b.values[key] = Value{kind: KindInt, i: v}
}

// PutLong stores a 64-bit int value.
func (b *Bundle) PutLong(key string, v int64) {
	b.values[key] = Value{kind: KindLong, l: v}
}

// PutFloat stores a float value.
func (b *Bundle) PutFloat(key string, v float64) {
	b.values[key] = Value{kind: KindFloat, f: v}
}

// PutString stores a string value.
func (b *Bundle) PutString(key string, v string) {
	b.values[key] = Value{kind: KindString, s: v}
}

// PutIntArray stores an int array. The slice is copied.
func (b *Bundle) PutIntArray(key string, v []int32) {
	b.values[key] = Value{kind: KindIntArray, ia: append([]int32(nil), v...)}
}

// PutLongArray stores a long array. The slice is copied.
func (b *Bundle) PutLongArray(key string, v []int64) {
	b.values[key] = Value{kind: KindLongArray, la: append([]int64(nil), v...)}
}

// PutFloatArray stores a float array. The slice is copied.
func (b *Bundle) PutFloatArray(key string, v []float64) {
	b.values[key] = Value{kind: KindFloatArray, fa: append([]float64(nil), v...)}
}

// PutStringArray stores a string array. The slice is copied.
func (b *Bundle) PutStringArray(key string, v []string) {
	b.values[key] = Value{kind: KindStringArray, sa: append([]string(nil), v...)}
}

// GetBool returns the bool stored under key.
func (b *Bundle) GetBool(key string) (bool, bool) {
	v, ok := b.values[key]
	if !ok || v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

// GetInt returns the 32-bit int stored under key.
func (b *Bundle) GetInt(key string) (int32, bool) {
	v, ok := b.values[key]
	if !ok || v.kind != KindInt {
		return 0, false
	}
	return v.i, true
}

// GetLong returns the 64-bit int stored under key.
func (b *Bundle) GetLong(key string) (int64, bool) {
	v, ok := b.values[key]
	if !ok || v.kind != KindLong {
		return 0, false
	}
	return v.l, true
}

// GetFloat returns the float stored under key.
func (b *Bundle) GetFloat(key string) (float64, bool) {
	v, ok := b.values[key]
	if !ok || v.kind != KindFloat {
		return 0, false
	}
	return v.f, true
}

// GetString returns the string stored under key.
func (b *Bundle) GetString(key string) (string, bool) {
	v, ok := b.values[key]
	if !ok || v.kind != KindString {
		return "", false
	}
	return v.s, true
}

// GetIntArray returns the int array stored under key.
func (b *Bundle) GetIntArray(key string) ([]int32, bool) {
	v, ok := b.values[key]
	if !ok || v.kind != KindIntArray {
		return nil, false
	}
	return v.ia, true
}

// GetLongArray returns the long array stored under key.
func (b *Bundle) GetLongArray(key string) ([]int64, bool) {
	v, ok := b.values[key]
	if !ok || v.kind != KindLongArray {
		return nil, false
	}
	return v.la, true
}

// GetFloatArray returns the float array stored under key.
func (b *Bundle) GetFloatArray(key string) ([]float64, bool) {
	v, ok := b.values[key]
	if !ok || v.kind != KindFloatArray {
		return nil, false
	}
	return v.fa, true
}

// GetStringArray returns the string array stored under key.
func (b *Bundle) GetStringArray(key string) ([]string, bool) {
	v, ok := b.values[key]
	if !ok || v.kind != KindStringArray {
		return nil, false
	}
	return v.sa, true
}

// AppendInt appends to the int array under key, creating it if absent.
// Used by publishers that accumulate batched samples.
func (b *Bundle) AppendInt(key string, v int32) {
	cur := b.values[key]
	cur.kind = KindIntArray
	cur.ia = append(cur.ia, v)
	b.values[key] = cur
}

// AppendLong appends to the long array under key, creating it if absent.
func (b *Bundle) AppendLong(key string, v int64) {
	cur := b.values[key]
	cur.kind = KindLongArray
	cur.la = append(cur.la, v)
	b.values[key] = cur
}

// AppendFloat appends to the float array under key, creating it if absent.
func (b *Bundle) AppendFloat(key string, v float64) {
	cur := b.values[key]
	cur.kind = KindFloatArray
	cur.fa = append(cur.fa, v)
	b.values[key] = cur
}

// AppendString appends to the string array under key, creating it if absent.
func (b *Bundle) AppendString(key string, v string) {
	cur := b.values[key]
	cur.kind = KindStringArray
	cur.sa = append(cur.sa, v)
	b.values[key] = cur
}

// Clone returns a deep copy of the bundle.
func (b *Bundle) Clone() *Bundle {
	out := New()
	for k, v := range b.values {
		switch v.kind {
		case KindIntArray:
			v.ia = append([]int32(nil), v.ia...)
		case KindLongArray:
			v.la = append([]int64(nil), v.la...)
		case KindFloatArray:
			v.fa = append([]float64(nil), v.fa...)
		case KindStringArray:
			v.sa = append([]string(nil), v.sa...)
		}
		out.values[k] = v
	}
	return out
}

// ApproxSize estimates the serialized size in bytes. The broker uses this to
// flag oversized payloads for out-of-band delivery.
func (b *Bundle) ApproxSize() int {
	size := 0
	for k, v := range b.values {
		size += len(k)
		switch v.kind {
		case KindBool:
			size++
		case KindInt:
			size += 4
		case KindLong, KindFloat:
			size += 8
		case KindString:
			size += len(v.s)
		case KindIntArray:
			size += 4 * len(v.ia)
		case KindLongArray:
			size += 8 * len(v.la)
		case KindFloatArray:
			size += 8 * len(v.fa)
		case KindStringArray:
			for _, s := range v.sa {
				size += len(s)
			}
		}
	}
	return size
}

// wireValue is the JSON encoding of one tagged value.
type wireValue struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes the bundle as a map of tagged values. The same bundle
// always produces the same JSON output.
func (b *Bundle) MarshalJSON() ([]byte, error) {
	out := make(map[string]wireValue, len(b.values))
	for k, v := range b.values {
		var raw []byte
		var err error
		switch v.kind {
		case KindBool:
			raw, err = json.Marshal(v.b)
		case KindInt:
			raw, err = json.Marshal(v.i)
		case KindLong:
			raw, err = json.Marshal(v.l)
		case KindFloat:
			raw, err = json.Marshal(v.f)
		case KindString:
			raw, err = json.Marshal(v.s)
		case KindIntArray:
			raw, err = json.Marshal(v.ia)
		case KindLongArray:
			raw, err = json.Marshal(v.la)
		case KindFloatArray:
			raw, err = json.Marshal(v.fa)
		case KindStringArray:
			raw, err = json.Marshal(v.sa)
		default:
			err = fmt.Errorf("unknown value kind %d for key %q", v.kind, k)
		}
		if err != nil {
			return nil, errors.WrapInvalid(err, "Bundle", "MarshalJSON", "encode value")
		}
		out[k] = wireValue{Type: v.kind.String(), Value: raw}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a bundle from its tagged-value encoding.
func (b *Bundle) UnmarshalJSON(data []byte) error {
	var in map[string]wireValue
	if err := json.Unmarshal(data, &in); err != nil {
		return errors.WrapInvalid(err, "Bundle", "UnmarshalJSON", "decode record")
	}
	if b.values == nil {
		b.values = make(map[string]Value, len(in))
	}
	for k, wv := range in {
		kind, ok := kindFromTag(wv.Type)
		if !ok {
			return errors.WrapInvalid(
				fmt.Errorf("unknown value type %q for key %q", wv.Type, k),
				"Bundle", "UnmarshalJSON", "decode value tag")
		}
		var v Value
		v.kind = kind
		var err error
		switch kind {
		case KindBool:
			err = json.Unmarshal(wv.Value, &v.b)
		case KindInt:
			err = json.Unmarshal(wv.Value, &v.i)
		case KindLong:
			err = json.Unmarshal(wv.Value, &v.l)
		case KindFloat:
			err = json.Unmarshal(wv.Value, &v.f)
		case KindString:
			err = json.Unmarshal(wv.Value, &v.s)
		case KindIntArray:
			err = json.Unmarshal(wv.Value, &v.ia)
		case KindLongArray:
			err = json.Unmarshal(wv.Value, &v.la)
		case KindFloatArray:
			err = json.Unmarshal(wv.Value, &v.fa)
		case KindStringArray:
			err = json.Unmarshal(wv.Value, &v.sa)
		}
		if err != nil {
			return errors.WrapInvalid(err, "Bundle", "UnmarshalJSON", "decode value")
		}
		b.values[k] = v
	}
	return nil
}

// Equal reports whether two bundles hold the same keys and values.
func (b *Bundle) Equal(other *Bundle) bool {
	if b == nil || other == nil {
		return b == other
	}
	if len(b.values) != len(other.values) {
		return false
	}
	for k, v := range b.values {
		ov, ok := other.values[k]
		if !ok || v.kind != ov.kind {
			return false
		}
		switch v.kind {
		case KindBool:
			if v.b != ov.b {
				return false
			}
		case KindInt:
			if v.i != ov.i {
				return false
			}
		case KindLong:
			if v.l != ov.l {
				return false
			}
		case KindFloat:
			if v.f != ov.f {
				return false
			}
		case KindString:
			if v.s != ov.s {
				return false
			}
		case KindIntArray:
			if !slicesEqual(v.ia, ov.ia) {
				return false
			}
		case KindLongArray:
			if !slicesEqual(v.la, ov.la) {
				return false
			}
		case KindFloatArray:
			if !slicesEqual(v.fa, ov.fa) {
				return false
			}
		case KindStringArray:
			if !slicesEqual(v.sa, ov.sa) {
				return false
			}
		}
	}
	return true
}

func slicesEqual[T comparable](a, b []T) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
