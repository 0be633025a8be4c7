package value

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"unicode/utf16"
)

// Value is a sealed interface over the constrained value types that may
// appear in action inputs and outputs. Only Null, String, Int, Bool,
// Array, and Object implement it. There is deliberately no float type:
// record identity and frame deduplication hash the canonical encoding,
// and floats have no stable canonical form.
type Value interface {
	value() // sealed
}

// Null represents a JSON null. It exists so stored data that predates a
// field can round-trip; strict decoding of external input rejects it.
type Null struct{}

func (Null) value() {}

// MarshalJSON implements json.Marshaler for Null.
func (Null) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// String is a string value.
type String string

func (String) value() {}

// Int is an integer value. Always int64, never float64.
type Int int64

func (Int) value() {}

// Bool is a boolean value.
type Bool bool

func (Bool) value() {}

// Array is an ordered list of values.
type Array []Value

func (Array) value() {}

// Object maps string keys to values. Use SortedKeys for deterministic
// iteration.
type Object map[string]Value

func (Object) value() {}

// Equal reports deep equality of two values.
//
// Null equals Null; values of different dynamic types are never equal.
func Equal(a, b Value) bool {
	switch av := a.(type) {
	case Null:
		_, ok := b.(Null)
		return ok
	case String:
		bv, ok := b.(String)
		return ok && av == bv
	case Int:
		bv, ok := b.(Int)
		return ok && av == bv
	case Bool:
		bv, ok := b.(Bool)
		return ok && av == bv
	case Array:
		bv, ok := b.(Array)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case Object:
		bv, ok := b.(Object)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			ov, present := bv[k]
			if !present || !Equal(v, ov) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Clone returns a deep copy of obj. Frames hand objects to guards and
// concepts; cloning at those boundaries keeps the log's records immutable.
func (obj Object) Clone() Object {
	if obj == nil {
		return nil
	}
	out := make(Object, len(obj))
	for k, v := range obj {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v Value) Value {
	switch val := v.(type) {
	case Array:
		out := make(Array, len(val))
		for i, elem := range val {
			out[i] = cloneValue(elem)
		}
		return out
	case Object:
		return val.Clone()
	default:
		// Null, String, Int, Bool are immutable.
		return v
	}
}

// SortedKeys returns keys in RFC 8785 canonical order (UTF-16 code units).
// Go's sort.Strings compares UTF-8 bytes, which orders some non-BMP keys
// differently; canonical hashing requires the UTF-16 order.
func (obj Object) SortedKeys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysRFC8785)
	return keys
}

// compareKeysRFC8785 compares strings by UTF-16 code units as RFC 8785
// requires. utf16.Encode handles surrogate pairs correctly.
func compareKeysRFC8785(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	n := len(a16)
	if len(b16) < n {
		n = len(b16)
	}
	for i := 0; i < n; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	if len(a16) < len(b16) {
		return -1
	}
	if len(a16) > len(b16) {
		return 1
	}
	return 0
}

// UnmarshalJSON implements json.Unmarshaler for Object.
func (obj *Object) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*obj = make(Object, len(raw))
	for k, v := range raw {
		val, err := unmarshalValue(v)
		if err != nil {
			return fmt.Errorf("object key %q: %w", k, err)
		}
		(*obj)[k] = val
	}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler for Array.
func (arr *Array) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*arr = make(Array, len(raw))
	for i, v := range raw {
		val, err := unmarshalValue(v)
		if err != nil {
			return fmt.Errorf("array index %d: %w", i, err)
		}
		(*arr)[i] = val
	}
	return nil
}

// unmarshalValue decodes one JSON value. Floats are rejected; null becomes
// Null so stored records round-trip. Decode is the strict entry point for
// external input.
func unmarshalValue(data []byte) (Value, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty JSON value")
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		return String(s), nil

	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return Bool(b), nil

	case 'n':
		return Null{}, nil

	case '[':
		var arr Array
		if err := json.Unmarshal(data, &arr); err != nil {
			return nil, err
		}
		return arr, nil

	case '{':
		var obj Object
		if err := json.Unmarshal(data, &obj); err != nil {
			return nil, err
		}
		return obj, nil

	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return nil, err
		}
		i, err := n.Int64()
		if err != nil {
			return nil, fmt.Errorf("floats are forbidden in values: %s", string(data))
		}
		return Int(i), nil
	}
}

// MarshalJSON implements json.Marshaler for Object with RFC 8785 key
// ordering. This is not the canonical encoding (it may HTML-escape); use
// MarshalCanonical for hashing.
func (obj Object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	keys := obj.SortedKeys()
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, fmt.Errorf("marshal key %q: %w", k, err)
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')

		valBytes, err := Marshal(obj[k])
		if err != nil {
			return nil, fmt.Errorf("marshal value for key %q: %w", k, err)
		}
		buf.Write(valBytes)
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Marshal encodes a Value as JSON with deterministic object key order.
// Not canonical; use MarshalCanonical for hashing.
func Marshal(v Value) ([]byte, error) {
	switch val := v.(type) {
	case Null:
		return []byte("null"), nil
	case String:
		return json.Marshal(string(val))
	case Int:
		return json.Marshal(int64(val))
	case Bool:
		return json.Marshal(bool(val))
	case Array:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			elemBytes, err := Marshal(elem)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			buf.Write(elemBytes)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case Object:
		return val.MarshalJSON()
	default:
		return nil, fmt.Errorf("unknown value type: %T", v)
	}
}

// Decode deserializes external JSON into a Value with strict validation:
// floats and null are rejected at any depth. This is the entry point for
// everything that crosses the process boundary (HTTP bodies, manifests,
// scenario files).
func Decode(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}

	return fromGo(raw)
}

// DecodeObject is Decode restricted to a top-level object.
func DecodeObject(data []byte) (Object, error) {
	v, err := Decode(data)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(Object)
	if !ok {
		return nil, fmt.Errorf("expected JSON object, got %T", v)
	}
	return obj, nil
}

// fromGo recursively converts a decoded Go value, rejecting null and
// floats.
func fromGo(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return nil, fmt.Errorf("null is forbidden: only string, int, bool, array, object allowed")
	case bool:
		return Bool(val), nil
	case string:
		return String(val), nil
	case json.Number:
		s := string(val)
		if strings.ContainsAny(s, ".eE") {
			return nil, fmt.Errorf("floats are forbidden in values: %s", s)
		}
		n, err := val.Int64()
		if err != nil {
			return nil, fmt.Errorf("number out of int64 range: %s", s)
		}
		return Int(n), nil
	case []any:
		arr := make(Array, len(val))
		for i, elem := range val {
			ev, err := fromGo(elem)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			arr[i] = ev
		}
		return arr, nil
	case map[string]any:
		obj := make(Object, len(val))
		for k, elem := range val {
			ev, err := fromGo(elem)
			if err != nil {
				return nil, fmt.Errorf("object[%q]: %w", k, err)
			}
			obj[k] = ev
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}
