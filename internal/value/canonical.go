package value

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

// MarshalCanonical produces RFC 8785 canonical JSON. This is the only
// serialization used for content hashing (record identity, frame
// deduplication).
//
// Differences from standard json.Marshal:
//  1. Object keys sorted by UTF-16 code units, not UTF-8 bytes
//  2. No HTML escaping (< > & appear literally)
//  3. Strings are NFC normalized
//  4. Floats are rejected
//  5. Null is rejected
func MarshalCanonical(v Value) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return nil, fmt.Errorf("nil value cannot be canonicalized")
	case Null:
		return nil, fmt.Errorf("null is forbidden in canonical JSON")
	case String:
		return canonicalString(string(val))
	case Int:
		return strconv.AppendInt(nil, int64(val), 10), nil
	case Bool:
		if val {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case Array:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			elemBytes, err := MarshalCanonical(elem)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			buf.Write(elemBytes)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case Object:
		return canonicalObject(val)
	default:
		return nil, fmt.Errorf("unsupported type for canonical JSON: %T", v)
	}
}

func canonicalObject(obj Object) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	for i, k := range obj.SortedKeys() {
		if i > 0 {
			buf.WriteByte(',')
		}

		keyBytes, err := canonicalString(k)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')

		valBytes, err := MarshalCanonical(obj[k])
		if err != nil {
			return nil, fmt.Errorf("value for key %q: %w", k, err)
		}
		buf.Write(valBytes)
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// canonicalString encodes a string per RFC 8785: NFC normalized, no HTML
// escaping, and U+2028/U+2029 appear literally (Go's encoder escapes them
// for JavaScript embedding, which canonical JSON forbids).
func canonicalString(s string) ([]byte, error) {
	normalized := norm.NFC.String(s)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, err
	}

	// json.Encoder appends a trailing newline.
	result := buf.Bytes()
	if len(result) > 0 && result[len(result)-1] == '\n' {
		result = result[:len(result)-1]
	}

	return unescapeLineSeparators(result), nil
}

// unescapeLineSeparators rewrites \u2028 and \u2029 escape sequences to
// the literal characters. Escaped backslashes (\\) are consumed in pairs
// first, so a literal backslash followed by the text "u2028" is left
// untouched.
func unescapeLineSeparators(data []byte) []byte {
	if !bytes.Contains(data, []byte(`\u202`)) {
		return data
	}

	out := make([]byte, 0, len(data))
	i := 0
	for i < len(data) {
		if data[i] == '\\' && i+1 < len(data) {
			if data[i+1] == '\\' {
				out = append(out, '\\', '\\')
				i += 2
				continue
			}
			if i+6 <= len(data) && bytes.HasPrefix(data[i:], []byte(`\u202`)) {
				switch data[i+5] {
				case '8':
					out = append(out, "\u2028"...)
					i += 6
					continue
				case '9':
					out = append(out, "\u2029"...)
					i += 6
					continue
				}
			}
		}
		out = append(out, data[i])
		i++
	}
	return out
}
