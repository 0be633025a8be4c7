package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/weftworks/weft/internal/value"
)

// marshalObject converts a payload object to canonical JSON TEXT for
// storage. Canonical form (RFC 8785) keeps byte-identical rows for
// equal payloads, which the verify pass and golden traces rely on.
func marshalObject(obj value.Object) (string, error) {
	data, err := value.MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

// unmarshalObject parses stored JSON TEXT back to a payload object.
// Uses value.Object.UnmarshalJSON, which decodes integers via
// json.Number to avoid float64 precision loss for values > 2^53.
func unmarshalObject(data string) (value.Object, error) {
	if data == "" || data == "{}" {
		return value.Object{}, nil
	}
	var obj value.Object
	if err := json.Unmarshal([]byte(data), &obj); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return obj, nil
}

// formatStamp renders a record timestamp for the stamp column. UTC and
// RFC 3339 with nanoseconds, so rows compare bytewise in stamp order.
func formatStamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseStamp parses a stored stamp column value.
func parseStamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stamp %q: %w", s, err)
	}
	return t, nil
}
