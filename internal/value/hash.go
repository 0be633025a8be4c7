package value

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// HashBytes computes a hex SHA-256 over domain || 0x00 || data. The domain
// prefix keeps hashes from different identity spaces (records, frames)
// from ever colliding, and the zero byte separator prevents ambiguity
// between "ab"+"c" and "a"+"bc".
func HashBytes(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Hash canonicalizes v and hashes it under the given domain.
func Hash(domain string, v Value) (string, error) {
	data, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("canonicalize for %s: %w", domain, err)
	}
	return HashBytes(domain, data), nil
}

// MustHash is Hash for values known to be canonicalizable (no Null at any
// depth). Panics otherwise; use only with programmatically built values.
func MustHash(domain string, v Value) string {
	h, err := Hash(domain, v)
	if err != nil {
		panic(fmt.Sprintf("value: MustHash: %v", err))
	}
	return h
}
