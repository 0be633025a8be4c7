// Package value defines the constrained value vocabulary shared by action
// records, frames, and concept inputs/outputs: a sealed union of string,
// int64, bool, array, and object (plus null for stored-data round-trips),
// with strict no-float decoding, RFC 8785 canonical JSON, and
// domain-prefixed SHA-256 hashing.
//
// Determinism is the point. Rule firings are deduplicated by hashing
// frames, and a hash is only usable for that if every process, on every
// platform, produces the same bytes for the same value. Canonical JSON
// (UTF-16 key order, NFC strings, no HTML escaping) gives byte-stable
// encodings; banning floats removes the one JSON type with no stable
// canonical form.
package value
