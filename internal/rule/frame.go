package rule

import (
	"github.com/weftworks/weft/internal/value"
)

// frameHashDomain separates frame hashes from every other identity space.
const frameHashDomain = "weft/frame/v1"

// Frame is one consistent variable assignment discovered while matching a
// rule's when-patterns. Frames are transient: created during an evaluation
// wave, refined by the guard, consumed by dispatch, then discarded. Frames
// never alias; extension always copies.
type Frame map[Var]value.Value

// Clone returns an independent copy of the frame. Binding values are
// shared (they come from immutable records); only the map is copied.
func (f Frame) Clone() Frame {
	out := make(Frame, len(f)+1)
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Bound returns the value bound to v, if any.
func (f Frame) Bound(v Var) (value.Value, bool) {
	val, ok := f[v]
	return val, ok
}

// Extend returns a copy of f with v bound to val. If v is already bound,
// ok reports whether the existing binding equals val; a conflicting
// binding returns (nil, false) and the caller rejects the candidate.
func (f Frame) Extend(v Var, val value.Value) (Frame, bool) {
	if existing, bound := f[v]; bound {
		if !value.Equal(existing, val) {
			return nil, false
		}
		return f, true
	}
	out := f.Clone()
	out[v] = val
	return out, true
}

// Equal reports whether two frames bind the same variables to equal
// values.
func (f Frame) Equal(other Frame) bool {
	if len(f) != len(other) {
		return false
	}
	for k, v := range f {
		ov, ok := other[k]
		if !ok || !value.Equal(v, ov) {
			return false
		}
	}
	return true
}

// Hash computes the frame's content hash over variable names. Registration
// guarantees name uniqueness within a rule, so the name-keyed object is a
// faithful encoding of the frame for that rule.
func (f Frame) Hash() (string, error) {
	obj := make(value.Object, len(f))
	for v, val := range f {
		obj[v.Name()] = val
	}
	return value.Hash(frameHashDomain, obj)
}
