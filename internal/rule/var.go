package rule

import (
	"fmt"
	"sync/atomic"
)

// varCounter allocates process-wide unique variable ids.
var varCounter atomic.Uint64

// Var is an interned variable token. Equality is by token, not by name:
// two rules that both call their variable "request" get distinct Vars, so
// patterns from unrelated rules can never accidentally join. The zero Var
// is invalid.
type Var struct {
	id   uint64
	name string
}

// NewVar interns a fresh variable with a human-readable name. The name is
// for diagnostics and frame hashing; uniqueness comes from the id.
func NewVar(name string) Var {
	return Var{id: varCounter.Add(1), name: name}
}

// NewVars interns one variable per name, in order.
func NewVars(names ...string) []Var {
	vars := make([]Var, len(names))
	for i, n := range names {
		vars[i] = NewVar(n)
	}
	return vars
}

// Name returns the human-readable name given at interning.
func (v Var) Name() string { return v.name }

// Valid reports whether v was produced by NewVar.
func (v Var) Valid() bool { return v.id != 0 }

func (v Var) String() string {
	if !v.Valid() {
		return "?<invalid>"
	}
	return fmt.Sprintf("?%s", v.name)
}
