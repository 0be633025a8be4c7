package rule

import (
	"github.com/weftworks/weft/internal/action"
	"github.com/weftworks/weft/internal/value"
)

// Term is a sealed constraint on one field of a pattern or template.
// Only Lit and Bind implement it.
type Term interface {
	term() // sealed
}

// Lit requires the field to equal a concrete value (in a when-pattern) or
// supplies that value verbatim (in a then-template).
type Lit struct {
	Value value.Value
}

func (Lit) term() {}

// Bind ties the field to a variable: in a when-pattern it binds the
// field's value on first sight and requires equality with any existing
// binding afterwards; in a then-template it substitutes the bound value.
type Bind struct {
	Var Var
}

func (Bind) term() {}

// L is shorthand for a literal term.
func L(v value.Value) Term { return Lit{Value: v} }

// V is shorthand for a variable term.
func V(v Var) Term { return Bind{Var: v} }

// WhenPattern matches records of one action reference. Input and Output
// are partial: a field present with a Lit requires exact equality, a field
// present with a Bind requires consistency with the frame, and absent
// fields are unconstrained.
type WhenPattern struct {
	Ref    action.Ref
	Input  map[string]Term
	Output map[string]Term
}

// ThenTemplate names a follow-up action and the input to build for it by
// substituting the frame's bindings.
type ThenTemplate struct {
	Ref   action.Ref
	Input map[string]Term
}

// vars appends every variable referenced by the term maps to dst.
func appendTermVars(dst []Var, maps ...map[string]Term) []Var {
	for _, m := range maps {
		for _, t := range m {
			if b, ok := t.(Bind); ok {
				dst = append(dst, b.Var)
			}
		}
	}
	return dst
}

// Vars returns every variable the pattern references.
func (p WhenPattern) Vars() []Var {
	return appendTermVars(nil, p.Input, p.Output)
}

// Vars returns every variable the template references.
func (t ThenTemplate) Vars() []Var {
	return appendTermVars(nil, t.Input)
}
