package rule

import (
	"fmt"

	"github.com/weftworks/weft/internal/action"
)

// Registry holds the process's synchronization rules. It is constructed
// once at startup, populated, sealed, and then passed by reference to the
// engine; there is no ambient global registry. Registration is the
// validation boundary: a rule that registers cleanly cannot fail
// structurally at dispatch time.
type Registry struct {
	rules  []*Rule
	byName map[string]*Rule
	byRef  map[action.Ref][]*Rule
	sealed bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*Rule),
		byRef:  make(map[action.Ref][]*Rule),
	}
}

// Register validates and adds a rule. Rules are evaluated in registration
// order. Registration fails on: empty or duplicate names, invalid action
// references, invalid variables, two distinct variables sharing a name
// within the rule, guard variables declared without a guard, and
// then-template variables bound neither by a when-pattern nor declared in
// GuardVars.
func (reg *Registry) Register(r *Rule) error {
	if reg.sealed {
		return fmt.Errorf("registry is sealed: rules cannot be added at runtime")
	}
	if r == nil {
		return fmt.Errorf("nil rule")
	}
	if r.Name == "" {
		return fmt.Errorf("rule name must not be empty")
	}
	if _, dup := reg.byName[r.Name]; dup {
		return fmt.Errorf("duplicate rule name: %q", r.Name)
	}

	for i, p := range r.When {
		if err := p.Ref.Validate(); err != nil {
			return fmt.Errorf("rule %q when[%d]: %w", r.Name, i, err)
		}
	}
	for i, t := range r.Then {
		if err := t.Ref.Validate(); err != nil {
			return fmt.Errorf("rule %q then[%d]: %w", r.Name, i, err)
		}
	}

	if len(r.GuardVars) > 0 && r.Guard == nil {
		return fmt.Errorf("rule %q declares guard variables without a guard", r.Name)
	}

	// One name, one token, within a rule. Frame hashing keys on names, and
	// diagnostics would be unreadable otherwise.
	if err := checkVarNames(r); err != nil {
		return fmt.Errorf("rule %q: %w", r.Name, err)
	}

	// Every then-template variable must have a binding source.
	bound := make(map[Var]bool)
	for _, v := range r.WhenVars() {
		bound[v] = true
	}
	for _, v := range r.GuardVars {
		bound[v] = true
	}
	for i, t := range r.Then {
		for _, v := range t.Vars() {
			if !bound[v] {
				return fmt.Errorf("rule %q then[%d] (%s): variable %s is bound by no when-pattern and not declared as a guard variable",
					r.Name, i, t.Ref, v)
			}
		}
	}

	reg.rules = append(reg.rules, r)
	reg.byName[r.Name] = r
	for _, p := range r.When {
		if !containsRule(reg.byRef[p.Ref], r) {
			reg.byRef[p.Ref] = append(reg.byRef[p.Ref], r)
		}
	}
	return nil
}

func checkVarNames(r *Rule) error {
	seen := make(map[string]Var)
	for _, v := range r.AllVars() {
		if !v.Valid() {
			return fmt.Errorf("invalid variable (zero Var); variables must come from NewVar")
		}
		if prev, ok := seen[v.Name()]; ok && prev != v {
			return fmt.Errorf("two distinct variables share the name %q", v.Name())
		}
		seen[v.Name()] = v
	}
	return nil
}

func containsRule(rules []*Rule, r *Rule) bool {
	for _, x := range rules {
		if x == r {
			return true
		}
	}
	return false
}

// Seal freezes the registry. The engine seals at construction; any later
// Register fails.
func (reg *Registry) Seal() {
	reg.sealed = true
}

// Sealed reports whether the registry is frozen.
func (reg *Registry) Sealed() bool {
	return reg.sealed
}

// Rules returns all rules in registration order.
func (reg *Registry) Rules() []*Rule {
	out := make([]*Rule, len(reg.rules))
	copy(out, reg.rules)
	return out
}

// RulesFor returns, in registration order, the rules with at least one
// when-pattern on ref.
func (reg *Registry) RulesFor(ref action.Ref) []*Rule {
	rules := reg.byRef[ref]
	out := make([]*Rule, len(rules))
	copy(out, rules)
	return out
}

// Lookup returns a rule by name.
func (reg *Registry) Lookup(name string) (*Rule, bool) {
	r, ok := reg.byName[name]
	return r, ok
}

// Len returns the number of registered rules.
func (reg *Registry) Len() int {
	return len(reg.rules)
}
