package compiler

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue"

	"github.com/weftworks/weft/internal/action"
	"github.com/weftworks/weft/internal/rule"
	"github.com/weftworks/weft/internal/value"
)

// VarTable is a rule's variable interning table: manifest variable name to
// the interned rule.Var. One table is built per rule, so "?session" in two
// different rules compiles to two distinct variables.
type VarTable map[string]rule.Var

// Var returns the interned variable for a manifest name.
func (t VarTable) Var(name string) (rule.Var, bool) {
	v, ok := t[name]
	return v, ok
}

// Need returns the interned variable for a manifest name, or an error
// naming the missing variable. Guard constructors use it to declare the
// variables their body reads and binds; the error surfaces as a compile
// error on the rule that referenced the guard.
func (t VarTable) Need(name string) (rule.Var, error) {
	v, ok := t[name]
	if !ok {
		return rule.Var{}, fmt.Errorf("rule does not mention variable ?%s", name)
	}
	return v, nil
}

func (t VarTable) intern(name string) rule.Var {
	if v, ok := t[name]; ok {
		return v
	}
	v := rule.NewVar(name)
	t[name] = v
	return v
}

// GuardTable maps manifest guard names to guard constructors. Guards are
// Go functions; a manifest references one by name and the constructor is
// handed the rule's interned variables so the guard body can look up the
// bindings it reads and the guard-vars it must bind. A constructor error
// (typically a missing variable) fails compilation of the rule.
type GuardTable map[string]func(vars VarTable) (rule.GuardFunc, error)

// CompileRule parses a CUE value into a rule.Rule.
//
// The CUE value should be the rule struct itself, labelled with the rule
// name:
//
//	rule: "notify-owner": {
//	    when: [{
//	        action: "api.request"
//	        input: {path: "/delete_section", request: "?request", section: "?section"}
//	    }, {
//	        action: "schedule.create_section"
//	        output: {section: "?section", owner: "?owner"}
//	    }]
//	    guard: "require_owner_session"
//	    then: [{
//	        action: "schedule.delete_section"
//	        input: {section: "?section"}
//	    }]
//	}
//
// A string field starting with "?" is a variable; every other concrete
// value is a literal. A leading "??" escapes a literal that itself starts
// with a question mark. Variables are recognized at the field level only:
// strings inside nested array or object literals are taken verbatim.
func CompileRule(v cue.Value, guards GuardTable) (*rule.Rule, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	r := &rule.Rule{}
	vars := VarTable{}

	labels := v.Path().Selectors()
	if len(labels) > 0 {
		r.Name = strings.Trim(labels[len(labels)-1].String(), `"`)
	}

	var err error
	r.When, err = parseWhen(v, vars)
	if err != nil {
		return nil, err
	}

	guardName, err := parseGuardName(v)
	if err != nil {
		return nil, err
	}
	r.GuardVars, err = parseGuardVars(v, vars)
	if err != nil {
		return nil, err
	}

	r.Then, err = parseThen(v, vars)
	if err != nil {
		return nil, err
	}

	// Resolve the guard last so its constructor sees the full table,
	// including variables interned while parsing then-templates.
	if guardName != "" {
		ctor, ok := guards[guardName]
		if !ok {
			return nil, &CompileError{
				Field:   "guard",
				Message: fmt.Sprintf("unknown guard %q - not present in the guard table", guardName),
				Pos:     v.Pos(),
			}
		}
		guard, err := ctor(vars)
		if err != nil {
			return nil, &CompileError{
				Field:   "guard",
				Message: fmt.Sprintf("guard %q: %v", guardName, err),
				Pos:     v.Pos(),
			}
		}
		r.Guard = guard
	}

	return r, nil
}

func parseWhen(v cue.Value, vars VarTable) ([]rule.WhenPattern, error) {
	whenVal := v.LookupPath(cue.ParsePath("when"))
	if !whenVal.Exists() {
		return nil, &CompileError{
			Field:   "when",
			Message: "when is required",
			Pos:     v.Pos(),
		}
	}

	iter, err := whenVal.List()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var patterns []rule.WhenPattern
	for i := 0; iter.Next(); i++ {
		pv := iter.Value()

		ref, err := parseActionRef(pv, fmt.Sprintf("when[%d]", i))
		if err != nil {
			return nil, err
		}

		input, err := parseTerms(pv.LookupPath(cue.ParsePath("input")), vars)
		if err != nil {
			return nil, err
		}
		output, err := parseTerms(pv.LookupPath(cue.ParsePath("output")), vars)
		if err != nil {
			return nil, err
		}

		patterns = append(patterns, rule.WhenPattern{Ref: ref, Input: input, Output: output})
	}

	return patterns, nil
}

func parseThen(v cue.Value, vars VarTable) ([]rule.ThenTemplate, error) {
	thenVal := v.LookupPath(cue.ParsePath("then"))
	if !thenVal.Exists() {
		return nil, nil
	}

	iter, err := thenVal.List()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var templates []rule.ThenTemplate
	for i := 0; iter.Next(); i++ {
		tv := iter.Value()

		ref, err := parseActionRef(tv, fmt.Sprintf("then[%d]", i))
		if err != nil {
			return nil, err
		}

		input, err := parseTerms(tv.LookupPath(cue.ParsePath("input")), vars)
		if err != nil {
			return nil, err
		}

		templates = append(templates, rule.ThenTemplate{Ref: ref, Input: input})
	}

	return templates, nil
}

func parseActionRef(v cue.Value, field string) (action.Ref, error) {
	refVal := v.LookupPath(cue.ParsePath("action"))
	if !refVal.Exists() {
		return "", &CompileError{
			Field:   field,
			Message: "action is required",
			Pos:     v.Pos(),
		}
	}
	s, err := refVal.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return action.Ref(s), nil
}

func parseGuardName(v cue.Value) (string, error) {
	guardVal := v.LookupPath(cue.ParsePath("guard"))
	if !guardVal.Exists() {
		return "", nil
	}
	name, err := guardVal.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return name, nil
}

func parseGuardVars(v cue.Value, vars VarTable) ([]rule.Var, error) {
	gvVal := v.LookupPath(cue.ParsePath("guard_vars"))
	if !gvVal.Exists() {
		return nil, nil
	}

	iter, err := gvVal.List()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var out []rule.Var
	for iter.Next() {
		name, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		name = strings.TrimPrefix(name, "?")
		if name == "" {
			return nil, &CompileError{
				Field:   "guard_vars",
				Message: "empty variable name",
				Pos:     iter.Value().Pos(),
			}
		}
		out = append(out, vars.intern(name))
	}
	return out, nil
}

// parseTerms reads a pattern or template field struct. A missing struct
// yields no constraints.
func parseTerms(v cue.Value, vars VarTable) (map[string]rule.Term, error) {
	if !v.Exists() {
		return nil, nil
	}

	iter, err := v.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	terms := make(map[string]rule.Term)
	for iter.Next() {
		t, err := parseTerm(iter.Value(), vars)
		if err != nil {
			return nil, err
		}
		terms[iter.Label()] = t
	}
	return terms, nil
}

func parseTerm(v cue.Value, vars VarTable) (rule.Term, error) {
	if v.Kind() == cue.StringKind {
		s, err := v.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		if strings.HasPrefix(s, "??") {
			return rule.L(value.String(s[1:])), nil
		}
		if strings.HasPrefix(s, "?") {
			name := s[1:]
			if name == "" {
				return nil, &CompileError{
					Field:   "term",
					Message: "empty variable name",
					Pos:     v.Pos(),
				}
			}
			return rule.V(vars.intern(name)), nil
		}
		return rule.L(value.String(s)), nil
	}

	lit, err := literalValue(v)
	if err != nil {
		return nil, err
	}
	return rule.L(lit), nil
}

// literalValue converts a concrete CUE value to a log value. Floats have
// no representation and are rejected.
func literalValue(v cue.Value) (value.Value, error) {
	switch v.Kind() {
	case cue.StringKind:
		s, err := v.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return value.String(s), nil
	case cue.IntKind:
		i, err := v.Int64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return value.Int(i), nil
	case cue.BoolKind:
		b, err := v.Bool()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return value.Bool(b), nil
	case cue.NullKind:
		return value.Null{}, nil
	case cue.ListKind:
		iter, err := v.List()
		if err != nil {
			return nil, formatCUEError(err)
		}
		arr := value.Array{}
		for iter.Next() {
			el, err := literalValue(iter.Value())
			if err != nil {
				return nil, err
			}
			arr = append(arr, el)
		}
		return arr, nil
	case cue.StructKind:
		iter, err := v.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		obj := value.Object{}
		for iter.Next() {
			el, err := literalValue(iter.Value())
			if err != nil {
				return nil, err
			}
			obj[iter.Label()] = el
		}
		return obj, nil
	case cue.FloatKind, cue.NumberKind:
		return nil, &CompileError{
			Field:   "term",
			Message: "float literals are forbidden - use int instead",
			Pos:     v.Pos(),
		}
	default:
		return nil, &CompileError{
			Field:   "term",
			Message: fmt.Sprintf("term must be a concrete value, got %v", v.Kind()),
			Pos:     v.Pos(),
		}
	}
}
