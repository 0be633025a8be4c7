package compiler

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

// ConceptSpec is a concept's declared interface: the actions it exposes
// and the fields they take and return. Manifests declare the interface
// only; the implementation is registered in Go under the same name.
type ConceptSpec struct {
	Name    string
	Purpose string
	Actions []ActionSig
}

// ActionSig declares one action's argument and output fields. The
// declared output describes the success shape; the {error: string}
// failure shape is implicit for every action.
type ActionSig struct {
	Name   string
	Args   []NamedField
	Output []NamedField
}

// NamedField pairs a field name with its declared type (string, int,
// bool, array or object).
type NamedField struct {
	Name string
	Type string
}

// Action returns the signature of the named action, if declared.
func (s *ConceptSpec) Action(name string) (ActionSig, bool) {
	for _, a := range s.Actions {
		if a.Name == name {
			return a, true
		}
	}
	return ActionSig{}, false
}

// CompileConcept parses a CUE value into a ConceptSpec.
// Uses CUE SDK's Go API directly (not CLI subprocess).
//
// The CUE value should be the concept struct itself, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`concept: schedule: { ... }`)
//	spec, err := CompileConcept(v.LookupPath(cue.ParsePath("concept.schedule")))
func CompileConcept(v cue.Value) (*ConceptSpec, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	spec := &ConceptSpec{}

	// The concept name is the struct label (the path selector).
	labels := v.Path().Selectors()
	if len(labels) > 0 {
		spec.Name = labels[len(labels)-1].String()
	}

	purposeVal := v.LookupPath(cue.ParsePath("purpose"))
	if !purposeVal.Exists() {
		return nil, &CompileError{
			Field:   "purpose",
			Message: "purpose is required",
			Pos:     v.Pos(),
		}
	}
	purpose, err := purposeVal.String()
	if err != nil {
		return nil, formatCUEError(err)
	}
	spec.Purpose = purpose

	spec.Actions, err = parseActions(v)
	if err != nil {
		return nil, err
	}

	return spec, nil
}

// parseActions extracts the action declarations from a concept struct.
func parseActions(v cue.Value) ([]ActionSig, error) {
	var actions []ActionSig

	actionVal := v.LookupPath(cue.ParsePath("action"))
	if !actionVal.Exists() {
		return actions, nil
	}

	iter, err := actionVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	for iter.Next() {
		sig := ActionSig{Name: iter.Label()}
		actionValue := iter.Value()

		sig.Args, err = parseFieldTypes(actionValue.LookupPath(cue.ParsePath("args")))
		if err != nil {
			return nil, err
		}

		outputVal := actionValue.LookupPath(cue.ParsePath("output"))
		if !outputVal.Exists() {
			return nil, &CompileError{
				Field:   fmt.Sprintf("action.%s.output", sig.Name),
				Message: "action output is required",
				Pos:     actionValue.Pos(),
			}
		}
		sig.Output, err = parseFieldTypes(outputVal)
		if err != nil {
			return nil, err
		}

		actions = append(actions, sig)
	}

	return actions, nil
}

// parseFieldTypes reads a struct of field: type declarations in
// declaration order. A missing struct yields no fields.
func parseFieldTypes(v cue.Value) ([]NamedField, error) {
	if !v.Exists() {
		return nil, nil
	}

	iter, err := v.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var fields []NamedField
	for iter.Next() {
		typeName, err := extractTypeName(iter.Value())
		if err != nil {
			return nil, err
		}
		fields = append(fields, NamedField{Name: iter.Label(), Type: typeName})
	}
	return fields, nil
}

// extractTypeName converts a CUE type to its manifest type string.
// Floats have no representation in the value model and are rejected.
func extractTypeName(v cue.Value) (string, error) {
	switch v.IncompleteKind() {
	case cue.StringKind:
		return "string", nil
	case cue.IntKind:
		return "int", nil
	case cue.BoolKind:
		return "bool", nil
	case cue.ListKind:
		return "array", nil
	case cue.StructKind:
		return "object", nil
	case cue.FloatKind, cue.NumberKind:
		return "", &CompileError{
			Field:   "type",
			Message: "float types are forbidden - use int instead",
			Pos:     v.Pos(),
		}
	default:
		return "", &CompileError{
			Field:   "type",
			Message: fmt.Sprintf("unsupported type kind: %v", v.IncompleteKind()),
			Pos:     v.Pos(),
		}
	}
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	// CUE errors may contain multiple errors
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	// Return first error with position info
	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
