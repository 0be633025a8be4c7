package compiler

import (
	"fmt"
	"strings"

	"github.com/weftworks/weft/internal/action"
	"github.com/weftworks/weft/internal/rule"
)

// Validation error codes (E100-E199)
const (
	// ConceptSpec errors (E101-E109)
	ErrConceptPurposeEmpty = "E101" // purpose is required
	ErrConceptNoActions    = "E102" // at least one action required
	ErrActionNoOutputs     = "E103" // action must declare output fields
	ErrInvalidFieldType    = "E104" // invalid type string
	ErrDuplicateName       = "E105" // duplicate concept/action/rule name
	ErrFloatTypeForbidden  = "E106" // float types not allowed

	// Rule errors (E110-E119)
	ErrInvalidActionRef    = "E110" // invalid action reference format
	ErrUnknownActionRef    = "E112" // reference to an action no concept declares
	ErrUnboundThenVariable = "E113" // then-template variable with no binding source
	ErrGuardVarsNoGuard    = "E114" // guard_vars declared without a guard
)

// ValidationError represents a manifest validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// ValidateConcept validates a compiled concept spec against schema rules.
// Returns all errors found (does not fail-fast).
func ValidateConcept(spec *ConceptSpec) []ValidationError {
	var errs []ValidationError

	// E101: purpose is required
	if strings.TrimSpace(spec.Purpose) == "" {
		errs = append(errs, ValidationError{
			Field:   "purpose",
			Message: "purpose is required and must be non-empty",
			Code:    ErrConceptPurposeEmpty,
		})
	}

	// E102: at least one action required
	if len(spec.Actions) == 0 {
		errs = append(errs, ValidationError{
			Field:   "action",
			Message: "at least one action is required",
			Code:    ErrConceptNoActions,
		})
	}

	actionNames := make(map[string]bool)
	for _, sig := range spec.Actions {
		// E105: duplicate action name
		if actionNames[sig.Name] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("action.%s", sig.Name),
				Message: fmt.Sprintf("duplicate action name: %q", sig.Name),
				Code:    ErrDuplicateName,
			})
		}
		actionNames[sig.Name] = true

		// E103: action must declare output fields
		if len(sig.Output) == 0 {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("action.%s.output", sig.Name),
				Message: fmt.Sprintf("action %q must declare at least one output field", sig.Name),
				Code:    ErrActionNoOutputs,
			})
		}

		for _, f := range sig.Args {
			errs = append(errs, validateFieldType(f.Type, fmt.Sprintf("action.%s.args.%s", sig.Name, f.Name), f.Name)...)
		}
		for _, f := range sig.Output {
			errs = append(errs, validateFieldType(f.Type, fmt.Sprintf("action.%s.output.%s", sig.Name, f.Name), f.Name)...)
		}
	}

	return errs
}

// validateFieldType validates a type string, returning errors for invalid types and floats.
func validateFieldType(fieldType, fieldPath, fieldName string) []ValidationError {
	var errs []ValidationError

	// E104: check for valid type
	if !isValidType(fieldType) {
		errs = append(errs, ValidationError{
			Field:   fieldPath,
			Message: fmt.Sprintf("invalid type %q for field %q", fieldType, fieldName),
			Code:    ErrInvalidFieldType,
		})
	}

	// E106: float forbidden (explicit check even if not in valid types)
	if isFloatType(fieldType) {
		errs = append(errs, ValidationError{
			Field:   fieldPath,
			Message: fmt.Sprintf("float type forbidden for field %q, use int instead", fieldName),
			Code:    ErrFloatTypeForbidden,
		})
	}

	return errs
}

// ValidateManifest validates a loaded manifest as a whole: each concept's
// schema, plus the cross-references from rules to declared actions.
// Returns all errors found (does not fail-fast).
func ValidateManifest(m *Manifest) []ValidationError {
	var errs []ValidationError

	declared := make(map[action.Ref]bool)
	// The engine itself serves the request surface; manifests never
	// declare it.
	declared[action.MakeRef("api", "request")] = true
	declared[action.MakeRef("api", "respond")] = true

	conceptNames := make(map[string]bool)
	for _, spec := range m.Concepts {
		// E105: duplicate concept name
		if conceptNames[spec.Name] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("concept.%s", spec.Name),
				Message: fmt.Sprintf("duplicate concept name: %q", spec.Name),
				Code:    ErrDuplicateName,
			})
		}
		conceptNames[spec.Name] = true

		for _, e := range ValidateConcept(spec) {
			e.Field = fmt.Sprintf("concept.%s.%s", spec.Name, e.Field)
			errs = append(errs, e)
		}

		for _, sig := range spec.Actions {
			declared[action.MakeRef(spec.Name, sig.Name)] = true
		}
	}

	ruleNames := make(map[string]bool)
	for _, r := range m.Rules {
		// E105: duplicate rule name
		if ruleNames[r.Name] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("rule.%s", r.Name),
				Message: fmt.Sprintf("duplicate rule name: %q", r.Name),
				Code:    ErrDuplicateName,
			})
		}
		ruleNames[r.Name] = true

		errs = append(errs, validateRule(r, declared)...)
	}

	return errs
}

// validateRule cross-checks one compiled rule against the declared
// actions.
func validateRule(r *rule.Rule, declared map[action.Ref]bool) []ValidationError {
	var errs []ValidationError

	checkRef := func(ref action.Ref, fieldPath string) {
		// E110: validate reference format
		if err := ref.Validate(); err != nil {
			errs = append(errs, ValidationError{
				Field:   fieldPath,
				Message: fmt.Sprintf("invalid action reference %q, expected format \"concept.action\"", string(ref)),
				Code:    ErrInvalidActionRef,
			})
			return
		}
		// E112: reference must resolve to a declared action
		if !declared[ref] {
			errs = append(errs, ValidationError{
				Field:   fieldPath,
				Message: fmt.Sprintf("no concept declares action %q", string(ref)),
				Code:    ErrUnknownActionRef,
			})
		}
	}

	for i, p := range r.When {
		checkRef(p.Ref, fmt.Sprintf("rule.%s.when[%d].action", r.Name, i))
	}
	for i, t := range r.Then {
		checkRef(t.Ref, fmt.Sprintf("rule.%s.then[%d].action", r.Name, i))
	}

	// E114: guard variables require a guard to bind them
	if len(r.GuardVars) > 0 && r.Guard == nil {
		errs = append(errs, ValidationError{
			Field:   fmt.Sprintf("rule.%s.guard_vars", r.Name),
			Message: "guard_vars declared but the rule names no guard",
			Code:    ErrGuardVarsNoGuard,
		})
	}

	// E113: every then-template variable needs a binding source
	bound := make(map[rule.Var]bool)
	for _, v := range r.WhenVars() {
		bound[v] = true
	}
	for _, v := range r.GuardVars {
		bound[v] = true
	}
	for i, t := range r.Then {
		for _, v := range t.Vars() {
			if !bound[v] {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("rule.%s.then[%d]", r.Name, i),
					Message: fmt.Sprintf("variable %s is bound by no when-pattern and not declared in guard_vars", v),
					Code:    ErrUnboundThenVariable,
				})
			}
		}
	}

	return errs
}

// isValidType checks if a type string is valid for a manifest field.
func isValidType(t string) bool {
	validTypes := map[string]bool{
		"string": true,
		"int":    true,
		"bool":   true,
		"array":  true,
		"object": true,
	}
	return validTypes[t]
}

// isFloatType checks if a type string represents a float type.
func isFloatType(t string) bool {
	floatTypes := map[string]bool{
		"float":   true,
		"float32": true,
		"float64": true,
		"number":  true,
		"double":  true,
	}
	return floatTypes[t]
}
