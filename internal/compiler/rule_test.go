package compiler

import (
	"context"
	"testing"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftworks/weft/internal/action"
	"github.com/weftworks/weft/internal/rule"
	"github.com/weftworks/weft/internal/value"
)

func compileRuleSrc(t *testing.T, src, path string, guards GuardTable) (*rule.Rule, error) {
	t.Helper()
	ctx := cuecontext.New()
	v := ctx.CompileString(src)
	require.NoError(t, v.Err())
	return CompileRule(v.LookupPath(cue.ParsePath(path)), guards)
}

// passGuard is a guard constructor that lets every frame through.
func passGuard(vars VarTable) (rule.GuardFunc, error) {
	return func(_ context.Context, _ rule.GuardAPI, f rule.Frame) ([]rule.Frame, error) {
		return []rule.Frame{f}, nil
	}, nil
}

func TestCompileRuleBasic(t *testing.T) {
	r, err := compileRuleSrc(t, `
		rule: "delete-section": {
			when: [{
				action: "api.request"
				input: {path: "/delete_section", request: "?request", section: "?section"}
			}, {
				action: "schedule.create_section"
				output: {section: "?section", owner: "?owner"}
			}]
			then: [{
				action: "schedule.delete_section"
				input: {section: "?section"}
			}]
		}
	`, `rule."delete-section"`, nil)
	require.NoError(t, err)

	assert.Equal(t, "delete-section", r.Name)
	require.Len(t, r.When, 2)
	assert.Equal(t, action.Ref("api.request"), r.When[0].Ref)
	assert.Equal(t, action.Ref("schedule.create_section"), r.When[1].Ref)

	lit, ok := r.When[0].Input["path"].(rule.Lit)
	require.True(t, ok, "path should compile to a literal")
	assert.True(t, value.Equal(value.String("/delete_section"), lit.Value))

	_, ok = r.When[0].Input["request"].(rule.Bind)
	assert.True(t, ok, "?request should compile to a variable")

	require.Len(t, r.Then, 1)
	assert.Equal(t, action.Ref("schedule.delete_section"), r.Then[0].Ref)
}

func TestCompileRuleSharedVariableIdentity(t *testing.T) {
	r, err := compileRuleSrc(t, `
		rule: "join": {
			when: [{
				action: "api.request"
				input: {section: "?section"}
			}, {
				action: "schedule.create_section"
				output: {section: "?section"}
			}]
			then: [{
				action: "schedule.delete_section"
				input: {section: "?section"}
			}]
		}
	`, `rule."join"`, nil)
	require.NoError(t, err)

	first := r.When[0].Input["section"].(rule.Bind).Var
	second := r.When[1].Output["section"].(rule.Bind).Var
	third := r.Then[0].Input["section"].(rule.Bind).Var

	assert.Equal(t, first, second, "same name in one rule interns to one variable")
	assert.Equal(t, first, third)
	assert.Equal(t, "section", first.Name())
}

func TestCompileRuleDistinctRulesDistinctVariables(t *testing.T) {
	src := `
		rule: "a": {
			when: [{action: "api.request", input: {request: "?request"}}]
		}
		rule: "b": {
			when: [{action: "api.request", input: {request: "?request"}}]
		}
	`
	ra, err := compileRuleSrc(t, src, "rule.a", nil)
	require.NoError(t, err)
	rb, err := compileRuleSrc(t, src, "rule.b", nil)
	require.NoError(t, err)

	va := ra.When[0].Input["request"].(rule.Bind).Var
	vb := rb.When[0].Input["request"].(rule.Bind).Var
	assert.NotEqual(t, va, vb, "?request in different rules must not unify across rules")
	assert.Equal(t, va.Name(), vb.Name())
}

func TestCompileRuleGuardResolution(t *testing.T) {
	var seen []string
	guards := GuardTable{
		"check": func(vars VarTable) (rule.GuardFunc, error) {
			for name := range vars {
				seen = append(seen, name)
			}
			return passGuard(vars)
		},
	}

	r, err := compileRuleSrc(t, `
		rule: "gated": {
			when: [{action: "api.request", input: {request: "?request", session: "?session"}}]
			guard: "check"
		}
	`, "rule.gated", guards)
	require.NoError(t, err)

	require.NotNil(t, r.Guard)
	assert.ElementsMatch(t, []string{"request", "session"}, seen,
		"the constructor sees every variable the rule interned")
}

func TestCompileRuleGuardConstructorError(t *testing.T) {
	guards := GuardTable{
		"needs_owner": func(vars VarTable) (rule.GuardFunc, error) {
			if _, err := vars.Need("owner"); err != nil {
				return nil, err
			}
			return passGuard(vars)
		},
	}

	_, err := compileRuleSrc(t, `
		rule: "gated": {
			when: [{action: "api.request", input: {request: "?request"}}]
			guard: "needs_owner"
		}
	`, "rule.gated", guards)

	require.Error(t, err)
	assert.Contains(t, err.Error(), `guard "needs_owner"`)
	assert.Contains(t, err.Error(), "?owner")
}

func TestCompileRuleUnknownGuard(t *testing.T) {
	_, err := compileRuleSrc(t, `
		rule: "gated": {
			when: [{action: "api.request", input: {request: "?request"}}]
			guard: "nobody_home"
		}
	`, "rule.gated", GuardTable{})

	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown guard "nobody_home"`)
}

func TestCompileRuleGuardVars(t *testing.T) {
	guards := GuardTable{"bind_user": passGuard}

	r, err := compileRuleSrc(t, `
		rule: "gated": {
			when: [{action: "api.request", input: {request: "?request", session: "?session"}}]
			guard: "bind_user"
			guard_vars: ["user"]
			then: [{
				action: "schedule.create_section"
				input: {owner: "?user"}
			}]
		}
	`, "rule.gated", guards)
	require.NoError(t, err)

	require.Len(t, r.GuardVars, 1)
	assert.Equal(t, "user", r.GuardVars[0].Name())

	templateVar := r.Then[0].Input["owner"].(rule.Bind).Var
	assert.Equal(t, r.GuardVars[0], templateVar,
		"the then-template reuses the guard-var token")
}

func TestCompileRuleGuardVarsQuestionPrefix(t *testing.T) {
	guards := GuardTable{"bind_user": passGuard}

	r, err := compileRuleSrc(t, `
		rule: "gated": {
			when: [{action: "api.request", input: {request: "?request"}}]
			guard: "bind_user"
			guard_vars: ["?user"]
		}
	`, "rule.gated", guards)
	require.NoError(t, err)

	require.Len(t, r.GuardVars, 1)
	assert.Equal(t, "user", r.GuardVars[0].Name())
}

func TestCompileRuleGuardVarsWithoutGuard(t *testing.T) {
	// Compiles; ValidateManifest reports E114 and registration rejects it.
	r, err := compileRuleSrc(t, `
		rule: "odd": {
			when: [{action: "api.request", input: {request: "?request"}}]
			guard_vars: ["user"]
		}
	`, "rule.odd", nil)
	require.NoError(t, err)

	assert.Nil(t, r.Guard)
	assert.Len(t, r.GuardVars, 1)
}

func TestCompileRuleMissingWhen(t *testing.T) {
	_, err := compileRuleSrc(t, `
		rule: "bare": {
			then: [{action: "audit.note", input: {}}]
		}
	`, "rule.bare", nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "when is required")
}

func TestCompileRuleEmptyWhenList(t *testing.T) {
	r, err := compileRuleSrc(t, `
		rule: "inert": {
			when: []
		}
	`, "rule.inert", nil)
	require.NoError(t, err)
	assert.Empty(t, r.When)
}

func TestCompileRuleMissingActionInWhen(t *testing.T) {
	_, err := compileRuleSrc(t, `
		rule: "bad": {
			when: [{input: {request: "?request"}}]
		}
	`, "rule.bad", nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "when[0]")
	assert.Contains(t, err.Error(), "action is required")
}

func TestCompileRuleMissingActionInThen(t *testing.T) {
	_, err := compileRuleSrc(t, `
		rule: "bad": {
			when: [{action: "api.request", input: {request: "?request"}}]
			then: [{input: {request: "?request"}}]
		}
	`, "rule.bad", nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "then[0]")
	assert.Contains(t, err.Error(), "action is required")
}

func TestCompileRuleLiteralTerms(t *testing.T) {
	r, err := compileRuleSrc(t, `
		rule: "literals": {
			when: [{
				action: "api.request"
				input: {
					count:   3
					enabled: true
					note:    null
					tags: ["a", "b"]
					meta: {kind: "x", depth: 2}
				}
			}]
		}
	`, "rule.literals", nil)
	require.NoError(t, err)

	input := r.When[0].Input
	assert.True(t, value.Equal(value.Int(3), input["count"].(rule.Lit).Value))
	assert.True(t, value.Equal(value.Bool(true), input["enabled"].(rule.Lit).Value))
	assert.True(t, value.Equal(value.Null{}, input["note"].(rule.Lit).Value))
	assert.True(t, value.Equal(
		value.Array{value.String("a"), value.String("b")},
		input["tags"].(rule.Lit).Value))
	assert.True(t, value.Equal(
		value.Object{"kind": value.String("x"), "depth": value.Int(2)},
		input["meta"].(rule.Lit).Value))
}

func TestCompileRuleRejectsFloatLiteral(t *testing.T) {
	_, err := compileRuleSrc(t, `
		rule: "bad": {
			when: [{action: "api.request", input: {score: 4.5}}]
		}
	`, "rule.bad", nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "float literals are forbidden")
}

func TestCompileRuleEscapedQuestionMark(t *testing.T) {
	r, err := compileRuleSrc(t, `
		rule: "escaped": {
			when: [{action: "api.request", input: {path: "??not_a_var"}}]
		}
	`, "rule.escaped", nil)
	require.NoError(t, err)

	lit, ok := r.When[0].Input["path"].(rule.Lit)
	require.True(t, ok, "?? escapes to a literal")
	assert.True(t, value.Equal(value.String("?not_a_var"), lit.Value))
}

func TestCompileRuleEmptyVariableName(t *testing.T) {
	_, err := compileRuleSrc(t, `
		rule: "bad": {
			when: [{action: "api.request", input: {x: "?"}}]
		}
	`, "rule.bad", nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty variable name")
}

func TestCompileRuleNestedStringsAreLiterals(t *testing.T) {
	r, err := compileRuleSrc(t, `
		rule: "nested": {
			when: [{action: "api.request", input: {tags: ["?looks_like_a_var"]}}]
		}
	`, "rule.nested", nil)
	require.NoError(t, err)

	lit := r.When[0].Input["tags"].(rule.Lit)
	assert.True(t, value.Equal(value.Array{value.String("?looks_like_a_var")}, lit.Value),
		"variables are field-level only; nested strings are taken verbatim")
}

func TestCompileRuleNoThen(t *testing.T) {
	r, err := compileRuleSrc(t, `
		rule: "watch-only": {
			when: [{action: "api.request", input: {request: "?request"}}]
		}
	`, `rule."watch-only"`, nil)
	require.NoError(t, err)
	assert.Empty(t, r.Then)
}

func TestCompileRuleRegisters(t *testing.T) {
	r, err := compileRuleSrc(t, `
		rule: "clean": {
			when: [{
				action: "api.request"
				input: {path: "/ping", request: "?request"}
			}]
			then: [{
				action: "api.respond"
				input: {request: "?request", pong: true}
			}]
		}
	`, "rule.clean", nil)
	require.NoError(t, err)

	reg := rule.NewRegistry()
	require.NoError(t, reg.Register(r))
	got, ok := reg.Lookup("clean")
	require.True(t, ok)
	assert.Same(t, r, got)
}

func TestVarTableNeed(t *testing.T) {
	v := rule.NewVar("session")
	table := VarTable{"session": v}

	got, err := table.Need("session")
	require.NoError(t, err)
	assert.Equal(t, v, got)

	_, err = table.Need("owner")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "?owner")
}
