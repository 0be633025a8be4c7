package demo

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftworks/weft/internal/action"
	"github.com/weftworks/weft/internal/compiler"
	"github.com/weftworks/weft/internal/rule"
	"github.com/weftworks/weft/internal/value"
)

// fakeGuardAPI hands guards a canned session table and records what they
// invoke and respond.
type fakeGuardAPI struct {
	sessions map[string]string // token -> user
	invoked  []action.Ref
	responds map[string]value.Object
}

func newFakeGuardAPI(sessions map[string]string) *fakeGuardAPI {
	return &fakeGuardAPI{
		sessions: sessions,
		responds: make(map[string]value.Object),
	}
}

func (f *fakeGuardAPI) Lookup(context.Context, rule.WhenPattern, rule.Frame) ([]rule.Frame, error) {
	return nil, nil
}

func (f *fakeGuardAPI) Invoke(_ context.Context, ref action.Ref, input value.Object) (value.Object, error) {
	f.invoked = append(f.invoked, ref)
	if ref != action.MakeRef("session", "validate") {
		return nil, fmt.Errorf("unexpected invoke: %s", ref)
	}
	token, _ := input["session"].(value.String)
	user, ok := f.sessions[string(token)]
	if !ok {
		return value.Object{"error": value.String("invalid session")}, nil
	}
	return value.Object{"session": token, "user": value.String(user)}, nil
}

func (f *fakeGuardAPI) Respond(_ context.Context, requestID string, payload value.Object) error {
	f.responds[requestID] = payload
	return nil
}

// buildGuard resolves one named guard against a variable table.
func buildGuard(t *testing.T, name string, vars compiler.VarTable) rule.GuardFunc {
	t.Helper()
	ctor, ok := Guards()[name]
	require.True(t, ok, "guard %s should be in the table", name)
	g, err := ctor(vars)
	require.NoError(t, err)
	return g
}

func TestGuardsRequireSessionPasses(t *testing.T) {
	reqVar, sessionVar := rule.NewVar("request"), rule.NewVar("session")
	guard := buildGuard(t, "require_session", compiler.VarTable{
		"request": reqVar, "session": sessionVar,
	})

	api := newFakeGuardAPI(map[string]string{"tok1": "alice"})
	f := rule.Frame{reqVar: value.String("req-1"), sessionVar: value.String("tok1")}

	frames, err := guard(context.Background(), api, f)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.True(t, frames[0].Equal(f))
	assert.Empty(t, api.responds)
	assert.Contains(t, api.invoked, action.MakeRef("session", "validate"))
}

func TestGuardsRequireSessionUnauthorized(t *testing.T) {
	reqVar, sessionVar := rule.NewVar("request"), rule.NewVar("session")
	guard := buildGuard(t, "require_session", compiler.VarTable{
		"request": reqVar, "session": sessionVar,
	})

	api := newFakeGuardAPI(nil)
	f := rule.Frame{reqVar: value.String("req-1"), sessionVar: value.String("bogus")}

	frames, err := guard(context.Background(), api, f)
	require.NoError(t, err)
	assert.Empty(t, frames, "unauthorized frames are dropped")
	assert.Equal(t, value.Object{
		"error": value.String("Unauthorized: valid session required."),
	}, api.responds["req-1"])
}

func TestGuardsRequireSessionMissingConstructorVar(t *testing.T) {
	ctor := Guards()["require_session"]
	_, err := ctor(compiler.VarTable{"request": rule.NewVar("request")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "?session")
}

func TestGuardsRequireOwnerSessionOwnerMatch(t *testing.T) {
	reqVar := rule.NewVar("request")
	sessionVar := rule.NewVar("session")
	ownerVar := rule.NewVar("owner")
	guard := buildGuard(t, "require_owner_session", compiler.VarTable{
		"request": reqVar, "session": sessionVar, "owner": ownerVar,
	})

	api := newFakeGuardAPI(map[string]string{"tok1": "alice"})
	f := rule.Frame{
		reqVar:     value.String("req-1"),
		sessionVar: value.String("tok1"),
		ownerVar:   value.String("alice"),
	}

	frames, err := guard(context.Background(), api, f)
	require.NoError(t, err)
	assert.Len(t, frames, 1)
	assert.Empty(t, api.responds)
}

func TestGuardsRequireOwnerSessionOwnerMismatch(t *testing.T) {
	reqVar := rule.NewVar("request")
	sessionVar := rule.NewVar("session")
	ownerVar := rule.NewVar("owner")
	guard := buildGuard(t, "require_owner_session", compiler.VarTable{
		"request": reqVar, "session": sessionVar, "owner": ownerVar,
	})

	// mallory holds a live session, but the section belongs to alice.
	api := newFakeGuardAPI(map[string]string{"tok2": "mallory"})
	f := rule.Frame{
		reqVar:     value.String("req-1"),
		sessionVar: value.String("tok2"),
		ownerVar:   value.String("alice"),
	}

	frames, err := guard(context.Background(), api, f)
	require.NoError(t, err)
	assert.Empty(t, frames)
	require.Contains(t, api.responds, "req-1")
	assert.Equal(t, value.String("Unauthorized: valid session required."), api.responds["req-1"]["error"])
}

func TestGuardsSessionUserBindsUser(t *testing.T) {
	reqVar := rule.NewVar("request")
	sessionVar := rule.NewVar("session")
	userVar := rule.NewVar("user")
	guard := buildGuard(t, "session_user", compiler.VarTable{
		"request": reqVar, "session": sessionVar, "user": userVar,
	})

	api := newFakeGuardAPI(map[string]string{"tok1": "alice"})
	f := rule.Frame{reqVar: value.String("req-1"), sessionVar: value.String("tok1")}

	frames, err := guard(context.Background(), api, f)
	require.NoError(t, err)
	require.Len(t, frames, 1)

	bound, ok := frames[0].Bound(userVar)
	require.True(t, ok, "the guard binds ?user")
	assert.True(t, value.Equal(value.String("alice"), bound))
}

func TestGuardsSessionUserConflictingBinding(t *testing.T) {
	reqVar := rule.NewVar("request")
	sessionVar := rule.NewVar("session")
	userVar := rule.NewVar("user")
	guard := buildGuard(t, "session_user", compiler.VarTable{
		"request": reqVar, "session": sessionVar, "user": userVar,
	})

	api := newFakeGuardAPI(map[string]string{"tok1": "alice"})
	f := rule.Frame{
		reqVar:     value.String("req-1"),
		sessionVar: value.String("tok1"),
		userVar:    value.String("mallory"),
	}

	frames, err := guard(context.Background(), api, f)
	require.NoError(t, err)
	assert.Empty(t, frames, "a pre-bound ?user that disagrees cannot pass")
	assert.Contains(t, api.responds, "req-1")
}

func TestConceptsCoreRegistry(t *testing.T) {
	reg, err := Concepts(nil)
	require.NoError(t, err)

	assert.True(t, reg.Sealed())
	assert.ElementsMatch(t, []string{"schedule", "account", "session"}, reg.Names())
}

func TestConceptsWithRedis(t *testing.T) {
	// Client construction does not dial; registration is all we check.
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()

	reg, err := Concepts(client)
	require.NoError(t, err)
	assert.Contains(t, reg.Names(), "ratings")
}

func TestDemoManifestsRoundTrip(t *testing.T) {
	dir := filepath.Join("..", "..", "manifests")

	m, errs := compiler.LoadDir(dir, Guards(), compiler.LoadModeCollectAll)
	require.Empty(t, errs, "shipped manifests must load cleanly")

	assert.Equal(t, 3, m.FileCount)
	assert.Len(t, m.Concepts, 4)
	assert.Len(t, m.Rules, 25)

	assert.Empty(t, compiler.ValidateManifest(m), "shipped manifests must validate cleanly")
	assert.Empty(t, compiler.AnalyzeCycles(m.Rules), "the demo rule set is a DAG")

	reg, err := m.RuleRegistry()
	require.NoError(t, err)
	assert.Equal(t, 25, reg.Len())

	deleteSection, ok := reg.Lookup("delete-section")
	require.True(t, ok)
	assert.Len(t, deleteSection.When, 2, "delete joins the request against the create record")
	assert.NotNil(t, deleteSection.Guard)

	confirmLogin, ok := reg.Lookup("confirm-login")
	require.True(t, ok)
	assert.Equal(t, action.Ref("api.respond"), confirmLogin.Then[0].Ref)
}
