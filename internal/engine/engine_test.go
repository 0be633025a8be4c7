package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftworks/weft/internal/action"
	"github.com/weftworks/weft/internal/concept"
	"github.com/weftworks/weft/internal/pending"
	"github.com/weftworks/weft/internal/rule"
	"github.com/weftworks/weft/internal/value"
)

// auditConcept returns a registry holding a single "audit" concept whose
// "note" action records the user field of every invocation.
func auditConcept(t *testing.T) (*concept.Registry, func() []string) {
	t.Helper()

	var mu sync.Mutex
	var noted []string

	concepts := concept.NewRegistry()
	require.NoError(t, concepts.Register("audit", concept.Func{
		"note": func(_ context.Context, input value.Object) (value.Object, error) {
			mu.Lock()
			defer mu.Unlock()
			user, _ := input["user"].(value.String)
			noted = append(noted, string(user))
			return value.Object{"noted": value.Bool(true)}, nil
		},
	}))
	concepts.Seal()

	return concepts, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), noted...)
	}
}

func TestEngine_Serve_RuleResponds(t *testing.T) {
	vReq := rule.NewVar("request")

	rules := rule.NewRegistry()
	require.NoError(t, rules.Register(&rule.Rule{
		Name: "Pong",
		When: []rule.WhenPattern{{
			Ref: action.MakeRef("api", "request"),
			Input: map[string]rule.Term{
				"path":    rule.L(value.String("/ping")),
				"request": rule.V(vReq),
			},
		}},
		Then: []rule.ThenTemplate{{
			Ref: action.MakeRef("api", "respond"),
			Input: map[string]rule.Term{
				"request": rule.V(vReq),
				"pong":    rule.L(value.Bool(true)),
			},
		}},
	}))

	e := newTestEngine(t, rules, nil, WithIDGenerator(NewFixedGenerator("req-1")))
	startEngine(t, e)

	resp, err := e.Serve(context.Background(), "/ping", value.Object{})
	require.NoError(t, err)
	assert.Equal(t, value.Object{"pong": value.Bool(true)}, resp)

	settle(t, e)

	// Both bootstrap actions left log records.
	requests := queryRecords(t, e, "api", "request")
	require.Len(t, requests, 1)
	assert.Equal(t, value.String("req-1"), requests[0].Input["request"])

	responds := queryRecords(t, e, "api", "respond")
	require.Len(t, responds, 1)
	assert.Equal(t, value.Object{"resolved": value.Bool(true)}, responds[0].Output)
}

func TestEngine_Serve_TimesOutWithoutResponder(t *testing.T) {
	e := newTestEngine(t, nil, nil,
		WithIDGenerator(NewFixedGenerator("req-1")),
		WithRequestTimeout(50*time.Millisecond),
	)
	startEngine(t, e)

	start := time.Now()
	_, err := e.Serve(context.Background(), "/nobody_home", value.Object{})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, pending.IsTimeout(err), "error should be the typed timeout")

	var te *pending.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "req-1", te.RequestID)
	assert.Equal(t, 50*time.Millisecond, te.Timeout)

	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond, "timeout must not fire early")
	assert.Equal(t, 0, e.PendingCount(), "observed entry should be released")
}

func TestEngine_SubmitRequest_ReturnsBeforeResolution(t *testing.T) {
	e := newTestEngine(t, nil, nil,
		WithIDGenerator(NewFixedGenerator("req-1")),
		WithRequestTimeout(50*time.Millisecond),
	)
	startEngine(t, e)

	id, err := e.SubmitRequest(context.Background(), "/slow", value.Object{"user": value.String("U1")})
	require.NoError(t, err)
	assert.Equal(t, "req-1", id)
	assert.Equal(t, 1, e.PendingCount())

	// The request record is already readable, reserved fields included.
	recs := queryRecords(t, e, "api", "request")
	require.Len(t, recs, 1)
	assert.Equal(t, value.String("req-1"), recs[0].Input["request"])
	assert.Equal(t, value.String("/slow"), recs[0].Input["path"])
	assert.Equal(t, value.String("U1"), recs[0].Input["user"])

	_, err = e.AwaitResponse(context.Background(), id)
	assert.True(t, pending.IsTimeout(err))
}

func TestEngine_SubmitRequest_ReservedFieldsWin(t *testing.T) {
	e := newTestEngine(t, nil, nil,
		WithIDGenerator(NewFixedGenerator("req-1")),
		WithRequestTimeout(50*time.Millisecond),
	)
	startEngine(t, e)

	_, err := e.SubmitRequest(context.Background(), "/real_path", value.Object{
		"request": value.String("forged-id"),
		"path":    value.String("/forged_path"),
	})
	require.NoError(t, err)

	recs := queryRecords(t, e, "api", "request")
	require.Len(t, recs, 1)
	assert.Equal(t, value.String("req-1"), recs[0].Input["request"])
	assert.Equal(t, value.String("/real_path"), recs[0].Input["path"])
}

// TestEngine_DeleteSectionFlow walks the full authorization story: an
// invalid session is turned away by the guard with the canonical error
// payload, a valid owner session deletes the section through the
// schedule concept, and a second rule confirms the deletion back to the
// requester.
func TestEngine_DeleteSectionFlow(t *testing.T) {
	vReq := rule.NewVar("request")
	vSession := rule.NewVar("session")
	vSection := rule.NewVar("section")
	vOwner := rule.NewVar("owner")

	rules := rule.NewRegistry()
	require.NoError(t, rules.Register(&rule.Rule{
		Name: "OwnerDeletesSection",
		When: []rule.WhenPattern{
			{
				Ref: action.MakeRef("api", "request"),
				Input: map[string]rule.Term{
					"path":    rule.L(value.String("/delete_section")),
					"request": rule.V(vReq),
					"session": rule.V(vSession),
					"section": rule.V(vSection),
				},
			},
			{
				Ref: action.MakeRef("schedule", "create_section"),
				Output: map[string]rule.Term{
					"section": rule.V(vSection),
					"owner":   rule.V(vOwner),
				},
			},
		},
		Guard: func(ctx context.Context, g rule.GuardAPI, f rule.Frame) ([]rule.Frame, error) {
			// The owner binding constrains the lookup: only a session
			// belonging to the section's owner authorizes the delete.
			sessions, err := g.Lookup(ctx, rule.WhenPattern{
				Ref: action.MakeRef("session", "create"),
				Output: map[string]rule.Term{
					"session": rule.V(vSession),
					"user":    rule.V(vOwner),
				},
			}, f)
			if err != nil {
				return nil, err
			}
			if len(sessions) == 0 {
				req, _ := f.Bound(vReq)
				return nil, g.Respond(ctx, string(req.(value.String)), value.Object{
					"error": value.String("Unauthorized: valid session required."),
				})
			}
			return sessions, nil
		},
		Then: []rule.ThenTemplate{{
			Ref:   action.MakeRef("schedule", "delete_section"),
			Input: map[string]rule.Term{"section": rule.V(vSection)},
		}},
	}))

	vReq2 := rule.NewVar("request")
	vSection2 := rule.NewVar("section")
	require.NoError(t, rules.Register(&rule.Rule{
		Name: "ConfirmSectionDeleted",
		When: []rule.WhenPattern{
			{
				Ref:    action.MakeRef("schedule", "delete_section"),
				Output: map[string]rule.Term{"deleted": rule.V(vSection2)},
			},
			{
				Ref: action.MakeRef("api", "request"),
				Input: map[string]rule.Term{
					"path":    rule.L(value.String("/delete_section")),
					"request": rule.V(vReq2),
					"section": rule.V(vSection2),
				},
			},
		},
		Then: []rule.ThenTemplate{{
			Ref: action.MakeRef("api", "respond"),
			Input: map[string]rule.Term{
				"request": rule.V(vReq2),
				"success": rule.L(value.Bool(true)),
			},
		}},
	}))

	schedule := concept.NewSchedule()
	sessions := concept.NewSession(concept.WithTokenFunc(func() string { return "tok1" }))
	concepts := concept.NewRegistry()
	require.NoError(t, concepts.Register("schedule", schedule))
	require.NoError(t, concepts.Register("session", sessions))
	concepts.Seal()

	e := newTestEngine(t, rules, concepts, WithIDGenerator(NewFixedGenerator("req-1", "req-2")))
	startEngine(t, e)
	ctx := context.Background()

	// Seed a term, a section owned by U1, and U1's live session.
	_, err := e.invokeAndAppend(ctx, action.MakeRef("schedule", "create_term"),
		value.Object{"name": value.String("Fall")}, 0)
	require.NoError(t, err)
	_, err = e.invokeAndAppend(ctx, action.MakeRef("schedule", "create_section"),
		value.Object{
			"term":  value.String("t1"),
			"title": value.String("Intro Weaving"),
			"owner": value.String("U1"),
		}, 0)
	require.NoError(t, err)
	_, err = e.invokeAndAppend(ctx, action.MakeRef("session", "create"),
		value.Object{"user": value.String("U1")}, 0)
	require.NoError(t, err)

	// A request quoting a session nobody created is turned away.
	resp, err := e.Serve(ctx, "/delete_section", value.Object{
		"session": value.String("bogus"),
		"section": value.String("s1"),
	})
	require.NoError(t, err)
	assert.Equal(t, value.Object{"error": value.String("Unauthorized: valid session required.")}, resp)

	settle(t, e)
	assert.Empty(t, queryRecords(t, e, "schedule", "delete_section"),
		"an unauthorized request must not reach the schedule")
	assert.Equal(t, 1, schedule.SectionCount())

	// The owner's session authorizes; the delete fires and the second
	// rule confirms it.
	resp, err = e.Serve(ctx, "/delete_section", value.Object{
		"session": value.String("tok1"),
		"section": value.String("s1"),
	})
	require.NoError(t, err)
	assert.Equal(t, value.Object{"success": value.Bool(true)}, resp)

	settle(t, e)

	deletes := queryRecords(t, e, "schedule", "delete_section")
	require.Len(t, deletes, 1)
	assert.Equal(t, value.String("s1"), deletes[0].Output["deleted"])
	assert.Equal(t, 0, schedule.SectionCount(), "the concept's own state saw the delete")

	// The confirm rule's join also picked up the first, already-settled
	// request; that respond degraded to a logged no-op.
	responds := queryRecords(t, e, "api", "respond")
	require.Len(t, responds, 3)
	assert.Equal(t, value.Object{"resolved": value.Bool(true)}, responds[0].Output, "unauthorized reply")
	assert.Equal(t, value.Object{"resolved": value.Bool(false)}, responds[1].Output, "stale respond dropped")
	assert.Equal(t, value.Object{"resolved": value.Bool(true)}, responds[2].Output, "success reply")
}

func TestEngine_FirstResolutionWins(t *testing.T) {
	vReq := rule.NewVar("request")
	vReq2 := rule.NewVar("request")

	rules := rule.NewRegistry()
	require.NoError(t, rules.Register(&rule.Rule{
		Name: "First",
		When: []rule.WhenPattern{{
			Ref:   action.MakeRef("api", "request"),
			Input: map[string]rule.Term{"request": rule.V(vReq)},
		}},
		Then: []rule.ThenTemplate{{
			Ref: action.MakeRef("api", "respond"),
			Input: map[string]rule.Term{
				"request": rule.V(vReq),
				"winner":  rule.L(value.String("first")),
			},
		}},
	}))
	require.NoError(t, rules.Register(&rule.Rule{
		Name: "Second",
		When: []rule.WhenPattern{{
			Ref:   action.MakeRef("api", "request"),
			Input: map[string]rule.Term{"request": rule.V(vReq2)},
		}},
		Then: []rule.ThenTemplate{{
			Ref: action.MakeRef("api", "respond"),
			Input: map[string]rule.Term{
				"request": rule.V(vReq2),
				"winner":  rule.L(value.String("second")),
			},
		}},
	}))

	e := newTestEngine(t, rules, nil, WithIDGenerator(NewFixedGenerator("req-1")))
	startEngine(t, e)

	resp, err := e.Serve(context.Background(), "/race", value.Object{})
	require.NoError(t, err)
	assert.Equal(t, value.Object{"winner": value.String("first")}, resp,
		"rules evaluate in registration order; the first respond wins")

	settle(t, e)

	// The losing respond still appended a record, marked unresolved.
	responds := queryRecords(t, e, "api", "respond")
	require.Len(t, responds, 2)
	assert.Equal(t, value.Object{"resolved": value.Bool(true)}, responds[0].Output)
	assert.Equal(t, value.Object{"resolved": value.Bool(false)}, responds[1].Output)
	assert.Equal(t, value.String("second"), responds[1].Input["winner"])
}

func TestEngine_GuardFailureIsolation(t *testing.T) {
	tests := []struct {
		name string
		fail func() ([]rule.Frame, error)
	}{
		{
			name: "guard returns error",
			fail: func() ([]rule.Frame, error) { return nil, errors.New("synthetic guard failure") },
		},
		{
			name: "guard panics",
			fail: func() ([]rule.Frame, error) { panic("guard exploded") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vReq := rule.NewVar("request")
			vUser := rule.NewVar("user")

			concepts, noted := auditConcept(t)

			rules := rule.NewRegistry()
			require.NoError(t, rules.Register(&rule.Rule{
				Name: "NoteEveryUser",
				When: []rule.WhenPattern{
					{
						Ref:   action.MakeRef("api", "request"),
						Input: map[string]rule.Term{"request": rule.V(vReq)},
					},
					{
						Ref:    action.MakeRef("account", "register"),
						Output: map[string]rule.Term{"user": rule.V(vUser)},
					},
				},
				Guard: func(_ context.Context, _ rule.GuardAPI, f rule.Frame) ([]rule.Frame, error) {
					user, _ := f.Bound(vUser)
					if value.Equal(user, value.String("broken")) {
						return tt.fail()
					}
					return []rule.Frame{f}, nil
				},
				Then: []rule.ThenTemplate{{
					Ref:   action.MakeRef("audit", "note"),
					Input: map[string]rule.Term{"user": rule.V(vUser)},
				}},
			}))

			e := newTestEngine(t, rules, concepts,
				WithIDGenerator(NewFixedGenerator("req-1")),
				WithRequestTimeout(50*time.Millisecond),
			)
			startEngine(t, e)
			ctx := context.Background()

			appendRecord(t, e, "account", "register",
				value.Object{"user": value.String("broken")},
				value.Object{"user": value.String("broken")})
			appendRecord(t, e, "account", "register",
				value.Object{"user": value.String("alice")},
				value.Object{"user": value.String("alice")})

			_, err := e.SubmitRequest(ctx, "/audit", value.Object{})
			require.NoError(t, err)
			settle(t, e)

			assert.Equal(t, []string{"alice"}, noted(),
				"the failing frame must not block its sibling")
		})
	}
}

func TestEngine_GuardRespondConsumesFrame(t *testing.T) {
	vReq := rule.NewVar("request")

	concepts, noted := auditConcept(t)

	rules := rule.NewRegistry()
	require.NoError(t, rules.Register(&rule.Rule{
		Name: "AnswerDirectly",
		When: []rule.WhenPattern{{
			Ref:   action.MakeRef("api", "request"),
			Input: map[string]rule.Term{"request": rule.V(vReq)},
		}},
		Guard: func(ctx context.Context, g rule.GuardAPI, f rule.Frame) ([]rule.Frame, error) {
			req, _ := f.Bound(vReq)
			if err := g.Respond(ctx, string(req.(value.String)), value.Object{
				"handled": value.Bool(true),
			}); err != nil {
				return nil, err
			}
			// Returning frames after responding is a guard bug; the
			// engine discards them rather than double-firing.
			return []rule.Frame{f}, nil
		},
		Then: []rule.ThenTemplate{{
			Ref:   action.MakeRef("audit", "note"),
			Input: map[string]rule.Term{},
		}},
	}))

	e := newTestEngine(t, rules, concepts, WithIDGenerator(NewFixedGenerator("req-1")))
	startEngine(t, e)

	resp, err := e.Serve(context.Background(), "/direct", value.Object{})
	require.NoError(t, err)
	assert.Equal(t, value.Object{"handled": value.Bool(true)}, resp)

	settle(t, e)
	assert.Empty(t, noted(), "frames returned after a respond must not dispatch")
	assert.Empty(t, queryRecords(t, e, "audit", "note"))
}

func TestEngine_DepthLimitHaltsChain(t *testing.T) {
	concepts, _ := auditConcept(t)

	rules := rule.NewRegistry()
	require.NoError(t, rules.Register(&rule.Rule{
		Name: "Kick",
		When: []rule.WhenPattern{{Ref: action.MakeRef("api", "request")}},
		Then: []rule.ThenTemplate{{Ref: action.MakeRef("audit", "note")}},
	}))
	// Every note triggers another note; only the depth quota stops it.
	require.NoError(t, rules.Register(&rule.Rule{
		Name: "Loop",
		When: []rule.WhenPattern{{Ref: action.MakeRef("audit", "note")}},
		Then: []rule.ThenTemplate{{Ref: action.MakeRef("audit", "note")}},
	}))

	e := newTestEngine(t, rules, concepts,
		WithIDGenerator(NewFixedGenerator("req-1")),
		WithMaxDepth(3),
		WithRequestTimeout(50*time.Millisecond),
	)
	startEngine(t, e)

	_, err := e.SubmitRequest(context.Background(), "/runaway", value.Object{})
	require.NoError(t, err)
	settle(t, e)

	// Wave 0 (request) fires note 1; waves 1 and 2 each chain one more;
	// note 3's wave arrives at the limit and is dropped unevaluated.
	notes := queryRecords(t, e, "audit", "note")
	assert.Len(t, notes, 3, "the chain must halt at the depth limit")
	assert.Equal(t, 0, e.QueueLen())
}

func TestEngine_MaxDepthZeroDisablesQuota(t *testing.T) {
	concepts, noted := auditConcept(t)

	rules := rule.NewRegistry()
	require.NoError(t, rules.Register(&rule.Rule{
		Name: "NoteTermCreation",
		When: []rule.WhenPattern{{Ref: action.MakeRef("schedule", "create_term")}},
		Then: []rule.ThenTemplate{{Ref: action.MakeRef("audit", "note")}},
	}))

	e := newTestEngine(t, rules, concepts, WithMaxDepth(0))
	startEngine(t, e)

	rec := appendRecord(t, e, "schedule", "create_term",
		value.Object{"name": value.String("Fall")},
		value.Object{"term": value.String("t1")})
	require.True(t, e.enqueue(Event{Record: rec, Depth: 1000}))
	settle(t, e)

	assert.Len(t, noted(), 1, "a zero limit disables the quota entirely")
}

func TestEngine_RedeliveredTriggerDoesNotRefire(t *testing.T) {
	concepts, noted := auditConcept(t)

	rules := rule.NewRegistry()
	require.NoError(t, rules.Register(&rule.Rule{
		Name: "NoteTermCreation",
		When: []rule.WhenPattern{{Ref: action.MakeRef("schedule", "create_term")}},
		Then: []rule.ThenTemplate{{Ref: action.MakeRef("audit", "note")}},
	}))

	e := newTestEngine(t, rules, concepts)
	startEngine(t, e)

	rec := appendRecord(t, e, "schedule", "create_term",
		value.Object{"name": value.String("Fall")},
		value.Object{"term": value.String("t1")})

	// Deliver the same trigger twice; the durable firing claim makes the
	// second wave a no-op.
	require.True(t, e.enqueue(Event{Record: rec, Depth: 0}))
	require.True(t, e.enqueue(Event{Record: rec, Depth: 0}))
	settle(t, e)

	assert.Len(t, noted(), 1, "claim-before-invoke allows at most one invocation")
	assert.Len(t, queryRecords(t, e, "audit", "note"), 1)
}

func TestEngine_IndependentRequests(t *testing.T) {
	vReq := rule.NewVar("request")
	vTag := rule.NewVar("tag")

	rules := rule.NewRegistry()
	require.NoError(t, rules.Register(&rule.Rule{
		Name: "EchoTag",
		When: []rule.WhenPattern{{
			Ref: action.MakeRef("api", "request"),
			Input: map[string]rule.Term{
				"request": rule.V(vReq),
				"tag":     rule.V(vTag),
			},
		}},
		Then: []rule.ThenTemplate{{
			Ref: action.MakeRef("api", "respond"),
			Input: map[string]rule.Term{
				"request": rule.V(vReq),
				"tag":     rule.V(vTag),
			},
		}},
	}))

	e := newTestEngine(t, rules, nil)
	startEngine(t, e)

	type result struct {
		tag  string
		resp value.Object
		err  error
	}
	tags := []string{"red", "blue", "green"}
	results := make(chan result, len(tags))

	for _, tag := range tags {
		go func(tag string) {
			resp, err := e.Serve(context.Background(), "/echo", value.Object{
				"tag": value.String(tag),
			})
			results <- result{tag: tag, resp: resp, err: err}
		}(tag)
	}

	for range tags {
		r := <-results
		require.NoError(t, r.err)
		assert.Equal(t, value.Object{"tag": value.String(r.tag)}, r.resp,
			"each request must receive its own resolution")
	}
}

func TestEngine_UnknownConceptSkipsOnlyThatFiring(t *testing.T) {
	concepts, noted := auditConcept(t)

	rules := rule.NewRegistry()
	require.NoError(t, rules.Register(&rule.Rule{
		Name: "Mixed",
		When: []rule.WhenPattern{{Ref: action.MakeRef("api", "request")}},
		Then: []rule.ThenTemplate{
			{Ref: action.MakeRef("ghost", "wail")},
			{Ref: action.MakeRef("audit", "note")},
		},
	}))

	e := newTestEngine(t, rules, concepts,
		WithIDGenerator(NewFixedGenerator("req-1")),
		WithRequestTimeout(50*time.Millisecond),
	)
	startEngine(t, e)

	_, err := e.SubmitRequest(context.Background(), "/mixed", value.Object{})
	require.NoError(t, err)
	settle(t, e)

	assert.Len(t, noted(), 1, "the template after the failed one still fires")
	assert.Empty(t, queryRecords(t, e, "ghost", "wail"), "a failed invocation appends nothing")
}

func TestEngine_Restore_ContinuesSeqOrder(t *testing.T) {
	s := openTestLog(t)
	fixedNow := func() time.Time { return testStamp }

	e1 := New(s, rule.NewRegistry(), nil, WithTimeFunc(fixedNow))
	for i := 0; i < 3; i++ {
		appendRecord(t, e1, "schedule", "create_term",
			value.Object{"name": value.String("Fall")},
			value.Object{"term": value.String("t1")})
	}

	e2 := New(s, rule.NewRegistry(), nil, WithTimeFunc(fixedNow))
	require.NoError(t, e2.Restore(context.Background()))
	assert.Equal(t, int64(3), e2.Clock().Current(), "restored clock continues the stored order")

	rec := appendRecord(t, e2, "schedule", "create_term",
		value.Object{"name": value.String("Spring")},
		value.Object{"term": value.String("t2")})
	assert.Equal(t, int64(4), rec.Seq)
}

func TestEngine_Options(t *testing.T) {
	e := newTestEngine(t, nil, nil,
		WithRequestTimeout(5*time.Second),
		WithMaxDepth(10),
	)

	assert.Equal(t, 5*time.Second, e.RequestTimeout())
	assert.Equal(t, 10, e.MaxDepth())
	assert.Equal(t, 0, e.PendingCount())
	assert.Equal(t, 0, e.QueueLen())
}

func TestEngine_Defaults(t *testing.T) {
	e := newTestEngine(t, nil, nil)

	assert.Equal(t, DefaultRequestTimeout, e.RequestTimeout())
	assert.Equal(t, DefaultMaxDepth, e.MaxDepth())
}

func TestEngine_Invoke_AppendsAndTriggersRules(t *testing.T) {
	vUser := rule.NewVar("user")

	rules := rule.NewRegistry()
	require.NoError(t, rules.Register(&rule.Rule{
		Name: "AnnounceNote",
		When: []rule.WhenPattern{{
			Ref:   action.MakeRef("audit", "note"),
			Input: map[string]rule.Term{"user": rule.V(vUser)},
		}},
		Then: []rule.ThenTemplate{{
			Ref: action.MakeRef("api", "respond"),
			Input: map[string]rule.Term{
				"request": rule.L(value.String("nobody")),
				"user":    rule.V(vUser),
			},
		}},
	}))

	concepts, noted := auditConcept(t)
	e := newTestEngine(t, rules, concepts)
	startEngine(t, e)

	out, err := e.Invoke(context.Background(), action.MakeRef("audit", "note"), value.Object{
		"user": value.String("alice"),
	})
	require.NoError(t, err)
	assert.Equal(t, value.Object{"noted": value.Bool(true)}, out)
	assert.Equal(t, []string{"alice"}, noted())

	settle(t, e)

	// The direct invocation left a record and its wave fired the rule;
	// the respond aimed at no pending request is a tolerated no-op.
	require.Len(t, queryRecords(t, e, "audit", "note"), 1)
	responds := queryRecords(t, e, "api", "respond")
	require.Len(t, responds, 1)
	assert.Equal(t, value.Object{"resolved": value.Bool(false)}, responds[0].Output)
}

func TestEngine_Invoke_UnknownConceptFails(t *testing.T) {
	e := newTestEngine(t, nil, concept.NewRegistry())
	startEngine(t, e)

	_, err := e.Invoke(context.Background(), action.MakeRef("ghost", "walk"), value.Object{})
	require.Error(t, err)
}

// slowAppendLog stalls appends of one action ref, widening the window
// between a seq draw and its record becoming readable.
type slowAppendLog struct {
	Log
	slowRef action.Ref
	delay   time.Duration
}

func (l *slowAppendLog) AppendRecord(ctx context.Context, rec *action.Record) error {
	if rec.Ref() == l.slowRef {
		time.Sleep(l.delay)
	}
	return l.Log.AppendRecord(ctx, rec)
}

// TestEngine_ConcurrentAppends_JoinNotMissed invokes the two halves of a
// join concurrently, with the first half's append stalled so the second
// half would overtake it if seq draws and appends were not one critical
// section. The rule joining them must still fire exactly once: by the
// time the higher-seq record is readable the lower-seq one is too, so
// neither wave evaluates against a log state missing its partner.
func TestEngine_ConcurrentAppends_JoinNotMissed(t *testing.T) {
	vX := rule.NewVar("x")

	rules := rule.NewRegistry()
	require.NoError(t, rules.Register(&rule.Rule{
		Name: "JoinHalves",
		When: []rule.WhenPattern{
			{Ref: action.MakeRef("alpha", "a"), Input: map[string]rule.Term{"x": rule.V(vX)}},
			{Ref: action.MakeRef("beta", "b"), Input: map[string]rule.Term{"x": rule.V(vX)}},
		},
		Then: []rule.ThenTemplate{{
			Ref:   action.MakeRef("gamma", "c"),
			Input: map[string]rule.Term{"x": rule.V(vX)},
		}},
	}))

	echo := func(_ context.Context, input value.Object) (value.Object, error) {
		return input.Clone(), nil
	}
	concepts := concept.NewRegistry()
	require.NoError(t, concepts.Register("alpha", concept.Func{"a": echo}))
	require.NoError(t, concepts.Register("beta", concept.Func{"b": echo}))
	require.NoError(t, concepts.Register("gamma", concept.Func{"c": echo}))
	concepts.Seal()

	log := &slowAppendLog{
		Log:     openTestLog(t),
		slowRef: action.MakeRef("alpha", "a"),
		delay:   100 * time.Millisecond,
	}
	e := New(log, rules, concepts, WithTimeFunc(func() time.Time { return testStamp }))
	startEngine(t, e)

	var wg sync.WaitGroup
	for _, ref := range []action.Ref{action.MakeRef("alpha", "a"), action.MakeRef("beta", "b")} {
		wg.Add(1)
		go func(ref action.Ref) {
			defer wg.Done()
			_, err := e.Invoke(context.Background(), ref, value.Object{"x": value.String("X1")})
			assert.NoError(t, err)
		}(ref)
	}
	wg.Wait()
	settle(t, e)

	require.Len(t, queryRecords(t, e, "alpha", "a"), 1)
	require.Len(t, queryRecords(t, e, "beta", "b"), 1)

	fired := queryRecords(t, e, "gamma", "c")
	require.Len(t, fired, 1, "join across concurrently appended records must fire")
	assert.Equal(t, value.String("X1"), fired[0].Input["x"])
}
