// Package harness executes declarative scenarios against a full engine:
// real manifests, real concepts, an in-memory log. Scenarios drive the
// system through the same request surface the gateway uses and assert on
// the responses and on the action trace the run left behind.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: login_flow
//	description: "Login mints a session and replies with its token."
//	manifests: ../../manifests
//	setup:
//	  - action: account.register
//	    input: { user: alice, password: sesame }
//	requests:
//	  - path: /login
//	    fields: { user: alice, password: sesame }
//	    expect: { user: alice }
//	assertions:
//	  - type: trace_order
//	    actions: [api.request, account.authenticate, session.create, api.respond]
//	  - type: response_equals
//	    request: 1
//	    payload: { user: alice, session: session-000001 }
//
// Setup steps invoke concept actions directly, before any request is
// submitted; their records land in the log and are visible to joins, but
// they carry no request id, so confirm rules do not fire for them.
// Requests go through the pending-request path end to end. A request's
// expect clause is a subset check against the resolution payload; a
// request nothing resolves fails the scenario unless it sets
// expect_timeout.
//
// # Assertion Types
//
//   - trace_contains: some record has the action, an input containing
//     the given fields, and an output containing the given fields
//   - trace_order: the actions appear in the trace in the given order
//     (a subsequence; unrelated records may interleave)
//   - trace_count: exactly count records have the action (and the input
//     fields, when given)
//   - response_equals: request (1-based) resolved with exactly the
//     given payload
//
// # Determinism
//
// Runs are reproducible byte for byte: request ids come from a
// sequential generator (req-000001, ...), session tokens likewise
// (session-000001, ...), record stamps from a stepping clock, and the
// log is a fresh in-memory store. The engine settles between requests,
// so chained waves from one request land in the log before the next
// request is submitted. Snapshot renders a result as canonical JSON for
// golden comparison.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/login_flow.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(ctx, scenario, harness.Options{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Pass {
//	    for _, msg := range result.Errors {
//	        log.Println(msg)
//	    }
//	}
package harness
