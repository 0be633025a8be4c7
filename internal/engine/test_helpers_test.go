package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/weftworks/weft/internal/action"
	"github.com/weftworks/weft/internal/queryir"
	"github.com/weftworks/weft/internal/rule"
	"github.com/weftworks/weft/internal/store"
	"github.com/weftworks/weft/internal/value"
)

// testStamp is a fixed wall time so appended records are reproducible.
var testStamp = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func openTestLog(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := store.Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// newTestEngine builds an engine on a fresh SQLite log with a fixed wall
// clock. Tests that need deterministic request ids add WithIDGenerator.
func newTestEngine(t *testing.T, rules *rule.Registry, concepts Invoker, opts ...Option) *Engine {
	t.Helper()
	if rules == nil {
		rules = rule.NewRegistry()
	}
	base := []Option{WithTimeFunc(func() time.Time { return testStamp })}
	return New(openTestLog(t), rules, concepts, append(base, opts...)...)
}

// startEngine runs the engine's loop for the duration of the test.
func startEngine(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("engine run loop did not stop")
		}
	})
}

// settle waits until every queued wave and its follow-ups have finished.
func settle(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Settle(ctx))
}

// appendRecord writes a record straight to the log without triggering
// evaluation, for seeding match state.
func appendRecord(t *testing.T, e *Engine, concept, act string, input, output value.Object) *action.Record {
	t.Helper()
	if input == nil {
		input = value.Object{}
	}
	if output == nil {
		output = value.Object{}
	}
	rec, err := e.appendNew(context.Background(), action.MakeRef(concept, act), input, output)
	require.NoError(t, err)
	return rec
}

// queryRecords reads every stored record of one action ref, in seq order.
func queryRecords(t *testing.T, e *Engine, concept, act string) []action.Record {
	t.Helper()
	recs, err := e.log.QueryRecords(context.Background(), queryir.Scan{Ref: action.MakeRef(concept, act)})
	require.NoError(t, err)
	return recs
}

// frameHashes collapses frames to their canonical hashes for set
// comparisons that ignore order.
func frameHashes(t *testing.T, frames []rule.Frame) map[string]bool {
	t.Helper()
	out := make(map[string]bool, len(frames))
	for _, f := range frames {
		h, err := f.Hash()
		require.NoError(t, err)
		out[h] = true
	}
	return out
}
