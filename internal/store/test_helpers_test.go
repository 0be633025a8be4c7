package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/weftworks/weft/internal/action"
	"github.com/weftworks/weft/internal/value"
)

// createTestStore creates a store in a temp directory for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// testStamp is a fixed wall time so stored rows are reproducible.
var testStamp = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// createTestRecord creates a record with minimal required fields.
func createTestRecord(seq int64, ref string, input, output value.Object) *action.Record {
	r := action.Ref(ref)
	if input == nil {
		input = value.Object{}
	}
	if output == nil {
		output = value.Object{}
	}
	return &action.Record{
		Seq:     seq,
		Concept: r.Concept(),
		Action:  r.Action(),
		Input:   input,
		Output:  output,
		Stamp:   testStamp,
	}
}
