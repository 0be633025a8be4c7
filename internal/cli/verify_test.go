package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftworks/weft/internal/action"
	"github.com/weftworks/weft/internal/store"
	"github.com/weftworks/weft/internal/value"
)

// runVerifyCmd executes verify against the given database.
func runVerifyCmd(t *testing.T, rootOpts *RootOptions, dbPath string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewVerifyCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"--db", dbPath})
	err := cmd.Execute()
	return buf.String(), err
}

func verifyRecord(seq int64) *action.Record {
	return &action.Record{
		Seq:     seq,
		Concept: "schedule",
		Action:  "create_term",
		Input:   value.Object{"name": value.String("Fall 2025")},
		Output:  value.Object{"term": value.String("term-1")},
		Stamp:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestVerifyCleanLog(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "clean.db")
	st, err := store.Open(dbPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, st.AppendRecord(ctx, verifyRecord(1)))

	// One complete firing: claimed, then dispatched.
	claimed, err := st.ClaimFiring(ctx, "confirm-create-term", 1, "frame-a")
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, st.AppendDispatched(ctx, verifyRecord(2), "confirm-create-term", 1, "frame-a"))
	require.NoError(t, st.Close())

	out, err := runVerifyCmd(t, &RootOptions{Format: "text"}, dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Log: 2 record(s), last seq 2")
	assert.Contains(t, out, "✓ Log verified")
}

func TestVerifyEmptyLog(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "empty.db")
	st, err := store.Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	out, err := runVerifyCmd(t, &RootOptions{Format: "text"}, dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Log: 0 record(s), last seq 0")
	assert.Contains(t, out, "✓ Log verified")
}

func TestVerifyDetectsGap(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "gap.db")
	st, err := store.Open(dbPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, st.AppendRecord(ctx, verifyRecord(1)))
	require.NoError(t, st.AppendRecord(ctx, verifyRecord(2)))
	require.NoError(t, st.AppendRecord(ctx, verifyRecord(5)))
	require.NoError(t, st.Close())

	out, err := runVerifyCmd(t, &RootOptions{Format: "text"}, dbPath)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "missing sequence number")
	assert.Contains(t, out, "[3 4]")
	assert.Contains(t, out, "✗ Log verification failed")
}

func TestVerifyDetectsUndispatchedFiring(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "undispatched.db")
	st, err := store.Open(dbPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, st.AppendRecord(ctx, verifyRecord(1)))

	// Claim without dispatch: the crash window the audit exists for.
	claimed, err := st.ClaimFiring(ctx, "confirm-create-term", 1, "frame-a")
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, st.Close())

	out, err := runVerifyCmd(t, &RootOptions{Format: "text"}, dbPath)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "claimed but never dispatched")
}

func TestVerifyDetectsDanglingFiring(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "dangling.db")
	st, err := store.Open(dbPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, st.AppendRecord(ctx, verifyRecord(1)))

	// A firing anchored to a record that does not exist. ClaimFiring
	// cannot produce this state; an out-of-band editor without the
	// per-connection foreign key pragma can, which is what the audit
	// exists for.
	_, err = st.DB().ExecContext(ctx, `PRAGMA foreign_keys = OFF`)
	require.NoError(t, err)
	_, err = st.DB().ExecContext(ctx, `
		INSERT INTO firings (rule_name, trigger_seq, frame_hash, dispatched_seq)
		VALUES ('confirm-create-term', 99, 'frame-a', 1)
	`)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	out, err := runVerifyCmd(t, &RootOptions{Format: "text"}, dbPath)
	require.Error(t, err)
	assert.Contains(t, out, "reference a missing trigger record")
}

func TestVerifyDetectsBadPayload(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "badpayload.db")
	st, err := store.Open(dbPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, st.AppendRecord(ctx, verifyRecord(1)))
	_, err = st.DB().ExecContext(ctx, `UPDATE records SET input = 'not json' WHERE seq = 1`)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	out, err := runVerifyCmd(t, &RootOptions{Format: "text"}, dbPath)
	require.Error(t, err)
	assert.Contains(t, out, "undecodable payload(s) at seq [1]")
}

func TestVerifyJSON(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "gap.db")
	st, err := store.Open(dbPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, st.AppendRecord(ctx, verifyRecord(1)))
	require.NoError(t, st.AppendRecord(ctx, verifyRecord(3)))
	require.NoError(t, st.Close())

	out, err := runVerifyCmd(t, &RootOptions{Format: "json"}, dbPath)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var response CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &response))
	assert.Equal(t, "error", response.Status)
	require.NotNil(t, response.Error)
	assert.Equal(t, "E_LOG_INTEGRITY", response.Error.Code)

	data, ok := response.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, false, data["ok"])
	assert.Equal(t, []interface{}{float64(2)}, data["gaps"])
}

func TestVerifyCleanLogJSON(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "clean.db")
	st, err := store.Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, st.AppendRecord(context.Background(), verifyRecord(1)))
	require.NoError(t, st.Close())

	out, err := runVerifyCmd(t, &RootOptions{Format: "json"}, dbPath)
	require.NoError(t, err)

	var response CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &response))
	assert.Equal(t, "ok", response.Status)
	assert.Nil(t, response.Error)
}

func TestVerifyCorruptDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "corrupt.db")
	require.NoError(t, os.WriteFile(dbPath, []byte("this is not a database"), 0644))

	_, err := runVerifyCmd(t, &RootOptions{Format: "text"}, dbPath)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
