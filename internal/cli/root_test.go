package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "weft", cmd.Use)
	assert.Contains(t, cmd.Long, "concepts")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"serve", "validate", "request", "trace", "verify", "test"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)
}

func TestServeCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	serveCmd, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)

	configFlag := serveCmd.Flags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "weft.yaml", configFlag.DefValue)
}

func TestRequestCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	requestCmd, _, err := cmd.Find([]string{"request"})
	require.NoError(t, err)

	serverFlag := requestCmd.Flags().Lookup("server")
	require.NotNil(t, serverFlag)
	assert.Equal(t, "http://localhost:8080", serverFlag.DefValue)

	fieldsFlag := requestCmd.Flags().Lookup("fields")
	require.NotNil(t, fieldsFlag)
	assert.Equal(t, "{}", fieldsFlag.DefValue)

	timeoutFlag := requestCmd.Flags().Lookup("timeout")
	require.NotNil(t, timeoutFlag)
}

func TestTraceCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	traceCmd, _, err := cmd.Find([]string{"trace"})
	require.NoError(t, err)

	dbFlag := traceCmd.Flags().Lookup("db")
	require.NotNil(t, dbFlag)
	// --db is required, so default is empty
	assert.Equal(t, "", dbFlag.DefValue)

	requestFlag := traceCmd.Flags().Lookup("request")
	require.NotNil(t, requestFlag)

	conceptFlag := traceCmd.Flags().Lookup("concept")
	require.NotNil(t, conceptFlag)

	limitFlag := traceCmd.Flags().Lookup("limit")
	require.NotNil(t, limitFlag)
}

func TestVerifyCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	verifyCmd, _, err := cmd.Find([]string{"verify"})
	require.NoError(t, err)

	dbFlag := verifyCmd.Flags().Lookup("db")
	require.NotNil(t, dbFlag)
}

func TestTestCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	testCmd, _, err := cmd.Find([]string{"test"})
	require.NoError(t, err)

	updateFlag := testCmd.Flags().Lookup("update")
	require.NotNil(t, updateFlag)
	assert.Equal(t, "false", updateFlag.DefValue)

	filterFlag := testCmd.Flags().Lookup("filter")
	require.NotNil(t, filterFlag)
}

func TestFormatValidation(t *testing.T) {
	assert.True(t, isValidFormat("text"))
	assert.True(t, isValidFormat("json"))

	assert.False(t, isValidFormat("xml"))
	assert.False(t, isValidFormat(""))
	assert.False(t, isValidFormat("TEXT"))
}

func TestFormatValidationIntegration(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"--format", "invalid", "validate", "."})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestUnknownFlagIsUsageError(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"verify", "--no-such-flag"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestWrongArgCountIsUsageError(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"validate"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
