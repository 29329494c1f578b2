package cli

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "provisioner", cmd.Use)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, path := range [][]string{{"run"}, {"validate"}, {"cache", "show"}, {"cache", "clear"}, {"history"}, {"show"}} {
		sub, _, err := cmd.Find(path)
		require.NoError(t, err, "command %v should exist", path)
		assert.Equal(t, path[len(path)-1], sub.Name())
	}
}

func TestGlobalFlagDefaults(t *testing.T) {
	cmd := NewRootCommand()
	flags := cmd.PersistentFlags()

	verbose := flags.Lookup("verbose")
	require.NotNil(t, verbose)
	assert.Equal(t, "v", verbose.Shorthand)
	assert.Equal(t, "false", verbose.DefValue)
	assert.Equal(t, "text", flags.Lookup("format").DefValue)
	assert.Equal(t, "http://localhost:8080", flags.Lookup("base-url").DefValue)
	assert.Equal(t, "30s", flags.Lookup("timeout").DefValue)
}

func TestFlagDefaultsFromEnvironment(t *testing.T) {
	t.Setenv("PROVISIONER_BASE_URL", "https://play.example.org")
	t.Setenv("PROVISIONER_HTTP_TIMEOUT", "5s")
	t.Setenv("PROVISIONER_MAX_ATTEMPTS", "not-a-number")

	cmd := NewRootCommand()
	assert.Equal(t, "https://play.example.org", cmd.PersistentFlags().Lookup("base-url").DefValue)
	assert.Equal(t, "5s", cmd.PersistentFlags().Lookup("timeout").DefValue)

	run, _, err := cmd.Find([]string{"run"})
	require.NoError(t, err)
	assert.Equal(t, "5", run.Flags().Lookup("max-attempts").DefValue)
}

func TestInvalidFormat(t *testing.T) {
	_, err := executeCommand(t, "validate", "whatever.yaml", "--format", "xml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
	wrapped := WrapExitError(ExitCommandError, "open journal", errors.New("disk full"))
	assert.Equal(t, ExitCommandError, GetExitCode(wrapped))
	assert.Equal(t, "open journal: disk full", wrapped.Error())
}
