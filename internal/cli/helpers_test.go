package cli

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/provisioner/internal/simulator"
)

const testToken = "cli-test-token"

type cliEnv struct {
	dir       string
	templates string
	url       string
	store     *simulator.Store
	server    *simulator.Server
}

func newCLIEnv(t *testing.T, cfg simulator.ServerConfig) *cliEnv {
	t.Helper()
	cfg.Token = testToken
	store := simulator.NewStore(simulator.StoreOptions{})
	store.AddOrganisationUnit("ImspTQPwCqd", "Sierra Leone")
	server := simulator.NewServerWithConfig(store, cfg)
	httpServer := httptest.NewServer(server)
	t.Cleanup(httpServer.Close)

	dir := t.TempDir()
	data, err := os.ReadFile(filepath.Join("..", "templates", "testdata", "malaria.yaml"))
	require.NoError(t, err)
	templatesPath := filepath.Join(dir, "malaria.yaml")
	require.NoError(t, os.WriteFile(templatesPath, data, 0o644))

	return &cliEnv{dir: dir, templates: templatesPath, url: httpServer.URL, store: store, server: server}
}

func (e *cliEnv) globals() []string {
	return []string{
		"--base-url", e.url,
		"--token", testToken,
		"--cache", "file://" + filepath.Join(e.dir, "id-mappings.json"),
		"--journal", filepath.Join(e.dir, "journal.db"),
	}
}

// execute runs the command tree and returns stdout.
func (e *cliEnv) execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return executeCommand(t, append(args, e.globals()...)...)
}

func (e *cliEnv) executeContext(ctx context.Context, t *testing.T, args ...string) (string, error) {
	t.Helper()
	return executeCommandContext(ctx, t, append(args, e.globals()...)...)
}

func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return executeCommandContext(context.Background(), t, args...)
}

func executeCommandContext(ctx context.Context, t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return stdout.String(), err
}
