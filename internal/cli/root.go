// Package cli is the provisioner command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/provisioner/internal/idmap"
	"github.com/agentworkforce/provisioner/internal/journal"
	"github.com/agentworkforce/provisioner/internal/metadata"
)

// RootOptions holds the global flags shared by every command.
type RootOptions struct {
	Verbose bool
	Format  string

	BaseURL  string
	Token    string
	Username string
	Password string
	Timeout  time.Duration

	CacheDSN    string
	JournalPath string

	logger *slog.Logger
}

var ValidFormats = []string{"text", "json"}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "provisioner",
		Short: "Idempotent provisioning of hierarchical reporting metadata",
		Long: `Provisioner turns reporting templates into metadata on a remote
health information server. Options, groupings, combinations, measurable
items and collections are reused when they already exist and created
otherwise, so a run can be repeated safely.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			level := slog.LevelWarn
			if opts.Verbose {
				level = slog.LevelDebug
			}
			opts.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.BoolVarP(&opts.Verbose, "verbose", "v", boolEnv("PROVISIONER_VERBOSE", false), "verbose output")
	flags.StringVar(&opts.Format, "format", envOrDefault("PROVISIONER_FORMAT", "text"), "output format (json|text)")
	flags.StringVar(&opts.BaseURL, "base-url", envOrDefault("PROVISIONER_BASE_URL", "http://localhost:8080"), "remote metadata API base URL")
	flags.StringVar(&opts.Token, "token", os.Getenv("PROVISIONER_TOKEN"), "bearer token for the remote API")
	flags.StringVar(&opts.Username, "username", os.Getenv("PROVISIONER_USERNAME"), "basic auth username (used when no token is set)")
	flags.StringVar(&opts.Password, "password", os.Getenv("PROVISIONER_PASSWORD"), "basic auth password")
	flags.DurationVar(&opts.Timeout, "timeout", durationEnv("PROVISIONER_HTTP_TIMEOUT", 30*time.Second), "per-request timeout")
	flags.StringVar(&opts.CacheDSN, "cache", envOrDefault("PROVISIONER_CACHE_DSN", "file://"+filepath.Join(".provisioner", "id-mappings.json")),
		"id mapping store (memory://, file://path, sqlite://path, postgres://..., datastore://namespace/key)")
	flags.StringVar(&opts.JournalPath, "journal", envOrDefault("PROVISIONER_JOURNAL", filepath.Join(".provisioner", "journal.db")),
		"run journal database (empty disables it)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewCacheCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewShowCommand(opts))

	return cmd
}

func (o *RootOptions) log() *slog.Logger {
	if o.logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o.logger
}

func (o *RootOptions) newClient() *metadata.HTTPClient {
	var clientOpts []metadata.ClientOption
	if o.Token == "" && o.Username != "" {
		clientOpts = append(clientOpts, metadata.WithBasicAuth(o.Username, o.Password))
	}
	return metadata.NewHTTPClient(o.BaseURL, o.Token, &http.Client{Timeout: o.Timeout}, clientOpts...)
}

// openCache builds the id mapping cache from --cache. The returned closer
// releases database handles held by the backend.
func (o *RootOptions) openCache(client *metadata.HTTPClient, deferred bool) (*idmap.Cache, func() error, error) {
	idmap.RegisterBackendFactory("datastore", idmap.DataStoreFactory(client.DataStore()))
	backend, err := idmap.BuildBackendFromDSN(o.CacheDSN)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "open id mapping store", err)
	}
	closer := func() error { return nil }
	if c, ok := backend.(io.Closer); ok {
		closer = c.Close
	}
	cache := idmap.New(idmap.Options{Backend: backend, Logger: o.log(), Deferred: deferred})
	return cache, closer, nil
}

func (o *RootOptions) openJournal() (*journal.Journal, error) {
	if o.JournalPath == "" {
		return nil, nil
	}
	if dir := filepath.Dir(o.JournalPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, WrapExitError(ExitCommandError, "create journal directory", err)
		}
	}
	j, err := journal.Open(o.JournalPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open journal", err)
	}
	return j, nil
}

// requireJournal is openJournal for commands that only read the journal.
func (o *RootOptions) requireJournal() (*journal.Journal, error) {
	if o.JournalPath == "" {
		return nil, NewExitError(ExitCommandError, "no journal configured (--journal)")
	}
	if _, err := os.Stat(o.JournalPath); errors.Is(err, os.ErrNotExist) {
		return nil, WrapExitError(ExitCommandError, "journal not found", err)
	}
	return o.openJournal()
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
