package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/provisioner/internal/ident"
	"github.com/agentworkforce/provisioner/internal/journal"
	"github.com/agentworkforce/provisioner/internal/metadata"
	"github.com/agentworkforce/provisioner/internal/pipeline"
	"github.com/agentworkforce/provisioner/internal/progress"
	"github.com/agentworkforce/provisioner/internal/resolve"
	"github.com/agentworkforce/provisioner/internal/retry"
	"github.com/agentworkforce/provisioner/internal/templates"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	MaxAttempts          int
	RetryBaseDelay       time.Duration
	RetryMaxDelay        time.Duration
	DefaultCombinationID string
	RecordRemote         bool
	Watch                bool
	WatchDebounce        time.Duration
	ProgressAddr         string

	// wait replaces the retry sleep in tests.
	wait func(ctx context.Context, delay time.Duration) error
}

func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <templates.yaml> [variant...]",
		Short: "Provision every variant (or the named ones) of a templates file",
		Long: `Provision metadata for the variants of a templates file.

Each variant runs through the fixed stages in order. A failing variant is
reported and the remaining variants still run. The command exits 1 when any
variant failed.

Examples:
  provisioner run malaria.yaml
  provisioner run malaria.yaml routine --verbose
  provisioner run malaria.yaml --watch --progress-addr :8090`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProvision(commandContext(cmd), opts, cmd, args[0], args[1:])
		},
	}

	cmd.Flags().IntVar(&opts.MaxAttempts, "max-attempts", intEnv("PROVISIONER_MAX_ATTEMPTS", 5), "attempts per remote call before a transient failure is fatal")
	cmd.Flags().DurationVar(&opts.RetryBaseDelay, "retry-base-delay", durationEnv("PROVISIONER_RETRY_BASE_DELAY", 500*time.Millisecond), "first retry delay; doubles per attempt")
	cmd.Flags().DurationVar(&opts.RetryMaxDelay, "retry-max-delay", durationEnv("PROVISIONER_RETRY_MAX_DELAY", 30*time.Second), "retry delay cap")
	cmd.Flags().StringVar(&opts.DefaultCombinationID, "default-combination", envOrDefault("PROVISIONER_DEFAULT_COMBINATION", ""), "id of the server's default combination")
	cmd.Flags().BoolVar(&opts.RecordRemote, "record-remote", boolEnv("PROVISIONER_RECORD_REMOTE", true), "store run bookkeeping in the remote data store")
	cmd.Flags().BoolVarP(&opts.Watch, "watch", "w", false, "re-run whenever the templates file changes")
	cmd.Flags().DurationVar(&opts.WatchDebounce, "watch-debounce", 300*time.Millisecond, "quiet period before a change triggers a run")
	cmd.Flags().StringVar(&opts.ProgressAddr, "progress-addr", envOrDefault("PROVISIONER_PROGRESS_ADDR", ""), "serve a websocket progress feed on this address")

	return cmd
}

// runner holds everything that outlives a single provisioning pass.
type runner struct {
	opts    *RunOptions
	client  *metadata.HTTPClient
	journal *journal.Journal
	hub     *progress.Hub
	keys    []string
	out     io.Writer
}

func runProvision(ctx context.Context, opts *RunOptions, cmd *cobra.Command, path string, keys []string) error {
	logger := opts.log()
	r := &runner{opts: opts, client: opts.newClient(), keys: keys, out: cmd.OutOrStdout()}

	j, err := opts.openJournal()
	if err != nil {
		return err
	}
	if j != nil {
		defer j.Close()
		r.journal = j
	}

	if opts.ProgressAddr != "" {
		hub := progress.NewHub(progress.Options{Logger: logger})
		listener, err := net.Listen("tcp", opts.ProgressAddr)
		if err != nil {
			return WrapExitError(ExitCommandError, "listen for progress feed", err)
		}
		server := &http.Server{Handler: hub.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("progress feed stopped", "error", err)
			}
		}()
		defer func() {
			hub.Close()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
		logger.Info("progress feed listening", "addr", listener.Addr().String())
		r.hub = hub
	}

	if !opts.Watch {
		result, err := r.once(ctx, path)
		if err != nil {
			return err
		}
		if result.Summary.Failed > 0 {
			return NewExitError(ExitFailure, fmt.Sprintf("%d of %d variant(s) failed", result.Summary.Failed, len(result.Variants)))
		}
		return nil
	}

	if _, err := r.once(ctx, path); err != nil {
		logger.Error("provisioning pass failed", "error", err)
	}
	return watchTemplates(ctx, path, opts.WatchDebounce, logger, func() {
		if _, err := r.once(ctx, path); err != nil {
			logger.Error("provisioning pass failed", "error", err)
		}
	})
}

// once loads the templates and runs one provisioning pass with a fresh
// resolver. The id mapping cache is reopened each pass so edits made by
// another process are picked up.
func (r *runner) once(ctx context.Context, path string) (*pipeline.Result, error) {
	doc, err := templates.Load(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load templates", err)
	}
	cache, closeCache, err := r.opts.openCache(r.client, false)
	if err != nil {
		return nil, err
	}
	defer closeCache()
	if err := cache.LoadAll(ctx); err != nil {
		return nil, WrapExitError(ExitCommandError, "load id mappings", err)
	}

	logger := r.opts.log()
	controller := retry.New(retry.Options{
		MaxAttempts: r.opts.MaxAttempts,
		BaseDelay:   r.opts.RetryBaseDelay,
		MaxDelay:    r.opts.RetryMaxDelay,
		Wait:        r.opts.wait,
		Observer: func(a retry.Attempt) {
			if a.Outcome == retry.TransientError {
				logger.Warn("transient failure; retrying", "op", a.Op, "attempt", a.Number, "delay", a.Delay, "error", a.Err)
			}
		},
	})
	fallbacks := resolve.DefaultFallbacks()
	if r.opts.DefaultCombinationID != "" {
		fallbacks[metadata.Combination] = r.opts.DefaultCombinationID
	}
	resolver := resolve.New(resolve.Options{
		APIs:      resolve.APIsFor(r.client),
		Cache:     cache,
		Generator: ident.RandomGenerator{},
		Retry:     controller,
		Fallbacks: fallbacks,
		Logger:    logger,
	})

	sinks := pipeline.MultiSink{pipeline.SlogSink{Logger: logger}}
	var recorders pipeline.MultiRecorder
	if r.journal != nil {
		sinks = append(sinks, r.journal)
		recorders = append(recorders, r.journal)
	}
	if r.hub != nil {
		sinks = append(sinks, r.hub)
	}
	if r.opts.RecordRemote {
		recorders = append(recorders, pipeline.DataStoreRecorder{Store: r.client.DataStore()})
	}

	orch := pipeline.New(pipeline.Options{
		Resolver:             resolver,
		Sink:                 sinks,
		ScopeVerifier:        r.client,
		Recorder:             recorders,
		Retry:                controller,
		DefaultCombinationID: r.opts.DefaultCombinationID,
		Logger:               logger,
	})
	// Remote calls run on a detached context; an interrupt stops the run at
	// the next stage boundary instead of aborting a call mid-stage.
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			orch.Cancel()
		case <-done:
		}
	}()
	result, err := orch.Run(context.WithoutCancel(ctx), doc, r.keys...)
	close(done)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "start run", err)
	}
	if r.journal != nil {
		if err := r.journal.Err(); err != nil {
			logger.Warn("journal write failed", "error", err)
		}
	}

	if r.opts.Format == "json" {
		if err := writeJSON(r.out, result); err != nil {
			return nil, err
		}
	} else {
		fmt.Fprint(r.out, pipeline.FormatSummary(result))
	}
	return result, nil
}
