package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/provisioner/internal/compose"
	"github.com/agentworkforce/provisioner/internal/metadata"
	"github.com/agentworkforce/provisioner/internal/resolve"
	"github.com/agentworkforce/provisioner/internal/retry"
	"github.com/agentworkforce/provisioner/internal/templates"
)

var (
	ErrCancelled  = resolve.ErrCancelled
	ErrNoVariants = errors.New("no variants to provision")
)

// ScopeVerifier confirms organisational units exist remotely.
// metadata.HTTPClient implements it.
type ScopeVerifier interface {
	OrganisationUnitExists(ctx context.Context, id string) (bool, error)
}

type Options struct {
	Resolver      *resolve.Resolver
	Sink          Sink
	ScopeVerifier ScopeVerifier
	Recorder      RunRecorder
	// Retry guards scope verification calls; resolver calls use the
	// resolver's own controller.
	Retry                *retry.Controller
	DefaultCombinationID string
	Logger               *slog.Logger
	Now                  func() time.Time
	NewRunID             func() string
}

// Orchestrator runs variants one after another through Stages. A failure
// aborts only the variant it happens in.
type Orchestrator struct {
	resolver    *resolve.Resolver
	sink        Sink
	verifier    ScopeVerifier
	recorder    RunRecorder
	retry       *retry.Controller
	defaultComb string
	logger      *slog.Logger
	now         func() time.Time
	newRunID    func() string
	cancelled   atomic.Bool
}

func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = resolve.New(resolve.Options{Logger: logger})
	}
	sink := opts.Sink
	if sink == nil {
		sink = discardSink{}
	}
	controller := opts.Retry
	if controller == nil {
		controller = retry.New(retry.Options{})
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	newRunID := opts.NewRunID
	if newRunID == nil {
		newRunID = func() string { return uuid.Must(uuid.NewV7()).String() }
	}
	return &Orchestrator{
		resolver:    resolver,
		sink:        sink,
		verifier:    opts.ScopeVerifier,
		recorder:    opts.Recorder,
		retry:       controller,
		defaultComb: opts.DefaultCombinationID,
		logger:      logger,
		now:         now,
		newRunID:    newRunID,
	}
}

// Cancel asks the running pipeline to stop. It takes effect at the next
// stage boundary; an in-flight remote call always completes. A Cancel issued
// before Run starts applies to that Run.
func (o *Orchestrator) Cancel() {
	o.cancelled.Store(true)
}

type run struct {
	o      *Orchestrator
	doc    *templates.Document
	result *Result
}

// Run provisions the variants named by keys, or every variant of doc when
// keys is empty. The returned error covers only problems that prevent the
// run from starting; variant failures are reported in the Result.
func (o *Orchestrator) Run(ctx context.Context, doc *templates.Document, keys ...string) (*Result, error) {
	if doc == nil {
		return nil, ErrNoVariants
	}
	variants, err := selectVariants(doc, keys)
	if err != nil {
		return nil, err
	}
	defer o.cancelled.Store(false)

	r := &run{
		o:   o,
		doc: doc,
		result: &Result{
			RunID:     o.newRunID(),
			StartedAt: o.now().UTC(),
			Steps:     map[StepKey]StepResult{},
		},
	}
	for _, variant := range variants {
		for i := range Stages {
			r.result.Steps[StepKey{Variant: variant.Key, StageIndex: i}] = StepResult{Status: StatusPending}
		}
	}
	r.log("", LevelInfo, fmt.Sprintf("run started with %d variant(s)", len(variants)))

	for _, variant := range variants {
		if r.shouldStop(ctx) {
			r.result.Cancelled = true
			r.result.Variants = append(r.result.Variants, VariantResult{
				Variant: variant.Key,
				Status:  StatusFailed,
				Err:     ErrCancelled,
				Error:   ErrCancelled.Error(),
			})
			r.log(variant.Key, LevelWarn, "variant skipped: run cancelled")
			continue
		}
		r.result.Variants = append(r.result.Variants, r.runVariant(ctx, variant))
	}

	for _, v := range r.result.Variants {
		if v.Status == StatusCompleted {
			r.result.Summary.Completed++
		} else {
			r.result.Summary.Failed++
		}
	}
	r.result.FinishedAt = o.now().UTC()
	r.log("", LevelInfo, fmt.Sprintf("run finished: %d completed, %d failed", r.result.Summary.Completed, r.result.Summary.Failed))
	if o.recorder != nil {
		if err := o.recorder.RecordRun(ctx, NewRunRecord(r.result)); err != nil {
			r.log("", LevelWarn, "run bookkeeping failed: "+err.Error())
		}
	}
	return r.result, nil
}

func selectVariants(doc *templates.Document, keys []string) ([]templates.Variant, error) {
	if len(keys) == 0 {
		if len(doc.Variants) == 0 {
			return nil, ErrNoVariants
		}
		return doc.Variants, nil
	}
	out := make([]templates.Variant, 0, len(keys))
	for _, key := range keys {
		variant, ok := doc.Variant(key)
		if !ok {
			return nil, fmt.Errorf("unknown variant %q", key)
		}
		out = append(out, variant)
	}
	return out, nil
}

func (r *run) shouldStop(ctx context.Context) bool {
	return r.o.cancelled.Load() || ctx.Err() != nil
}

// variantState is what stages of one variant share.
type variantState struct {
	variant templates.Variant
	session *resolve.Session
	root    *resolve.Target
	result  VariantResult
}

type stageFunc func(ctx context.Context, st *variantState) (string, error)

func (r *run) runVariant(ctx context.Context, variant templates.Variant) VariantResult {
	st := &variantState{
		variant: variant,
		result:  VariantResult{Variant: variant.Key},
	}
	st.session = r.o.resolver.NewSession(variant.Key, func(d resolve.Decision) {
		r.log(variant.Key, levelName(d.Level), describeDecision(d))
	})
	stages := map[Stage]stageFunc{
		StageValidateOptions:      r.stageResolveLevel(metadata.Option),
		StageValidateGroupings:    r.stageResolveLevel(metadata.Grouping),
		StageValidateCombinations: r.stageResolveLevel(metadata.Combination),
		StageCreateItems:          r.stageResolveLevel(metadata.MeasurableItem),
		StageValidateScope:        r.stageValidateScope,
		StageConfigureAccess:      r.stageConfigureAccess,
		StageBuildPayload:         r.stageBuildPayload,
		StageSubmitCollection:     r.stageSubmitCollection,
		StageFinalize:             r.stageFinalize,
	}

	r.log(variant.Key, LevelInfo, "variant started")
	for i, stage := range Stages {
		if i > 0 && r.shouldStop(ctx) {
			r.result.Cancelled = true
			r.fail(st, i, stage, ErrCancelled)
			break
		}
		r.transition(variant.Key, i, stage, StatusRunning, "")
		detail, err := stages[stage](ctx, st)
		if err != nil {
			if errors.Is(err, ErrCancelled) {
				r.result.Cancelled = true
			}
			r.fail(st, i, stage, err)
			break
		}
		r.transition(variant.Key, i, stage, StatusCompleted, detail)
	}
	if st.result.Status == "" {
		st.result.Status = StatusCompleted
		r.log(variant.Key, LevelInfo, "variant completed")
	}
	st.result.Resolved = st.session.Resolved()
	for _, res := range st.result.Resolved {
		switch res.Origin {
		case resolve.CreatedNew:
			st.result.Created++
		case resolve.ReusedExisting:
			st.result.Reused++
		case resolve.FallbackSubstituted:
			st.result.Fallback++
		}
	}
	return st.result
}

func (r *run) fail(st *variantState, index int, stage Stage, err error) {
	st.result.Status = StatusFailed
	st.result.FailedStage = stage
	st.result.Err = err
	st.result.Error = err.Error()
	st.result.ErrorKind = resolve.KindOf(err)
	r.transition(st.variant.Key, index, stage, StatusFailed, err.Error())
	r.log(st.variant.Key, LevelError, fmt.Sprintf("stage %s failed: %v", stage, err))
}

func (r *run) stageResolveLevel(rt metadata.ResourceType) stageFunc {
	return func(ctx context.Context, st *variantState) (string, error) {
		if st.root == nil {
			root, err := compose.Compose(r.doc, st.variant, compose.Options{DefaultCombinationID: r.o.defaultComb})
			if err != nil {
				return "", err
			}
			st.root = root
		}
		targets := compose.TargetsOf(st.root, rt)
		resolved, err := st.session.ResolveAll(ctx, targets)
		if err != nil {
			return "", err
		}
		return tally(rt, resolved), nil
	}
}

func (r *run) stageValidateScope(ctx context.Context, st *variantState) (string, error) {
	valid, invalid := compose.ValidUnitIDs(compose.OrganisationUnits(st.root))
	for _, id := range invalid {
		r.log(st.variant.Key, LevelWarn, fmt.Sprintf("organisation unit %q is not a valid identifier; dropped", id))
	}
	kept := valid
	if r.o.verifier != nil {
		kept = kept[:0:0]
		for _, id := range valid {
			var exists bool
			outcome, err := r.o.retry.Do(ctx, "verify organisation unit "+id, func(ctx context.Context) error {
				var err error
				exists, err = r.o.verifier.OrganisationUnitExists(ctx, id)
				return err
			})
			if outcome != retry.Success {
				return "", resolve.NewError(resolve.KindTransient, metadata.Collection, st.root.Label(), err)
			}
			if !exists {
				r.log(st.variant.Key, LevelWarn, fmt.Sprintf("organisation unit %s not found; dropped", id))
				continue
			}
			kept = append(kept, id)
		}
	}
	if len(kept) == 0 {
		return "", resolve.NewError(resolve.KindScope, metadata.Collection, st.root.Label(), resolve.ErrScope)
	}
	compose.SetOrganisationUnits(st.root, kept)
	return fmt.Sprintf("%d organisation unit(s) in scope", len(kept)), nil
}

func (r *run) stageConfigureAccess(_ context.Context, st *variantState) (string, error) {
	if err := ApplyAccess(st.root, r.doc.Access); err != nil {
		return "", resolve.NewError(resolve.KindValidation, metadata.Collection, st.root.Label(), err)
	}
	return fmt.Sprintf("public access %s, %d user group(s)", st.root.Payload[publicAccessField], len(r.doc.Access.UserGroups)), nil
}

// stageBuildPayload checks that every item of the collection is resolved and
// reports what will be embedded. The submit stage composes the payload again
// from the same session when it creates the collection.
func (r *run) stageBuildPayload(_ context.Context, st *variantState) (string, error) {
	payload, err := st.session.BuildPayload(st.root)
	if err != nil {
		return "", err
	}
	refs := metadata.References(metadata.Collection, metadata.Object{Attributes: payload})
	return fmt.Sprintf("%d measurable item(s) embedded", len(refs)), nil
}

func (r *run) stageSubmitCollection(ctx context.Context, st *variantState) (string, error) {
	res, err := st.session.Resolve(ctx, st.root)
	if err != nil {
		return "", err
	}
	st.result.CollectionID = res.RemoteID
	return fmt.Sprintf("collection %s %s", res.RemoteID, strings.ToLower(string(res.Origin))), nil
}

func (r *run) stageFinalize(ctx context.Context, st *variantState) (string, error) {
	cache := r.o.resolver.Cache()
	if err := cache.Persist(ctx); err != nil {
		r.log(st.variant.Key, LevelWarn, "id mapping persistence failed: "+err.Error())
	}
	return fmt.Sprintf("%d object(s) resolved, %d mapping(s) known", len(st.session.Resolved()), cache.Len(ctx)), nil
}

func (r *run) transition(variant string, index int, stage Stage, status Status, detail string) {
	r.result.Steps[StepKey{Variant: variant, StageIndex: index}] = StepResult{Status: status, Detail: detail}
	r.o.sink.Event(Event{
		RunID:      r.result.RunID,
		Stage:      stage,
		StageIndex: index,
		Variant:    variant,
		Status:     status,
		Detail:     detail,
		Timestamp:  r.o.now().UTC(),
	})
}

func (r *run) log(variant, level, message string) {
	entry := LogEntry{
		RunID:     r.result.RunID,
		Timestamp: r.o.now().UTC(),
		Level:     level,
		Message:   message,
		Variant:   variant,
	}
	r.result.Log = append(r.result.Log, entry)
	r.o.sink.Log(entry)
}

func tally(rt metadata.ResourceType, resolved []*resolve.Resolved) string {
	counts := map[resolve.Origin]int{}
	for _, res := range resolved {
		counts[res.Origin]++
	}
	return fmt.Sprintf("%d %s(s): %d created, %d reused, %d fallback",
		len(resolved), rt, counts[resolve.CreatedNew], counts[resolve.ReusedExisting], counts[resolve.FallbackSubstituted])
}

func describeDecision(d resolve.Decision) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %s", d.Type, d.Target, d.Step)
	if d.Origin != "" {
		fmt.Fprintf(&b, " -> %s", d.Origin)
	}
	if d.RemoteID != "" {
		fmt.Fprintf(&b, " %s", d.RemoteID)
	}
	if d.Detail != "" {
		fmt.Fprintf(&b, " (%s)", d.Detail)
	}
	return b.String()
}
