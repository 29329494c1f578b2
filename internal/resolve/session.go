package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/agentworkforce/provisioner/internal/ident"
	"github.com/agentworkforce/provisioner/internal/metadata"
	"github.com/agentworkforce/provisioner/internal/retry"
)

// Submission is one successful create call, in the order it was issued.
type Submission struct {
	Type       metadata.ResourceType
	Target     string
	RemoteID   string
	References []string
}

// Session resolves the targets of one variant. Every target resolves at most
// once; dependencies always resolve before the target that embeds them.
type Session struct {
	r           *Resolver
	variant     string
	observer    Observer
	memo        map[*Target]*Resolved
	active      map[*Target]bool
	stale       map[*Target]bool
	order       []*Resolved
	submissions []Submission
}

func (r *Resolver) NewSession(variant string, observer Observer) *Session {
	return &Session{
		r:        r,
		variant:  variant,
		observer: observer,
		memo:     map[*Target]*Resolved{},
		active:   map[*Target]bool{},
		stale:    map[*Target]bool{},
	}
}

func (s *Session) Resolve(ctx context.Context, t *Target) (*Resolved, error) {
	if t == nil {
		return nil, NewError(KindValidation, "", "", errors.New("nil target"))
	}
	if res, ok := s.memo[t]; ok {
		return res, nil
	}
	if s.active[t] {
		return nil, NewError(KindValidation, t.Type, t.Label(), errors.New("dependency cycle"))
	}
	if err := validateTarget(t); err != nil {
		return nil, err
	}
	s.active[t] = true
	defer delete(s.active, t)

	for _, dep := range t.Dependencies {
		if _, err := s.Resolve(ctx, dep); err != nil {
			return nil, err
		}
	}
	res, err := s.resolve(ctx, t)
	if err != nil {
		return nil, err
	}
	s.settle(t, res)
	return res, nil
}

func (s *Session) ResolveAll(ctx context.Context, targets []*Target) ([]*Resolved, error) {
	out := make([]*Resolved, 0, len(targets))
	for _, t := range targets {
		res, err := s.Resolve(ctx, t)
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
	return out, nil
}

func (s *Session) Lookup(t *Target) (*Resolved, bool) {
	res, ok := s.memo[t]
	return res, ok
}

// Resolved lists every resolution of the session in completion order.
func (s *Session) Resolved() []*Resolved {
	out := make([]*Resolved, len(s.order))
	copy(out, s.order)
	return out
}

func (s *Session) Submissions() []Submission {
	out := make([]Submission, len(s.submissions))
	copy(out, s.submissions)
	return out
}

// BuildPayload composes the create payload of t: its template fields plus
// the resolved ids of its dependencies in wire shape. Every dependency must
// already be resolved in this session.
func (s *Session) BuildPayload(t *Target) (map[string]any, error) {
	ids := make([]string, 0, len(t.Dependencies))
	seen := map[string]bool{}
	for _, dep := range t.Dependencies {
		res, ok := s.memo[dep]
		if !ok {
			return nil, NewError(KindValidation, t.Type, t.Label(), fmt.Errorf("dependency %s %s is not resolved", dep.Type, dep.Label()))
		}
		if seen[res.RemoteID] {
			continue
		}
		seen[res.RemoteID] = true
		ids = append(ids, res.RemoteID)
	}
	payload := make(map[string]any, len(t.Payload)+1)
	for key, value := range t.Payload {
		payload[key] = value
	}
	if err := metadata.EmbedReferences(t.Type, payload, ids); err != nil {
		return nil, NewError(KindValidation, t.Type, t.Label(), err)
	}
	return payload, nil
}

func (s *Session) settle(t *Target, res *Resolved) {
	s.memo[t] = res
	s.order = append(s.order, res)
}

func (s *Session) resolve(ctx context.Context, t *Target) (*Resolved, error) {
	api, err := s.r.api(t)
	if err != nil {
		return nil, err
	}
	candidate := strings.TrimSpace(t.CandidateID)
	if candidate != "" {
		if localID, ok := s.r.cache.Lookup(ctx, t.Type, candidate); ok {
			obj, found, err := s.fetch(ctx, api, t, localID)
			if err != nil {
				return nil, err
			}
			if found {
				s.r.remember(t.Type, identityOf(obj), localID)
				s.decide(slog.LevelInfo, StepMapping, t, ReusedExisting, localID, "mapped from "+candidate)
				return s.result(t, localID, ReusedExisting), nil
			}
			s.stale[t] = true
			s.decide(slog.LevelWarn, StepMapping, t, "", localID, "mapped id is no longer reachable")
		}
		if ident.IsValid(candidate) {
			obj, found, err := s.fetch(ctx, api, t, candidate)
			if err != nil {
				return nil, err
			}
			if found {
				s.r.remember(t.Type, identityOf(obj), candidate)
				s.decide(slog.LevelInfo, StepFetch, t, ReusedExisting, candidate, "")
				return s.result(t, candidate, ReusedExisting), nil
			}
			s.decide(slog.LevelDebug, StepFetch, t, "", candidate, "candidate id not found")
		} else {
			s.decide(slog.LevelDebug, StepFetch, t, "", candidate, "candidate id is not well-formed")
		}
	}

	id, found, err := s.search(ctx, api, t, true)
	if err != nil {
		return nil, err
	}
	if found {
		s.recordMapping(ctx, t, id)
		return s.result(t, id, ReusedExisting), nil
	}
	return s.create(ctx, api, t)
}

func (s *Session) create(ctx context.Context, api ResourceAPI, t *Target) (*Resolved, error) {
	payload, err := s.BuildPayload(t)
	if err != nil {
		return nil, err
	}
	names := identity{name: t.Name, code: t.Code, shortName: t.ShortName}
	id, outcome, err := s.submit(ctx, api, t, names, payload)
	if outcome == retry.NotFound {
		s.decide(slog.LevelWarn, StepDependencyScan, t, "", "", "create reported a missing reference")
		payload, err = s.rescanDependencies(ctx, t)
		if err != nil {
			return nil, err
		}
		id, outcome, err = s.submit(ctx, api, t, names, payload)
		if outcome == retry.NotFound {
			return nil, NewError(KindNotFound, t.Type, t.Label(), err)
		}
	}
	switch outcome {
	case retry.Success:
		s.r.remember(t.Type, names, id)
		s.recordMapping(ctx, t, id)
		s.decide(slog.LevelInfo, StepCreate, t, CreatedNew, id, "")
		return s.result(t, id, CreatedNew), nil
	case retry.Conflict:
		return s.recoverConflict(ctx, api, t, payload, err)
	default:
		return nil, s.fatal(t, err)
	}
}

func (s *Session) recoverConflict(ctx context.Context, api ResourceAPI, t *Target, payload map[string]any, conflictErr error) (*Resolved, error) {
	s.decide(slog.LevelWarn, StepConflict, t, "", "", "create conflicted; searching again")
	id, found, err := s.search(ctx, api, t, false)
	if err != nil {
		return nil, err
	}
	if found {
		s.recordMapping(ctx, t, id)
		return s.result(t, id, ReusedExisting), nil
	}

	suffix := disambiguationSuffix(s.r.gen.Generate())
	alt := identity{name: t.Name, code: t.Code, shortName: t.ShortName}.disambiguate(suffix)
	s.decide(slog.LevelWarn, StepDisambiguate, t, "", "", "retrying create with suffix "+suffix)
	id, outcome, err := s.submit(ctx, api, t, alt, payload)
	switch outcome {
	case retry.Success:
		s.r.remember(t.Type, alt, id)
		s.recordMapping(ctx, t, id)
		s.decide(slog.LevelInfo, StepCreate, t, CreatedNew, id, "created with suffix "+suffix)
		return s.result(t, id, CreatedNew), nil
	case retry.Conflict:
		conflictErr = err
	case retry.NotFound:
		return nil, NewError(KindNotFound, t.Type, t.Label(), err)
	default:
		return nil, s.fatal(t, err)
	}
	return s.fallback(ctx, api, t, conflictErr)
}

func (s *Session) fallback(ctx context.Context, api ResourceAPI, t *Target, conflictErr error) (*Resolved, error) {
	fallbackID, ok := s.r.fallbacks[t.Type]
	if !ok {
		return nil, NewError(KindConflictUnresolved, t.Type, t.Label(), conflictErr)
	}
	_, found, err := s.fetch(ctx, api, t, fallbackID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, NewError(KindConflictUnresolved, t.Type, t.Label(), fmt.Errorf("fallback %s is missing: %w", fallbackID, conflictErr))
	}
	s.recordMapping(ctx, t, fallbackID)
	s.decide(slog.LevelWarn, StepFallback, t, FallbackSubstituted, fallbackID, "conflict persisted after retry")
	return s.result(t, fallbackID, FallbackSubstituted), nil
}

// rescanDependencies fetches every resolved dependency of t and recreates
// the ones the remote side does not know, then rebuilds the payload.
func (s *Session) rescanDependencies(ctx context.Context, t *Target) (map[string]any, error) {
	for _, dep := range t.Dependencies {
		res, ok := s.memo[dep]
		if !ok {
			continue
		}
		api, err := s.r.api(dep)
		if err != nil {
			return nil, err
		}
		_, found, err := s.fetch(ctx, api, dep, res.RemoteID)
		if err != nil {
			return nil, err
		}
		if found {
			continue
		}
		s.decide(slog.LevelWarn, StepDependencyScan, dep, "", res.RemoteID, "dependency missing; recreating")
		recreated, err := s.create(ctx, api, dep)
		if err != nil {
			return nil, err
		}
		s.settle(dep, recreated)
	}
	return s.BuildPayload(t)
}

func (s *Session) fetch(ctx context.Context, api ResourceAPI, t *Target, id string) (metadata.Object, bool, error) {
	var obj metadata.Object
	outcome, err := s.r.retry.Do(ctx, fmt.Sprintf("fetch %s %s", t.Type, id), func(ctx context.Context) error {
		var err error
		obj, err = api.FetchByID(ctx, id)
		return err
	})
	switch outcome {
	case retry.Success:
		return obj, true, nil
	case retry.NotFound, retry.Conflict:
		return metadata.Object{}, false, nil
	default:
		return metadata.Object{}, false, s.fatal(t, err)
	}
}

// search runs the lookup strategies in precedence order. With useMemory the
// in-process lookup table answers before any network call.
func (s *Session) search(ctx context.Context, api ResourceAPI, t *Target, useMemory bool) (string, bool, error) {
	for _, field := range searchFields {
		value := strings.TrimSpace(targetField(t, field))
		if value == "" {
			continue
		}
		if useMemory {
			if id, ok := s.r.lookup(t.Type, field, value); ok {
				s.decide(slog.LevelInfo, StepSearch, t, ReusedExisting, id, "lookup cache hit on "+field)
				return id, true, nil
			}
		}
		var objects []metadata.Object
		outcome, err := s.r.retry.Do(ctx, fmt.Sprintf("search %s %s", t.Type, field), func(ctx context.Context) error {
			var err error
			objects, err = api.SearchByField(ctx, field, value)
			return err
		})
		switch outcome {
		case retry.Success:
		case retry.NotFound:
			continue
		default:
			return "", false, s.fatal(t, err)
		}
		matches := exactMatches(objects, field, value)
		switch {
		case len(matches) == 1:
			id := matches[0].ID
			s.r.remember(t.Type, identityOf(matches[0]), id)
			s.decide(slog.LevelInfo, StepSearch, t, ReusedExisting, id, "matched on "+field)
			return id, true, nil
		case len(matches) > 1:
			s.decide(slog.LevelWarn, StepSearch, t, "", "", fmt.Sprintf("%d objects share %s %q; trying next field", len(matches), field, value))
		}
	}
	return "", false, nil
}

func (s *Session) submit(ctx context.Context, api ResourceAPI, t *Target, names identity, payload map[string]any) (string, retry.Outcome, error) {
	newID := s.r.gen.Generate()
	obj := metadata.Object{
		ID:         newID,
		Name:       names.name,
		Code:       names.code,
		ShortName:  names.shortName,
		Attributes: payload,
	}
	var assigned string
	outcome, err := s.r.retry.Do(ctx, fmt.Sprintf("create %s %s", t.Type, t.Label()), func(ctx context.Context) error {
		var err error
		assigned, err = api.Create(ctx, obj)
		return err
	})
	if outcome != retry.Success {
		return "", outcome, err
	}
	if assigned == "" {
		assigned = newID
	}
	s.submissions = append(s.submissions, Submission{
		Type:       t.Type,
		Target:     t.Label(),
		RemoteID:   assigned,
		References: metadata.References(t.Type, obj),
	})
	return assigned, outcome, nil
}

// recordMapping remembers that the candidate id of t was unreachable and id
// stands in for it.
func (s *Session) recordMapping(ctx context.Context, t *Target, id string) {
	candidate := strings.TrimSpace(t.CandidateID)
	if candidate == "" || candidate == id {
		return
	}
	if s.stale[t] {
		// The old mapping pointed at an object the server no longer has.
		s.r.cache.Supersede(ctx, t.Type, candidate, id)
		return
	}
	s.r.cache.Record(ctx, t.Type, candidate, id)
}

func (s *Session) result(t *Target, id string, origin Origin) *Resolved {
	return &Resolved{RemoteID: id, Origin: origin, Target: t}
}

func (s *Session) fatal(t *Target, err error) error {
	var resolveErr *Error
	if errors.As(err, &resolveErr) {
		return err
	}
	return NewError(fatalKind(err), t.Type, t.Label(), err)
}

func (s *Session) decide(level slog.Level, step string, t *Target, origin Origin, remoteID, detail string) {
	d := Decision{
		Variant:  s.variant,
		Type:     t.Type,
		Target:   t.Label(),
		Step:     step,
		Level:    level,
		Origin:   origin,
		RemoteID: remoteID,
		Detail:   detail,
	}
	s.r.logger.Log(context.Background(), level, "resolver decision",
		"variant", d.Variant, "type", d.Type, "target", d.Target, "step", d.Step,
		"origin", d.Origin, "remote_id", d.RemoteID, "detail", d.Detail)
	if s.r.observer != nil {
		s.r.observer(d)
	}
	if s.observer != nil {
		s.observer(d)
	}
}

func validateTarget(t *Target) error {
	if !t.Type.Valid() {
		return NewError(KindValidation, t.Type, t.Label(), fmt.Errorf("unknown resource type %q", t.Type))
	}
	if strings.TrimSpace(t.Name) == "" && strings.TrimSpace(t.Code) == "" && strings.TrimSpace(t.ShortName) == "" {
		return NewError(KindValidation, t.Type, t.Label(), errors.New("target needs a name, code or short name"))
	}
	child, hasChild := t.Type.ChildType()
	if !hasChild && len(t.Dependencies) > 0 {
		return NewError(KindValidation, t.Type, t.Label(), errors.New("leaf objects cannot have dependencies"))
	}
	if t.Type == metadata.MeasurableItem && len(t.Dependencies) != 1 {
		return NewError(KindValidation, t.Type, t.Label(), fmt.Errorf("needs exactly one combination, got %d", len(t.Dependencies)))
	}
	for _, dep := range t.Dependencies {
		if dep == nil || dep.Type != child {
			return NewError(KindValidation, t.Type, t.Label(), fmt.Errorf("dependencies must be %s targets", child))
		}
	}
	return nil
}
