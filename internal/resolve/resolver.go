package resolve

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/agentworkforce/provisioner/internal/ident"
	"github.com/agentworkforce/provisioner/internal/idmap"
	"github.com/agentworkforce/provisioner/internal/metadata"
	"github.com/agentworkforce/provisioner/internal/retry"
)

const (
	StepMapping        = "id-mapping"
	StepFetch          = "fetch"
	StepSearch         = "search"
	StepCreate         = "create"
	StepConflict       = "conflict"
	StepDisambiguate   = "disambiguate"
	StepFallback       = "fallback"
	StepDependencyScan = "dependency-scan"
)

// Decision is one resolver step worth reporting to the run log.
type Decision struct {
	Variant  string
	Type     metadata.ResourceType
	Target   string
	Step     string
	Level    slog.Level
	Origin   Origin
	RemoteID string
	Detail   string
}

type Observer func(Decision)

type Options struct {
	APIs      map[metadata.ResourceType]ResourceAPI
	Cache     *idmap.Cache
	Generator ident.Generator
	Retry     *retry.Controller
	// Fallbacks holds the id of a system-provided default object per type,
	// used once a conflict survives search and a disambiguated retry.
	Fallbacks map[metadata.ResourceType]string
	Logger    *slog.Logger
	Observer  Observer
}

type lookupKey struct {
	rt    metadata.ResourceType
	field string
	value string
}

// Resolver owns the state shared by every session of a process: the
// ID-mapping cache and the in-memory (type, field, value) lookup table.
// Both only grow during a run. A Resolver is not safe for concurrent
// sessions.
type Resolver struct {
	apis      map[metadata.ResourceType]ResourceAPI
	cache     *idmap.Cache
	gen       ident.Generator
	retry     *retry.Controller
	fallbacks map[metadata.ResourceType]string
	logger    *slog.Logger
	observer  Observer
	lookups   map[lookupKey]string
}

func New(opts Options) *Resolver {
	cache := opts.Cache
	if cache == nil {
		cache = idmap.New(idmap.Options{Logger: opts.Logger})
	}
	gen := opts.Generator
	if gen == nil {
		gen = ident.RandomGenerator{}
	}
	controller := opts.Retry
	if controller == nil {
		controller = retry.New(retry.Options{})
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	fallbacks := make(map[metadata.ResourceType]string, len(opts.Fallbacks))
	for rt, id := range opts.Fallbacks {
		if id = strings.TrimSpace(id); id != "" {
			fallbacks[rt] = id
		}
	}
	return &Resolver{
		apis:      opts.APIs,
		cache:     cache,
		gen:       gen,
		retry:     controller,
		fallbacks: fallbacks,
		logger:    logger,
		observer:  opts.Observer,
		lookups:   map[lookupKey]string{},
	}
}

func (r *Resolver) Cache() *idmap.Cache {
	return r.cache
}

// Resolve resolves t and its dependencies in a throwaway session.
func (r *Resolver) Resolve(ctx context.Context, t *Target) (*Resolved, error) {
	return r.NewSession("", nil).Resolve(ctx, t)
}

func (r *Resolver) api(t *Target) (ResourceAPI, error) {
	api, ok := r.apis[t.Type]
	if !ok || api == nil {
		return nil, NewError(KindValidation, t.Type, t.Label(), fmt.Errorf("no api registered for %s", t.Type))
	}
	return api, nil
}

// remember stores the uniqueness fields the remote object with id is known
// to carry. Callers pass what the server returned or what was just created,
// never the fields of the target that asked for it.
func (r *Resolver) remember(rt metadata.ResourceType, names identity, id string) {
	if id == "" {
		return
	}
	for _, field := range searchFields {
		if value := strings.TrimSpace(names.field(field)); value != "" {
			r.lookups[lookupKey{rt: rt, field: field, value: value}] = id
		}
	}
}

func (r *Resolver) lookup(rt metadata.ResourceType, field, value string) (string, bool) {
	id, ok := r.lookups[lookupKey{rt: rt, field: field, value: value}]
	return id, ok
}

func targetField(t *Target, field string) string {
	switch field {
	case metadata.FieldCode:
		return t.Code
	case metadata.FieldName:
		return t.Name
	case metadata.FieldShortName:
		return t.ShortName
	}
	return ""
}

func exactMatches(objects []metadata.Object, field, value string) []metadata.Object {
	var out []metadata.Object
	seen := map[string]bool{}
	for _, obj := range objects {
		if obj.ID == "" || seen[obj.ID] || obj.Field(field) != value {
			continue
		}
		seen[obj.ID] = true
		out = append(out, obj)
	}
	return out
}

type identity struct {
	name      string
	code      string
	shortName string
}

func identityOf(obj metadata.Object) identity {
	return identity{name: obj.Name, code: obj.Code, shortName: obj.ShortName}
}

func (id identity) field(name string) string {
	switch name {
	case metadata.FieldCode:
		return id.code
	case metadata.FieldName:
		return id.name
	case metadata.FieldShortName:
		return id.shortName
	}
	return ""
}

// disambiguate appends suffix to every non-empty uniqueness field.
func (id identity) disambiguate(suffix string) identity {
	out := identity{}
	if id.name != "" {
		out.name = id.name + " " + suffix
	}
	if id.code != "" {
		out.code = id.code + "_" + suffix
	}
	if id.shortName != "" {
		out.shortName = id.shortName + " " + suffix
	}
	return out
}

func disambiguationSuffix(id string) string {
	if len(id) > 5 {
		id = id[len(id)-5:]
	}
	return strings.ToUpper(id)
}
