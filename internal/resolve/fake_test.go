package resolve

import (
	"context"
	"net/http"
	"time"

	"github.com/agentworkforce/provisioner/internal/idmap"
	"github.com/agentworkforce/provisioner/internal/metadata"
	"github.com/agentworkforce/provisioner/internal/retry"
)

type fakeRemote struct {
	objects  map[metadata.ResourceType]map[string]metadata.Object
	fetches  int
	searches int
	creates  int

	// Hooks return handled=true to replace the default behaviour.
	onCreate func(rt metadata.ResourceType, obj metadata.Object, call int) (handled bool, err error)
	onSearch func(rt metadata.ResourceType, field, value string, call int) ([]metadata.Object, bool)
}

func newFakeRemote() *fakeRemote {
	objects := map[metadata.ResourceType]map[string]metadata.Object{}
	for _, rt := range metadata.Hierarchy {
		objects[rt] = map[string]metadata.Object{}
	}
	return &fakeRemote{objects: objects}
}

func (f *fakeRemote) put(rt metadata.ResourceType, obj metadata.Object) {
	f.objects[rt][obj.ID] = obj
}

func (f *fakeRemote) apis() map[metadata.ResourceType]ResourceAPI {
	apis := map[metadata.ResourceType]ResourceAPI{}
	for _, rt := range metadata.Hierarchy {
		apis[rt] = &fakeAPI{remote: f, rt: rt}
	}
	return apis
}

type fakeAPI struct {
	remote *fakeRemote
	rt     metadata.ResourceType
}

func (a *fakeAPI) FetchByID(_ context.Context, id string) (metadata.Object, error) {
	a.remote.fetches++
	obj, ok := a.remote.objects[a.rt][id]
	if !ok {
		return metadata.Object{}, &metadata.HTTPError{StatusCode: http.StatusNotFound}
	}
	return obj, nil
}

func (a *fakeAPI) SearchByField(ctx context.Context, field, value string) ([]metadata.Object, error) {
	a.remote.searches++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if a.remote.onSearch != nil {
		if out, handled := a.remote.onSearch(a.rt, field, value, a.remote.searches); handled {
			return out, nil
		}
	}
	var out []metadata.Object
	for _, obj := range a.remote.objects[a.rt] {
		if obj.Field(field) == value {
			out = append(out, obj)
		}
	}
	return out, nil
}

func (a *fakeAPI) Create(_ context.Context, obj metadata.Object) (string, error) {
	a.remote.creates++
	if a.remote.onCreate != nil {
		if handled, err := a.remote.onCreate(a.rt, obj, a.remote.creates); handled {
			if err != nil {
				return "", err
			}
			a.remote.put(a.rt, obj)
			return obj.ID, nil
		}
	}
	for _, existing := range a.remote.objects[a.rt] {
		if obj.Code != "" && existing.Code == obj.Code {
			return "", &metadata.ConflictError{Path: a.rt.Endpoint(), Message: "code taken"}
		}
	}
	if child, ok := a.rt.ChildType(); ok {
		for _, ref := range metadata.References(a.rt, obj) {
			if _, exists := a.remote.objects[child][ref]; !exists {
				return "", &metadata.HTTPError{StatusCode: http.StatusNotFound, Message: "reference " + ref}
			}
		}
	}
	a.remote.put(a.rt, obj)
	return obj.ID, nil
}

func noWait(context.Context, time.Duration) error { return nil }

func newTestResolver(remote *fakeRemote, cache *idmap.Cache, fallbacks map[metadata.ResourceType]string) *Resolver {
	return New(Options{
		APIs:      remote.apis(),
		Cache:     cache,
		Retry:     retry.New(retry.Options{MaxAttempts: 3, Wait: noWait}),
		Fallbacks: fallbacks,
	})
}

func itemTree(code string) *Target {
	option := &Target{Type: metadata.Option, Name: "Female", Code: "OPT_F"}
	grouping := &Target{Type: metadata.Grouping, Name: "Sex", Code: "CAT_SEX", Dependencies: []*Target{option}}
	combination := &Target{Type: metadata.Combination, Name: "Sex combo", Code: "CC_SEX", Dependencies: []*Target{grouping}}
	return &Target{
		Type:         metadata.MeasurableItem,
		Name:         "Item " + code,
		Code:         code,
		ShortName:    "Item " + code,
		Payload:      map[string]any{"valueType": "NUMBER"},
		Dependencies: []*Target{combination},
	}
}
