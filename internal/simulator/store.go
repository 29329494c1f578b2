package simulator

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"

	"github.com/agentworkforce/provisioner/internal/ident"
	"github.com/agentworkforce/provisioner/internal/metadata"
)

type StoreOptions struct {
	// SearchLag hides every newly created object from this many matching
	// searches, imitating a lagging search index. Fetch by id is unaffected.
	SearchLag int
	Generator ident.Generator
	// SkipDefaults leaves out the system default option, grouping and
	// combination.
	SkipDefaults bool
}

type record struct {
	obj metadata.Object
	lag int
}

// Store is the in-memory state of the simulated metadata API. Code and name
// are unique per resource type.
type Store struct {
	mu        sync.Mutex
	objects   map[metadata.ResourceType]map[string]*record
	orgUnits  map[string]metadata.Object
	dataStore map[string]map[string]json.RawMessage
	searchLag int
	gen       ident.Generator
}

type storeError struct {
	status  int
	code    string
	message string
}

func (e *storeError) Error() string {
	return e.message
}

func NewStore(opts StoreOptions) *Store {
	gen := opts.Generator
	if gen == nil {
		gen = ident.RandomGenerator{}
	}
	s := &Store{
		objects:   map[metadata.ResourceType]map[string]*record{},
		orgUnits:  map[string]metadata.Object{},
		dataStore: map[string]map[string]json.RawMessage{},
		searchLag: opts.SearchLag,
		gen:       gen,
	}
	for _, rt := range metadata.Hierarchy {
		s.objects[rt] = map[string]*record{}
	}
	if !opts.SkipDefaults {
		s.seedDefaults()
	}
	return s
}

func (s *Store) seedDefaults() {
	s.Put(metadata.Option, metadata.Object{ID: "xYerKDKCefk", Name: "default", Code: "default"})
	s.Put(metadata.Grouping, metadata.Object{ID: "GLevLNI9wkl", Name: "default", Code: "default", Attributes: map[string]any{
		"categoryOptions": []any{map[string]any{"id": "xYerKDKCefk"}},
	}})
	s.Put(metadata.Combination, metadata.Object{ID: "bjDvmb4bfuf", Name: "default", Code: "default", Attributes: map[string]any{
		"categories": []any{map[string]any{"id": "GLevLNI9wkl"}},
	}})
}

// Put stores obj as-is, skipping every validation. Used for seeding.
func (s *Store) Put(rt metadata.ResourceType, obj metadata.Object) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[rt][obj.ID] = &record{obj: obj.Clone()}
}

func (s *Store) AddOrganisationUnit(id, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orgUnits[id] = metadata.Object{ID: id, Name: name}
}

func (s *Store) OrganisationUnit(id string) (metadata.Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.orgUnits[id]
	return obj, ok
}

// SetSearchLag hides an existing object from the next n matching searches.
func (s *Store) SetSearchLag(rt metadata.ResourceType, id string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.objects[rt][id]; ok {
		rec.lag = n
	}
}

func (s *Store) Get(rt metadata.ResourceType, id string) (metadata.Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.objects[rt][id]
	if !ok {
		return metadata.Object{}, false
	}
	return rec.obj.Clone(), true
}

func (s *Store) Search(rt metadata.ResourceType, field, value string) []metadata.Object {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []metadata.Object
	for _, rec := range s.objects[rt] {
		if rec.obj.Field(field) != value {
			continue
		}
		if rec.lag > 0 {
			rec.lag--
			continue
		}
		out = append(out, rec.obj.Clone())
	}
	sortObjects(out)
	return out
}

func (s *Store) Objects(rt metadata.ResourceType) []metadata.Object {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]metadata.Object, 0, len(s.objects[rt]))
	for _, rec := range s.objects[rt] {
		out = append(out, rec.obj.Clone())
	}
	sortObjects(out)
	return out
}

func (s *Store) Count(rt metadata.ResourceType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects[rt])
}

// Create validates and stores obj, returning its id. Missing references are
// reported as 404, uniqueness violations as 409.
func (s *Store) Create(rt metadata.ResourceType, obj metadata.Object) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if obj.Name == "" && obj.Code == "" {
		return "", &storeError{status: http.StatusBadRequest, code: "E4000", message: "name or code is required"}
	}
	if obj.ID == "" {
		obj.ID = s.gen.Generate()
	}
	if !ident.IsValid(obj.ID) {
		return "", &storeError{status: http.StatusBadRequest, code: "E4014", message: "invalid uid " + obj.ID}
	}
	if _, exists := s.objects[rt][obj.ID]; exists {
		return "", &storeError{status: http.StatusConflict, code: "E5003", message: "uid already exists: " + obj.ID}
	}
	for _, rec := range s.objects[rt] {
		if obj.Code != "" && rec.obj.Code == obj.Code {
			return "", &storeError{status: http.StatusConflict, code: "E5003", message: "code already exists: " + obj.Code}
		}
		if obj.Name != "" && rec.obj.Name == obj.Name {
			return "", &storeError{status: http.StatusConflict, code: "E5003", message: "name already exists: " + obj.Name}
		}
	}
	if child, ok := rt.ChildType(); ok {
		for _, ref := range metadata.References(rt, obj) {
			if _, exists := s.objects[child][ref]; !exists {
				return "", &storeError{status: http.StatusNotFound, code: "E5002", message: "unknown " + string(child) + " reference " + ref}
			}
		}
	}
	for _, unit := range metadata.OrganisationUnits(obj) {
		if _, exists := s.orgUnits[unit]; !exists {
			return "", &storeError{status: http.StatusNotFound, code: "E5002", message: "unknown organisation unit " + unit}
		}
	}
	s.objects[rt][obj.ID] = &record{obj: obj.Clone(), lag: s.searchLag}
	return obj.ID, nil
}

func (s *Store) DataStoreGet(namespace, key string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.dataStore[namespace][key]
	return value, ok
}

// DataStorePut writes a value. With create set it fails on an existing key;
// otherwise it fails on a missing one.
func (s *Store) DataStorePut(namespace, key string, value json.RawMessage, create bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.dataStore[namespace]
	_, exists := ns[key]
	switch {
	case create && exists:
		return &storeError{status: http.StatusConflict, code: "E1004", message: "key already exists"}
	case !create && !exists:
		return &storeError{status: http.StatusNotFound, code: "E1005", message: "key not found"}
	}
	if !ok {
		ns = map[string]json.RawMessage{}
		s.dataStore[namespace] = ns
	}
	ns[key] = append(json.RawMessage(nil), value...)
	return nil
}

func (s *Store) DataStoreDelete(namespace, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dataStore[namespace][key]; !ok {
		return false
	}
	delete(s.dataStore[namespace], key)
	return true
}

func sortObjects(objects []metadata.Object) {
	sort.Slice(objects, func(i, j int) bool { return objects[i].ID < objects[j].ID })
}
