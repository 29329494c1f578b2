package metadata

import (
	"encoding/json"
	"fmt"
	"strings"
)

type ResourceType string

const (
	Option         ResourceType = "option"
	Grouping       ResourceType = "grouping"
	Combination    ResourceType = "combination"
	MeasurableItem ResourceType = "measurable-item"
	Collection     ResourceType = "collection"
)

// Hierarchy lists resource types leaf-first; every type embeds references to
// the type before it.
var Hierarchy = []ResourceType{Option, Grouping, Combination, MeasurableItem, Collection}

const (
	OrganisationUnitsEndpoint = "organisationUnits"
	OrganisationUnitsField    = "organisationUnits"
)

type resourceSchema struct {
	endpoint string
	child    ResourceType
	refField string
	single   bool
	wrap     string
}

var schemas = map[ResourceType]resourceSchema{
	Option:         {endpoint: "categoryOptions"},
	Grouping:       {endpoint: "categories", child: Option, refField: "categoryOptions"},
	Combination:    {endpoint: "categoryCombos", child: Grouping, refField: "categories"},
	MeasurableItem: {endpoint: "dataElements", child: Combination, refField: "categoryCombo", single: true},
	Collection:     {endpoint: "dataSets", child: MeasurableItem, refField: "dataSetElements", wrap: "dataElement"},
}

func ParseResourceType(raw string) (ResourceType, error) {
	rt := ResourceType(strings.ToLower(strings.TrimSpace(raw)))
	if !rt.Valid() {
		return "", fmt.Errorf("%w: unknown resource type %q", ErrInvalidInput, raw)
	}
	return rt, nil
}

func (rt ResourceType) Valid() bool {
	_, ok := schemas[rt]
	return ok
}

func (rt ResourceType) Endpoint() string {
	return schemas[rt].endpoint
}

// Level is the position of rt in Hierarchy, or -1.
func (rt ResourceType) Level() int {
	for i, candidate := range Hierarchy {
		if candidate == rt {
			return i
		}
	}
	return -1
}

func (rt ResourceType) ChildType() (ResourceType, bool) {
	s, ok := schemas[rt]
	if !ok || s.child == "" {
		return "", false
	}
	return s.child, true
}

// ReferenceField names the payload field that carries child references.
func (rt ResourceType) ReferenceField() string {
	return schemas[rt].refField
}

// TypeForEndpoint maps an API collection path segment back to its type.
func TypeForEndpoint(endpoint string) (ResourceType, bool) {
	for rt, s := range schemas {
		if s.endpoint == endpoint {
			return rt, true
		}
	}
	return "", false
}

// EmbedReferences writes resolved child ids into payload using the wire shape
// of rt. A single-reference type requires exactly one id.
func EmbedReferences(rt ResourceType, payload map[string]any, ids []string) error {
	s, ok := schemas[rt]
	if !ok {
		return fmt.Errorf("%w: unknown resource type %q", ErrInvalidInput, rt)
	}
	if s.refField == "" {
		if len(ids) > 0 {
			return fmt.Errorf("%w: %s cannot embed references", ErrInvalidInput, rt)
		}
		return nil
	}
	if s.single {
		if len(ids) != 1 {
			return fmt.Errorf("%w: %s requires exactly one %s reference, got %d", ErrInvalidInput, rt, s.child, len(ids))
		}
		payload[s.refField] = map[string]any{"id": ids[0]}
		return nil
	}
	refs := make([]any, 0, len(ids))
	for _, id := range ids {
		ref := map[string]any{"id": id}
		if s.wrap != "" {
			ref = map[string]any{s.wrap: ref}
		}
		refs = append(refs, ref)
	}
	payload[s.refField] = refs
	return nil
}

// References extracts child ids embedded in obj, the inverse of
// EmbedReferences.
func References(rt ResourceType, obj Object) []string {
	s, ok := schemas[rt]
	if !ok || s.refField == "" {
		return nil
	}
	raw, ok := obj.Attributes[s.refField]
	if !ok {
		return nil
	}
	if s.single {
		if id := refID(raw, ""); id != "" {
			return []string{id}
		}
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(list))
	for _, item := range list {
		if id := refID(item, s.wrap); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// OrganisationUnits extracts organisational-unit ids from a collection payload.
func OrganisationUnits(obj Object) []string {
	list, ok := obj.Attributes[OrganisationUnitsField].([]any)
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(list))
	for _, item := range list {
		if id := refID(item, ""); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func refID(raw any, wrap string) string {
	m, ok := raw.(map[string]any)
	if !ok {
		return ""
	}
	if wrap != "" {
		m, ok = m[wrap].(map[string]any)
		if !ok {
			return ""
		}
	}
	id, _ := m["id"].(string)
	return id
}

// Object is a remote metadata object. The identity fields are promoted;
// everything else travels in Attributes and is flattened on the wire.
type Object struct {
	ID         string
	Name       string
	Code       string
	ShortName  string
	Attributes map[string]any
}

const (
	FieldID        = "id"
	FieldName      = "name"
	FieldCode      = "code"
	FieldShortName = "shortName"
)

func (o Object) Field(name string) string {
	switch name {
	case FieldID:
		return o.ID
	case FieldName:
		return o.Name
	case FieldCode:
		return o.Code
	case FieldShortName:
		return o.ShortName
	}
	value, _ := o.Attributes[name].(string)
	return value
}

func (o Object) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(o.Attributes)+4)
	for key, value := range o.Attributes {
		out[key] = value
	}
	setNonEmpty(out, FieldID, o.ID)
	setNonEmpty(out, FieldName, o.Name)
	setNonEmpty(out, FieldCode, o.Code)
	setNonEmpty(out, FieldShortName, o.ShortName)
	return json.Marshal(out)
}

func (o *Object) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	o.ID = popString(raw, FieldID)
	o.Name = popString(raw, FieldName)
	o.Code = popString(raw, FieldCode)
	o.ShortName = popString(raw, FieldShortName)
	o.Attributes = raw
	return nil
}

// Clone copies the object; nested attribute values are shared.
func (o Object) Clone() Object {
	out := o
	out.Attributes = make(map[string]any, len(o.Attributes))
	for key, value := range o.Attributes {
		out.Attributes[key] = value
	}
	return out
}

func setNonEmpty(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}

func popString(m map[string]any, key string) string {
	value, _ := m[key].(string)
	delete(m, key)
	return value
}
