package compose

import (
	"errors"
	"fmt"
	"strings"

	"github.com/agentworkforce/provisioner/internal/ident"
	"github.com/agentworkforce/provisioner/internal/metadata"
	"github.com/agentworkforce/provisioner/internal/resolve"
	"github.com/agentworkforce/provisioner/internal/templates"
)

const (
	defaultDomainType        = "AGGREGATE"
	defaultDataDimensionType = "DISAGGREGATION"
	defaultCombinationName   = "default"
)

type Options struct {
	// DefaultCombinationID is referenced by items that name no combination.
	DefaultCombinationID string
}

// composer dedupes shared objects by code within one variant so each
// grouping and combination is resolved once per variant.
type composer struct {
	doc          *templates.Document
	opts         Options
	options      map[string]*resolve.Target
	groupings    map[string]*resolve.Target
	combinations map[string]*resolve.Target
}

// Compose builds the target tree of variant rooted at its collection. It
// makes no network calls; scope and required fields are checked here so a
// malformed variant fails before anything is created.
func Compose(doc *templates.Document, variant templates.Variant, opts Options) (*resolve.Target, error) {
	if doc == nil {
		return nil, resolve.NewError(resolve.KindValidation, metadata.Collection, variant.Code, errors.New("no template document"))
	}
	if opts.DefaultCombinationID == "" {
		opts.DefaultCombinationID = doc.DefaultCombination
	}
	if opts.DefaultCombinationID == "" {
		opts.DefaultCombinationID = resolve.DefaultCombinationID
	}
	c := &composer{
		doc:          doc,
		opts:         opts,
		options:      map[string]*resolve.Target{},
		groupings:    map[string]*resolve.Target{},
		combinations: map[string]*resolve.Target{},
	}
	return c.collection(variant)
}

func (c *composer) collection(variant templates.Variant) (*resolve.Target, error) {
	label := variant.Code
	if label == "" {
		label = variant.Key
	}
	if err := requireFields(metadata.Collection, label, map[string]string{
		"name": variant.Name, "code": variant.Code, "periodType": variant.PeriodType,
	}); err != nil {
		return nil, err
	}
	units := normaliseUnits(c.doc.ScopeFor(variant))
	if len(units) == 0 {
		return nil, resolve.NewError(resolve.KindScope, metadata.Collection, label, resolve.ErrScope)
	}

	var items []*resolve.Target
	seen := map[string]bool{}
	for _, tmpl := range variant.Items {
		include, err := tmpl.Includes(variant)
		if err != nil {
			return nil, resolve.NewError(resolve.KindValidation, metadata.MeasurableItem, tmpl.Code, err)
		}
		if !include || seen[tmpl.Code] {
			continue
		}
		seen[tmpl.Code] = true
		item, err := c.item(tmpl)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if len(items) == 0 {
		return nil, resolve.NewError(resolve.KindValidation, metadata.Collection, label, errors.New("no measurable items apply to this variant"))
	}

	shortName := variant.ShortName
	if shortName == "" {
		shortName = variant.Name
	}
	root := &resolve.Target{
		Type:        metadata.Collection,
		CandidateID: variant.ID,
		Name:        variant.Name,
		Code:        variant.Code,
		ShortName:   shortName,
		Payload: map[string]any{
			"periodType": variant.PeriodType,
		},
		Dependencies: items,
	}
	SetOrganisationUnits(root, units)
	return root, nil
}

func (c *composer) item(tmpl templates.ItemTemplate) (*resolve.Target, error) {
	if err := requireFields(metadata.MeasurableItem, tmpl.Code, map[string]string{
		"name": tmpl.Name, "code": tmpl.Code, "shortName": tmpl.ShortName,
		"valueType": tmpl.ValueType, "aggregationType": tmpl.AggregationType,
	}); err != nil {
		return nil, err
	}
	combo, err := c.combination(tmpl.Combination)
	if err != nil {
		return nil, err
	}
	domainType := tmpl.DomainType
	if domainType == "" {
		domainType = defaultDomainType
	}
	return &resolve.Target{
		Type:        metadata.MeasurableItem,
		CandidateID: tmpl.ID,
		Name:        tmpl.Name,
		Code:        tmpl.Code,
		ShortName:   tmpl.ShortName,
		Payload: map[string]any{
			"valueType":       tmpl.ValueType,
			"aggregationType": tmpl.AggregationType,
			"domainType":      domainType,
		},
		Dependencies: []*resolve.Target{combo},
	}, nil
}

func (c *composer) combination(code string) (*resolve.Target, error) {
	if code == "" {
		if target, ok := c.combinations[""]; ok {
			return target, nil
		}
		target := &resolve.Target{
			Type:        metadata.Combination,
			CandidateID: c.opts.DefaultCombinationID,
			Name:        defaultCombinationName,
			Payload:     map[string]any{"dataDimensionType": defaultDataDimensionType},
		}
		c.combinations[""] = target
		return target, nil
	}
	if target, ok := c.combinations[code]; ok {
		return target, nil
	}
	tmpl, ok := c.doc.Combination(code)
	if !ok {
		return nil, resolve.NewError(resolve.KindValidation, metadata.Combination, code, errors.New("combination is not defined"))
	}
	groupings := make([]*resolve.Target, 0, len(tmpl.Groupings))
	for _, g := range tmpl.Groupings {
		grouping, err := c.grouping(g)
		if err != nil {
			return nil, err
		}
		groupings = append(groupings, grouping)
	}
	target := &resolve.Target{
		Type:         metadata.Combination,
		CandidateID:  tmpl.ID,
		Name:         tmpl.Name,
		Code:         tmpl.Code,
		ShortName:    tmpl.ShortName,
		Payload:      map[string]any{"dataDimensionType": orDefault(tmpl.DataDimensionType, defaultDataDimensionType)},
		Dependencies: groupings,
	}
	c.combinations[code] = target
	return target, nil
}

func (c *composer) grouping(tmpl templates.GroupingTemplate) (*resolve.Target, error) {
	key := dedupeKey(tmpl.Code, tmpl.Name)
	if target, ok := c.groupings[key]; ok {
		return target, nil
	}
	if len(tmpl.Options) == 0 {
		return nil, resolve.NewError(resolve.KindValidation, metadata.Grouping, key, errors.New("grouping needs at least one option"))
	}
	options := make([]*resolve.Target, 0, len(tmpl.Options))
	for _, o := range tmpl.Options {
		optKey := dedupeKey(o.Code, o.Name)
		if optKey == "" {
			return nil, resolve.NewError(resolve.KindValidation, metadata.Option, o.ID, errors.New("option needs a code or name"))
		}
		option, ok := c.options[optKey]
		if !ok {
			option = &resolve.Target{
				Type:        metadata.Option,
				CandidateID: o.ID,
				Name:        o.Name,
				Code:        o.Code,
				ShortName:   o.ShortName,
			}
			c.options[optKey] = option
		}
		options = append(options, option)
	}
	target := &resolve.Target{
		Type:         metadata.Grouping,
		CandidateID:  tmpl.ID,
		Name:         tmpl.Name,
		Code:         tmpl.Code,
		ShortName:    tmpl.ShortName,
		Payload:      map[string]any{"dataDimensionType": orDefault(tmpl.DataDimensionType, defaultDataDimensionType)},
		Dependencies: options,
	}
	if key != "" {
		c.groupings[key] = target
	}
	return target, nil
}

// Level is every target of one resource type in a tree.
type Level struct {
	Type    metadata.ResourceType
	Targets []*resolve.Target
}

// Levels flattens root into one Level per resource type, leaf-first, each
// target appearing once in first-visit order.
func Levels(root *resolve.Target) []Level {
	byType := map[metadata.ResourceType][]*resolve.Target{}
	seen := map[*resolve.Target]bool{}
	var walk func(t *resolve.Target)
	walk = func(t *resolve.Target) {
		if t == nil || seen[t] {
			return
		}
		seen[t] = true
		for _, dep := range t.Dependencies {
			walk(dep)
		}
		byType[t.Type] = append(byType[t.Type], t)
	}
	walk(root)
	levels := make([]Level, 0, len(metadata.Hierarchy))
	for _, rt := range metadata.Hierarchy {
		levels = append(levels, Level{Type: rt, Targets: byType[rt]})
	}
	return levels
}

// TargetsOf returns the targets of type rt in root.
func TargetsOf(root *resolve.Target, rt metadata.ResourceType) []*resolve.Target {
	for _, level := range Levels(root) {
		if level.Type == rt {
			return level.Targets
		}
	}
	return nil
}

func OrganisationUnits(root *resolve.Target) []string {
	return metadata.OrganisationUnits(metadata.Object{Attributes: root.Payload})
}

func SetOrganisationUnits(root *resolve.Target, ids []string) {
	refs := make([]any, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, map[string]any{"id": id})
	}
	if root.Payload == nil {
		root.Payload = map[string]any{}
	}
	root.Payload[metadata.OrganisationUnitsField] = refs
}

// ValidUnitIDs splits ids into well-formed and malformed identifiers.
func ValidUnitIDs(ids []string) (valid, invalid []string) {
	for _, id := range ids {
		if ident.IsValid(id) {
			valid = append(valid, id)
		} else {
			invalid = append(invalid, id)
		}
	}
	return valid, invalid
}

func requireFields(rt metadata.ResourceType, label string, fields map[string]string) error {
	var missing []string
	for _, name := range []string{"name", "code", "shortName", "valueType", "aggregationType", "periodType"} {
		value, ok := fields[name]
		if ok && strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return resolve.NewError(resolve.KindValidation, rt, label, fmt.Errorf("missing %s", strings.Join(missing, ", ")))
	}
	return nil
}

func normaliseUnits(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := map[string]bool{}
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func dedupeKey(code, name string) string {
	if code != "" {
		return "code:" + code
	}
	if name != "" {
		return "name:" + name
	}
	return ""
}

func orDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
