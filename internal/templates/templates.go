// Package templates loads the caller-supplied provisioning document: the
// variants to provision, their measurable items, the shared disaggregation
// combinations and the organisational scope.
package templates

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

var ErrInvalidTemplate = errors.New("invalid template")

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "https://provisioner.local/templates.schema.json"

type Document struct {
	OrganisationUnits  []string              `yaml:"organisationUnits" json:"organisationUnits"`
	DefaultCombination string                `yaml:"defaultCombination,omitempty" json:"defaultCombination,omitempty"`
	Access             Access                `yaml:"access,omitempty" json:"access,omitempty"`
	Combinations       []CombinationTemplate `yaml:"combinations,omitempty" json:"combinations,omitempty"`
	Variants           []Variant             `yaml:"variants" json:"variants"`
}

type Access struct {
	PublicAccess string            `yaml:"publicAccess,omitempty" json:"publicAccess,omitempty"`
	UserGroups   []UserGroupAccess `yaml:"userGroups,omitempty" json:"userGroups,omitempty"`
}

type UserGroupAccess struct {
	ID     string `yaml:"id" json:"id"`
	Access string `yaml:"access" json:"access"`
}

// Variant is one collection to provision.
type Variant struct {
	Key               string         `yaml:"key" json:"key"`
	ID                string         `yaml:"id,omitempty" json:"id,omitempty"`
	Name              string         `yaml:"name" json:"name"`
	Code              string         `yaml:"code" json:"code"`
	ShortName         string         `yaml:"shortName,omitempty" json:"shortName,omitempty"`
	PeriodType        string         `yaml:"periodType" json:"periodType"`
	OrganisationUnits []string       `yaml:"organisationUnits,omitempty" json:"organisationUnits,omitempty"`
	Items             []ItemTemplate `yaml:"items" json:"items"`
}

type ItemTemplate struct {
	ID              string `yaml:"id,omitempty" json:"id,omitempty"`
	Name            string `yaml:"name" json:"name"`
	Code            string `yaml:"code" json:"code"`
	ShortName       string `yaml:"shortName" json:"shortName"`
	ValueType       string `yaml:"valueType" json:"valueType"`
	AggregationType string `yaml:"aggregationType" json:"aggregationType"`
	DomainType      string `yaml:"domainType,omitempty" json:"domainType,omitempty"`
	// Combination is the code of an entry in Document.Combinations; empty
	// means the default combination.
	Combination string `yaml:"combination,omitempty" json:"combination,omitempty"`
	When        string `yaml:"when,omitempty" json:"when,omitempty"`
}

type CombinationTemplate struct {
	ID                string             `yaml:"id,omitempty" json:"id,omitempty"`
	Name              string             `yaml:"name,omitempty" json:"name,omitempty"`
	Code              string             `yaml:"code" json:"code"`
	ShortName         string             `yaml:"shortName,omitempty" json:"shortName,omitempty"`
	DataDimensionType string             `yaml:"dataDimensionType,omitempty" json:"dataDimensionType,omitempty"`
	Groupings         []GroupingTemplate `yaml:"groupings" json:"groupings"`
}

type GroupingTemplate struct {
	ID                string           `yaml:"id,omitempty" json:"id,omitempty"`
	Name              string           `yaml:"name,omitempty" json:"name,omitempty"`
	Code              string           `yaml:"code,omitempty" json:"code,omitempty"`
	ShortName         string           `yaml:"shortName,omitempty" json:"shortName,omitempty"`
	DataDimensionType string           `yaml:"dataDimensionType,omitempty" json:"dataDimensionType,omitempty"`
	Options           []OptionTemplate `yaml:"options" json:"options"`
}

type OptionTemplate struct {
	ID        string `yaml:"id,omitempty" json:"id,omitempty"`
	Name      string `yaml:"name,omitempty" json:"name,omitempty"`
	Code      string `yaml:"code,omitempty" json:"code,omitempty"`
	ShortName string `yaml:"shortName,omitempty" json:"shortName,omitempty"`
}

func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read templates: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML (or JSON, which is valid YAML), validates it against
// the embedded schema and then checks cross references.
func Parse(data []byte) (*Document, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
	}
	if err := validateSchema(raw); err != nil {
		return nil, err
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate checks what the schema cannot express: unique variant keys,
// unique combination codes, resolvable combination references and
// compilable conditions.
func (d *Document) Validate() error {
	combos := map[string]bool{}
	for _, combo := range d.Combinations {
		if combos[combo.Code] {
			return fmt.Errorf("%w: duplicate combination code %q", ErrInvalidTemplate, combo.Code)
		}
		combos[combo.Code] = true
	}
	keys := map[string]bool{}
	for _, variant := range d.Variants {
		if keys[variant.Key] {
			return fmt.Errorf("%w: duplicate variant key %q", ErrInvalidTemplate, variant.Key)
		}
		keys[variant.Key] = true
		for _, item := range variant.Items {
			if item.Combination != "" && !combos[item.Combination] {
				return fmt.Errorf("%w: variant %q item %q references unknown combination %q", ErrInvalidTemplate, variant.Key, item.Code, item.Combination)
			}
			if strings.TrimSpace(item.When) != "" {
				if _, err := CompileCondition(item.When); err != nil {
					return fmt.Errorf("%w: variant %q item %q: %v", ErrInvalidTemplate, variant.Key, item.Code, err)
				}
			}
		}
	}
	return nil
}

func (d *Document) Combination(code string) (CombinationTemplate, bool) {
	for _, combo := range d.Combinations {
		if combo.Code == code {
			return combo, true
		}
	}
	return CombinationTemplate{}, false
}

// Variant returns the variant with key.
func (d *Document) Variant(key string) (Variant, bool) {
	for _, variant := range d.Variants {
		if variant.Key == key {
			return variant, true
		}
	}
	return Variant{}, false
}

// ScopeFor returns the organisational units of v, falling back to the
// document-wide list.
func (d *Document) ScopeFor(v Variant) []string {
	if len(v.OrganisationUnits) > 0 {
		return v.OrganisationUnits
	}
	return d.OrganisationUnits
}

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
		if err != nil {
			schemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, doc); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = compiler.Compile(schemaURL)
	})
	return schema, schemaErr
}

func validateSchema(raw any) error {
	sch, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("failed to compile template schema: %w", err)
	}
	// Round trip through JSON so the validator sees JSON number and map
	// types rather than YAML's.
	encoded, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
	}
	return nil
}
