package compose

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/provisioner/internal/metadata"
	"github.com/agentworkforce/provisioner/internal/resolve"
	"github.com/agentworkforce/provisioner/internal/templates"
)

func loadDoc(t *testing.T) *templates.Document {
	t.Helper()
	doc, err := templates.Load(filepath.Join("..", "templates", "testdata", "malaria.yaml"))
	require.NoError(t, err)
	return doc
}

func TestComposeBuildsFullTree(t *testing.T) {
	doc := loadDoc(t)
	routine, _ := doc.Variant("routine")

	root, err := Compose(doc, routine, Options{})
	require.NoError(t, err)
	assert.Equal(t, metadata.Collection, root.Type)
	assert.Equal(t, "DS_MAL_ROUTINE", root.Code)
	assert.Equal(t, "Monthly", root.Payload["periodType"])
	assert.Equal(t, []string{"ImspTQPwCqd"}, OrganisationUnits(root))

	levels := Levels(root)
	require.Len(t, levels, 5)
	counts := map[metadata.ResourceType]int{}
	for _, level := range levels {
		counts[level.Type] = len(level.Targets)
	}
	assert.Equal(t, map[metadata.ResourceType]int{
		metadata.Option:         2,
		metadata.Grouping:       1,
		metadata.Combination:    2,
		metadata.MeasurableItem: 2,
		metadata.Collection:     1,
	}, counts)

	items := TargetsOf(root, metadata.MeasurableItem)
	require.Len(t, items, 2)
	assert.Equal(t, "CC_SEX", items[0].Dependencies[0].Code)
	defaultCombo := items[1].Dependencies[0]
	assert.Equal(t, resolve.DefaultCombinationID, defaultCombo.CandidateID)
	assert.Empty(t, defaultCombo.Dependencies)
	assert.Equal(t, "AGGREGATE", items[0].Payload["domainType"])
}

func TestComposeDedupesSharedObjects(t *testing.T) {
	doc := loadDoc(t)
	doc.Variants[0].Items = append(doc.Variants[0].Items, templates.ItemTemplate{
		Name: "Malaria admissions", Code: "DE_MAL_ADM", ShortName: "Malaria admissions",
		ValueType: "NUMBER", AggregationType: "SUM", Combination: "CC_SEX",
	}, doc.Variants[0].Items[0])

	root, err := Compose(doc, doc.Variants[0], Options{})
	require.NoError(t, err)
	items := TargetsOf(root, metadata.MeasurableItem)
	require.Len(t, items, 3)
	assert.Same(t, items[0].Dependencies[0], items[2].Dependencies[0])
	assert.Len(t, TargetsOf(root, metadata.Combination), 2)
}

func TestComposeAppliesConditions(t *testing.T) {
	doc := loadDoc(t)
	weekly, _ := doc.Variant("weekly")

	root, err := Compose(doc, weekly, Options{})
	require.NoError(t, err)
	items := TargetsOf(root, metadata.MeasurableItem)
	require.Len(t, items, 1)
	assert.Equal(t, "DE_MAL_CONF", items[0].Code)
	assert.Equal(t, "Malaria weekly", root.ShortName)
}

func TestComposeEmptyScopeIsScopeError(t *testing.T) {
	doc := loadDoc(t)
	doc.OrganisationUnits = []string{" ", ""}
	routine, _ := doc.Variant("routine")

	_, err := Compose(doc, routine, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, resolve.ErrScope)
	assert.Equal(t, resolve.KindScope, resolve.KindOf(err))
}

func TestComposeMissingFieldsIsValidationError(t *testing.T) {
	doc := loadDoc(t)
	routine, _ := doc.Variant("routine")
	routine.Items = []templates.ItemTemplate{{Name: "No type", Code: "DE_X", ShortName: "X", AggregationType: "SUM"}}

	_, err := Compose(doc, routine, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, resolve.ErrValidation)
	assert.Contains(t, err.Error(), "valueType")
}

func TestComposeCustomDefaultCombination(t *testing.T) {
	doc := loadDoc(t)
	routine, _ := doc.Variant("routine")

	root, err := Compose(doc, routine, Options{DefaultCombinationID: "cmbCustom01"})
	require.NoError(t, err)
	items := TargetsOf(root, metadata.MeasurableItem)
	assert.Equal(t, "cmbCustom01", items[1].Dependencies[0].CandidateID)
}

func TestValidUnitIDs(t *testing.T) {
	valid, invalid := ValidUnitIDs([]string{"ImspTQPwCqd", "bad", "1mspTQPwCqd"})
	assert.Equal(t, []string{"ImspTQPwCqd"}, valid)
	assert.Equal(t, []string{"bad", "1mspTQPwCqd"}, invalid)
}
