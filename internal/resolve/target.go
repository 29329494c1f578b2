package resolve

import (
	"context"
	"strings"

	"github.com/agentworkforce/provisioner/internal/metadata"
)

type Origin string

const (
	ReusedExisting      Origin = "REUSED_EXISTING"
	CreatedNew          Origin = "CREATED_NEW"
	FallbackSubstituted Origin = "FALLBACK_SUBSTITUTED"
)

// Target is one object to reconcile. Dependencies are the child objects
// whose resolved ids are embedded into Payload before submission; for a
// measurable item there is exactly one.
type Target struct {
	Type         metadata.ResourceType
	CandidateID  string
	Name         string
	Code         string
	ShortName    string
	Payload      map[string]any
	Dependencies []*Target
}

// Label names the target in logs: code, then name, then short name, then
// candidate id.
func (t *Target) Label() string {
	for _, value := range []string{t.Code, t.Name, t.ShortName, t.CandidateID} {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return string(t.Type)
}

// Resolved is immutable once returned.
type Resolved struct {
	RemoteID string
	Origin   Origin
	Target   *Target
}

// ResourceAPI is implemented once per resource type; metadata.ResourceClient
// is the HTTP implementation.
type ResourceAPI interface {
	FetchByID(ctx context.Context, id string) (metadata.Object, error)
	SearchByField(ctx context.Context, field, value string) ([]metadata.Object, error)
	Create(ctx context.Context, obj metadata.Object) (string, error)
}

// APIsFor binds every hierarchy type to client.
func APIsFor(client *metadata.HTTPClient) map[metadata.ResourceType]ResourceAPI {
	apis := make(map[metadata.ResourceType]ResourceAPI, len(metadata.Hierarchy))
	for _, rt := range metadata.Hierarchy {
		apis[rt] = client.Resource(rt)
	}
	return apis
}

// Well-known default objects shipped with every instance of the remote
// system.
const (
	DefaultCombinationID = "bjDvmb4bfuf"
	DefaultGroupingID    = "GLevLNI9wkl"
	DefaultOptionID      = "xYerKDKCefk"
)

func DefaultFallbacks() map[metadata.ResourceType]string {
	return map[metadata.ResourceType]string{
		metadata.Option:      DefaultOptionID,
		metadata.Grouping:    DefaultGroupingID,
		metadata.Combination: DefaultCombinationID,
	}
}

// searchFields is the lookup precedence. The first field whose search
// returns exactly one match wins.
var searchFields = []string{metadata.FieldCode, metadata.FieldName, metadata.FieldShortName}
