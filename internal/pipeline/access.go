package pipeline

import (
	"fmt"
	"regexp"

	"github.com/agentworkforce/provisioner/internal/resolve"
	"github.com/agentworkforce/provisioner/internal/templates"
)

const (
	publicAccessField      = "publicAccess"
	userGroupAccessesField = "userGroupAccesses"
	defaultPublicAccess    = "rw------"
)

var accessPattern = regexp.MustCompile(`^[rw-]{8}$`)

// ApplyAccess writes the sharing settings of a collection into its payload.
func ApplyAccess(root *resolve.Target, access templates.Access) error {
	public := access.PublicAccess
	if public == "" {
		public = defaultPublicAccess
	}
	if !accessPattern.MatchString(public) {
		return fmt.Errorf("invalid public access string %q", public)
	}
	groups := make([]any, 0, len(access.UserGroups))
	for _, g := range access.UserGroups {
		if g.ID == "" || !accessPattern.MatchString(g.Access) {
			return fmt.Errorf("invalid user group access %+v", g)
		}
		groups = append(groups, map[string]any{"id": g.ID, "access": g.Access})
	}
	if root.Payload == nil {
		root.Payload = map[string]any{}
	}
	root.Payload[publicAccessField] = public
	if len(groups) > 0 {
		root.Payload[userGroupAccessesField] = groups
	}
	return nil
}
