package policy

import "github.com/beamline/queuegate/pkg/scopes"

// DefaultResourcePolicy assigns every user to one configured group.
type DefaultResourcePolicy struct {
	group string
}

// NewDefaultResourcePolicy returns a policy reporting the given group for
// all users. An empty group selects the catalog default.
func NewDefaultResourcePolicy(group string) *DefaultResourcePolicy {
	if group == "" {
		group = scopes.DefaultResourceGroup
	}
	return &DefaultResourcePolicy{group: group}
}

// ResourceGroup returns the configured group.
func (p *DefaultResourcePolicy) ResourceGroup(username string) string {
	return p.group
}

// RoleResourcePolicy derives the resource group from the user's role list:
// the first role in sorted order that is not one of the pseudo-roles names
// the group. Pseudo-role-only users, and users with no roles at all, fall
// back to the default group.
type RoleResourcePolicy struct {
	access       AccessPolicy
	defaultGroup string
}

// NewRoleResourcePolicy builds the role-derived variant.
func NewRoleResourcePolicy(access AccessPolicy, defaultGroup string) *RoleResourcePolicy {
	if defaultGroup == "" {
		defaultGroup = scopes.DefaultResourceGroup
	}
	return &RoleResourcePolicy{access: access, defaultGroup: defaultGroup}
}

// ResourceGroup resolves the group for the user.
func (p *RoleResourcePolicy) ResourceGroup(username string) string {
	for _, role := range p.access.UserRoles(username).Sorted() {
		if role == scopes.RoleSingleUser || role == scopes.RolePublic {
			continue
		}
		return role
	}
	return p.defaultGroup
}
