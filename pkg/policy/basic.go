package policy

import (
	"fmt"
	"strings"
	"sync"

	"github.com/beamline/queuegate/pkg/scopes"
)

// UserInfo is one entry in a policy's user table.
type UserInfo struct {
	Roles         []string
	DisplayedName string
	Mail          string
}

// BasicPolicy is the minimal access policy. Its user table contains only the
// two reserved pseudo-users: the holder of the single-user API key and the
// anonymous public caller. The five built-in roles and any custom roles are
// still defined so richer policies can embed this one.
type BasicPolicy struct {
	roles map[string]scopes.Set

	mu    sync.RWMutex
	users map[string]UserInfo
}

// NewBasicPolicy builds the policy, applying the optional role edits to a
// copy of the default role-to-scope mapping.
func NewBasicPolicy(roleEdits map[string]*RoleEdit) (*BasicPolicy, error) {
	roles, err := buildRoles(roleEdits)
	if err != nil {
		return nil, err
	}
	users := make(map[string]UserInfo)
	for username, rs := range scopes.DefaultUserRoles() {
		users[username] = UserInfo{Roles: rs}
	}
	return &BasicPolicy{roles: roles, users: users}, nil
}

// IsUserKnown reports whether the username is present in the user table.
func (p *BasicPolicy) IsUserKnown(username string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.users[username]
	return ok
}

// UserRoles returns the roles assigned to the user, empty if unknown.
func (p *BasicPolicy) UserRoles(username string) scopes.Set {
	p.mu.RLock()
	defer p.mu.RUnlock()
	info, ok := p.users[username]
	if !ok {
		return scopes.NewSet()
	}
	return scopes.NewSet(info.Roles...)
}

// UserScopes returns the union of the scope sets of the user's roles. Roles
// not present in the catalog contribute nothing.
func (p *BasicPolicy) UserScopes(username string) scopes.Set {
	out := scopes.NewSet()
	for role := range p.UserRoles(username) {
		if rs, ok := p.roles[role]; ok {
			out = out.Union(rs)
		}
	}
	return out
}

// DisplayedName formats the display string for the user. Unknown users get
// their bare username back.
func (p *BasicPolicy) DisplayedName(username string) string {
	p.mu.RLock()
	info := p.users[username]
	p.mu.RUnlock()
	switch {
	case info.Mail == "" && info.DisplayedName == "":
		return username
	case info.DisplayedName == "":
		return fmt.Sprintf("%s <%s>", username, info.Mail)
	case info.Mail == "":
		return fmt.Sprintf("%s %q", username, info.DisplayedName)
	default:
		return fmt.Sprintf("%s %q", username, info.DisplayedName+" <"+info.Mail+">")
	}
}

// RoleScopes returns a copy of the scope set for one role, empty if the role
// is not defined.
func (p *BasicPolicy) RoleScopes(role string) scopes.Set {
	if rs, ok := p.roles[strings.ToLower(role)]; ok {
		return rs.Clone()
	}
	return scopes.NewSet()
}

// hasRole reports whether role is defined in the catalog.
func (p *BasicPolicy) hasRole(role string) bool {
	_, ok := p.roles[role]
	return ok
}

// mergeUsers adds entries to the user table. Used at construction time by
// the dictionary policy.
func (p *BasicPolicy) mergeUsers(users map[string]UserInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for username, info := range users {
		p.users[username] = info
	}
}

// replaceUsers atomically swaps the non-default portion of the user table.
// The reserved pseudo-users are always retained.
func (p *BasicPolicy) replaceUsers(users map[string]UserInfo) {
	table := make(map[string]UserInfo, len(users)+2)
	for username, rs := range scopes.DefaultUserRoles() {
		table[username] = UserInfo{Roles: rs}
	}
	for username, info := range users {
		if scopes.IsDefaultUser(username) {
			continue
		}
		table[username] = info
	}
	p.mu.Lock()
	p.users = table
	p.mu.Unlock()
}
