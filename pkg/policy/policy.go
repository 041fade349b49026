// Package policy implements API access policies: the mapping from usernames
// to roles, scopes and display names, and the mapping from usernames to
// resource groups used by the downstream queue manager.
//
// Three access policy implementations are provided. BasicPolicy knows only
// the two reserved pseudo-users and is the default when authentication
// providers are configured without an explicit policy. DictionaryPolicy adds
// a static user table supplied in configuration. RemotePolicy keeps the user
// table synchronized with an external authority server and fails closed when
// that server stays unreachable past an expiration deadline.
package policy

import (
	"fmt"

	"github.com/beamline/queuegate/pkg/scopes"
)

// AccessPolicy resolves usernames to roles and scopes.
type AccessPolicy interface {
	// IsUserKnown performs a quick membership check so callers can
	// short-circuit before deeper authorization steps. A known user may
	// still hold zero scopes.
	IsUserKnown(username string) bool

	// UserRoles returns the set of roles assigned to the user. Empty for
	// unknown users, never an error.
	UserRoles(username string) scopes.Set

	// UserScopes returns the union of scopes for the user's roles. Empty
	// for unknown users, never an error.
	UserScopes(username string) scopes.Set

	// DisplayedName formats the user's display string from the username
	// and the optional display name and email on record:
	//
	//	jdoe
	//	jdoe <jdoe@example.com>
	//	jdoe "Doe, John"
	//	jdoe "Doe, John <jdoe@example.com>"
	DisplayedName(username string) string
}

// ResourceAccessPolicy resolves a username to the resource group attached to
// outgoing RPC calls. The downstream manager applies its own plan and device
// permission checks per group.
type ResourceAccessPolicy interface {
	ResourceGroup(username string) string
}

// ConfigError indicates malformed policy construction arguments. It is
// raised at startup; a deployment with an ambiguous policy must not start.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "policy configuration: " + e.Reason
}

func configErrorf(format string, args ...interface{}) *ConfigError {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}
