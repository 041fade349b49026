// Package scopes defines the fixed vocabulary of permission scopes and the
// default role-to-scope assignments used by the access policies.
//
// The catalog is immutable after process start. Accessors return copies, so
// callers (notably the policies in pkg/policy) can customize role scope sets
// without mutating the defaults in place.
package scopes

// Scope names. A scope is a fine-grained permission string checked against
// the resolved scope set of each request.
const (
	ReadStatus    = "read:status"
	ReadQueue     = "read:queue"
	ReadHistory   = "read:history"
	ReadResources = "read:resources"
	ReadConfig    = "read:config"
	ReadMonitor   = "read:monitor"
	ReadConsole   = "read:console"
	ReadLock      = "read:lock"
	ReadTesting   = "read:testing"

	WriteQueueEdit      = "write:queue:edit"
	WriteQueueControl   = "write:queue:control"
	WriteManagerControl = "write:manager:control"
	WritePlanControl    = "write:plan:control"
	WriteExecute        = "write:execute"
	WriteHistoryEdit    = "write:history:edit"
	WritePermissions    = "write:permissions"
	WriteScripts        = "write:scripts"
	WriteConfig         = "write:config"
	WriteLock           = "write:lock"
	WriteManagerStop    = "write:manager:stop"
	WriteTesting        = "write:testing"

	UserAPIKeys         = "user:apikeys"
	AdminAPIKeys        = "admin:apikeys"
	AdminReadPrincipals = "admin:read:principals"
	AdminMetrics        = "admin:metrics"

	// Inherit is a metascope stored on an API key to mean "resolve to the
	// owning principal's current scopes at use time". It never appears in a
	// resolved scope set.
	Inherit = "inherit"
)

// Built-in role names.
const (
	RoleAdmin    = "admin"
	RoleExpert   = "expert"
	RoleAdvanced = "advanced"
	RoleUser     = "user"
	RoleObserver = "observer"

	// Pseudo-roles used when no external identity provider is configured.
	RoleSingleUser = "unauthenticated_single_user"
	RolePublic     = "unauthenticated_public"
)

// Reserved usernames for callers that did not authenticate through an
// external provider, and the provider name attached to their identities.
const (
	UsernameSingleUser = "UNAUTHENTICATED_SINGLE_USER"
	UsernamePublic     = "UNAUTHENTICATED_PUBLIC"

	AnonymousProvider = "__anonymous__"
)

// DefaultResourceGroup is the resource group reported by the default
// resource access policy.
const DefaultResourceGroup = "primary"

var allScopes = []string{
	ReadStatus, ReadQueue, ReadHistory, ReadResources, ReadConfig,
	ReadMonitor, ReadConsole, ReadLock, ReadTesting,
	WriteQueueEdit, WriteQueueControl, WriteManagerControl, WritePlanControl,
	WriteExecute, WriteHistoryEdit, WritePermissions, WriteScripts,
	WriteConfig, WriteLock, WriteManagerStop, WriteTesting,
	UserAPIKeys, AdminAPIKeys, AdminReadPrincipals, AdminMetrics,
}

var defaultRoleScopes = map[string][]string{
	RoleAdmin: {
		ReadStatus, UserAPIKeys, AdminAPIKeys, AdminReadPrincipals, AdminMetrics,
	},
	RoleExpert: {
		ReadStatus, ReadQueue, ReadHistory, ReadResources, ReadConfig,
		ReadMonitor, ReadConsole, ReadLock, ReadTesting,
		WriteQueueEdit, WriteQueueControl, WriteManagerControl, WritePlanControl,
		WriteExecute, WriteHistoryEdit, WritePermissions, WriteScripts,
		WriteConfig, WriteLock, UserAPIKeys,
	},
	RoleAdvanced: {
		ReadStatus, ReadQueue, ReadHistory, ReadResources, ReadConfig,
		ReadMonitor, ReadConsole, ReadLock, ReadTesting,
		WriteQueueEdit, WriteQueueControl, WriteManagerControl, WritePlanControl,
		WriteExecute, WriteHistoryEdit,
	},
	RoleUser: {
		ReadStatus, ReadQueue, ReadHistory, ReadResources, ReadConfig,
		ReadMonitor, ReadConsole, ReadLock, ReadTesting,
		WriteQueueEdit, WriteQueueControl, WriteManagerControl, WritePlanControl,
		WriteExecute, WriteHistoryEdit,
	},
	RoleObserver: {
		ReadStatus, ReadQueue, ReadHistory, ReadResources, ReadConfig,
		ReadMonitor, ReadConsole, ReadLock, ReadTesting,
	},
	RoleSingleUser: {
		ReadStatus, ReadQueue, ReadHistory, ReadResources, ReadConfig,
		ReadMonitor, ReadConsole, ReadLock, ReadTesting,
		WriteQueueEdit, WriteQueueControl, WriteManagerControl, WritePlanControl,
		WriteExecute, WriteHistoryEdit, WritePermissions, WriteScripts,
		WriteConfig, WriteLock, WriteManagerStop, WriteTesting,
		UserAPIKeys,
	},
	RolePublic: {
		ReadStatus,
	},
}

// defaultUserRoles maps the reserved usernames to their pseudo-roles. These
// two entries are always present in every access policy's user table.
var defaultUserRoles = map[string][]string{
	UsernameSingleUser: {RoleSingleUser},
	UsernamePublic:     {RolePublic},
}

// All returns the full list of known scopes.
func All() []string {
	out := make([]string, len(allScopes))
	copy(out, allScopes)
	return out
}

// DefaultRoles returns a copy of the default role-to-scope-set mapping. The
// returned sets are freshly allocated and safe to mutate.
func DefaultRoles() map[string]Set {
	out := make(map[string]Set, len(defaultRoleScopes))
	for role, list := range defaultRoleScopes {
		out[role] = NewSet(list...)
	}
	return out
}

// DefaultUserRoles returns a copy of the role assignments for the two
// reserved usernames.
func DefaultUserRoles() map[string][]string {
	out := make(map[string][]string, len(defaultUserRoles))
	for user, roles := range defaultUserRoles {
		rs := make([]string, len(roles))
		copy(rs, roles)
		out[user] = rs
	}
	return out
}

// IsDefaultUser reports whether username is one of the reserved
// pseudo-identity usernames.
func IsDefaultUser(username string) bool {
	_, ok := defaultUserRoles[username]
	return ok
}
