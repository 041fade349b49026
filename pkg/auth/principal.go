package auth

import (
	"github.com/beamline/queuegate/pkg/store"
)

// Principal is the resolved caller of a request: the stored (or pseudo)
// identity record plus the roles and scopes computed fresh for this
// request. Roles and Scopes are sorted for deterministic responses.
// APIKeyScopes is nil unless the request authenticated with an API key, in
// which case it holds the key's stored scope list (possibly the "inherit"
// sentinel) for use as the ceiling when deriving further keys.
type Principal struct {
	// ID is the store row id, or zero for pseudo principals (single-user
	// and public) that are never persisted.
	ID   int64  `json:"-"`
	UUID string `json:"uuid"`

	Type       store.PrincipalType `json:"type"`
	Identities []store.Identity    `json:"identities"`

	Roles        []string `json:"roles"`
	Scopes       []string `json:"scopes"`
	APIKeyScopes []string `json:"api_key_scopes,omitempty"`
}

// HasScope reports whether the principal's resolved scopes include name.
func (p *Principal) HasScope(name string) bool {
	for _, s := range p.Scopes {
		if s == name {
			return true
		}
	}
	return false
}

// Persisted reports whether the principal is backed by a store row.
// Pseudo principals (single-user, public) are minted per request and
// never persisted.
func (p *Principal) Persisted() bool {
	return p.ID != 0
}
