package auth

import (
	"context"
	"crypto/subtle"
)

// Authenticator verifies a username/password pair against one external
// identity provider. Implementations return the canonical username on
// success and an empty string when the credentials do not check out;
// errors are reserved for provider failures (network, misconfiguration).
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (string, error)
}

// DictionaryAuthenticator verifies credentials against a fixed table.
// Intended for small deployments and tests; production deployments plug in
// a real provider behind the same interface.
type DictionaryAuthenticator struct {
	users map[string]string
}

// NewDictionaryAuthenticator builds an authenticator over a
// username→password table. The table is copied.
func NewDictionaryAuthenticator(users map[string]string) *DictionaryAuthenticator {
	copied := make(map[string]string, len(users))
	for u, p := range users {
		copied[u] = p
	}
	return &DictionaryAuthenticator{users: copied}
}

// Authenticate returns the username when the password matches, otherwise
// an empty string.
func (a *DictionaryAuthenticator) Authenticate(_ context.Context, username, password string) (string, error) {
	stored, ok := a.users[username]
	if !ok || subtle.ConstantTimeCompare([]byte(stored), []byte(password)) != 1 {
		return "", nil
	}
	return username, nil
}
