package auth

import (
	"errors"
	"fmt"
)

// User-facing authentication failures. The messages are deliberately
// generic: a caller learns what remedy to take (re-authenticate, refresh,
// contact an administrator) but never why a specific credential failed
// beyond that.
var (
	// ErrInvalidAPIKey covers malformed key encodings and unknown keys
	// alike.
	ErrInvalidAPIKey = errors.New("Invalid API key")

	// ErrInvalidToken covers malformed bearer tokens and failed signature
	// verification.
	ErrInvalidToken = errors.New("Could not validate credentials")

	// ErrAccessTokenExpired is distinct from ErrInvalidToken: the client's
	// correct remedy is a refresh, not a new login.
	ErrAccessTokenExpired = errors.New("Access token has expired. Refresh token.")

	// ErrSessionExpired covers an expired refresh token and an absent,
	// revoked or expired session. The three session states are collapsed
	// into one message so a caller cannot probe whether a particular
	// session id is revoked versus nonexistent.
	ErrSessionExpired = errors.New("Session has expired. Please re-authenticate.")

	// ErrPermissionsRevoked is returned when a refresh resolves to zero
	// usable identities.
	ErrPermissionsRevoked = errors.New("Permissions for the user are revoked. Please contact the administrator.")

	// ErrBadCredentials is returned by login when the authenticator
	// rejects the username/password pair.
	ErrBadCredentials = errors.New("Incorrect username or password")

	// ErrUserNotAuthorized is returned by login when the credentials are
	// valid but the access policy does not know the user.
	ErrUserNotAuthorized = errors.New("User is not authorized to access the server")

	// ErrNoAPIKey is returned by API key introspection when the request
	// carried no key.
	ErrNoAPIKey = errors.New("No API key was provided with this request.")
)

// InsufficientScopeError indicates the resolved scopes do not cover the
// scopes an operation requires. Both sets are carried so the caller can
// self-correct.
type InsufficientScopeError struct {
	Required []string
	Actual   []string
}

func (e *InsufficientScopeError) Error() string {
	return fmt.Sprintf("Not enough permissions. Requires scopes %v. Request had scopes %v", e.Required, e.Actual)
}

// ScopeExceedsAllowedError indicates an API key generation request asked
// for scopes outside the allowed ceiling.
type ScopeExceedsAllowedError struct {
	Requested []string
	Allowed   []string
}

func (e *ScopeExceedsAllowedError) Error() string {
	return fmt.Sprintf("Requested scopes %v must be a subset of the allowed principal's scopes %v.", e.Requested, e.Allowed)
}

// NotFoundError reports a missing record. Ownership mismatches use the
// same type and message as true absence so the existence of another
// principal's records is never leaked.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string {
	return e.Message
}

// BadRequestError reports a malformed request outside the credential
// taxonomy, such as an unrecognized Authorization scheme.
type BadRequestError struct {
	Message string
}

func (e *BadRequestError) Error() string {
	return e.Message
}
