// Package contextkeys defines the context keys shared across the gateway.
// All keys live here so their producers and consumers are discoverable in
// one place.
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions.
type Key string

const (
	// PrincipalKey contains the *auth.Principal resolved for the request.
	// Set by: middleware.Authenticate
	// Required by: all protected endpoints
	PrincipalKey Key = "principal"

	// CredentialKey contains the *auth.Credential extracted from the
	// request. Set by: middleware.Authenticate
	// Used by: the API key introspection endpoint and cookie re-delivery
	CredentialKey Key = "credential"
)

// WithPrincipal attaches the resolved principal to the context.
func WithPrincipal(ctx context.Context, principal interface{}) context.Context {
	return context.WithValue(ctx, PrincipalKey, principal)
}

// WithCredential attaches the extracted credential to the context.
func WithCredential(ctx context.Context, cred interface{}) context.Context {
	return context.WithValue(ctx, CredentialKey, cred)
}
