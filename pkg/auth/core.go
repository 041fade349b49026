// Package auth is the authentication and authorization core of the
// gateway. It resolves a principal and its effective scopes from a
// request's credentials, enforces required scopes, and drives the session
// and API key lifecycle.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/beamline/queuegate/pkg/policy"
	"github.com/beamline/queuegate/pkg/scopes"
	"github.com/beamline/queuegate/pkg/store"
	"github.com/beamline/queuegate/pkg/token"
)

// Store is the persistence surface the core needs. *store.Store satisfies
// it; tests substitute an in-memory fake.
type Store interface {
	FindOrCreatePrincipal(ctx context.Context, provider, externalID string, now time.Time) (*store.Principal, error)
	GetPrincipalByID(ctx context.Context, id int64) (*store.Principal, error)
	GetPrincipalByUUID(ctx context.Context, principalUUID string) (*store.Principal, error)
	ListPrincipals(ctx context.Context) ([]store.Principal, error)

	CreateSession(ctx context.Context, principalID int64, expiration time.Time) (*store.Session, error)
	GetSession(ctx context.Context, sessionUUID string) (*store.Session, error)
	RefreshSession(ctx context.Context, sessionUUID string, now time.Time) (*store.Session, error)
	RevokeSession(ctx context.Context, sessionUUID string) error

	CreateAPIKey(ctx context.Context, key *store.APIKey) error
	GetValidAPIKeyBySecret(ctx context.Context, secret []byte, now time.Time) (*store.APIKey, error)
	GetAPIKeyByFirstEight(ctx context.Context, firstEight string) (*store.APIKey, error)
	ListAPIKeys(ctx context.Context, principalID int64) ([]store.APIKey, error)
	DeleteAPIKey(ctx context.Context, keyID int64) error
	TouchAPIKey(ctx context.Context, keyID int64, now time.Time) error

	LatestActivity(ctx context.Context, principalID int64) (*time.Time, error)
}

// Options configures a Core.
type Options struct {
	Store  Store
	Codec  *token.Codec
	Access policy.AccessPolicy

	// Authenticators maps provider names to password verifiers. An empty
	// map puts the deployment in single-user mode.
	Authenticators map[string]Authenticator

	// SingleUserAPIKey is the raw secret accepted in single-user mode.
	SingleUserAPIKey []byte

	AllowAnonymous bool

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	SessionMaxAge   time.Duration

	Logger *logrus.Logger

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Core resolves principals and drives the credential lifecycle.
type Core struct {
	store          Store
	codec          *token.Codec
	access         policy.AccessPolicy
	authenticators map[string]Authenticator
	singleUserKey  []byte
	allowAnonymous bool

	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration
	sessionMaxAge   time.Duration

	logger *logrus.Logger
	now    func() time.Time
}

// NewCore builds the authentication core.
func NewCore(opts Options) *Core {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Core{
		store:           opts.Store,
		codec:           opts.Codec,
		access:          opts.Access,
		authenticators:  opts.Authenticators,
		singleUserKey:   opts.SingleUserAPIKey,
		allowAnonymous:  opts.AllowAnonymous,
		accessTokenTTL:  opts.AccessTokenTTL,
		refreshTokenTTL: opts.RefreshTokenTTL,
		sessionMaxAge:   opts.SessionMaxAge,
		logger:          opts.Logger,
		now:             opts.Now,
	}
}

// SingleUserMode reports whether the deployment has no identity providers
// and authenticates the one configured API key only.
func (c *Core) SingleUserMode() bool {
	return len(c.authenticators) == 0
}

// ProviderNames returns the configured identity provider names.
func (c *Core) ProviderNames() []string {
	names := make([]string, 0, len(c.authenticators))
	for name := range c.authenticators {
		names = append(names, name)
	}
	return names
}

// ResolvePrincipal turns the request's credential into a Principal with
// freshly computed roles and scopes, then enforces that requiredScopes is a
// subset of the resolved scopes. Exactly one of the API key, bearer token
// and anonymous paths is taken.
func (c *Core) ResolvePrincipal(ctx context.Context, cred *Credential, requiredScopes []string) (*Principal, error) {
	var (
		principal *Principal
		err       error
	)
	switch {
	case cred != nil && cred.APIKey != "":
		principal, err = c.resolveAPIKey(ctx, cred.APIKey)
	case cred != nil && cred.AccessToken != "":
		principal, err = c.resolveAccessToken(cred.AccessToken)
	default:
		principal = c.resolveAnonymous()
	}
	if err != nil {
		return nil, err
	}

	resolved := scopes.NewSet(principal.Scopes...)
	required := scopes.NewSet(requiredScopes...)
	if !required.IsSubsetOf(resolved) {
		return nil, &InsufficientScopeError{
			Required: required.Sorted(),
			Actual:   resolved.Sorted(),
		}
	}
	return principal, nil
}

// resolveAPIKey authenticates an API key secret. In multi-user mode the
// secret is looked up in the store; in single-user mode it is compared
// against the one configured key. Effective scopes are the key's stored
// scopes intersected with the owning principal's current scopes, with the
// "inherit" sentinel expanding to the principal's full current set. A
// principal that has lost a scope since the key was minted loses it from
// the key immediately.
func (c *Core) resolveAPIKey(ctx context.Context, rawKey string) (*Principal, error) {
	secret, err := hex.DecodeString(rawKey)
	if err != nil {
		return nil, ErrInvalidAPIKey
	}

	if c.SingleUserMode() {
		if len(c.singleUserKey) == 0 || subtle.ConstantTimeCompare(secret, c.singleUserKey) != 1 {
			return nil, ErrInvalidAPIKey
		}
		p := c.pseudoPrincipal(scopes.UsernameSingleUser)
		return p, nil
	}

	now := c.now()
	key, err := c.store.GetValidAPIKeyBySecret(ctx, secret, now)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidAPIKey
		}
		return nil, err
	}
	owner, err := c.store.GetPrincipalByID(ctx, key.PrincipalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidAPIKey
		}
		return nil, err
	}

	usernames := c.usableUsernames(owner.Identities)
	principalScopes, roles := c.unionScopesAndRoles(usernames)

	keyScopes := scopes.NewSet(key.Scopes...)
	effective := keyScopes.Intersect(principalScopes.Union(scopes.NewSet(scopes.Inherit)))
	if effective.Has(scopes.Inherit) {
		effective = effective.Union(principalScopes)
		effective.Remove(scopes.Inherit)
	}

	if err := c.store.TouchAPIKey(ctx, key.ID, now); err != nil {
		return nil, err
	}

	return &Principal{
		ID:           owner.ID,
		UUID:         owner.UUID,
		Type:         owner.Type,
		Identities:   owner.Identities,
		Roles:        roles.Sorted(),
		Scopes:       effective.Sorted(),
		APIKeyScopes: keyScopes.Sorted(),
	}, nil
}

// resolveAccessToken verifies a bearer token and rebuilds the principal
// from its claims. Scopes are recomputed fresh from the access policy
// using only identities whose provider is still configured, so a token
// minted under an old configuration cannot retain stale privilege.
func (c *Core) resolveAccessToken(raw string) (*Principal, error) {
	claims, err := c.codec.DecodeAccess(raw)
	if err != nil {
		if errors.Is(err, token.ErrExpired) {
			return nil, ErrAccessTokenExpired
		}
		return nil, ErrInvalidToken
	}

	identities := make([]store.Identity, 0, len(claims.Identities))
	var usernames []string
	for _, id := range claims.Identities {
		identities = append(identities, store.Identity{ExternalID: id.ID, Provider: id.Provider})
		if _, ok := c.authenticators[id.Provider]; ok {
			usernames = append(usernames, id.ID)
		}
	}
	resolved, roles := c.unionScopesAndRoles(usernames)

	return &Principal{
		UUID:       claims.Subject,
		Type:       store.PrincipalType(claims.SubjectType),
		Identities: identities,
		Roles:      roles.Sorted(),
		Scopes:     resolved.Sorted(),
	}, nil
}

// resolveAnonymous builds the public pseudo-principal. Without anonymous
// access enabled the principal carries zero scopes, so only operations
// requiring no scopes (health checks, the root listing) succeed.
func (c *Core) resolveAnonymous() *Principal {
	if c.allowAnonymous {
		return c.pseudoPrincipal(scopes.UsernamePublic)
	}
	p := c.pseudoPrincipal(scopes.UsernamePublic)
	p.Roles = []string{}
	p.Scopes = []string{}
	return p
}

// pseudoPrincipal mints a transient principal for one of the reserved
// usernames. The UUID is fresh every time; these principals are never
// persisted.
func (c *Core) pseudoPrincipal(username string) *Principal {
	return &Principal{
		UUID: uuid.NewString(),
		Type: store.PrincipalUser,
		Identities: []store.Identity{
			{ExternalID: username, Provider: scopes.AnonymousProvider},
		},
		Roles:  c.access.UserRoles(username).Sorted(),
		Scopes: c.access.UserScopes(username).Sorted(),
	}
}

// usableUsernames filters a principal's identities down to usernames from
// currently configured providers (or the reserved anonymous provider) that
// the access policy knows. An identity from a since-removed provider
// contributes nothing.
func (c *Core) usableUsernames(identities []store.Identity) []string {
	var usernames []string
	for _, ident := range identities {
		_, configured := c.authenticators[ident.Provider]
		if !configured && ident.Provider != scopes.AnonymousProvider {
			continue
		}
		if !c.access.IsUserKnown(ident.ExternalID) {
			continue
		}
		usernames = append(usernames, ident.ExternalID)
	}
	return usernames
}

func (c *Core) unionScopesAndRoles(usernames []string) (scopes.Set, scopes.Set) {
	scopeSet := scopes.NewSet()
	roleSet := scopes.NewSet()
	for _, u := range usernames {
		scopeSet = scopeSet.Union(c.access.UserScopes(u))
		roleSet = roleSet.Union(c.access.UserRoles(u))
	}
	return scopeSet, roleSet
}

// TokenPair is the result of a login or refresh.
type TokenPair struct {
	AccessToken           string `json:"access_token"`
	ExpiresIn             int64  `json:"expires_in"`
	RefreshToken          string `json:"refresh_token"`
	RefreshTokenExpiresIn int64  `json:"refresh_token_expires_in"`
	TokenType             string `json:"token_type"`
}

// Login verifies a password against the named provider, finds or creates
// the principal, opens a session and mints a token pair. The session's
// expiration is fixed here; refreshing never extends it.
func (c *Core) Login(ctx context.Context, provider, username, password string) (*TokenPair, error) {
	authenticator, ok := c.authenticators[provider]
	if !ok {
		return nil, &NotFoundError{Message: fmt.Sprintf("No authentication provider %q", provider)}
	}
	verified, err := authenticator.Authenticate(ctx, username, password)
	if err != nil {
		return nil, err
	}
	if verified == "" {
		return nil, ErrBadCredentials
	}
	if !c.access.IsUserKnown(verified) {
		return nil, ErrUserNotAuthorized
	}
	userScopes := c.access.UserScopes(verified)

	now := c.now()
	principal, err := c.store.FindOrCreatePrincipal(ctx, provider, verified, now)
	if err != nil {
		return nil, err
	}
	session, err := c.store.CreateSession(ctx, principal.ID, now.Add(c.sessionMaxAge))
	if err != nil {
		return nil, err
	}
	return c.mintTokenPair(principal, session.UUID, userScopes)
}

// Refresh validates a refresh token, atomically bumps the session's
// refresh counter, recomputes scopes fresh from the access policy and
// mints a new token pair bound to the same session. Absent, revoked and
// expired sessions all fail identically.
func (c *Core) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := c.codec.DecodeRefresh(refreshToken)
	if err != nil {
		if errors.Is(err, token.ErrExpired) {
			return nil, ErrSessionExpired
		}
		return nil, ErrInvalidToken
	}

	session, err := c.store.RefreshSession(ctx, claims.SessionID, c.now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSessionExpired
		}
		return nil, err
	}
	principal, err := c.store.GetPrincipalByID(ctx, session.PrincipalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSessionExpired
		}
		return nil, err
	}

	usernames := c.usableUsernames(principal.Identities)
	if len(usernames) == 0 {
		return nil, ErrPermissionsRevoked
	}
	userScopes, _ := c.unionScopesAndRoles(usernames)

	return c.mintTokenPair(principal, session.UUID, userScopes)
}

func (c *Core) mintTokenPair(principal *store.Principal, sessionUUID string, userScopes scopes.Set) (*TokenPair, error) {
	identityClaims := make([]token.IdentityClaim, 0, len(principal.Identities))
	for _, ident := range principal.Identities {
		identityClaims = append(identityClaims, token.IdentityClaim{ID: ident.ExternalID, Provider: ident.Provider})
	}
	accessToken, err := c.codec.EncodeAccess(principal.UUID, string(principal.Type), identityClaims, userScopes.Sorted(), c.accessTokenTTL)
	if err != nil {
		return nil, err
	}
	refreshToken, err := c.codec.EncodeRefresh(sessionUUID, c.refreshTokenTTL)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:           accessToken,
		ExpiresIn:             int64(c.accessTokenTTL.Seconds()),
		RefreshToken:          refreshToken,
		RefreshTokenExpiresIn: int64(c.refreshTokenTTL.Seconds()),
		TokenType:             "bearer",
	}, nil
}

// RevokeSession marks the requester's own session revoked. A session owned
// by someone else reports the same failure as one that does not exist.
func (c *Core) RevokeSession(ctx context.Context, sessionUUID string, requester *Principal) error {
	session, err := c.store.GetSession(ctx, sessionUUID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &NotFoundError{Message: fmt.Sprintf("No session %s", sessionUUID)}
		}
		return err
	}
	owner, err := c.store.GetPrincipalByID(ctx, session.PrincipalID)
	if err != nil {
		return err
	}
	if owner.UUID != requester.UUID {
		return &NotFoundError{Message: "Session does not exist or requester has insufficient permissions"}
	}
	return c.store.RevokeSession(ctx, sessionUUID)
}

// APIKeyParams are the caller-supplied parameters of an API key request.
type APIKeyParams struct {
	Scopes    []string `json:"scopes"`
	ExpiresIn *int64   `json:"expires_in"`
	Note      *string  `json:"note"`
}

// APIKeyWithSecret is an API key row plus the raw secret, returned exactly
// once at creation. The secret is never retrievable again.
type APIKeyWithSecret struct {
	store.APIKey
	Secret string `json:"secret"`
}

// GenerateAPIKey mints a new key for the requesting principal. The allowed
// ceiling is the scopes of the authenticating API key when that key's
// scopes are frozen (not "inherit"); otherwise the principal's current
// scopes. Requested scopes outside the ceiling are rejected with both sets
// listed.
func (c *Core) GenerateAPIKey(ctx context.Context, requester *Principal, params APIKeyParams) (*APIKeyWithSecret, error) {
	owner, err := c.store.GetPrincipalByUUID(ctx, requester.UUID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &NotFoundError{Message: fmt.Sprintf("Principal %s does not exist or insufficient permissions.", requester.UUID)}
		}
		return nil, err
	}
	var sourceKeyScopes scopes.Set
	if requester.APIKeyScopes != nil {
		sourceKeyScopes = scopes.NewSet(requester.APIKeyScopes...)
	}
	return c.mintAPIKey(ctx, owner.ID, params, scopes.NewSet(requester.Scopes...), sourceKeyScopes, false)
}

// GenerateAPIKeyForPrincipal mints a key for another principal through the
// admin path. Unlike the self-service path, an absent or "inherit" scope
// request stores the target's literal current scopes: an admin grant is a
// frozen snapshot, not a tracking reference.
func (c *Core) GenerateAPIKeyForPrincipal(ctx context.Context, targetUUID string, params APIKeyParams) (*APIKeyWithSecret, error) {
	target, err := c.store.GetPrincipalByUUID(ctx, targetUUID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &NotFoundError{Message: fmt.Sprintf("Principal %s does not exist or insufficient permissions.", targetUUID)}
		}
		return nil, err
	}
	principalScopes := scopes.NewSet()
	for _, ident := range target.Identities {
		principalScopes = principalScopes.Union(c.access.UserScopes(ident.ExternalID))
	}
	return c.mintAPIKey(ctx, target.ID, params, principalScopes, nil, true)
}

// mintAPIKey applies the scope ceiling rules and creates the key row.
func (c *Core) mintAPIKey(ctx context.Context, principalID int64, params APIKeyParams, allowed, sourceKeyScopes scopes.Set, freezeInherit bool) (*APIKeyWithSecret, error) {
	ceiling := allowed
	if sourceKeyScopes != nil && !sourceKeyScopes.Has(scopes.Inherit) {
		ceiling = sourceKeyScopes
	}
	if ceiling.Has(scopes.Inherit) {
		ceiling = allowed
	}

	var requested scopes.Set
	if params.Scopes == nil || scopes.NewSet(params.Scopes...).Has(scopes.Inherit) {
		if sourceKeyScopes == nil || sourceKeyScopes.Has(scopes.Inherit) {
			requested = scopes.NewSet(scopes.Inherit)
		} else {
			requested = sourceKeyScopes.Clone()
		}
	} else {
		requested = scopes.NewSet(params.Scopes...)
	}

	if !requested.IsSubsetOf(ceiling.Union(scopes.NewSet(scopes.Inherit))) {
		return nil, &ScopeExceedsAllowedError{
			Requested: requested.Sorted(),
			Allowed:   ceiling.Sorted(),
		}
	}

	if freezeInherit && requested.Has(scopes.Inherit) {
		requested = allowed.Clone()
	}

	now := c.now()
	var expiration *time.Time
	if params.ExpiresIn != nil {
		t := now.Add(time.Duration(*params.ExpiresIn) * time.Second)
		expiration = &t
	}

	// 32 bytes of entropy plus 4 extra, since the first eight hex
	// characters are stored in the clear as an index.
	secret := make([]byte, 4+32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate api key secret: %w", err)
	}
	key := &store.APIKey{
		PrincipalID:    principalID,
		FirstEight:     hex.EncodeToString(secret)[:8],
		HashedSecret:   store.HashSecret(secret),
		Scopes:         requested.Sorted(),
		ExpirationTime: expiration,
		Note:           params.Note,
		CreatedAt:      now,
	}
	if err := c.store.CreateAPIKey(ctx, key); err != nil {
		return nil, err
	}
	return &APIKeyWithSecret{APIKey: *key, Secret: hex.EncodeToString(secret)}, nil
}

// CurrentAPIKeyInfo returns the metadata of the key that authenticated the
// current request, resolved from the raw secret.
func (c *Core) CurrentAPIKeyInfo(ctx context.Context, rawKey string) (*store.APIKey, error) {
	secret, err := hex.DecodeString(rawKey)
	if err != nil {
		return nil, ErrInvalidAPIKey
	}
	key, err := c.store.GetValidAPIKeyBySecret(ctx, secret, c.now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidAPIKey
		}
		return nil, err
	}
	return key, nil
}

// RevokeAPIKey deletes one of the requester's keys by its first-eight
// index. A key owned by someone else reports the same failure as one that
// does not exist.
func (c *Core) RevokeAPIKey(ctx context.Context, requester *Principal, firstEight string) error {
	if len(firstEight) > 8 {
		firstEight = firstEight[:8]
	}
	notFound := &NotFoundError{Message: fmt.Sprintf("The currently-authenticated %s has no such API key.", requester.Type)}

	key, err := c.store.GetAPIKeyByFirstEight(ctx, firstEight)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFound
		}
		return err
	}
	owner, err := c.store.GetPrincipalByID(ctx, key.PrincipalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFound
		}
		return err
	}
	if owner.UUID != requester.UUID {
		return notFound
	}
	return c.store.DeleteAPIKey(ctx, key.ID)
}

// PrincipalInfo is a stored principal plus its most recent activity, for
// the admin introspection endpoints.
type PrincipalInfo struct {
	store.Principal
	LatestActivity *time.Time `json:"latest_activity"`
}

// ListPrincipals returns all stored principals with their latest activity.
func (c *Core) ListPrincipals(ctx context.Context) ([]PrincipalInfo, error) {
	principals, err := c.store.ListPrincipals(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]PrincipalInfo, 0, len(principals))
	for i := range principals {
		latest, err := c.store.LatestActivity(ctx, principals[i].ID)
		if err != nil {
			return nil, err
		}
		infos = append(infos, PrincipalInfo{Principal: principals[i], LatestActivity: latest})
	}
	return infos, nil
}

// GetPrincipal returns one stored principal with its latest activity.
func (c *Core) GetPrincipal(ctx context.Context, principalUUID string) (*PrincipalInfo, error) {
	principal, err := c.store.GetPrincipalByUUID(ctx, principalUUID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &NotFoundError{Message: fmt.Sprintf("Principal %s does not exist or insufficient permissions.", principalUUID)}
		}
		return nil, err
	}
	latest, err := c.store.LatestActivity(ctx, principal.ID)
	if err != nil {
		return nil, err
	}
	return &PrincipalInfo{Principal: *principal, LatestActivity: latest}, nil
}
