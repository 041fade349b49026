// Package middleware wires the authentication core into the HTTP layer:
// credential extraction, principal resolution, scope enforcement, CSRF
// protection for cookie-authenticated browsers, and the API-key cookie
// re-delivery side effect.
package middleware

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/beamline/queuegate/pkg/auth"
	"github.com/beamline/queuegate/pkg/contextkeys"
	"github.com/beamline/queuegate/pkg/httputil"
	"github.com/beamline/queuegate/pkg/observability"
)

// Middleware authenticates requests against the core.
type Middleware struct {
	core    *auth.Core
	metrics *observability.Metrics
	logger  *logrus.Logger
}

// New builds the middleware. Metrics may be nil.
func New(core *auth.Core, metrics *observability.Metrics, logger *logrus.Logger) *Middleware {
	if logger == nil {
		logger = logrus.New()
	}
	return &Middleware{core: core, metrics: metrics, logger: logger}
}

// RequireScopes resolves the request's principal and enforces the given
// scopes. The resolved principal and credential are attached to the
// request context. A 401 carries a WWW-Authenticate challenge naming the
// required scopes.
func (m *Middleware) RequireScopes(requiredScopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			challenge := Challenge(requiredScopes)

			cred, err := auth.ExtractCredential(r)
			if err != nil {
				WriteError(w, err, challenge)
				return
			}
			if !m.csrfOK(r, cred) {
				httputil.WriteDetail(w, http.StatusForbidden, "Double-submit CSRF check failed.")
				return
			}

			principal, err := m.core.ResolvePrincipal(r.Context(), cred, requiredScopes)
			m.countResolution(cred, err)
			if err != nil {
				WriteError(w, err, challenge)
				return
			}

			if cred.FromQuery {
				redeliverAPIKeyCookie(w, r, cred.APIKey)
			}

			ctx := contextkeys.WithPrincipal(r.Context(), principal)
			ctx = contextkeys.WithCredential(ctx, cred)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// PrincipalFrom returns the principal attached by RequireScopes.
func PrincipalFrom(r *http.Request) *auth.Principal {
	p, _ := r.Context().Value(contextkeys.PrincipalKey).(*auth.Principal)
	return p
}

// CredentialFrom returns the credential attached by RequireScopes.
func CredentialFrom(r *http.Request) *auth.Credential {
	c, _ := r.Context().Value(contextkeys.CredentialKey).(*auth.Credential)
	return c
}

// Challenge formats the WWW-Authenticate value for a scope requirement.
func Challenge(requiredScopes []string) string {
	if len(requiredScopes) == 0 {
		return "Bearer"
	}
	return fmt.Sprintf("Bearer scope=%q", strings.Join(requiredScopes, " "))
}

// WriteError maps an authentication error to its HTTP response.
func WriteError(w http.ResponseWriter, err error, challenge string) {
	var (
		insufficient *auth.InsufficientScopeError
		exceeds      *auth.ScopeExceedsAllowedError
		notFound     *auth.NotFoundError
		badRequest   *auth.BadRequestError
	)
	switch {
	case errors.Is(err, auth.ErrInvalidAPIKey),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrAccessTokenExpired),
		errors.Is(err, auth.ErrSessionExpired),
		errors.Is(err, auth.ErrPermissionsRevoked),
		errors.Is(err, auth.ErrBadCredentials),
		errors.Is(err, auth.ErrUserNotAuthorized),
		errors.Is(err, auth.ErrNoAPIKey):
		httputil.WriteUnauthorized(w, err.Error(), challenge)
	case errors.As(err, &insufficient):
		httputil.WriteUnauthorized(w, err.Error(), challenge)
	case errors.As(err, &exceeds):
		httputil.WriteDetail(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &notFound):
		httputil.WriteDetail(w, http.StatusNotFound, err.Error())
	case errors.As(err, &badRequest):
		httputil.WriteDetail(w, http.StatusBadRequest, err.Error())
	default:
		httputil.WriteInternalError(w)
	}
}

// csrfOK applies the double-submit check: a state-changing request
// authenticated by the API-key cookie must carry a CSRF header matching
// the CSRF cookie. Header- and token-authenticated API clients are
// unaffected.
func (m *Middleware) csrfOK(r *http.Request, cred *auth.Credential) bool {
	if !cred.FromCookie {
		return true
	}
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	cookie, err := r.Cookie(auth.CSRFCookieName)
	if err != nil || cookie.Value == "" {
		return false
	}
	return r.Header.Get(auth.CSRFHeaderName) == cookie.Value
}

// redeliverAPIKeyCookie moves a query-parameter API key into a cookie so
// browser clients need not repeat the parameter, and pairs it with a fresh
// CSRF cookie when one is not already set.
func redeliverAPIKeyCookie(w http.ResponseWriter, r *http.Request, apiKey string) {
	if c, err := r.Cookie(auth.APIKeyCookieName); err == nil && c.Value == apiKey {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.APIKeyCookieName,
		Value:    apiKey,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	if _, err := r.Cookie(auth.CSRFCookieName); err != nil {
		token := make([]byte, 16)
		rand.Read(token)
		http.SetCookie(w, &http.Cookie{
			Name:     auth.CSRFCookieName,
			Value:    hex.EncodeToString(token),
			Path:     "/",
			SameSite: http.SameSiteLaxMode,
		})
	}
}

func (m *Middleware) countResolution(cred *auth.Credential, err error) {
	if m.metrics == nil {
		return
	}
	kind := observability.CredentialAnonymous
	switch {
	case cred.APIKey != "":
		kind = observability.CredentialAPIKey
	case cred.AccessToken != "":
		kind = observability.CredentialToken
	}
	outcome := observability.OutcomeOK
	var insufficient *auth.InsufficientScopeError
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrAccessTokenExpired):
		outcome = observability.OutcomeExpired
	case errors.As(err, &insufficient):
		outcome = observability.OutcomeInsufficient
	default:
		outcome = observability.OutcomeInvalid
	}
	m.metrics.AuthResolutionsTotal.WithLabelValues(kind, outcome).Inc()
}
