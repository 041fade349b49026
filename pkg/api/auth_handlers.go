package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/beamline/queuegate/pkg/auth"
	"github.com/beamline/queuegate/pkg/httputil"
	"github.com/beamline/queuegate/pkg/middleware"
	"github.com/beamline/queuegate/pkg/observability"
)

// login handles the password grant for one identity provider. Credentials
// arrive as form fields, matching OAuth2 password-grant clients.
func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	provider, err := httputil.PathString(r, "provider")
	if err != nil {
		httputil.WriteDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := r.ParseForm(); err != nil {
		httputil.WriteDetail(w, http.StatusBadRequest, "malformed form body")
		return
	}
	username := r.PostFormValue("username")
	password := r.PostFormValue("password")

	pair, err := s.core.Login(r.Context(), provider, username, password)
	s.countLogin(provider, err)
	if err != nil {
		middleware.WriteError(w, err, middleware.Challenge(nil))
		return
	}
	s.logger.WithFields(logrus.Fields{
		"provider": provider,
		"username": username,
	}).Info("User logged in")
	httputil.WriteSuccess(w, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// refreshSession exchanges a refresh token for a new token pair bound to
// the same session.
func (s *Server) refreshSession(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	pair, err := s.core.Refresh(r.Context(), req.RefreshToken)
	s.countRefresh(err)
	if err != nil {
		middleware.WriteError(w, err, middleware.Challenge(nil))
		return
	}
	httputil.WriteSuccess(w, pair)
}

// revokeSession marks one of the requester's sessions revoked.
func (s *Server) revokeSession(w http.ResponseWriter, r *http.Request) {
	sessionUUID, err := httputil.PathString(r, "session_uuid")
	if err != nil {
		httputil.WriteDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	principal := middleware.PrincipalFrom(r)
	if err := s.core.RevokeSession(r.Context(), sessionUUID, principal); err != nil {
		middleware.WriteError(w, err, middleware.Challenge(nil))
		return
	}
	httputil.WriteSuccessMessage(w, true, "")
}

// createAPIKey mints a new API key for the requesting principal. The raw
// secret appears in this response and never again.
func (s *Server) createAPIKey(w http.ResponseWriter, r *http.Request) {
	var params auth.APIKeyParams
	if err := httputil.ParseJSON(r, &params); err != nil && !errors.Is(err, io.EOF) {
		httputil.WriteDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	principal := middleware.PrincipalFrom(r)
	key, err := s.core.GenerateAPIKey(r.Context(), principal, params)
	if err != nil {
		middleware.WriteError(w, err, middleware.Challenge(nil))
		return
	}
	if s.metrics != nil {
		s.metrics.APIKeysIssuedTotal.Inc()
	}
	httputil.WriteSuccess(w, key)
}

// currentAPIKey returns the metadata of the key that authenticated this
// request.
func (s *Server) currentAPIKey(w http.ResponseWriter, r *http.Request) {
	cred := middleware.CredentialFrom(r)
	if cred == nil || cred.APIKey == "" {
		middleware.WriteError(w, auth.ErrNoAPIKey, middleware.Challenge(nil))
		return
	}
	key, err := s.core.CurrentAPIKeyInfo(r.Context(), cred.APIKey)
	if err != nil {
		middleware.WriteError(w, err, middleware.Challenge(nil))
		return
	}
	httputil.WriteSuccess(w, key)
}

// deleteAPIKey revokes one of the requester's keys by its first-eight
// index.
func (s *Server) deleteAPIKey(w http.ResponseWriter, r *http.Request) {
	firstEight := httputil.QueryString(r, "first_eight", "")
	if firstEight == "" {
		httputil.WriteDetail(w, http.StatusBadRequest, "missing query parameter: first_eight")
		return
	}
	principal := middleware.PrincipalFrom(r)
	if err := s.core.RevokeAPIKey(r.Context(), principal, firstEight); err != nil {
		middleware.WriteError(w, err, middleware.Challenge(nil))
		return
	}
	httputil.WriteSuccessMessage(w, true, "")
}

// createAPIKeyForPrincipal mints a key for another principal through the
// admin path.
func (s *Server) createAPIKeyForPrincipal(w http.ResponseWriter, r *http.Request) {
	targetUUID, err := httputil.PathString(r, "uuid")
	if err != nil {
		httputil.WriteDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	var params auth.APIKeyParams
	if err := httputil.ParseJSON(r, &params); err != nil && !errors.Is(err, io.EOF) {
		httputil.WriteDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	key, mintErr := s.core.GenerateAPIKeyForPrincipal(r.Context(), targetUUID, params)
	if mintErr != nil {
		middleware.WriteError(w, mintErr, middleware.Challenge(nil))
		return
	}
	if s.metrics != nil {
		s.metrics.APIKeysIssuedTotal.Inc()
	}
	httputil.WriteSuccess(w, key)
}

// listPrincipals returns every stored principal with its latest activity.
func (s *Server) listPrincipals(w http.ResponseWriter, r *http.Request) {
	infos, err := s.core.ListPrincipals(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("Failed to list principals")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteSuccess(w, infos)
}

// getPrincipal returns one stored principal by uuid.
func (s *Server) getPrincipal(w http.ResponseWriter, r *http.Request) {
	principalUUID, err := httputil.PathString(r, "uuid")
	if err != nil {
		httputil.WriteDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	info, err := s.core.GetPrincipal(r.Context(), principalUUID)
	if err != nil {
		middleware.WriteError(w, err, middleware.Challenge(nil))
		return
	}
	httputil.WriteSuccess(w, info)
}

// whoami returns the resolved principal for the current request.
func (s *Server) whoami(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, middleware.PrincipalFrom(r))
}

// currentScopes returns the roles and scopes resolved for the current
// request.
func (s *Server) currentScopes(w http.ResponseWriter, r *http.Request) {
	principal := middleware.PrincipalFrom(r)
	httputil.WriteSuccess(w, map[string]interface{}{
		"roles":  principal.Roles,
		"scopes": principal.Scopes,
	})
}

// logout clears the API-key and CSRF cookies. Sessions are not revoked:
// the access token stays valid until its short natural expiry.
func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{Name: auth.APIKeyCookieName, Path: "/", MaxAge: -1})
	http.SetCookie(w, &http.Cookie{Name: auth.CSRFCookieName, Path: "/", MaxAge: -1})
	httputil.WriteSuccess(w, map[string]interface{}{})
}

func (s *Server) countLogin(provider string, err error) {
	if s.metrics == nil {
		return
	}
	outcome := observability.OutcomeOK
	if err != nil {
		outcome = observability.OutcomeInvalid
	}
	s.metrics.LoginsTotal.WithLabelValues(provider, outcome).Inc()
}

func (s *Server) countRefresh(err error) {
	if s.metrics == nil {
		return
	}
	outcome := observability.OutcomeOK
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrSessionExpired):
		outcome = observability.OutcomeExpired
	default:
		outcome = observability.OutcomeInvalid
	}
	s.metrics.SessionRefreshTotal.WithLabelValues(outcome).Inc()
}
