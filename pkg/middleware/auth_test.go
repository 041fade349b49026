package middleware

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamline/queuegate/pkg/auth"
	"github.com/beamline/queuegate/pkg/policy"
	"github.com/beamline/queuegate/pkg/scopes"
	"github.com/beamline/queuegate/pkg/token"
)

// newSingleUserMiddleware builds a middleware over a single-user core so
// tests need no database.
func newSingleUserMiddleware(t *testing.T, secret []byte) *Middleware {
	t.Helper()
	pol, err := policy.NewBasicPolicy(nil)
	require.NoError(t, err)
	codec, err := token.NewCodec([]string{"mw-test-key"})
	require.NoError(t, err)
	core := auth.NewCore(auth.Options{
		Codec:            codec,
		Access:           pol,
		SingleUserAPIKey: secret,
		AccessTokenTTL:   time.Minute,
		RefreshTokenTTL:  time.Hour,
		SessionMaxAge:    time.Hour,
	})
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return New(core, nil, logger)
}

func okHandler(t *testing.T, sawPrincipal *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if PrincipalFrom(r) != nil {
			*sawPrincipal = true
		}
		w.WriteHeader(http.StatusOK)
	})
}

func hexSecret() ([]byte, string) {
	secret := make([]byte, 36)
	for i := range secret {
		secret[i] = byte(i + 100)
	}
	return secret, hex.EncodeToString(secret)
}

func TestRequireScopesRejectsWithChallenge(t *testing.T) {
	secret, _ := hexSecret()
	m := newSingleUserMiddleware(t, secret)

	handler := m.RequireScopes(scopes.ReadStatus)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/status", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, `Bearer scope="read:status"`, rec.Header().Get("WWW-Authenticate"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body["detail"], "Not enough permissions")
}

func TestRequireScopesPassesAPIKey(t *testing.T) {
	secret, hexKey := hexSecret()
	m := newSingleUserMiddleware(t, secret)

	saw := false
	handler := m.RequireScopes(scopes.ReadStatus)(okHandler(t, &saw))

	r := httptest.NewRequest("GET", "/api/status", nil)
	r.Header.Set("Authorization", "Apikey "+hexKey)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, saw)
}

func TestQueryKeyRedeliveredAsCookie(t *testing.T) {
	secret, hexKey := hexSecret()
	m := newSingleUserMiddleware(t, secret)

	saw := false
	handler := m.RequireScopes()(okHandler(t, &saw))

	r := httptest.NewRequest("GET", "/api/status?api_key="+hexKey, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)

	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	var gotKey, gotCSRF bool
	for _, c := range cookies {
		if c.Name == auth.APIKeyCookieName && c.Value == hexKey {
			gotKey = true
		}
		if c.Name == auth.CSRFCookieName && c.Value != "" {
			gotCSRF = true
		}
	}
	assert.True(t, gotKey)
	assert.True(t, gotCSRF)
}

func TestCSRFRequiredForCookieWrites(t *testing.T) {
	secret, hexKey := hexSecret()
	m := newSingleUserMiddleware(t, secret)

	saw := false
	handler := m.RequireScopes()(okHandler(t, &saw))

	// Cookie-authenticated POST without the CSRF header fails closed.
	r := httptest.NewRequest("POST", "/api/queue/item/add", nil)
	r.AddCookie(&http.Cookie{Name: auth.APIKeyCookieName, Value: hexKey})
	r.AddCookie(&http.Cookie{Name: auth.CSRFCookieName, Value: "csrf-token"})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.False(t, saw)

	// With the matching header it passes.
	r = httptest.NewRequest("POST", "/api/queue/item/add", nil)
	r.AddCookie(&http.Cookie{Name: auth.APIKeyCookieName, Value: hexKey})
	r.AddCookie(&http.Cookie{Name: auth.CSRFCookieName, Value: "csrf-token"})
	r.Header.Set(auth.CSRFHeaderName, "csrf-token")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, saw)
}

func TestCSRFNotRequiredForHeaderClients(t *testing.T) {
	secret, hexKey := hexSecret()
	m := newSingleUserMiddleware(t, secret)

	saw := false
	handler := m.RequireScopes()(okHandler(t, &saw))

	r := httptest.NewRequest("POST", "/api/queue/item/add", nil)
	r.Header.Set("Authorization", "Apikey "+hexKey)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBadAuthorizationScheme(t *testing.T) {
	secret, _ := hexSecret()
	m := newSingleUserMiddleware(t, secret)

	handler := m.RequireScopes()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))
	r := httptest.NewRequest("GET", "/api/status", nil)
	r.Header.Set("Authorization", "Digest abc")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPrincipalFromEmptyContext(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil).WithContext(context.Background())
	assert.Nil(t, PrincipalFrom(r))
	assert.Nil(t, CredentialFrom(r))
}
