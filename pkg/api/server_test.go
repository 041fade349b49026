package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/beamline/queuegate/pkg/auth"
	"github.com/beamline/queuegate/pkg/policy"
	"github.com/beamline/queuegate/pkg/rpc"
	"github.com/beamline/queuegate/pkg/store"
	"github.com/beamline/queuegate/pkg/token"
)

// memStore is an in-memory credential store for handler tests.
type memStore struct {
	mu         sync.Mutex
	nextID     int64
	principals map[int64]*store.Principal
	sessions   map[string]*store.Session
	apiKeys    map[int64]*store.APIKey
}

func newMemStore() *memStore {
	return &memStore{
		principals: make(map[int64]*store.Principal),
		sessions:   make(map[string]*store.Session),
		apiKeys:    make(map[int64]*store.APIKey),
	}
}

func (f *memStore) id() int64 {
	f.nextID++
	return f.nextID
}

func (f *memStore) FindOrCreatePrincipal(_ context.Context, provider, externalID string, now time.Time) (*store.Principal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.principals {
		for i := range p.Identities {
			if p.Identities[i].Provider == provider && p.Identities[i].ExternalID == externalID {
				t := now
				p.Identities[i].LatestLogin = &t
				cp := *p
				return &cp, nil
			}
		}
	}
	p := &store.Principal{
		ID:        f.id(),
		UUID:      uuid.NewString(),
		Type:      store.PrincipalUser,
		CreatedAt: now,
	}
	p.Identities = []store.Identity{{
		ID: f.id(), ExternalID: externalID, Provider: provider, PrincipalID: p.ID, LatestLogin: &now,
	}}
	f.principals[p.ID] = p
	cp := *p
	return &cp, nil
}

func (f *memStore) GetPrincipalByID(_ context.Context, id int64) (*store.Principal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.principals[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *memStore) GetPrincipalByUUID(_ context.Context, principalUUID string) (*store.Principal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.principals {
		if p.UUID == principalUUID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *memStore) ListPrincipals(_ context.Context) ([]store.Principal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Principal
	for _, p := range f.principals {
		out = append(out, *p)
	}
	return out, nil
}

func (f *memStore) CreateSession(_ context.Context, principalID int64, expiration time.Time) (*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &store.Session{
		ID:             f.id(),
		UUID:           uuid.NewString(),
		PrincipalID:    principalID,
		ExpirationTime: expiration,
	}
	f.sessions[s.UUID] = s
	cp := *s
	return &cp, nil
}

func (f *memStore) GetSession(_ context.Context, sessionUUID string) (*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionUUID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *memStore) RefreshSession(_ context.Context, sessionUUID string, now time.Time) (*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionUUID]
	if !ok || s.Revoked || !s.ExpirationTime.After(now) {
		return nil, store.ErrNotFound
	}
	s.RefreshCount++
	t := now
	s.TimeLastRefreshed = &t
	cp := *s
	return &cp, nil
}

func (f *memStore) RevokeSession(_ context.Context, sessionUUID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionUUID]
	if !ok {
		return store.ErrNotFound
	}
	s.Revoked = true
	return nil
}

func (f *memStore) CreateAPIKey(_ context.Context, key *store.APIKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key.ID = f.id()
	cp := *key
	f.apiKeys[key.ID] = &cp
	return nil
}

func (f *memStore) GetValidAPIKeyBySecret(_ context.Context, secret []byte, now time.Time) (*store.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	hashed := store.HashSecret(secret)
	for _, k := range f.apiKeys {
		if k.ExpirationTime != nil && !k.ExpirationTime.After(now) {
			continue
		}
		if string(k.HashedSecret) == string(hashed) {
			cp := *k
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *memStore) GetAPIKeyByFirstEight(_ context.Context, firstEight string) (*store.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range f.apiKeys {
		if k.FirstEight == firstEight {
			cp := *k
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *memStore) ListAPIKeys(_ context.Context, principalID int64) ([]store.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.APIKey
	for _, k := range f.apiKeys {
		if k.PrincipalID == principalID {
			out = append(out, *k)
		}
	}
	return out, nil
}

func (f *memStore) DeleteAPIKey(_ context.Context, keyID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.apiKeys[keyID]; !ok {
		return store.ErrNotFound
	}
	delete(f.apiKeys, keyID)
	return nil
}

func (f *memStore) TouchAPIKey(_ context.Context, keyID int64, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.apiKeys[keyID]
	if !ok {
		return store.ErrNotFound
	}
	t := now
	k.LatestActivity = &t
	return nil
}

func (f *memStore) LatestActivity(_ context.Context, principalID int64) (*time.Time, error) {
	return nil, nil
}

// fakeGateway records the last forwarded call and plays back a canned
// reply.
type fakeGateway struct {
	mu     sync.Mutex
	method string
	params map[string]interface{}
	reply  map[string]interface{}
	err    error
}

func (g *fakeGateway) SendRequest(_ context.Context, method string, params map[string]interface{}) (map[string]interface{}, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.method = method
	g.params = params
	if g.err != nil {
		return nil, g.err
	}
	return g.reply, nil
}

var _ rpc.Gateway = (*fakeGateway)(nil)

type testServer struct {
	server  *Server
	gateway *fakeGateway
	codec   *token.Codec
	store   *memStore
}

func newTestServer(t *testing.T, roleEdits map[string]*policy.RoleEdit) *testServer {
	t.Helper()
	pol, err := policy.NewDictionaryPolicy(roleEdits, map[string]*policy.UserSpec{
		"alice": {Roles: policy.RoleList{"user"}},
		"bob":   {Roles: policy.RoleList{"admin", "user"}},
	})
	require.NoError(t, err)

	codec, err := token.NewCodec([]string{"api-test-key"})
	require.NoError(t, err)

	ms := newMemStore()
	core := auth.NewCore(auth.Options{
		Store:  ms,
		Codec:  codec,
		Access: pol,
		Authenticators: map[string]auth.Authenticator{
			"toy": auth.NewDictionaryAuthenticator(map[string]string{
				"alice": "apasswd",
				"bob":   "bpasswd",
			}),
		},
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 7 * 24 * time.Hour,
		SessionMaxAge:   365 * 24 * time.Hour,
	})

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	gw := &fakeGateway{reply: map[string]interface{}{"success": true}}
	server := NewServer(Options{
		Core:    core,
		Gateway: gw,
		Access:  pol,
		Logger:  logger,
	})
	return &testServer{server: server, gateway: gw, codec: codec, store: ms}
}

func (ts *testServer) do(r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.server.ServeHTTP(rec, r)
	return rec
}

// login performs the password grant and returns the token pair.
func (ts *testServer) login(t *testing.T, username, password string) *auth.TokenPair {
	t.Helper()
	form := url.Values{"username": {username}, "password": {password}}
	r := httptest.NewRequest("POST", "/api/auth/provider/toy/token", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := ts.do(r)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var pair auth.TokenPair
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pair))
	return &pair
}

func jsonBody(t *testing.T, v interface{}) io.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return strings.NewReader(string(b))
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}
