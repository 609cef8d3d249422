package adminapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskcluster/wsbridge/endpoint"
	"github.com/taskcluster/wsbridge/engine"
	"github.com/taskcluster/wsbridge/handler"
	"github.com/taskcluster/wsbridge/servicereg"
)

var (
	secretA = []byte("secret-a")
	secretB = []byte("secret-b")
)

type echo struct{}

func (echo) OnMessage(conn handler.Conn, msg string) string { return msg }

type fakeSessions struct {
	live    map[string]bool
	expired []string
}

func (s *fakeSessions) Invalidate(id string) bool {
	if !s.live[id] {
		return false
	}
	delete(s.live, id)
	s.expired = append(s.expired, id)
	return true
}

type fakeConnections struct{}

func (fakeConnections) Connections() int     { return 2 }
func (fakeConnections) SessionIDs() []string { return []string{"s1"} }

type fixture struct {
	services *servicereg.Registry
	registry *endpoint.Registry
	sessions *fakeSessions
	router   *mux.Router
	echoID   handler.ID
}

func newFixture(t *testing.T, audience string) *fixture {
	t.Helper()
	f := &fixture{
		services: servicereg.New(nil),
		sessions: &fakeSessions{live: map[string]bool{"s1": true}},
		router:   mux.NewRouter(),
	}
	f.registry = endpoint.New(endpoint.Config{Engine: engine.New(engine.Config{}), Services: f.services})
	f.services.Subscribe(f.registry)

	var err error
	f.echoID, err = f.services.RegisterInstance(servicereg.Properties{
		Name: "echo",
		Path: "/ws/echo",
		Kind: handler.KindAnnotated,
		Type: reflect.TypeOf(echo{}),
	}, echo{})
	require.NoError(t, err)

	api := New(Config{
		Bindings:    f.registry,
		Services:    f.services,
		Sessions:    f.sessions,
		Connections: fakeConnections{},
		SecretA:     secretA,
		SecretB:     secretB,
		Audience:    audience,
	})
	api.RegisterService(f.router)
	return f
}

func token(t *testing.T, secret []byte, method jwt.SigningMethod, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(secret)
	require.NoError(t, err)
	return s
}

func validClaims() jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"sub": "operator",
		"iat": now.Unix(),
		"nbf": now.Add(-time.Minute).Unix(),
		"exp": now.Add(time.Minute).Unix(),
	}
}

func (f *fixture) do(method, path, tok string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestHealthzUnauthenticated(t *testing.T) {
	f := newFixture(t, "")
	rec := f.do(http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, HealthResponse{Status: "ok", Bindings: 1}, resp)
}

func TestAuthentication(t *testing.T) {
	f := newFixture(t, "")

	expired := validClaims()
	expired["exp"] = time.Now().Add(-time.Minute).Unix()
	future := validClaims()
	future["nbf"] = time.Now().Add(time.Hour).Unix()
	noExp := validClaims()
	delete(noExp, "exp")

	for _, tc := range []struct {
		name string
		tok  string
		code int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"garbage", "not-a-jwt", http.StatusUnauthorized},
		{"secret A", token(t, secretA, jwt.SigningMethodHS256, validClaims()), http.StatusOK},
		{"secret B", token(t, secretB, jwt.SigningMethodHS256, validClaims()), http.StatusOK},
		{"wrong secret", token(t, []byte("other"), jwt.SigningMethodHS256, validClaims()), http.StatusUnauthorized},
		{"HS512", token(t, secretA, jwt.SigningMethodHS512, validClaims()), http.StatusUnauthorized},
		{"expired", token(t, secretA, jwt.SigningMethodHS256, expired), http.StatusUnauthorized},
		{"not yet valid", token(t, secretA, jwt.SigningMethodHS256, future), http.StatusUnauthorized},
		{"no exp", token(t, secretA, jwt.SigningMethodHS256, noExp), http.StatusUnauthorized},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(http.MethodGet, "/api/v1/bindings", tc.tok)
			assert.Equal(t, tc.code, rec.Code)
		})
	}
}

func TestAudience(t *testing.T) {
	f := newFixture(t, "wsbridge")

	rec := f.do(http.MethodGet, "/api/v1/bindings", token(t, secretA, jwt.SigningMethodHS256, validClaims()))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	claims := validClaims()
	claims["aud"] = "wsbridge"
	rec = f.do(http.MethodGet, "/api/v1/bindings", token(t, secretA, jwt.SigningMethodHS256, claims))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBindings(t *testing.T) {
	f := newFixture(t, "")
	tok := token(t, secretA, jwt.SigningMethodHS256, validClaims())

	rec := f.do(http.MethodGet, "/api/v1/bindings", tok)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []BindingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, BindingResponse{
		ID:           int64(f.echoID),
		Path:         "/ws/echo",
		Kind:         handler.KindAnnotated.String(),
		Subprotocols: []string{},
		Capabilities: []string{handler.CapText},
	}, list[0])

	rec = f.do(http.MethodGet, "/api/v1/bindings/"+itoa(f.echoID), tok)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/api/v1/bindings/9999", tok)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodGet, "/api/v1/bindings/abc", tok)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnregisterService(t *testing.T) {
	f := newFixture(t, "")
	tok := token(t, secretA, jwt.SigningMethodHS256, validClaims())

	rec := f.do(http.MethodGet, "/api/v1/services", tok)
	require.Equal(t, http.StatusOK, rec.Code)
	var services []ServiceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &services))
	require.Len(t, services, 1)
	assert.Equal(t, "echo", services[0].Name)
	assert.Equal(t, servicereg.ScopeSingleton.String(), services[0].Scope)

	rec = f.do(http.MethodDelete, "/api/v1/services/"+itoa(f.echoID), tok)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	_, ok := f.registry.Lookup("/ws/echo")
	assert.False(t, ok, "unregistering removes the binding")

	rec = f.do(http.MethodDelete, "/api/v1/services/"+itoa(f.echoID), tok)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessions(t *testing.T) {
	f := newFixture(t, "")
	tok := token(t, secretB, jwt.SigningMethodHS256, validClaims())

	rec := f.do(http.MethodGet, "/api/v1/sessions", tok)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp SessionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, SessionsResponse{Connections: 2, Sessions: []string{"s1"}}, resp)

	rec = f.do(http.MethodPost, "/api/v1/sessions/s1/expire", tok)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"s1"}, f.sessions.expired)

	rec = f.do(http.MethodPost, "/api/v1/sessions/s1/expire", tok)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNewPanicsWithoutSecrets(t *testing.T) {
	assert.Panics(t, func() {
		New(Config{
			Bindings:    endpoint.New(endpoint.Config{Engine: engine.New(engine.Config{}), Services: servicereg.New(nil)}),
			Services:    servicereg.New(nil),
			Sessions:    &fakeSessions{},
			Connections: fakeConnections{},
			SecretA:     secretA,
		})
	})
}

func TestExtractBearer(t *testing.T) {
	assert.Equal(t, "abc", extractBearer("Bearer abc"))
	assert.Equal(t, "abc", extractBearer("bearer abc"))
	assert.Equal(t, "", extractBearer("Basic abc"))
	assert.Equal(t, "", extractBearer("abc"))
}

func itoa(id handler.ID) string {
	return strconv.FormatInt(int64(id), 10)
}
