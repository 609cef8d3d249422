package engine

import (
	"context"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskcluster/wsbridge/handler"
)

const testKey = "dGhlIHNhbXBsZSBub25jZQ=="

func upgradeRequest(path string) *RequestContext {
	u, _ := url.Parse(path)
	req := &RequestContext{
		Method:     http.MethodGet,
		RequestURI: u,
	}
	req.AddHeader("Upgrade", "websocket")
	req.AddHeader("Connection", "keep-alive, Upgrade")
	req.AddHeader("Sec-WebSocket-Version", "13")
	req.AddHeader("Sec-WebSocket-Key", testKey)
	return req
}

func TestRegisterAndNegotiate(t *testing.T) {
	e := New(Config{})
	token, err := e.RegisterUpgradeConfig(UpgradeConfig{Path: "/ws/echo", Kind: handler.KindRaw, BoundID: 7})
	require.NoError(t, err)
	require.NotEmpty(t, token)

	res := e.Negotiate(context.Background(), upgradeRequest("/ws/echo"))
	require.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, http.StatusSwitchingProtocols, res.Code)
	require.NotNil(t, res.Config)
	assert.Equal(t, handler.ID(7), res.Config.BoundID)
	assert.Empty(t, res.Header)

	require.NoError(t, e.UnregisterUpgradeConfig(token))
	res = e.Negotiate(context.Background(), upgradeRequest("/ws/echo"))
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, http.StatusNotFound, res.Code)
	assert.ErrorIs(t, res.Err, ErrHandshakeFailed)

	assert.ErrorIs(t, e.UnregisterUpgradeConfig(token), ErrUnknownToken)
}

func TestRegisterConflicts(t *testing.T) {
	e := New(Config{})
	_, err := e.RegisterUpgradeConfig(UpgradeConfig{Path: "/ws/a", BoundID: 1})
	require.NoError(t, err)
	_, err = e.RegisterUpgradeConfig(UpgradeConfig{Path: "/ws/a", BoundID: 2})
	assert.ErrorIs(t, err, ErrPathInUse)

	_, err = e.RegisterUpgradeConfig(UpgradeConfig{Path: "/chat/{room}", BoundID: 3})
	require.NoError(t, err)
	_, err = e.RegisterUpgradeConfig(UpgradeConfig{Path: "/chat/{other}", BoundID: 4})
	assert.ErrorIs(t, err, ErrPathInUse)

	for _, p := range []string{"relative", "/a/{", "/a/{x}/{x}", "/a/{}"} {
		_, err = e.RegisterUpgradeConfig(UpgradeConfig{Path: p})
		assert.ErrorIs(t, err, ErrInvalidPath, p)
	}
	assert.Len(t, e.Configs(), 2)
}

func TestTemplateMatching(t *testing.T) {
	e := New(Config{})
	_, err := e.RegisterUpgradeConfig(UpgradeConfig{Path: "/chat/{room}", BoundID: 1})
	require.NoError(t, err)
	_, err = e.RegisterUpgradeConfig(UpgradeConfig{Path: "/chat/lobby", BoundID: 2})
	require.NoError(t, err)
	_, err = e.RegisterUpgradeConfig(UpgradeConfig{Path: "/{a}/{b}", BoundID: 3})
	require.NoError(t, err)

	res := e.Negotiate(context.Background(), upgradeRequest("/chat/lobby"))
	require.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, handler.ID(2), res.Config.BoundID)

	res = e.Negotiate(context.Background(), upgradeRequest("/chat/kitchen?x=1"))
	require.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, handler.ID(1), res.Config.BoundID)
	assert.Equal(t, map[string]string{"room": "kitchen"}, res.PathParams)

	res = e.Negotiate(context.Background(), upgradeRequest("/x/y"))
	require.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, handler.ID(3), res.Config.BoundID)

	res = e.Negotiate(context.Background(), upgradeRequest("/chat/"))
	assert.Equal(t, StatusFailed, res.Status)
}

func TestNegotiateFailures(t *testing.T) {
	e := New(Config{AllowedOrigins: []string{"https://good.example.com"}})
	_, err := e.RegisterUpgradeConfig(UpgradeConfig{Path: "/ws", BoundID: 1})
	require.NoError(t, err)

	t.Run("not a websocket upgrade", func(t *testing.T) {
		req := upgradeRequest("/ws")
		req.Header["Upgrade"] = []string{"h2c"}
		res := e.Negotiate(context.Background(), req)
		assert.Equal(t, StatusNotApplicable, res.Status)
		assert.Empty(t, res.Header)
	})

	t.Run("bad method", func(t *testing.T) {
		req := upgradeRequest("/ws")
		req.Method = http.MethodPost
		res := e.Negotiate(context.Background(), req)
		assert.Equal(t, StatusFailed, res.Status)
		assert.Equal(t, http.StatusMethodNotAllowed, res.Code)
	})

	t.Run("bad version", func(t *testing.T) {
		req := upgradeRequest("/ws")
		req.Header["Sec-WebSocket-Version"] = []string{"8"}
		res := e.Negotiate(context.Background(), req)
		assert.Equal(t, http.StatusUpgradeRequired, res.Code)
		assert.Equal(t, "13", res.Header.Get("Sec-WebSocket-Version"))
	})

	t.Run("bad key", func(t *testing.T) {
		req := upgradeRequest("/ws")
		req.Header["Sec-WebSocket-Key"] = []string{"short"}
		res := e.Negotiate(context.Background(), req)
		assert.Equal(t, http.StatusBadRequest, res.Code)
	})

	t.Run("missing connection upgrade", func(t *testing.T) {
		req := upgradeRequest("/ws")
		req.Header["Connection"] = []string{"keep-alive"}
		res := e.Negotiate(context.Background(), req)
		assert.Equal(t, http.StatusBadRequest, res.Code)
	})

	t.Run("origin", func(t *testing.T) {
		req := upgradeRequest("/ws")
		req.AddHeader("Origin", "https://evil.example.com")
		res := e.Negotiate(context.Background(), req)
		assert.Equal(t, http.StatusForbidden, res.Code)

		req = upgradeRequest("/ws")
		req.AddHeader("Origin", "https://GOOD.example.com")
		res = e.Negotiate(context.Background(), req)
		assert.Equal(t, StatusSuccess, res.Status)
	})

	t.Run("expired context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		res := e.Negotiate(ctx, upgradeRequest("/ws"))
		assert.Equal(t, StatusFailed, res.Status)
		assert.Equal(t, http.StatusServiceUnavailable, res.Code)
	})
}

func TestSubprotocolSelection(t *testing.T) {
	e := New(Config{})
	_, err := e.RegisterUpgradeConfig(UpgradeConfig{Path: "/ws", Subprotocols: []string{"v2.chat", "v1.chat"}})
	require.NoError(t, err)

	req := upgradeRequest("/ws")
	req.AddHeader("Sec-WebSocket-Protocol", "v1.chat, v2.chat")
	res := e.Negotiate(context.Background(), req)
	require.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "v1.chat", res.Subprotocol)
	assert.Equal(t, "v1.chat", res.Header.Get("Sec-WebSocket-Protocol"))

	req = upgradeRequest("/ws")
	req.AddHeader("Sec-WebSocket-Protocol", "mqtt")
	res = e.Negotiate(context.Background(), req)
	require.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "", res.Subprotocol)
}

func TestTracing(t *testing.T) {
	e := New(Config{Tracing: TracingOnDemand})

	res := e.Negotiate(context.Background(), upgradeRequest("/missing"))
	assert.Empty(t, res.Header)

	req := upgradeRequest("/missing")
	req.AddHeader(TracingAcceptHeader, "")
	res = e.Negotiate(context.Background(), req)
	require.Equal(t, StatusFailed, res.Status)
	require.NotEmpty(t, res.Header)
	for name := range res.Header {
		assert.True(t, IsTracingHeader(name), name)
	}
	assert.Equal(t, "negotiating GET /missing", res.Header.Get(TracingHeaderPrefix+"00"))

	mode, err := ParseTracingMode("all")
	require.NoError(t, err)
	assert.Equal(t, TracingAll, mode)
	_, err = ParseTracingMode("sometimes")
	assert.Error(t, err)
}

func TestParseHeaderValue(t *testing.T) {
	assert.Equal(t, []string{"a", "b c", `"d,e"`}, ParseHeaderValue(` a, b c ,, "d,e"`))
	assert.Nil(t, ParseHeaderValue(""))
}
