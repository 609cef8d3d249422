package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskcluster/wsbridge/httpsession"
)

var fastRetry = RetryConfig{
	InitialDelay:   time.Millisecond,
	MaxDelay:       5 * time.Millisecond,
	MaxElapsedTime: 2 * time.Second,
}

// flakyServer answers the first failures handshakes with status and
// upgrades the rest.
func flakyServer(t *testing.T, failures int32, status int) (*httptest.Server, *int32) {
	t.Helper()
	var attempts int32
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) <= failures {
			http.Error(w, "not now", status)
			return
		}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		mt, data, err := c.ReadMessage()
		if err != nil {
			return
		}
		_ = c.WriteMessage(mt, data)
	}))
	t.Cleanup(server.Close)
	return server, &attempts
}

func TestDialSucceeds(t *testing.T) {
	server, attempts := flakyServer(t, 0, 0)

	ws, err := Dial(context.Background(), server.URL, Config{Retry: fastRetry})
	require.NoError(t, err)
	defer ws.Close()
	assert.Equal(t, int32(1), atomic.LoadInt32(attempts))

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("ping")))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "ping", string(data))
}

func TestDialRetries5xx(t *testing.T) {
	server, attempts := flakyServer(t, 2, http.StatusServiceUnavailable)

	ws, err := Dial(context.Background(), server.URL, Config{Retry: fastRetry})
	require.NoError(t, err)
	defer ws.Close()
	assert.Equal(t, int32(3), atomic.LoadInt32(attempts))
}

func TestDial4xxIsPermanent(t *testing.T) {
	server, attempts := flakyServer(t, 100, http.StatusNotFound)

	_, err := Dial(context.Background(), server.URL, Config{Retry: fastRetry})
	require.Error(t, err)
	var herr *HandshakeError
	require.True(t, errors.As(err, &herr))
	assert.Equal(t, http.StatusNotFound, herr.StatusCode)
	assert.Equal(t, "not now", herr.Body)
	assert.Equal(t, int32(1), atomic.LoadInt32(attempts))
}

func TestDialGivesUp(t *testing.T) {
	server, attempts := flakyServer(t, 1<<30, http.StatusServiceUnavailable)

	retry := fastRetry
	retry.MaxElapsedTime = 50 * time.Millisecond
	_, err := Dial(context.Background(), server.URL, Config{Retry: retry})
	require.Error(t, err)
	var herr *HandshakeError
	require.True(t, errors.As(err, &herr))
	assert.Equal(t, http.StatusServiceUnavailable, herr.StatusCode)
	assert.Greater(t, atomic.LoadInt32(attempts), int32(1))
}

func TestDialStopsWithContext(t *testing.T) {
	server, _ := flakyServer(t, 1<<30, http.StatusServiceUnavailable)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	retry := fastRetry
	retry.MaxElapsedTime = time.Hour
	start := time.Now()
	_, err := Dial(ctx, server.URL, Config{Retry: retry})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestStartSession(t *testing.T) {
	store := httpsession.New(httpsession.Config{CookieName: "sid"})
	router := mux.NewRouter()
	store.RegisterService(router)
	server := httptest.NewServer(router)
	defer server.Close()

	cookies, err := StartSession(server.URL, fastRetry)
	require.NoError(t, err)
	require.Len(t, cookies, 1)
	assert.Equal(t, "sid", cookies[0].Name)
	_, ok := store.Get(cookies[0].Value)
	assert.True(t, ok)

	header := SessionHeader(cookies)
	assert.Equal(t, "sid="+cookies[0].Value, header.Get("Cookie"))
}

func TestRetryConfigDefaults(t *testing.T) {
	b := RetryConfig{}.exponentialBackOff()
	assert.Equal(t, defaultInitialDelay, b.InitialInterval)
	assert.Equal(t, defaultMaxDelay, b.MaxInterval)
	assert.Equal(t, defaultMaxElapsedTime, b.MaxElapsedTime)
}
