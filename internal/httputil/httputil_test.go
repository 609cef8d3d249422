package httputil

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	JSON(rec, map[string]int{"a": 1}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"a": 1}`, rec.Body.String())
}

func TestReportError(t *testing.T) {
	rec := httptest.NewRecorder()
	JSON(rec, nil, Errorf(http.StatusNotFound, "no such %s", "thing"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error": "no such thing"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	NoBody(rec, errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = httptest.NewRecorder()
	NoBody(rec, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestVars(t *testing.T) {
	var got map[string]string
	r := mux.NewRouter()
	r.HandleFunc("/x/{name}", func(w http.ResponseWriter, req *http.Request) {
		var err error
		got, err = Vars(req)
		require.NoError(t, err)
	})
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x/a%20b", nil))
	assert.Equal(t, map[string]string{"name": "a b"}, got)
}

func TestWaitForListener(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	assert.NoError(t, WaitForListener(context.Background(), l.Addr().String(), time.Second))

	addr := l.Addr().String()
	l.Close()
	assert.Error(t, WaitForListener(context.Background(), addr, 200*time.Millisecond))
}
